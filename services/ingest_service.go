package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/ShariarAlamDipto/grademax-sub001/model"
	"github.com/ShariarAlamDipto/grademax-sub001/services/digitalocean"
	"github.com/ShariarAlamDipto/grademax-sub001/utils/cache"
	"github.com/ShariarAlamDipto/grademax-sub001/utils/pdfvalidation"
	"github.com/ShariarAlamDipto/grademax-sub001/utils/validation"
)

// IngestResult is the per-paper outcome returned to the caller: the
// processed units plus everything that went less than perfectly. A
// single malformed unit never aborts its siblings.
type IngestResult struct {
	Paper          model.PaperSummary `json:"paper"`
	UnitCount      int                `json:"unit_count"`
	TotalQuestions int                `json:"total_questions"`
	MatchedLinks   int                `json:"matched_links"`
	ReviewFlagged  int                `json:"review_flagged"`
	Warnings       []string           `json:"warnings,omitempty"`
	Reingested     bool               `json:"reingested"`
}

// IngestService runs the full pipeline for one document pair:
// segmentation, mark-scheme linking, classification, persistence.
// Stages are strictly sequential within one paper; separate papers may
// be ingested concurrently, each call owning its own state.
type IngestService struct {
	db         *gorm.DB
	spaces     *digitalocean.SpacesClient
	cache      *cache.RedisCache // nil disables worksheet-cache invalidation
	segmenter  *Segmenter
	classifier *TopicClassifier
	profiles   *SubjectProfiles
	validate   *validation.Validator
	tracker    *IngestTracker // nil disables job tracking and locking
}

// NewIngestService wires the pipeline stages together
func NewIngestService(db *gorm.DB, spaces *digitalocean.SpacesClient, redisCache *cache.RedisCache, profiles *SubjectProfiles, classifier *TopicClassifier) *IngestService {
	s := &IngestService{
		db:         db,
		spaces:     spaces,
		cache:      redisCache,
		segmenter:  NewSegmenter(profiles),
		classifier: classifier,
		profiles:   profiles,
		validate:   validation.NewValidator(),
	}
	if redisCache != nil {
		s.tracker = NewIngestTracker(redisCache)
	}
	return s
}

// IngestPaper ingests a question-paper / mark-scheme pair. If a paper
// with the same identity already exists its units are deleted and
// recreated in one transaction and the ingest version is bumped;
// worksheets built from the old units keep working until they expire,
// but the assembly cache is invalidated so new requests see the new
// units.
func (s *IngestService) IngestPaper(ctx context.Context, meta model.PaperMeta, questionPDF, markSchemePDF []byte) (*IngestResult, error) {
	meta.Board = validation.SanitizeString(meta.Board)
	meta.Level = validation.SanitizeString(meta.Level)
	meta.SubjectCode = validation.SanitizeString(meta.SubjectCode)
	if err := s.validate.ValidateStruct(&meta); err != nil {
		return nil, fmt.Errorf("invalid paper metadata: %w", err)
	}

	var job *IngestJob
	if s.tracker != nil {
		var err error
		job, err = s.tracker.Begin(ctx, metaLabel(meta))
		if err != nil {
			return nil, err
		}
	}

	result, err := s.ingest(ctx, meta, questionPDF, markSchemePDF, job)
	if s.tracker != nil {
		if err != nil {
			s.tracker.Fail(ctx, job, err)
		} else {
			s.tracker.Complete(ctx, job, fmt.Sprintf("%d units ingested", result.UnitCount))
		}
	}
	return result, err
}

func metaLabel(meta model.PaperMeta) string {
	return fmt.Sprintf("%s %s %d %s paper %d", meta.Board, meta.SubjectCode, meta.Year, meta.Season, meta.PaperNumber)
}

func (s *IngestService) ingest(ctx context.Context, meta model.PaperMeta, questionPDF, markSchemePDF []byte, job *IngestJob) (*IngestResult, error) {
	if err := s.validateDocuments(questionPDF, markSchemePDF); err != nil {
		return nil, err
	}

	paper, reingest, err := s.preparePaper(ctx, meta)
	if err != nil {
		return nil, err
	}

	if err := s.uploadSources(ctx, paper, questionPDF, markSchemePDF); err != nil {
		s.markFailed(ctx, paper, err)
		return nil, err
	}

	result, err := s.runPipeline(ctx, paper, questionPDF, markSchemePDF, job)
	if err != nil {
		s.markFailed(ctx, paper, err)
		return nil, err
	}
	result.Reingested = reingest

	if reingest {
		s.invalidateWorksheetCache(ctx)
	}
	return result, nil
}

func (s *IngestService) validateDocuments(questionPDF, markSchemePDF []byte) error {
	qv, err := pdfvalidation.ValidatePDFBytes(questionPDF, pdfvalidation.QuestionPaperLimits)
	if err != nil {
		return fmt.Errorf("question paper validation failed: %w", err)
	}
	if !qv.Valid {
		return fmt.Errorf("question paper rejected: %s", qv.Error)
	}

	mv, err := pdfvalidation.ValidatePDFBytes(markSchemePDF, pdfvalidation.MarkSchemeLimits)
	if err != nil {
		return fmt.Errorf("mark scheme validation failed: %w", err)
	}
	if !mv.Valid {
		return fmt.Errorf("mark scheme rejected: %s", mv.Error)
	}
	return nil
}

// preparePaper finds or creates the Paper row and moves it to the
// processing state
func (s *IngestService) preparePaper(ctx context.Context, meta model.PaperMeta) (*model.Paper, bool, error) {
	var paper model.Paper
	err := s.db.WithContext(ctx).
		Where("board = ? AND level = ? AND subject_code = ? AND year = ? AND season = ? AND paper_number = ?",
			meta.Board, meta.Level, meta.SubjectCode, meta.Year, meta.Season, meta.PaperNumber).
		First(&paper).Error

	reingest := false
	switch {
	case err == nil:
		reingest = true
		log.Printf("IngestService: re-ingesting %s (version %d -> %d)", paper.Label(), paper.IngestVersion, paper.IngestVersion+1)
	case errors.Is(err, gorm.ErrRecordNotFound):
		paper = model.Paper{
			Board:       meta.Board,
			Level:       meta.Level,
			SubjectCode: meta.SubjectCode,
			Year:        meta.Year,
			Season:      meta.Season,
			PaperNumber: meta.PaperNumber,
		}
		if err := s.db.WithContext(ctx).Create(&paper).Error; err != nil {
			return nil, false, fmt.Errorf("failed to create paper record: %w", err)
		}
	default:
		return nil, false, fmt.Errorf("failed to look up paper: %w", err)
	}

	updates := map[string]interface{}{
		"ingest_status": model.IngestProcessing,
		"ingest_error":  "",
	}
	if err := s.db.WithContext(ctx).Model(&paper).Updates(updates).Error; err != nil {
		return nil, false, fmt.Errorf("failed to mark paper as processing: %w", err)
	}
	return &paper, reingest, nil
}

// uploadSources stores both documents under deterministic keys so a
// re-ingest of the same paper overwrites rather than accumulates
func (s *IngestService) uploadSources(ctx context.Context, paper *model.Paper, questionPDF, markSchemePDF []byte) error {
	prefix := fmt.Sprintf("papers/%s/%s/%d/%s/p%d",
		strings.ToLower(paper.Board), paper.SubjectCode, paper.Year, strings.ToLower(string(paper.Season)), paper.PaperNumber)

	qKey := prefix + "/question-paper.pdf"
	if _, err := s.spaces.UploadBytes(ctx, qKey, questionPDF, "application/pdf"); err != nil {
		return fmt.Errorf("failed to store question paper: %w", err)
	}

	msKey := prefix + "/mark-scheme.pdf"
	if _, err := s.spaces.UploadBytes(ctx, msKey, markSchemePDF, "application/pdf"); err != nil {
		return fmt.Errorf("failed to store mark scheme: %w", err)
	}

	paper.QuestionDocKey = qKey
	paper.MarkSchemeDocKey = msKey
	return s.db.WithContext(ctx).Model(paper).
		Updates(map[string]interface{}{"question_doc_key": qKey, "mark_scheme_doc_key": msKey}).Error
}

// runPipeline executes segment -> link -> classify -> persist
func (s *IngestService) runPipeline(ctx context.Context, paper *model.Paper, questionPDF, markSchemePDF []byte, job *IngestJob) (*IngestResult, error) {
	meta := paper.Meta()
	profile := s.profiles.For(meta.SubjectCode)

	s.trackPhase(ctx, job, PhaseSegmenting, "")
	segResult, err := s.segmenter.Segment(ctx, questionPDF, markSchemePDF, meta)
	if err != nil {
		return nil, err
	}

	s.trackPhase(ctx, job, PhaseLinking, fmt.Sprintf("%d units", len(segResult.Units)))
	entries := ParseMarkScheme(segResult.SchemePages, profile)
	links := LinkMarkScheme(segResult.Units, entries)

	inputs := make([]ClassifyInput, len(segResult.Units))
	for i, u := range segResult.Units {
		inputs[i] = ClassifyInput{
			Label:   u.Number + u.PartCode,
			Excerpt: u.Excerpt,
			Marks:   u.Marks,
		}
		if links[i].MatchMethod != model.MatchUnmatched {
			inputs[i].SchemeSnippet = links[i].RawSnippet
		}
	}
	s.trackPhase(ctx, job, PhaseClassifying, fmt.Sprintf("%d units", len(inputs)))
	classifications := s.classifier.ClassifyBatch(ctx, meta.SubjectCode, inputs)

	s.trackPhase(ctx, job, PhasePersisting, "")
	result := &IngestResult{
		TotalQuestions: segResult.TotalQuestions,
		Warnings:       segResult.Warnings,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-ingestion replaces the unit set wholesale. Links cascade.
		if err := tx.Unscoped().Where("paper_id = ?", paper.ID).Delete(&model.QuestionUnit{}).Error; err != nil {
			return fmt.Errorf("failed to clear previous units: %w", err)
		}

		for i, su := range segResult.Units {
			cl := classifications[i]
			topic := cl.TopicCode
			unit := model.QuestionUnit{
				PaperID:      paper.ID,
				Number:       su.Number,
				PartCode:     su.PartCode,
				SourceRanges: su.Spans,
				SchemeRanges: links[i].SchemeSpans,
				Excerpt:      su.Excerpt,
				Marks:        su.Marks,
				HasDiagram:   su.HasDiagram,
				TopicCode:    &topic,
				Difficulty:   cl.Difficulty,
				Confidence:   cl.Confidence,
				ReviewFlag:   cl.ReviewFlag,
			}
			if err := tx.Create(&unit).Error; err != nil {
				return fmt.Errorf("failed to save unit %s: %w", unit.Label(), err)
			}

			link := links[i].BuildLink(unit.ID)
			if err := tx.Create(&link).Error; err != nil {
				return fmt.Errorf("failed to save mark-scheme link for unit %s: %w", unit.Label(), err)
			}

			if links[i].MatchMethod != model.MatchUnmatched {
				result.MatchedLinks++
			}
			if cl.ReviewFlag {
				result.ReviewFlagged++
			}
		}
		result.UnitCount = len(segResult.Units)

		return tx.Model(paper).Updates(map[string]interface{}{
			"total_questions":   segResult.TotalQuestions,
			"question_pages":    segResult.QuestionPages,
			"mark_scheme_pages": segResult.MarkSchemePages,
			"ingest_status":     model.IngestCompleted,
			"ingest_error":      "",
			"ingest_version":    gorm.Expr("ingest_version + 1"),
		}).Error
	})
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).First(paper, paper.ID).Error; err == nil {
		result.Paper = paper.ToSummary()
	}

	log.Printf("IngestService: ingested %s: %d units, %d questions, %d matched links, %d flagged for review",
		paper.Label(), result.UnitCount, result.TotalQuestions, result.MatchedLinks, result.ReviewFlagged)
	return result, nil
}

func (s *IngestService) trackPhase(ctx context.Context, job *IngestJob, phase IngestPhase, message string) {
	if s.tracker == nil || job == nil {
		return
	}
	s.tracker.SetPhase(ctx, job, phase, message)
}

func (s *IngestService) markFailed(ctx context.Context, paper *model.Paper, cause error) {
	err := s.db.WithContext(ctx).Model(paper).Updates(map[string]interface{}{
		"ingest_status": model.IngestFailed,
		"ingest_error":  truncate(cause.Error(), 2000),
	}).Error
	if err != nil {
		log.Printf("IngestService: failed to record ingest failure for %s: %v", paper.Label(), err)
	}
}

// invalidateWorksheetCache drops all cached assembly results after a
// re-ingestion changed the unit population
func (s *IngestService) invalidateWorksheetCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	dropped, err := s.cache.DeleteByPattern(ctx, "worksheet:*")
	if err != nil {
		log.Printf("IngestService: failed to invalidate worksheet cache: %v", err)
		return
	}
	if dropped > 0 {
		log.Printf("IngestService: invalidated %d cached worksheet results", dropped)
	}
}

// RetryFailedIngestions re-runs the pipeline for papers stuck in the
// failed state using their stored source documents. Run from the
// scheduled retry job. Papers whose failure predates maxAge are left
// alone for manual inspection.
func (s *IngestService) RetryFailedIngestions(ctx context.Context, maxAge time.Duration) (int, error) {
	var failed []model.Paper
	err := s.db.WithContext(ctx).
		Where("ingest_status = ? AND updated_at > ?", model.IngestFailed, time.Now().Add(-maxAge)).
		Find(&failed).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list failed papers: %w", err)
	}

	recovered := 0
	for i := range failed {
		paper := &failed[i]
		if paper.QuestionDocKey == "" || paper.MarkSchemeDocKey == "" {
			continue
		}
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}

		questionPDF, err := s.spaces.DownloadFile(ctx, paper.QuestionDocKey)
		if err != nil {
			log.Printf("IngestService: retry skipped for %s, question paper unavailable: %v", paper.Label(), err)
			continue
		}
		markSchemePDF, err := s.spaces.DownloadFile(ctx, paper.MarkSchemeDocKey)
		if err != nil {
			log.Printf("IngestService: retry skipped for %s, mark scheme unavailable: %v", paper.Label(), err)
			continue
		}

		if _, err := s.runPipeline(ctx, paper, questionPDF, markSchemePDF, nil); err != nil {
			s.markFailed(ctx, paper, err)
			log.Printf("IngestService: retry failed for %s: %v", paper.Label(), err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		log.Printf("IngestService: retry recovered %d of %d failed papers", recovered, len(failed))
		s.invalidateWorksheetCache(ctx)
	}
	return recovered, nil
}

// UnitFilter is the query surface for external collaborators
type UnitFilter struct {
	SubjectCode string           `json:"subject_code,omitempty"`
	TopicCode   string           `json:"topic_code,omitempty"`
	YearFrom    int              `json:"year_from,omitempty"`
	YearTo      int              `json:"year_to,omitempty"`
	Difficulty  model.Difficulty `json:"difficulty,omitempty" validate:"omitempty,oneof=easy medium hard"`
	ReviewOnly  bool             `json:"review_only,omitempty"`
	Limit       int              `json:"limit,omitempty" validate:"omitempty,gte=1,lte=500"`
}

// ListUnits queries stored question units by topic, year and difficulty
func (s *IngestService) ListUnits(ctx context.Context, filter UnitFilter) ([]model.QuestionUnitResponse, error) {
	if err := s.validate.ValidateStruct(&filter); err != nil {
		return nil, fmt.Errorf("invalid unit filter: %w", err)
	}

	query := s.db.WithContext(ctx).Model(&model.QuestionUnit{}).
		Joins("JOIN papers ON papers.id = question_units.paper_id").
		Where("papers.ingest_status = ?", model.IngestCompleted).
		Preload("Link").
		Order("papers.year, papers.paper_number, question_units.id")

	if filter.SubjectCode != "" {
		query = query.Where("papers.subject_code = ?", filter.SubjectCode)
	}
	if filter.TopicCode != "" {
		query = query.Where("question_units.topic_code = ?", filter.TopicCode)
	}
	if filter.YearFrom > 0 {
		query = query.Where("papers.year >= ?", filter.YearFrom)
	}
	if filter.YearTo > 0 {
		query = query.Where("papers.year <= ?", filter.YearTo)
	}
	if filter.Difficulty != "" {
		query = query.Where("question_units.difficulty = ?", filter.Difficulty)
	}
	if filter.ReviewOnly {
		query = query.Where("question_units.review_flag = true")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var units []model.QuestionUnit
	if err := query.Limit(limit).Find(&units).Error; err != nil {
		return nil, fmt.Errorf("failed to query units: %w", err)
	}

	responses := make([]model.QuestionUnitResponse, len(units))
	for i := range units {
		responses[i] = units[i].ToResponse()
	}
	return responses, nil
}

// ListPapers returns ingested papers for a subject, newest first
func (s *IngestService) ListPapers(ctx context.Context, subjectCode string) ([]model.PaperSummary, error) {
	query := s.db.WithContext(ctx).Model(&model.Paper{}).
		Order("year desc, season, paper_number")
	if subjectCode != "" {
		query = query.Where("subject_code = ?", subjectCode)
	}

	var papers []model.Paper
	if err := query.Find(&papers).Error; err != nil {
		return nil, fmt.Errorf("failed to query papers: %w", err)
	}

	summaries := make([]model.PaperSummary, len(papers))
	for i := range papers {
		summaries[i] = papers[i].ToSummary()
	}
	return summaries, nil
}

// UnitArtifacts points at the stored source documents of one unit
type UnitArtifacts struct {
	UnitID           uint             `json:"unit_id"`
	QuestionDocKey   string           `json:"question_doc_key"`
	QuestionDocURL   string           `json:"question_doc_url"`
	MarkSchemeDocKey string           `json:"mark_scheme_doc_key"`
	MarkSchemeDocURL string           `json:"mark_scheme_doc_url"`
	SourceRanges     []model.PageSpan `json:"source_ranges"`
	SchemeRanges     []model.PageSpan `json:"scheme_ranges,omitempty"`
}

// GetUnitArtifacts returns the stored artifact locations of a unit
func (s *IngestService) GetUnitArtifacts(ctx context.Context, unitID uint) (*UnitArtifacts, error) {
	var unit model.QuestionUnit
	err := s.db.WithContext(ctx).Preload("Paper").First(&unit, unitID).Error
	if err != nil {
		return nil, fmt.Errorf("unit %d not found: %w", unitID, err)
	}

	return &UnitArtifacts{
		UnitID:           unit.ID,
		QuestionDocKey:   unit.Paper.QuestionDocKey,
		QuestionDocURL:   s.spaces.GetFileURL(unit.Paper.QuestionDocKey),
		MarkSchemeDocKey: unit.Paper.MarkSchemeDocKey,
		MarkSchemeDocURL: s.spaces.GetFileURL(unit.Paper.MarkSchemeDocKey),
		SourceRanges:     unit.SourceRanges,
		SchemeRanges:     unit.SchemeRanges,
	}, nil
}
