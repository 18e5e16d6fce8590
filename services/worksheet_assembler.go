package services

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfcpumodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ShariarAlamDipto/grademax-sub001/model"
	"github.com/ShariarAlamDipto/grademax-sub001/utils/cache"
	"github.com/ShariarAlamDipto/grademax-sub001/utils/validation"
)

// WorksheetCriteria selects question units for a worksheet. Topic codes
// use OR semantics: a unit matches if its topic is any of the requested
// codes.
type WorksheetCriteria struct {
	TopicCodes []string         `json:"topic_codes" validate:"required,min=1,dive,required"`
	YearFrom   int              `json:"year_from" validate:"required,gte=1990,lte=2100"`
	YearTo     int              `json:"year_to" validate:"required,gte=1990,lte=2100,gtefield=YearFrom"`
	Difficulty model.Difficulty `json:"difficulty,omitempty" validate:"omitempty,oneof=easy medium hard"`
	MaxCount   int              `json:"max_count" validate:"required,gte=1"`
	Shuffle    bool             `json:"shuffle"`
}

// Hash returns a stable digest of the criteria, used as the cache key.
// Topic codes are sorted first so equivalent requests share a key.
func (c *WorksheetCriteria) Hash() string {
	normalized := *c
	normalized.TopicCodes = append([]string(nil), c.TopicCodes...)
	sort.Strings(normalized.TopicCodes)

	data, _ := json.Marshal(normalized)
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// AssembleResult is the outcome of one worksheet request
type AssembleResult struct {
	Worksheet *model.Worksheet
	Units     []model.QuestionUnit
	FromCache bool
}

// ArtifactStore is the storage surface the assembler needs: fetching
// source documents and storing or purging generated worksheet PDFs.
// *digitalocean.SpacesClient implements it.
type ArtifactStore interface {
	DownloadFile(ctx context.Context, key string) ([]byte, error)
	UploadBytes(ctx context.Context, key string, data []byte, contentType string) (string, error)
	DeleteFile(ctx context.Context, key string) error
}

// WorksheetAssembler builds worksheet and answer-pack documents from
// stored question units. Assembly is read-only with respect to ingested
// data; concurrent requests need no locking beyond the database's own.
type WorksheetAssembler struct {
	db       *gorm.DB
	spaces   ArtifactStore
	cache    *cache.RedisCache // nil disables result caching
	validate *validation.Validator

	ttl      time.Duration // worksheet lifetime before the purge job collects it
	cacheTTL time.Duration
	maxCount int

	newRand func() *rand.Rand
}

// AssemblerConfig configures a WorksheetAssembler
type AssemblerConfig struct {
	DB       *gorm.DB
	Spaces   ArtifactStore
	Cache    *cache.RedisCache
	TTL      time.Duration // default 7 days
	CacheTTL time.Duration // default 30 minutes
	MaxCount int           // hard ceiling on criteria.MaxCount, default 50
}

// NewWorksheetAssembler creates an assembler with defaults applied
func NewWorksheetAssembler(config AssemblerConfig) *WorksheetAssembler {
	if config.TTL <= 0 {
		config.TTL = 7 * 24 * time.Hour
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 30 * time.Minute
	}
	if config.MaxCount <= 0 {
		config.MaxCount = 50
	}
	return &WorksheetAssembler{
		db:       config.DB,
		spaces:   config.Spaces,
		cache:    config.Cache,
		validate: validation.NewValidator(),
		ttl:      config.TTL,
		cacheTTL: config.CacheTTL,
		maxCount: config.MaxCount,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
}

// Assemble selects units matching the criteria, builds the worksheet and
// answer-pack documents, uploads both, and records a Worksheet row.
func (a *WorksheetAssembler) Assemble(ctx context.Context, criteria WorksheetCriteria) (*AssembleResult, error) {
	if err := a.validate.ValidateStruct(&criteria); err != nil {
		return nil, fmt.Errorf("invalid worksheet criteria: %w", err)
	}
	if criteria.MaxCount > a.maxCount {
		criteria.MaxCount = a.maxCount
	}

	cacheKey := "worksheet:" + criteria.Hash()
	if cached := a.lookupCached(ctx, cacheKey); cached != nil {
		return cached, nil
	}

	units, err := a.selectUnits(ctx, criteria)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, ErrNoUnitsSelected
	}

	if criteria.Shuffle {
		shuffleUnits(units, a.newRand())
	}
	units = truncateUnits(units, criteria.MaxCount)

	worksheetDoc, worksheetPages, err := a.buildDocument(ctx, units, false)
	if err != nil {
		return nil, fmt.Errorf("failed to build worksheet document: %w", err)
	}
	answerDoc, answerPages, err := a.buildDocument(ctx, units, true)
	if err != nil {
		return nil, fmt.Errorf("failed to build answer document: %w", err)
	}

	record, err := a.persist(ctx, criteria, units, worksheetDoc, answerDoc, worksheetPages, answerPages)
	if err != nil {
		return nil, err
	}

	result := &AssembleResult{Worksheet: record, Units: units}
	a.storeCached(ctx, cacheKey, record.UUID)
	log.Printf("WorksheetAssembler: built worksheet %s with %d units (%d + %d pages)",
		record.UUID, len(units), worksheetPages, answerPages)
	return result, nil
}

// selectUnits queries classified units whose paper year falls in range
// and whose topic code intersects the requested set
func (a *WorksheetAssembler) selectUnits(ctx context.Context, criteria WorksheetCriteria) ([]model.QuestionUnit, error) {
	query := a.db.WithContext(ctx).
		Joins("JOIN papers ON papers.id = question_units.paper_id").
		Where("papers.year BETWEEN ? AND ?", criteria.YearFrom, criteria.YearTo).
		Where("papers.ingest_status = ?", model.IngestCompleted).
		Where("question_units.topic_code IN ?", criteria.TopicCodes).
		Preload("Paper").
		Preload("Link").
		Order("papers.year, papers.paper_number, question_units.id")

	if criteria.Difficulty != "" {
		query = query.Where("question_units.difficulty = ?", criteria.Difficulty)
	}

	var units []model.QuestionUnit
	if err := query.Find(&units).Error; err != nil {
		return nil, fmt.Errorf("failed to query question units: %w", err)
	}
	return units, nil
}

// shuffleUnits permutes units in place
func shuffleUnits(units []model.QuestionUnit, rng *rand.Rand) {
	rng.Shuffle(len(units), func(i, j int) {
		units[i], units[j] = units[j], units[i]
	})
}

// truncateUnits caps the selection at max items
func truncateUnits(units []model.QuestionUnit, max int) []model.QuestionUnit {
	if len(units) <= max {
		return units
	}
	return units[:max]
}

// buildDocument concatenates the page ranges of every selected unit into
// one new PDF. Pages are copied structurally, never re-rendered, so
// fonts, diagrams and spacing survive intact. For the answer pack
// (answers=true) units without a matched mark-scheme link are skipped.
func (a *WorksheetAssembler) buildDocument(ctx context.Context, units []model.QuestionUnit, answers bool) ([]byte, int, error) {
	conf := pdfcpumodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfcpumodel.ValidationRelaxed

	sources := map[uint][]byte{}
	var parts []io.ReadSeeker

	for i := range units {
		u := &units[i]

		spans := u.SourceRanges
		docKey := u.Paper.QuestionDocKey
		if answers {
			if u.Link == nil || !u.Link.Matched() {
				continue
			}
			spans = u.SchemeRanges
			docKey = u.Paper.MarkSchemeDocKey
		}
		if len(spans) == 0 || docKey == "" {
			continue
		}

		source, ok := sources[u.PaperID]
		if !ok {
			data, err := a.spaces.DownloadFile(ctx, docKey)
			if err != nil {
				return nil, 0, fmt.Errorf("failed to fetch source document %s: %w", docKey, err)
			}
			source = sanitizePDF(data)
			sources[u.PaperID] = source
		}

		var extracted bytes.Buffer
		if err := api.Trim(bytes.NewReader(source), &extracted, spanPageSelection(spans), conf); err != nil {
			return nil, 0, fmt.Errorf("failed to extract pages for unit %s: %w", u.Label(), err)
		}
		parts = append(parts, bytes.NewReader(extracted.Bytes()))
	}

	if len(parts) == 0 {
		return nil, 0, nil
	}

	var merged bytes.Buffer
	if len(parts) == 1 {
		if _, err := merged.ReadFrom(parts[0]); err != nil {
			return nil, 0, err
		}
	} else {
		if err := api.MergeRaw(parts, &merged, false, conf); err != nil {
			return nil, 0, fmt.Errorf("failed to merge document parts: %w", err)
		}
	}

	pageCount, err := api.PageCount(bytes.NewReader(merged.Bytes()), conf)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count merged pages: %w", err)
	}
	return merged.Bytes(), pageCount, nil
}

// spanPageSelection converts page spans to a pdfcpu page selection,
// deduplicated and ordered
func spanPageSelection(spans []model.PageSpan) []string {
	seen := map[int]bool{}
	var pages []int
	for _, s := range spans {
		if s.Page > 0 && !seen[s.Page] {
			seen[s.Page] = true
			pages = append(pages, s.Page)
		}
	}
	sort.Ints(pages)

	selection := make([]string, len(pages))
	for i, p := range pages {
		selection[i] = strconv.Itoa(p)
	}
	return selection
}

// persist uploads both documents to content-addressed keys and records
// the Worksheet row
func (a *WorksheetAssembler) persist(ctx context.Context, criteria WorksheetCriteria, units []model.QuestionUnit, worksheetDoc, answerDoc []byte, worksheetPages, answerPages int) (*model.Worksheet, error) {
	unitIDs := make([]uint, len(units))
	for i, u := range units {
		unitIDs[i] = u.ID
	}

	contentSum := sha1.Sum(append(worksheetDoc, []byte(criteria.Hash())...))
	prefix := "worksheets/" + hex.EncodeToString(contentSum[:])
	worksheetKey, answerKey := artifactKeys(prefix, len(answerDoc) > 0)

	worksheetURL, err := a.spaces.UploadBytes(ctx, worksheetKey, worksheetDoc, "application/pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to upload worksheet document: %w", err)
	}

	answerURL := ""
	if answerKey != "" {
		answerURL, err = a.spaces.UploadBytes(ctx, answerKey, answerDoc, "application/pdf")
		if err != nil {
			return nil, fmt.Errorf("failed to upload answer document: %w", err)
		}
	}

	criteriaJSON, _ := json.Marshal(criteria)
	record := &model.Worksheet{
		UUID:           uuid.NewString(),
		Criteria:       datatypes.JSON(criteriaJSON),
		UnitIDs:        unitIDs,
		WorksheetKey:   worksheetKey,
		WorksheetURL:   worksheetURL,
		AnswerKey:      answerKey,
		AnswerURL:      answerURL,
		WorksheetPages: worksheetPages,
		AnswerPages:    answerPages,
		ExpiresAt:      time.Now().Add(a.ttl),
	}

	if err := a.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to save worksheet record: %w", err)
	}
	return record, nil
}

// artifactKeys derives the storage keys for one assembly. The answer key
// stays empty when no answer pack exists, so the purge job never tries
// to delete an object that was never uploaded.
func artifactKeys(prefix string, hasAnswers bool) (string, string) {
	worksheetKey := prefix + "/worksheet.pdf"
	if !hasAnswers {
		return worksheetKey, ""
	}
	return worksheetKey, prefix + "/answers.pdf"
}

// cachedWorksheet is the redis payload for a completed assembly
type cachedWorksheet struct {
	UUID string `json:"uuid"`
}

func (a *WorksheetAssembler) lookupCached(ctx context.Context, key string) *AssembleResult {
	if a.cache == nil {
		return nil
	}

	var entry cachedWorksheet
	if err := a.cache.GetJSON(ctx, key, &entry); err != nil || entry.UUID == "" {
		return nil
	}

	var record model.Worksheet
	err := a.db.WithContext(ctx).
		Where("uuid = ? AND expires_at > ?", entry.UUID, time.Now()).
		First(&record).Error
	if err != nil {
		a.cache.Delete(ctx, key)
		return nil
	}

	var units []model.QuestionUnit
	if len(record.UnitIDs) > 0 {
		if err := a.db.WithContext(ctx).Preload("Paper").Preload("Link").
			Where("id IN ?", []uint(record.UnitIDs)).Find(&units).Error; err != nil {
			log.Printf("WorksheetAssembler: failed to load cached worksheet units: %v", err)
		}
	}

	return &AssembleResult{Worksheet: &record, Units: units, FromCache: true}
}

func (a *WorksheetAssembler) storeCached(ctx context.Context, key, worksheetUUID string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.SetJSON(ctx, key, cachedWorksheet{UUID: worksheetUUID}, a.cacheTTL); err != nil {
		log.Printf("WorksheetAssembler: failed to cache worksheet result: %v", err)
	}
}

// Get fetches a worksheet by its UUID
func (a *WorksheetAssembler) Get(ctx context.Context, worksheetUUID string) (*model.Worksheet, error) {
	var record model.Worksheet
	err := a.db.WithContext(ctx).Where("uuid = ?", worksheetUUID).First(&record).Error
	if err != nil {
		return nil, fmt.Errorf("worksheet %s not found: %w", worksheetUUID, err)
	}
	return &record, nil
}

// PurgeExpired deletes expired worksheet rows and their stored
// documents. Run from the scheduled purge job.
func (a *WorksheetAssembler) PurgeExpired(ctx context.Context) (int, error) {
	var expired []model.Worksheet
	if err := a.db.WithContext(ctx).Where("expires_at <= ?", time.Now()).Find(&expired).Error; err != nil {
		return 0, fmt.Errorf("failed to list expired worksheets: %w", err)
	}

	purged := 0
	for _, ws := range expired {
		for _, key := range []string{ws.WorksheetKey, ws.AnswerKey} {
			if key == "" {
				continue
			}
			if err := a.spaces.DeleteFile(ctx, key); err != nil {
				log.Printf("WorksheetAssembler: failed to delete artifact %s: %v", key, err)
			}
		}
		if err := a.db.WithContext(ctx).Unscoped().Delete(&ws).Error; err != nil {
			log.Printf("WorksheetAssembler: failed to delete worksheet %s: %v", ws.UUID, err)
			continue
		}
		purged++
	}

	if purged > 0 {
		log.Printf("WorksheetAssembler: purged %d expired worksheets", purged)
	}
	return purged, nil
}
