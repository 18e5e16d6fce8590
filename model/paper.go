package model

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// IngestStatus represents the status of a paper's ingestion pipeline run
type IngestStatus string

const (
	IngestPending    IngestStatus = "pending"
	IngestProcessing IngestStatus = "processing"
	IngestCompleted  IngestStatus = "completed"
	IngestFailed     IngestStatus = "failed"
)

// Season is the exam sitting within a year
type Season string

const (
	SeasonSummer Season = "summer"
	SeasonWinter Season = "winter"
	SeasonSpring Season = "spring"
)

// Paper represents one physical exam sitting: a question paper plus its
// mark scheme. Immutable after creation except for the ingestion summary
// fields maintained by the pipeline.
type Paper struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Board       string `gorm:"type:varchar(30);not null;uniqueIndex:idx_paper_identity" json:"board"`
	Level       string `gorm:"type:varchar(30);not null" json:"level"` // e.g. "IGCSE", "A Level"
	SubjectCode string `gorm:"type:varchar(20);not null;uniqueIndex:idx_paper_identity" json:"subject_code"`
	Year        int    `gorm:"not null;index;uniqueIndex:idx_paper_identity" json:"year"`
	Season      Season `gorm:"type:varchar(20);not null;uniqueIndex:idx_paper_identity" json:"season"`
	PaperNumber int    `gorm:"not null;uniqueIndex:idx_paper_identity" json:"paper_number"`

	// Source documents in Spaces
	QuestionDocKey   string `gorm:"not null" json:"question_doc_key"`
	MarkSchemeDocKey string `gorm:"not null" json:"mark_scheme_doc_key"`
	QuestionPages    int    `gorm:"default:0" json:"question_pages"`
	MarkSchemePages  int    `gorm:"default:0" json:"mark_scheme_pages"`

	// Ingestion summary, maintained by the pipeline
	TotalQuestions int          `gorm:"default:0" json:"total_questions"`
	IngestStatus   IngestStatus `gorm:"type:varchar(20);default:'pending'" json:"ingest_status"`
	IngestError    string       `gorm:"type:text" json:"ingest_error,omitempty"`
	IngestVersion  int          `gorm:"default:0" json:"ingest_version"` // bumped on each re-ingestion

	// Relationships
	Units []QuestionUnit `gorm:"foreignKey:PaperID;constraint:OnDelete:CASCADE" json:"units,omitempty"`
}

// PaperMeta is the caller-supplied metadata record for an ingestion request
type PaperMeta struct {
	Board       string `json:"board" validate:"required"`
	Level       string `json:"level" validate:"required"`
	SubjectCode string `json:"subject_code" validate:"required"`
	Year        int    `json:"year" validate:"required,gte=1990,lte=2100"`
	Season      Season `json:"season" validate:"required"`
	PaperNumber int    `json:"paper_number" validate:"required,gte=1"`
}

// Label returns a human-readable identity, e.g. "CAIE 0625 2022 summer paper 4"
func (p *Paper) Label() string {
	return p.Meta().Label()
}

// Label returns the same identity for caller-supplied metadata
func (m PaperMeta) Label() string {
	return fmt.Sprintf("%s %s %d %s paper %d", m.Board, m.SubjectCode, m.Year, m.Season, m.PaperNumber)
}

// Meta returns the identity fields as a PaperMeta
func (p *Paper) Meta() PaperMeta {
	return PaperMeta{
		Board:       p.Board,
		Level:       p.Level,
		SubjectCode: p.SubjectCode,
		Year:        p.Year,
		Season:      p.Season,
		PaperNumber: p.PaperNumber,
	}
}

// PaperSummary is a lightweight version for listing
type PaperSummary struct {
	ID             uint         `json:"id"`
	Board          string       `json:"board"`
	SubjectCode    string       `json:"subject_code"`
	Year           int          `json:"year"`
	Season         Season       `json:"season"`
	PaperNumber    int          `json:"paper_number"`
	TotalQuestions int          `json:"total_questions"`
	IngestStatus   IngestStatus `json:"ingest_status"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ToSummary converts a Paper to its summary form
func (p *Paper) ToSummary() PaperSummary {
	return PaperSummary{
		ID:             p.ID,
		Board:          p.Board,
		SubjectCode:    p.SubjectCode,
		Year:           p.Year,
		Season:         p.Season,
		PaperNumber:    p.PaperNumber,
		TotalQuestions: p.TotalQuestions,
		IngestStatus:   p.IngestStatus,
		CreatedAt:      p.CreatedAt,
	}
}
