package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Difficulty is the estimated difficulty tier of a question unit
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Rect is a sub-page rectangle in PDF user-space points (origin bottom-left)
type Rect struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// PageSpan describes one source byte range of a question unit: a page
// index (1-based) and optionally a sub-page rectangle. A unit spanning
// several pages carries one span per page, in order.
type PageSpan struct {
	Page int   `json:"page"`
	Rect *Rect `json:"rect,omitempty"`
}

// QuestionUnit is the atomic addressable entity produced by segmentation:
// a question or a lettered/numbered part of one. Created by the Segmenter;
// only the topic/difficulty/confidence fields are mutated afterwards, by
// the classifier. (number, part_code) is unique within a paper.
type QuestionUnit struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	PaperID  uint   `gorm:"not null;index;uniqueIndex:idx_unit_identity" json:"paper_id"`
	Number   string `gorm:"type:varchar(10);not null;uniqueIndex:idx_unit_identity" json:"number"`     // e.g. "2"
	PartCode string `gorm:"type:varchar(10);default:'';uniqueIndex:idx_unit_identity" json:"part_code"` // e.g. "a(ii)", empty for whole-question units

	// Ordered source descriptors into the question paper and mark scheme
	SourceRanges datatypes.JSONSlice[PageSpan] `json:"source_ranges"`
	SchemeRanges datatypes.JSONSlice[PageSpan] `json:"scheme_ranges,omitempty"`

	Excerpt    string `gorm:"type:text" json:"excerpt"`
	Marks      int    `gorm:"default:0" json:"marks"`
	HasDiagram bool   `gorm:"default:false" json:"has_diagram"`

	// Classification fields, nullable/zero until the classifier runs
	TopicCode  *string    `gorm:"type:varchar(20);index" json:"topic_code,omitempty"`
	Difficulty Difficulty `gorm:"type:varchar(10);index" json:"difficulty,omitempty"`
	Confidence float64    `gorm:"default:0" json:"confidence"`
	ReviewFlag bool       `gorm:"default:false" json:"review_flag"` // set when all tiers stayed below threshold

	// Relationships
	Paper Paper           `gorm:"foreignKey:PaperID;constraint:OnDelete:CASCADE" json:"-"`
	Link  *MarkSchemeLink `gorm:"foreignKey:QuestionUnitID;constraint:OnDelete:CASCADE" json:"link,omitempty"`
}

// Label returns the display label of the unit, e.g. "4a(ii)"
func (u *QuestionUnit) Label() string {
	return u.Number + u.PartCode
}

// QuestionUnitResponse is the collaborator-facing view of a unit
type QuestionUnitResponse struct {
	ID         uint       `json:"id"`
	PaperID    uint       `json:"paper_id"`
	Number     string     `json:"number"`
	PartCode   string     `json:"part_code,omitempty"`
	Excerpt    string     `json:"excerpt"`
	Marks      int        `json:"marks"`
	HasDiagram bool       `json:"has_diagram"`
	TopicCode  string     `json:"topic_code,omitempty"`
	Difficulty Difficulty `json:"difficulty,omitempty"`
	Confidence float64    `json:"confidence"`
	ReviewFlag bool       `json:"review_flag"`
	Pages      []PageSpan `json:"pages"`
}

// ToResponse converts a QuestionUnit to its response form
func (u *QuestionUnit) ToResponse() QuestionUnitResponse {
	resp := QuestionUnitResponse{
		ID:         u.ID,
		PaperID:    u.PaperID,
		Number:     u.Number,
		PartCode:   u.PartCode,
		Excerpt:    u.Excerpt,
		Marks:      u.Marks,
		HasDiagram: u.HasDiagram,
		Difficulty: u.Difficulty,
		Confidence: u.Confidence,
		ReviewFlag: u.ReviewFlag,
		Pages:      u.SourceRanges,
	}
	if u.TopicCode != nil {
		resp.TopicCode = *u.TopicCode
	}
	return resp
}
