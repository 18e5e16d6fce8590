package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MatchMethod records how a question unit was matched to its mark-scheme entry
type MatchMethod string

const (
	MatchExact     MatchMethod = "exact"
	MatchFuzzy     MatchMethod = "fuzzy"
	MatchMarksOnly MatchMethod = "marks-only"
	MatchUnmatched MatchMethod = "unmatched"
)

// MarkPoint is one awarded point in a mark scheme, e.g. "M1: uses v=u+at"
type MarkPoint struct {
	Code  string `json:"code"` // M1, A1, B1, ...
	Text  string `json:"text"`
	Value int    `json:"value"`
}

// MarkSchemeLink associates a QuestionUnit with the marking text extracted
// from the mark-scheme document. At most one link exists per unit; a unit
// with no matching entry still gets a link with MatchUnmatched and
// confidence 0.
type MarkSchemeLink struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	QuestionUnitID uint                           `gorm:"not null;uniqueIndex" json:"question_unit_id"`
	MarkPoints     datatypes.JSONSlice[MarkPoint] `json:"mark_points"`
	RawSnippet     string                         `gorm:"type:text" json:"raw_snippet,omitempty"`
	Confidence     float64                        `gorm:"default:0" json:"confidence"`
	MatchMethod    MatchMethod                    `gorm:"type:varchar(15);not null" json:"match_method"`

	Unit QuestionUnit `gorm:"foreignKey:QuestionUnitID;constraint:OnDelete:CASCADE" json:"-"`
}

// TotalMarkValue sums the values of all mark points
func (l *MarkSchemeLink) TotalMarkValue() int {
	total := 0
	for _, p := range l.MarkPoints {
		total += p.Value
	}
	return total
}

// Matched reports whether the link found any mark-scheme entry at all
func (l *MarkSchemeLink) Matched() bool {
	return l.MatchMethod != MatchUnmatched
}
