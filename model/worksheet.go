package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Worksheet is an ephemeral selection result: the criteria used, the
// units picked, and pointers to the two generated documents. It is not
// authoritative — the same criteria can be replayed at any time, though
// new ingestions may change the outcome. Expired rows and their stored
// artifacts are purged by a scheduled job.
type Worksheet struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UUID     string                    `gorm:"type:varchar(40);not null;uniqueIndex" json:"uuid"`
	Criteria datatypes.JSON            `json:"criteria"`
	UnitIDs  datatypes.JSONSlice[uint] `json:"unit_ids"`

	WorksheetKey string `gorm:"not null" json:"worksheet_key"`
	WorksheetURL string `gorm:"type:text" json:"worksheet_url"`
	AnswerKey    string `gorm:"not null" json:"answer_key"`
	AnswerURL    string `gorm:"type:text" json:"answer_url"`

	WorksheetPages int       `gorm:"default:0" json:"worksheet_pages"`
	AnswerPages    int       `gorm:"default:0" json:"answer_pages"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`
}
