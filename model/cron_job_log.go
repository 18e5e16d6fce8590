package model

import (
	"time"

	"gorm.io/gorm"
)

// CronJobLog records one scheduled-job run for operational visibility
type CronJobLog struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	JobName     string     `gorm:"type:varchar(60);not null;index" json:"job_name"`
	Status      string     `gorm:"type:varchar(20);not null" json:"status"` // running, completed, failed
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Message     string     `gorm:"type:text" json:"message,omitempty"`
	ErrorMsg    string     `gorm:"type:text" json:"error_msg,omitempty"`
}
