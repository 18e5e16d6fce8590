package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/ShariarAlamDipto/grademax-sub001/model"
)

// PurgeExpiredWorksheets deletes worksheets past their expiry together
// with their stored documents. Worksheets are ephemeral and replayable
// from their criteria, so deletion is safe.
func (m *CronManager) PurgeExpiredWorksheets() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	jobName := "purge_expired_worksheets"

	purged, err := m.assembler.PurgeExpired(ctx)
	if err != nil {
		m.logJobError(jobName, err)
		return
	}

	m.logJobComplete(jobName, fmt.Sprintf("Purged %d expired worksheets", purged))
}

// RetryFailedIngestions re-runs the pipeline for papers whose last
// ingestion failed within the past week. Older failures need manual
// attention and are left untouched.
func (m *CronManager) RetryFailedIngestions() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	jobName := "retry_failed_ingestions"

	recovered, err := m.ingest.RetryFailedIngestions(ctx, 7*24*time.Hour)
	if err != nil {
		m.logJobError(jobName, err)
		return
	}

	m.logJobComplete(jobName, fmt.Sprintf("Recovered %d failed ingestions", recovered))
}

// CleanupJobLogs trims job log rows older than 30 days
func (m *CronManager) CleanupJobLogs() {
	jobName := "cleanup_job_logs"
	cutoff := time.Now().AddDate(0, 0, -30)

	result := m.db.Unscoped().Where("created_at < ?", cutoff).Delete(&model.CronJobLog{})
	if result.Error != nil {
		m.logJobError(jobName, result.Error)
		return
	}

	m.logJobComplete(jobName, fmt.Sprintf("Deleted %d old job logs", result.RowsAffected))
}
