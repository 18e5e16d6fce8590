package cron

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/ShariarAlamDipto/grademax-sub001/model"
	"github.com/ShariarAlamDipto/grademax-sub001/services"
)

// CronManager manages all scheduled maintenance jobs
type CronManager struct {
	cron      *cron.Cron
	db        *gorm.DB
	assembler *services.WorksheetAssembler
	ingest    *services.IngestService
}

// NewCronManager creates a new cron manager
func NewCronManager(db *gorm.DB, assembler *services.WorksheetAssembler, ingest *services.IngestService) *CronManager {
	// Seconds precision
	c := cron.New(cron.WithSeconds())

	return &CronManager{
		cron:      c,
		db:        db,
		assembler: assembler,
		ingest:    ingest,
	}
}

// Start registers and starts all jobs
func (m *CronManager) Start() error {
	log.Println("Starting cron jobs...")

	if err := m.registerJobs(); err != nil {
		return err
	}

	m.cron.Start()

	log.Println("Cron jobs started successfully")
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish
func (m *CronManager) Stop() {
	log.Println("Stopping cron jobs...")
	ctx := m.cron.Stop()
	<-ctx.Done()
	log.Println("Cron jobs stopped")
}

func (m *CronManager) registerJobs() error {
	// Every hour: purge expired worksheets and their stored documents
	_, err := m.cron.AddFunc("0 15 * * * *", func() {
		m.logJobStart("purge_expired_worksheets")
		m.PurgeExpiredWorksheets()
	})
	if err != nil {
		return err
	}

	// Every 6 hours: retry recently failed ingestions
	_, err = m.cron.AddFunc("0 0 */6 * * *", func() {
		m.logJobStart("retry_failed_ingestions")
		m.RetryFailedIngestions()
	})
	if err != nil {
		return err
	}

	// Daily at 3 AM: trim old job logs
	_, err = m.cron.AddFunc("0 0 3 * * *", func() {
		m.logJobStart("cleanup_job_logs")
		m.CleanupJobLogs()
	})
	if err != nil {
		return err
	}

	log.Println("All cron jobs registered successfully")
	return nil
}

// logJobStart logs the start of a cron job
func (m *CronManager) logJobStart(jobName string) {
	log.Printf("[CRON] Starting job: %s at %s", jobName, time.Now().Format(time.RFC3339))

	cronLog := model.CronJobLog{
		JobName:   jobName,
		Status:    "running",
		StartedAt: time.Now(),
	}
	m.db.Create(&cronLog)
}

// logJobComplete logs successful completion of a cron job
func (m *CronManager) logJobComplete(jobName string, message string) {
	log.Printf("[CRON] Completed job: %s - %s", jobName, message)

	now := time.Now()
	m.db.Model(&model.CronJobLog{}).
		Where("job_name = ? AND status = ?", jobName, "running").
		Order("started_at DESC").
		Limit(1).
		Updates(map[string]interface{}{
			"status":       "completed",
			"completed_at": now,
			"message":      message,
		})
}

// logJobError logs a cron job error
func (m *CronManager) logJobError(jobName string, err error) {
	log.Printf("[CRON] Error in job: %s - %v", jobName, err)

	now := time.Now()
	m.db.Model(&model.CronJobLog{}).
		Where("job_name = ? AND status = ?", jobName, "running").
		Order("started_at DESC").
		Limit(1).
		Updates(map[string]interface{}{
			"status":       "failed",
			"completed_at": now,
			"error_msg":    err.Error(),
		})
}
