package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShariarAlamDipto/grademax-sub001/utils/cache"
)

// TTL configurations for job states
const (
	JobStateTTLSuccess = 1 * time.Hour  // completed jobs
	JobStateTTLFailure = 24 * time.Hour // failed jobs, kept longer for inspection
	JobStateTTLRunning = 2 * time.Hour  // in-flight jobs
	JobLockTTL         = 10 * time.Minute
)

// IngestPhase is the pipeline stage an ingestion job is currently in
type IngestPhase string

const (
	PhaseValidating  IngestPhase = "validating"
	PhaseSegmenting  IngestPhase = "segmenting"
	PhaseLinking     IngestPhase = "linking"
	PhaseClassifying IngestPhase = "classifying"
	PhasePersisting  IngestPhase = "persisting"
	PhaseCompleted   IngestPhase = "completed"
	PhaseFailed      IngestPhase = "failed"
)

// ErrIngestInProgress is returned when another ingestion already holds
// the lock for the same paper
var ErrIngestInProgress = errors.New("an ingestion for this paper is already in progress")

// IngestJob is the externally visible state of one ingestion run
type IngestJob struct {
	JobID      string      `json:"job_id"`
	PaperLabel string      `json:"paper_label"`
	Phase      IngestPhase `json:"phase"`
	Message    string      `json:"message,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// IngestTracker keeps per-job ingestion state in redis so operators can
// watch long-running ingestions and so the same paper cannot be
// ingested twice concurrently.
type IngestTracker struct {
	cache *cache.RedisCache
}

// NewIngestTracker creates a tracker over the given cache
func NewIngestTracker(redisCache *cache.RedisCache) *IngestTracker {
	return &IngestTracker{cache: redisCache}
}

func jobKey(jobID string) string { return "ingest:job:" + jobID }

func lockKey(paperLabel string) string { return "ingest:lock:" + paperLabel }

// Begin acquires the per-paper lock and records a new running job.
// Returns ErrIngestInProgress if the paper is already being ingested.
func (t *IngestTracker) Begin(ctx context.Context, paperLabel string) (*IngestJob, error) {
	job := &IngestJob{
		JobID:      uuid.NewString(),
		PaperLabel: paperLabel,
		Phase:      PhaseValidating,
		StartedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	acquired, err := t.cache.SetNX(ctx, lockKey(paperLabel), job.JobID, JobLockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire ingest lock: %w", err)
	}
	if !acquired {
		return nil, ErrIngestInProgress
	}

	if err := t.cache.SetJSON(ctx, jobKey(job.JobID), job, JobStateTTLRunning); err != nil {
		t.cache.Delete(ctx, lockKey(paperLabel))
		return nil, fmt.Errorf("failed to record ingest job: %w", err)
	}
	return job, nil
}

// SetPhase advances the job to a new pipeline phase
func (t *IngestTracker) SetPhase(ctx context.Context, job *IngestJob, phase IngestPhase, message string) {
	job.Phase = phase
	job.Message = message
	job.UpdatedAt = time.Now()
	t.cache.SetJSON(ctx, jobKey(job.JobID), job, JobStateTTLRunning)
}

// Complete marks the job done and releases the paper lock
func (t *IngestTracker) Complete(ctx context.Context, job *IngestJob, message string) {
	job.Phase = PhaseCompleted
	job.Message = message
	job.UpdatedAt = time.Now()
	t.cache.SetJSON(ctx, jobKey(job.JobID), job, JobStateTTLSuccess)
	t.cache.Delete(ctx, lockKey(job.PaperLabel))
}

// Fail marks the job failed and releases the paper lock
func (t *IngestTracker) Fail(ctx context.Context, job *IngestJob, cause error) {
	job.Phase = PhaseFailed
	job.Error = cause.Error()
	job.UpdatedAt = time.Now()
	t.cache.SetJSON(ctx, jobKey(job.JobID), job, JobStateTTLFailure)
	t.cache.Delete(ctx, lockKey(job.PaperLabel))
}

// Get fetches the state of a job by id
func (t *IngestTracker) Get(ctx context.Context, jobID string) (*IngestJob, error) {
	var job IngestJob
	if err := t.cache.GetJSON(ctx, jobKey(jobID), &job); err != nil {
		return nil, fmt.Errorf("ingest job %s not found: %w", jobID, err)
	}
	return &job, nil
}
