// Package queue defines the leased job queue contract shared by the
// Postgres and in-memory stores.
package queue

import (
	"context"
	"errors"
	"time"

	"report-orchestrator/internal/models"
)

// ErrLeaseLost is returned when the caller no longer owns a job's lease.
var ErrLeaseLost = errors.New("job lease lost")

// Queue is a durable priority queue with lease-based claiming.
//
// ClaimNext and ClaimByID are atomic: at most one caller holds a job's lease
// at a time. Both return a nil job when nothing is eligible. Heartbeat,
// Complete, Fail and Abandon only act while job.LeaseOwner still owns the
// lease and return ErrLeaseLost otherwise.
type Queue interface {
	Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error)
	// EnqueueOnce inserts unless an equivalent job already exists: one
	// ASSEMBLE per run in QUEUED, RUNNING or COMPLETED, and one RUN_SECTION
	// per section run in QUEUED or RUNNING. Other types always insert. The
	// bool reports whether a new job was created.
	EnqueueOnce(ctx context.Context, p EnqueueParams) (models.Job, bool, error)
	ClaimNext(ctx context.Context, workerID string) (*models.Job, error)
	ClaimByID(ctx context.Context, jobID, workerID string) (*models.Job, error)
	Heartbeat(ctx context.Context, job models.Job) error
	Complete(ctx context.Context, job models.Job) error
	// Fail records a failed attempt. The job goes back to QUEUED after a
	// backoff delay until it reaches MaxAttempts, then becomes FAILED.
	Fail(ctx context.Context, job models.Job, errMsg string) (models.Job, error)
	// Abandon fails the job terminally without further retries.
	Abandon(ctx context.Context, job models.Job, errMsg string) (models.Job, error)
}

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	Type         models.JobType
	Payload      map[string]any
	RunID        string
	SectionRunID string
	Priority     int
	MaxAttempts  int
	// ScheduledAt delays the job. Zero means now.
	ScheduledAt time.Time
}

// WithDefaults fills unset fields.
func (p EnqueueParams) WithDefaults(now time.Time) EnqueueParams {
	if p.Priority == 0 {
		p.Priority = models.DefaultPriority
		if p.Type == models.JobExport {
			p.Priority = models.ExportPriority
		}
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = models.DefaultMaxAttempts
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = now
	}
	return p
}

// Options tune lease and retry behavior of a queue implementation.
type Options struct {
	LeaseDuration time.Duration
	Backoff       Backoff
}

// DefaultOptions returns a five minute lease and 30s..10m retry backoff.
func DefaultOptions() Options {
	return Options{
		LeaseDuration: 5 * time.Minute,
		Backoff:       Backoff{Initial: 30 * time.Second, Max: 10 * time.Minute},
	}
}
