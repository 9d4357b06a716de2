// Package store persists runs, section runs, artifacts and jobs. Store is
// the Postgres implementation; Memory mirrors its semantics in process.
package store

import (
	"context"
	"errors"
	"fmt"

	"report-orchestrator/internal/models"
	"report-orchestrator/internal/queue"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would violate a uniqueness rule.
	ErrConflict = errors.New("conflict")
)

// Repository is the full persistence surface used by the services.
type Repository interface {
	queue.Queue

	CreateRun(ctx context.Context, run models.Run, sections []models.SectionRun) error
	GetRun(ctx context.Context, id string) (models.Run, error)
	MarkRunStarted(ctx context.Context, id string, blueprint models.Blueprint) error
	CompleteRun(ctx context.Context, id string, report models.FinalReport) error
	FailRun(ctx context.Context, id string) error

	ListSectionRuns(ctx context.Context, runID string) ([]models.SectionRun, error)
	GetSectionRun(ctx context.Context, id string) (models.SectionRun, error)
	UpdateSectionStatus(ctx context.Context, id string, status models.Status) error
	SaveSectionRun(ctx context.Context, sr models.SectionRun) error

	UpsertConnector(ctx context.Context, c models.Connector) error
	ListConnectors(ctx context.Context) ([]models.Connector, error)

	UpsertScore(ctx context.Context, sectionRunID string, score models.Score) error
	GetScore(ctx context.Context, sectionRunID string) (models.Score, error)

	UpsertDependencySnapshot(ctx context.Context, snap models.DependencySnapshot) error
	GetDependencySnapshot(ctx context.Context, runID string) (models.DependencySnapshot, error)

	CreateExport(ctx context.Context, rec models.ExportRecord) error
	UpdateExport(ctx context.Context, rec models.ExportRecord) error
	GetExport(ctx context.Context, id string) (models.ExportRecord, error)
	ListExports(ctx context.Context, runID string) ([]models.ExportRecord, error)

	AddRunEvent(ctx context.Context, ev models.RunEvent) error
	ListRunEvents(ctx context.Context, runID string) ([]models.RunEvent, error)

	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobsForRun(ctx context.Context, runID string) ([]models.Job, error)
	RequeueJob(ctx context.Context, id string) (models.Job, error)
	QueueDepth(ctx context.Context) (int64, error)
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*Memory)(nil)
)

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// reopenConflict rejects requeuing START_RUN or RUN_SECTION for a run that
// already completed, since the handlers skip terminal runs.
func reopenConflict(job models.Job, runID string, status models.Status) error {
	if status != models.StatusCompleted {
		return nil
	}
	switch job.Type {
	case models.JobStartRun, models.JobRunSection:
		return fmt.Errorf("requeue job %s: run %s already COMPLETED: %w", job.ID, runID, ErrConflict)
	}
	return nil
}

func reopenedStatus(job models.Job) models.Status {
	if job.Type == models.JobStartRun {
		return models.StatusQueued
	}
	return models.StatusRunning
}
