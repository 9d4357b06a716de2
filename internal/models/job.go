package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status enumerates lifecycle states shared by runs, section runs and jobs.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobType routes a job to its orchestrator handler.
type JobType string

const (
	JobStartRun   JobType = "START_RUN"
	JobRunSection JobType = "RUN_SECTION"
	JobAssemble   JobType = "ASSEMBLE"
	JobExport     JobType = "EXPORT"
)

// Queue defaults. Lower priority values are claimed first.
const (
	DefaultPriority    = 100
	ExportPriority     = 50
	DefaultMaxAttempts = 3
)

// Job represents a unit of work persisted in the job table.
type Job struct {
	ID              string         `json:"id"`
	Type            JobType        `json:"type"`
	Status          Status         `json:"status"`
	Priority        int            `json:"priority"`
	Payload         map[string]any `json:"payload"`
	RunID           *string        `json:"run_id,omitempty"`
	SectionRunID    *string        `json:"section_run_id,omitempty"`
	AttemptCount    int            `json:"attempt_count"`
	MaxAttempts     int            `json:"max_attempts"`
	LeaseOwner      *string        `json:"lease_owner,omitempty"`
	LeaseAcquiredAt *time.Time     `json:"lease_acquired_at,omitempty"`
	LeaseExpiresAt  *time.Time     `json:"lease_expires_at,omitempty"`
	ScheduledAt     time.Time      `json:"scheduled_at"`
	LastError       *string        `json:"last_error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// RunIDValue returns the run id or "" when the job is not tied to a run.
func (j Job) RunIDValue() string {
	if j.RunID == nil {
		return ""
	}
	return *j.RunID
}

// SectionRunIDValue returns the section run id or "".
func (j Job) SectionRunIDValue() string {
	if j.SectionRunID == nil {
		return ""
	}
	return *j.SectionRunID
}

// DecodePayload copies the loosely typed payload into out.
func (j Job) DecodePayload(out any) error {
	raw, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

// ExportPayload is the EXPORT job payload.
type ExportPayload struct {
	Format   ExportFormat `json:"format"`
	ExportID string       `json:"exportId,omitempty"`
}

// RunEvent is an append-only history row for a run.
type RunEvent struct {
	RunID      string         `json:"run_id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Run event types.
const (
	EventBlueprintCreated = "BLUEPRINT_CREATED"
	EventSectionStatus    = "SECTION_STATUS"
	EventRunCompleted     = "RUN_COMPLETED"
	EventExportReady      = "EXPORT_READY"
	EventJobFailed        = "JOB_FAILED"
)
