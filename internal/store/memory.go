package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"report-orchestrator/internal/models"
	"report-orchestrator/internal/queue"
)

// Memory is an in-process Repository with the same queue semantics as the
// Postgres store. It backs the local CLI and tests.
type Memory struct {
	mu   sync.Mutex
	opts queue.Options
	now  func() time.Time

	runs       map[string]models.Run
	sections   map[string]models.SectionRun
	runOrder   map[string][]string
	jobs       map[string]models.Job
	jobSeq     map[string]int64
	seq        int64
	connectors map[string]models.Connector
	scores     map[string]models.Score
	snapshots  map[string]models.DependencySnapshot
	exports    map[string]models.ExportRecord
	exportSeq  []string
	events     map[string][]models.RunEvent
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts queue.Options) *Memory {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = queue.DefaultOptions().LeaseDuration
	}
	return &Memory{
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
		runs:       map[string]models.Run{},
		sections:   map[string]models.SectionRun{},
		runOrder:   map[string][]string{},
		jobs:       map[string]models.Job{},
		jobSeq:     map[string]int64{},
		connectors: map[string]models.Connector{},
		scores:     map[string]models.Score{},
		snapshots:  map[string]models.DependencySnapshot{},
		exports:    map[string]models.ExportRecord{},
		events:     map[string][]models.RunEvent{},
	}
}

// SetClock replaces the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func strPtr(v string) *string { return &v }

func timePtr(t time.Time) *time.Time { return &t }

// Enqueue inserts a QUEUED job.
func (m *Memory) Enqueue(_ context.Context, p queue.EnqueueParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(p), nil
}

func (m *Memory) insertLocked(p queue.EnqueueParams) models.Job {
	now := m.now()
	p = p.WithDefaults(now)
	m.seq++
	job := models.Job{
		ID:           uuid.New().String(),
		Type:         p.Type,
		Status:       models.StatusQueued,
		Priority:     p.Priority,
		Payload:      p.Payload,
		RunID:        emptyToNil(p.RunID),
		SectionRunID: emptyToNil(p.SectionRunID),
		MaxAttempts:  p.MaxAttempts,
		ScheduledAt:  p.ScheduledAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.jobs[job.ID] = job
	m.jobSeq[job.ID] = m.seq
	return job
}

// conflictLocked mirrors the partial unique indexes of the jobs table.
func (m *Memory) conflictLocked(t models.JobType, runID, sectionRunID, skipID string) (models.Job, bool) {
	var found models.Job
	var foundSeq int64
	for id, j := range m.jobs {
		if id == skipID || j.Type != t {
			continue
		}
		match := false
		switch t {
		case models.JobAssemble:
			match = j.RunIDValue() == runID && j.Status != models.StatusFailed
		case models.JobRunSection:
			match = j.SectionRunIDValue() == sectionRunID && (j.Status == models.StatusQueued || j.Status == models.StatusRunning)
		}
		if match && (foundSeq == 0 || m.jobSeq[id] < foundSeq) {
			found, foundSeq = j, m.jobSeq[id]
		}
	}
	return found, foundSeq != 0
}

// EnqueueOnce inserts unless an equivalent job exists.
func (m *Memory) EnqueueOnce(_ context.Context, p queue.EnqueueParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch p.Type {
	case models.JobAssemble:
		if p.RunID == "" {
			return models.Job{}, false, fmt.Errorf("enqueue once %s: missing dedupe key", p.Type)
		}
	case models.JobRunSection:
		if p.SectionRunID == "" {
			return models.Job{}, false, fmt.Errorf("enqueue once %s: missing dedupe key", p.Type)
		}
	default:
		return m.insertLocked(p), true, nil
	}
	if existing, ok := m.conflictLocked(p.Type, p.RunID, p.SectionRunID, ""); ok {
		return existing, false, nil
	}
	return m.insertLocked(p), true, nil
}

func (m *Memory) eligibleLocked(j models.Job, now time.Time, ignoreSchedule bool) bool {
	switch j.Status {
	case models.StatusQueued:
		return ignoreSchedule || !j.ScheduledAt.After(now)
	case models.StatusRunning:
		return j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
	}
	return false
}

// leaseLocked counts a reclaimed expired lease as a spent attempt.
func (m *Memory) leaseLocked(j models.Job, workerID string, now time.Time) *models.Job {
	if j.Status == models.StatusRunning {
		j.AttemptCount++
	}
	j.Status = models.StatusRunning
	j.LeaseOwner = strPtr(workerID)
	j.LeaseAcquiredAt = timePtr(now)
	j.LeaseExpiresAt = timePtr(now.Add(m.opts.LeaseDuration))
	j.UpdatedAt = now
	m.jobs[j.ID] = j
	return &j
}

// ClaimNext leases the highest-priority eligible job, or returns nil.
func (m *Memory) ClaimNext(_ context.Context, workerID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	candidates := make([]models.Job, 0)
	for _, j := range m.jobs {
		if m.eligibleLocked(j, now, false) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(a, b int) bool {
		x, y := candidates[a], candidates[b]
		if x.Priority != y.Priority {
			return x.Priority < y.Priority
		}
		if !x.ScheduledAt.Equal(y.ScheduledAt) {
			return x.ScheduledAt.Before(y.ScheduledAt)
		}
		return m.jobSeq[x.ID] < m.jobSeq[y.ID]
	})
	return m.leaseLocked(candidates[0], workerID, now), nil
}

// ClaimByID leases one job if it is QUEUED or its lease has expired.
func (m *Memory) ClaimByID(_ context.Context, jobID, workerID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	now := m.now()
	if !ok || !m.eligibleLocked(j, now, true) {
		return nil, nil
	}
	return m.leaseLocked(j, workerID, now), nil
}

func (m *Memory) ownedLocked(job models.Job) (models.Job, error) {
	if job.LeaseOwner == nil {
		return models.Job{}, queue.ErrLeaseLost
	}
	cur, ok := m.jobs[job.ID]
	if !ok || cur.Status != models.StatusRunning || cur.LeaseOwner == nil || *cur.LeaseOwner != *job.LeaseOwner {
		return models.Job{}, queue.ErrLeaseLost
	}
	return cur, nil
}

// Heartbeat extends an owned lease that has not yet expired.
func (m *Memory) Heartbeat(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.ownedLocked(job)
	if err != nil {
		return err
	}
	now := m.now()
	if cur.LeaseExpiresAt != nil && cur.LeaseExpiresAt.Before(now) {
		return queue.ErrLeaseLost
	}
	cur.LeaseExpiresAt = timePtr(now.Add(m.opts.LeaseDuration))
	cur.UpdatedAt = now
	m.jobs[cur.ID] = cur
	return nil
}

func clearLease(j *models.Job) {
	j.LeaseOwner = nil
	j.LeaseAcquiredAt = nil
	j.LeaseExpiresAt = nil
}

// Complete marks an owned job COMPLETED.
func (m *Memory) Complete(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.ownedLocked(job)
	if err != nil {
		return err
	}
	cur.Status = models.StatusCompleted
	cur.LastError = nil
	clearLease(&cur)
	cur.UpdatedAt = m.now()
	m.jobs[cur.ID] = cur
	return nil
}

// Fail records a failed attempt and retries or fails terminally.
func (m *Memory) Fail(_ context.Context, job models.Job, errMsg string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.ownedLocked(job)
	if err != nil {
		return models.Job{}, err
	}
	now := m.now()
	cur.AttemptCount++
	if cur.AttemptCount < cur.MaxAttempts {
		cur.Status = models.StatusQueued
		cur.ScheduledAt = now.Add(m.opts.Backoff.Delay(cur.AttemptCount))
	} else {
		cur.Status = models.StatusFailed
	}
	cur.LastError = strPtr(errMsg)
	clearLease(&cur)
	cur.UpdatedAt = now
	m.jobs[cur.ID] = cur
	return cur, nil
}

// Abandon fails an owned job terminally.
func (m *Memory) Abandon(_ context.Context, job models.Job, errMsg string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.ownedLocked(job)
	if err != nil {
		return models.Job{}, err
	}
	if cur.MaxAttempts <= 0 || cur.AttemptCount < cur.MaxAttempts {
		cur.AttemptCount++
	}
	cur.Status = models.StatusFailed
	cur.LastError = strPtr(errMsg)
	clearLease(&cur)
	cur.UpdatedAt = m.now()
	m.jobs[cur.ID] = cur
	return cur, nil
}

// GetJob fetches a job by id.
func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, nil
}

// ListJobsForRun returns a run's jobs oldest first.
func (m *Memory) ListJobsForRun(_ context.Context, runID string) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0)
	for _, j := range m.jobs {
		if j.RunIDValue() == runID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return m.jobSeq[out[a].ID] < m.jobSeq[out[b].ID] })
	return out, nil
}

// RequeueJob resets a finished job to QUEUED with a fresh attempt budget.
func (m *Memory) RequeueJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if !j.Status.Terminal() {
		return models.Job{}, fmt.Errorf("requeue job %s: still active: %w", id, ErrConflict)
	}
	if _, clash := m.conflictLocked(j.Type, j.RunIDValue(), j.SectionRunIDValue(), j.ID); clash {
		return models.Job{}, fmt.Errorf("requeue job %s: %w", id, ErrConflict)
	}
	run, hasRun := m.runs[j.RunIDValue()]
	if hasRun && j.Type != models.JobExport {
		if err := reopenConflict(j, run.ID, run.Status); err != nil {
			return models.Job{}, err
		}
	}
	now := m.now()
	j.Status = models.StatusQueued
	j.AttemptCount = 0
	j.ScheduledAt = now
	j.LastError = nil
	clearLease(&j)
	j.UpdatedAt = now
	m.jobs[id] = j
	if hasRun && j.Type != models.JobExport && run.Status == models.StatusFailed {
		m.reopenRunLocked(run, j, now)
	}
	return j, nil
}

// reopenRunLocked mirrors the Postgres reopen: the run and its failed
// section runs go back in play, and a requeued section job re-creates the
// jobs of sibling sections that were skipped while the run was FAILED.
func (m *Memory) reopenRunLocked(run models.Run, job models.Job, now time.Time) {
	run.Status = reopenedStatus(job)
	run.CompletedAt = nil
	run.UpdatedAt = now
	m.runs[run.ID] = run
	for _, id := range m.runOrder[run.ID] {
		sr := m.sections[id]
		if sr.Status == models.StatusFailed {
			sr.Status = models.StatusQueued
			sr.UpdatedAt = now
			m.sections[id] = sr
		}
		if job.Type != models.JobRunSection || sr.Status == models.StatusCompleted {
			continue
		}
		if _, live := m.conflictLocked(models.JobRunSection, run.ID, id, ""); !live {
			m.insertLocked(queue.EnqueueParams{Type: models.JobRunSection, RunID: run.ID, SectionRunID: id})
		}
	}
}

// QueueDepth counts jobs ready to run.
func (m *Memory) QueueDepth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for _, j := range m.jobs {
		if j.Status == models.StatusQueued && !j.ScheduledAt.After(now) {
			n++
		}
	}
	return n, nil
}
