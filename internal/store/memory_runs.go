package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"report-orchestrator/internal/models"
)

func copySection(sr models.SectionRun) models.SectionRun {
	sr.Artifacts = append([]models.Artifact(nil), sr.Artifacts...)
	return sr
}

// CreateRun stores a run and its section runs.
func (m *Memory) CreateRun(_ context.Context, run models.Run, sections []models.SectionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %s: %w", run.ID, ErrConflict)
	}
	now := m.now()
	if run.Status == "" {
		run.Status = models.StatusQueued
	}
	run.CreatedAt, run.UpdatedAt = now, now
	m.runs[run.ID] = run
	for _, sr := range sections {
		sr.RunID = run.ID
		if sr.Status == "" {
			sr.Status = models.StatusQueued
		}
		sr.CreatedAt, sr.UpdatedAt = now, now
		m.sections[sr.ID] = copySection(sr)
		m.runOrder[run.ID] = append(m.runOrder[run.ID], sr.ID)
	}
	return nil
}

// GetRun fetches a run.
func (m *Memory) GetRun(_ context.Context, id string) (models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return models.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, nil
}

func (m *Memory) updateRun(id string, fn func(*models.Run)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	fn(&run)
	run.UpdatedAt = m.now()
	m.runs[id] = run
	return nil
}

// MarkRunStarted sets RUNNING and stores the blueprint.
func (m *Memory) MarkRunStarted(_ context.Context, id string, blueprint models.Blueprint) error {
	return m.updateRun(id, func(r *models.Run) {
		r.Status = models.StatusRunning
		r.Blueprint = &blueprint
		if r.StartedAt == nil {
			r.StartedAt = timePtr(m.now())
		}
	})
}

// CompleteRun stores the final report and marks the run COMPLETED.
func (m *Memory) CompleteRun(_ context.Context, id string, report models.FinalReport) error {
	return m.updateRun(id, func(r *models.Run) {
		r.Status = models.StatusCompleted
		r.FinalReport = &report
		r.CompletedAt = timePtr(m.now())
	})
}

// FailRun marks a run FAILED unless it already completed. Unknown runs are
// ignored.
func (m *Memory) FailRun(_ context.Context, id string) error {
	err := m.updateRun(id, func(r *models.Run) {
		if r.Status == models.StatusCompleted {
			return
		}
		r.Status = models.StatusFailed
		r.CompletedAt = timePtr(m.now())
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// ListSectionRuns returns a run's section runs in creation order.
func (m *Memory) ListSectionRuns(_ context.Context, runID string) ([]models.SectionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SectionRun, 0, len(m.runOrder[runID]))
	for _, id := range m.runOrder[runID] {
		out = append(out, copySection(m.sections[id]))
	}
	return out, nil
}

// GetSectionRun fetches one section run.
func (m *Memory) GetSectionRun(_ context.Context, id string) (models.SectionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sr, ok := m.sections[id]
	if !ok {
		return models.SectionRun{}, fmt.Errorf("section run %s: %w", id, ErrNotFound)
	}
	return copySection(sr), nil
}

// UpdateSectionStatus sets a section run's status.
func (m *Memory) UpdateSectionStatus(_ context.Context, id string, status models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sr, ok := m.sections[id]
	if !ok {
		return fmt.Errorf("section run %s: %w", id, ErrNotFound)
	}
	sr.Status = status
	sr.UpdatedAt = m.now()
	m.sections[id] = sr
	return nil
}

// SaveSectionRun replaces status, counters and artifacts of a section run.
func (m *Memory) SaveSectionRun(_ context.Context, sr models.SectionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sections[sr.ID]
	if !ok {
		return fmt.Errorf("section run %s: %w", sr.ID, ErrNotFound)
	}
	cur.Status = sr.Status
	cur.AttemptCount = sr.AttemptCount
	cur.OutputFingerprint = sr.OutputFingerprint
	cur.DurationMs = sr.DurationMs
	cur.Artifacts = sr.Artifacts
	cur.UpdatedAt = m.now()
	m.sections[sr.ID] = copySection(cur)
	return nil
}

// UpsertConnector inserts or replaces a connector definition.
func (m *Memory) UpsertConnector(_ context.Context, c models.Connector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors[c.ID] = c
	return nil
}

// ListConnectors returns every connector ordered by id.
func (m *Memory) ListConnectors(_ context.Context) ([]models.Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Connector, 0, len(m.connectors))
	for _, c := range m.connectors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertScore stores the latest scores of a section run.
func (m *Memory) UpsertScore(_ context.Context, sectionRunID string, score models.Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[sectionRunID] = score
	return nil
}

// GetScore returns the stored scores of a section run.
func (m *Memory) GetScore(_ context.Context, sectionRunID string) (models.Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	score, ok := m.scores[sectionRunID]
	if !ok {
		return models.Score{}, fmt.Errorf("score for %s: %w", sectionRunID, ErrNotFound)
	}
	return score, nil
}

// UpsertDependencySnapshot stores the snapshot keyed by run.
func (m *Memory) UpsertDependencySnapshot(_ context.Context, snap models.DependencySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.RunID] = snap
	return nil
}

// GetDependencySnapshot fetches the snapshot of a run.
func (m *Memory) GetDependencySnapshot(_ context.Context, runID string) (models.DependencySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[runID]
	if !ok {
		return models.DependencySnapshot{}, fmt.Errorf("dependency snapshot %s: %w", runID, ErrNotFound)
	}
	return snap, nil
}

// CreateExport inserts an export record.
func (m *Memory) CreateExport(_ context.Context, rec models.ExportRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.exports[rec.ID]; exists {
		return fmt.Errorf("export %s: %w", rec.ID, ErrConflict)
	}
	if rec.Status == "" {
		rec.Status = models.ExportQueued
	}
	now := m.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.exports[rec.ID] = rec
	m.exportSeq = append(m.exportSeq, rec.ID)
	return nil
}

// UpdateExport writes status, location and error of an export record.
func (m *Memory) UpdateExport(_ context.Context, rec models.ExportRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.exports[rec.ID]
	if !ok {
		return fmt.Errorf("export %s: %w", rec.ID, ErrNotFound)
	}
	cur.Status = rec.Status
	cur.FilePath = rec.FilePath
	cur.StorageURL = rec.StorageURL
	cur.FileSize = rec.FileSize
	cur.Checksum = rec.Checksum
	cur.ErrorMessage = rec.ErrorMessage
	cur.UpdatedAt = m.now()
	m.exports[rec.ID] = cur
	return nil
}

// GetExport fetches one export record.
func (m *Memory) GetExport(_ context.Context, id string) (models.ExportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.exports[id]
	if !ok {
		return models.ExportRecord{}, fmt.Errorf("export %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

// ListExports returns a run's exports oldest first.
func (m *Memory) ListExports(_ context.Context, runID string) ([]models.ExportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ExportRecord, 0)
	for _, id := range m.exportSeq {
		if rec := m.exports[id]; rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// AddRunEvent appends a run history row.
func (m *Memory) AddRunEvent(_ context.Context, ev models.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	ev.RecordedAt = m.now()
	m.events[ev.RunID] = append(m.events[ev.RunID], ev)
	return nil
}

// ListRunEvents returns a run's history in insertion order.
func (m *Memory) ListRunEvents(_ context.Context, runID string) ([]models.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.RunEvent{}, m.events[runID]...), nil
}
