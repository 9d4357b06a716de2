package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"report-orchestrator/internal/models"
)

// CreateRun inserts a run and its section runs in one transaction.
func (s *Store) CreateRun(ctx context.Context, run models.Run, sections []models.SectionRun) error {
	template, err := marshalNullable(run.TemplateSnapshot, run.TemplateSnapshot == nil)
	if err != nil {
		return fmt.Errorf("marshal template snapshot: %w", err)
	}
	profile, err := marshalNullable(run.ProfileSnapshot, run.ProfileSnapshot == nil)
	if err != nil {
		return fmt.Errorf("marshal profile snapshot: %w", err)
	}
	prompts, err := marshalNullable(run.PromptSetSnapshot, run.PromptSetSnapshot == nil)
	if err != nil {
		return fmt.Errorf("marshal prompt set snapshot: %w", err)
	}
	input, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("marshal run input: %w", err)
	}
	status := run.Status
	if status == "" {
		status = models.StatusQueued
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		INSERT INTO report_runs (id, status, template_snapshot, profile_snapshot, prompt_set_snapshot, input)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.ID, status, template, profile, prompts, input); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, sr := range sections {
		srStatus := sr.Status
		if srStatus == "" {
			srStatus = models.StatusQueued
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO section_runs (id, run_id, template_section_id, title, status)
			VALUES ($1, $2, $3, $4, $5)
		`, sr.ID, run.ID, sr.TemplateSectionID, sr.Title, srStatus); err != nil {
			return fmt.Errorf("insert section run: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetRun fetches a run with its snapshots.
func (s *Store) GetRun(ctx context.Context, id string) (models.Run, error) {
	var run models.Run
	var template, profile, prompts, input, blueprint, report []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, template_snapshot, profile_snapshot, prompt_set_snapshot, input, blueprint,
			final_report, started_at, completed_at, created_at, updated_at
		FROM report_runs WHERE id = $1
	`, id).Scan(&run.ID, &run.Status, &template, &profile, &prompts, &input, &blueprint, &report,
		&run.StartedAt, &run.CompletedAt, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("scan run: %w", err)
	}

	if run.TemplateSnapshot, err = unmarshalNullable[models.TemplateSnapshot](template); err != nil {
		return models.Run{}, fmt.Errorf("decode template snapshot: %w", err)
	}
	if run.ProfileSnapshot, err = unmarshalNullable[models.GenerationProfile](profile); err != nil {
		return models.Run{}, fmt.Errorf("decode profile snapshot: %w", err)
	}
	if run.PromptSetSnapshot, err = unmarshalNullable[models.PromptSet](prompts); err != nil {
		return models.Run{}, fmt.Errorf("decode prompt set snapshot: %w", err)
	}
	if run.Blueprint, err = unmarshalNullable[models.Blueprint](blueprint); err != nil {
		return models.Run{}, fmt.Errorf("decode blueprint: %w", err)
	}
	if run.FinalReport, err = unmarshalNullable[models.FinalReport](report); err != nil {
		return models.Run{}, fmt.Errorf("decode final report: %w", err)
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &run.Input); err != nil {
			return models.Run{}, fmt.Errorf("decode run input: %w", err)
		}
	}
	return run, nil
}

// MarkRunStarted sets RUNNING, stores the blueprint and stamps started_at once.
func (s *Store) MarkRunStarted(ctx context.Context, id string, blueprint models.Blueprint) error {
	raw, err := json.Marshal(blueprint)
	if err != nil {
		return fmt.Errorf("marshal blueprint: %w", err)
	}
	return s.updateRun(ctx, id, `
		UPDATE report_runs
		SET status = 'RUNNING', blueprint = $2, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1
	`, raw)
}

// CompleteRun stores the final report and marks the run COMPLETED.
func (s *Store) CompleteRun(ctx context.Context, id string, report models.FinalReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal final report: %w", err)
	}
	return s.updateRun(ctx, id, `
		UPDATE report_runs
		SET status = 'COMPLETED', final_report = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, raw)
}

// FailRun marks a run FAILED unless it already completed.
func (s *Store) FailRun(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE report_runs SET status = 'FAILED', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status <> 'COMPLETED'
	`, id)
	if err != nil {
		return fmt.Errorf("fail run %s: %w", id, err)
	}
	return nil
}

func (s *Store) updateRun(ctx context.Context, id, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

const sectionColumns = `id, run_id, template_section_id, title, status, attempt_count, output_fingerprint,
	duration_ms, created_at, updated_at`

func scanSection(row pgx.Row) (models.SectionRun, error) {
	var sr models.SectionRun
	var fp pgtype.Text
	var duration pgtype.Int8
	if err := row.Scan(&sr.ID, &sr.RunID, &sr.TemplateSectionID, &sr.Title, &sr.Status, &sr.AttemptCount,
		&fp, &duration, &sr.CreatedAt, &sr.UpdatedAt); err != nil {
		return models.SectionRun{}, err
	}
	sr.OutputFingerprint = fp.String
	sr.DurationMs = duration.Int64
	return sr, nil
}

// ListSectionRuns returns a run's section runs with their artifacts.
func (s *Store) ListSectionRuns(ctx context.Context, runID string) ([]models.SectionRun, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sectionColumns+` FROM section_runs WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list section runs: %w", err)
	}
	defer rows.Close()
	out := make([]models.SectionRun, 0)
	ids := make([]string, 0)
	for rows.Next() {
		sr, err := scanSection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan section run: %w", err)
		}
		out = append(out, sr)
		ids = append(ids, sr.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	artifacts, err := s.loadArtifacts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Artifacts = artifacts[out[i].ID]
	}
	return out, nil
}

// GetSectionRun fetches one section run with its artifacts.
func (s *Store) GetSectionRun(ctx context.Context, id string) (models.SectionRun, error) {
	sr, err := scanSection(s.pool.QueryRow(ctx, `SELECT `+sectionColumns+` FROM section_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SectionRun{}, fmt.Errorf("section run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.SectionRun{}, fmt.Errorf("scan section run: %w", err)
	}
	artifacts, err := s.loadArtifacts(ctx, []string{id})
	if err != nil {
		return models.SectionRun{}, err
	}
	sr.Artifacts = artifacts[id]
	return sr, nil
}

func (s *Store) loadArtifacts(ctx context.Context, sectionRunIDs []string) (map[string][]models.Artifact, error) {
	out := make(map[string][]models.Artifact, len(sectionRunIDs))
	if len(sectionRunIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT section_run_id, id, type, content, created_at
		FROM section_artifacts WHERE section_run_id = ANY($1)
		ORDER BY section_run_id, position
	`, sectionRunIDs)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var owner string
		var a models.Artifact
		var content []byte
		if err := rows.Scan(&owner, &a.ID, &a.Type, &content, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Content = json.RawMessage(content)
		out[owner] = append(out[owner], a)
	}
	return out, rows.Err()
}

// UpdateSectionStatus sets a section run's status.
func (s *Store) UpdateSectionStatus(ctx context.Context, id string, status models.Status) error {
	tag, err := s.pool.Exec(ctx, `UPDATE section_runs SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update section status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("section run %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveSectionRun persists status, counters and a replacement artifact set
// atomically.
func (s *Store) SaveSectionRun(ctx context.Context, sr models.SectionRun) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE section_runs
		SET status = $2, attempt_count = $3, output_fingerprint = $4, duration_ms = $5, updated_at = NOW()
		WHERE id = $1
	`, sr.ID, sr.Status, sr.AttemptCount, emptyToNil(sr.OutputFingerprint), sr.DurationMs)
	if err != nil {
		return fmt.Errorf("update section run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("section run %s: %w", sr.ID, ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM section_artifacts WHERE section_run_id = $1`, sr.ID); err != nil {
		return fmt.Errorf("clear artifacts: %w", err)
	}
	for i, a := range sr.Artifacts {
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO section_artifacts (id, section_run_id, position, type, content, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, a.ID, sr.ID, i, a.Type, []byte(a.Content), createdAt); err != nil {
			return fmt.Errorf("insert %s artifact: %w", a.Type, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpsertConnector inserts or replaces a connector definition.
func (s *Store) UpsertConnector(ctx context.Context, c models.Connector) error {
	cfg, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("marshal connector config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO connectors (id, type, name, config) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET type = EXCLUDED.type, name = EXCLUDED.name, config = EXCLUDED.config
	`, c.ID, c.Type, c.Name, cfg)
	if err != nil {
		return fmt.Errorf("upsert connector: %w", err)
	}
	return nil
}

// ListConnectors returns every connector.
func (s *Store) ListConnectors(ctx context.Context) ([]models.Connector, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, type, name, config FROM connectors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()
	out := make([]models.Connector, 0)
	for rows.Next() {
		var c models.Connector
		var cfg []byte
		if err := rows.Scan(&c.ID, &c.Type, &c.Name, &cfg); err != nil {
			return nil, fmt.Errorf("scan connector: %w", err)
		}
		if err := json.Unmarshal(cfg, &c.Config); err != nil {
			return nil, fmt.Errorf("decode connector %s config: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertScore stores the latest scores of a section run.
func (s *Store) UpsertScore(ctx context.Context, sectionRunID string, score models.Score) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO section_scores (section_run_id, coverage, diversity, recency, redundancy, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (section_run_id) DO UPDATE
		SET coverage = EXCLUDED.coverage, diversity = EXCLUDED.diversity, recency = EXCLUDED.recency,
			redundancy = EXCLUDED.redundancy, updated_at = NOW()
	`, sectionRunID, score.Coverage, score.Diversity, score.Recency, score.Redundancy)
	if err != nil {
		return fmt.Errorf("upsert score: %w", err)
	}
	return nil
}

// GetScore returns the stored scores of a section run.
func (s *Store) GetScore(ctx context.Context, sectionRunID string) (models.Score, error) {
	var score models.Score
	err := s.pool.QueryRow(ctx, `
		SELECT coverage, diversity, recency, redundancy FROM section_scores WHERE section_run_id = $1
	`, sectionRunID).Scan(&score.Coverage, &score.Diversity, &score.Recency, &score.Redundancy)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Score{}, fmt.Errorf("score for %s: %w", sectionRunID, ErrNotFound)
	}
	if err != nil {
		return models.Score{}, fmt.Errorf("scan score: %w", err)
	}
	return score, nil
}

// UpsertDependencySnapshot stores the snapshot keyed by run.
func (s *Store) UpsertDependencySnapshot(ctx context.Context, snap models.DependencySnapshot) error {
	assumptions, err := json.Marshal(snap.BlueprintAssumptions)
	if err != nil {
		return fmt.Errorf("marshal assumptions: %w", err)
	}
	queries, err := json.Marshal(snap.RetrievalQueriesBySection)
	if err != nil {
		return fmt.Errorf("marshal retrieval queries: %w", err)
	}
	outputs, err := json.Marshal(snap.SectionOutputs)
	if err != nil {
		return fmt.Errorf("marshal section outputs: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dependency_snapshots (run_id, template_id, blueprint_assumptions, retrieval_queries_by_section, section_outputs, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (run_id) DO UPDATE
		SET template_id = EXCLUDED.template_id, blueprint_assumptions = EXCLUDED.blueprint_assumptions,
			retrieval_queries_by_section = EXCLUDED.retrieval_queries_by_section,
			section_outputs = EXCLUDED.section_outputs, created_at = NOW()
	`, snap.RunID, snap.TemplateID, assumptions, queries, outputs)
	if err != nil {
		return fmt.Errorf("upsert dependency snapshot: %w", err)
	}
	return nil
}

// GetDependencySnapshot fetches the snapshot of a run.
func (s *Store) GetDependencySnapshot(ctx context.Context, runID string) (models.DependencySnapshot, error) {
	var snap models.DependencySnapshot
	var assumptions, queries, outputs []byte
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, template_id, blueprint_assumptions, retrieval_queries_by_section, section_outputs, created_at
		FROM dependency_snapshots WHERE run_id = $1
	`, runID).Scan(&snap.RunID, &snap.TemplateID, &assumptions, &queries, &outputs, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DependencySnapshot{}, fmt.Errorf("dependency snapshot %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return models.DependencySnapshot{}, fmt.Errorf("scan dependency snapshot: %w", err)
	}
	if err := json.Unmarshal(assumptions, &snap.BlueprintAssumptions); err != nil {
		return models.DependencySnapshot{}, fmt.Errorf("decode assumptions: %w", err)
	}
	if err := json.Unmarshal(queries, &snap.RetrievalQueriesBySection); err != nil {
		return models.DependencySnapshot{}, fmt.Errorf("decode retrieval queries: %w", err)
	}
	if err := json.Unmarshal(outputs, &snap.SectionOutputs); err != nil {
		return models.DependencySnapshot{}, fmt.Errorf("decode section outputs: %w", err)
	}
	return snap, nil
}
