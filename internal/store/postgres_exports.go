package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"report-orchestrator/internal/models"
)

const exportColumns = `id, run_id, format, status, file_path, storage_url, file_size, checksum, error_message, created_at, updated_at`

func scanExport(row pgx.Row) (models.ExportRecord, error) {
	var rec models.ExportRecord
	var path, url, checksum, msg pgtype.Text
	var size pgtype.Int8
	if err := row.Scan(&rec.ID, &rec.RunID, &rec.Format, &rec.Status, &path, &url, &size, &checksum, &msg,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return models.ExportRecord{}, err
	}
	rec.FilePath = path.String
	rec.StorageURL = url.String
	rec.FileSize = size.Int64
	rec.Checksum = checksum.String
	rec.ErrorMessage = textPtr(msg)
	return rec, nil
}

// CreateExport inserts an export record.
func (s *Store) CreateExport(ctx context.Context, rec models.ExportRecord) error {
	status := rec.Status
	if status == "" {
		status = models.ExportQueued
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO exports (id, run_id, format, status) VALUES ($1, $2, $3, $4)
	`, rec.ID, rec.RunID, rec.Format, status)
	if err != nil {
		return fmt.Errorf("insert export: %w", err)
	}
	return nil
}

// UpdateExport writes status, location and error of an export record.
func (s *Store) UpdateExport(ctx context.Context, rec models.ExportRecord) error {
	var size *int64
	if rec.FileSize > 0 {
		size = &rec.FileSize
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE exports
		SET status = $2, file_path = $3, storage_url = $4, file_size = $5, checksum = $6, error_message = $7,
			updated_at = NOW()
		WHERE id = $1
	`, rec.ID, rec.Status, emptyToNil(rec.FilePath), emptyToNil(rec.StorageURL), size,
		emptyToNil(rec.Checksum), rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update export: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("export %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// GetExport fetches one export record.
func (s *Store) GetExport(ctx context.Context, id string) (models.ExportRecord, error) {
	rec, err := scanExport(s.pool.QueryRow(ctx, `SELECT `+exportColumns+` FROM exports WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ExportRecord{}, fmt.Errorf("export %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.ExportRecord{}, fmt.Errorf("scan export: %w", err)
	}
	return rec, nil
}

// ListExports returns a run's exports oldest first.
func (s *Store) ListExports(ctx context.Context, runID string) ([]models.ExportRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+exportColumns+` FROM exports WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	defer rows.Close()
	out := make([]models.ExportRecord, 0)
	for rows.Next() {
		rec, err := scanExport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AddRunEvent appends a run history row.
func (s *Store) AddRunEvent(ctx context.Context, ev models.RunEvent) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO run_events (run_id, type, payload, recorded_at) VALUES ($1, $2, $3, NOW())
	`, ev.RunID, ev.Type, raw); err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return nil
}

// ListRunEvents returns a run's history in insertion order.
func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]models.RunEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, type, payload, recorded_at FROM run_events WHERE run_id = $1 ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()
	out := make([]models.RunEvent, 0)
	for rows.Next() {
		var ev models.RunEvent
		var raw []byte
		if err := rows.Scan(&ev.RunID, &ev.Type, &raw, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		if err := json.Unmarshal(raw, &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode run event payload: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
