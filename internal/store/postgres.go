package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"report-orchestrator/internal/models"
	"report-orchestrator/internal/queue"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
	opts queue.Options
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, opts queue.Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = queue.DefaultOptions().LeaseDuration
	}
	return &Store{pool: pool, opts: opts}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, type, status, priority, payload, run_id, section_run_id, attempt_count, max_attempts,
	lease_owner, lease_acquired_at, lease_expires_at, scheduled_at, last_error, created_at, updated_at`

var qualifiedJobColumns = "j." + strings.Join(strings.Fields(strings.ReplaceAll(jobColumns, ",", " ")), ", j.")

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payload []byte
	var runID, sectionRunID, owner, lastErr pgtype.Text
	if err := row.Scan(&job.ID, &job.Type, &job.Status, &job.Priority, &payload, &runID, &sectionRunID,
		&job.AttemptCount, &job.MaxAttempts, &owner, &job.LeaseAcquiredAt, &job.LeaseExpiresAt,
		&job.ScheduledAt, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	job.RunID = textPtr(runID)
	job.SectionRunID = textPtr(sectionRunID)
	job.LeaseOwner = textPtr(owner)
	job.LastError = textPtr(lastErr)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	out := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Enqueue inserts a QUEUED job.
func (s *Store) Enqueue(ctx context.Context, p queue.EnqueueParams) (models.Job, error) {
	job, _, err := s.insertJob(ctx, p, "")
	return job, err
}

func (s *Store) insertJob(ctx context.Context, p queue.EnqueueParams, onConflict string) (models.Job, bool, error) {
	p = p.WithDefaults(time.Now().UTC())
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, type, status, priority, payload, run_id, section_run_id, max_attempts, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`+onConflict+`
		RETURNING `+jobColumns,
		uuid.New().String(), p.Type, models.StatusQueued, p.Priority, payloadJSON,
		emptyToNil(p.RunID), emptyToNil(p.SectionRunID), p.MaxAttempts, p.ScheduledAt)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	return job, true, nil
}

// EnqueueOnce relies on the jobs_assemble_once and jobs_section_active
// partial unique indexes; a conflicting insert is skipped and the existing
// job returned.
func (s *Store) EnqueueOnce(ctx context.Context, p queue.EnqueueParams) (models.Job, bool, error) {
	var existingSQL, key string
	switch p.Type {
	case models.JobAssemble:
		existingSQL = `SELECT ` + jobColumns + ` FROM jobs
			WHERE type = 'ASSEMBLE' AND run_id = $1 AND status IN ('QUEUED', 'RUNNING', 'COMPLETED')
			ORDER BY created_at LIMIT 1`
		key = p.RunID
	case models.JobRunSection:
		existingSQL = `SELECT ` + jobColumns + ` FROM jobs
			WHERE type = 'RUN_SECTION' AND section_run_id = $1 AND status IN ('QUEUED', 'RUNNING')
			ORDER BY created_at LIMIT 1`
		key = p.SectionRunID
	default:
		job, err := s.Enqueue(ctx, p)
		return job, err == nil, err
	}
	if key == "" {
		return models.Job{}, false, fmt.Errorf("enqueue once %s: missing dedupe key", p.Type)
	}

	// The conflicting job may finish between the insert and the lookup, so
	// retry a few times before giving up.
	for i := 0; i < 3; i++ {
		job, inserted, err := s.insertJob(ctx, p, "ON CONFLICT DO NOTHING")
		if err != nil {
			return models.Job{}, false, err
		}
		if inserted {
			return job, true, nil
		}
		job, err = scanJob(s.pool.QueryRow(ctx, existingSQL, key))
		if err == nil {
			return job, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, false, fmt.Errorf("load existing %s job: %w", p.Type, err)
		}
	}
	return models.Job{}, false, fmt.Errorf("enqueue once %s for %s: %w", p.Type, key, ErrConflict)
}

// claimSQL selects one eligible row with SKIP LOCKED and leases it in the
// same statement, so concurrent claimers never observe the same job.
// Reclaiming an expired lease counts as a spent attempt.
const claimSQL = `
	WITH next AS (
		SELECT id FROM jobs
		WHERE %s
		ORDER BY priority ASC, scheduled_at ASC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE jobs AS j
	SET attempt_count = j.attempt_count + CASE WHEN j.status = 'RUNNING' THEN 1 ELSE 0 END,
		status = 'RUNNING',
		lease_owner = $1,
		lease_acquired_at = NOW(),
		lease_expires_at = NOW() + make_interval(secs => $2),
		updated_at = NOW()
	FROM next
	WHERE j.id = next.id
	RETURNING `

var (
	claimNextSQL = fmt.Sprintf(claimSQL,
		`(status = 'QUEUED' AND scheduled_at <= NOW()) OR (status = 'RUNNING' AND lease_expires_at < NOW())`,
	) + qualifiedJobColumns
	claimByIDSQL = fmt.Sprintf(claimSQL,
		`id = $3 AND (status = 'QUEUED' OR (status = 'RUNNING' AND lease_expires_at < NOW()))`,
	) + qualifiedJobColumns
)

// ClaimNext leases the highest-priority eligible job, or returns nil.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	return s.claim(ctx, claimNextSQL, workerID, s.opts.LeaseDuration.Seconds())
}

// ClaimByID leases one specific job if it is QUEUED (even when scheduled in
// the future) or its lease has expired.
func (s *Store) ClaimByID(ctx context.Context, jobID, workerID string) (*models.Job, error) {
	return s.claim(ctx, claimByIDSQL, workerID, s.opts.LeaseDuration.Seconds(), jobID)
}

func (s *Store) claim(ctx context.Context, sql string, args ...any) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

func leaseOwner(job models.Job) (string, error) {
	if job.LeaseOwner == nil || *job.LeaseOwner == "" {
		return "", queue.ErrLeaseLost
	}
	return *job.LeaseOwner, nil
}

// Heartbeat extends the lease of a job the caller still owns. An expired
// lease cannot be revived, even if no one has reclaimed it yet.
func (s *Store) Heartbeat(ctx context.Context, job models.Job) error {
	owner, err := leaseOwner(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = NOW() + make_interval(secs => $3), updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING' AND lease_owner = $2 AND lease_expires_at >= NOW()
	`, job.ID, owner, s.opts.LeaseDuration.Seconds())
	if err != nil {
		return fmt.Errorf("heartbeat job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// Complete marks an owned job COMPLETED and clears its lease.
func (s *Store) Complete(ctx context.Context, job models.Job) error {
	owner, err := leaseOwner(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'COMPLETED', lease_owner = NULL, lease_acquired_at = NULL, lease_expires_at = NULL,
			last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING' AND lease_owner = $2
	`, job.ID, owner)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// Fail records a failed attempt and either schedules a retry or fails the
// job terminally. Postgres evaluates every SET expression against the old
// row, so attempt_count + 1 is the new count throughout.
func (s *Store) Fail(ctx context.Context, job models.Job, errMsg string) (models.Job, error) {
	owner, err := leaseOwner(job)
	if err != nil {
		return models.Job{}, err
	}
	delay := s.opts.Backoff.Delay(job.AttemptCount + 1)
	return s.finish(ctx, `
		UPDATE jobs
		SET attempt_count = attempt_count + 1,
			status = CASE WHEN attempt_count + 1 < max_attempts THEN 'QUEUED' ELSE 'FAILED' END,
			scheduled_at = CASE WHEN attempt_count + 1 < max_attempts
				THEN NOW() + make_interval(secs => $4) ELSE scheduled_at END,
			last_error = $3,
			lease_owner = NULL, lease_acquired_at = NULL, lease_expires_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING' AND lease_owner = $2
		RETURNING `+jobColumns, job.ID, owner, errMsg, delay.Seconds())
}

// Abandon fails an owned job terminally.
func (s *Store) Abandon(ctx context.Context, job models.Job, errMsg string) (models.Job, error) {
	owner, err := leaseOwner(job)
	if err != nil {
		return models.Job{}, err
	}
	return s.finish(ctx, `
		UPDATE jobs
		SET attempt_count = CASE WHEN max_attempts > 0 AND attempt_count >= max_attempts
				THEN attempt_count ELSE attempt_count + 1 END,
			status = 'FAILED', last_error = $3,
			lease_owner = NULL, lease_acquired_at = NULL, lease_expires_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING' AND lease_owner = $2
		RETURNING `+jobColumns, job.ID, owner, errMsg)
}

func (s *Store) finish(ctx context.Context, sql string, args ...any) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, queue.ErrLeaseLost
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobsForRun returns a run's jobs oldest first.
func (s *Store) ListJobsForRun(ctx context.Context, runID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// RequeueJob resets a finished job to QUEUED with a fresh attempt budget.
// Requeuing a run-level job of a FAILED run reopens the run in the same
// transaction.
func (s *Store) RequeueJob(ctx context.Context, id string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'QUEUED', attempt_count = 0, scheduled_at = NOW(), last_error = NULL,
			lease_owner = NULL, lease_acquired_at = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('FAILED', 'COMPLETED')
		RETURNING `+jobColumns, id))
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
	case errors.As(err, &pgErr) && pgErr.Code == "23505":
		return models.Job{}, fmt.Errorf("requeue job %s: %w", id, ErrConflict)
	case errors.Is(err, pgx.ErrNoRows):
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return models.Job{}, getErr
		}
		return models.Job{}, fmt.Errorf("requeue job %s: still active: %w", id, ErrConflict)
	default:
		return models.Job{}, fmt.Errorf("requeue job: %w", err)
	}

	if err := reopenRun(ctx, tx, job); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// reopenRun puts a FAILED run back in play for a requeued run-level job.
// Failed section runs return to QUEUED, and a requeued section job also
// re-creates the jobs of sibling sections skipped while the run was FAILED.
func reopenRun(ctx context.Context, tx pgx.Tx, job models.Job) error {
	runID := job.RunIDValue()
	if job.Type == models.JobExport || runID == "" {
		return nil
	}
	var status models.Status
	err := tx.QueryRow(ctx, `SELECT status FROM report_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if err := reopenConflict(job, runID, status); err != nil {
		return err
	}
	if status != models.StatusFailed {
		return nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE report_runs SET status = $2, completed_at = NULL, updated_at = NOW() WHERE id = $1
	`, runID, reopenedStatus(job)); err != nil {
		return fmt.Errorf("reopen run %s: %w", runID, err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE section_runs SET status = 'QUEUED', updated_at = NOW() WHERE run_id = $1 AND status = 'FAILED'
	`, runID); err != nil {
		return fmt.Errorf("reopen section runs of %s: %w", runID, err)
	}
	if job.Type != models.JobRunSection {
		return nil
	}

	rows, err := tx.Query(ctx, `
		SELECT id FROM section_runs WHERE run_id = $1 AND status <> 'COMPLETED' ORDER BY created_at, id
	`, runID)
	if err != nil {
		return fmt.Errorf("list open section runs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("scan section run ids: %w", err)
	}
	for _, sectionRunID := range ids {
		p := queue.EnqueueParams{Type: models.JobRunSection, RunID: runID, SectionRunID: sectionRunID}.WithDefaults(time.Now().UTC())
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, type, status, priority, payload, run_id, section_run_id, max_attempts, scheduled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT DO NOTHING
		`, uuid.New().String(), p.Type, models.StatusQueued, p.Priority, payload,
			runID, sectionRunID, p.MaxAttempts, p.ScheduledAt); err != nil {
			return fmt.Errorf("enqueue section job for %s: %w", sectionRunID, err)
		}
	}
	return nil
}

// QueueDepth counts jobs ready to run.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = 'QUEUED' AND scheduled_at <= NOW()
	`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count visible jobs: %w", err)
	}
	return n, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func marshalNullable(v any, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalNullable[T any](raw []byte) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
