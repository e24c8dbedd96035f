package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

const uniqueViolation = "23505"

// StatusTrackerConfig names the jobs table and the schema lock key.
type StatusTrackerConfig struct {
	Table        string
	SchemaLockID int64
}

// StatusTracker stores job lifecycle rows in Postgres. Terminal rows are
// never updated; the WHERE clauses enforce monotonic transitions.
type StatusTracker struct {
	pool   Pool
	table  string
	lockID int64
}

// NewStatusTracker constructs a tracker on an existing pool.
func NewStatusTracker(pool Pool, cfg StatusTrackerConfig) (*StatusTracker, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table := cfg.Table
	if table == "" {
		table = "crawl_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	lockID := cfg.SchemaLockID
	if lockID == 0 {
		lockID = DefaultSchemaLockID
	}
	return &StatusTracker{pool: pool, table: table, lockID: lockID}, nil
}

// Create inserts a new job row.
func (s *StatusTracker) Create(ctx context.Context, job crawler.Job) error {
	query := fmt.Sprintf(`
INSERT INTO %s (job_id, target_name, state, submitted_at, updated_at)
VALUES ($1, $2, $3, $4, $4)`, s.table)
	_, err := s.pool.Exec(ctx, query, job.ID, job.TargetName, string(job.State), job.SubmittedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return crawler.ErrJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// MarkRunning upserts the job into RUNNING unless it is already terminal.
func (s *StatusTracker) MarkRunning(ctx context.Context, jobID, target string, at time.Time) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (job_id, target_name, state, submitted_at, started_at, updated_at)
VALUES ($1, $2, 'RUNNING', $3, $3, $3)
ON CONFLICT (job_id) DO UPDATE
SET state = 'RUNNING',
	started_at = COALESCE(%[1]s.started_at, EXCLUDED.started_at),
	updated_at = EXCLUDED.updated_at
WHERE %[1]s.state IN ('QUEUED', 'RUNNING')`, s.table)
	tag, err := s.pool.Exec(ctx, query, jobID, target, at)
	if err != nil {
		return false, fmt.Errorf("mark job running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Finish writes the terminal state and result unless the job already finished.
func (s *StatusTracker) Finish(
	ctx context.Context,
	jobID string,
	state crawler.JobState,
	result crawler.ResultSummary,
	at time.Time,
) (bool, error) {
	if !state.Terminal() {
		return false, fmt.Errorf("finish requires a terminal state, got %s", state)
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET state = $2, finished_at = $3, result = $4, updated_at = $3
WHERE job_id = $1 AND state IN ('QUEUED', 'RUNNING')`, s.table)
	tag, err := s.pool.Exec(ctx, query, jobID, string(state), at, payload)
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.state(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

// Get loads a job row.
func (s *StatusTracker) Get(ctx context.Context, jobID string) (crawler.Job, error) {
	query := fmt.Sprintf(`
SELECT job_id, target_name, state, submitted_at, started_at, finished_at, result
FROM %s
WHERE job_id = $1`, s.table)
	var (
		job     crawler.Job
		state   string
		payload []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID,
		&job.TargetName,
		&state,
		&job.SubmittedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&payload,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Job{}, crawler.ErrNotFound
		}
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	job.State = crawler.JobState(state)
	if !job.State.Valid() {
		return crawler.Job{}, fmt.Errorf("job %s has unknown state %q", jobID, state)
	}
	job.SubmittedAt = job.SubmittedAt.UTC()
	if len(payload) > 0 {
		var result crawler.ResultSummary
		if err := json.Unmarshal(payload, &result); err != nil {
			return crawler.Job{}, fmt.Errorf("decode job result: %w", err)
		}
		job.Result = &result
	}
	return job, nil
}

// EnsureSchema creates the jobs table when missing.
func (s *StatusTracker) EnsureSchema(ctx context.Context) error {
	return applySchema(ctx, s.pool, s.lockID, jobsSchema(s.table))
}

func (s *StatusTracker) state(ctx context.Context, jobID string) (crawler.JobState, error) {
	var state string
	err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT state FROM %s WHERE job_id = $1", s.table), jobID).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", crawler.ErrNotFound
		}
		return "", fmt.Errorf("load job state: %w", err)
	}
	return crawler.JobState(state), nil
}
