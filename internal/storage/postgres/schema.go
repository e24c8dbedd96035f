package postgres

import (
	"context"
	"fmt"
)

// DefaultSchemaLockID is the advisory lock key taken while creating tables.
const DefaultSchemaLockID int64 = 727001

func recordsSchema(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	title TEXT NOT NULL,
	link TEXT NOT NULL,
	scraped_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (title, link)
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_scraped_at ON %[1]s (scraped_at DESC)`, table),
	}
}

func jobsSchema(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	job_id TEXT PRIMARY KEY,
	target_name TEXT NOT NULL,
	state TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	result JSONB,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, table),
	}
}

// applySchema runs stmts in one transaction holding a transaction-scoped
// advisory lock, so concurrent callers serialize on CREATE ... IF NOT EXISTS.
func applySchema(ctx context.Context, pool Pool, lockID int64, stmts []string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockID); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
