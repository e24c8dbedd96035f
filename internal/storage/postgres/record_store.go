package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

// RecordStoreConfig names the records table and the schema lock key.
type RecordStoreConfig struct {
	Table        string
	SchemaLockID int64
}

// RecordStore writes crawl records into Postgres, ignoring duplicates.
type RecordStore struct {
	pool   Pool
	table  string
	lockID int64
}

// NewRecordStore constructs a store on an existing pool.
func NewRecordStore(pool Pool, cfg RecordStoreConfig) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table := cfg.Table
	if table == "" {
		table = "quotes"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	lockID := cfg.SchemaLockID
	if lockID == 0 {
		lockID = DefaultSchemaLockID
	}
	return &RecordStore{pool: pool, table: table, lockID: lockID}, nil
}

// UpsertIgnoreDuplicate inserts rec; an existing (title, link) pair is kept
// with its original timestamp and inserted is false.
func (s *RecordStore) UpsertIgnoreDuplicate(ctx context.Context, rec crawler.Record) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (title, link, scraped_at)
VALUES ($1, $2, $3)
ON CONFLICT (title, link) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query, rec.Title, rec.Link, rec.ScrapedAt)
	if err != nil {
		return false, fmt.Errorf("insert record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Count returns the total number of records.
func (s *RecordStore) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&total); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return total, nil
}

// Query returns a page of records, newest first, ties by id.
func (s *RecordStore) Query(ctx context.Context, limit, offset int) ([]crawler.Record, error) {
	query := fmt.Sprintf(`
SELECT id, title, link, scraped_at
FROM %s
ORDER BY scraped_at DESC, id ASC
LIMIT $1 OFFSET $2`, s.table)
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crawler.Record, error) {
		var rec crawler.Record
		err := row.Scan(&rec.ID, &rec.Title, &rec.Link, &rec.ScrapedAt)
		rec.ScrapedAt = rec.ScrapedAt.UTC()
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return records, nil
}

// EnsureSchema creates the records table and index when missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	return applySchema(ctx, s.pool, s.lockID, recordsSchema(s.table))
}

// Ping checks database connectivity.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}
