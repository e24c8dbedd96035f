package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

type recordKey struct {
	title string
	link  string
}

// RecordStore is an in-memory crawler.RecordStore with the same
// deduplication and ordering rules as the Postgres store.
type RecordStore struct {
	mu      sync.RWMutex
	nextID  int64
	records []crawler.Record
	seen    map[recordKey]struct{}
	pingErr error
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{seen: make(map[recordKey]struct{})}
}

// UpsertIgnoreDuplicate stores rec unless its (title, link) pair exists.
func (s *RecordStore) UpsertIgnoreDuplicate(_ context.Context, rec crawler.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{title: rec.Title, link: rec.Link}
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.nextID++
	rec.ID = s.nextID
	s.records = append(s.records, rec)
	s.seen[key] = struct{}{}
	return true, nil
}

// Count returns the number of stored records.
func (s *RecordStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

// Query returns a page ordered by ScrapedAt descending, then ID ascending.
func (s *RecordStore) Query(_ context.Context, limit, offset int) ([]crawler.Record, error) {
	s.mu.RLock()
	sorted := make([]crawler.Record, len(s.records))
	copy(sorted, s.records)
	s.mu.RUnlock()

	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ScrapedAt.Equal(sorted[j].ScrapedAt) {
			return sorted[i].ScrapedAt.After(sorted[j].ScrapedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	if offset >= len(sorted) || limit <= 0 {
		return []crawler.Record{}, nil
	}
	end := offset + limit
	if end > len(sorted) {
		end = len(sorted)
	}
	return sorted[offset:end], nil
}

// EnsureSchema is a no-op for the in-memory store.
func (s *RecordStore) EnsureSchema(context.Context) error { return nil }

// Ping reports the error set by SetPingError, if any.
func (s *RecordStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pingErr
}

// SetPingError makes Ping fail with err; nil restores health.
func (s *RecordStore) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}
