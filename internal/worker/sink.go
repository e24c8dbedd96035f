package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/metrics"
)

type ingestCounts struct {
	inserted  int
	duplicate int
	rejected  int
	failed    int
}

// ingestSink writes each record to the store as the crawl process emits it.
// A failed or invalid record is counted and skipped; the run continues.
type ingestSink struct {
	store  crawler.RecordStore
	clock  crawler.Clock
	logger *zap.Logger

	mu     sync.Mutex
	counts ingestCounts
}

func newIngestSink(store crawler.RecordStore, clock crawler.Clock, logger *zap.Logger) *ingestSink {
	metrics.Init()
	return &ingestSink{store: store, clock: clock, logger: logger}
}

func (s *ingestSink) Accept(ctx context.Context, rec crawler.Record) {
	rec = rec.Normalize(s.clock.Now())
	if err := rec.Validate(); err != nil {
		s.bump(metrics.RecordRejected)
		s.logger.Warn("record rejected", zap.String("title", rec.Title), zap.String("link", rec.Link), zap.Error(err))
		return
	}
	inserted, err := s.store.UpsertIgnoreDuplicate(ctx, rec)
	switch {
	case err != nil:
		s.bump(metrics.RecordFailed)
		s.logger.Error("record insert failed", zap.String("link", rec.Link), zap.Error(err))
	case inserted:
		s.bump(metrics.RecordInserted)
	default:
		s.bump(metrics.RecordDuplicate)
	}
}

func (s *ingestSink) bump(outcome string) {
	metrics.ObserveRecord(outcome)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch outcome {
	case metrics.RecordInserted:
		s.counts.inserted++
	case metrics.RecordDuplicate:
		s.counts.duplicate++
	case metrics.RecordRejected:
		s.counts.rejected++
	case metrics.RecordFailed:
		s.counts.failed++
	}
}

// Counts returns a snapshot of the ingestion counters.
func (s *ingestSink) Counts() ingestCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}
