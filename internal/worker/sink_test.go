package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/storage/memory"
)

type failingRecordStore struct {
	*memory.RecordStore
	failLink string
}

func (f *failingRecordStore) UpsertIgnoreDuplicate(ctx context.Context, rec crawler.Record) (bool, error) {
	if rec.Link == f.failLink {
		return false, errors.New("insert failed")
	}
	return f.RecordStore.UpsertIgnoreDuplicate(ctx, rec)
}

func TestIngestSinkContinuesAfterFailures(t *testing.T) {
	t.Parallel()

	store := &failingRecordStore{RecordStore: memory.NewRecordStore(), failLink: "https://example.com/bad"}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	sink := newIngestSink(store, &fakeClock{now: now}, zap.NewNop())
	ctx := context.Background()

	sink.Accept(ctx, crawler.Record{Title: " Quote ", Link: "https://example.com/q"})
	sink.Accept(ctx, crawler.Record{Title: "Bad", Link: "https://example.com/bad"})
	sink.Accept(ctx, crawler.Record{Title: "No link"})
	sink.Accept(ctx, crawler.Record{Title: "Quote", Link: "https://example.com/q"})
	sink.Accept(ctx, crawler.Record{Title: "Later", Link: "https://example.com/later"})

	require.Equal(t, ingestCounts{inserted: 2, duplicate: 1, rejected: 1, failed: 1}, sink.Counts())

	recs, err := store.Query(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		require.Equal(t, now, rec.ScrapedAt)
	}
}
