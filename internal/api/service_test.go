package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/config"
	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	queueMemory "github.com/JakeFAU/crawl-ingest/internal/queue/memory"
	"github.com/JakeFAU/crawl-ingest/internal/storage/memory"
)

func newTestService(records crawler.RecordStore) *Service {
	return NewService(memory.NewStatusTracker(), records, queueMemory.NewQueue(4),
		&fakeIDGen{ids: []string{"job-1", "job-2"}}, &fakeClock{now: time.Unix(100, 0)},
		config.APIConfig{DefaultLimit: 50, MaxLimit: 500, HealthTimeout: 50 * time.Millisecond}, zap.NewNop())
}

func TestServiceSubmitJobRejectsEmptyTarget(t *testing.T) {
	t.Parallel()

	svc := newTestService(memory.NewRecordStore())
	_, err := svc.SubmitJob(context.Background(), "")
	require.ErrorIs(t, err, crawler.ErrValidation)
}

func TestServiceSubmitJobTrackerFailure(t *testing.T) {
	t.Parallel()

	tracker := memory.NewStatusTracker()
	require.NoError(t, tracker.Create(context.Background(), crawler.Job{ID: "job-1"}))
	q := queueMemory.NewQueue(4)
	svc := NewService(tracker, memory.NewRecordStore(), q, &fakeIDGen{ids: []string{"job-1"}},
		&fakeClock{now: time.Unix(100, 0)}, config.APIConfig{}, zap.NewNop())

	_, err := svc.SubmitJob(context.Background(), "t")
	require.ErrorIs(t, err, crawler.ErrTransport)
	require.ErrorIs(t, err, crawler.ErrJobExists)
	require.Zero(t, q.Len())
}

func TestServiceClampPage(t *testing.T) {
	t.Parallel()

	svc := newTestService(memory.NewRecordStore())
	tests := []struct {
		limit, offset     int
		wantLim, wantOffs int
	}{
		{0, 0, 0, 0},
		{-1, -1, 0, 0},
		{10, 5, 10, 5},
		{501, 0, 500, 0},
	}
	for _, tt := range tests {
		lim, off := svc.clampPage(tt.limit, tt.offset)
		require.Equal(t, tt.wantLim, lim)
		require.Equal(t, tt.wantOffs, off)
	}
}

func TestServiceListRecordsNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	records := memory.NewRecordStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		_, err := records.UpsertIgnoreDuplicate(ctx, crawler.Record{
			Title:     fmt.Sprintf("quote %d", i),
			Link:      fmt.Sprintf("https://example.com/author/%d", i),
			ScrapedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	svc := newTestService(records)

	for _, limit := range []int{-5, 0, 1, 7, 50} {
		page, err := svc.ListRecords(ctx, limit, 0)
		require.NoError(t, err)
		require.EqualValues(t, 60, page.Total)
		require.NotNil(t, page.Records)
		require.LessOrEqual(t, len(page.Records), max(limit, 0))
		require.Equal(t, max(limit, 0), page.Limit)
	}
}

func TestServiceListRecordsStoreFailure(t *testing.T) {
	t.Parallel()

	svc := newTestService(brokenRecordStore{RecordStore: memory.NewRecordStore()})
	_, err := svc.ListRecords(context.Background(), 10, 0)
	require.ErrorIs(t, err, crawler.ErrTransport)
}

func TestServiceHealthCheckTimesOut(t *testing.T) {
	t.Parallel()

	svc := newTestService(brokenRecordStore{RecordStore: memory.NewRecordStore(), blockPing: true})
	h := svc.HealthCheck(context.Background())
	require.False(t, h.Healthy)
	require.Contains(t, h.Detail, "deadline exceeded")
}

func TestServiceGetJobStatusEmptyID(t *testing.T) {
	t.Parallel()

	svc := newTestService(memory.NewRecordStore())
	_, err := svc.GetJobStatus(context.Background(), " ")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

type brokenRecordStore struct {
	*memory.RecordStore
	blockPing bool
}

func (b brokenRecordStore) Count(context.Context) (int64, error) {
	return 0, errors.New("count failed")
}

func (b brokenRecordStore) Ping(ctx context.Context) error {
	if b.blockPing {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}
