package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan crawler.Delivery, 1)
	errCh := make(chan error, 1)

	go func() {
		d, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- d
	}()

	require.NoError(t, q.Enqueue(context.Background(), crawler.QueueMessage{JobID: "job-1", TargetName: "example_spider"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "job-1", got.Message.JobID)
		require.Equal(t, 1, got.Attempt)
		require.NotEmpty(t, got.ID)
		require.NoError(t, got.Ack(context.Background()))
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
	require.Zero(t, q.Len())
}

func TestQueueNackRedelivers(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, crawler.QueueMessage{JobID: "job-1"}))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Nack(ctx))

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", second.Message.JobID)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 2, second.Attempt)
}

func TestQueueNackWhenFullKeepsMessage(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, crawler.QueueMessage{JobID: "job-1"}))
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, crawler.QueueMessage{JobID: "job-2"}))

	expired, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, first.Nack(expired))
	require.Equal(t, 2, q.Len())

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		seen[d.Message.JobID] = d.Attempt
	}
	require.Equal(t, map[string]int{"job-1": 2, "job-2": 1}, seen)
	require.Zero(t, q.Len())
}

func TestQueueNackWakesWaitingDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Enqueue(ctx, crawler.QueueMessage{JobID: "job-1"}))
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)

	got := make(chan crawler.Delivery, 1)
	go func() {
		d, err := q.Dequeue(ctx)
		if err == nil {
			got <- d
		}
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, first.Nack(ctx))

	select {
	case d := <-got:
		require.Equal(t, "job-1", d.Message.JobID)
	case <-ctx.Done():
		t.Fatal("waiting dequeue was not woken by nack")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	require.NoError(t, q.Enqueue(context.Background(), crawler.QueueMessage{JobID: "primed"}))
	err = q.Enqueue(ctx, crawler.QueueMessage{JobID: "blocked"})
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
	require.ErrorIs(t, q.Enqueue(context.Background(), crawler.QueueMessage{JobID: "late"}), crawler.ErrQueueClosed)
}
