// Package memory provides a non-durable queue for local development and tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

type entry struct {
	msg     crawler.QueueMessage
	id      string
	attempt int
}

// Queue is a bounded in-memory queue with context-aware operations. The
// capacity only bounds new submissions: a nacked delivery is parked on an
// unbounded redelivery list with its attempt counter bumped, so Nack never
// blocks or drops a message. Redeliveries are served before new messages.
type Queue struct {
	ch        chan entry
	done      chan struct{}
	closeOnce sync.Once
	seq       atomic.Uint64

	mu      sync.Mutex
	retries []entry
	ready   chan struct{}
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:    make(chan entry, capacity),
		done:  make(chan struct{}),
		ready: make(chan struct{}, 1),
	}
}

// Enqueue pushes a message into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, msg crawler.QueueMessage) error {
	id := "mem-" + strconv.FormatUint(q.seq.Add(1), 10)
	return q.push(ctx, entry{msg: msg, id: id, attempt: 1})
}

func (q *Queue) push(ctx context.Context, e entry) error {
	select {
	case <-q.done:
		return crawler.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return crawler.ErrQueueClosed
	case q.ch <- e:
		return nil
	}
}

func (q *Queue) requeue(e entry) error {
	select {
	case <-q.done:
		return crawler.ErrQueueClosed
	default:
	}
	q.mu.Lock()
	q.retries = append(q.retries, e)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) popRetry() (entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.retries) == 0 {
		return entry{}, false
	}
	e := q.retries[0]
	q.retries = q.retries[1:]
	return e, true
}

// Dequeue pops the next delivery, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Delivery, error) {
	for {
		select {
		case <-q.done:
			return crawler.Delivery{}, crawler.ErrQueueClosed
		default:
		}
		if e, ok := q.popRetry(); ok {
			return q.delivery(e), nil
		}
		select {
		case <-ctx.Done():
			return crawler.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			return crawler.Delivery{}, crawler.ErrQueueClosed
		case <-q.ready:
		case e := <-q.ch:
			return q.delivery(e), nil
		}
	}
}

func (q *Queue) delivery(e entry) crawler.Delivery {
	redeliver := entry{msg: e.msg, id: e.id, attempt: e.attempt + 1}
	return crawler.NewDelivery(e.msg, e.id, e.attempt,
		func(context.Context) error { return nil },
		func(context.Context) error { return q.requeue(redeliver) },
	)
}

// Len reports how many messages are waiting, redeliveries included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + len(q.retries)
}

// Close stops the queue; pending messages are dropped.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
