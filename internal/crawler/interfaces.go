package crawler

import (
	"context"
	"io"
	"time"
)

// RecordStore persists crawl records, deduplicated on (title, link).
type RecordStore interface {
	// UpsertIgnoreDuplicate inserts rec unless an identical (title, link)
	// pair exists already. inserted is false for duplicates.
	UpsertIgnoreDuplicate(ctx context.Context, rec Record) (inserted bool, err error)
	Count(ctx context.Context) (int64, error)
	// Query returns records ordered by scraped_at descending, ties by id ascending.
	Query(ctx context.Context, limit, offset int) ([]Record, error)
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
}

// StatusTracker records the lifecycle of crawl jobs.
type StatusTracker interface {
	Create(ctx context.Context, job Job) error
	// MarkRunning moves a job to RUNNING. started is false when the job is
	// already terminal.
	MarkRunning(ctx context.Context, jobID, target string, at time.Time) (started bool, err error)
	// Finish moves a job to a terminal state. applied is false when the job
	// was already terminal.
	Finish(ctx context.Context, jobID string, state JobState, result ResultSummary, at time.Time) (applied bool, err error)
	Get(ctx context.Context, jobID string) (Job, error)
}

// Queue provides at-least-once delivery of crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, msg QueueMessage) error
	// Dequeue blocks until a delivery is available or ctx ends.
	Dequeue(ctx context.Context) (Delivery, error)
	Close() error
}

// Runner executes the external crawl process for one job.
type Runner interface {
	Run(ctx context.Context, inv Invocation) Outcome
}

// RecordSink receives records as the crawl process emits them.
type RecordSink interface {
	Accept(ctx context.Context, rec Record)
}

// BlobStore writes run logs and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Delivery is one delivery of a queue message. It must be acked once the job
// reached a terminal state, or nacked so the broker redelivers it.
type Delivery struct {
	Message QueueMessage
	ID      string
	Attempt int

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// NewDelivery builds a Delivery whose Ack and Nack call the given functions.
func NewDelivery(msg QueueMessage, id string, attempt int, ack, nack func(context.Context) error) Delivery {
	return Delivery{Message: msg, ID: id, Attempt: attempt, ack: ack, nack: nack}
}

// Ack confirms the delivery.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack returns the delivery to the broker for redelivery.
func (d Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}
