// Package pubsub implements the job queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/metrics"
)

// Config names the topic and subscription and sizes flow control.
type Config struct {
	Topic        string
	Subscription string
	// MaxOutstanding caps unacked messages held by this process; set it to
	// the worker count for a prefetch of one per worker.
	MaxOutstanding int
	// MaxExtension bounds automatic ack-deadline extension; it must exceed
	// the job timeout.
	MaxExtension time.Duration
	// RestartBackoff is the first wait before Receive is restarted after a
	// failure. It doubles per consecutive failure up to MaxRestartBackoff.
	RestartBackoff    time.Duration
	MaxRestartBackoff time.Duration
}

const (
	defaultRestartBackoff    = time.Second
	defaultMaxRestartBackoff = 30 * time.Second
)

// Queue publishes job messages to a topic and receives them from a
// subscription. Receiving starts on the first Dequeue.
type Queue struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	deliveries chan crawler.Delivery
	startOnce  sync.Once
	cancel     context.CancelFunc
	done       chan struct{}
	closed     atomic.Bool

	restartBackoff    time.Duration
	maxRestartBackoff time.Duration
	receiveFailures   atomic.Int64
}

// New builds a Queue on client. An empty Subscription makes the queue
// publish-only.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("pubsub topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = defaultRestartBackoff
	}
	if cfg.MaxRestartBackoff < cfg.RestartBackoff {
		cfg.MaxRestartBackoff = max(defaultMaxRestartBackoff, cfg.RestartBackoff)
	}
	metrics.Init()
	q := &Queue{
		topic:             client.Topic(cfg.Topic),
		logger:            logger,
		deliveries:        make(chan crawler.Delivery),
		done:              make(chan struct{}),
		restartBackoff:    cfg.RestartBackoff,
		maxRestartBackoff: cfg.MaxRestartBackoff,
	}
	q.topic.PublishSettings.CountThreshold = 1
	if cfg.Subscription != "" {
		q.sub = client.Subscription(cfg.Subscription)
		if cfg.MaxOutstanding > 0 {
			q.sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
		}
		if cfg.MaxExtension > 0 {
			q.sub.ReceiveSettings.MaxExtension = cfg.MaxExtension
		}
	}
	return q, nil
}

// Enqueue publishes msg and waits for the server to assign an id.
func (q *Queue) Enqueue(ctx context.Context, msg crawler.QueueMessage) error {
	if q.closed.Load() {
		return crawler.ErrQueueClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"job_id": msg.JobID, "target_name": msg.TargetName},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish queue message: %w", err)
	}
	return nil
}

// Dequeue blocks until the subscription hands over a message. Receive
// failures are retried in the background, so Dequeue only fails when ctx
// ends or the queue is closed.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Delivery, error) {
	if q.sub == nil {
		return crawler.Delivery{}, errors.New("pubsub queue has no subscription")
	}
	if q.closed.Load() {
		return crawler.Delivery{}, crawler.ErrQueueClosed
	}
	q.startOnce.Do(q.startReceiving)
	select {
	case <-ctx.Done():
		return crawler.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case d := <-q.deliveries:
		return d, nil
	case <-q.done:
		return crawler.Delivery{}, crawler.ErrQueueClosed
	}
}

func (q *Queue) startReceiving() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go func() {
		defer close(q.done)
		q.receiveLoop(ctx)
	}()
}

// receiveLoop keeps a Receive call running until ctx ends, restarting it
// with exponential backoff whenever it fails.
func (q *Queue) receiveLoop(ctx context.Context) {
	backoff := q.restartBackoff
	for {
		started := time.Now()
		err := q.sub.Receive(ctx, q.handle)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("receive returned without error")
		}
		if time.Since(started) > q.maxRestartBackoff {
			backoff = q.restartBackoff
		}
		q.receiveFailures.Add(1)
		metrics.ObserveQueueError("receive")
		q.logger.Error("pubsub receive failed, restarting",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, q.maxRestartBackoff)
	}
}

func (q *Queue) handle(ctx context.Context, m *pubsub.Message) {
	var body crawler.QueueMessage
	if err := json.Unmarshal(m.Data, &body); err != nil || body.JobID == "" {
		q.logger.Error("dropping malformed queue message", zap.String("delivery_id", m.ID), zap.Error(err))
		m.Ack()
		return
	}
	attempt := 1
	if m.DeliveryAttempt != nil {
		attempt = *m.DeliveryAttempt
	}
	d := crawler.NewDelivery(body, m.ID, attempt,
		func(context.Context) error { m.Ack(); return nil },
		func(context.Context) error { m.Nack(); return nil },
	)
	select {
	case q.deliveries <- d:
	case <-ctx.Done():
		m.Nack()
	}
}

// Close stops receiving and flushes pending publishes. The client is owned
// by the caller.
func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	// Waits for a concurrent start and blocks later ones.
	q.startOnce.Do(func() {})
	if q.cancel != nil {
		q.cancel()
		<-q.done
	} else {
		close(q.done)
	}
	q.topic.Stop()
	return nil
}
