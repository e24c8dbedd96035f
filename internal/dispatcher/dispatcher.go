// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers. Each worker runs one
// job at a time, so the pool size is the crawl concurrency.
type Dispatcher struct {
	queue   crawler.Queue
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue crawler.Queue, workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  logger,
	}
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until every worker has returned, which
// happens when the context finishes or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting worker pool", zap.Int("workers", len(d.workers)))
	var wg sync.WaitGroup
	for i, w := range d.workers {
		wg.Add(1)
		go func(idx int, wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
			d.logger.Debug("worker stopped", zap.Int("index", idx))
		}(i, w)
	}
	wg.Wait()
	d.logger.Info("worker pool stopped")
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, msg crawler.QueueMessage) error {
	if err := d.queue.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
