// Package worker implements the crawl job execution loop.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/logging"
	"github.com/JakeFAU/crawl-ingest/internal/metrics"
)

const (
	defaultJobTimeout   = time.Hour
	defaultWriteTimeout = 30 * time.Second
	dequeueBackoff      = 500 * time.Millisecond
)

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds a single crawl process run.
	JobTimeout time.Duration
	// WriteTimeout bounds the terminal tracker write, archive upload and ack
	// once the crawl process has exited.
	WriteTimeout time.Duration
	// LogPrefix is prepended to archived run logs.
	LogPrefix string
	// MaxLogBytes caps the archived run log. Zero disables archiving.
	MaxLogBytes int64
	// NotifyTopic receives a completion event for every terminal transition.
	NotifyTopic string
}

// Worker consumes queue deliveries and runs one crawl job at a time.
type Worker struct {
	queue     crawler.Queue
	tracker   crawler.StatusTracker
	records   crawler.RecordStore
	runner    crawler.Runner
	blobStore crawler.BlobStore
	publisher crawler.Publisher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. blobStore and publisher may be nil.
func New(
	queue crawler.Queue,
	tracker crawler.StatusTracker,
	records crawler.RecordStore,
	runner crawler.Runner,
	blobStore crawler.BlobStore,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{
		queue:     queue,
		tracker:   tracker,
		records:   records,
		runner:    runner,
		blobStore: blobStore,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming deliveries until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			metrics.ObserveQueueError("dequeue")
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		w.processDelivery(ctx, d)
	}
}

func (w *Worker) processDelivery(ctx context.Context, d crawler.Delivery) {
	msg := d.Message
	logger := w.logger.With(logging.Job(msg.JobID, msg.TargetName)...).With(
		zap.String("delivery_id", d.ID),
		zap.Int("attempt", d.Attempt),
	)
	if msg.JobID == "" {
		logger.Warn("dropping delivery without job id")
		w.ack(ctx, d, logger)
		return
	}

	started, err := w.tracker.MarkRunning(ctx, msg.JobID, msg.TargetName, w.clock.Now())
	if err != nil {
		logger.Error("mark job running failed", zap.Error(err))
		w.nack(ctx, d, logger)
		return
	}
	if !started {
		logger.Info("job already terminal, skipping delivery")
		w.ack(ctx, d, logger)
		return
	}
	logger.Info("job started")

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	sink := newIngestSink(w.records, w.clock, logger)
	var runLog *cappedBuffer
	if w.blobStore != nil && w.cfg.MaxLogBytes > 0 {
		runLog = newCappedBuffer(w.cfg.MaxLogBytes)
	}

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	inv := crawler.Invocation{Target: msg.TargetName, Records: sink}
	if runLog != nil {
		inv.Log = runLog
	}
	outcome := w.runner.Run(runCtx, inv)
	cancel()

	if ctx.Err() != nil && outcome.Kind != crawler.OutcomeCompleted {
		logger.Warn("shutdown interrupted job, returning delivery", zap.Stringer("outcome", outcome.Kind))
		w.nack(ctx, d, logger)
		return
	}

	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
	defer writeCancel()

	summary := w.summarize(msg.TargetName, outcome, sink.Counts())
	if runLog != nil {
		summary.LogURI = w.archive(writeCtx, d, runLog, logger)
	}
	state := crawler.JobStateFailed
	if outcome.Kind == crawler.OutcomeCompleted {
		state = crawler.JobStateSucceeded
	}

	finishedAt := w.clock.Now()
	applied, err := w.tracker.Finish(writeCtx, msg.JobID, state, summary, finishedAt)
	if err != nil {
		logger.Error("terminal job write failed", zap.String("state", string(state)), zap.Error(err))
		w.nack(writeCtx, d, logger)
		return
	}
	if !applied {
		logger.Info("job already terminal, result discarded", zap.String("state", string(state)))
		w.ack(writeCtx, d, logger)
		return
	}

	metrics.ObserveJob(string(state), outcome.Duration)
	logger.Info("job finished",
		zap.String("state", string(state)),
		zap.Int("record_count", summary.RecordCount),
		zap.Int("records_inserted", summary.RecordsInserted),
		zap.Int("records_duplicate", summary.RecordsDuplicate),
		zap.Int64("duration_ms", summary.DurationMs),
	)
	w.notify(writeCtx, msg, state, summary.RecordCount, finishedAt, logger)
	w.ack(writeCtx, d, logger)
}

func (w *Worker) summarize(target string, outcome crawler.Outcome, counts ingestCounts) crawler.ResultSummary {
	summary := crawler.ResultSummary{
		Target:           target,
		RecordCount:      outcome.RecordCount,
		RecordsInserted:  counts.inserted,
		RecordsDuplicate: counts.duplicate,
		RecordsRejected:  counts.rejected,
		RecordsFailed:    counts.failed,
		DurationMs:       outcome.Duration.Milliseconds(),
	}
	switch outcome.Kind {
	case crawler.OutcomeCompleted:
		code := 0
		summary.Status = crawler.ResultCompleted
		summary.Message = fmt.Sprintf("target %s finished crawling", target)
		summary.OutputTail = outcome.OutputTail
		summary.ExitCode = &code
	case crawler.OutcomeTimedOut:
		summary.Status = crawler.ResultFailed
		summary.TimedOut = true
		summary.Message = fmt.Sprintf("crawl timed out after %s", w.cfg.JobTimeout)
		summary.ErrorTail = summary.Message
	default:
		code := outcome.ExitCode
		summary.Status = crawler.ResultFailed
		summary.Message = fmt.Sprintf("target %s failed with exit code %d", target, code)
		summary.ErrorTail = outcome.ErrorTail
		if strings.TrimSpace(summary.ErrorTail) == "" {
			summary.ErrorTail = "Unknown error"
		}
		summary.ExitCode = &code
	}
	return summary
}

func (w *Worker) buildLogPath(jobID string, attempt int) string {
	prefix := strings.Trim(w.cfg.LogPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/attempt-%d.log", jobID, attempt)
	}
	return fmt.Sprintf("%s/%s/attempt-%d.log", prefix, jobID, attempt)
}

func (w *Worker) archive(ctx context.Context, d crawler.Delivery, runLog *cappedBuffer, logger *zap.Logger) string {
	path := w.buildLogPath(d.Message.JobID, d.Attempt)
	uri, err := w.blobStore.PutObject(ctx, path, "text/plain; charset=utf-8", bytes.NewReader(runLog.Bytes()))
	if err != nil {
		logger.Warn("archive run log failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	if runLog.Truncated() {
		logger.Debug("run log truncated", zap.Int64("max_log_bytes", w.cfg.MaxLogBytes))
	}
	return uri
}

func (w *Worker) notify(
	ctx context.Context,
	msg crawler.QueueMessage,
	state crawler.JobState,
	recordCount int,
	finishedAt time.Time,
	logger *zap.Logger,
) {
	if w.cfg.NotifyTopic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"job_id":       msg.JobID,
		"target_name":  msg.TargetName,
		"state":        string(state),
		"record_count": recordCount,
		"finished_at":  finishedAt.UTC().Format(time.RFC3339Nano),
	}
	id, err := w.publisher.Publish(ctx, w.cfg.NotifyTopic, payload)
	if err != nil {
		logger.Warn("publish completion failed", zap.Error(err))
		return
	}
	logger.Debug("completion published", zap.String("message_id", id))
}

func (w *Worker) ack(ctx context.Context, d crawler.Delivery, logger *zap.Logger) {
	if err := d.Ack(ctx); err != nil {
		metrics.ObserveQueueError("ack")
		logger.Error("ack failed", zap.Error(err))
	}
}

// nack uses a context detached from shutdown so the broker learns about the
// returned delivery.
func (w *Worker) nack(ctx context.Context, d crawler.Delivery, logger *zap.Logger) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
	defer cancel()
	if err := d.Nack(nctx); err != nil {
		metrics.ObserveQueueError("nack")
		logger.Error("nack failed", zap.Error(err))
	}
}
