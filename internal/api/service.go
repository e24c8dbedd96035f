package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/config"
	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/logging"
)

const enqueueTimeout = 5 * time.Second

// Enqueuer accepts queue messages. crawler.Queue and the dispatcher both
// satisfy it.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg crawler.QueueMessage) error
}

type submission struct {
	TargetName string `validate:"required,max=200,excludesall=/\\"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Service implements the job and record operations behind the HTTP API.
type Service struct {
	tracker crawler.StatusTracker
	records crawler.RecordStore
	queue   Enqueuer
	idGen   crawler.IDGenerator
	clock   crawler.Clock
	cfg     config.APIConfig
	logger  *zap.Logger
}

// NewService constructs a Service.
func NewService(
	tracker crawler.StatusTracker,
	records crawler.RecordStore,
	queue Enqueuer,
	idGen crawler.IDGenerator,
	clock crawler.Clock,
	cfg config.APIConfig,
	logger *zap.Logger,
) *Service {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 50
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 500
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tracker: tracker,
		records: records,
		queue:   queue,
		idGen:   idGen,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// SubmitJob records a QUEUED job and enqueues it. If the enqueue fails the
// job is finished as FAILED so it never stays QUEUED forever.
func (s *Service) SubmitJob(ctx context.Context, targetName string) (crawler.Job, error) {
	targetName = strings.TrimSpace(targetName)
	if err := validate.Struct(submission{TargetName: targetName}); err != nil {
		return crawler.Job{}, fmt.Errorf("%w: target_name: %v", crawler.ErrValidation, err)
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := crawler.Job{
		ID:          jobID,
		TargetName:  targetName,
		State:       crawler.JobStateQueued,
		SubmittedAt: now,
	}
	logger := s.logger.With(logging.Job(jobID, targetName)...)
	if err := s.tracker.Create(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w: %w", crawler.ErrTransport, err)
	}

	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	msg := crawler.QueueMessage{JobID: jobID, TargetName: targetName, SubmittedAt: now}
	if err := s.queue.Enqueue(queueCtx, msg); err != nil {
		logger.Error("enqueue job failed", zap.Error(err))
		s.failUnqueued(ctx, jobID, targetName, err, logger)
		return crawler.Job{}, fmt.Errorf("enqueue job: %w: %w", crawler.ErrTransport, err)
	}
	logger.Info("job queued")
	return job, nil
}

func (s *Service) failUnqueued(ctx context.Context, jobID, target string, cause error, logger *zap.Logger) {
	msg := fmt.Sprintf("enqueue failed: %v", cause)
	result := crawler.ResultSummary{
		Status:    crawler.ResultFailed,
		Target:    target,
		Message:   msg,
		ErrorTail: msg,
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()
	if _, err := s.tracker.Finish(writeCtx, jobID, crawler.JobStateFailed, result, s.clock.Now()); err != nil {
		logger.Error("mark unqueued job failed", zap.Error(err))
	}
}

// GetJobStatus returns the tracker's view of a job.
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (crawler.Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return crawler.Job{}, crawler.ErrNotFound
	}
	job, err := s.tracker.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, err)
		}
		return crawler.Job{}, fmt.Errorf("get job: %w: %w", crawler.ErrTransport, err)
	}
	return job, nil
}

// ListRecords returns one page of records, newest first. Negative limit and
// offset clamp to 0 and a limit of 0 yields an empty page with the total.
func (s *Service) ListRecords(ctx context.Context, limit, offset int) (crawler.RecordPage, error) {
	limit, offset = s.clampPage(limit, offset)
	total, err := s.records.Count(ctx)
	if err != nil {
		return crawler.RecordPage{}, fmt.Errorf("count records: %w: %w", crawler.ErrTransport, err)
	}
	var recs []crawler.Record
	if limit > 0 {
		recs, err = s.records.Query(ctx, limit, offset)
		if err != nil {
			return crawler.RecordPage{}, fmt.Errorf("query records: %w: %w", crawler.ErrTransport, err)
		}
	}
	if recs == nil {
		recs = []crawler.Record{}
	}
	return crawler.RecordPage{Total: total, Limit: limit, Offset: offset, Records: recs}, nil
}

func (s *Service) clampPage(limit, offset int) (int, int) {
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	if s.cfg.MaxLimit > 0 && limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}
	return limit, offset
}

// HealthCheck pings the record store. It never returns an error.
func (s *Service) HealthCheck(ctx context.Context) crawler.Health {
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
	defer cancel()
	if err := s.records.Ping(pingCtx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		return crawler.Health{Healthy: false, Detail: err.Error()}
	}
	return crawler.Health{Healthy: true, Detail: "connected"}
}

// DefaultLimit is the page size used when a listing omits limit.
func (s *Service) DefaultLimit() int {
	return s.cfg.DefaultLimit
}

// DefaultTarget is used when a submission omits target_name.
func (s *Service) DefaultTarget() string {
	return s.cfg.DefaultTarget
}
