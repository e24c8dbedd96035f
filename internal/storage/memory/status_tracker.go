package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

// StatusTracker keeps job state in a map guarded by a RWMutex.
type StatusTracker struct {
	mu   sync.RWMutex
	jobs map[string]crawler.Job
}

// NewStatusTracker constructs a StatusTracker.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{jobs: make(map[string]crawler.Job)}
}

// Create stores a new job as given (normally QUEUED).
func (s *StatusTracker) Create(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return crawler.ErrJobExists
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// MarkRunning moves a job to RUNNING, keeping the first StartedAt. An unknown
// job is created in RUNNING.
func (s *StatusTracker) MarkRunning(_ context.Context, jobID, target string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		job = crawler.Job{ID: jobID, TargetName: target, State: crawler.JobStateQueued, SubmittedAt: at}
	}
	if !job.State.CanTransition(crawler.JobStateRunning) {
		return false, nil
	}
	job.State = crawler.JobStateRunning
	if job.StartedAt == nil {
		job.StartedAt = pointerTime(at)
	}
	s.jobs[jobID] = job
	return true, nil
}

// Finish records the terminal state unless the job already finished.
func (s *StatusTracker) Finish(
	_ context.Context,
	jobID string,
	state crawler.JobState,
	result crawler.ResultSummary,
	at time.Time,
) (bool, error) {
	if !state.Terminal() {
		return false, errors.New("finish requires a terminal state")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, crawler.ErrNotFound
	}
	if !job.State.CanTransition(state) {
		return false, nil
	}
	job.State = state
	job.FinishedAt = pointerTime(at)
	res := result
	job.Result = &res
	s.jobs[jobID] = job
	return true, nil
}

// Get fetches a job by ID.
func (s *StatusTracker) Get(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrNotFound
	}
	return cloneJob(job), nil
}

func cloneJob(job crawler.Job) crawler.Job {
	if job.StartedAt != nil {
		job.StartedAt = pointerTime(*job.StartedAt)
	}
	if job.FinishedAt != nil {
		job.FinishedAt = pointerTime(*job.FinishedAt)
	}
	if job.Result != nil {
		res := *job.Result
		if res.ExitCode != nil {
			code := *res.ExitCode
			res.ExitCode = &code
		}
		job.Result = &res
	}
	return job
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
