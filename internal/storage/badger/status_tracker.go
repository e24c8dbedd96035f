// Package badger provides a single-node durable job status tracker on
// badgerhold.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

// jobRecord is the persisted form of crawler.Job.
type jobRecord struct {
	ID          string
	TargetName  string
	State       string `badgerholdIndex:"State"`
	SubmittedAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Result      *crawler.ResultSummary
}

// Open opens a badgerhold store at path, or in memory when path is empty.
func Open(path string) (*badgerhold.Store, error) {
	options := badgerhold.DefaultOptions
	options.Logger = nil
	if path == "" {
		options.InMemory = true
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory: %w", err)
		}
		options.Dir = path
		options.ValueDir = path
	}
	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badgerhold: %w", err)
	}
	return store, nil
}

// StatusTracker stores one jobRecord per job id. Transitions run inside a
// badger transaction so the terminal check and the write are atomic.
type StatusTracker struct {
	store *badgerhold.Store
}

// NewStatusTracker wraps an open store. The caller owns Close.
func NewStatusTracker(store *badgerhold.Store) (*StatusTracker, error) {
	if store == nil {
		return nil, errors.New("badgerhold store is required")
	}
	return &StatusTracker{store: store}, nil
}

// Create inserts a new job.
func (t *StatusTracker) Create(_ context.Context, job crawler.Job) error {
	err := t.store.Insert(job.ID, toRecord(job))
	if errors.Is(err, badgerhold.ErrKeyExists) {
		return crawler.ErrJobExists
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// MarkRunning moves the job to RUNNING unless it is terminal. Unknown jobs
// are created in RUNNING.
func (t *StatusTracker) MarkRunning(_ context.Context, jobID, target string, at time.Time) (bool, error) {
	var started bool
	err := t.update(func(tx *badger.Txn) error {
		var rec jobRecord
		err := t.store.TxGet(tx, jobID, &rec)
		switch {
		case errors.Is(err, badgerhold.ErrNotFound):
			rec = jobRecord{ID: jobID, TargetName: target, State: string(crawler.JobStateQueued), SubmittedAt: at}
		case err != nil:
			return err
		}
		if !crawler.JobState(rec.State).CanTransition(crawler.JobStateRunning) {
			started = false
			return nil
		}
		rec.State = string(crawler.JobStateRunning)
		if rec.StartedAt == nil {
			ts := at
			rec.StartedAt = &ts
		}
		started = true
		return t.store.TxUpsert(tx, jobID, rec)
	})
	if err != nil {
		return false, fmt.Errorf("mark job running: %w", err)
	}
	return started, nil
}

// Finish records the terminal state unless the job already finished.
func (t *StatusTracker) Finish(
	_ context.Context,
	jobID string,
	state crawler.JobState,
	result crawler.ResultSummary,
	at time.Time,
) (bool, error) {
	if !state.Terminal() {
		return false, fmt.Errorf("finish requires a terminal state, got %s", state)
	}
	var applied bool
	err := t.update(func(tx *badger.Txn) error {
		var rec jobRecord
		if err := t.store.TxGet(tx, jobID, &rec); err != nil {
			return err
		}
		if !crawler.JobState(rec.State).CanTransition(state) {
			applied = false
			return nil
		}
		rec.State = string(state)
		ts := at
		rec.FinishedAt = &ts
		res := result
		rec.Result = &res
		applied = true
		return t.store.TxUpsert(tx, jobID, rec)
	})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return false, crawler.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	return applied, nil
}

// Get loads a job by id.
func (t *StatusTracker) Get(_ context.Context, jobID string) (crawler.Job, error) {
	var rec jobRecord
	if err := t.store.Get(jobID, &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return crawler.Job{}, crawler.ErrNotFound
		}
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return rec.toJob(), nil
}

// update retries fn when concurrent writers conflict.
func (t *StatusTracker) update(fn func(tx *badger.Txn) error) error {
	for {
		err := t.store.Badger().Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

func toRecord(job crawler.Job) jobRecord {
	return jobRecord{
		ID:          job.ID,
		TargetName:  job.TargetName,
		State:       string(job.State),
		SubmittedAt: job.SubmittedAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
		Result:      job.Result,
	}
}

func (r jobRecord) toJob() crawler.Job {
	return crawler.Job{
		ID:          r.ID,
		TargetName:  r.TargetName,
		State:       crawler.JobState(r.State),
		SubmittedAt: r.SubmittedAt.UTC(),
		StartedAt:   utcPtr(r.StartedAt),
		FinishedAt:  utcPtr(r.FinishedAt),
		Result:      r.Result,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := t.UTC()
	return &ts
}
