package crawler

import (
	"io"
	"time"
)

// JobState represents the lifecycle state of a crawl job.
type JobState string

// Job states persisted by the status trackers.
const (
	JobStateQueued    JobState = "QUEUED"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// Valid reports whether s is one of the known states.
func (s JobState) Valid() bool {
	switch s {
	case JobStateQueued, JobStateRunning, JobStateSucceeded, JobStateFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a job in state s may move to next.
// RUNNING -> RUNNING is allowed so that a redelivered job can be picked up again.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case JobStateQueued:
		return next == JobStateRunning || next.Terminal()
	case JobStateRunning:
		return next == JobStateRunning || next.Terminal()
	default:
		return false
	}
}

// Result statuses stored in ResultSummary.Status.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// Record is one unit of structured crawl output.
type Record struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title" validate:"required"`
	Link      string    `json:"link" validate:"required,uri"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// ResultSummary is the terminal outcome attached to a finished job.
type ResultSummary struct {
	Status           string `json:"status"`
	Target           string `json:"target"`
	Message          string `json:"message"`
	OutputTail       string `json:"output,omitempty"`
	ErrorTail        string `json:"error,omitempty"`
	ExitCode         *int   `json:"return_code,omitempty"`
	TimedOut         bool   `json:"timed_out,omitempty"`
	RecordCount      int    `json:"record_count"`
	RecordsInserted  int    `json:"records_inserted"`
	RecordsDuplicate int    `json:"records_duplicate"`
	RecordsRejected  int    `json:"records_rejected"`
	RecordsFailed    int    `json:"records_failed"`
	DurationMs       int64  `json:"duration_ms"`
	LogURI           string `json:"log_uri,omitempty"`
}

// Job represents the metadata tracked for each submitted crawl request.
type Job struct {
	ID          string         `json:"job_id"`
	TargetName  string         `json:"target_name"`
	State       JobState       `json:"status"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Result      *ResultSummary `json:"result,omitempty"`
}

// QueueMessage is the wire payload carried by every queue backend.
type QueueMessage struct {
	JobID       string    `json:"job_id"`
	TargetName  string    `json:"target_name"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// RecordPage is one page of records returned by ListRecords.
type RecordPage struct {
	Total   int64    `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
	Records []Record `json:"quotes"`
}

// Health is the result of a store round trip.
type Health struct {
	Healthy bool
	Detail  string
}

// Invocation describes a single run of the external crawl process.
type Invocation struct {
	Target  string
	Records RecordSink
	// Log receives the combined stdout/stderr stream when non-nil.
	Log io.Writer
}

// OutcomeKind classifies how a crawl process run ended.
type OutcomeKind int

// Outcome kinds returned by Runner.Run.
const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
	OutcomeTimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Outcome is the result of one crawl process run.
type Outcome struct {
	Kind        OutcomeKind
	OutputTail  string
	ErrorTail   string
	ExitCode    int
	RecordCount int
	Duration    time.Duration
	// Err is set when the process could not be started or waited on.
	Err error
}
