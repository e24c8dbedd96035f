package crawler

import "errors"

var (
	// ErrNotFound is returned when a job or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks bad client input. Nothing is enqueued.
	ErrValidation = errors.New("validation failed")
	// ErrTransport wraps store, tracker and queue failures.
	ErrTransport = errors.New("transport failure")
	// ErrJobExists is returned when a job id is created twice.
	ErrJobExists = errors.New("job already exists")
	// ErrQueueClosed is returned by queues after Close.
	ErrQueueClosed = errors.New("queue closed")
)
