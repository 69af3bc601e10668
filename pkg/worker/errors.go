package worker

import "errors"

// Sentinel errors for executor operations
var (
	// ErrNotStarted indicates the pool hasn't been started yet
	ErrNotStarted = errors.New("worker pool not started")

	// ErrStopped indicates the executor no longer accepts work
	ErrStopped = errors.New("executor stopped")

	// ErrAlreadyStarted indicates Start() was called twice
	ErrAlreadyStarted = errors.New("worker pool already started")

	// ErrQueueFull indicates the work queue is at capacity
	ErrQueueFull = errors.New("worker pool queue full")

	// ErrNilProcessor indicates a nil processor function was provided
	ErrNilProcessor = errors.New("processor function cannot be nil")

	// ErrStopTimeout indicates queued work did not drain within the timeout
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")
)
