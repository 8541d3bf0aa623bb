package pipeline

import "errors"

// Sentinel errors shared by the record stores and the orchestrator.
var (
	// ErrInvalidRequest rejects malformed job creation input synchronously.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound marks a missing job, task, or bundle.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition guards compare-and-swap state changes; a caller
	// holding a stale view of the row loses the race and gets this error.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDuplicateCompletion marks a redelivered completion report for a task
	// that is already terminal. Callers treat it as a no-op, not a failure.
	ErrDuplicateCompletion = errors.New("duplicate completion")

	// ErrWorkspaceMismatch is returned when a read or write crosses the
	// tenant boundary.
	ErrWorkspaceMismatch = errors.New("workspace mismatch")
)
