package pipeline

import (
	"context"
	"time"
)

// JobStore persists job rows. All state transitions use compare-and-swap on
// the current state so orchestrator replicas never need coordination.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, workspaceID, jobID string) (Job, error)
	// TransitionJob moves a job from one state to another and returns
	// ErrInvalidTransition if the job is not currently in from.
	TransitionJob(ctx context.Context, jobID string, from, to JobState) error
	// CompleteJob moves a job into a terminal state, recording the result
	// classification and completion timestamp. Same CAS guard as TransitionJob.
	CompleteJob(ctx context.Context, jobID string, from, to JobState, result ResultClass, errText string, at time.Time) error
	// ListOverdueJobs returns non-terminal jobs whose deadline passed.
	ListOverdueJobs(ctx context.Context, now time.Time) ([]Job, error)
}

// TaskStore persists task rows with the same compare-and-swap discipline.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasks(ctx context.Context, jobID string) ([]Task, error)
	// MarkDispatched transitions PENDING -> DISPATCHED.
	MarkDispatched(ctx context.Context, taskID string) error
	// MarkTerminal transitions DISPATCHED -> SUCCEEDED or FAILED for the given
	// attempt. A report carrying a stale attempt, or arriving after the task is
	// terminal, yields ErrDuplicateCompletion. Failure increments the attempt
	// count; when exhausted is true the state becomes PERMANENTLY_FAILED.
	// On ErrDuplicateCompletion or ErrInvalidTransition the current row is
	// returned alongside the error so callers can reconcile from it.
	MarkTerminal(ctx context.Context, taskID string, attempt int, succeeded, exhausted bool, errText string) (Task, error)
	// Requeue transitions FAILED -> PENDING for the next attempt. Like
	// MarkTerminal, a guard failure returns the current row with the error.
	Requeue(ctx context.Context, taskID string) (Task, error)
	// CountRemainingAnalyze returns the number of analyze tasks for the job
	// that have not yet reached a terminal state.
	CountRemainingAnalyze(ctx context.Context, jobID string) (int, error)
}

// FindingStore persists analyzer findings, deduplicated per (taskID, attempt)
// so a redelivered analyze task cannot double-append.
type FindingStore interface {
	AppendFindings(ctx context.Context, taskID string, attempt int, findings []Finding) error
	ListFindings(ctx context.Context, workspaceID, jobID string) ([]Finding, error)
}

// Delivery is one received task message plus its acknowledgement handles.
type Delivery struct {
	Message TaskMessage
	// Ack confirms processing; the broker will not redeliver.
	Ack func()
	// Nack releases the message for immediate redelivery.
	Nack func()
}

// Broker provides durable at-least-once delivery of task messages, one queue
// per stage. Unacked deliveries reappear after the visibility timeout.
type Broker interface {
	Publish(ctx context.Context, stage Stage, msg TaskMessage, delay time.Duration) error
	Receive(ctx context.Context, stage Stage) (Delivery, error)
	Close() error
}

// BundleStore reads and writes asset bundles under a tenant-prefixed
// namespace. Reads must verify the workspace ID in the ref.
type BundleStore interface {
	PutBundle(ctx context.Context, bundle Bundle) error
	GetBundle(ctx context.Context, ref BundleRef) (Bundle, error)
	PutReport(ctx context.Context, ref BundleRef, report Report) error
	GetReport(ctx context.Context, ref BundleRef) (Report, error)
}

// FetchRequest captures everything needed to capture a page snapshot.
type FetchRequest struct {
	JobID       string
	WorkspaceID string
	URL         string
}

// Fetcher captures a page and returns the bundle content (not yet persisted).
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (Bundle, error)
}

// Analyzer inspects an asset bundle and reports findings.
type Analyzer interface {
	Type() string
	Analyze(ctx context.Context, bundle Bundle) ([]Finding, error)
}

// CompletionHandler consumes worker completion reports. The orchestrator is
// the only implementation outside of tests.
type CompletionHandler interface {
	OnTaskCompleted(ctx context.Context, report CompletionReport) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests for snapshot identity.
type Hasher interface {
	Hash(data []byte) (string, error)
}
