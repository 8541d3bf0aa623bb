// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// JobState represents the lifecycle state of an analysis job.
type JobState string

// Job state values persisted in the record store.
const (
	JobStatePending             JobState = "pending"
	JobStateFetching            JobState = "fetching"
	JobStateAnalyzing           JobState = "analyzing"
	JobStateSummarizing         JobState = "summarizing"
	JobStateCompleted           JobState = "completed"
	JobStateCompletedWithErrors JobState = "completed_with_errors"
	JobStateFailed              JobState = "failed"
)

// Terminal reports whether the job state accepts no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateCompletedWithErrors, JobStateFailed:
		return true
	default:
		return false
	}
}

// TaskState represents the lifecycle state of a single task.
type TaskState string

// Task state values persisted in the record store.
const (
	TaskStatePending           TaskState = "pending"
	TaskStateDispatched        TaskState = "dispatched"
	TaskStateSucceeded         TaskState = "succeeded"
	TaskStateFailed            TaskState = "failed"
	TaskStatePermanentlyFailed TaskState = "permanently_failed"
)

// Terminal reports whether the task state accepts no further transitions.
// FAILED is not terminal: it remains eligible for a retry requeue.
func (s TaskState) Terminal() bool {
	return s == TaskStateSucceeded || s == TaskStatePermanentlyFailed
}

// Stage identifies the category of work a task performs.
type Stage string

// Fixed pipeline stages. Analyzer stages are derived with AnalyzeStage.
const (
	StageFetch     Stage = "fetch"
	StageSummarize Stage = "summarize"

	analyzePrefix = "analyze:"
)

// AnalyzeStage builds the stage for one analyzer type.
func AnalyzeStage(analyzerType string) Stage {
	return Stage(analyzePrefix + analyzerType)
}

// IsAnalyze reports whether the stage is an analyzer stage.
func (s Stage) IsAnalyze() bool {
	return strings.HasPrefix(string(s), analyzePrefix)
}

// AnalyzerType returns the analyzer type for an analyze stage, or "".
func (s Stage) AnalyzerType() string {
	if !s.IsAnalyze() {
		return ""
	}
	return strings.TrimPrefix(string(s), analyzePrefix)
}

// Valid reports whether the stage is one the pipeline knows how to run.
func (s Stage) Valid() bool {
	return s == StageFetch || s == StageSummarize || (s.IsAnalyze() && s.AnalyzerType() != "")
}

// ResultClass classifies a finished job.
type ResultClass string

// Result classifications recorded on terminal jobs.
const (
	ResultSuccess ResultClass = "success"
	ResultPartial ResultClass = "partial"
	ResultFailed  ResultClass = "failed"
)

// Job represents the metadata persisted for each submitted analysis request.
type Job struct {
	ID            string      `json:"id"`
	WorkspaceID   string      `json:"workspace_id"`
	URL           string      `json:"url"`
	AnalyzerTypes []string    `json:"analyzer_types"`
	State         JobState    `json:"state"`
	Result        ResultClass `json:"result,omitempty"`
	ErrorText     string      `json:"error_text,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	Deadline      time.Time   `json:"deadline"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// Task is one unit of work owned by a job.
type Task struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	WorkspaceID string    `json:"workspace_id"`
	Stage       Stage     `json:"stage"`
	State       TaskState `json:"state"`
	Attempt     int       `json:"attempt"`
	ErrorText   string    `json:"error_text,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Severity grades a finding.
type Severity string

// Finding severities, mildest first.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is one issue reported by an analyzer against the asset bundle.
type Finding struct {
	JobID        string   `json:"job_id"`
	WorkspaceID  string   `json:"workspace_id"`
	AnalyzerType string   `json:"analyzer_type"`
	Severity     Severity `json:"severity"`
	Description  string   `json:"description"`
	Location     string   `json:"location,omitempty"`
}

// BundleRef addresses one job's asset bundle inside the asset store.
type BundleRef struct {
	WorkspaceID string `json:"workspace_id"`
	JobID       string `json:"job_id"`
}

// Prefix returns the tenant-scoped namespace for the bundle.
func (r BundleRef) Prefix() string {
	return fmt.Sprintf("%s/%s", r.WorkspaceID, r.JobID)
}

// Bundle is the immutable snapshot every analyzer of a job reads.
type Bundle struct {
	Ref           BundleRef `json:"ref"`
	DOM           []byte    `json:"-"`
	Stylesheets   []byte    `json:"-"`
	Screenshot    []byte    `json:"-"`
	URL           string    `json:"url"`
	StatusCode    int       `json:"status_code"`
	ContentDigest string    `json:"content_digest"`
	UsedHeadless  bool      `json:"used_headless"`
	CapturedAt    time.Time `json:"captured_at"`
}

// TaskMessage is the broker payload for one task dispatch.
type TaskMessage struct {
	TaskID      string `json:"task_id"`
	JobID       string `json:"job_id"`
	WorkspaceID string `json:"workspace_id"`
	Stage       Stage  `json:"stage"`
	Attempt     int    `json:"attempt"`
	URL         string `json:"url,omitempty"`
}

// CompletionReport is published by workers once per finished attempt.
type CompletionReport struct {
	TaskID    string `json:"task_id"`
	Attempt   int    `json:"attempt"`
	Succeeded bool   `json:"succeeded"`
	ErrorText string `json:"error_text,omitempty"`
}

// AnalyzerSummary aggregates one analyzer's contribution to the report.
type AnalyzerSummary struct {
	AnalyzerType string    `json:"analyzer_type"`
	State        TaskState `json:"state"`
	Findings     int       `json:"findings"`
	Critical     int       `json:"critical"`
	Warnings     int       `json:"warnings"`
}

// Report is the summarize stage output persisted to the bundle namespace.
type Report struct {
	JobID         string            `json:"job_id"`
	WorkspaceID   string            `json:"workspace_id"`
	URL           string            `json:"url"`
	Result        ResultClass       `json:"result"`
	Analyzers     []AnalyzerSummary `json:"analyzers"`
	Findings      []Finding         `json:"findings"`
	ContentDigest string            `json:"content_digest,omitempty"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

// JobStatus is the read-only projection served to callers.
type JobStatus struct {
	Job   Job    `json:"job"`
	Tasks []Task `json:"tasks"`
}
