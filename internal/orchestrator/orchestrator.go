// Package orchestrator implements the job state machine. It is the only
// component that transitions job state or decides which task runs next.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pagelens/pagelens/internal/metrics"
	"github.com/pagelens/pagelens/internal/pipeline"
)

// Config controls orchestrator behavior.
type Config struct {
	// JobBudget is the overall wall-clock allowance per job; overdue
	// non-terminal jobs are force-failed by the reaper loop.
	JobBudget time.Duration
	// ReapInterval is how often the reaper scans for overdue jobs.
	ReapInterval time.Duration
}

// Orchestrator coordinates the fetch -> analyze fan-out -> summarize pipeline
// purely through the durable record stores and the broker. It may run as
// multiple replicas: every transition is a compare-and-swap on persisted
// state, and losing a race is always a silent no-op.
type Orchestrator struct {
	jobs     pipeline.JobStore
	tasks    pipeline.TaskStore
	broker   pipeline.Broker
	retry    *pipeline.RetryPolicy
	clock    pipeline.Clock
	idGen    pipeline.IDGenerator
	registry []string
	cfg      Config
	logger   *zap.Logger
}

// New constructs an Orchestrator. registry is the static set of analyzer
// types known at startup; jobs may request any subset of it.
func New(
	jobs pipeline.JobStore,
	tasks pipeline.TaskStore,
	broker pipeline.Broker,
	retry *pipeline.RetryPolicy,
	clock pipeline.Clock,
	idGen pipeline.IDGenerator,
	registry []string,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.JobBudget <= 0 {
		cfg.JobBudget = 10 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 15 * time.Second
	}
	sorted := append([]string(nil), registry...)
	sort.Strings(sorted)
	return &Orchestrator{
		jobs:     jobs,
		tasks:    tasks,
		broker:   broker,
		retry:    retry,
		clock:    clock,
		idGen:    idGen,
		registry: sorted,
		cfg:      cfg,
		logger:   logger,
	}
}

// CreateJob validates the request, persists the job and its fetch task, and
// dispatches the fetch. The job row is durable before anything is enqueued.
func (o *Orchestrator) CreateJob(ctx context.Context, workspaceID, rawURL string, analyzerTypes []string) (string, error) {
	types, err := o.validateRequest(workspaceID, rawURL, analyzerTypes)
	if err != nil {
		return "", err
	}

	jobID, err := o.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := o.clock.Now()
	job := pipeline.Job{
		ID:            jobID,
		WorkspaceID:   workspaceID,
		URL:           rawURL,
		AnalyzerTypes: types,
		State:         pipeline.JobStatePending,
		CreatedAt:     now,
		Deadline:      now.Add(o.cfg.JobBudget),
	}
	if err := o.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	task, err := o.createTask(ctx, job, pipeline.StageFetch)
	if err != nil {
		return "", err
	}
	if err := o.jobs.TransitionJob(ctx, jobID, pipeline.JobStatePending, pipeline.JobStateFetching); err != nil {
		return "", fmt.Errorf("transition job to fetching: %w", err)
	}
	if err := o.dispatch(ctx, job, task, 0); err != nil {
		return "", err
	}
	o.logger.Info("job created",
		zap.String("job_id", jobID),
		zap.String("workspace_id", workspaceID),
		zap.Strings("analyzers", types),
	)
	return jobID, nil
}

// OnTaskCompleted handles one delivered completion report. It tolerates
// duplicate deliveries: a report for an already-terminal task or attempt is a
// no-op, and reports for terminal jobs are discarded.
func (o *Orchestrator) OnTaskCompleted(ctx context.Context, report pipeline.CompletionReport) error {
	task, err := o.tasks.GetTask(ctx, report.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", report.TaskID, err)
	}
	job, err := o.jobs.GetJob(ctx, task.WorkspaceID, task.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", task.JobID, err)
	}
	if job.State.Terminal() {
		// Late report after a budget timeout or terminal failure.
		o.logger.Debug("discarding completion for terminal job",
			zap.String("job_id", job.ID),
			zap.String("task_id", task.ID),
		)
		return nil
	}

	// A worker can finish before the dispatcher's own MarkDispatched lands;
	// settle the row forward so the terminal CAS can apply. Stale reports
	// must not touch a newer attempt's PENDING row.
	if task.State == pipeline.TaskStatePending && report.Attempt == task.Attempt {
		if err := o.tasks.MarkDispatched(ctx, task.ID); err != nil && !errors.Is(err, pipeline.ErrInvalidTransition) {
			return fmt.Errorf("mark dispatched: %w", err)
		}
	}

	exhausted := !report.Succeeded && o.retry.Exhausted(task.Attempt)
	current, err := o.tasks.MarkTerminal(ctx, task.ID, report.Attempt, report.Succeeded, exhausted, report.ErrorText)
	switch {
	case errors.Is(err, pipeline.ErrDuplicateCompletion):
		// The completion is already recorded, but the decision after it may
		// not have finished before a crash or transient error; redo it from
		// the persisted row.
		metrics.ObserveDuplicateCompletion(string(task.Stage))
		return o.reconcile(ctx, job, current)
	case errors.Is(err, pipeline.ErrInvalidTransition) && current.State == pipeline.TaskStateFailed:
		// A previous delivery marked the task FAILED and then died before
		// requeueing it.
		return o.requeueTask(ctx, job, current)
	case err != nil:
		return fmt.Errorf("mark terminal: %w", err)
	}
	task = current
	metrics.ObserveTask(string(task.Stage), string(task.State))

	if task.State == pipeline.TaskStateFailed {
		return o.requeueTask(ctx, job, task)
	}

	switch {
	case task.Stage == pipeline.StageFetch:
		return o.onFetchTerminal(ctx, job, task)
	case task.Stage.IsAnalyze():
		return o.onAnalyzeTerminal(ctx, job)
	case task.Stage == pipeline.StageSummarize:
		return o.onSummarizeTerminal(ctx, job, task)
	default:
		return fmt.Errorf("task %s has unknown stage %q", task.ID, task.Stage)
	}
}

// reconcile replays the downstream decision for a completion that was already
// recorded. Broker redeliveries double as crash recovery: whatever a replica
// left unfinished between the terminal mark and its follow-up actions is
// redone here purely from persisted state.
func (o *Orchestrator) reconcile(ctx context.Context, job pipeline.Job, task pipeline.Task) error {
	if task.State == pipeline.TaskStatePending {
		// Requeued, but the retry publish never reached the broker.
		return o.dispatch(ctx, job, task, o.retry.Backoff(task.Attempt-1))
	}
	if !task.State.Terminal() {
		return nil
	}
	switch {
	case task.Stage == pipeline.StageFetch:
		return o.onFetchTerminal(ctx, job, task)
	case task.Stage.IsAnalyze():
		return o.onAnalyzeTerminal(ctx, job)
	case task.Stage == pipeline.StageSummarize:
		return o.onSummarizeTerminal(ctx, job, task)
	default:
		return nil
	}
}

// GetJobStatus is a read-only projection from the record store; it never
// blocks on in-flight work.
func (o *Orchestrator) GetJobStatus(ctx context.Context, workspaceID, jobID string) (pipeline.JobStatus, error) {
	job, err := o.jobs.GetJob(ctx, workspaceID, jobID)
	if err != nil {
		return pipeline.JobStatus{}, err
	}
	tasks, err := o.tasks.ListTasks(ctx, jobID)
	if err != nil {
		return pipeline.JobStatus{}, fmt.Errorf("list tasks: %w", err)
	}
	return pipeline.JobStatus{Job: job, Tasks: tasks}, nil
}

// Run drives the reaper loop until the context finishes.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reapOverdueJobs(ctx)
		}
	}
}

// AnalyzerTypes returns the registered analyzer types.
func (o *Orchestrator) AnalyzerTypes() []string {
	return append([]string(nil), o.registry...)
}

func (o *Orchestrator) validateRequest(workspaceID, rawURL string, analyzerTypes []string) ([]string, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return nil, fmt.Errorf("workspace id is required: %w", pipeline.ErrInvalidRequest)
	}
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("url is required: %w", pipeline.ErrInvalidRequest)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("url %q is not a valid http(s) url: %w", rawURL, pipeline.ErrInvalidRequest)
	}
	if len(analyzerTypes) == 0 {
		analyzerTypes = o.registry
	}
	known := make(map[string]bool, len(o.registry))
	for _, t := range o.registry {
		known[t] = true
	}
	seen := make(map[string]bool, len(analyzerTypes))
	types := make([]string, 0, len(analyzerTypes))
	for _, t := range analyzerTypes {
		if !known[t] {
			return nil, fmt.Errorf("unknown analyzer type %q: %w", t, pipeline.ErrInvalidRequest)
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("at least one analyzer type is required: %w", pipeline.ErrInvalidRequest)
	}
	sort.Strings(types)
	return types, nil
}

func (o *Orchestrator) createTask(ctx context.Context, job pipeline.Job, stage pipeline.Stage) (pipeline.Task, error) {
	taskID, err := o.idGen.NewID()
	if err != nil {
		return pipeline.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	task := pipeline.Task{
		ID:          taskID,
		JobID:       job.ID,
		WorkspaceID: job.WorkspaceID,
		Stage:       stage,
		State:       pipeline.TaskStatePending,
		Attempt:     1,
	}
	if err := o.tasks.CreateTask(ctx, task); err != nil {
		return pipeline.Task{}, fmt.Errorf("create %s task: %w", stage, err)
	}
	return task, nil
}

// dispatch publishes the task message and settles the row to DISPATCHED.
// Publish happens first: a duplicate publish is safe under at-least-once
// semantics, while a DISPATCHED row that never reached the broker is not.
func (o *Orchestrator) dispatch(ctx context.Context, job pipeline.Job, task pipeline.Task, delay time.Duration) error {
	msg := pipeline.TaskMessage{
		TaskID:      task.ID,
		JobID:       job.ID,
		WorkspaceID: job.WorkspaceID,
		Stage:       task.Stage,
		Attempt:     task.Attempt,
	}
	if task.Stage == pipeline.StageFetch {
		msg.URL = job.URL
	}
	if err := o.broker.Publish(ctx, task.Stage, msg, delay); err != nil {
		return fmt.Errorf("publish %s task: %w", task.Stage, err)
	}
	if err := o.tasks.MarkDispatched(ctx, task.ID); err != nil && !errors.Is(err, pipeline.ErrInvalidTransition) {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	return nil
}

func (o *Orchestrator) requeueTask(ctx context.Context, job pipeline.Job, task pipeline.Task) error {
	requeued, err := o.tasks.Requeue(ctx, task.ID)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidTransition) {
			if requeued.State == pipeline.TaskStatePending {
				// Another replica requeued it but may have died before
				// publishing; a duplicate publish is safe.
				return o.dispatch(ctx, job, requeued, o.retry.Backoff(requeued.Attempt-1))
			}
			return nil
		}
		return fmt.Errorf("requeue task: %w", err)
	}
	delay := o.retry.Backoff(requeued.Attempt - 1)
	o.logger.Info("retrying task",
		zap.String("job_id", job.ID),
		zap.String("task_id", task.ID),
		zap.String("stage", string(task.Stage)),
		zap.Int("attempt", requeued.Attempt),
		zap.Duration("backoff", delay),
	)
	metrics.ObserveRetry(string(task.Stage))
	return o.dispatch(ctx, job, requeued, delay)
}

func (o *Orchestrator) onFetchTerminal(ctx context.Context, job pipeline.Job, task pipeline.Task) error {
	if task.State == pipeline.TaskStatePermanentlyFailed {
		return o.completeJob(ctx, job, pipeline.JobStateFailed, pipeline.ResultFailed, task.ErrorText)
	}

	// The CAS decides which replica performs the fan-out. A replay that
	// loses it re-reads the job: in ANALYZING the fan-out may have been cut
	// short by a crash, so fill in whatever is missing.
	err := o.jobs.TransitionJob(ctx, job.ID, pipeline.JobStateFetching, pipeline.JobStateAnalyzing)
	if err != nil {
		if !errors.Is(err, pipeline.ErrInvalidTransition) {
			return fmt.Errorf("transition job to analyzing: %w", err)
		}
		current, getErr := o.jobs.GetJob(ctx, job.WorkspaceID, job.ID)
		if getErr != nil {
			return fmt.Errorf("load job %s: %w", job.ID, getErr)
		}
		if current.State != pipeline.JobStateAnalyzing {
			return nil
		}
		job = current
	}
	if err := o.ensureAnalyzeTasks(ctx, job); err != nil {
		return err
	}
	o.logger.Info("fetch complete, analyzers dispatched",
		zap.String("job_id", job.ID),
		zap.Int("analyzers", len(job.AnalyzerTypes)),
	)
	return nil
}

// ensureAnalyzeTasks creates and dispatches the analyze task for every
// requested type still missing, and re-dispatches ones stranded in PENDING.
// Safe to run repeatedly: existing dispatched tasks are left alone and a
// duplicate publish is absorbed by the at-least-once contract.
func (o *Orchestrator) ensureAnalyzeTasks(ctx context.Context, job pipeline.Job) error {
	existing, err := o.tasks.ListTasks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	byType := make(map[string]pipeline.Task, len(existing))
	for _, t := range existing {
		if t.Stage.IsAnalyze() {
			byType[t.Stage.AnalyzerType()] = t
		}
	}
	for _, analyzerType := range job.AnalyzerTypes {
		task, ok := byType[analyzerType]
		if !ok {
			task, err = o.createTask(ctx, job, pipeline.AnalyzeStage(analyzerType))
			if err != nil {
				return err
			}
		} else if task.State != pipeline.TaskStatePending {
			continue
		}
		if err := o.dispatch(ctx, job, task, 0); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) onAnalyzeTerminal(ctx context.Context, job pipeline.Job) error {
	remaining, err := o.tasks.CountRemainingAnalyze(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("count remaining analyzers: %w", err)
	}
	if remaining > 0 {
		return nil
	}

	// Fan-in: every analyze task is terminal. The CAS keeps the summarize
	// task single even under duplicate delivery; a replay that loses it but
	// finds the job in SUMMARIZING finishes the enqueue a crashed replica
	// may have left undone.
	err = o.jobs.TransitionJob(ctx, job.ID, pipeline.JobStateAnalyzing, pipeline.JobStateSummarizing)
	if err != nil {
		if !errors.Is(err, pipeline.ErrInvalidTransition) {
			return fmt.Errorf("transition job to summarizing: %w", err)
		}
		current, getErr := o.jobs.GetJob(ctx, job.WorkspaceID, job.ID)
		if getErr != nil {
			return fmt.Errorf("load job %s: %w", job.ID, getErr)
		}
		if current.State != pipeline.JobStateSummarizing {
			return nil
		}
		job = current
	}
	return o.ensureSummarizeTask(ctx, job)
}

// ensureSummarizeTask creates and dispatches the summarize task unless it
// already exists; one stranded in PENDING is re-dispatched.
func (o *Orchestrator) ensureSummarizeTask(ctx context.Context, job pipeline.Job) error {
	existing, err := o.tasks.ListTasks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range existing {
		if t.Stage != pipeline.StageSummarize {
			continue
		}
		if t.State == pipeline.TaskStatePending {
			return o.dispatch(ctx, job, t, 0)
		}
		return nil
	}
	summarizeTask, err := o.createTask(ctx, job, pipeline.StageSummarize)
	if err != nil {
		return err
	}
	o.logger.Info("all analyzers terminal, summarize dispatched", zap.String("job_id", job.ID))
	return o.dispatch(ctx, job, summarizeTask, 0)
}

func (o *Orchestrator) onSummarizeTerminal(ctx context.Context, job pipeline.Job, task pipeline.Task) error {
	if task.State == pipeline.TaskStatePermanentlyFailed {
		return o.completeJob(ctx, job, pipeline.JobStateFailed, pipeline.ResultFailed, task.ErrorText)
	}
	tasks, err := o.tasks.ListTasks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	state := pipeline.JobStateCompleted
	result := pipeline.ResultSuccess
	for _, t := range tasks {
		if t.Stage.IsAnalyze() && t.State == pipeline.TaskStatePermanentlyFailed {
			state = pipeline.JobStateCompletedWithErrors
			result = pipeline.ResultPartial
			break
		}
	}
	return o.completeJob(ctx, job, state, result, "")
}

func (o *Orchestrator) completeJob(ctx context.Context, job pipeline.Job, state pipeline.JobState, result pipeline.ResultClass, errText string) error {
	err := o.jobs.CompleteJob(ctx, job.ID, job.State, state, result, errText, o.clock.Now())
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("complete job: %w", err)
	}
	metrics.ObserveJob(string(state))
	o.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("state", string(state)),
		zap.String("result", string(result)),
	)
	return nil
}

func (o *Orchestrator) reapOverdueJobs(ctx context.Context) {
	now := o.clock.Now()
	overdue, err := o.jobs.ListOverdueJobs(ctx, now)
	if err != nil {
		o.logger.Error("list overdue jobs failed", zap.Error(err))
		return
	}
	for _, job := range overdue {
		err := o.jobs.CompleteJob(ctx, job.ID, job.State, pipeline.JobStateFailed, pipeline.ResultFailed, "job budget exceeded", now)
		if err != nil {
			if errors.Is(err, pipeline.ErrInvalidTransition) {
				continue
			}
			o.logger.Error("force-fail overdue job failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		metrics.ObserveJob(string(pipeline.JobStateFailed))
		o.logger.Warn("job exceeded budget, force-failed",
			zap.String("job_id", job.ID),
			zap.Time("deadline", job.Deadline),
		)
	}
}
