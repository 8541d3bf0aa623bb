package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pagelens/pagelens/internal/pipeline"
)

const taskColumns = `id, job_id, workspace_id, stage, state, attempt, error_text, updated_at`

// TaskStore persists task rows in Postgres.
type TaskStore struct {
	pool  querier
	clock pipeline.Clock
}

// NewTaskStore constructs a TaskStore on an existing pool.
func NewTaskStore(pool querier, clock pipeline.Clock) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &TaskStore{pool: pool, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateTask inserts a new task row in PENDING.
func (s *TaskStore) CreateTask(ctx context.Context, task pipeline.Task) error {
	if task.State == "" {
		task.State = pipeline.TaskStatePending
	}
	if task.Attempt == 0 {
		task.Attempt = 1
	}
	query := `
INSERT INTO tasks (id, job_id, workspace_id, stage, state, attempt, error_text, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, query,
		task.ID,
		task.JobID,
		task.WorkspaceID,
		string(task.Stage),
		string(task.State),
		task.Attempt,
		task.ErrorText,
		s.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (pipeline.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	task, err := scanTask(s.pool.QueryRow(ctx, query, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Task{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Task{}, fmt.Errorf("select task: %w", err)
	}
	return task, nil
}

// ListTasks returns all tasks for a job.
func (s *TaskStore) ListTasks(ctx context.Context, jobID string) ([]pipeline.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE job_id = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}
	defer rows.Close()

	var tasks []pipeline.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// MarkDispatched transitions PENDING -> DISPATCHED.
func (s *TaskStore) MarkDispatched(ctx context.Context, taskID string) error {
	query := `UPDATE tasks SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`
	tag, err := s.pool.Exec(ctx, query,
		string(pipeline.TaskStateDispatched),
		s.clock.Now(),
		taskID,
		string(pipeline.TaskStatePending),
	)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_, classifyErr := s.classifyMiss(ctx, taskID, 0)
		return classifyErr
	}
	return nil
}

// MarkTerminal transitions DISPATCHED -> SUCCEEDED or FAILED for the given
// attempt. The (taskID, attempt) pair is the idempotency key: stale attempts
// and reports against terminal tasks return ErrDuplicateCompletion.
func (s *TaskStore) MarkTerminal(
	ctx context.Context,
	taskID string,
	attempt int,
	succeeded, exhausted bool,
	errText string,
) (pipeline.Task, error) {
	newState := pipeline.TaskStateFailed
	switch {
	case succeeded:
		newState = pipeline.TaskStateSucceeded
		errText = ""
	case exhausted:
		newState = pipeline.TaskStatePermanentlyFailed
	}

	query := `
UPDATE tasks SET state = $1, error_text = $2, updated_at = $3
WHERE id = $4 AND attempt = $5 AND state = $6
RETURNING ` + taskColumns
	task, err := scanTask(s.pool.QueryRow(ctx, query,
		string(newState),
		errText,
		s.clock.Now(),
		taskID,
		attempt,
		string(pipeline.TaskStateDispatched),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.classifyMiss(ctx, taskID, attempt)
	}
	if err != nil {
		return pipeline.Task{}, fmt.Errorf("mark terminal: %w", err)
	}
	return task, nil
}

// Requeue transitions FAILED -> PENDING and bumps the attempt count.
func (s *TaskStore) Requeue(ctx context.Context, taskID string) (pipeline.Task, error) {
	query := `
UPDATE tasks SET state = $1, attempt = attempt + 1, updated_at = $2
WHERE id = $3 AND state = $4
RETURNING ` + taskColumns
	task, err := scanTask(s.pool.QueryRow(ctx, query,
		string(pipeline.TaskStatePending),
		s.clock.Now(),
		taskID,
		string(pipeline.TaskStateFailed),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.classifyMiss(ctx, taskID, 0)
	}
	if err != nil {
		return pipeline.Task{}, fmt.Errorf("requeue task: %w", err)
	}
	return task, nil
}

// CountRemainingAnalyze counts analyze tasks for the job that are not yet
// terminal.
func (s *TaskStore) CountRemainingAnalyze(ctx context.Context, jobID string) (int, error) {
	query := `
SELECT count(*) FROM tasks
WHERE job_id = $1 AND stage LIKE 'analyze:%' AND state NOT IN ($2, $3)`
	var remaining int
	err := s.pool.QueryRow(ctx, query, jobID,
		string(pipeline.TaskStateSucceeded),
		string(pipeline.TaskStatePermanentlyFailed),
	).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("count remaining analyze tasks: %w", err)
	}
	return remaining, nil
}

// classifyMiss reads the current row to explain why a guarded update matched
// nothing. attempt 0 skips the idempotency-key check.
func (s *TaskStore) classifyMiss(ctx context.Context, taskID string, attempt int) (pipeline.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	task, err := scanTask(s.pool.QueryRow(ctx, query, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Task{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Task{}, fmt.Errorf("select task: %w", err)
	}
	if attempt > 0 && (task.State.Terminal() || task.Attempt != attempt) {
		return task, pipeline.ErrDuplicateCompletion
	}
	return task, pipeline.ErrInvalidTransition
}

func scanTask(row pgx.Row) (pipeline.Task, error) {
	var (
		task  pipeline.Task
		stage string
		state string
	)
	err := row.Scan(
		&task.ID,
		&task.JobID,
		&task.WorkspaceID,
		&stage,
		&state,
		&task.Attempt,
		&task.ErrorText,
		&task.UpdatedAt,
	)
	if err != nil {
		return pipeline.Task{}, err
	}
	task.Stage = pipeline.Stage(stage)
	task.State = pipeline.TaskState(state)
	return task, nil
}
