package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/pagelens/pagelens/internal/pipeline"
)

var taskColumnNames = []string{
	"id", "job_id", "workspace_id", "stage", "state", "attempt", "error_text", "updated_at",
}

type frozenClock struct{ now time.Time }

func (c frozenClock) Now() time.Time { return c.now }

func newTaskStore(t *testing.T) (*TaskStore, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	now := time.Unix(1700000000, 0).UTC()
	store, err := NewTaskStore(mock, frozenClock{now: now})
	require.NoError(t, err)
	return store, mock, now
}

func TestTaskStoreCreateTaskDefaults(t *testing.T) {
	t.Parallel()

	store, mock, now := newTaskStore(t)

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs("t-1", "job-1", "ws-a", "fetch", "pending", 1, "", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.CreateTask(context.Background(), pipeline.Task{
		ID:          "t-1",
		JobID:       "job-1",
		WorkspaceID: "ws-a",
		Stage:       pipeline.StageFetch,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreMarkDispatched(t *testing.T) {
	t.Parallel()

	store, mock, now := newTaskStore(t)

	mock.ExpectExec("UPDATE tasks SET state = \\$1, updated_at = \\$2").
		WithArgs("dispatched", now, "t-1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.MarkDispatched(context.Background(), "t-1"))

	// Worker already completed the task before the dispatch mark landed.
	mock.ExpectExec("UPDATE tasks SET state = \\$1, updated_at = \\$2").
		WithArgs("dispatched", now, "t-1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id = \\$1").
		WithArgs("t-1").
		WillReturnRows(pgxmock.NewRows(taskColumnNames).AddRow(
			"t-1", "job-1", "ws-a", "fetch", "succeeded", 1, "", now,
		))
	err := store.MarkDispatched(context.Background(), "t-1")
	require.ErrorIs(t, err, pipeline.ErrInvalidTransition)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreMarkTerminal(t *testing.T) {
	t.Parallel()

	store, mock, now := newTaskStore(t)
	ctx := context.Background()

	mock.ExpectQuery("UPDATE tasks SET state = \\$1, error_text = \\$2").
		WithArgs("succeeded", "", now, "t-1", 1, "dispatched").
		WillReturnRows(pgxmock.NewRows(taskColumnNames).AddRow(
			"t-1", "job-1", "ws-a", "fetch", "succeeded", 1, "", now,
		))
	task, err := store.MarkTerminal(ctx, "t-1", 1, true, false, "")
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskStateSucceeded, task.State)

	// Retryable failure keeps the error text.
	mock.ExpectQuery("UPDATE tasks SET state = \\$1, error_text = \\$2").
		WithArgs("failed", "timeout", now, "t-2", 1, "dispatched").
		WillReturnRows(pgxmock.NewRows(taskColumnNames).AddRow(
			"t-2", "job-1", "ws-a", "fetch", "failed", 1, "timeout", now,
		))
	task, err = store.MarkTerminal(ctx, "t-2", 1, false, false, "timeout")
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskStateFailed, task.State)
	require.Equal(t, "timeout", task.ErrorText)

	// Exhausted attempts fail permanently.
	mock.ExpectQuery("UPDATE tasks SET state = \\$1, error_text = \\$2").
		WithArgs("permanently_failed", "timeout", now, "t-3", 3, "dispatched").
		WillReturnRows(pgxmock.NewRows(taskColumnNames).AddRow(
			"t-3", "job-1", "ws-a", "fetch", "permanently_failed", 3, "timeout", now,
		))
	task, err = store.MarkTerminal(ctx, "t-3", 3, false, true, "timeout")
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskStatePermanentlyFailed, task.State)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreMarkTerminalDuplicate(t *testing.T) {
	t.Parallel()

	store, mock, now := newTaskStore(t)
	ctx := context.Background()

	// Redelivery against an already-terminal task.
	mock.ExpectQuery("UPDATE tasks SET state = \\$1, error_text = \\$2").
		WithArgs("succeeded", "", now, "t-1", 1, "dispatched").
		WillReturnRows(pgxmock.NewRows(taskColumnNames))
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id = \\$1").
		WithArgs("t-1").
		WillReturnRows(pgxmock.NewRows(taskColumnNames).AddRow(
			"t-1", "job-1", "ws-a", "fetch", "succeeded", 1, "", now,
		))
	task, err := store.MarkTerminal(ctx, "t-1", 1, true, false, "")
	require.ErrorIs(t, err, pipeline.ErrDuplicateCompletion)
	require.Equal(t, pipeline.TaskStateSucceeded, task.State)

	// Stale attempt: the task has already been requeued past it.
	mock.ExpectQuery("UPDATE tasks SET state = \\$1, error_text = \\$2").
		WithArgs("succeeded", "", now, "t-2", 1, "dispatched").
		WillReturnRows(pgxmock.NewRows(taskColumnNames))
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id = \\$1").
		WithArgs("t-2").
		WillReturnRows(pgxmock.NewRows(taskColumnNames).AddRow(
			"t-2", "job-1", "ws-a", "fetch", "dispatched", 2, "", now,
		))
	_, err = store.MarkTerminal(ctx, "t-2", 1, true, false, "")
	require.ErrorIs(t, err, pipeline.ErrDuplicateCompletion)

	// Unknown task.
	mock.ExpectQuery("UPDATE tasks SET state = \\$1, error_text = \\$2").
		WithArgs("succeeded", "", now, "gone", 1, "dispatched").
		WillReturnRows(pgxmock.NewRows(taskColumnNames))
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id = \\$1").
		WithArgs("gone").
		WillReturnRows(pgxmock.NewRows(taskColumnNames))
	_, err = store.MarkTerminal(ctx, "gone", 1, true, false, "")
	require.ErrorIs(t, err, pipeline.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreRequeue(t *testing.T) {
	t.Parallel()

	store, mock, now := newTaskStore(t)

	mock.ExpectQuery("UPDATE tasks SET state = \\$1, attempt = attempt \\+ 1").
		WithArgs("pending", now, "t-1", "failed").
		WillReturnRows(pgxmock.NewRows(taskColumnNames).AddRow(
			"t-1", "job-1", "ws-a", "fetch", "pending", 2, "timeout", now,
		))

	task, err := store.Requeue(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskStatePending, task.State)
	require.Equal(t, 2, task.Attempt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreCountRemainingAnalyze(t *testing.T) {
	t.Parallel()

	store, mock, _ := newTaskStore(t)

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM tasks").
		WithArgs("job-1", "succeeded", "permanently_failed").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	remaining, err := store.CountRemainingAnalyze(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, 2, remaining)
	require.NoError(t, mock.ExpectationsWereMet())
}
