package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagelens/pagelens/internal/pipeline"
)

func TestJobStoreWorkspaceIsolation(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, pipeline.Job{
		ID:          "job-1",
		WorkspaceID: "ws-a",
		URL:         "https://example.com",
		State:       pipeline.JobStatePending,
	}))

	job, err := store.GetJob(ctx, "ws-a", "job-1")
	require.NoError(t, err)
	require.Equal(t, "ws-a", job.WorkspaceID)

	// A foreign workspace reads the job as missing, same as a bogus ID.
	_, err = store.GetJob(ctx, "ws-b", "job-1")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	_, err = store.GetJob(ctx, "ws-a", "no-such-job")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestJobStoreTransitionCAS(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, pipeline.Job{
		ID:          "job-1",
		WorkspaceID: "ws-a",
		State:       pipeline.JobStatePending,
	}))

	require.NoError(t, store.TransitionJob(ctx, "job-1", pipeline.JobStatePending, pipeline.JobStateFetching))

	// A second replica loses the race.
	err := store.TransitionJob(ctx, "job-1", pipeline.JobStatePending, pipeline.JobStateFetching)
	require.ErrorIs(t, err, pipeline.ErrInvalidTransition)

	err = store.TransitionJob(ctx, "missing", pipeline.JobStatePending, pipeline.JobStateFetching)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestJobStoreCompleteJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, pipeline.Job{
		ID:          "job-1",
		WorkspaceID: "ws-a",
		State:       pipeline.JobStateSummarizing,
	}))

	at := time.Unix(1700000000, 0).UTC()
	require.NoError(t, store.CompleteJob(ctx, "job-1", pipeline.JobStateSummarizing, pipeline.JobStateCompleted, pipeline.ResultSuccess, "", at))

	job, err := store.GetJob(ctx, "ws-a", "job-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStateCompleted, job.State)
	require.Equal(t, pipeline.ResultSuccess, job.Result)
	require.NotNil(t, job.CompletedAt)
	require.Equal(t, at, *job.CompletedAt)

	// Terminal jobs reject further completion attempts.
	err = store.CompleteJob(ctx, "job-1", pipeline.JobStateSummarizing, pipeline.JobStateFailed, pipeline.ResultFailed, "late", at)
	require.ErrorIs(t, err, pipeline.ErrInvalidTransition)
}

func TestJobStoreListOverdueJobs(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, store.CreateJob(ctx, pipeline.Job{
		ID: "overdue", WorkspaceID: "ws-a", State: pipeline.JobStateAnalyzing, Deadline: now.Add(-time.Minute),
	}))
	require.NoError(t, store.CreateJob(ctx, pipeline.Job{
		ID: "in-budget", WorkspaceID: "ws-a", State: pipeline.JobStateAnalyzing, Deadline: now.Add(time.Minute),
	}))
	require.NoError(t, store.CreateJob(ctx, pipeline.Job{
		ID: "done", WorkspaceID: "ws-a", State: pipeline.JobStateCompleted, Deadline: now.Add(-time.Hour),
	}))

	overdue, err := store.ListOverdueJobs(ctx, now)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	require.Equal(t, "overdue", overdue[0].ID)
}
