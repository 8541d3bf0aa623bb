package summary

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagelens/pagelens/internal/assets"
	assetsmem "github.com/pagelens/pagelens/internal/assets/memory"
	"github.com/pagelens/pagelens/internal/pipeline"
	storemem "github.com/pagelens/pagelens/internal/store/memory"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func analyzeTask(id, analyzerType string, state pipeline.TaskState) pipeline.Task {
	return pipeline.Task{
		ID:          id,
		JobID:       "job-1",
		WorkspaceID: "ws-a",
		Stage:       pipeline.AnalyzeStage(analyzerType),
		State:       state,
	}
}

func TestBuildAggregatesPerAnalyzer(t *testing.T) {
	t.Parallel()

	job := pipeline.Job{ID: "job-1", WorkspaceID: "ws-a", URL: "https://example.com"}
	tasks := []pipeline.Task{
		{ID: "t-fetch", JobID: "job-1", Stage: pipeline.StageFetch, State: pipeline.TaskStateSucceeded},
		analyzeTask("t-seo", "seo", pipeline.TaskStateSucceeded),
		analyzeTask("t-a11y", "accessibility", pipeline.TaskStateSucceeded),
	}
	findings := []pipeline.Finding{
		{JobID: "job-1", AnalyzerType: "seo", Severity: pipeline.SeverityCritical},
		{JobID: "job-1", AnalyzerType: "seo", Severity: pipeline.SeverityWarning},
		{JobID: "job-1", AnalyzerType: "accessibility", Severity: pipeline.SeverityInfo},
	}
	now := time.Unix(1700000000, 0).UTC()

	report := Build(job, tasks, findings, now)

	require.Equal(t, pipeline.ResultSuccess, report.Result)
	require.Equal(t, now, report.GeneratedAt)
	require.Len(t, report.Analyzers, 2)

	// Summaries come back sorted by analyzer type.
	require.Equal(t, "accessibility", report.Analyzers[0].AnalyzerType)
	require.Equal(t, 1, report.Analyzers[0].Findings)
	require.Equal(t, "seo", report.Analyzers[1].AnalyzerType)
	require.Equal(t, 2, report.Analyzers[1].Findings)
	require.Equal(t, 1, report.Analyzers[1].Critical)
	require.Equal(t, 1, report.Analyzers[1].Warnings)
}

func TestBuildDegradesToPartialOnExhaustedAnalyzer(t *testing.T) {
	t.Parallel()

	job := pipeline.Job{ID: "job-1", WorkspaceID: "ws-a"}
	tasks := []pipeline.Task{
		analyzeTask("t-seo", "seo", pipeline.TaskStateSucceeded),
		analyzeTask("t-perf", "performance", pipeline.TaskStatePermanentlyFailed),
	}

	report := Build(job, tasks, nil, time.Unix(1700000000, 0).UTC())
	require.Equal(t, pipeline.ResultPartial, report.Result)
}

func TestSummarizerWritesReport(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fixedClock{now: time.Unix(1700000000, 0).UTC()}
	jobs := storemem.NewJobStore()
	tasks := storemem.NewTaskStore(clock)
	findings := storemem.NewFindingStore()
	bundles := assets.NewStore(assetsmem.New())

	require.NoError(t, jobs.CreateJob(ctx, pipeline.Job{
		ID:          "job-1",
		WorkspaceID: "ws-a",
		URL:         "https://example.com",
		State:       pipeline.JobStateSummarizing,
	}))
	require.NoError(t, tasks.CreateTask(ctx, analyzeTask("t-seo", "seo", pipeline.TaskStateSucceeded)))
	require.NoError(t, findings.AppendFindings(ctx, "t-seo", 1, []pipeline.Finding{
		{JobID: "job-1", WorkspaceID: "ws-a", AnalyzerType: "seo", Severity: pipeline.SeverityWarning, Description: "no meta description"},
	}))
	require.NoError(t, bundles.PutBundle(ctx, pipeline.Bundle{
		Ref:           pipeline.BundleRef{WorkspaceID: "ws-a", JobID: "job-1"},
		DOM:           []byte("<html></html>"),
		ContentDigest: "digest-1",
	}))

	s := New(jobs, tasks, findings, bundles, clock, zap.NewNop())
	msg := pipeline.TaskMessage{TaskID: "t-sum", JobID: "job-1", WorkspaceID: "ws-a", Stage: pipeline.StageSummarize, Attempt: 1}
	require.NoError(t, s.Execute(ctx, msg))

	report, err := bundles.GetReport(ctx, pipeline.BundleRef{WorkspaceID: "ws-a", JobID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, "job-1", report.JobID)
	require.Equal(t, "digest-1", report.ContentDigest)
	require.Equal(t, pipeline.ResultSuccess, report.Result)
	require.Len(t, report.Findings, 1)

	// Redelivery regenerates the same report.
	require.NoError(t, s.Execute(ctx, msg))
	again, err := bundles.GetReport(ctx, pipeline.BundleRef{WorkspaceID: "ws-a", JobID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, report, again)
}
