// Package summary implements the summarize stage: once every analyzer task
// is terminal, it aggregates their findings into the final report.
package summary

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pagelens/pagelens/internal/pipeline"
)

// Summarizer aggregates a job's findings and writes the report into the
// job's bundle namespace. The write is an idempotent overwrite, so a
// redelivered summarize task regenerates an identical report.
type Summarizer struct {
	jobs     pipeline.JobStore
	tasks    pipeline.TaskStore
	findings pipeline.FindingStore
	bundles  pipeline.BundleStore
	clock    pipeline.Clock
	logger   *zap.Logger
}

// New constructs a Summarizer.
func New(
	jobs pipeline.JobStore,
	tasks pipeline.TaskStore,
	findings pipeline.FindingStore,
	bundles pipeline.BundleStore,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Summarizer {
	return &Summarizer{
		jobs:     jobs,
		tasks:    tasks,
		findings: findings,
		bundles:  bundles,
		clock:    clock,
		logger:   logger,
	}
}

// Execute builds and durably writes the report before returning.
func (s *Summarizer) Execute(ctx context.Context, msg pipeline.TaskMessage) error {
	job, err := s.jobs.GetJob(ctx, msg.WorkspaceID, msg.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	tasks, err := s.tasks.ListTasks(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	findings, err := s.findings.ListFindings(ctx, msg.WorkspaceID, msg.JobID)
	if err != nil {
		return fmt.Errorf("list findings: %w", err)
	}

	report := Build(job, tasks, findings, s.clock.Now())

	ref := pipeline.BundleRef{WorkspaceID: msg.WorkspaceID, JobID: msg.JobID}
	if bundle, err := s.bundles.GetBundle(ctx, ref); err == nil {
		report.ContentDigest = bundle.ContentDigest
	}
	if err := s.bundles.PutReport(ctx, ref, report); err != nil {
		return fmt.Errorf("persist report: %w", err)
	}
	s.logger.Info("report written",
		zap.String("job_id", msg.JobID),
		zap.String("result", string(report.Result)),
		zap.Int("findings", len(report.Findings)),
	)
	return nil
}

// Build aggregates tasks and findings into a report. A permanently failed
// analyzer contributes zero findings and degrades the classification to
// partial, but never blocks the report.
func Build(job pipeline.Job, tasks []pipeline.Task, findings []pipeline.Finding, now time.Time) pipeline.Report {
	perAnalyzer := make(map[string]*pipeline.AnalyzerSummary)
	for _, t := range tasks {
		if !t.Stage.IsAnalyze() {
			continue
		}
		perAnalyzer[t.Stage.AnalyzerType()] = &pipeline.AnalyzerSummary{
			AnalyzerType: t.Stage.AnalyzerType(),
			State:        t.State,
		}
	}
	for _, f := range findings {
		s, ok := perAnalyzer[f.AnalyzerType]
		if !ok {
			continue
		}
		s.Findings++
		switch f.Severity {
		case pipeline.SeverityCritical:
			s.Critical++
		case pipeline.SeverityWarning:
			s.Warnings++
		}
	}

	result := pipeline.ResultSuccess
	summaries := make([]pipeline.AnalyzerSummary, 0, len(perAnalyzer))
	for _, s := range perAnalyzer {
		if s.State == pipeline.TaskStatePermanentlyFailed {
			result = pipeline.ResultPartial
		}
		summaries = append(summaries, *s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].AnalyzerType < summaries[j].AnalyzerType
	})

	return pipeline.Report{
		JobID:       job.ID,
		WorkspaceID: job.WorkspaceID,
		URL:         job.URL,
		Result:      result,
		Analyzers:   summaries,
		Findings:    findings,
		GeneratedAt: now,
	}
}
