package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pagelens/pagelens/internal/pipeline"
)

// AnalyzeExecutor reads the job's asset bundle and runs one analyzer over it.
// Findings are appended deduplicated by (taskID, attempt), so a redelivered
// attempt cannot double-count.
type AnalyzeExecutor struct {
	analyzer pipeline.Analyzer
	bundles  pipeline.BundleStore
	findings pipeline.FindingStore
	logger   *zap.Logger
}

// NewAnalyzeExecutor constructs an AnalyzeExecutor.
func NewAnalyzeExecutor(analyzer pipeline.Analyzer, bundles pipeline.BundleStore, findings pipeline.FindingStore, logger *zap.Logger) *AnalyzeExecutor {
	return &AnalyzeExecutor{
		analyzer: analyzer,
		bundles:  bundles,
		findings: findings,
		logger:   logger,
	}
}

// Execute analyzes the bundle and durably appends findings before returning.
func (e *AnalyzeExecutor) Execute(ctx context.Context, msg pipeline.TaskMessage) error {
	ref := pipeline.BundleRef{WorkspaceID: msg.WorkspaceID, JobID: msg.JobID}
	bundle, err := e.bundles.GetBundle(ctx, ref)
	if err != nil {
		return fmt.Errorf("load bundle %s: %w", ref.Prefix(), err)
	}
	found, err := e.analyzer.Analyze(ctx, bundle)
	if err != nil {
		return fmt.Errorf("analyze %s: %w", e.analyzer.Type(), err)
	}
	for i := range found {
		found[i].JobID = msg.JobID
		found[i].WorkspaceID = msg.WorkspaceID
		found[i].AnalyzerType = e.analyzer.Type()
	}
	if err := e.findings.AppendFindings(ctx, msg.TaskID, msg.Attempt, found); err != nil {
		return fmt.Errorf("persist findings: %w", err)
	}
	e.logger.Debug("analyzer finished",
		zap.String("job_id", msg.JobID),
		zap.String("analyzer", e.analyzer.Type()),
		zap.Int("findings", len(found)),
	)
	return nil
}
