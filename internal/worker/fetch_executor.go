package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pagelens/pagelens/internal/pipeline"
)

// FetchExecutor captures the page snapshot and persists the asset bundle.
// The bundle write is an idempotent overwrite keyed by the job namespace, so
// a redelivered fetch task cannot corrupt state.
type FetchExecutor struct {
	fetcher pipeline.Fetcher
	bundles pipeline.BundleStore
	clock   pipeline.Clock
	logger  *zap.Logger
}

// NewFetchExecutor constructs a FetchExecutor.
func NewFetchExecutor(fetcher pipeline.Fetcher, bundles pipeline.BundleStore, clock pipeline.Clock, logger *zap.Logger) *FetchExecutor {
	return &FetchExecutor{
		fetcher: fetcher,
		bundles: bundles,
		clock:   clock,
		logger:  logger,
	}
}

// Execute fetches the URL and durably writes the bundle before returning.
func (e *FetchExecutor) Execute(ctx context.Context, msg pipeline.TaskMessage) error {
	bundle, err := e.fetcher.Fetch(ctx, pipeline.FetchRequest{
		JobID:       msg.JobID,
		WorkspaceID: msg.WorkspaceID,
		URL:         msg.URL,
	})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", msg.URL, err)
	}
	bundle.Ref = pipeline.BundleRef{WorkspaceID: msg.WorkspaceID, JobID: msg.JobID}
	bundle.CapturedAt = e.clock.Now()
	if err := e.bundles.PutBundle(ctx, bundle); err != nil {
		return fmt.Errorf("persist bundle: %w", err)
	}
	e.logger.Debug("bundle written",
		zap.String("job_id", msg.JobID),
		zap.String("digest", bundle.ContentDigest),
		zap.Bool("headless", bundle.UsedHeadless),
	)
	return nil
}
