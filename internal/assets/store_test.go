package assets_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagelens/pagelens/internal/assets"
	"github.com/pagelens/pagelens/internal/assets/memory"
	"github.com/pagelens/pagelens/internal/pipeline"
)

func testBundle(workspaceID, jobID string) pipeline.Bundle {
	return pipeline.Bundle{
		Ref:           pipeline.BundleRef{WorkspaceID: workspaceID, JobID: jobID},
		DOM:           []byte("<html><body>hello</body></html>"),
		Stylesheets:   []byte("body { margin: 0; }"),
		Screenshot:    []byte{0x89, 0x50, 0x4e, 0x47},
		URL:           "https://example.com",
		StatusCode:    200,
		ContentDigest: "abc123",
		CapturedAt:    time.Unix(1700000000, 0).UTC(),
	}
}

func TestStoreBundleRoundTrip(t *testing.T) {
	t.Parallel()

	store := assets.NewStore(memory.New())
	ctx := context.Background()
	bundle := testBundle("ws-a", "job-1")
	require.NoError(t, store.PutBundle(ctx, bundle))

	got, err := store.GetBundle(ctx, bundle.Ref)
	require.NoError(t, err)
	require.Equal(t, bundle.DOM, got.DOM)
	require.Equal(t, bundle.Stylesheets, got.Stylesheets)
	require.Equal(t, bundle.Screenshot, got.Screenshot)
	require.Equal(t, bundle.ContentDigest, got.ContentDigest)
	require.Equal(t, bundle.StatusCode, got.StatusCode)
}

func TestStoreBundleOverwriteIsIdempotent(t *testing.T) {
	t.Parallel()

	store := assets.NewStore(memory.New())
	ctx := context.Background()
	bundle := testBundle("ws-a", "job-1")
	require.NoError(t, store.PutBundle(ctx, bundle))
	require.NoError(t, store.PutBundle(ctx, bundle))

	got, err := store.GetBundle(ctx, bundle.Ref)
	require.NoError(t, err)
	require.Equal(t, bundle.DOM, got.DOM)
}

func TestStoreWorkspaceNamespacesAreDisjoint(t *testing.T) {
	t.Parallel()

	store := assets.NewStore(memory.New())
	ctx := context.Background()
	require.NoError(t, store.PutBundle(ctx, testBundle("ws-a", "job-1")))

	// Same job ID under another workspace is a different namespace.
	_, err := store.GetBundle(ctx, pipeline.BundleRef{WorkspaceID: "ws-b", JobID: "job-1"})
	require.ErrorIs(t, err, pipeline.ErrNotFound)

	other := testBundle("ws-b", "job-1")
	other.DOM = []byte("<html><body>other tenant</body></html>")
	require.NoError(t, store.PutBundle(ctx, other))

	a, err := store.GetBundle(ctx, pipeline.BundleRef{WorkspaceID: "ws-a", JobID: "job-1"})
	require.NoError(t, err)
	b, err := store.GetBundle(ctx, pipeline.BundleRef{WorkspaceID: "ws-b", JobID: "job-1"})
	require.NoError(t, err)
	require.NotEqual(t, a.DOM, b.DOM)
}

func TestStoreReportRoundTrip(t *testing.T) {
	t.Parallel()

	store := assets.NewStore(memory.New())
	ctx := context.Background()
	ref := pipeline.BundleRef{WorkspaceID: "ws-a", JobID: "job-1"}

	_, err := store.GetReport(ctx, ref)
	require.ErrorIs(t, err, pipeline.ErrNotFound)

	report := pipeline.Report{
		JobID:       "job-1",
		WorkspaceID: "ws-a",
		URL:         "https://example.com",
		Result:      pipeline.ResultSuccess,
		GeneratedAt: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, store.PutReport(ctx, ref, report))

	got, err := store.GetReport(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, report, got)

	// Report writes refuse a mismatched ref.
	err = store.PutReport(ctx, pipeline.BundleRef{WorkspaceID: "ws-b", JobID: "job-1"}, report)
	require.ErrorIs(t, err, pipeline.ErrWorkspaceMismatch)
}

func TestStoreRejectsIncompleteRef(t *testing.T) {
	t.Parallel()

	store := assets.NewStore(memory.New())
	err := store.PutBundle(context.Background(), pipeline.Bundle{DOM: []byte("x")})
	require.ErrorIs(t, err, pipeline.ErrInvalidRequest)
}
