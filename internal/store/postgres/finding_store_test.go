package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/pagelens/pagelens/internal/pipeline"
)

func newFindingStore(t *testing.T) (*FindingStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewFindingStore(mock)
	require.NoError(t, err)
	return store, mock
}

func TestFindingStoreAppendFindings(t *testing.T) {
	t.Parallel()

	store, mock := newFindingStore(t)
	findings := []pipeline.Finding{
		{JobID: "job-1", WorkspaceID: "ws-a", AnalyzerType: "seo", Severity: pipeline.SeverityWarning, Description: "missing meta description", Location: "head"},
		{JobID: "job-1", WorkspaceID: "ws-a", AnalyzerType: "seo", Severity: pipeline.SeverityCritical, Description: "noindex directive", Location: "head"},
	}

	mock.ExpectExec("INSERT INTO findings").
		WithArgs("t-1", 1, 0, "job-1", "ws-a", "seo", "warning", "missing meta description", "head").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO findings").
		WithArgs("t-1", 1, 1, "job-1", "ws-a", "seo", "critical", "noindex directive", "head").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.AppendFindings(context.Background(), "t-1", 1, findings))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindingStoreAppendFindingsRedelivery(t *testing.T) {
	t.Parallel()

	store, mock := newFindingStore(t)

	// A redelivered attempt hits the conflict target and inserts nothing.
	mock.ExpectExec("INSERT INTO findings").
		WithArgs("t-1", 1, 0, "job-1", "ws-a", "seo", "warning", "missing meta description", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := store.AppendFindings(context.Background(), "t-1", 1, []pipeline.Finding{
		{JobID: "job-1", WorkspaceID: "ws-a", AnalyzerType: "seo", Severity: pipeline.SeverityWarning, Description: "missing meta description"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindingStoreListFindings(t *testing.T) {
	t.Parallel()

	store, mock := newFindingStore(t)

	mock.ExpectQuery("SELECT job_id, workspace_id, analyzer_type, severity, description, location\\s+FROM findings").
		WithArgs("ws-a", "job-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"job_id", "workspace_id", "analyzer_type", "severity", "description", "location",
		}).
			AddRow("job-1", "ws-a", "accessibility", "critical", "img missing alt", "img[2]").
			AddRow("job-1", "ws-a", "seo", "warning", "missing meta description", "head"))

	findings, err := store.ListFindings(context.Background(), "ws-a", "job-1")
	require.NoError(t, err)
	require.Len(t, findings, 2)
	require.Equal(t, "accessibility", findings[0].AnalyzerType)
	require.Equal(t, pipeline.SeverityCritical, findings[0].Severity)
	require.Equal(t, "seo", findings[1].AnalyzerType)
	require.NoError(t, mock.ExpectationsWereMet())
}
