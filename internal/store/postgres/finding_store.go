package postgres

import (
	"context"
	"fmt"

	"github.com/pagelens/pagelens/internal/pipeline"
)

// FindingStore persists analyzer findings in Postgres. Rows are keyed by
// (task_id, attempt, ordinal), so a redelivered attempt re-inserts the same
// rows and the conflicts are ignored instead of duplicating findings.
type FindingStore struct {
	pool querier
}

// NewFindingStore constructs a FindingStore on an existing pool.
func NewFindingStore(pool querier) (*FindingStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &FindingStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *FindingStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// AppendFindings inserts the findings for one (taskID, attempt).
func (s *FindingStore) AppendFindings(ctx context.Context, taskID string, attempt int, findings []pipeline.Finding) error {
	query := `
INSERT INTO findings (task_id, attempt, ordinal, job_id, workspace_id, analyzer_type, severity, description, location)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (task_id, attempt, ordinal) DO NOTHING`
	for i, f := range findings {
		_, err := s.pool.Exec(ctx, query,
			taskID,
			attempt,
			i,
			f.JobID,
			f.WorkspaceID,
			f.AnalyzerType,
			string(f.Severity),
			f.Description,
			f.Location,
		)
		if err != nil {
			return fmt.Errorf("insert finding: %w", err)
		}
	}
	return nil
}

// ListFindings returns all findings recorded for the job.
func (s *FindingStore) ListFindings(ctx context.Context, workspaceID, jobID string) ([]pipeline.Finding, error) {
	query := `
SELECT job_id, workspace_id, analyzer_type, severity, description, location
FROM findings
WHERE workspace_id = $1 AND job_id = $2
ORDER BY analyzer_type, task_id, attempt, ordinal`
	rows, err := s.pool.Query(ctx, query, workspaceID, jobID)
	if err != nil {
		return nil, fmt.Errorf("select findings: %w", err)
	}
	defer rows.Close()

	var findings []pipeline.Finding
	for rows.Next() {
		var (
			f        pipeline.Finding
			severity string
		)
		if err := rows.Scan(&f.JobID, &f.WorkspaceID, &f.AnalyzerType, &severity, &f.Description, &f.Location); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.Severity = pipeline.Severity(severity)
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate findings: %w", err)
	}
	return findings, nil
}
