package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pagelens/pagelens/internal/pipeline"
)

const jobColumns = `id, workspace_id, url, analyzer_types, state, result, error_text, created_at, deadline, completed_at`

// JobStore persists job rows in Postgres.
type JobStore struct {
	pool querier
}

// NewJobStore constructs a JobStore on an existing pool.
func NewJobStore(pool querier) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job pipeline.Job) error {
	query := `
INSERT INTO jobs (id, workspace_id, url, analyzer_types, state, result, error_text, created_at, deadline, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		job.WorkspaceID,
		job.URL,
		job.AnalyzerTypes,
		string(job.State),
		string(job.Result),
		job.ErrorText,
		job.CreatedAt,
		job.Deadline,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches one job scoped to the workspace. A job owned by a different
// workspace reads as missing, so tenants cannot probe for foreign job IDs.
func (s *JobStore) GetJob(ctx context.Context, workspaceID, jobID string) (pipeline.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 AND workspace_id = $2`
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID, workspaceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Job{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// TransitionJob moves a job between states, guarded by the expected current
// state. A concurrent replica that already moved the job loses the race and
// gets ErrInvalidTransition.
func (s *JobStore) TransitionJob(ctx context.Context, jobID string, from, to pipeline.JobState) error {
	query := `UPDATE jobs SET state = $1 WHERE id = $2 AND state = $3`
	tag, err := s.pool.Exec(ctx, query, string(to), jobID, string(from))
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, jobID)
	}
	return nil
}

// CompleteJob moves a job into a terminal state with the same CAS guard.
func (s *JobStore) CompleteJob(
	ctx context.Context,
	jobID string,
	from, to pipeline.JobState,
	result pipeline.ResultClass,
	errText string,
	at time.Time,
) error {
	query := `
UPDATE jobs SET state = $1, result = $2, error_text = $3, completed_at = $4
WHERE id = $5 AND state = $6`
	tag, err := s.pool.Exec(ctx, query, string(to), string(result), errText, at, jobID, string(from))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, jobID)
	}
	return nil
}

// ListOverdueJobs returns non-terminal jobs whose deadline passed.
func (s *JobStore) ListOverdueJobs(ctx context.Context, now time.Time) ([]pipeline.Job, error) {
	query := `
SELECT ` + jobColumns + ` FROM jobs
WHERE deadline <= $1 AND state NOT IN ('completed', 'completed_with_errors', 'failed')
ORDER BY deadline`
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("select overdue jobs: %w", err)
	}
	defer rows.Close()

	var jobs []pipeline.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan overdue job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overdue jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) classifyMiss(ctx context.Context, jobID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check job existence: %w", err)
	}
	if !exists {
		return pipeline.ErrNotFound
	}
	return pipeline.ErrInvalidTransition
}

func scanJob(row pgx.Row) (pipeline.Job, error) {
	var (
		job         pipeline.Job
		state       string
		result      string
		completedAt *time.Time
	)
	err := row.Scan(
		&job.ID,
		&job.WorkspaceID,
		&job.URL,
		&job.AnalyzerTypes,
		&state,
		&result,
		&job.ErrorText,
		&job.CreatedAt,
		&job.Deadline,
		&completedAt,
	)
	if err != nil {
		return pipeline.Job{}, err
	}
	job.State = pipeline.JobState(state)
	job.Result = pipeline.ResultClass(result)
	job.CompletedAt = completedAt
	return job, nil
}
