// Package memory provides record store implementations for development and
// testing. Semantics mirror the Postgres stores, including the
// compare-and-swap transition guards.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pagelens/pagelens/internal/pipeline"
)

// JobStore keeps job rows in a map guarded by a mutex.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]pipeline.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]pipeline.Job)}
}

// CreateJob stores a new job row.
func (s *JobStore) CreateJob(_ context.Context, job pipeline.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job, verifying the workspace boundary.
func (s *JobStore) GetJob(_ context.Context, workspaceID, jobID string) (pipeline.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.Job{}, pipeline.ErrNotFound
	}
	if job.WorkspaceID != workspaceID {
		// Indistinguishable from a missing job so tenants cannot probe
		// for foreign job IDs.
		return pipeline.Job{}, pipeline.ErrNotFound
	}
	return job, nil
}

// TransitionJob applies a CAS state change.
func (s *JobStore) TransitionJob(_ context.Context, jobID string, from, to pipeline.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if job.State != from {
		return pipeline.ErrInvalidTransition
	}
	job.State = to
	s.jobs[jobID] = job
	return nil
}

// CompleteJob moves a job into a terminal state with its classification.
func (s *JobStore) CompleteJob(
	_ context.Context,
	jobID string,
	from, to pipeline.JobState,
	result pipeline.ResultClass,
	errText string,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if job.State != from {
		return pipeline.ErrInvalidTransition
	}
	job.State = to
	job.Result = result
	job.ErrorText = errText
	ts := at
	job.CompletedAt = &ts
	s.jobs[jobID] = job
	return nil
}

// ListOverdueJobs returns non-terminal jobs whose deadline passed.
func (s *JobStore) ListOverdueJobs(_ context.Context, now time.Time) ([]pipeline.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.Job
	for _, job := range s.jobs {
		if !job.State.Terminal() && !job.Deadline.IsZero() && job.Deadline.Before(now) {
			out = append(out, job)
		}
	}
	return out, nil
}
