package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pagelens/pagelens/internal/pipeline"
)

// FindingStore keeps findings in memory, deduplicated per (taskID, attempt).
type FindingStore struct {
	mu       sync.RWMutex
	byJob    map[string][]pipeline.Finding
	appended map[string]bool
}

// NewFindingStore constructs a FindingStore.
func NewFindingStore() *FindingStore {
	return &FindingStore{
		byJob:    make(map[string][]pipeline.Finding),
		appended: make(map[string]bool),
	}
}

// AppendFindings records an analyzer's findings once per (taskID, attempt).
// A redelivered attempt is silently dropped.
func (s *FindingStore) AppendFindings(_ context.Context, taskID string, attempt int, findings []pipeline.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s/%d", taskID, attempt)
	if s.appended[key] {
		return nil
	}
	s.appended[key] = true
	for _, f := range findings {
		s.byJob[f.JobID] = append(s.byJob[f.JobID], f)
	}
	return nil
}

// ListFindings returns findings for a job, scoped to the workspace.
func (s *FindingStore) ListFindings(_ context.Context, workspaceID, jobID string) ([]pipeline.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.Finding
	for _, f := range s.byJob[jobID] {
		if f.WorkspaceID != workspaceID {
			return nil, pipeline.ErrWorkspaceMismatch
		}
		out = append(out, f)
	}
	return out, nil
}
