package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pagelens/pagelens/internal/pipeline"
)

// TaskStore keeps task rows in a map guarded by a mutex.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]pipeline.Task
	byJob map[string][]string
	clock pipeline.Clock
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore(clock pipeline.Clock) *TaskStore {
	return &TaskStore{
		tasks: make(map[string]pipeline.Task),
		byJob: make(map[string][]string),
		clock: clock,
	}
}

// CreateTask stores a new task row in PENDING.
func (s *TaskStore) CreateTask(_ context.Context, task pipeline.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	if task.State == "" {
		task.State = pipeline.TaskStatePending
	}
	if task.Attempt == 0 {
		task.Attempt = 1
	}
	task.UpdatedAt = s.now()
	s.tasks[task.ID] = task
	s.byJob[task.JobID] = append(s.byJob[task.JobID], task.ID)
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (pipeline.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return pipeline.Task{}, pipeline.ErrNotFound
	}
	return task, nil
}

// ListTasks returns all tasks for a job in creation order.
func (s *TaskStore) ListTasks(_ context.Context, jobID string) ([]pipeline.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byJob[jobID]
	out := make([]pipeline.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.tasks[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkDispatched transitions PENDING -> DISPATCHED.
func (s *TaskStore) MarkDispatched(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if task.State != pipeline.TaskStatePending {
		return pipeline.ErrInvalidTransition
	}
	task.State = pipeline.TaskStateDispatched
	task.UpdatedAt = s.now()
	s.tasks[taskID] = task
	return nil
}

// MarkTerminal transitions DISPATCHED -> SUCCEEDED or FAILED for the given
// attempt. The (taskID, attempt) pair is the idempotency key: stale attempts
// and reports against terminal tasks return ErrDuplicateCompletion.
func (s *TaskStore) MarkTerminal(
	_ context.Context,
	taskID string,
	attempt int,
	succeeded, exhausted bool,
	errText string,
) (pipeline.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return pipeline.Task{}, pipeline.ErrNotFound
	}
	if task.State.Terminal() || task.Attempt != attempt {
		return task, pipeline.ErrDuplicateCompletion
	}
	if task.State != pipeline.TaskStateDispatched {
		return task, pipeline.ErrInvalidTransition
	}
	switch {
	case succeeded:
		task.State = pipeline.TaskStateSucceeded
		task.ErrorText = ""
	case exhausted:
		task.State = pipeline.TaskStatePermanentlyFailed
		task.ErrorText = errText
	default:
		task.State = pipeline.TaskStateFailed
		task.ErrorText = errText
	}
	task.UpdatedAt = s.now()
	s.tasks[taskID] = task
	return task, nil
}

// Requeue transitions FAILED -> PENDING and bumps the attempt count.
func (s *TaskStore) Requeue(_ context.Context, taskID string) (pipeline.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return pipeline.Task{}, pipeline.ErrNotFound
	}
	if task.State != pipeline.TaskStateFailed {
		return task, pipeline.ErrInvalidTransition
	}
	task.State = pipeline.TaskStatePending
	task.Attempt++
	task.UpdatedAt = s.now()
	s.tasks[taskID] = task
	return task, nil
}

// CountRemainingAnalyze counts analyze tasks for the job that are not yet
// terminal.
func (s *TaskStore) CountRemainingAnalyze(_ context.Context, jobID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	remaining := 0
	for _, id := range s.byJob[jobID] {
		task := s.tasks[id]
		if task.Stage.IsAnalyze() && !task.State.Terminal() {
			remaining++
		}
	}
	return remaining, nil
}

func (s *TaskStore) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}
