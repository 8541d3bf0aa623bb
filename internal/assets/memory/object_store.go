// Package memory contains an in-memory object store for tests.
package memory

import (
	"context"
	"sync"

	"github.com/pagelens/pagelens/internal/assets"
)

// ObjectStore stores objects in a map for inspection.
type ObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// New returns a memory ObjectStore.
func New() *ObjectStore {
	return &ObjectStore{objects: make(map[string][]byte)}
}

// Put stores a copy of the data under path.
func (s *ObjectStore) Put(_ context.Context, path, _ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[path] = cp
	return nil
}

// Get returns a copy of the stored data.
func (s *ObjectStore) Get(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, assets.ErrObjectNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Len returns the number of stored objects.
func (s *ObjectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
