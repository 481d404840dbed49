package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. Suitable for tests and
// single-invocation runs where resume across processes is not needed.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*Checkpoint)}
}

func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cp
	copied.Results = append(copied.Results[:0:0], cp.Results...)
	s.checkpoints[cp.Workflow] = &copied
	return nil
}

func (s *MemoryStore) Load(_ context.Context, workflow string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[workflow]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *cp
	copied.Results = append(copied.Results[:0:0], cp.Results...)
	return &copied, nil
}

func (s *MemoryStore) Clear(_ context.Context, workflow string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, workflow)
	return nil
}
