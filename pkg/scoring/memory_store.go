package scoring

import (
	"context"
	"sync"
)

// MemoryStore is the in-memory window store used in tests and single-node
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	windows map[string][]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]int)}
}

func (s *MemoryStore) Push(_ context.Context, actorID string, delta, window int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deltas := append([]int{delta}, s.windows[actorID]...)
	if len(deltas) > window {
		deltas = deltas[:window]
	}

	s.windows[actorID] = deltas

	return nil
}

func (s *MemoryStore) Deltas(_ context.Context, actorID string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deltas := make([]int, len(s.windows[actorID]))
	copy(deltas, s.windows[actorID])

	return deltas, nil
}

func (s *MemoryStore) Close() error { return nil }
