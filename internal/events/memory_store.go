package events

import (
	"container/list"
	"context"
	"sync"
)

// MemoryStore records events in a bounded in-memory buffer. It backs the
// audit endpoint when no persistent store is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	events  *list.List
	maxSize int
}

// NewMemoryStore creates a MemoryStore holding at most maxSize events.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryStore{
		events:  list.New(),
		maxSize: maxSize,
	}
}

func (s *MemoryStore) Name() string { return "memory" }

// Notify stores the event, dropping the oldest one when full.
func (s *MemoryStore) Notify(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.events.Len() >= s.maxSize {
		s.events.Remove(s.events.Front())
	}
	s.events.PushBack(e)
	return nil
}

// Recent returns up to limit events, newest first.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > s.events.Len() {
		limit = s.events.Len()
	}
	result := make([]Event, 0, limit)
	for elem := s.events.Back(); elem != nil && len(result) < limit; elem = elem.Prev() {
		result = append(result, elem.Value.(Event))
	}
	return result, nil
}

// Len returns the number of buffered events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events.Len()
}
