package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps checkpoints in process memory. Suitable for tests and
// single-run sessions that never survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*Checkpoint)}
}

func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	cloned := *cp
	if cloned.SavedAt.IsZero() {
		cloned.SavedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[cp.SessionID] = &cloned
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.data[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cloned := *cp
	return &cloned, nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sessionID)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }
