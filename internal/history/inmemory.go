package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultPerClient = 50

// InMemoryStore keeps the most recent runs of each client in process.
type InMemoryStore struct {
	mu        sync.RWMutex
	perClient int
	runs      map[string][]Run
}

func NewInMemoryStore(perClient int) *InMemoryStore {
	if perClient <= 0 {
		perClient = defaultPerClient
	}
	return &InMemoryStore{perClient: perClient, runs: make(map[string][]Run)}
}

func (s *InMemoryStore) Record(_ context.Context, run Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.EndedAt.IsZero() {
		run.EndedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.runs[run.ClientID], run)
	if over := len(arr) - s.perClient; over > 0 {
		arr = append([]Run(nil), arr[over:]...)
	}
	s.runs[run.ClientID] = arr
	return nil
}

func (s *InMemoryStore) ListByClient(_ context.Context, clientID string, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.runs[clientID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Run, 0, limit)
	for i := len(arr) - 1; i >= len(arr)-limit; i-- {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
