package outbox

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps entries for the lifetime of the process. It survives
// reconnects but not restarts.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Enqueue(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) Pending(ctx context.Context, owner string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Entry{}
	for _, e := range s.entries {
		if limit > 0 && len(out) == limit {
			break
		}
		if e.Owner == owner {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Remove(ctx context.Context, owner string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.ID == id && e.Owner == owner {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
