// Package presence keeps the process-wide set of online user ids.
package presence

import (
	"sort"
	"sync"
)

// Tracker is rebuilt from a snapshot on every (re)connect and adjusted by
// join/leave events in between. The zero value is ready to use.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{online: make(map[string]struct{})}
}

// Replace swaps the whole set for ids.
func (t *Tracker) Replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	t.mu.Lock()
	t.online = next
	t.mu.Unlock()
}

func (t *Tracker) Join(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.online == nil {
		t.online = make(map[string]struct{})
	}
	t.online[id] = struct{}{}
}

func (t *Tracker) Leave(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.online, id)
}

// Clear empties the set. Nobody is online while the socket is down.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = make(map[string]struct{})
}

func (t *Tracker) IsOnline(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[id]
	return ok
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.online)
}

// Snapshot returns the ids sorted, for stable output only; callers must not
// rely on any particular order.
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
