// Package typing tracks who is typing where, from inbound typing events.
//
// Entries are transient: each expires after the quiet period unless
// refreshed by another typing event, and an explicit stop removes it at
// once. Nothing here is persisted.
package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/lalith-99/portalchat/internal/clock"
)

// DefaultQuiet is how long a typing entry survives without a refresh.
const DefaultQuiet = 3 * time.Second

type entry struct {
	channelID string
	timer     clock.Timer
	gen       uint64
}

type Tracker struct {
	clock clock.Clock
	quiet time.Duration

	mu       sync.Mutex
	gen      uint64
	entries  map[string]*entry
	onChange func()
}

func NewTracker(c clock.Clock, quiet time.Duration) *Tracker {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	return &Tracker{
		clock:   c,
		quiet:   quiet,
		entries: make(map[string]*entry),
	}
}

// OnChange registers a callback fired after every mutation, including
// timer expiry. It runs without the tracker lock held.
func (t *Tracker) OnChange(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Start records userID as typing in channelID and (re)arms its expiry.
// A user types in at most one channel; a new channel replaces the old one.
func (t *Tracker) Start(userID, channelID string) {
	t.mu.Lock()
	if old, ok := t.entries[userID]; ok {
		old.timer.Stop()
	}
	t.gen++
	gen := t.gen
	e := &entry{channelID: channelID, gen: gen}
	e.timer = t.clock.AfterFunc(t.quiet, func() { t.expire(userID, gen) })
	t.entries[userID] = e
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Stop removes userID immediately.
func (t *Tracker) Stop(userID string) {
	t.mu.Lock()
	e, ok := t.entries[userID]
	if ok {
		e.timer.Stop()
		delete(t.entries, userID)
	}
	fn := t.onChange
	t.mu.Unlock()

	if ok && fn != nil {
		fn()
	}
}

func (t *Tracker) expire(userID string, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[userID]
	// A refresh may have replaced the entry between firing and locking.
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, userID)
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// InChannel returns the users typing in channelID, sorted.
func (t *Tracker) InChannel(channelID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := make([]string, 0)
	for userID, e := range t.entries {
		if e.channelID == channelID {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}

// Clear drops every entry and cancels every pending expiry.
func (t *Tracker) Clear() {
	t.mu.Lock()
	for id, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, id)
	}
	t.mu.Unlock()
}
