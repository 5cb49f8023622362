// Package cache is the client's read-through store. Entries are keyed by
// resource type and resource id; each resource type owns its merge rules
// in the package that populates it.
package cache

import "sync"

type Resource string

const (
	Channels Resource = "channels"
	Messages Resource = "messages"
	Members  Resource = "members"
	Users    Resource = "users"
)

// Key addresses one cache entry. Collection resources that are not scoped
// to a parent (the channel list, the user directory) use an empty ID.
type Key struct {
	Resource Resource
	ID       string
}

func ChannelList() Key                { return Key{Resource: Channels} }
func UserDirectory() Key              { return Key{Resource: Users} }
func MessagesOf(channelID string) Key { return Key{Resource: Messages, ID: channelID} }
func MembersOf(channelID string) Key  { return Key{Resource: Members, ID: channelID} }

// Store is safe for concurrent use. Values are stored as given; callers
// treat stored slices as immutable and replace rather than mutate them.
type Store struct {
	mu          sync.RWMutex
	entries     map[Key]any
	subscribers []func(Key)
}

func New() *Store {
	return &Store{entries: make(map[Key]any)}
}

// Subscribe registers fn to be called after any write or invalidation.
func (s *Store) Subscribe(fn func(Key)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func Get[T any](s *Store, k Key) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[k]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

func Set[T any](s *Store, k Key, v T) {
	s.mu.Lock()
	s.entries[k] = v
	subs := s.subscribers
	s.mu.Unlock()
	notify(subs, k)
}

// Update applies fn to the current value atomically. fn receives the zero
// value and false when the key is absent, and must not call back into s.
// Returning keep=false leaves the entry untouched.
func Update[T any](s *Store, k Key, fn func(old T, ok bool) (next T, keep bool)) (T, bool) {
	s.mu.Lock()
	var old T
	v, ok := s.entries[k]
	if ok {
		old, ok = v.(T)
	}
	next, keep := fn(old, ok)
	if !keep {
		s.mu.Unlock()
		return old, false
	}
	s.entries[k] = next
	subs := s.subscribers
	s.mu.Unlock()

	notify(subs, k)
	return next, true
}

func (s *Store) Has(k Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[k]
	return ok
}

func (s *Store) Invalidate(k Key) {
	s.mu.Lock()
	_, ok := s.entries[k]
	delete(s.entries, k)
	subs := s.subscribers
	s.mu.Unlock()
	if ok {
		notify(subs, k)
	}
}

// InvalidateResource drops every entry of one resource type.
func (s *Store) InvalidateResource(r Resource) {
	s.mu.Lock()
	var dropped []Key
	for k := range s.entries {
		if k.Resource == r {
			dropped = append(dropped, k)
			delete(s.entries, k)
		}
	}
	subs := s.subscribers
	s.mu.Unlock()
	for _, k := range dropped {
		notify(subs, k)
	}
}

// Clear empties the store. Subscribers are not notified; Clear is used on
// logout when nothing is rendering.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[Key]any)
}

func notify(subs []func(Key), k Key) {
	for _, fn := range subs {
		fn(k)
	}
}
