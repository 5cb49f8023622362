package session

import (
	"sync"

	"github.com/lalith-99/portalchat/internal/cache"
)

// Topic names what changed. Consumers re-read the matching view.
type Topic string

const (
	TopicConnection Topic = "connection"
	TopicChannels   Topic = "channels"
	TopicMessages   Topic = "messages"
	TopicMembers    Topic = "members"
	TopicUsers      Topic = "users"
	TopicTyping     Topic = "typing"
	TopicPresence   Topic = "presence"
	TopicComposer   Topic = "composer"
	TopicActive     Topic = "active"
)

// Change is a notification without payload.
type Change struct {
	Topic     Topic  `json:"topic"`
	ChannelID string `json:"channelId,omitempty"`
	State     string `json:"state,omitempty"`
}

const subscriberBuffer = 64

// hub fans changes out to subscribers. A subscriber that falls behind
// loses changes rather than stalling the session.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Change
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Change)}
}

func (h *hub) subscribe() (<-chan Change, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Change, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

func (h *hub) publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func changeForKey(k cache.Key) Change {
	switch k.Resource {
	case cache.Channels:
		return Change{Topic: TopicChannels}
	case cache.Messages:
		return Change{Topic: TopicMessages, ChannelID: k.ID}
	case cache.Members:
		return Change{Topic: TopicMembers, ChannelID: k.ID}
	default:
		return Change{Topic: TopicUsers}
	}
}
