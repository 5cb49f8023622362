package session

import (
	"context"

	"github.com/lalith-99/portalchat/internal/composer"
	"github.com/lalith-99/portalchat/internal/models"
	"github.com/lalith-99/portalchat/internal/outbox"
)

// Status summarizes the session for a connection indicator.
type Status struct {
	UserID     string `json:"userId,omitempty"`
	Connection string `json:"connection"`
	Active     string `json:"activeChannelId,omitempty"`
	Unread     int    `json:"unread"`
	Online     int    `json:"online"`
	Queued     int    `json:"queued"`
}

func (s *Session) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{Active: s.active}
	if s.cred != nil {
		st.UserID = s.cred.UserID
	}
	s.mu.Unlock()

	st.Connection = s.transport.State().String()
	st.Unread = s.directory.Unread()
	st.Online = s.presence.Len()
	if pending, err := s.outbox.Pending(ctx); err == nil {
		st.Queued = len(pending)
	}
	return st
}

func (s *Session) Channels() models.ChannelGroups { return s.directory.Grouped() }

func (s *Session) Channel(channelID string) (models.Channel, bool) {
	return s.directory.Channel(channelID)
}

// Messages returns the cached history of channelID, oldest first.
func (s *Session) Messages(channelID string) []models.Message {
	return s.timeline.Messages(channelID)
}

func (s *Session) CanLoadMore(channelID string) bool { return s.timeline.CanLoadMore(channelID) }

func (s *Session) Loading(channelID string) bool { return s.timeline.Loading(channelID) }

// Members returns channelID's members, fetching them on first use.
func (s *Session) Members(ctx context.Context, channelID string) ([]models.ChannelMember, error) {
	return s.directory.Members(ctx, channelID)
}

// Typing lists who is typing in channelID, excluding the signed-in user.
func (s *Session) Typing(channelID string) []string { return s.typing.InChannel(channelID) }

func (s *Session) Online() []string { return s.presence.Snapshot() }

func (s *Session) IsOnline(userID string) bool { return s.presence.IsOnline(userID) }

// Users returns the people who can be messaged directly, matching query.
func (s *Session) Users(ctx context.Context, query string) ([]models.ChatUser, error) {
	return s.directory.SearchUsers(ctx, query)
}

func (s *Session) Composer() composer.Snapshot { return s.composer.Snapshot() }

// Pending lists messages waiting in the outbox.
func (s *Session) Pending(ctx context.Context) ([]outbox.Entry, error) {
	return s.outbox.Pending(ctx)
}

// Close logs out and releases the outbox store.
func (s *Session) Close() error {
	s.Logout()
	return s.outbox.Close()
}
