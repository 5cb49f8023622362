package session

import (
	"context"
	"time"

	"github.com/lalith-99/portalchat/internal/protocol"
	"go.uber.org/zap"
)

// refreshTimeout bounds each refetch triggered by an inbound event.
const refreshTimeout = 10 * time.Second

func (s *Session) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			s.apply(ctx, e)
		}
	}
}

// apply folds one inbound event into the caches.
func (s *Session) apply(ctx context.Context, e protocol.Event) {
	s.mu.Lock()
	self := ""
	if s.cred != nil {
		self = s.cred.UserID
	}
	log := s.log
	s.mu.Unlock()

	switch ev := e.(type) {
	case protocol.MessageNew:
		s.messageNew(ctx, ev, self)

	case protocol.TypingStart:
		if ev.UserID == self {
			return
		}
		s.typing.Start(ev.UserID, ev.ChannelID)

	case protocol.TypingStop:
		s.typing.Stop(ev.UserID)

	case protocol.PresenceSnapshot:
		s.presence.Replace(ev.UserIDs)
		s.changes.publish(Change{Topic: TopicPresence})

	case protocol.PresenceJoin:
		s.presence.Join(ev.UserID)
		s.changes.publish(Change{Topic: TopicPresence})

	case protocol.PresenceLeave:
		s.presence.Leave(ev.UserID)
		s.changes.publish(Change{Topic: TopicPresence})

	case protocol.ReadUpdate:
		if _, ok := s.directory.ReadUpdated(ev.ChannelID); ok {
			s.membersRefresh.trigger(ctx)
		}

	default:
		log.Debug("event ignored", zap.String("event", string(protocol.NameOf(e))))
	}
}

func (s *Session) messageNew(ctx context.Context, ev protocol.MessageNew, self string) {
	msg := ev.Message
	added := s.timeline.AppendLive(msg)

	s.mu.Lock()
	if added && msg.ChannelID == s.active && s.scroll.Appended(1) && msg.Sender.ID != self {
		s.followRead = msg.ChannelID
	}
	s.mu.Unlock()

	s.channelsRefresh.trigger(ctx)
}

// refreshChannels refetches the channel list so unread counts and previews
// follow the server, then marks the open channel read if a message arrived
// in it while the viewer was following along.
func (s *Session) refreshChannels(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	if err := s.directory.Refresh(rctx); err != nil {
		return
	}

	s.mu.Lock()
	follow, active, log := s.followRead, s.active, s.log
	s.followRead = ""
	s.mu.Unlock()

	if follow == "" || follow != active {
		return
	}
	if ch, ok := s.directory.Channel(active); ok && ch.UnreadCount > 0 {
		if err := s.directory.MarkRead(rctx, active); err != nil {
			log.Warn("mark read failed", zap.String("channel_id", active), zap.Error(err))
		}
	}
}

// refreshMembers refetches the open channel's members after a read receipt.
// The cached list stays readable while the request is in flight.
func (s *Session) refreshMembers(ctx context.Context) {
	active := s.Active()
	if active == "" {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	_ = s.directory.RefreshMembers(rctx, active)
}
