// Package session owns one signed-in chat session: the socket, the caches
// fed by it, and the user actions that read and mutate them.
//
// Inbound events are applied by a single goroutine in arrival order, so the
// caches see one event at a time. User actions run on the caller's
// goroutine and go through the same component locks.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lalith-99/portalchat/internal/auth"
	"github.com/lalith-99/portalchat/internal/cache"
	"github.com/lalith-99/portalchat/internal/chaterr"
	"github.com/lalith-99/portalchat/internal/clock"
	"github.com/lalith-99/portalchat/internal/composer"
	"github.com/lalith-99/portalchat/internal/directory"
	"github.com/lalith-99/portalchat/internal/models"
	"github.com/lalith-99/portalchat/internal/observ"
	"github.com/lalith-99/portalchat/internal/outbox"
	"github.com/lalith-99/portalchat/internal/presence"
	"github.com/lalith-99/portalchat/internal/rest"
	"github.com/lalith-99/portalchat/internal/timeline"
	"github.com/lalith-99/portalchat/internal/transport"
	"github.com/lalith-99/portalchat/internal/typing"
	"go.uber.org/zap"
)

// Options wires a session to its collaborators.
type Options struct {
	Transport *transport.Binding
	REST      *rest.Client

	// OutboxStore keeps messages sent while offline. Nil drops them and
	// reports the failure to the caller instead.
	OutboxStore outbox.Store
	OutboxRate  float64

	PageSize    int
	TypingQuiet time.Duration
	Clock       clock.Clock
}

type Session struct {
	transport *transport.Binding
	rest      *rest.Client
	store     *cache.Store
	clock     clock.Clock
	logger    *zap.Logger

	presence  *presence.Tracker
	typing    *typing.Tracker
	timeline  *timeline.Timeline
	directory *directory.Directory
	composer  *composer.Composer
	outbox    *outbox.Outbox
	changes   *hub

	// Refetches triggered by inbound events run off the event loop. bg
	// tracks them so Logout can wait them out before clearing caches.
	bg              sync.WaitGroup
	channelsRefresh *coalescer
	membersRefresh  *coalescer

	mu         sync.Mutex
	cred       *auth.Credential
	active     string
	scroll     *timeline.Scroll
	followRead string
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	log        *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	store := cache.New()
	s := &Session{
		transport: opts.Transport,
		rest:      opts.REST,
		store:     store,
		clock:     opts.Clock,
		logger:    logger.Named("session"),
		presence:  presence.NewTracker(),
		typing:    typing.NewTracker(opts.Clock, opts.TypingQuiet),
		timeline:  timeline.New(opts.REST, store, opts.PageSize, logger),
		directory: directory.New(opts.REST, opts.Transport, store, logger),
		changes:   newHub(),
		scroll:    timeline.NewScroll(),
	}
	s.log = s.logger
	s.outbox = outbox.New(opts.Transport, opts.OutboxStore, outbox.Options{
		Rate: opts.OutboxRate,
		Now:  opts.Clock.Now,
	}, logger)
	s.composer = composer.New(opts.Transport, s.outbox, opts.Clock, opts.TypingQuiet, logger)
	s.channelsRefresh = newCoalescer(&s.bg, s.refreshChannels)
	s.membersRefresh = newCoalescer(&s.bg, s.refreshMembers)

	store.Subscribe(func(k cache.Key) { s.changes.publish(changeForKey(k)) })
	s.typing.OnChange(func() { s.changes.publish(Change{Topic: TopicTyping}) })
	opts.Transport.OnState(s.onState)
	return s
}

// Subscribe streams change notifications until cancel is called.
func (s *Session) Subscribe() (<-chan Change, func()) {
	return s.changes.subscribe()
}

// Login starts a session for the portal access token: it connects the
// socket, loads the channel list and opens the first channel. Logging in
// again replaces the previous session.
func (s *Session) Login(ctx context.Context, token string) error {
	cred, err := auth.ParseCredential(token, s.clock.Now())
	if err != nil {
		return chaterr.New(chaterr.KindInvalidArgument, "session.login", err)
	}

	s.mu.Lock()
	loggedIn := s.cred != nil
	s.mu.Unlock()
	if loggedIn {
		s.Logout()
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	s.mu.Lock()
	s.cred = cred
	s.loopCancel = cancel
	s.loopDone = done
	s.log = observ.ForUser(s.logger, cred.UserID)
	s.mu.Unlock()

	s.rest.SetToken(cred.Token)
	s.directory.SetSelf(cred.UserID)
	// Before Connect: the Connected transition flushes this user's queue.
	s.outbox.SetOwner(cred.UserID)
	go s.loop(loopCtx, done)

	if err := s.transport.Connect(ctx, cred.Token); err != nil {
		return err
	}
	s.logger.Info("session started", zap.String("user_id", cred.UserID))

	chs, err := s.directory.List(ctx)
	if err != nil {
		return err
	}
	if len(chs) > 0 {
		return s.Select(ctx, chs[0].ID)
	}
	return nil
}

// Logout tears the session down: typing:stop for the open channel, socket
// released, every cache and timer cleared. Safe to call when signed out.
func (s *Session) Logout() {
	s.mu.Lock()
	cancel, done := s.loopCancel, s.loopDone
	userID := ""
	if s.cred != nil {
		userID = s.cred.UserID
	}
	s.mu.Unlock()

	// Leave while the socket is still up so peers see the stop.
	s.composer.Leave()
	s.transport.Disconnect()
	if cancel != nil {
		cancel()
		<-done
	}
	s.bg.Wait()

	s.presence.Clear()
	s.typing.Clear()
	s.timeline.Reset()
	s.directory.Reset()
	s.store.Clear()
	s.rest.SetToken("")
	// Queued messages stay stored for their owner's next login.
	s.outbox.SetOwner("")

	s.mu.Lock()
	s.cred = nil
	s.active = ""
	s.followRead = ""
	s.loopCancel, s.loopDone = nil, nil
	s.scroll.Reset()
	s.log = s.logger
	s.mu.Unlock()

	if userID != "" {
		s.logger.Info("session ended", zap.String("user_id", userID))
	}
	s.changes.publish(Change{Topic: TopicActive})
}

// Retry reconnects after the reconnect budget ran out.
func (s *Session) Retry(ctx context.Context) error {
	if !s.signedIn() {
		return chaterr.New(chaterr.KindInvalidArgument, "session.retry", errors.New("not signed in"))
	}
	return s.transport.Retry(ctx)
}

func (s *Session) signedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred != nil
}

// Select opens channelID: the previous draft is left (typing:stop), the
// timeline switches over and loads its newest page, members load, and the
// channel is marked read when it has unread messages.
func (s *Session) Select(ctx context.Context, channelID string) error {
	const op = "session.select"
	ch, ok := s.directory.Channel(channelID)
	if !ok {
		return chaterr.New(chaterr.KindInvalidArgument, op, fmt.Errorf("unknown channel %q", channelID))
	}

	s.composer.Open(channelID)
	s.mu.Lock()
	s.active = channelID
	s.scroll.Reset()
	log := s.log
	s.mu.Unlock()
	s.directory.SetActive(channelID)
	s.timeline.Activate(channelID)
	s.changes.publish(Change{Topic: TopicActive, ChannelID: channelID})

	if _, err := s.timeline.LoadInitial(ctx, channelID); err != nil {
		if errors.Is(err, chaterr.ErrStale) {
			// Another Select won the race; its load is the one that counts.
			return nil
		}
		return err
	}
	if _, err := s.directory.Members(ctx, channelID); err != nil {
		log.Warn("members load failed", zap.String("channel_id", channelID), zap.Error(err))
	}
	if ch.UnreadCount > 0 {
		if err := s.directory.MarkRead(ctx, channelID); err != nil {
			log.Warn("mark read failed", zap.String("channel_id", channelID), zap.Error(err))
		}
	}
	return nil
}

// Active returns the open channel id, or "".
func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LoadOlder fetches the page before the oldest cached message of the open
// channel. While a load is in flight it returns the cached list.
func (s *Session) LoadOlder(ctx context.Context) ([]models.Message, error) {
	active := s.Active()
	if active == "" {
		return nil, chaterr.New(chaterr.KindInvalidArgument, "session.load_older", errors.New("no channel open"))
	}
	oldest, ok := s.timeline.Oldest(active)
	if !ok {
		return s.timeline.Messages(active), nil
	}
	return s.timeline.LoadOlder(ctx, active, oldest)
}

// StartDirect opens the direct conversation with userID and selects it.
func (s *Session) StartDirect(ctx context.Context, userID string) (models.Channel, error) {
	ch, err := s.directory.CreateOrGetDirect(ctx, userID)
	if err != nil {
		return models.Channel{}, err
	}
	if err := s.Select(ctx, ch.ID); err != nil {
		return ch, err
	}
	return ch, nil
}

// MarkRead marks channelID read.
func (s *Session) MarkRead(ctx context.Context, channelID string) error {
	return s.directory.MarkRead(ctx, channelID)
}

// Upload stores attachments on the backend. The draft is not touched
// either way.
func (s *Session) Upload(ctx context.Context, files []rest.File) ([]models.Attachment, error) {
	atts, err := s.rest.Upload(ctx, files)
	if err != nil {
		return nil, fmt.Errorf("upload attachments: %w", err)
	}
	return atts, nil
}

// KeyDown forwards a key press to the composer. A send scrolls the view to
// the newest message.
func (s *Session) KeyDown(ctx context.Context, key composer.Key, modifier bool) (composer.Action, error) {
	a, err := s.composer.KeyDown(ctx, key, modifier)
	if a == composer.ActionSent || a == composer.ActionQueued {
		s.ScrollMoved(true)
	}
	s.changes.publish(Change{Topic: TopicComposer})
	return a, err
}

// Send dispatches the draft.
func (s *Session) Send(ctx context.Context) (outbox.Delivery, error) {
	d, err := s.composer.Send(ctx)
	if err == nil {
		s.ScrollMoved(true)
	}
	s.changes.publish(Change{Topic: TopicComposer})
	return d, err
}

// SetText records a composer edit.
func (s *Session) SetText(text string, caret int) {
	s.composer.SetText(text, caret)
	s.changes.publish(Change{Topic: TopicComposer})
}

// ReplyTo targets a cached message of the open channel.
func (s *Session) ReplyTo(messageID string) error {
	active := s.Active()
	for _, m := range s.timeline.Messages(active) {
		if m.ID == messageID {
			s.composer.SetReply(m)
			s.changes.publish(Change{Topic: TopicComposer})
			return nil
		}
	}
	return chaterr.New(chaterr.KindInvalidArgument, "session.reply_to", fmt.Errorf("message %q not in open channel", messageID))
}

func (s *Session) ClearReply() {
	s.composer.ClearReply()
	s.changes.publish(Change{Topic: TopicComposer})
}

// MentionCandidates filters the open channel's members by the mention
// query being typed.
func (s *Session) MentionCandidates() []models.ChannelMember {
	return s.composer.Candidates(s.directory.CachedMembers(s.Active()))
}

// Mention completes the open mention with a member of the open channel.
func (s *Session) Mention(userID string) error {
	for _, m := range s.directory.CachedMembers(s.Active()) {
		if m.UserID == userID {
			if err := s.composer.SelectMention(m); err != nil {
				return err
			}
			s.changes.publish(Change{Topic: TopicComposer})
			return nil
		}
	}
	return chaterr.New(chaterr.KindInvalidArgument, "session.mention", fmt.Errorf("user %q is not a member of the open channel", userID))
}

// ScrollMoved records whether the viewer is at the bottom of the list.
func (s *Session) ScrollMoved(atBottom bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scroll.Moved(atBottom)
}

// JumpToLatest returns how many unseen messages the jump skipped.
func (s *Session) JumpToLatest() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scroll.JumpToLatest()
}

func (s *Session) onState(st transport.State) {
	s.changes.publish(Change{Topic: TopicConnection, State: st.String()})

	switch st {
	case transport.StateConnected:
		if s.signedIn() && s.outbox.Enabled() {
			go s.flushOutbox(context.Background())
		}
	case transport.StateDisconnected, transport.StateReconnecting, transport.StateFailed:
		// Nobody is online as far as a disconnected client can tell. The
		// server resends the snapshot on reconnect.
		s.presence.Clear()
		s.typing.Clear()
		s.changes.publish(Change{Topic: TopicPresence})
	}
}

func (s *Session) flushOutbox(ctx context.Context) {
	n, err := s.outbox.Flush(ctx)
	if err != nil {
		s.logger.Warn("outbox flush incomplete", zap.Int("sent", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("outbox flushed", zap.Int("sent", n))
	}
}
