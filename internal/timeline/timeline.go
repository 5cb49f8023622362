// Package timeline caches per-channel message history: the newest page on
// open, older pages on demand, and live messages as they arrive.
package timeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lalith-99/portalchat/internal/cache"
	"github.com/lalith-99/portalchat/internal/chaterr"
	"github.com/lalith-99/portalchat/internal/models"
	"go.uber.org/zap"
)

// Fetcher is the slice of the REST client the timeline needs.
type Fetcher interface {
	ListMessages(ctx context.Context, channelID string, before time.Time, limit int) ([]models.Message, error)
}

// Timeline is safe for concurrent use.
//
// Every fetch is tagged with the activation it was issued under. A response
// that comes back after the active channel changed, or after the same
// channel was re-activated, is discarded with chaterr.ErrStale and touches
// no cache entry.
type Timeline struct {
	fetch    Fetcher
	store    *cache.Store
	pageSize int
	logger   *zap.Logger

	mu        sync.Mutex
	active    string
	gen       uint64
	// pending maps a channel to the activation its older-page load was
	// issued under.
	pending   map[string]uint64
	exhausted map[string]bool
}

func New(fetch Fetcher, store *cache.Store, pageSize int, logger *zap.Logger) *Timeline {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Timeline{
		fetch:     fetch,
		store:     store,
		pageSize:  pageSize,
		logger:    logger.Named("timeline"),
		pending:   make(map[string]uint64),
		exhausted: make(map[string]bool),
	}
}

func (t *Timeline) PageSize() int { return t.pageSize }

// Activate makes channelID the tracked channel. Responses for requests
// issued before this call are stale from now on.
func (t *Timeline) Activate(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = channelID
	t.gen++
}

func (t *Timeline) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Timeline) ticket(channelID string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen, t.active == channelID
}

func (t *Timeline) current(channelID string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active == channelID && t.gen == gen
}

// LoadInitial fetches the newest page of channelID, which must be active,
// and replaces the cached history with it. Live messages newer than the
// page are kept; older cached pages are dropped and paged in again on
// demand, so messages missed while the channel was closed stay reachable.
func (t *Timeline) LoadInitial(ctx context.Context, channelID string) ([]models.Message, error) {
	const op = "timeline.load_initial"
	gen, ok := t.ticket(channelID)
	if !ok {
		return nil, chaterr.New(chaterr.KindInvalidArgument, op, fmt.Errorf("channel %q is not active", channelID))
	}

	page, err := t.fetch.ListMessages(ctx, channelID, time.Time{}, t.pageSize)
	if err != nil {
		return nil, err
	}
	if !t.current(channelID, gen) {
		t.logger.Debug("discarding stale initial page", zap.String("channel_id", channelID))
		return nil, chaterr.New(chaterr.KindStale, op, chaterr.ErrStale)
	}

	merged, _ := cache.Update(t.store, cache.MessagesOf(channelID), func(old []models.Message, _ bool) ([]models.Message, bool) {
		return ReplaceNewest(old, page), true
	})

	t.mu.Lock()
	t.exhausted[channelID] = len(page) < t.pageSize
	t.mu.Unlock()
	return merged, nil
}

// LoadOlder fetches the page strictly before `before` and merges it into
// the cache. While a load for the channel is already in flight the call
// returns the cached list without issuing another request.
func (t *Timeline) LoadOlder(ctx context.Context, channelID string, before time.Time) ([]models.Message, error) {
	const op = "timeline.load_older"
	gen, ok := t.ticket(channelID)
	if !ok {
		return nil, chaterr.New(chaterr.KindInvalidArgument, op, fmt.Errorf("channel %q is not active", channelID))
	}

	t.mu.Lock()
	if g, ok := t.pending[channelID]; ok && g == gen {
		t.mu.Unlock()
		return t.Messages(channelID), nil
	}
	t.pending[channelID] = gen
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.pending[channelID] == gen {
			delete(t.pending, channelID)
		}
		t.mu.Unlock()
	}()

	page, err := t.fetch.ListMessages(ctx, channelID, before, t.pageSize)
	if err != nil {
		return nil, err
	}
	if !t.current(channelID, gen) {
		t.logger.Debug("discarding stale older page",
			zap.String("channel_id", channelID),
			zap.Time("before", before),
		)
		return nil, chaterr.New(chaterr.KindStale, op, chaterr.ErrStale)
	}

	var added int
	merged, _ := cache.Update(t.store, cache.MessagesOf(channelID), func(old []models.Message, _ bool) ([]models.Message, bool) {
		added = NewIDs(old, page)
		return MergeOlder(old, page), true
	})

	t.mu.Lock()
	if added == 0 || len(page) < t.pageSize {
		t.exhausted[channelID] = true
	}
	t.mu.Unlock()
	return merged, nil
}

// Loading reports whether an older-page request issued under the current
// activation is in flight.
func (t *Timeline) Loading(channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.pending[channelID]
	return ok && g == t.gen
}

// AppendLive caches a message delivered over the socket. Messages for
// channels whose history was never loaded are ignored; the channel list's
// unread counter covers those. Reports whether the message was added.
func (t *Timeline) AppendLive(msg models.Message) bool {
	_, added := cache.Update(t.store, cache.MessagesOf(msg.ChannelID), func(old []models.Message, ok bool) ([]models.Message, bool) {
		if !ok {
			return nil, false
		}
		next, added := AppendLive(old, msg)
		return next, added
	})
	return added
}

// Messages returns the cached history of channelID, oldest first.
func (t *Timeline) Messages(channelID string) []models.Message {
	ms, _ := cache.Get[[]models.Message](t.store, cache.MessagesOf(channelID))
	return append([]models.Message{}, ms...)
}

// Oldest returns the timestamp of the oldest cached message.
func (t *Timeline) Oldest(channelID string) (time.Time, bool) {
	ms, _ := cache.Get[[]models.Message](t.store, cache.MessagesOf(channelID))
	if len(ms) == 0 {
		return time.Time{}, false
	}
	return ms[0].CreatedAt, true
}

// CanLoadMore is the "load more" visibility rule: a full page is cached,
// so older history may exist, unless a previous older-page request already
// came back short or with nothing new.
func (t *Timeline) CanLoadMore(channelID string) bool {
	ms, _ := cache.Get[[]models.Message](t.store, cache.MessagesOf(channelID))
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(ms) >= t.pageSize && !t.exhausted[channelID]
}

// Reset forgets the active channel and all pagination state. The message
// cache entries themselves belong to the store and are cleared with it.
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = ""
	t.gen++
	t.pending = make(map[string]uint64)
	t.exhausted = make(map[string]bool)
}
