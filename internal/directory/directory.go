// Package directory caches the channels the current user belongs to, their
// members, and the user directory used to start direct conversations.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lalith-99/portalchat/internal/cache"
	"github.com/lalith-99/portalchat/internal/chaterr"
	"github.com/lalith-99/portalchat/internal/models"
	"github.com/lalith-99/portalchat/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
)

// Backend is the REST surface the directory reads from.
//
// Why an interface and not *rest.Client?
//   - Tests can hand in a stub without an HTTP server.
//   - The directory never needs the timeline or upload endpoints.
type Backend interface {
	ListChannels(ctx context.Context) ([]models.Channel, error)
	CreateDirect(ctx context.Context, userID string) (models.Channel, error)
	ListMembers(ctx context.Context, channelID string) ([]models.ChannelMember, error)
	ListUsers(ctx context.Context) ([]models.ChatUser, error)
	MarkRead(ctx context.Context, channelID string) error
}

// Sender delivers fire-and-forget commands over the socket.
type Sender interface {
	Send(cmd protocol.Command) error
}

type Directory struct {
	backend Backend
	sender  Sender
	store   *cache.Store
	logger  *zap.Logger

	mu     sync.Mutex
	self   string
	active string
}

func New(backend Backend, sender Sender, store *cache.Store, logger *zap.Logger) *Directory {
	return &Directory{
		backend: backend,
		sender:  sender,
		store:   store,
		logger:  logger.Named("directory"),
	}
}

// SetSelf records the current user's id. Direct conversations with it are
// rejected.
func (d *Directory) SetSelf(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.self = userID
}

// SetActive records the channel the user is looking at; read receipts for
// it invalidate its member list.
func (d *Directory) SetActive(channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = channelID
}

// List fetches the channel list and replaces the cached copy.
func (d *Directory) List(ctx context.Context) ([]models.Channel, error) {
	chs, err := d.backend.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	cache.Set(d.store, cache.ChannelList(), chs)
	return append([]models.Channel{}, chs...), nil
}

// Refresh re-fetches the channel list after a new message so unread counts
// and previews follow the server. Failures keep the previous list.
func (d *Directory) Refresh(ctx context.Context) error {
	if _, err := d.List(ctx); err != nil {
		d.logger.Warn("channel refresh failed", zap.Error(err))
		return err
	}
	return nil
}

// Channels returns the cached list in server order.
func (d *Directory) Channels() []models.Channel {
	chs, _ := cache.Get[[]models.Channel](d.store, cache.ChannelList())
	return append([]models.Channel{}, chs...)
}

// Channel looks a channel up in the cached list.
func (d *Directory) Channel(channelID string) (models.Channel, bool) {
	for _, ch := range d.Channels() {
		if ch.ID == channelID {
			return ch, true
		}
	}
	return models.Channel{}, false
}

// Grouped splits the cached list by kind, keeping server order within each
// group. Unknown kinds are left out.
func (d *Directory) Grouped() models.ChannelGroups {
	return Group(d.Channels())
}

func Group(chs []models.Channel) models.ChannelGroups {
	g := models.ChannelGroups{
		General:    []models.Channel{},
		Managers:   []models.Channel{},
		Department: []models.Channel{},
		Direct:     []models.Channel{},
	}
	for _, ch := range chs {
		switch ch.Kind {
		case models.KindGeneral:
			g.General = append(g.General, ch)
		case models.KindManagers:
			g.Managers = append(g.Managers, ch)
		case models.KindDepartment:
			g.Department = append(g.Department, ch)
		case models.KindDirect:
			g.Direct = append(g.Direct, ch)
		}
	}
	return g
}

// Unread sums the unread counters of the cached channels.
func (d *Directory) Unread() int {
	total := 0
	for _, ch := range d.Channels() {
		total += ch.UnreadCount
	}
	return total
}

// CreateOrGetDirect opens the direct conversation with userID, merges it
// into the cached list and joins it on the socket. The backend returns the
// same channel for the same pair, and the merge replaces by id, so calling
// this twice never duplicates the entry.
//
// A failed join is logged and not returned: the channel exists and the next
// reconnect re-subscribes the user to it server-side.
func (d *Directory) CreateOrGetDirect(ctx context.Context, userID string) (models.Channel, error) {
	const op = "directory.create_direct"
	if userID == "" {
		return models.Channel{}, chaterr.New(chaterr.KindInvalidArgument, op, fmt.Errorf("empty user id"))
	}
	d.mu.Lock()
	self := d.self
	d.mu.Unlock()
	if userID == self {
		return models.Channel{}, chaterr.New(chaterr.KindInvalidArgument, op, fmt.Errorf("cannot open a direct conversation with yourself"))
	}

	ch, err := d.backend.CreateDirect(ctx, userID)
	if err != nil {
		return models.Channel{}, fmt.Errorf("create direct channel: %w", err)
	}

	cache.Update(d.store, cache.ChannelList(), func(old []models.Channel, _ bool) ([]models.Channel, bool) {
		return mergeChannel(old, ch), true
	})

	if err := d.sender.Send(protocol.JoinChannel{ChannelID: ch.ID}); err != nil {
		d.logger.Warn("join after direct create failed",
			zap.String("channel_id", ch.ID),
			zap.Error(err),
		)
	}
	return ch, nil
}

func mergeChannel(chs []models.Channel, ch models.Channel) []models.Channel {
	out := make([]models.Channel, 0, len(chs)+1)
	replaced := false
	for _, c := range chs {
		if c.ID == ch.ID {
			if !replaced {
				out = append(out, ch)
				replaced = true
			}
			continue
		}
		out = append(out, c)
	}
	if !replaced {
		out = append(out, ch)
	}
	return out
}

// MarkRead zeroes the cached unread counter and sends message:read. While
// the socket is down the receipt goes over REST instead. The cache update
// is never rolled back; the next refresh restores the server's count.
func (d *Directory) MarkRead(ctx context.Context, channelID string) error {
	const op = "directory.mark_read"
	if channelID == "" {
		return chaterr.New(chaterr.KindInvalidArgument, op, fmt.Errorf("empty channel id"))
	}
	cache.Update(d.store, cache.ChannelList(), func(old []models.Channel, ok bool) ([]models.Channel, bool) {
		if !ok {
			return nil, false
		}
		out := append([]models.Channel{}, old...)
		for i := range out {
			if out[i].ID == channelID {
				out[i].UnreadCount = 0
			}
		}
		return out, true
	})
	err := d.sender.Send(protocol.MarkRead{ChannelID: channelID})
	if err == nil || !errors.Is(err, chaterr.ErrNotConnected) {
		return err
	}
	if rerr := d.backend.MarkRead(ctx, channelID); rerr != nil {
		return fmt.Errorf("mark read over rest: %w", rerr)
	}
	return nil
}

// Members returns the channel's member list, fetching it on first use.
func (d *Directory) Members(ctx context.Context, channelID string) ([]models.ChannelMember, error) {
	key := cache.MembersOf(channelID)
	if ms, ok := cache.Get[[]models.ChannelMember](d.store, key); ok {
		return append([]models.ChannelMember{}, ms...), nil
	}
	ms, err := d.backend.ListMembers(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", channelID, err)
	}
	cache.Set(d.store, key, ms)
	return append([]models.ChannelMember{}, ms...), nil
}

// CachedMembers returns the member list without fetching.
func (d *Directory) CachedMembers(channelID string) []models.ChannelMember {
	ms, _ := cache.Get[[]models.ChannelMember](d.store, cache.MembersOf(channelID))
	return append([]models.ChannelMember{}, ms...)
}

// ReadUpdated resolves which member list a read receipt makes stale. Only
// the active channel's members matter, since their last-read markers are
// what the view shows. A receipt that names no channel is taken to be about
// the active one. The cached list is kept until RefreshMembers replaces it.
func (d *Directory) ReadUpdated(channelID string) (string, bool) {
	d.mu.Lock()
	active := d.active
	d.mu.Unlock()
	if active == "" {
		return "", false
	}
	if channelID != "" && channelID != active {
		return "", false
	}
	return active, true
}

// RefreshMembers refetches the channel's member list and replaces the
// cached copy. On failure the stale copy is dropped so the next Members
// call fetches again.
func (d *Directory) RefreshMembers(ctx context.Context, channelID string) error {
	ms, err := d.backend.ListMembers(ctx, channelID)
	if err != nil {
		d.store.Invalidate(cache.MembersOf(channelID))
		d.logger.Warn("members refresh failed", zap.String("channel_id", channelID), zap.Error(err))
		return fmt.Errorf("list members of %s: %w", channelID, err)
	}
	cache.Set(d.store, cache.MembersOf(channelID), ms)
	return nil
}

// Users returns the user directory, fetching it on first use.
func (d *Directory) Users(ctx context.Context) ([]models.ChatUser, error) {
	if us, ok := cache.Get[[]models.ChatUser](d.store, cache.UserDirectory()); ok {
		return append([]models.ChatUser{}, us...), nil
	}
	us, err := d.backend.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	cache.Set(d.store, cache.UserDirectory(), us)
	return append([]models.ChatUser{}, us...), nil
}

// SearchUsers filters the user directory by a case-insensitive substring of
// first name, last name or email. The current user is never listed.
func (d *Directory) SearchUsers(ctx context.Context, query string) ([]models.ChatUser, error) {
	us, err := d.Users(ctx)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	self := d.self
	d.mu.Unlock()

	fold := cases.Fold()
	q := fold.String(strings.TrimSpace(query))
	out := make([]models.ChatUser, 0, len(us))
	for _, u := range us {
		if u.UserID == self {
			continue
		}
		if q == "" ||
			strings.Contains(fold.String(u.FirstName), q) ||
			strings.Contains(fold.String(u.LastName), q) ||
			strings.Contains(fold.String(u.Email), q) {
			out = append(out, u)
		}
	}
	return out, nil
}

// Reset forgets the current user and active channel. Cached data lives in
// the store and is cleared with it.
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.self = ""
	d.active = ""
}
