package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lalith-99/portalchat/internal/chaterr"
	"github.com/lalith-99/portalchat/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSocket fails every Send while down.
type fakeSocket struct {
	mu   sync.Mutex
	down bool
	err  error
	sent []protocol.Command
}

func (f *fakeSocket) Send(cmd protocol.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return chaterr.New(chaterr.KindNotConnected, "send", chaterr.ErrNotConnected)
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeSocket) setDown(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = v
}

func (f *fakeSocket) contents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		out = append(out, c.(protocol.SendMessage).Content)
	}
	return out
}

func msg(content string) protocol.SendMessage {
	return protocol.SendMessage{ChannelID: "c1", Content: content}
}

func TestDispatch_SentWhenConnected(t *testing.T) {
	sock := &fakeSocket{}
	o := New(sock, NewMemoryStore(), Options{}, zap.NewNop())
	ctx := context.Background()

	// Nothing stored yet: the first flush just clears the startup backlog.
	_, err := o.Flush(ctx)
	require.NoError(t, err)

	d, err := o.Dispatch(ctx, msg("hi"))
	require.NoError(t, err)
	assert.Equal(t, Sent, d)
	assert.Equal(t, []string{"hi"}, sock.contents())
	assert.False(t, o.Backlog())
}

func TestDispatch_QueuedWhileDisconnectedThenFlushedInOrder(t *testing.T) {
	sock := &fakeSocket{down: true}
	o := New(sock, NewMemoryStore(), Options{}, zap.NewNop())
	ctx := context.Background()

	for _, c := range []string{"one", "two", "three"} {
		d, err := o.Dispatch(ctx, msg(c))
		require.NoError(t, err)
		assert.Equal(t, Queued, d)
	}
	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	sock.setDown(false)
	n, err := o.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"one", "two", "three"}, sock.contents())
	assert.False(t, o.Backlog())
}

func TestDispatch_NewMessageDoesNotOvertakeBacklog(t *testing.T) {
	sock := &fakeSocket{down: true}
	o := New(sock, NewMemoryStore(), Options{}, zap.NewNop())
	ctx := context.Background()

	_, err := o.Dispatch(ctx, msg("old"))
	require.NoError(t, err)

	// Socket is back but nobody flushed yet.
	sock.setDown(false)
	d, err := o.Dispatch(ctx, msg("new"))
	require.NoError(t, err)
	assert.Equal(t, Sent, d)
	assert.Equal(t, []string{"old", "new"}, sock.contents())
}

func TestFlush_StopsAtFirstFailure(t *testing.T) {
	sock := &fakeSocket{down: true}
	o := New(sock, NewMemoryStore(), Options{}, zap.NewNop())
	ctx := context.Background()

	_, _ = o.Dispatch(ctx, msg("a"))
	_, _ = o.Dispatch(ctx, msg("b"))

	n, err := o.Flush(ctx)
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, chaterr.ErrNotConnected))
	assert.True(t, o.Backlog())

	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestDispatch_NonQueueableErrorIsReturned(t *testing.T) {
	sock := &fakeSocket{err: errors.New("encode failed")}
	o := New(sock, NewMemoryStore(), Options{}, zap.NewNop())
	ctx := context.Background()
	_, err := o.Flush(ctx)
	require.NoError(t, err)

	_, err = o.Dispatch(ctx, msg("x"))
	require.Error(t, err)
	pending, _ := o.Pending(ctx)
	assert.Empty(t, pending)
}

func TestDispatch_WithoutStoreReportsFailure(t *testing.T) {
	sock := &fakeSocket{down: true}
	o := New(sock, nil, Options{}, zap.NewNop())

	assert.False(t, o.Enabled())
	_, err := o.Dispatch(context.Background(), msg("lost"))
	assert.True(t, errors.Is(err, chaterr.ErrNotConnected))

	n, err := o.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlush_RateLimited(t *testing.T) {
	sock := &fakeSocket{down: true}
	o := New(sock, NewMemoryStore(), Options{Rate: 1000}, zap.NewNop())
	ctx := context.Background()
	for _, c := range []string{"a", "b"} {
		_, err := o.Dispatch(ctx, msg(c))
		require.NoError(t, err)
	}
	sock.setDown(false)

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	n, err := o.Flush(cctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFlush_CancelledContextStops(t *testing.T) {
	sock := &fakeSocket{down: true}
	o := New(sock, NewMemoryStore(), Options{Rate: 0.001}, zap.NewNop())
	ctx := context.Background()
	for _, c := range []string{"a", "b"} {
		_, err := o.Dispatch(ctx, msg(c))
		require.NoError(t, err)
	}
	sock.setDown(false)

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	n, err := o.Flush(cctx)
	require.Error(t, err)
	assert.Equal(t, 1, n, "burst of one lets the first message through")
	assert.True(t, o.Backlog())
}

func TestMemoryStore_RemoveKeepsOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	var es []Entry
	for _, c := range []string{"a", "b", "c"} {
		e := Entry{Command: msg(c)}
		e.ID[0] = c[0]
		es = append(es, e)
		require.NoError(t, s.Enqueue(ctx, e))
	}
	require.NoError(t, s.Remove(ctx, "", es[1].ID))

	got, err := s.Pending(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Command.Content)
	assert.Equal(t, "c", got[1].Command.Content)
}

func TestSetOwner_FlushesOnlyTheOwnersQueue(t *testing.T) {
	sock := &fakeSocket{down: true}
	store := NewMemoryStore()
	o := New(sock, store, Options{}, zap.NewNop())
	ctx := context.Background()

	o.SetOwner("me")
	d, err := o.Dispatch(ctx, msg("from me"))
	require.NoError(t, err)
	assert.Equal(t, Queued, d)

	o.SetOwner("u2")
	assert.True(t, o.Backlog(), "a new owner may have leftovers of its own")
	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	sock.setDown(false)
	n, err := o.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sock.contents())

	o.SetOwner("me")
	n, err = o.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"from me"}, sock.contents())
}

func TestDeliveryString(t *testing.T) {
	assert.Equal(t, "sent", Sent.String())
	assert.Equal(t, "queued", Queued.String())
}
