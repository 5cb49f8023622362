package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lalith-99/portalchat/internal/chaterr"
	"github.com/lalith-99/portalchat/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// socketServer is a minimal backend socket endpoint.
type socketServer struct {
	*httptest.Server

	upgrader websocket.Upgrader
	dials    atomic.Int32
	reject   atomic.Bool

	mu      sync.Mutex
	conns   []*websocket.Conn
	frames  [][]byte
	headers []http.Header
}

func newSocketServer(t *testing.T) *socketServer {
	t.Helper()
	s := &socketServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *socketServer) handle(w http.ResponseWriter, r *http.Request) {
	s.dials.Add(1)
	if s.reject.Load() || r.URL.Path != "/ws" {
		http.Error(w, "nope", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, frame)
		s.mu.Unlock()
	}
}

func (s *socketServer) push(t *testing.T, e protocol.Event) {
	t.Helper()
	data, err := protocol.EncodeEvent(e)
	require.NoError(t, err)
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func (s *socketServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *socketServer) receivedFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte{}, s.frames...)
}

func newBinding(url string, attempts int) *Binding {
	return New(Options{
		BaseURL:           url,
		ReconnectDelay:    5 * time.Millisecond,
		ReconnectAttempts: attempts,
	}, zap.NewNop())
}

func waitState(t *testing.T, b *Binding, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return b.State() == want }, 2*time.Second, 5*time.Millisecond,
		"expected state %s, have %s", want, b.State())
}

func TestConnect_HandshakeCarriesBearer(t *testing.T) {
	srv := newSocketServer(t)
	b := newBinding(srv.URL, 3)
	defer b.Disconnect()

	require.NoError(t, b.Connect(context.Background(), "tok-1"))
	waitState(t, b, StateConnected)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.headers, 1)
	assert.Equal(t, "Bearer tok-1", srv.headers[0].Get("Authorization"))
}

func TestConnect_RejectsEmptyCredential(t *testing.T) {
	b := newBinding("http://127.0.0.1:1", 0)
	err := b.Connect(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, chaterr.ErrInvalidArgument))
	assert.Equal(t, StateDisconnected, b.State())
}

func TestConnect_IsIdempotentForSameToken(t *testing.T) {
	srv := newSocketServer(t)
	b := newBinding(srv.URL, 3)
	defer b.Disconnect()

	require.NoError(t, b.Connect(context.Background(), "tok"))
	waitState(t, b, StateConnected)
	require.NoError(t, b.Connect(context.Background(), "tok"))

	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, srv.dials.Load())
}

func TestConnect_NewTokenReplacesConnection(t *testing.T) {
	srv := newSocketServer(t)
	b := newBinding(srv.URL, 3)
	defer b.Disconnect()

	require.NoError(t, b.Connect(context.Background(), "alice"))
	waitState(t, b, StateConnected)
	require.NoError(t, b.Connect(context.Background(), "bob"))
	waitState(t, b, StateConnected)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.headers, 2)
	assert.Equal(t, "Bearer bob", srv.headers[1].Get("Authorization"))
}

func TestEvents_DecodedFromSocket(t *testing.T) {
	srv := newSocketServer(t)
	b := newBinding(srv.URL, 3)
	defer b.Disconnect()

	require.NoError(t, b.Connect(context.Background(), "tok"))
	waitState(t, b, StateConnected)

	srv.push(t, protocol.PresenceSnapshot{UserIDs: []string{"u1", "u2"}})
	select {
	case evt := <-b.Events():
		assert.Equal(t, protocol.PresenceSnapshot{UserIDs: []string{"u1", "u2"}}, evt)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSend_WhenDisconnected(t *testing.T) {
	b := newBinding("http://127.0.0.1:1", 0)
	err := b.Send(protocol.MarkRead{ChannelID: "c1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, chaterr.ErrNotConnected))
}

func TestSend_ReachesServer(t *testing.T) {
	srv := newSocketServer(t)
	b := newBinding(srv.URL, 3)
	defer b.Disconnect()

	require.NoError(t, b.Connect(context.Background(), "tok"))
	waitState(t, b, StateConnected)
	require.NoError(t, b.Send(protocol.JoinChannel{ChannelID: "c7"}))

	require.Eventually(t, func() bool { return len(srv.receivedFrames()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"event":"channel:join","data":{"channelId":"c7"}}`, string(srv.receivedFrames()[0]))
}

func TestReconnect_BudgetExhaustedSurfacesFailed(t *testing.T) {
	srv := newSocketServer(t)
	srv.reject.Store(true)
	b := newBinding(srv.URL, 2)
	defer b.Disconnect()

	require.NoError(t, b.Connect(context.Background(), "tok"))
	waitState(t, b, StateFailed)
	// One initial dial plus two retries.
	assert.EqualValues(t, 3, srv.dials.Load())

	srv.reject.Store(false)
	require.NoError(t, b.Retry(context.Background()))
	waitState(t, b, StateConnected)
}

func TestReconnect_AfterDrop(t *testing.T) {
	srv := newSocketServer(t)
	b := newBinding(srv.URL, 5)
	defer b.Disconnect()

	var mu sync.Mutex
	var seen []State
	b.OnState(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	require.NoError(t, b.Connect(context.Background(), "tok"))
	waitState(t, b, StateConnected)

	srv.dropAll()
	require.Eventually(t, func() bool { return srv.dials.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, b, StateConnected)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, StateReconnecting)
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	srv := newSocketServer(t)
	b := newBinding(srv.URL, 3)

	b.Disconnect()
	require.NoError(t, b.Connect(context.Background(), "tok"))
	waitState(t, b, StateConnected)

	b.Disconnect()
	b.Disconnect()
	assert.Equal(t, StateDisconnected, b.State())

	err := b.Send(protocol.MarkRead{ChannelID: "c1"})
	assert.True(t, errors.Is(err, chaterr.ErrNotConnected))
}

func TestDisconnect_DropsUndeliveredEvents(t *testing.T) {
	srv := newSocketServer(t)
	b := newBinding(srv.URL, 3)

	require.NoError(t, b.Connect(context.Background(), "tok"))
	waitState(t, b, StateConnected)
	srv.push(t, protocol.PresenceJoin{UserID: "u1"})
	require.Eventually(t, func() bool { return len(b.events) == 1 }, 2*time.Second, 5*time.Millisecond)

	b.Disconnect()
	assert.Len(t, b.events, 0)
}

func TestSocketURL(t *testing.T) {
	got, err := SocketURL("http://localhost:3000/", "abc")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:3000/ws?token=abc", got)

	got, err = SocketURL("https://portal.example.com/api", "abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://portal.example.com/api/ws?token=abc", got)

	_, err = SocketURL("ftp://x", "abc")
	assert.Error(t, err)
}
