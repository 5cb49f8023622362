// Package transport owns the single duplex socket of an authenticated
// session: dialing, reconnecting with a bounded budget, framing outbound
// commands and decoding inbound events.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lalith-99/portalchat/internal/chaterr"
	"github.com/lalith-99/portalchat/internal/protocol"
	"go.uber.org/zap"
)

// State is the connection lifecycle:
//
//	Disconnected -> Connecting -> Connected -> (Reconnecting <-> Connected) -> Disconnected
//
// Failed is entered once the reconnect budget is spent and only Retry or a
// new Connect leaves it.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 1 << 20
	sendBufferSize = 256
	eventBuffer    = 256
)

// Options configures a Binding.
type Options struct {
	// BaseURL is the backend origin (http or https). The socket lives at
	// <BaseURL>/ws with the scheme mapped to ws or wss.
	BaseURL string

	ReconnectDelay    time.Duration
	ReconnectAttempts int

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Binding is safe for concurrent use. Exactly one socket is live at a time.
type Binding struct {
	opts   Options
	logger *zap.Logger
	events chan protocol.Event

	mu        sync.Mutex
	state     State
	token     string
	conn      *connection
	cancel    context.CancelFunc
	done      chan struct{}
	observers []func(State)
}

type connection struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func New(opts Options, logger *zap.Logger) *Binding {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.ReconnectAttempts < 0 {
		opts.ReconnectAttempts = 0
	}
	return &Binding{
		opts:   opts,
		logger: logger.Named("transport"),
		events: make(chan protocol.Event, eventBuffer),
	}
}

// Events is the inbound stream. It is never closed and must have a single
// consumer.
func (b *Binding) Events() <-chan protocol.Event {
	return b.events
}

// OnState registers an observer called on every state transition.
// Observers run on the goroutine that caused the transition and must not
// call Connect or Disconnect.
func (b *Binding) OnState(fn func(State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Connect starts the connection loop for token and returns immediately.
// Calling it again with the same token is a no-op; a different token tears
// the previous session down first.
func (b *Binding) Connect(ctx context.Context, token string) error {
	if token == "" {
		return chaterr.New(chaterr.KindInvalidArgument, "transport.connect", fmt.Errorf("empty credential"))
	}

	b.mu.Lock()
	if b.cancel != nil && b.token == token && b.state != StateFailed {
		b.mu.Unlock()
		return nil
	}
	running := b.cancel != nil
	b.mu.Unlock()

	if running {
		b.Disconnect()
	}

	b.start(ctx, token)
	return nil
}

// Retry restarts the loop after the reconnect budget was exhausted.
func (b *Binding) Retry(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateFailed {
		b.mu.Unlock()
		return nil
	}
	token := b.token
	b.mu.Unlock()

	b.Disconnect()
	b.start(ctx, token)
	return nil
}

func (b *Binding) start(ctx context.Context, token string) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	b.mu.Lock()
	b.token = token
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	b.setState(StateConnecting)
	go b.run(runCtx, token, done)
}

// Disconnect releases the socket immediately and waits for the connection
// loop to exit. Undelivered inbound events are dropped so nothing from this
// session reaches the next one. Safe to call when already disconnected.
func (b *Binding) Disconnect() {
	b.mu.Lock()
	cancel, done, conn := b.cancel, b.done, b.conn
	b.cancel, b.done, b.conn = nil, nil, nil
	if cancel != nil {
		// Cancel under the lock so run never installs a socket after this.
		cancel()
	}
	b.mu.Unlock()

	if cancel == nil {
		b.setState(StateDisconnected)
		return
	}

	if conn != nil {
		conn.close()
	}
	<-done

	for {
		select {
		case <-b.events:
			continue
		default:
		}
		break
	}

	b.setState(StateDisconnected)
	b.logger.Info("socket released")
}

// Send frames cmd onto the live socket. It never blocks: when the socket is
// down the command is rejected with chaterr.ErrNotConnected.
func (b *Binding) Send(cmd protocol.Command) error {
	op := "transport.send " + string(cmd.Name())

	data, err := protocol.Encode(cmd)
	if err != nil {
		return chaterr.New(chaterr.KindDecode, op, err)
	}

	b.mu.Lock()
	conn, state := b.conn, b.state
	b.mu.Unlock()

	if conn == nil || state != StateConnected {
		return chaterr.New(chaterr.KindNotConnected, op, chaterr.ErrNotConnected)
	}

	select {
	case conn.send <- data:
		return nil
	case <-conn.done:
		return chaterr.New(chaterr.KindNotConnected, op, chaterr.ErrNotConnected)
	default:
		return chaterr.New(chaterr.KindTransport, op, fmt.Errorf("send buffer full"))
	}
}

func (b *Binding) run(ctx context.Context, token string, done chan struct{}) {
	defer close(done)

	retries := 0
	for {
		conn, err := b.dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if retries >= b.opts.ReconnectAttempts {
				b.logger.Warn("reconnect budget exhausted",
					zap.Int("attempts", retries),
					zap.Error(err),
				)
				b.setState(StateFailed)
				return
			}
			retries++
			b.logger.Debug("dial failed, retrying",
				zap.Int("attempt", retries),
				zap.Duration("delay", b.opts.ReconnectDelay),
				zap.Error(err),
			)
			b.setState(StateReconnecting)
			if !b.sleep(ctx) {
				return
			}
			continue
		}

		retries = 0
		b.mu.Lock()
		if ctx.Err() != nil {
			b.mu.Unlock()
			conn.close()
			return
		}
		b.conn = conn
		b.mu.Unlock()

		b.setState(StateConnected)
		b.logger.Info("socket connected")

		go b.writePump(conn)
		b.readPump(ctx, conn)

		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		conn.close()

		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("socket dropped, reconnecting")
		b.setState(StateReconnecting)
		if !b.sleep(ctx) {
			return
		}
	}
}

func (b *Binding) sleep(ctx context.Context) bool {
	t := time.NewTimer(b.opts.ReconnectDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Binding) dial(ctx context.Context, token string) (*connection, error) {
	wsURL, err := SocketURL(b.opts.BaseURL, token)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, _, err := b.opts.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", redact(wsURL), err)
	}

	return &connection{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}, nil
}

func (b *Binding) readPump(ctx context.Context, c *connection) {
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Warn("socket read failed", zap.Error(err))
			}
			return
		}
		// Any inbound frame proves liveness, not only pongs.
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		evt, err := protocol.Decode(frame)
		if err != nil {
			b.logger.Debug("dropping inbound frame", zap.Error(err))
			continue
		}

		select {
		case b.events <- evt:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (b *Binding) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				b.logger.Warn("socket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (b *Binding) setState(s State) {
	b.mu.Lock()
	if b.state == s {
		b.mu.Unlock()
		return
	}
	b.state = s
	observers := append([]func(State){}, b.observers...)
	b.mu.Unlock()

	for _, fn := range observers {
		fn(s)
	}
}

// SocketURL maps the REST origin onto the socket endpoint and attaches the
// credential as a query parameter for backends that cannot read headers
// on upgrade.
func SocketURL(baseURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redact(raw string) string {
	if i := strings.Index(raw, "?"); i >= 0 {
		return raw[:i]
	}
	return raw
}
