// Package chattest provides an in-process stand-in for the portal backend:
// the /chat REST resources and the /ws socket, served by gin on an
// httptest server. It is only imported by tests.
package chattest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/portalchat/internal/auth"
	"github.com/lalith-99/portalchat/internal/models"
	"github.com/lalith-99/portalchat/internal/protocol"
)

// Backend is safe for concurrent use. Tests seed it through the Set and Add
// helpers and inspect what the client did through Hits and Frames.
type Backend struct {
	Server *httptest.Server

	// Token is a portal access token for Self. Requests and socket
	// handshakes carrying a token not minted here are refused.
	Token string

	// Self is the user the token belongs to; echoed messages carry it as
	// sender.
	Self models.Sender

	mu        sync.Mutex
	tokens    map[string]string
	channels  []models.Channel
	messages  map[string][]models.Message
	members   map[string][]models.ChannelMember
	users     []models.ChatUser
	directs   map[string]string
	gates     map[string]chan struct{}
	hits      map[string]int
	frames    []protocol.Envelope
	senders   []string
	conns     []*websocket.Conn
	nextMsgID int
	upgrader  websocket.Upgrader
	rejectWS  bool
}

func NewBackend(t *testing.T) *Backend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	self := models.Sender{ID: "me", FirstName: "Test", LastName: "User"}
	token, err := auth.GenerateToken(self.ID, "chattest", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	b := &Backend{
		Token:    token,
		Self:     self,
		tokens:   map[string]string{token: self.ID},
		messages: make(map[string][]models.Message),
		members:  make(map[string][]models.ChannelMember),
		directs:  make(map[string]string),
		gates:    make(map[string]chan struct{}),
		hits:     make(map[string]int),
	}

	r := gin.New()
	r.GET("/ws", b.socket)

	chat := r.Group("/chat")
	chat.Use(b.requireToken)
	chat.GET("/channels", b.listChannels)
	chat.GET("/channels/:id/messages", b.listMessages)
	chat.GET("/channels/:id/members", b.listMembers)
	chat.POST("/channels/direct/:userId", b.createDirect)
	chat.PATCH("/channels/:id/read", b.markRead)
	chat.GET("/users", b.listUsers)
	chat.POST("/upload", b.upload)

	b.Server = httptest.NewServer(r)
	t.Cleanup(func() {
		b.mu.Lock()
		for _, g := range b.gates {
			select {
			case <-g:
			default:
				close(g)
			}
		}
		for _, c := range b.conns {
			c.Close()
		}
		b.mu.Unlock()
		b.Server.Close()
	})
	return b
}

func (b *Backend) URL() string { return b.Server.URL }

// TokenFor mints an access token for another user and accepts it from now on.
func (b *Backend) TokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.GenerateToken(userID, "chattest", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	b.mu.Lock()
	b.tokens[token] = userID
	b.mu.Unlock()
	return token
}

func (b *Backend) userOf(token string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.tokens[token]
	return id, ok
}

func (b *Backend) SetChannels(chs ...models.Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append([]models.Channel{}, chs...)
}

// Channels returns the backend's current view of the channel list.
func (b *Backend) Channels() []models.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Channel{}, b.channels...)
}

func (b *Backend) SetUnread(channelID string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.channels {
		if b.channels[i].ID == channelID {
			b.channels[i].UnreadCount = n
		}
	}
}

func (b *Backend) AddMessages(msgs ...models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		b.messages[m.ChannelID] = append(b.messages[m.ChannelID], m)
	}
}

func (b *Backend) SetMembers(channelID string, ms ...models.ChannelMember) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[channelID] = append([]models.ChannelMember{}, ms...)
}

func (b *Backend) SetUsers(us ...models.ChatUser) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users = append([]models.ChatUser{}, us...)
}

// RejectSocket makes the /ws handshake fail.
func (b *Backend) RejectSocket(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectWS = v
}

// Hits returns how many times "METHOD /path-pattern" was served.
func (b *Backend) Hits(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[route]
}

// Gate blocks message listings for channelID until the returned release
// func is called.
func (b *Backend) Gate(channelID string) (release func()) {
	g := make(chan struct{})
	b.mu.Lock()
	b.gates[channelID] = g
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.gates, channelID)
			b.mu.Unlock()
			close(g)
		})
	}
}

// Frames returns every command received over the socket.
func (b *Backend) Frames() []protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Envelope{}, b.frames...)
}

// FramesFrom returns the commands received over sockets opened with
// userID's token.
func (b *Backend) FramesFrom(userID string) []protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.Envelope
	for i, f := range b.frames {
		if b.senders[i] == userID {
			out = append(out, f)
		}
	}
	return out
}

// FramesNamed filters Frames by event name.
func (b *Backend) FramesNamed(name protocol.EventName) []protocol.Envelope {
	var out []protocol.Envelope
	for _, f := range b.Frames() {
		if f.Event == name {
			out = append(out, f)
		}
	}
	return out
}

func (b *Backend) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Push writes an inbound event to every open socket.
func (b *Backend) Push(e protocol.Event) error {
	data, err := protocol.EncodeEvent(e)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

// DropSockets closes every open socket from the server side.
func (b *Backend) DropSockets() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.Close()
	}
	b.conns = nil
}

func (b *Backend) count(c *gin.Context) {
	b.hits[c.Request.Method+" "+c.FullPath()]++
}

func (b *Backend) requireToken(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if _, known := b.userOf(token); !ok || !known {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (b *Backend) listChannels(c *gin.Context) {
	b.mu.Lock()
	b.count(c)
	out := append([]models.Channel{}, b.channels...)
	b.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (b *Backend) listMessages(c *gin.Context) {
	channelID := c.Param("id")

	b.mu.Lock()
	b.count(c)
	gate := b.gates[channelID]
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit' parameter"})
			return
		}
		limit = n
	}
	var before time.Time
	if v := c.Query("before"); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'before' parameter"})
			return
		}
		before = ts
	}

	b.mu.Lock()
	all := append([]models.Message{}, b.messages[channelID]...)
	b.mu.Unlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	page := make([]models.Message, 0, limit)
	for _, m := range all {
		if before.IsZero() || m.CreatedAt.Before(before) {
			page = append(page, m)
		}
	}
	if len(page) > limit {
		page = page[len(page)-limit:]
	}
	c.JSON(http.StatusOK, page)
}

func (b *Backend) listMembers(c *gin.Context) {
	b.mu.Lock()
	b.count(c)
	out := append([]models.ChannelMember{}, b.members[c.Param("id")]...)
	b.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (b *Backend) createDirect(c *gin.Context) {
	target := c.Param("userId")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.count(c)

	if id, ok := b.directs[target]; ok {
		for _, ch := range b.channels {
			if ch.ID == id {
				c.JSON(http.StatusOK, ch)
				return
			}
		}
	}
	ch := models.Channel{
		ID:     "dm-" + target,
		Name:   "dm",
		Kind:   models.KindDirect,
		DMUser: &models.DMUser{UserID: target},
	}
	b.directs[target] = ch.ID
	b.channels = append(b.channels, ch)
	c.JSON(http.StatusCreated, ch)
}

func (b *Backend) markRead(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count(c)
	for i := range b.channels {
		if b.channels[i].ID == c.Param("id") {
			b.channels[i].UnreadCount = 0
		}
	}
	c.Status(http.StatusNoContent)
}

func (b *Backend) listUsers(c *gin.Context) {
	b.mu.Lock()
	b.count(c)
	out := append([]models.ChatUser{}, b.users...)
	b.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (b *Backend) upload(c *gin.Context) {
	b.mu.Lock()
	b.count(c)
	b.mu.Unlock()

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files"})
		return
	}
	out := make([]models.Attachment, 0, len(files))
	for _, f := range files {
		out = append(out, models.Attachment{
			FileName: f.Filename,
			FilePath: "/uploads/chat/" + f.Filename,
			FileType: f.Header.Get("Content-Type"),
			Size:     f.Size,
		})
	}
	c.JSON(http.StatusCreated, out)
}

func (b *Backend) socket(c *gin.Context) {
	b.mu.Lock()
	reject := b.rejectWS
	b.mu.Unlock()

	user, known := b.userOf(c.Query("token"))
	if reject || !known {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.ParseEnvelope(frame)
		if err != nil {
			continue
		}
		b.mu.Lock()
		b.frames = append(b.frames, *env)
		b.senders = append(b.senders, user)
		b.mu.Unlock()

		if env.Event == protocol.CmdSendMessage {
			b.echo(env)
		}
	}
}

// echo stores a sent message and broadcasts it back as message:new, the
// way the real backend does.
func (b *Backend) echo(env *protocol.Envelope) {
	var cmd protocol.SendMessage
	if err := json.Unmarshal(env.Data, &cmd); err != nil {
		return
	}
	b.mu.Lock()
	b.nextMsgID++
	msg := models.Message{
		ID:        fmt.Sprintf("srv-%d", b.nextMsgID),
		ChannelID: cmd.ChannelID,
		Content:   cmd.Content,
		CreatedAt: time.Now().UTC(),
		Sender:    b.Self,
		Mentions:  cmd.Mentions,
	}
	b.messages[cmd.ChannelID] = append(b.messages[cmd.ChannelID], msg)
	b.mu.Unlock()

	b.Push(protocol.MessageNew{Message: msg})
}
