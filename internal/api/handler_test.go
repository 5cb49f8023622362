package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/portalchat/internal/api"
	"github.com/lalith-99/portalchat/internal/auth"
	"github.com/lalith-99/portalchat/internal/chattest"
	"github.com/lalith-99/portalchat/internal/models"
	"github.com/lalith-99/portalchat/internal/outbox"
	"github.com/lalith-99/portalchat/internal/rest"
	"github.com/lalith-99/portalchat/internal/session"
	"github.com/lalith-99/portalchat/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "bridge-secret"

type bridge struct {
	router *gin.Engine
	token  string
	be     *chattest.Backend
	sess   *session.Session
}

func newBridge(t *testing.T) *bridge {
	t.Helper()
	be := chattest.NewBackend(t)
	be.SetChannels(
		models.Channel{ID: "g1", Name: "General", Kind: models.KindGeneral},
		models.Channel{ID: "d1", Name: "dm", Kind: models.KindDirect, DMUser: &models.DMUser{UserID: "u1"}},
	)
	be.AddMessages(models.Message{ID: "m1", ChannelID: "g1", Content: "hi", CreatedAt: time.Unix(100, 0).UTC()})
	be.SetMembers("g1", models.ChannelMember{UserID: "u1", FirstName: "Jean", LastName: "Dupont"})
	be.SetUsers(
		models.ChatUser{UserID: "u1", FirstName: "Jean", LastName: "Dupont", Email: "jean@corp.io"},
		models.ChatUser{UserID: "u2", FirstName: "Marie", LastName: "Curie", Email: "marie@corp.io"},
	)

	logger := zap.NewNop()
	sess := session.New(session.Options{
		Transport: transport.New(transport.Options{
			BaseURL:           be.URL(),
			ReconnectDelay:    20 * time.Millisecond,
			ReconnectAttempts: 100,
		}, logger),
		REST:        rest.New(be.URL(), nil, logger),
		OutboxStore: outbox.NewMemoryStore(),
		OutboxRate:  100,
	}, logger)
	t.Cleanup(func() { sess.Close() })
	require.NoError(t, sess.Login(context.Background(), be.Token))

	tok, err := auth.GenerateToken("shell", secret, time.Minute)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	return &bridge{
		router: api.NewRouter(api.NewHandler(sess, logger), secret),
		token:  tok,
		be:     be,
		sess:   sess,
	}
}

func (b *bridge) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+b.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	b.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (b *bridge) waitConnected(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return b.sess.Status(context.Background()).Connection == "connected"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthIsPublic(t *testing.T) {
	b := newBridge(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()
	b.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	w = httptest.NewRecorder()
	b.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStatus(t *testing.T) {
	b := newBridge(t)
	w := b.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	st := decode[session.Status](t, w)
	assert.Equal(t, "me", st.UserID)
	assert.Equal(t, "g1", st.Active)
}

func TestListChannels_Grouped(t *testing.T) {
	b := newBridge(t)
	w := b.do(t, http.MethodGet, "/v1/channels", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Active string               `json:"activeChannelId"`
		Groups models.ChannelGroups `json:"groups"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "g1", body.Active)
	assert.Len(t, body.Groups.General, 1)
	assert.Len(t, body.Groups.Direct, 1)
	assert.Contains(t, w.Body.String(), `"managers":[]`)
}

func TestSelectAndMessages(t *testing.T) {
	b := newBridge(t)

	w := b.do(t, http.MethodPost, "/v1/channels/d1/select", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "d1", b.sess.Active())

	w = b.do(t, http.MethodGet, "/v1/channels/g1/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"content":"hi"`)
	assert.Contains(t, w.Body.String(), `"canLoadMore":false`)

	w = b.do(t, http.MethodPost, "/v1/channels/nope/select", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = b.do(t, http.MethodPost, "/v1/channels/g1/older", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "older pages only load for the open channel")
}

func TestMarkReadAndMembers(t *testing.T) {
	b := newBridge(t)

	w := b.do(t, http.MethodPost, "/v1/channels/g1/read", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = b.do(t, http.MethodGet, "/v1/channels/g1/members", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.ChannelMember](t, w), 1)

	w = b.do(t, http.MethodGet, "/v1/channels/g1/typing", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userIds":[]}`, w.Body.String())
}

func TestComposerFlow(t *testing.T) {
	b := newBridge(t)
	b.waitConnected(t)

	w := b.do(t, http.MethodPost, "/v1/composer/send", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty draft")

	w = b.do(t, http.MethodPut, "/v1/composer", map[string]any{"text": "hey @Je"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mentioning":true`)

	w = b.do(t, http.MethodGet, "/v1/composer/mentions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.ChannelMember](t, w), 1)

	w = b.do(t, http.MethodPost, "/v1/composer/mention/u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"text":"hey @Jean Dupont "`)

	w = b.do(t, http.MethodPost, "/v1/composer/reply/m1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = b.do(t, http.MethodDelete, "/v1/composer/reply", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "replyTo")

	w = b.do(t, http.MethodPost, "/v1/composer/key", map[string]any{"key": "Tab"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = b.do(t, http.MethodPost, "/v1/composer/key", map[string]any{"key": "Enter"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"action":"sent"`)

	require.Eventually(t, func() bool {
		return len(b.sess.Messages("g1")) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSend_QueuedWhileOffline(t *testing.T) {
	b := newBridge(t)
	b.be.RejectSocket(true)
	b.be.DropSockets()
	require.Eventually(t, func() bool {
		return b.sess.Status(context.Background()).Connection != "connected"
	}, 2*time.Second, 10*time.Millisecond)

	w := b.do(t, http.MethodPut, "/v1/composer", map[string]any{"text": "later"})
	require.Equal(t, http.StatusOK, w.Code)
	w = b.do(t, http.MethodPost, "/v1/composer/send", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"delivery":"queued"`)
}

func TestDirectAndUsers(t *testing.T) {
	b := newBridge(t)

	w := b.do(t, http.MethodGet, "/v1/users?q=mar", nil)
	require.Equal(t, http.StatusOK, w.Code)
	users := decode[[]models.ChatUser](t, w)
	require.Len(t, users, 1)
	assert.Equal(t, "u2", users[0].UserID)

	w = b.do(t, http.MethodPost, "/v1/direct/u2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dm-u2", decode[models.Channel](t, w).ID)
	assert.Equal(t, "dm-u2", b.sess.Active())

	w = b.do(t, http.MethodPost, "/v1/direct/me", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = b.do(t, http.MethodGet, "/v1/presence", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"online":[]}`, w.Body.String())
}

func TestUpload(t *testing.T) {
	b := newBridge(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "report.txt")
	require.NoError(t, err)
	_, err = io.Copy(fw, strings.NewReader("quarterly"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/upload", &buf)
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	b.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	atts := decode[[]models.Attachment](t, w)
	require.Len(t, atts, 1)
	assert.Equal(t, "report.txt", atts[0].FileName)
}

func TestEvents_StreamsChanges(t *testing.T) {
	b := newBridge(t)
	srv := httptest.NewServer(b.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events?token=" + b.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade; keep editing until
	// a change comes through.
	got := make(chan session.Change, 1)
	go func() {
		var c session.Change
		for {
			if err := conn.ReadJSON(&c); err != nil {
				return
			}
			if c.Topic == session.TopicComposer {
				got <- c
				return
			}
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		b.do(t, http.MethodPut, "/v1/composer", map[string]any{"text": "x"})
		select {
		case c := <-got:
			assert.Equal(t, session.TopicComposer, c.Topic)
			return
		case <-deadline:
			t.Fatal("no change received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestEvents_RequiresToken(t *testing.T) {
	b := newBridge(t)
	srv := httptest.NewServer(b.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
