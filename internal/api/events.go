package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/portalchat/internal/middleware"
	"go.uber.org/zap"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = 30 * time.Second
	eventsReadLimit  = int64(512)
)

// The bridge token is checked before the upgrade, so any origin that holds
// one may connect.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Events handles GET /v1/events.
//
// Each change is one JSON text frame {"topic", "channelId", "state"}. The
// shell re-reads whatever view the topic names. A shell that reads too
// slowly misses changes rather than holding the session up, so it should
// re-read everything after reconnecting.
func (h *Handler) Events(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("events upgrade failed", zap.Error(err))
		return
	}
	client := middleware.GetSubject(c)
	log := h.logger.With(zap.String("client", client))
	log.Info("events stream opened")

	changes, cancel := h.chat.Subscribe()
	defer cancel()

	// The shell never sends anything; reading only notices the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(eventsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingPeriod)
	defer func() {
		ping.Stop()
		conn.Close()
		log.Info("events stream closed")
	}()

	for {
		select {
		case <-closed:
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(ch); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
