// Package api is the local bridge: a loopback HTTP surface that lets a UI
// shell drive the chat session and follow its changes.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/portalchat/internal/chaterr"
	"github.com/lalith-99/portalchat/internal/composer"
	"github.com/lalith-99/portalchat/internal/middleware"
	"github.com/lalith-99/portalchat/internal/models"
	"github.com/lalith-99/portalchat/internal/outbox"
	"github.com/lalith-99/portalchat/internal/rest"
	"github.com/lalith-99/portalchat/internal/session"
	"go.uber.org/zap"
)

// Chat is the session surface the bridge drives. *session.Session
// implements it.
type Chat interface {
	Status(ctx context.Context) session.Status
	Subscribe() (<-chan session.Change, func())
	Retry(ctx context.Context) error

	Active() string
	Channels() models.ChannelGroups
	Select(ctx context.Context, channelID string) error
	Messages(channelID string) []models.Message
	CanLoadMore(channelID string) bool
	Loading(channelID string) bool
	LoadOlder(ctx context.Context) ([]models.Message, error)
	MarkRead(ctx context.Context, channelID string) error
	Members(ctx context.Context, channelID string) ([]models.ChannelMember, error)
	Typing(channelID string) []string

	StartDirect(ctx context.Context, userID string) (models.Channel, error)
	Users(ctx context.Context, query string) ([]models.ChatUser, error)
	Online() []string

	Composer() composer.Snapshot
	SetText(text string, caret int)
	KeyDown(ctx context.Context, key composer.Key, modifier bool) (composer.Action, error)
	Send(ctx context.Context) (outbox.Delivery, error)
	ReplyTo(messageID string) error
	ClearReply()
	Mention(userID string) error
	MentionCandidates() []models.ChannelMember
	Upload(ctx context.Context, files []rest.File) ([]models.Attachment, error)
}

// Handler serves the /v1 routes.
//
// Why one handler struct and not one per resource?
//   - Every route talks to the same session. Splitting would only repeat
//     the same two fields.
type Handler struct {
	chat   Chat
	logger *zap.Logger
}

func NewHandler(chat Chat, logger *zap.Logger) *Handler {
	return &Handler{chat: chat, logger: logger.Named("bridge")}
}

// NewRouter builds the bridge server. /v1/health is public; everything
// else needs a bridge token signed with secret.
func NewRouter(h *Handler, secret string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(secret))
	h.Register(v1)
	return r
}

// Register mounts the authenticated routes on rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/status", h.Status)
	rg.POST("/retry", h.Retry)
	rg.GET("/events", h.Events)

	rg.GET("/channels", h.ListChannels)
	rg.POST("/channels/:id/select", h.SelectChannel)
	rg.GET("/channels/:id/messages", h.ListMessages)
	rg.POST("/channels/:id/older", h.LoadOlder)
	rg.POST("/channels/:id/read", h.MarkRead)
	rg.GET("/channels/:id/members", h.ListMembers)
	rg.GET("/channels/:id/typing", h.Typing)

	rg.POST("/direct/:userId", h.StartDirect)
	rg.GET("/users", h.SearchUsers)
	rg.GET("/presence", h.Presence)

	rg.GET("/composer", h.GetComposer)
	rg.PUT("/composer", h.EditComposer)
	rg.POST("/composer/key", h.KeyDown)
	rg.POST("/composer/send", h.Send)
	rg.POST("/composer/reply/:messageId", h.Reply)
	rg.DELETE("/composer/reply", h.ClearReply)
	rg.GET("/composer/mentions", h.MentionCandidates)
	rg.POST("/composer/mention/:userId", h.Mention)
	rg.POST("/upload", h.Upload)
}

// fail maps a session error onto an HTTP status.
//
//   - invalid argument (empty draft, unknown channel, self DM) → 400
//   - socket down with nowhere to queue                         → 503
//   - backend rejected or unreachable                            → 502
func (h *Handler) fail(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chaterr.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, chaterr.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, chaterr.ErrStale):
		status = http.StatusConflict
	default:
		switch chaterr.KindOf(err) {
		case chaterr.KindFetch, chaterr.KindUpload, chaterr.KindTransport, chaterr.KindDecode:
			status = http.StatusBadGateway
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed",
			zap.String("client", middleware.GetSubject(c)),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.chat.Status(c.Request.Context()))
}

// Retry handles POST /v1/retry after the reconnect budget ran out.
func (h *Handler) Retry(c *gin.Context) {
	if err := h.chat.Retry(c.Request.Context()); err != nil {
		h.fail(c, "retry", err)
		return
	}
	c.JSON(http.StatusAccepted, h.chat.Status(c.Request.Context()))
}
