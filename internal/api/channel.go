package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/portalchat/internal/chaterr"
	"github.com/lalith-99/portalchat/internal/models"
)

// messagesResponse is the open channel's history plus what the list view
// needs to draw its "load more" control.
type messagesResponse struct {
	ChannelID   string           `json:"channelId"`
	Messages    []models.Message `json:"messages"`
	CanLoadMore bool             `json:"canLoadMore"`
	Loading     bool             `json:"loading"`
}

func (h *Handler) messages(channelID string) messagesResponse {
	return messagesResponse{
		ChannelID:   channelID,
		Messages:    h.chat.Messages(channelID),
		CanLoadMore: h.chat.CanLoadMore(channelID),
		Loading:     h.chat.Loading(channelID),
	}
}

// ListChannels handles GET /v1/channels.
//
// The list is grouped the way the sidebar shows it. Every group is an
// array, never null, so the shell can iterate without checks.
func (h *Handler) ListChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"activeChannelId": h.chat.Active(),
		"groups":          h.chat.Channels(),
	})
}

// SelectChannel handles POST /v1/channels/:id/select
func (h *Handler) SelectChannel(c *gin.Context) {
	channelID := c.Param("id")
	if err := h.chat.Select(c.Request.Context(), channelID); err != nil {
		h.fail(c, "select channel", err)
		return
	}
	c.JSON(http.StatusOK, h.messages(channelID))
}

// ListMessages handles GET /v1/channels/:id/messages
//
// Only cached history is returned. A channel that was never opened has
// none; opening it is what loads the newest page.
func (h *Handler) ListMessages(c *gin.Context) {
	c.JSON(http.StatusOK, h.messages(c.Param("id")))
}

// LoadOlder handles POST /v1/channels/:id/older
func (h *Handler) LoadOlder(c *gin.Context) {
	channelID := c.Param("id")
	if channelID != h.chat.Active() {
		h.fail(c, "load older", chaterr.New(chaterr.KindInvalidArgument, "api.load_older",
			errors.New("channel is not open")))
		return
	}
	if _, err := h.chat.LoadOlder(c.Request.Context()); err != nil {
		h.fail(c, "load older", err)
		return
	}
	c.JSON(http.StatusOK, h.messages(channelID))
}

// MarkRead handles POST /v1/channels/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	if err := h.chat.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, "mark read", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMembers handles GET /v1/channels/:id/members
func (h *Handler) ListMembers(c *gin.Context) {
	members, err := h.chat.Members(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "list members", err)
		return
	}
	c.JSON(http.StatusOK, members)
}

// Typing handles GET /v1/channels/:id/typing
func (h *Handler) Typing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"userIds": h.chat.Typing(c.Param("id"))})
}
