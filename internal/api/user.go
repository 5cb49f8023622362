package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StartDirect handles POST /v1/direct/:userId
//
// Returns the existing conversation when there is one, so the shell can
// call it every time a user is picked.
func (h *Handler) StartDirect(c *gin.Context) {
	ch, err := h.chat.StartDirect(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, "start direct", err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// SearchUsers handles GET /v1/users?q=
//
// An empty q lists everyone except the signed-in user.
func (h *Handler) SearchUsers(c *gin.Context) {
	users, err := h.chat.Users(c.Request.Context(), c.Query("q"))
	if err != nil {
		h.fail(c, "search users", err)
		return
	}
	c.JSON(http.StatusOK, users)
}

// Presence handles GET /v1/presence
func (h *Handler) Presence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"online": h.chat.Online()})
}
