package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/portalchat/internal/chaterr"
	"github.com/lalith-99/portalchat/internal/composer"
	"github.com/lalith-99/portalchat/internal/outbox"
	"github.com/lalith-99/portalchat/internal/rest"
)

// editRequest is one edit of the draft. Caret counts characters (runes);
// omitted or negative puts it at the end of the text.
type editRequest struct {
	Text  string `json:"text"`
	Caret *int   `json:"caret"`
}

type keyRequest struct {
	Key      composer.Key `json:"key" binding:"required,oneof=Enter Escape"`
	Modifier bool         `json:"modifier"`
}

func (h *Handler) GetComposer(c *gin.Context) {
	c.JSON(http.StatusOK, h.chat.Composer())
}

// EditComposer handles PUT /v1/composer
func (h *Handler) EditComposer(c *gin.Context) {
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	caret := -1
	if req.Caret != nil {
		caret = *req.Caret
	}
	h.chat.SetText(req.Text, caret)
	c.JSON(http.StatusOK, h.chat.Composer())
}

// KeyDown handles POST /v1/composer/key
//
// Enter sends, Enter with the modifier inserts a newline, Escape closes
// the mention list or drops the reply target.
func (h *Handler) KeyDown(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	action, err := h.chat.KeyDown(c.Request.Context(), req.Key, req.Modifier)
	if err != nil {
		h.fail(c, "key down", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": action, "composer": h.chat.Composer()})
}

// Send handles POST /v1/composer/send
//
// 200 means the message went out, 202 that it waits in the outbox for the
// socket to come back.
func (h *Handler) Send(c *gin.Context) {
	d, err := h.chat.Send(c.Request.Context())
	if err != nil {
		h.fail(c, "send", err)
		return
	}
	status := http.StatusOK
	if d == outbox.Queued {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"delivery": d.String(), "composer": h.chat.Composer()})
}

// Reply handles POST /v1/composer/reply/:messageId
func (h *Handler) Reply(c *gin.Context) {
	if err := h.chat.ReplyTo(c.Param("messageId")); err != nil {
		h.fail(c, "reply", err)
		return
	}
	c.JSON(http.StatusOK, h.chat.Composer())
}

// ClearReply handles DELETE /v1/composer/reply
func (h *Handler) ClearReply(c *gin.Context) {
	h.chat.ClearReply()
	c.JSON(http.StatusOK, h.chat.Composer())
}

// MentionCandidates handles GET /v1/composer/mentions
func (h *Handler) MentionCandidates(c *gin.Context) {
	c.JSON(http.StatusOK, h.chat.MentionCandidates())
}

// Mention handles POST /v1/composer/mention/:userId
func (h *Handler) Mention(c *gin.Context) {
	if err := h.chat.Mention(c.Param("userId")); err != nil {
		h.fail(c, "mention", err)
		return
	}
	c.JSON(http.StatusOK, h.chat.Composer())
}

// Upload handles POST /v1/upload (multipart, field "files").
//
// Files are forwarded to the backend as they are; the draft is not
// touched, so a failed upload loses nothing.
func (h *Handler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected multipart form"})
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		h.fail(c, "upload", chaterr.New(chaterr.KindInvalidArgument, "api.upload", errors.New("no files")))
		return
	}

	files := make([]rest.File, 0, len(headers))
	var closers []io.Closer
	defer func() {
		for _, f := range closers {
			f.Close()
		}
	}()
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("open %s: %v", fh.Filename, err)})
			return
		}
		closers = append(closers, f)
		files = append(files, rest.File{Name: fh.Filename, Content: f})
	}

	atts, err := h.chat.Upload(c.Request.Context(), files)
	if err != nil {
		h.fail(c, "upload", err)
		return
	}
	c.JSON(http.StatusCreated, atts)
}
