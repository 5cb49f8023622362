// Package rest is the HTTP collaborator for the backend's /chat resources.
// Every call carries the session's bearer credential.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lalith-99/portalchat/internal/chaterr"
	"github.com/lalith-99/portalchat/internal/models"
	"go.uber.org/zap"
)

// DefaultPageSize is the message page size the backend also defaults to.
const DefaultPageSize = 50

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

type Client struct {
	base   string
	http   *http.Client
	logger *zap.Logger

	mu    sync.RWMutex
	token string
}

// New builds a client for baseURL (the backend origin, without /chat).
// A nil httpClient uses http.DefaultClient.
func New(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base:   strings.TrimSuffix(baseURL, "/") + "/chat",
		http:   httpClient,
		logger: logger.Named("rest"),
	}
}

// SetToken installs the credential used on subsequent calls. An empty
// token clears it.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) ListChannels(ctx context.Context) ([]models.Channel, error) {
	channels := make([]models.Channel, 0)
	if err := c.do(ctx, "rest.list_channels", http.MethodGet, "/channels", nil, "", &channels); err != nil {
		return nil, err
	}
	return nonNil(channels), nil
}

// ListMessages returns one page of a channel's history. A zero before
// requests the newest page; otherwise only messages created strictly
// before it are returned.
func (c *Client) ListMessages(ctx context.Context, channelID string, before time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	path := "/channels/" + url.PathEscape(channelID) + "/messages?" + q.Encode()

	messages := make([]models.Message, 0)
	if err := c.do(ctx, "rest.list_messages", http.MethodGet, path, nil, "", &messages); err != nil {
		return nil, err
	}
	return nonNil(messages), nil
}

func (c *Client) ListMembers(ctx context.Context, channelID string) ([]models.ChannelMember, error) {
	members := make([]models.ChannelMember, 0)
	path := "/channels/" + url.PathEscape(channelID) + "/members"
	if err := c.do(ctx, "rest.list_members", http.MethodGet, path, nil, "", &members); err != nil {
		return nil, err
	}
	return nonNil(members), nil
}

// CreateDirect creates or looks up the direct channel with targetUserID.
// The backend makes this idempotent.
func (c *Client) CreateDirect(ctx context.Context, targetUserID string) (models.Channel, error) {
	var ch models.Channel
	path := "/channels/direct/" + url.PathEscape(targetUserID)
	if err := c.do(ctx, "rest.create_direct", http.MethodPost, path, nil, "", &ch); err != nil {
		return models.Channel{}, err
	}
	return ch, nil
}

// MarkRead is the REST form of the message:read command, used when the
// socket is down.
func (c *Client) MarkRead(ctx context.Context, channelID string) error {
	path := "/channels/" + url.PathEscape(channelID) + "/read"
	return c.do(ctx, "rest.mark_read", http.MethodPatch, path, nil, "", nil)
}

func (c *Client) ListUsers(ctx context.Context) ([]models.ChatUser, error) {
	users := make([]models.ChatUser, 0)
	if err := c.do(ctx, "rest.list_users", http.MethodGet, "/users", nil, "", &users); err != nil {
		return nil, err
	}
	return nonNil(users), nil
}

// File is one part of an upload.
type File struct {
	Name    string
	Content io.Reader
}

// Upload posts files as multipart field "files" and returns the stored
// attachment descriptors in the same order.
func (c *Client) Upload(ctx context.Context, files []File) ([]models.Attachment, error) {
	const op = "rest.upload"
	if len(files) == 0 {
		return nil, chaterr.New(chaterr.KindInvalidArgument, op, chaterr.ErrInvalidArgument)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, chaterr.New(chaterr.KindUpload, op, err)
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return nil, chaterr.New(chaterr.KindUpload, op, fmt.Errorf("read %s: %w", f.Name, err))
		}
	}
	if err := mw.Close(); err != nil {
		return nil, chaterr.New(chaterr.KindUpload, op, err)
	}

	attachments := make([]models.Attachment, 0, len(files))
	if err := c.do(ctx, op, http.MethodPost, "/upload", &body, mw.FormDataContentType(), &attachments); err != nil {
		var ce *chaterr.Error
		if errors.As(err, &ce) && ce.Kind == chaterr.KindFetch {
			ce.Kind = chaterr.KindUpload
		}
		return nil, err
	}
	return attachments, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return chaterr.New(chaterr.KindFetch, op, err)
	}

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("request failed", zap.String("op", op), zap.Error(err))
		return chaterr.New(chaterr.KindFetch, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("request rejected",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
		)
		return chaterr.HTTP(chaterr.KindFetch, op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return chaterr.New(chaterr.KindDecode, op, err)
	}
	return nil
}

// nonNil keeps a JSON null from reaching callers as a nil slice.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
