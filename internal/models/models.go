package models

import (
	"strings"
	"time"
)

// ChannelKind groups channels in the sidebar. The backend sends the
// upper-case names verbatim.
type ChannelKind string

const (
	KindGeneral    ChannelKind = "GENERAL"
	KindDepartment ChannelKind = "DEPARTMENT"
	KindDirect     ChannelKind = "DIRECT"
	KindManagers   ChannelKind = "MANAGERS"
)

// DMUser is the other participant of a direct channel.
type DMUser struct {
	UserID    string `json:"userId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// LastMessage is the preview shown under a channel name.
type LastMessage struct {
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
	SenderName string    `json:"senderName"`
}

// Channel is a chat room the current user belongs to.
//
// Channels are created by the backend. The client only ever mutates
// UnreadCount (zeroed on read) and never deletes a channel locally.
//
// Why string IDs and not uuid.UUID?
//   - The backend owns the identifiers. The client treats them as opaque
//     and never parses them, so a string is the honest type.
type Channel struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Kind         ChannelKind  `json:"type"`
	DepartmentID string       `json:"departmentId,omitempty"`
	Description  string       `json:"description,omitempty"`
	UnreadCount  int          `json:"unreadCount"`
	DMUser       *DMUser      `json:"dmUser,omitempty"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
}

// Sender is the author block embedded in every message.
type Sender struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// FullName returns "First Last".
func (s Sender) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// ReplyRef is a non-owning back-reference to an earlier message.
// Content is already truncated by the backend.
type ReplyRef struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Sender  Sender `json:"sender"`
}

// Attachment describes a file previously uploaded through /chat/upload.
type Attachment struct {
	FileName string `json:"fileName"`
	FilePath string `json:"filePath"`
	FileType string `json:"fileType"`
	Size     int64  `json:"size"`
}

// Message is a single chat message.
//
// IDs are assigned by the backend and are unique. Within a cached timeline
// messages are unique by ID and sorted ascending by CreatedAt.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channelId"`
	Content     string       `json:"content"`
	CreatedAt   time.Time    `json:"createdAt"`
	Sender      Sender       `json:"sender"`
	ReplyTo     *ReplyRef    `json:"replyTo,omitempty"`
	Mentions    []string     `json:"mentions,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ChannelMember is a user's membership in one channel.
// LastReadAt moves forward on read:update events.
type ChannelMember struct {
	UserID     string    `json:"userId"`
	FirstName  string    `json:"firstName"`
	LastName   string    `json:"lastName"`
	AvatarURL  string    `json:"avatarUrl,omitempty"`
	LastReadAt time.Time `json:"lastReadAt"`
}

// FullName returns "First Last".
func (m ChannelMember) FullName() string {
	return strings.TrimSpace(m.FirstName + " " + m.LastName)
}

// ChatUser is an entry of the user directory used by the new-DM picker.
type ChatUser struct {
	UserID         string `json:"userId"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	AvatarURL      string `json:"avatarUrl,omitempty"`
	Email          string `json:"email"`
	DepartmentName string `json:"departmentName,omitempty"`
}

// ChannelGroups is the sidebar view of the channel list. Each slice keeps
// the order the backend returned.
type ChannelGroups struct {
	General    []Channel `json:"general"`
	Managers   []Channel `json:"managers"`
	Department []Channel `json:"department"`
	Direct     []Channel `json:"direct"`
}
