package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lalith-99/portalchat/internal/models"
)

// EventName identifies the type of a socket frame.
type EventName string

const (
	// Client -> Server
	CmdSendMessage EventName = "message:send"
	CmdMarkRead    EventName = "message:read"
	CmdJoinChannel EventName = "channel:join"
	CmdTypingStart EventName = "typing:start"
	CmdTypingStop  EventName = "typing:stop"

	// Server -> Client
	EvtMessageNew       EventName = "message:new"
	EvtTyping           EventName = "typing"
	EvtTypingStop       EventName = "typing:stop"
	EvtPresenceSnapshot EventName = "users:online"
	EvtPresenceJoin     EventName = "user:online"
	EvtPresenceLeave    EventName = "user:offline"
	EvtReadUpdate       EventName = "read:update"
)

// ErrUnknownEvent is returned by Decode for event names outside the
// inbound taxonomy. Callers log and drop such frames.
var ErrUnknownEvent = errors.New("unknown event")

// Envelope wraps every socket frame with its event name.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is the closed set of inbound events. Only types in this package
// implement it, so a type switch over Event can cover every case.
type Event interface {
	eventName() EventName
}

// MessageNew carries a message created in any channel the user belongs to.
type MessageNew struct {
	Message models.Message
}

// TypingStart reports that UserID is typing in ChannelID.
type TypingStart struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

// TypingStop reports that UserID stopped typing. The backend does not
// always include the channel.
type TypingStop struct {
	ChannelID string `json:"channelId,omitempty"`
	UserID    string `json:"userId"`
}

// PresenceSnapshot is the full set of online users, sent on (re)connect.
type PresenceSnapshot struct {
	UserIDs []string
}

type PresenceJoin struct {
	UserID string `json:"userId"`
}

type PresenceLeave struct {
	UserID string `json:"userId"`
}

// ReadUpdate tells members of a channel that someone's read marker moved.
type ReadUpdate struct {
	ChannelID  string    `json:"channelId"`
	UserID     string    `json:"userId"`
	LastReadAt time.Time `json:"lastReadAt"`
}

func (MessageNew) eventName() EventName       { return EvtMessageNew }
func (TypingStart) eventName() EventName      { return EvtTyping }
func (TypingStop) eventName() EventName       { return EvtTypingStop }
func (PresenceSnapshot) eventName() EventName { return EvtPresenceSnapshot }
func (PresenceJoin) eventName() EventName     { return EvtPresenceJoin }
func (PresenceLeave) eventName() EventName    { return EvtPresenceLeave }
func (ReadUpdate) eventName() EventName       { return EvtReadUpdate }

// NameOf returns the wire name of an inbound event.
func NameOf(e Event) EventName {
	return e.eventName()
}

// Command is an outbound frame.
type Command interface {
	Name() EventName
}

// SendMessage posts a new message. ReplyToID and Mentions are omitted from
// the wire when empty.
type SendMessage struct {
	ChannelID string   `json:"channelId"`
	Content   string   `json:"content"`
	ReplyToID string   `json:"replyToId,omitempty"`
	Mentions  []string `json:"mentions,omitempty"`
}

type MarkRead struct {
	ChannelID string `json:"channelId"`
}

type JoinChannel struct {
	ChannelID string `json:"channelId"`
}

type TypingStartCmd struct {
	ChannelID string `json:"channelId"`
}

type TypingStopCmd struct {
	ChannelID string `json:"channelId"`
}

func (SendMessage) Name() EventName    { return CmdSendMessage }
func (MarkRead) Name() EventName       { return CmdMarkRead }
func (JoinChannel) Name() EventName    { return CmdJoinChannel }
func (TypingStartCmd) Name() EventName { return CmdTypingStart }
func (TypingStopCmd) Name() EventName  { return CmdTypingStop }

// Encode serializes a command into an envelope frame.
func Encode(cmd Command) ([]byte, error) {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", cmd.Name(), err)
	}
	return json.Marshal(Envelope{Event: cmd.Name(), Data: raw})
}

// ParseEnvelope parses a frame without interpreting its payload.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Decode turns an inbound frame into its typed Event.
func Decode(data []byte) (Event, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}

	switch env.Event {
	case EvtMessageNew:
		var msg models.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return MessageNew{Message: msg}, nil

	case EvtTyping:
		var e TypingStart
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return e, nil

	case EvtTypingStop:
		var e TypingStop
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return e, nil

	case EvtPresenceSnapshot:
		var ids []string
		if err := json.Unmarshal(env.Data, &ids); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return PresenceSnapshot{UserIDs: ids}, nil

	case EvtPresenceJoin:
		var e PresenceJoin
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return e, nil

	case EvtPresenceLeave:
		var e PresenceLeave
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return e, nil

	case EvtReadUpdate:
		var e ReadUpdate
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &e); err != nil {
				return nil, fmt.Errorf("decode %s: %w", env.Event, err)
			}
		}
		return e, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

// EncodeEvent serializes an inbound event, the inverse of Decode. The client
// never sends these; test servers use it to produce frames.
func EncodeEvent(e Event) ([]byte, error) {
	var payload any = e
	switch v := e.(type) {
	case MessageNew:
		payload = v.Message
	case PresenceSnapshot:
		ids := v.UserIDs
		if ids == nil {
			ids = []string{}
		}
		payload = ids
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.eventName(), err)
	}
	return json.Marshal(Envelope{Event: e.eventName(), Data: raw})
}
