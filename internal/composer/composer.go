// Package composer is the message input of the active channel: draft text,
// reply target, @mention autocomplete and the outgoing typing signal.
package composer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/lalith-99/portalchat/internal/chaterr"
	"github.com/lalith-99/portalchat/internal/clock"
	"github.com/lalith-99/portalchat/internal/models"
	"github.com/lalith-99/portalchat/internal/outbox"
	"github.com/lalith-99/portalchat/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
)

// DefaultQuiet is how long after the last keystroke typing:stop is sent.
const DefaultQuiet = 3 * time.Second

// MaxCandidates caps the mention autocomplete.
const MaxCandidates = 6

// mentionToken matches an "@" followed by letters only, ending at the caret.
var mentionToken = regexp.MustCompile(`@(\p{L}*)$`)

type State int

const (
	Idle State = iota
	Composing
	Sending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Composing:
		return "composing"
	case Sending:
		return "sending"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Key is a keyboard key the composer reacts to.
type Key string

const (
	KeyEnter  Key = "Enter"
	KeyEscape Key = "Escape"
)

// Action reports what a key press did.
type Action string

const (
	ActionNone          Action = "none"
	ActionSent          Action = "sent"
	ActionQueued        Action = "queued"
	ActionNewline       Action = "newline"
	ActionMentionClosed Action = "mention_closed"
	ActionReplyCleared  Action = "reply_cleared"
)

// Sender carries the typing signals.
type Sender interface {
	Send(cmd protocol.Command) error
}

// Dispatcher places a message on the socket or queues it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd protocol.SendMessage) (outbox.Delivery, error)
}

// Snapshot is a copy of the composer state for rendering.
type Snapshot struct {
	ChannelID  string          `json:"channelId"`
	State      string          `json:"state"`
	Text       string          `json:"text"`
	Caret      int             `json:"caret"`
	ReplyTo    *models.Message `json:"replyTo,omitempty"`
	Mentions   []string        `json:"mentions"`
	Mentioning bool            `json:"mentioning"`
	Query      string          `json:"query,omitempty"`
}

// Composer is safe for concurrent use. Caret positions count runes.
type Composer struct {
	sender   Sender
	dispatch Dispatcher
	clock    clock.Clock
	quiet    time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	channelID string
	session   uint64
	state     State
	text      string
	caret     int
	reply     *models.Message
	mentions  []string

	mentioning bool
	query      string
	tokenStart int

	typingTimer clock.Timer
	typingGen   uint64
}

func New(sender Sender, dispatch Dispatcher, c clock.Clock, quiet time.Duration, logger *zap.Logger) *Composer {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	return &Composer{
		sender:   sender,
		dispatch: dispatch,
		clock:    c,
		quiet:    quiet,
		logger:   logger.Named("composer"),
	}
}

// Open starts a fresh draft for channelID. A previous channel is left
// first, so its typing indicator stops at once.
func (c *Composer) Open(channelID string) {
	c.Leave()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelID = channelID
}

// Leave sends typing:stop for the current channel, cancels the countdown
// and discards the draft.
func (c *Composer) Leave() {
	c.mu.Lock()
	ch := c.channelID
	c.stopTypingLocked()
	c.resetLocked()
	c.channelID = ""
	c.session++
	c.mu.Unlock()

	if ch != "" {
		c.signal(protocol.TypingStopCmd{ChannelID: ch})
	}
}

func (c *Composer) resetLocked() {
	c.state = Idle
	c.text = ""
	c.caret = 0
	c.reply = nil
	c.mentions = nil
	c.mentioning = false
	c.query = ""
	c.tokenStart = 0
}

func (c *Composer) stopTypingLocked() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingGen++
}

// SetText records an edit. caret < 0 or past the end puts the caret at the
// end of text.
func (c *Composer) SetText(text string, caret int) {
	c.mu.Lock()
	n := utf8.RuneCountInString(text)
	if caret < 0 || caret > n {
		caret = n
	}
	c.text = text
	c.caret = caret
	if c.state != Sending {
		if text == "" {
			c.state = Idle
		} else {
			c.state = Composing
		}
	}
	c.detectMentionLocked()

	ch := c.channelID
	start := text != "" && ch != ""
	if start {
		c.armTypingLocked(ch)
	}
	c.mu.Unlock()

	if start {
		c.signal(protocol.TypingStartCmd{ChannelID: ch})
	}
}

func (c *Composer) detectMentionLocked() {
	runes := []rune(c.text)
	before := string(runes[:c.caret])
	m := mentionToken.FindStringSubmatch(before)
	if m == nil {
		c.mentioning = false
		c.query = ""
		return
	}
	c.mentioning = true
	c.query = m[1]
	c.tokenStart = c.caret - utf8.RuneCountInString(m[0])
}

func (c *Composer) armTypingLocked(channelID string) {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingGen++
	gen := c.typingGen
	c.typingTimer = c.clock.AfterFunc(c.quiet, func() {
		c.mu.Lock()
		if c.typingGen != gen {
			c.mu.Unlock()
			return
		}
		c.typingTimer = nil
		c.mu.Unlock()
		c.signal(protocol.TypingStopCmd{ChannelID: channelID})
	})
}

// signal sends a typing command. These are best effort: a missed signal
// only leaves a peer's indicator up until its own expiry.
func (c *Composer) signal(cmd protocol.Command) {
	if err := c.sender.Send(cmd); err != nil {
		c.logger.Debug("typing signal dropped",
			zap.String("event", string(cmd.Name())),
			zap.Error(err),
		)
	}
}

// Candidates filters members for the open mention query: first name, last
// name or full name starting with the query, ignoring case, in member
// order, at most MaxCandidates. Nil when no mention is open.
func (c *Composer) Candidates(members []models.ChannelMember) []models.ChannelMember {
	c.mu.Lock()
	mentioning, query := c.mentioning, c.query
	c.mu.Unlock()
	if !mentioning {
		return nil
	}
	return MatchMembers(members, query, MaxCandidates)
}

// MatchMembers is the mention filter. limit <= 0 means no limit.
func MatchMembers(members []models.ChannelMember, query string, limit int) []models.ChannelMember {
	fold := cases.Fold()
	q := fold.String(query)
	out := []models.ChannelMember{}
	for _, m := range members {
		if strings.HasPrefix(fold.String(m.FirstName), q) ||
			strings.HasPrefix(fold.String(m.LastName), q) ||
			strings.HasPrefix(fold.String(m.FullName()), q) {
			out = append(out, m)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

// SelectMention replaces the open "@query" token with "@First Last ",
// records the member as mentioned and closes the autocomplete.
func (c *Composer) SelectMention(m models.ChannelMember) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mentioning {
		return chaterr.New(chaterr.KindInvalidArgument, "composer.select_mention", fmt.Errorf("no mention in progress"))
	}

	runes := []rune(c.text)
	end := c.tokenStart + 1 + utf8.RuneCountInString(c.query)
	if end > len(runes) {
		end = len(runes)
	}
	insert := "@" + m.FullName() + " "
	c.text = string(runes[:c.tokenStart]) + insert + string(runes[end:])
	c.caret = c.tokenStart + utf8.RuneCountInString(insert)

	seen := false
	for _, id := range c.mentions {
		if id == m.UserID {
			seen = true
			break
		}
	}
	if !seen {
		c.mentions = append(c.mentions, m.UserID)
	}
	c.mentioning = false
	c.query = ""
	if c.state == Idle {
		c.state = Composing
	}
	return nil
}

// CloseMention dismisses the autocomplete without touching the text.
func (c *Composer) CloseMention() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mentioning = false
	c.query = ""
}

func (c *Composer) SetReply(msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := msg
	c.reply = &m
}

func (c *Composer) ClearReply() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reply = nil
}

// KeyDown handles the keys the composer owns. Enter sends, Enter with a
// modifier inserts a newline at the caret. Escape closes the autocomplete
// if open, otherwise clears the reply target if set.
func (c *Composer) KeyDown(ctx context.Context, key Key, modifier bool) (Action, error) {
	switch key {
	case KeyEnter:
		if modifier {
			c.mu.Lock()
			runes := []rune(c.text)
			text := string(runes[:c.caret]) + "\n" + string(runes[c.caret:])
			caret := c.caret + 1
			c.mu.Unlock()
			c.SetText(text, caret)
			return ActionNewline, nil
		}
		d, err := c.Send(ctx)
		if err != nil {
			return ActionNone, err
		}
		if d == outbox.Queued {
			return ActionQueued, nil
		}
		return ActionSent, nil

	case KeyEscape:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.mentioning {
			c.mentioning = false
			c.query = ""
			return ActionMentionClosed, nil
		}
		if c.reply != nil {
			c.reply = nil
			return ActionReplyCleared, nil
		}
	}
	return ActionNone, nil
}

// Send dispatches the draft. Whitespace-only text sends nothing and returns
// chaterr.ErrEmptyMessage. On success, sent or queued, the draft is cleared
// and typing:stop goes out at once. On failure the draft is kept.
func (c *Composer) Send(ctx context.Context) (outbox.Delivery, error) {
	const op = "composer.send"

	c.mu.Lock()
	if c.state == Sending {
		c.mu.Unlock()
		return 0, chaterr.New(chaterr.KindInvalidArgument, op, fmt.Errorf("send already in progress"))
	}
	ch := c.channelID
	if ch == "" {
		c.mu.Unlock()
		return 0, chaterr.New(chaterr.KindInvalidArgument, op, fmt.Errorf("no channel open"))
	}
	content := strings.TrimSpace(c.text)
	if content == "" {
		c.mu.Unlock()
		return 0, chaterr.New(chaterr.KindInvalidArgument, op, chaterr.ErrEmptyMessage)
	}
	cmd := protocol.SendMessage{ChannelID: ch, Content: content}
	if c.reply != nil {
		cmd.ReplyToID = c.reply.ID
	}
	if len(c.mentions) > 0 {
		cmd.Mentions = append([]string{}, c.mentions...)
	}
	session := c.session
	c.state = Sending
	c.mu.Unlock()

	d, err := c.dispatch.Dispatch(ctx, cmd)

	c.mu.Lock()
	if c.session != session {
		// The user left the channel meanwhile; the draft is already gone.
		c.mu.Unlock()
		return d, err
	}
	if err != nil {
		c.state = Composing
		c.mu.Unlock()
		c.logger.Warn("send failed, draft kept", zap.String("channel_id", ch), zap.Error(err))
		return 0, err
	}
	c.stopTypingLocked()
	c.resetLocked()
	c.mu.Unlock()

	c.signal(protocol.TypingStopCmd{ChannelID: ch})
	return d, nil
}

func (c *Composer) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		ChannelID:  c.channelID,
		State:      c.state.String(),
		Text:       c.text,
		Caret:      c.caret,
		Mentions:   append([]string{}, c.mentions...),
		Mentioning: c.mentioning,
		Query:      c.query,
	}
	if c.reply != nil {
		r := *c.reply
		s.ReplyTo = &r
	}
	return s
}

func (c *Composer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
