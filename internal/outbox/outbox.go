// Package outbox keeps outgoing chat messages that could not be placed on
// the socket and replays them, oldest first, once the socket is back.
//
// Only message:send goes through here. Typing signals and read receipts are
// worthless once late, so they are sent directly and dropped on failure.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/portalchat/internal/chaterr"
	"github.com/lalith-99/portalchat/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Entry is one queued message. Owner is the portal user it was written by;
// it is only ever replayed over that user's socket.
type Entry struct {
	ID         uuid.UUID
	Owner      string
	Command    protocol.SendMessage
	EnqueuedAt time.Time
}

// Payload is the stored form of the entry's command.
func (e Entry) Payload() ([]byte, error) {
	return json.Marshal(e.Command)
}

// DecodePayload is the inverse of Entry.Payload.
func DecodePayload(b []byte) (protocol.SendMessage, error) {
	var cmd protocol.SendMessage
	if err := json.Unmarshal(b, &cmd); err != nil {
		return protocol.SendMessage{}, fmt.Errorf("decode outbox payload: %w", err)
	}
	return cmd, nil
}

// Store persists entries in FIFO order per owner.
//
// Why an interface?
//   - The same outbox runs on memory, a local SQLite file, Postgres or
//     Redis, picked by OUTBOX_BACKEND at startup.
//   - Outbox tests run against the in-memory store; each backend has its
//     own tests.
type Store interface {
	// Enqueue appends e to e.Owner's queue. Entries come back from Pending
	// in Enqueue order.
	Enqueue(ctx context.Context, e Entry) error

	// Pending returns up to limit of owner's oldest entries. limit <= 0
	// means all of them. Returns an empty slice, not nil, when nothing is
	// queued.
	Pending(ctx context.Context, owner string, limit int) ([]Entry, error)

	// Remove deletes one of owner's entries. Removing an unknown id is a
	// no-op.
	Remove(ctx context.Context, owner string, id uuid.UUID) error

	Close() error
}

// Sender is the socket.
type Sender interface {
	Send(cmd protocol.Command) error
}

// Delivery says what happened to a dispatched message.
type Delivery int

const (
	// Sent means the command was handed to the socket.
	Sent Delivery = iota + 1
	// Queued means the command is stored and will be sent on reconnect.
	Queued
)

func (d Delivery) String() string {
	switch d {
	case Sent:
		return "sent"
	case Queued:
		return "queued"
	default:
		return "unknown"
	}
}

const flushBatch = 32

type Options struct {
	// Rate caps replayed messages per second during Flush. Zero or less
	// means unlimited.
	Rate float64
	Now  func() time.Time
}

// Outbox is safe for concurrent use. Dispatch and Flush are serialized so
// queued messages never overtake each other.
type Outbox struct {
	sender  Sender
	store   Store
	limiter *rate.Limiter
	now     func() time.Time
	logger  *zap.Logger

	mu    sync.Mutex
	owner string
	// backlog is true while the owner's queue may hold entries. It starts
	// true so entries left over from a previous run are replayed before
	// anything new.
	backlog bool
}

// New builds an outbox over store. A nil store disables queueing: Dispatch
// then reports socket failures to the caller and nothing is retried.
func New(sender Sender, store Store, opts Options, logger *zap.Logger) *Outbox {
	o := &Outbox{
		sender:  sender,
		store:   store,
		now:     opts.Now,
		logger:  logger.Named("outbox"),
		backlog: store != nil,
	}
	if o.now == nil {
		o.now = time.Now
	}
	if opts.Rate > 0 {
		burst := int(opts.Rate)
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	return o
}

// SetOwner switches the outbox to userID's queue. Entries of other users
// stay stored and untouched until their owner signs in again. Waits for an
// in-flight flush to finish.
func (o *Outbox) SetOwner(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if userID == o.owner {
		return
	}
	o.owner = userID
	o.backlog = o.store != nil
}

// Owner returns the user whose queue is in use.
func (o *Outbox) Owner() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.owner
}

// Enabled reports whether failed sends are queued.
func (o *Outbox) Enabled() bool {
	return o.store != nil
}

// Backlog reports whether queued messages may be waiting.
func (o *Outbox) Backlog() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.backlog
}

// Dispatch sends cmd now, or stores it when the socket is down or
// congested. While a backlog exists new messages join the end of the queue
// and the queue is flushed, so delivery order matches Dispatch order.
func (o *Outbox) Dispatch(ctx context.Context, cmd protocol.SendMessage) (Delivery, error) {
	if o.store == nil {
		if err := o.sender.Send(cmd); err != nil {
			return 0, err
		}
		return Sent, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	hadBacklog := o.backlog
	if !hadBacklog {
		err := o.sender.Send(cmd)
		if err == nil {
			return Sent, nil
		}
		if !queueable(err) {
			return 0, err
		}
	}

	e := Entry{ID: uuid.New(), Owner: o.owner, Command: cmd, EnqueuedAt: o.now().UTC()}
	if err := o.store.Enqueue(ctx, e); err != nil {
		return 0, fmt.Errorf("enqueue message: %w", err)
	}
	o.backlog = true
	o.logger.Info("message queued",
		zap.String("entry_id", e.ID.String()),
		zap.String("channel_id", cmd.ChannelID),
	)

	if hadBacklog {
		if _, err := o.flushLocked(ctx); err == nil && !o.backlog {
			return Sent, nil
		}
	}
	return Queued, nil
}

// Flush replays queued messages oldest first, paced by the rate limit. It
// stops at the first send failure and leaves the rest queued. Returns how
// many messages were sent.
func (o *Outbox) Flush(ctx context.Context) (int, error) {
	if o.store == nil {
		return 0, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flushLocked(ctx)
}

func (o *Outbox) flushLocked(ctx context.Context) (int, error) {
	sent := 0
	for {
		batch, err := o.store.Pending(ctx, o.owner, flushBatch)
		if err != nil {
			return sent, fmt.Errorf("read outbox: %w", err)
		}
		if len(batch) == 0 {
			o.backlog = false
			if sent > 0 {
				o.logger.Info("outbox drained", zap.Int("sent", sent))
			}
			return sent, nil
		}

		for _, e := range batch {
			if o.limiter != nil {
				if err := o.limiter.Wait(ctx); err != nil {
					return sent, err
				}
			}
			if err := o.sender.Send(e.Command); err != nil {
				o.logger.Warn("outbox flush interrupted",
					zap.Int("sent", sent),
					zap.Error(err),
				)
				return sent, err
			}
			// The message is on the wire. A failed Remove means it is sent
			// again on the next flush.
			if err := o.store.Remove(ctx, o.owner, e.ID); err != nil {
				return sent, fmt.Errorf("remove %s from outbox: %w", e.ID, err)
			}
			sent++
		}
	}
}

// Pending lists what the current owner has queued, oldest first.
func (o *Outbox) Pending(ctx context.Context) ([]Entry, error) {
	if o.store == nil {
		return []Entry{}, nil
	}
	return o.store.Pending(ctx, o.Owner(), 0)
}

func (o *Outbox) Close() error {
	if o.store == nil {
		return nil
	}
	return o.store.Close()
}

func queueable(err error) bool {
	if errors.Is(err, chaterr.ErrNotConnected) {
		return true
	}
	return chaterr.KindOf(err) == chaterr.KindTransport
}
