// Package chaterr is the single error surface of the chat client.
//
// Every data-access and command operation returns a plain Go error. When
// the caller needs to branch on the failure class it uses errors.Is against
// the sentinels below or errors.As into *Error.
package chaterr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindTransport       Kind = "transport"
	KindNotConnected    Kind = "not_connected"
	KindFetch           Kind = "fetch"
	KindDecode          Kind = "decode"
	KindUpload          Kind = "upload"
	KindStale           Kind = "stale"
	KindInvalidArgument Kind = "invalid_argument"
)

var (
	// ErrNotConnected is returned by commands issued while the socket is down.
	ErrNotConnected = errors.New("socket not connected")

	// ErrStale marks a response that arrived after the channel it was
	// requested for stopped being active.
	ErrStale = errors.New("stale response discarded")

	// ErrEmptyMessage is returned when the composer holds only whitespace.
	ErrEmptyMessage = errors.New("message is empty")

	ErrInvalidArgument = errors.New("invalid argument")
)

// Error carries the operation that failed, its class and, for REST calls,
// the HTTP status.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNotConnected) match an *Error of the matching
// kind even when Err holds a lower level cause.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotConnected:
		return e.Kind == KindNotConnected
	case ErrStale:
		return e.Kind == KindStale
	case ErrInvalidArgument:
		return e.Kind == KindInvalidArgument
	}
	return false
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// HTTP builds a fetch or upload error for a non-2xx response.
func HTTP(kind Kind, op string, status int, body string) *Error {
	return &Error{Kind: kind, Op: op, Status: status, Err: errors.New(body)}
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
