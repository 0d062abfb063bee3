package telechat

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes failures surfaced by a conversation.
type ErrorKind string

const (
	// KindInitialization means no session identity could be established.
	// Terminal for the room.
	KindInitialization ErrorKind = "initialization"
	// KindFetch means the history load failed. The queue stays operable.
	KindFetch ErrorKind = "fetch"
	// KindSend means a single queued message could not be delivered.
	KindSend ErrorKind = "send"
	// KindPersistence means local queue storage is unavailable.
	KindPersistence ErrorKind = "persistence"
	// KindSubscription means the change feed could not be attached. Terminal
	// for the room.
	KindSubscription ErrorKind = "subscription"
)

// ErrNotReady is returned by conversation entry points called before
// initialization completed or after it failed.
var ErrNotReady = errors.New("conversation not ready")

// Error is a categorized failure with the operation and room it happened in.
type Error struct {
	Kind   ErrorKind
	Op     string
	RoomID string
	Err    error
}

func (e *Error) Error() string {
	if e.RoomID != "" {
		return fmt.Sprintf("%s: %s (room %s): %v", e.Kind, e.Op, e.RoomID, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op, roomID string, err error) *Error {
	return &Error{Kind: kind, Op: op, RoomID: roomID, Err: err}
}

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Terminal reports whether err prevents a room from operating at all.
func Terminal(err error) bool {
	return IsKind(err, KindInitialization) || IsKind(err, KindSubscription)
}
