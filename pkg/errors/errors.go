package amora_errors

import (
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrClosed            = errors.New("closed")
)

// Call setup errors
var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceNotFound   = errors.New("media device not found")
	ErrTimeout          = errors.New("timed out")
	ErrCallInProgress   = errors.New("call already in progress")
	ErrCallBusy         = errors.New("peer has a live invitation")
	ErrInvitationGone   = errors.New("invitation no longer exists")
)

// TransientNetworkError is a dropped or refused realtime subscription. The
// channel manager retries these with backoff.
type TransientNetworkError struct {
	Topic string
	Err   error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("realtime %s: %v", e.Topic, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// PersistenceError is a failed write to a durable store. It is always
// returned to the caller, never logged and dropped.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ProtocolError is a malformed realtime payload.
type ProtocolError struct {
	Topic  string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error on %s: %s: %v", e.Topic, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error on %s: %s", e.Topic, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError is a failed peer transport negotiation.
type TransportError struct {
	Remote string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("peer transport to %s: %v", e.Remote, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError unless it is nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err carries a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// NowPtr returns a pointer to current time
func NowPtr() *time.Time {
	now := time.Now()
	return &now
}
