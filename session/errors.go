package session

import (
	"errors"
	"fmt"

	"github.com/maxpert/trxbook/common"
)

var (
	// ErrCapacityExceeded is returned when a level stack or the registry is full.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrDuplicateKey is returned when an id is already registered.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrEntryNotFound is returned when a lookup finds nothing. Deregistration
	// treats it as success.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrInvalidEntry is returned when registering the nil entry id.
	ErrInvalidEntry = errors.New("invalid entry id")

	// ErrBufferTooSmall is returned when a diagnostic dump does not fit.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrInvalidParameter is returned for out-of-range arguments.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidBufferSize is returned when a raw value buffer has the wrong size.
	ErrInvalidBufferSize = errors.New("invalid buffer size")

	// ErrResourceExhausted is returned when the session quota is used up.
	ErrResourceExhausted = errors.New("session quota exhausted")

	// ErrLogicError marks a broken calling contract (pop on empty stack,
	// teardown with user cursors open).
	ErrLogicError = errors.New("logic error")

	// ErrInvalidHandle is returned for handles of sessions that no longer exist.
	ErrInvalidHandle = errors.New("invalid session handle")

	// ErrRegistryClosed is returned once Teardown has started.
	ErrRegistryClosed = errors.New("session registry closed")

	// ErrSessionContextAlreadySet is returned when binding a session already
	// bound to another context.
	ErrSessionContextAlreadySet = errors.New("session context already set")

	// ErrSessionSharingViolation is returned when a session is used from a
	// context other than the one it is bound to.
	ErrSessionSharingViolation = errors.New("session sharing violation")
)

// LeakedSessionError reports a session that EndSession refused to free.
type LeakedSessionError struct {
	ProcID      common.ProcID
	OpenCursors int
	Reason      string
}

func (e *LeakedSessionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("session %d leaked: %s", e.ProcID, e.Reason)
	}
	return fmt.Sprintf("session %d leaked: %d cursor(s) still open", e.ProcID, e.OpenCursors)
}

// Unwrap lets callers match leaks with errors.Is(err, ErrLogicError).
func (e *LeakedSessionError) Unwrap() error {
	return ErrLogicError
}
