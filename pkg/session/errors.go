package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aixgo-dev/agentstate/pkg/message"
)

// Common errors for session storage.
var (
	// ErrNotFound is returned when a session had to exist but does not.
	ErrNotFound = errors.New("session not found")
	// ErrConflict marks a save that presented a stale version.
	ErrConflict = errors.New("version conflict")
	// ErrDataIntegrity marks persisted data that cannot be parsed. It is the
	// same sentinel the message stores use.
	ErrDataIntegrity = message.ErrDataIntegrity
	// ErrStorageClosed is returned when operating on a closed store.
	ErrStorageClosed = errors.New("session store is closed")
	// ErrInvalidPathComponent is returned when an id contains a path separator
	// or a traversal sequence.
	ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")
)

// IntegrityError names the unreadable file or key and why it was rejected.
type IntegrityError = message.IntegrityError

// NotFoundError reports a session that was required to exist.
type NotFoundError struct {
	ID SessionID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports an optimistic concurrency failure.
type ConflictError struct {
	ID SessionID
	// Expected is the version the store holds.
	Expected int64
	// Actual is the version the caller presented.
	Actual int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("Version conflict for session %s: expected version %d, got %d", e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}
