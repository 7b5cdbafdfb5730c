package message

import (
	"context"
	"errors"
	"fmt"
)

// Common errors for message store operations. Unknown sessions and messages
// are programmer errors and are never retried.
var (
	// ErrSessionNotFound is returned for operations on an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrMessageNotFound is returned when a referenced message id is unknown.
	ErrMessageNotFound = errors.New("message not found")
	// ErrDuplicateMessage is returned when appending an id that already exists.
	ErrDuplicateMessage = errors.New("duplicate message id")
	// ErrSessionExists is returned when creating a session id that is taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrCorruptTree is returned when parent links form a cycle.
	ErrCorruptTree = errors.New("message tree contains a cycle")
	// ErrDataIntegrity marks persisted data that cannot be parsed.
	ErrDataIntegrity = errors.New("data integrity violation")
	// ErrStorageClosed is returned when operating on a closed store.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// IntegrityError describes unreadable persisted state. It matches
// ErrDataIntegrity under errors.Is.
type IntegrityError struct {
	// Path is the file (or key) holding the bad data.
	Path string
	// Reason is a short human description such as "Invalid JSON".
	Reason string
	// Err is the underlying decode error, if any.
	Err error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data integrity error in %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("data integrity error in %s: %s", e.Path, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Is reports ErrDataIntegrity as a match.
func (e *IntegrityError) Is(target error) bool { return target == ErrDataIntegrity }

// Store is the message-store contract shared by every backend.
//
// Append, NavigateTo and AddLabel mutate the per-session leaf or label state
// and are not safe to call concurrently for the same session without
// external serialization.
type Store interface {
	// CreateSession registers a new empty session. An empty id is replaced
	// with a generated one. The effective id is returned.
	CreateSession(ctx context.Context, id string) (string, error)

	// HasSession reports whether id is known.
	HasSession(ctx context.Context, id string) (bool, error)

	// Sessions lists known session ids in a stable order.
	Sessions(ctx context.Context) ([]string, error)

	// Load returns the logical content of a session.
	Load(ctx context.Context, id string) (*Snapshot, error)

	// Save replaces the content of a session with snapshot, creating the
	// session when it does not exist yet.
	Save(ctx context.Context, id string, snapshot *Snapshot) (SaveStats, error)

	// Delete removes a session. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	// Append stores msg at the end of section. An empty ParentID attaches
	// the message to the current leaf. The stored message becomes the leaf.
	Append(ctx context.Context, id, section string, msg Message) (Message, error)

	// Get returns a message or nil when the id is unknown.
	Get(ctx context.Context, id, messageID string) (*Message, error)

	// GetSection returns a section's messages in insertion order. A positive
	// limit keeps only the last limit messages.
	GetSection(ctx context.Context, id, section string, limit int) ([]Message, error)

	// LeafID returns the current leaf, or "" for an empty session.
	LeafID(ctx context.Context, id string) (string, error)

	// NavigateTo moves the leaf to an existing message.
	NavigateTo(ctx context.Context, id, messageID string) error

	// Path returns the root-to-target chain. An empty target means the leaf.
	Path(ctx context.Context, id, toMessageID string) ([]Message, error)

	// Fork copies the root-to-fromMessageID chain into a new session whose
	// leaf is fromMessageID and returns the new session id.
	Fork(ctx context.Context, id, fromMessageID string) (string, error)

	// AddLabel sets a label on an existing message.
	AddLabel(ctx context.Context, id, messageID, label string) error

	// Labels returns labels keyed by target message id.
	Labels(ctx context.Context, id string) (map[string]string, error)

	// Close releases resources held by the store.
	Close() error
}
