package session

import (
	"context"
)

// Store persists whole AgentSession snapshots keyed by SessionID.
// Implementations must be safe for concurrent use.
//
// Save is an optimistic compare-and-set: the incoming session must carry the
// version the store currently holds for its id, or 0 when the id is unknown.
// On a match the store writes the session with version+1 and a refreshed
// UpdatedAt and returns Saved; on a mismatch it returns Conflicted and
// changes nothing. I/O and integrity problems are returned as Failed.
type Store interface {
	// Save writes s if its version matches the stored one.
	Save(ctx context.Context, s AgentSession) SaveResult

	// Load returns the stored session, or nil without error when id is absent.
	// Unreadable persisted data yields an *IntegrityError.
	Load(ctx context.Context, id SessionID) (*AgentSession, error)

	// Exists reports whether id has a persisted representation.
	Exists(ctx context.Context, id SessionID) (bool, error)

	// Delete removes every persisted representation of id. Deleting an absent
	// id is not an error.
	Delete(ctx context.Context, id SessionID) error

	// ListHeaders returns the headers of all persisted sessions ordered by
	// session id. It fails on the first unreadable session.
	ListHeaders(ctx context.Context) (InfoList, error)

	// Close releases any resources held by the store.
	Close() error
}

// Named is implemented by stores that report a backend name for logs and
// metrics.
type Named interface {
	Backend() string
}

// BackendName returns the backend name of s, or "custom".
func BackendName(s Store) string {
	if n, ok := s.(Named); ok {
		return n.Backend()
	}
	return "custom"
}
