package session

import (
	"context"
)

// Repository is a thin layer over a Store that turns a missing session into
// a *NotFoundError for call sites that require it to exist. Find, Exists and
// the store's own Load stay available for call sites where absence is
// expected.
type Repository struct {
	store Store
}

// NewRepository wraps store.
func NewRepository(store Store) *Repository {
	return &Repository{store: store}
}

// Store returns the underlying store.
func (r *Repository) Store() Store { return r.store }

// Create performs the first save of a fresh session. A session whose version
// is not 0 comes back as a conflict from the store.
func (r *Repository) Create(ctx context.Context, s AgentSession) SaveResult {
	return r.store.Save(ctx, s)
}

// Save passes through to the store.
func (r *Repository) Save(ctx context.Context, s AgentSession) SaveResult {
	return r.store.Save(ctx, s)
}

// Load returns the session or a *NotFoundError.
func (r *Repository) Load(ctx context.Context, id SessionID) (AgentSession, error) {
	s, err := r.store.Load(ctx, id)
	if err != nil {
		return AgentSession{}, err
	}
	if s == nil {
		return AgentSession{}, &NotFoundError{ID: id}
	}
	return *s, nil
}

// Find returns the session or nil when absent.
func (r *Repository) Find(ctx context.Context, id SessionID) (*AgentSession, error) {
	return r.store.Load(ctx, id)
}

// Exists passes through to the store.
func (r *Repository) Exists(ctx context.Context, id SessionID) (bool, error) {
	return r.store.Exists(ctx, id)
}

// Delete passes through to the store.
func (r *Repository) Delete(ctx context.Context, id SessionID) error {
	return r.store.Delete(ctx, id)
}

// ListHeaders passes through to the store.
func (r *Repository) ListHeaders(ctx context.Context) (InfoList, error) {
	return r.store.ListHeaders(ctx)
}
