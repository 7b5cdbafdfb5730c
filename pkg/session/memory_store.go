package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a volatile Store backed by a map. Racing saves of the same
// id are serialized by a mutex so exactly one of them succeeds.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[SessionID]AgentSession
	closed   bool
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[SessionID]AgentSession),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Backend implements Named.
func (m *MemoryStore) Backend() string { return "memory" }

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, s AgentSession) SaveResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Failed(ErrStorageClosed)
	}

	var stored int64
	if prev, ok := m.sessions[s.ID()]; ok {
		stored = prev.Version()
	}
	if s.Version() != stored {
		return Conflicted(s.ID(), stored, s.Version())
	}

	next := s.Advance(m.now())
	m.sessions[s.ID()] = next
	return Saved(next.Clone())
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, id SessionID) (*AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	out := s.Clone()
	return &out, nil
}

// Exists implements Store.
func (m *MemoryStore) Exists(ctx context.Context, id SessionID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ErrStorageClosed
	}
	_, ok := m.sessions[id]
	return ok, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, id SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	delete(m.sessions, id)
	return nil
}

// ListHeaders implements Store.
func (m *MemoryStore) ListHeaders(ctx context.Context) (InfoList, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make(InfoList, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info)
	}
	sortInfos(out)
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

func sortInfos(l InfoList) {
	sort.Slice(l, func(i, j int) bool {
		return l[i].SessionID < l[j].SessionID
	})
}
