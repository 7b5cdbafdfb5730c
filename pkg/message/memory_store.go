package message

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memSession is the per-session state of MemoryStore.
type memSession struct {
	messages map[string]Message
	// sectionOf records the section each message was stored in.
	sectionOf map[string]string
	// order lists section names in first-seen order.
	order   []string
	members map[string][]string
	leaf    string
	labels  map[string]string
}

func newMemSession() *memSession {
	return &memSession{
		messages:  make(map[string]Message),
		sectionOf: make(map[string]string),
		members:   make(map[string][]string),
		labels:    make(map[string]string),
	}
}

func (s *memSession) add(section string, msg Message) {
	if _, ok := s.members[section]; !ok {
		s.order = append(s.order, section)
	}
	s.members[section] = append(s.members[section], msg.ID)
	s.messages[msg.ID] = msg
	s.sectionOf[msg.ID] = section
}

func (s *memSession) lookup(id string) (Message, bool) {
	m, ok := s.messages[id]
	return m, ok
}

func (s *memSession) snapshot() *Snapshot {
	snap := &Snapshot{
		Sections: make([]Section, 0, len(s.order)),
		LeafID:   s.leaf,
		Labels:   maps.Clone(s.labels),
	}
	for _, name := range s.order {
		ids := s.members[name]
		msgs := make([]Message, 0, len(ids))
		for _, id := range ids {
			msgs = append(msgs, s.messages[id].Clone())
		}
		snap.Sections = append(snap.Sections, Section{Name: name, Messages: msgs})
	}
	return snap
}

// MemoryStore is a volatile, process-local Store. It behaves like the
// durable backends and is meant for tests and single-process use.
// MemoryStore is safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
	closed   bool
}

// NewMemoryStore creates an empty in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memSession)}
}

// CreateSession registers an empty session.
func (m *MemoryStore) CreateSession(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrStorageClosed
	}
	if id == "" {
		id = uuid.New().String()
	}
	if _, ok := m.sessions[id]; ok {
		return "", fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	m.sessions[id] = newMemSession()
	return id, nil
}

// HasSession reports whether id is known.
func (m *MemoryStore) HasSession(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ErrStorageClosed
	}
	_, ok := m.sessions[id]
	return ok, nil
}

// Sessions lists session ids sorted lexically.
func (m *MemoryStore) Sessions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	ids := slices.Collect(maps.Keys(m.sessions))
	sort.Strings(ids)
	return ids, nil
}

// Load returns a deep copy of the session content.
func (m *MemoryStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.sessionLocked(id)
	if err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

// Save rebuilds the session from snapshot. Messages missing from the
// snapshot are pruned; ids not previously stored are counted as new.
func (m *MemoryStore) Save(ctx context.Context, id string, snapshot *Snapshot) (SaveStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return SaveStats{}, ErrStorageClosed
	}
	if id == "" {
		return SaveStats{}, fmt.Errorf("session id required")
	}

	prev := m.sessions[id]
	next := newMemSession()
	var stats SaveStats

	if snapshot != nil {
		for _, sec := range snapshot.Sections {
			if _, ok := next.members[sec.Name]; !ok {
				next.order = append(next.order, sec.Name)
				next.members[sec.Name] = nil
				stats.Sections++
			}
			for _, msg := range sec.Messages {
				if msg.ID == "" {
					return SaveStats{}, fmt.Errorf("save session %s: message without id in section %s", id, sec.Name)
				}
				if _, dup := next.messages[msg.ID]; dup {
					return SaveStats{}, fmt.Errorf("save session %s: %w: %s", id, ErrDuplicateMessage, msg.ID)
				}
				if prev == nil || !hasMessage(prev, msg.ID) {
					stats.NewMessages++
				}
				next.add(sec.Name, msg.Clone())
				stats.Messages++
			}
		}
	}

	next.leaf = pickLeaf(snapshot, prev, next)

	if prev != nil {
		for target, label := range prev.labels {
			if _, ok := next.messages[target]; ok {
				next.labels[target] = label
			}
		}
	}
	if snapshot != nil {
		for target, label := range snapshot.Labels {
			if _, ok := next.messages[target]; ok {
				next.labels[target] = label
			}
		}
	}

	m.sessions[id] = next
	return stats, nil
}

// Delete removes a session.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	delete(m.sessions, id)
	return nil
}

// Append stores msg at the end of section and advances the leaf.
func (m *MemoryStore) Append(ctx context.Context, id, section string, msg Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(id)
	if err != nil {
		return Message{}, err
	}

	msg, err = prepareAppend(msg, s.leaf, s.lookup)
	if err != nil {
		return Message{}, err
	}

	s.add(section, msg)
	s.leaf = msg.ID
	return msg.Clone(), nil
}

// Get returns a message or nil.
func (m *MemoryStore) Get(ctx context.Context, id, messageID string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.sessionLocked(id)
	if err != nil {
		return nil, err
	}
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, nil
	}
	out := msg.Clone()
	return &out, nil
}

// GetSection returns a section's messages, tail-limited when limit > 0.
func (m *MemoryStore) GetSection(ctx context.Context, id, section string, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.sessionLocked(id)
	if err != nil {
		return nil, err
	}
	ids := s.members[section]
	out := make([]Message, 0, len(ids))
	for _, mid := range ids {
		out = append(out, s.messages[mid].Clone())
	}
	return tail(out, limit), nil
}

// LeafID returns the current leaf.
func (m *MemoryStore) LeafID(ctx context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.sessionLocked(id)
	if err != nil {
		return "", err
	}
	return s.leaf, nil
}

// NavigateTo moves the leaf to messageID.
func (m *MemoryStore) NavigateTo(ctx context.Context, id, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(id)
	if err != nil {
		return err
	}
	if _, ok := s.messages[messageID]; !ok {
		return fmt.Errorf("navigate session %s: %w: %s", id, ErrMessageNotFound, messageID)
	}
	s.leaf = messageID
	return nil
}

// Path returns the root-to-target chain.
func (m *MemoryStore) Path(ctx context.Context, id, toMessageID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.sessionLocked(id)
	if err != nil {
		return nil, err
	}
	if toMessageID == "" {
		toMessageID = s.leaf
	}
	return walkPath(s.lookup, toMessageID)
}

// Fork copies the chain ending at fromMessageID into a new session.
func (m *MemoryStore) Fork(ctx context.Context, id, fromMessageID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, err := m.sessionLocked(id)
	if err != nil {
		return "", err
	}
	path, err := walkPath(src.lookup, fromMessageID)
	if err != nil {
		return "", fmt.Errorf("fork session %s: %w", id, err)
	}

	newID := uuid.New().String()
	dst := newMemSession()
	for _, msg := range path {
		dst.add(src.sectionOf[msg.ID], msg)
		dst.leaf = msg.ID
	}
	m.sessions[newID] = dst
	return newID, nil
}

// AddLabel sets a label on an existing message.
func (m *MemoryStore) AddLabel(ctx context.Context, id, messageID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(id)
	if err != nil {
		return err
	}
	if _, ok := s.messages[messageID]; !ok {
		return fmt.Errorf("label session %s: %w: %s", id, ErrMessageNotFound, messageID)
	}
	s.labels[messageID] = label
	return nil
}

// Labels returns a copy of the session labels.
func (m *MemoryStore) Labels(ctx context.Context, id string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.sessionLocked(id)
	if err != nil {
		return nil, err
	}
	return maps.Clone(s.labels), nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// sessionLocked resolves id. Caller must hold m.mu.
func (m *MemoryStore) sessionLocked(id string) (*memSession, error) {
	if m.closed {
		return nil, ErrStorageClosed
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

func hasMessage(s *memSession, id string) bool {
	_, ok := s.messages[id]
	return ok
}

// prepareAppend fills in id, timestamp and parent for a message about to be
// appended after leaf, and rejects duplicates and dangling parents.
func prepareAppend(msg Message, leaf string, lookup func(string) (Message, bool)) (Message, error) {
	msg = msg.Clone()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if _, exists := lookup(msg.ID); exists {
		return Message{}, fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.ParentID == "" {
		msg.ParentID = leaf
	} else if _, ok := lookup(msg.ParentID); !ok {
		return Message{}, fmt.Errorf("parent %w: %s", ErrMessageNotFound, msg.ParentID)
	}
	return msg, nil
}

// pickLeaf chooses the leaf after a full rebuild: the snapshot's leaf when it
// survived, else the previous leaf when it survived, else the last message of
// the last non-empty section.
func pickLeaf(snapshot *Snapshot, prev, next *memSession) string {
	if snapshot != nil && snapshot.LeafID != "" {
		if _, ok := next.messages[snapshot.LeafID]; ok {
			return snapshot.LeafID
		}
	}
	if prev != nil && prev.leaf != "" {
		if _, ok := next.messages[prev.leaf]; ok {
			return prev.leaf
		}
	}
	for i := len(next.order) - 1; i >= 0; i-- {
		if ids := next.members[next.order[i]]; len(ids) > 0 {
			return ids[len(ids)-1]
		}
	}
	return ""
}
