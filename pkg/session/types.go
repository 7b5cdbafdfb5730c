// Package session persists whole agent sessions with optimistic concurrency.
// A session carries a version that starts at 0 and is incremented by exactly
// one on every successful save; a save that presents a stale version is
// rejected as a conflict and changes nothing.
package session

import (
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/agentstate/pkg/message"
)

// SessionID identifies a persisted session.
type SessionID string

// NewSessionID returns a fresh random id.
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func (id SessionID) String() string { return string(id) }

// Validate rejects ids that cannot be used as a single path component.
func (id SessionID) Validate() error {
	return validatePathComponent(string(id))
}

// Status is the lifecycle state of a session. The set is open; callers may
// define their own values.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Info is the session header: identity, lifecycle and version.
type Info struct {
	// SessionID is the unique session identifier.
	SessionID SessionID `json:"sessionId"`
	// ParentID names the session this one was forked from.
	ParentID SessionID `json:"parentId,omitempty"`
	// Status is the lifecycle state.
	Status Status `json:"status"`
	// Version is 0 until the first save and grows by one per save.
	Version int64 `json:"version"`
	// AgentName is the name of the agent this session belongs to.
	AgentName string `json:"agentName"`
	// AgentLabel is a display label; it defaults to AgentName.
	AgentLabel string `json:"agentLabel,omitempty"`
	// CreatedAt is when the session value was created.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is refreshed by every successful save.
	UpdatedAt time.Time `json:"updatedAt"`
}

// InfoList is an ordered collection of session headers.
type InfoList []Info

// IDs returns the session ids in list order.
func (l InfoList) IDs() []SessionID {
	ids := make([]SessionID, len(l))
	for i, info := range l {
		ids[i] = info.SessionID
	}
	return ids
}

// Find returns the header for id.
func (l InfoList) Find(id SessionID) (Info, bool) {
	for _, info := range l {
		if info.SessionID == id {
			return info, true
		}
	}
	return Info{}, false
}

// WithStatus returns the headers whose status equals status.
func (l InfoList) WithStatus(status Status) InfoList {
	var out InfoList
	for _, info := range l {
		if info.Status == status {
			out = append(out, info)
		}
	}
	return out
}

// Definition is the static agent configuration of a session.
type Definition struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// State is the mutable payload of a session.
type State struct {
	// Messages is the message history owned by this session.
	Messages *message.Snapshot `json:"messages,omitempty"`
	// Metadata carries opaque caller data.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	return State{
		Messages: s.Messages.Clone(),
		Metadata: cloneMap(s.Metadata),
	}
}

// AgentSession is an immutable session value. Transitions return a new value
// and never modify the receiver.
type AgentSession struct {
	Info       Info       `json:"header"`
	Definition Definition `json:"definition"`
	State      State      `json:"state"`
}

// Option configures New.
type Option func(*AgentSession)

// WithID sets the session id instead of generating one.
func WithID(id SessionID) Option {
	return func(s *AgentSession) {
		s.Info.SessionID = id
	}
}

// WithParent records the session this one was derived from.
func WithParent(id SessionID) Option {
	return func(s *AgentSession) {
		s.Info.ParentID = id
	}
}

// WithAgentLabel overrides the display label.
func WithAgentLabel(label string) Option {
	return func(s *AgentSession) {
		s.Info.AgentLabel = label
	}
}

// WithInitialState seeds the session state.
func WithInitialState(state State) Option {
	return func(s *AgentSession) {
		s.State = state.Clone()
	}
}

// New creates a fresh, never-persisted session at version 0.
func New(def Definition, opts ...Option) AgentSession {
	now := time.Now().UTC()
	s := AgentSession{
		Info: Info{
			Status:    StatusActive,
			AgentName: def.Name,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Definition: def,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.Info.SessionID == "" {
		s.Info.SessionID = NewSessionID()
	}
	if s.Info.AgentLabel == "" {
		s.Info.AgentLabel = s.Info.AgentName
	}
	return s
}

// ID returns the session id.
func (s AgentSession) ID() SessionID { return s.Info.SessionID }

// Version returns the header version.
func (s AgentSession) Version() int64 { return s.Info.Version }

// Clone returns a deep copy.
func (s AgentSession) Clone() AgentSession {
	s.State = s.State.Clone()
	return s
}

// WithStatus returns a copy with a new status.
func (s AgentSession) WithStatus(status Status) AgentSession {
	out := s.Clone()
	out.Info.Status = status
	return out
}

// WithState returns a copy holding a deep copy of state.
func (s AgentSession) WithState(state State) AgentSession {
	out := s
	out.State = state.Clone()
	return out
}

// WithMessages returns a copy whose message history is snapshot.
func (s AgentSession) WithMessages(snapshot *message.Snapshot) AgentSession {
	out := s.Clone()
	out.State.Messages = snapshot.Clone()
	return out
}

// WithMetadata returns a copy with kv merged into the state metadata. A nil
// value removes the key.
func (s AgentSession) WithMetadata(kv map[string]any) AgentSession {
	out := s.Clone()
	if out.State.Metadata == nil && len(kv) > 0 {
		out.State.Metadata = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		if v == nil {
			delete(out.State.Metadata, k)
			continue
		}
		out.State.Metadata[k] = cloneValue(v)
	}
	return out
}

// WithDefinition returns a copy with a new definition. The agent name in the
// header follows the definition; an explicit label is kept.
func (s AgentSession) WithDefinition(def Definition) AgentSession {
	out := s.Clone()
	if out.Info.AgentLabel == out.Info.AgentName {
		out.Info.AgentLabel = def.Name
	}
	out.Info.AgentName = def.Name
	out.Definition = def
	return out
}

// Suspend marks the session suspended.
func (s AgentSession) Suspend() AgentSession { return s.WithStatus(StatusSuspended) }

// Resume marks the session active again.
func (s AgentSession) Resume() AgentSession { return s.WithStatus(StatusActive) }

// Advance returns the copy a store writes once the version check passed:
// version+1 and UpdatedAt set to now. Store implementations call it; callers
// never need to.
func (s AgentSession) Advance(now time.Time) AgentSession {
	out := s.Clone()
	out.Info.Version = s.Info.Version + 1
	out.Info.UpdatedAt = now
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]string:
		return maps.Clone(t)
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
