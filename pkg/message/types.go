// Package message stores conversation history as a tree of messages.
// Messages are grouped into named sections, linked by parent pointers and
// addressed through a per-session leaf cursor that marks the active branch.
package message

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Well-known section names.
const (
	// SectionMessages holds the primary transcript.
	SectionMessages = "messages"
	// SectionBuffer holds scratch/execution output that is not part of the transcript.
	SectionBuffer = "buffer"
)

// Message is an immutable unit of conversation history.
type Message struct {
	// ID is globally unique. Append assigns one when empty.
	ID string `json:"id"`
	// ParentID is the message this one was appended after. Empty for roots.
	ParentID string `json:"parentId,omitempty"`
	// Role of the author.
	Role Role `json:"role"`
	// Content is the message body.
	Content string `json:"content"`
	// Name optionally identifies a tool or participant.
	Name string `json:"name,omitempty"`
	// Metadata carries opaque caller data; stores never interpret it.
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt is set on append when zero.
	CreatedAt time.Time `json:"createdAt"`
}

// New creates a message with a fresh id and timestamp.
func New(role Role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a copy that shares no maps with m.
func (m Message) Clone() Message {
	m.Metadata = maps.Clone(m.Metadata)
	return m
}

// Section is a named, insertion-ordered partition of a session's messages.
type Section struct {
	Name     string    `json:"name"`
	Messages []Message `json:"messages"`
}

// Snapshot is the logical content of one session: its sections in order,
// the leaf cursor and the labels keyed by target message id.
type Snapshot struct {
	Sections []Section        `json:"sections"`
	LeafID   string            `json:"leafId,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Section returns the named section or nil.
func (s *Snapshot) Section(name string) *Section {
	if s == nil {
		return nil
	}
	for i := range s.Sections {
		if s.Sections[i].Name == name {
			return &s.Sections[i]
		}
	}
	return nil
}

// Add appends msg to the named section, creating the section when needed.
// It does not touch parent links or the leaf.
func (s *Snapshot) Add(section string, msg Message) {
	if sec := s.Section(section); sec != nil {
		sec.Messages = append(sec.Messages, msg)
		return
	}
	s.Sections = append(s.Sections, Section{Name: section, Messages: []Message{msg}})
}

// MessageCount returns the number of messages across all sections.
func (s *Snapshot) MessageCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, sec := range s.Sections {
		n += len(sec.Messages)
	}
	return n
}

// Messages returns every message, section by section.
func (s *Snapshot) Messages() []Message {
	if s == nil {
		return nil
	}
	out := make([]Message, 0, s.MessageCount())
	for _, sec := range s.Sections {
		out = append(out, sec.Messages...)
	}
	return out
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		Sections: make([]Section, len(s.Sections)),
		LeafID:   s.LeafID,
		Labels:   maps.Clone(s.Labels),
	}
	for i, sec := range s.Sections {
		msgs := make([]Message, len(sec.Messages))
		for j, m := range sec.Messages {
			msgs[j] = m.Clone()
		}
		out.Sections[i] = Section{Name: sec.Name, Messages: msgs}
	}
	return out
}

// SaveStats reports what a Save call stored.
type SaveStats struct {
	Sections    int `json:"sections"`
	Messages    int `json:"messages"`
	NewMessages int `json:"newMessages"`
}
