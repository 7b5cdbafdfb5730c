package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventLoadFailed     EventType = "load_failed"
	EventActionExecuted EventType = "action_executed"
	EventActionFailed   EventType = "action_failed"
	EventSaved          EventType = "saved"
	EventSaveFailed     EventType = "save_failed"
	EventCreated        EventType = "created"
	EventForked         EventType = "forked"
	EventDeleted        EventType = "deleted"
)

// Event is a lifecycle notification published by Runtime.
type Event struct {
	Type      EventType
	SessionID SessionID
	// Version is the session version the event refers to: the loaded version
	// for action events, the persisted version for saved.
	Version int64
	// Err is set on failure events.
	Err  error
	Time time.Time
}

// EventSink receives lifecycle events. Publish must not block for long; it
// runs inline with the operation that produced the event.
type EventSink interface {
	Publish(ctx context.Context, e Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, e Event)

// Publish implements EventSink.
func (f EventSinkFunc) Publish(ctx context.Context, e Event) { f(ctx, e) }

// NopSink drops every event.
type NopSink struct{}

// Publish implements EventSink.
func (NopSink) Publish(context.Context, Event) {}

// MultiSink fans an event out to every sink in order.
type MultiSink []EventSink

// Publish implements EventSink.
func (m MultiSink) Publish(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, e)
		}
	}
}

// LogSink writes events to a structured logger: failures at warn, the rest
// at debug.
type LogSink struct {
	Logger *log.Logger
}

// Publish implements EventSink.
func (s LogSink) Publish(ctx context.Context, e Event) {
	if s.Logger == nil {
		return
	}
	kv := []any{"event", string(e.Type), "session", string(e.SessionID), "version", e.Version}
	if e.Err != nil {
		s.Logger.Warn("session event", append(kv, "err", e.Err)...)
		return
	}
	s.Logger.Debug("session event", kv...)
}

// RecorderSink keeps every event in memory. It is safe for concurrent use.
type RecorderSink struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements EventSink.
func (r *RecorderSink) Publish(ctx context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *RecorderSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Types returns the recorded event types in order.
func (r *RecorderSink) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Reset drops all recorded events.
func (r *RecorderSink) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
