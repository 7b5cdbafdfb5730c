package session

import (
	"context"
	"fmt"
	"maps"

	"github.com/aixgo-dev/agentstate/pkg/message"
)

// Action is a pure transformation of a loaded session. Runtime.Execute saves
// whatever Apply returns; returning an error aborts without saving.
type Action interface {
	Apply(ctx context.Context, s AgentSession) (AgentSession, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, s AgentSession) (AgentSession, error)

// Apply implements Action.
func (f ActionFunc) Apply(ctx context.Context, s AgentSession) (AgentSession, error) {
	return f(ctx, s)
}

// SetStatus returns an Action that moves the session to status.
func SetStatus(status Status) Action {
	return ActionFunc(func(_ context.Context, s AgentSession) (AgentSession, error) {
		return s.WithStatus(status), nil
	})
}

// MergeMetadata returns an Action that merges kv into the state metadata.
func MergeMetadata(kv map[string]any) Action {
	kv = maps.Clone(kv)
	return ActionFunc(func(_ context.Context, s AgentSession) (AgentSession, error) {
		return s.WithMetadata(kv), nil
	})
}

// Chain applies actions in order and stops at the first error.
func Chain(actions ...Action) Action {
	return ActionFunc(func(ctx context.Context, s AgentSession) (AgentSession, error) {
		var err error
		for i, a := range actions {
			if s, err = a.Apply(ctx, s); err != nil {
				return AgentSession{}, fmt.Errorf("action %d: %w", i, err)
			}
		}
		return s, nil
	})
}

// MessageFunc works on a session's history through a message store.
type MessageFunc func(ctx context.Context, store message.Store, sessionID string) error

// WithMessageStore returns an Action that exposes the session's message
// history through store for the duration of fn. Whatever store holds for the
// id is first replaced by the loaded session's snapshot, so content left by a
// writer whose save lost a version race never leaks into a later save. After
// fn returns, the store's view becomes the session's new history.
func WithMessageStore(store message.Store, fn MessageFunc) Action {
	return ActionFunc(func(ctx context.Context, s AgentSession) (AgentSession, error) {
		id := string(s.ID())

		staged := s.State.Messages
		if staged == nil {
			staged = &message.Snapshot{}
		}
		if _, err := store.Save(ctx, id, staged); err != nil {
			return AgentSession{}, fmt.Errorf("stage message history: %w", err)
		}

		if err := fn(ctx, store, id); err != nil {
			return AgentSession{}, err
		}

		snap, err := store.Load(ctx, id)
		if err != nil {
			return AgentSession{}, fmt.Errorf("collect message history: %w", err)
		}
		return s.WithMessages(snap), nil
	})
}

// AppendMessages returns an Action that appends msgs to section through store,
// each attached to the previous leaf.
func AppendMessages(store message.Store, section string, msgs ...message.Message) Action {
	return WithMessageStore(store, func(ctx context.Context, ms message.Store, id string) error {
		for _, m := range msgs {
			if _, err := ms.Append(ctx, id, section, m); err != nil {
				return fmt.Errorf("append message: %w", err)
			}
		}
		return nil
	})
}
