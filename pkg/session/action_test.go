package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentstate/internal/logger"
	"github.com/aixgo-dev/agentstate/pkg/message"
)

func TestChain(t *testing.T) {
	ctx := context.Background()
	s := New(Definition{Name: "a"})

	out, err := Chain(
		SetStatus(StatusSuspended),
		MergeMetadata(map[string]any{"step": "one"}),
		MergeMetadata(map[string]any{"step": "two"}),
	).Apply(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, out.Info.Status)
	assert.Equal(t, "two", out.State.Metadata["step"])

	boom := errors.New("boom")
	ran := false
	_, err = Chain(
		ActionFunc(func(context.Context, AgentSession) (AgentSession, error) { return AgentSession{}, boom }),
		ActionFunc(func(_ context.Context, s AgentSession) (AgentSession, error) { ran = true; return s, nil }),
	).Apply(ctx, s)
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran)
}

func messageStores(t *testing.T) map[string]message.Store {
	jsonl, err := message.NewJSONLStore(t.TempDir(), message.WithJSONLLogger(logger.Discard()))
	require.NoError(t, err)
	return map[string]message.Store{
		"memory": message.NewMemoryStore(),
		"jsonl":  jsonl,
	}
}

func TestWithMessageStore(t *testing.T) {
	for name, ms := range messageStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rt := NewRuntime(NewRepository(NewMemoryStore()))
			_, err := rt.CreateSession(ctx, Definition{Name: "a"}, WithID("s1"))
			require.NoError(t, err)

			out, err := rt.Execute(ctx, "s1", AppendMessages(ms, message.SectionMessages,
				message.Message{Role: message.RoleUser, Content: "hi"},
				message.Message{Role: message.RoleAssistant, Content: "hello"},
			))
			require.NoError(t, err)
			require.NotNil(t, out.State.Messages)
			msgs := out.State.Messages.Section(message.SectionMessages).Messages
			require.Len(t, msgs, 2)
			assert.Equal(t, msgs[0].ID, msgs[1].ParentID)
			assert.Equal(t, msgs[1].ID, out.State.Messages.LeafID)

			// The next action sees the persisted history and extends it.
			out, err = rt.Execute(ctx, "s1", AppendMessages(ms, message.SectionMessages,
				message.Message{Role: message.RoleUser, Content: "again"},
			))
			require.NoError(t, err)
			msgs = out.State.Messages.Section(message.SectionMessages).Messages
			require.Len(t, msgs, 3)
			assert.Equal(t, msgs[1].ID, msgs[2].ParentID)
			assert.EqualValues(t, 3, out.Version())
		})
	}
}

func TestWithMessageStore_Branching(t *testing.T) {
	ctx := context.Background()
	ms := message.NewMemoryStore()
	s := New(Definition{Name: "a"}, WithID("s1"))

	s, err := AppendMessages(ms, message.SectionMessages,
		message.Message{ID: "root", Role: message.RoleUser, Content: "q"},
		message.Message{ID: "first", Role: message.RoleAssistant, Content: "a1"},
	).Apply(ctx, s)
	require.NoError(t, err)

	s, err = WithMessageStore(ms, func(ctx context.Context, store message.Store, id string) error {
		if err := store.NavigateTo(ctx, id, "root"); err != nil {
			return err
		}
		if _, err := store.Append(ctx, id, message.SectionMessages, message.Message{ID: "second", Role: message.RoleAssistant, Content: "a2"}); err != nil {
			return err
		}
		return store.AddLabel(ctx, id, "second", "retry")
	}).Apply(ctx, s)
	require.NoError(t, err)

	assert.Equal(t, "second", s.State.Messages.LeafID)
	assert.Equal(t, map[string]string{"second": "retry"}, s.State.Messages.Labels)
	assert.Equal(t, 3, s.State.Messages.MessageCount())
}

func TestWithMessageStore_ErrorAborts(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	s := New(Definition{Name: "a"})

	_, err := WithMessageStore(message.NewMemoryStore(), func(context.Context, message.Store, string) error {
		return boom
	}).Apply(ctx, s)
	assert.ErrorIs(t, err, boom)
}

func TestWithMessageStore_LosingWriterDoesNotLeak(t *testing.T) {
	for name, ms := range messageStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := NewMemoryStore()
			rt := NewRuntime(NewRepository(store))
			_, err := rt.CreateSession(ctx, Definition{Name: "a"}, WithID("s1"))
			require.NoError(t, err)

			// A rival writer saves s1 while the action is still running.
			rival := ActionFunc(func(ctx context.Context, s AgentSession) (AgentSession, error) {
				cur, err := store.Load(ctx, "s1")
				if err != nil {
					return AgentSession{}, err
				}
				if res := store.Save(ctx, cur.WithStatus(StatusSuspended)); !res.IsOK() {
					return AgentSession{}, res.Err()
				}
				return s, nil
			})
			_, err = rt.Execute(ctx, "s1", Chain(
				AppendMessages(ms, message.SectionMessages, message.Message{ID: "lost", Role: message.RoleUser, Content: "lost"}),
				rival,
			))
			require.ErrorIs(t, err, ErrConflict)

			persisted, err := rt.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, StatusSuspended, persisted.Info.Status)
			assert.Equal(t, 0, persisted.State.Messages.MessageCount())

			out, err := rt.Execute(ctx, "s1", AppendMessages(ms, message.SectionMessages,
				message.Message{ID: "next", Role: message.RoleUser, Content: "next"},
			))
			require.NoError(t, err)
			msgs := out.State.Messages.Section(message.SectionMessages).Messages
			require.Len(t, msgs, 1)
			assert.Equal(t, "next", msgs[0].ID)
			assert.Empty(t, msgs[0].ParentID)

			lost, err := ms.Get(ctx, "s1", "lost")
			require.NoError(t, err)
			assert.Nil(t, lost)
		})
	}
}
