package message

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentstate/internal/logger"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"jsonl": func(t *testing.T) Store {
			s, err := NewJSONLStore(t.TempDir(), WithJSONLLogger(logger.Discard()))
			require.NoError(t, err)
			return s
		},
	}
}

// forEachBackend runs fn once per Store implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func appendN(t *testing.T, s Store, id, section string, contents ...string) []Message {
	t.Helper()
	out := make([]Message, 0, len(contents))
	for _, c := range contents {
		m, err := s.Append(context.Background(), id, section, Message{Role: RoleUser, Content: c})
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestStore_CreateSession(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		id, err := s.CreateSession(ctx, "")
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		named, err := s.CreateSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "s1", named)

		_, err = s.CreateSession(ctx, "s1")
		assert.ErrorIs(t, err, ErrSessionExists)

		ok, err := s.HasSession(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.HasSession(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)

		all, err := s.Sessions(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{id, "s1"}, all)
	})
}

func TestStore_AppendBuildsParentChain(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateSession(ctx, "s1")
		require.NoError(t, err)

		msgs := appendN(t, s, "s1", SectionMessages, "one", "two", "three", "four")

		assert.Empty(t, msgs[0].ParentID)
		for i := 1; i < len(msgs); i++ {
			assert.Equal(t, msgs[i-1].ID, msgs[i].ParentID)
		}

		path, err := s.Path(ctx, "s1", "")
		require.NoError(t, err)
		assert.Equal(t, ids(msgs), ids(path))

		leaf, err := s.LeafID(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, msgs[3].ID, leaf)
	})
}

func TestStore_AppendRejectsBadInput(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateSession(ctx, "s1")
		require.NoError(t, err)

		first := appendN(t, s, "s1", SectionMessages, "one")[0]

		_, err = s.Append(ctx, "s1", SectionMessages, Message{ID: first.ID, Content: "again"})
		assert.ErrorIs(t, err, ErrDuplicateMessage)

		_, err = s.Append(ctx, "s1", SectionMessages, Message{ParentID: "ghost", Content: "orphan"})
		assert.ErrorIs(t, err, ErrMessageNotFound)

		_, err = s.Append(ctx, "missing", SectionMessages, Message{Content: "x"})
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestStore_GetAndSections(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateSession(ctx, "s1")
		require.NoError(t, err)

		main := appendN(t, s, "s1", SectionMessages, "a", "b", "c")
		buf := appendN(t, s, "s1", SectionBuffer, "scratch")

		got, err := s.Get(ctx, "s1", main[1].ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "b", got.Content)

		missing, err := s.Get(ctx, "s1", "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		all, err := s.GetSection(ctx, "s1", SectionMessages, 0)
		require.NoError(t, err)
		assert.Equal(t, ids(main), ids(all))

		last2, err := s.GetSection(ctx, "s1", SectionMessages, 2)
		require.NoError(t, err)
		assert.Equal(t, ids(main[1:]), ids(last2))

		scratch, err := s.GetSection(ctx, "s1", SectionBuffer, 10)
		require.NoError(t, err)
		assert.Equal(t, ids(buf), ids(scratch))

		empty, err := s.GetSection(ctx, "s1", "unknown", 0)
		require.NoError(t, err)
		assert.Empty(t, empty)

		// The buffer message was appended after "c" and continues the chain.
		assert.Equal(t, main[2].ID, buf[0].ParentID)
	})
}

func TestStore_NavigateAndBranch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateSession(ctx, "s1")
		require.NoError(t, err)

		msgs := appendN(t, s, "s1", SectionMessages, "root", "path-a")

		require.NoError(t, s.NavigateTo(ctx, "s1", msgs[0].ID))
		branch := appendN(t, s, "s1", SectionMessages, "path-b")[0]
		assert.Equal(t, msgs[0].ID, branch.ParentID)

		path, err := s.Path(ctx, "s1", "")
		require.NoError(t, err)
		assert.Equal(t, []string{msgs[0].ID, branch.ID}, ids(path))

		// The abandoned branch is still addressable.
		old, err := s.Path(ctx, "s1", msgs[1].ID)
		require.NoError(t, err)
		assert.Equal(t, ids(msgs), ids(old))

		err = s.NavigateTo(ctx, "s1", "ghost")
		assert.ErrorIs(t, err, ErrMessageNotFound)

		_, err = s.Path(ctx, "s1", "ghost")
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})
}

func TestStore_Fork(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateSession(ctx, "src")
		require.NoError(t, err)

		msgs := appendN(t, s, "src", SectionMessages, "one", "two", "three")

		forkID, err := s.Fork(ctx, "src", msgs[1].ID)
		require.NoError(t, err)
		assert.NotEqual(t, "src", forkID)

		want, err := s.Path(ctx, "src", msgs[1].ID)
		require.NoError(t, err)
		got, err := s.Path(ctx, forkID, "")
		require.NoError(t, err)
		assert.Equal(t, ids(want), ids(got))

		leaf, err := s.LeafID(ctx, forkID)
		require.NoError(t, err)
		assert.Equal(t, msgs[1].ID, leaf)

		extra := appendN(t, s, forkID, SectionMessages, "fork-only")[0]
		assert.Equal(t, msgs[1].ID, extra.ParentID)

		srcMsg, err := s.Get(ctx, "src", extra.ID)
		require.NoError(t, err)
		assert.Nil(t, srcMsg, "fork appends must not leak into the source")

		srcPath, err := s.Path(ctx, "src", "")
		require.NoError(t, err)
		assert.Equal(t, ids(msgs), ids(srcPath))

		_, err = s.Fork(ctx, "src", "ghost")
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})
}

func TestStore_Labels(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateSession(ctx, "s1")
		require.NoError(t, err)

		msgs := appendN(t, s, "s1", SectionMessages, "one", "two")

		require.NoError(t, s.AddLabel(ctx, "s1", msgs[0].ID, "start"))
		require.NoError(t, s.AddLabel(ctx, "s1", msgs[0].ID, "checkpoint"))

		labels, err := s.Labels(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{msgs[0].ID: "checkpoint"}, labels)

		leaf, err := s.LeafID(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, msgs[1].ID, leaf, "labels do not move the leaf")

		err = s.AddLabel(ctx, "s1", "ghost", "x")
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})
}

func TestStore_SaveRebuilds(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateSession(ctx, "s1")
		require.NoError(t, err)

		msgs := appendN(t, s, "s1", SectionMessages, "one", "two", "three")
		require.NoError(t, s.AddLabel(ctx, "s1", msgs[0].ID, "keep"))
		require.NoError(t, s.AddLabel(ctx, "s1", msgs[2].ID, "dropped"))

		fresh := Message{ID: "fresh", ParentID: msgs[1].ID, Role: RoleAssistant, Content: "new"}
		snap := &Snapshot{Sections: []Section{
			{Name: SectionMessages, Messages: []Message{msgs[0], msgs[1], fresh}},
			{Name: SectionBuffer, Messages: nil},
		}}

		stats, err := s.Save(ctx, "s1", snap)
		require.NoError(t, err)
		assert.Equal(t, SaveStats{Sections: 2, Messages: 3, NewMessages: 1}, stats)

		gone, err := s.Get(ctx, "s1", msgs[2].ID)
		require.NoError(t, err)
		assert.Nil(t, gone, "stale messages are pruned")

		labels, err := s.Labels(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{msgs[0].ID: "keep"}, labels)

		loaded, err := s.Load(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, loaded.Section(SectionMessages))
		assert.Equal(t, []string{msgs[0].ID, msgs[1].ID, "fresh"}, ids(loaded.Section(SectionMessages).Messages))
		assert.Equal(t, "fresh", loaded.LeafID)
	})
}

func TestStore_SaveKeepsPreviousLeaf(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateSession(ctx, "s1")
		require.NoError(t, err)

		msgs := appendN(t, s, "s1", SectionMessages, "one", "two", "three")
		require.NoError(t, s.NavigateTo(ctx, "s1", msgs[1].ID))

		scratch := Message{ID: "scratch", Role: RoleAssistant, Content: "draft"}
		snap := &Snapshot{Sections: []Section{
			{Name: SectionMessages, Messages: msgs[:2]},
			{Name: SectionBuffer, Messages: []Message{scratch}},
			{Name: SectionMessages, Messages: msgs[2:]},
		}}

		stats, err := s.Save(ctx, "s1", snap)
		require.NoError(t, err)
		assert.Equal(t, SaveStats{Sections: 2, Messages: 4, NewMessages: 1}, stats, "repeated section names count once")

		leaf, err := s.LeafID(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, msgs[1].ID, leaf, "previous leaf survives the rewrite")

		loaded, err := s.Load(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, ids(msgs), ids(loaded.Section(SectionMessages).Messages))
	})
}

func TestStore_SaveCreatesSession(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		snap := &Snapshot{}
		snap.Add(SectionMessages, Message{ID: "m1", Role: RoleUser, Content: "hi"})
		snap.Add(SectionMessages, Message{ID: "m2", ParentID: "m1", Role: RoleAssistant, Content: "hello"})

		stats, err := s.Save(ctx, "new", snap)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.NewMessages)

		ok, err := s.HasSession(ctx, "new")
		require.NoError(t, err)
		assert.True(t, ok)

		path, err := s.Path(ctx, "new", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2"}, ids(path))
	})
}

func TestStore_LoadIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateSession(ctx, "s1")
		require.NoError(t, err)
		appendN(t, s, "s1", SectionMessages, "one", "two")

		first, err := s.Load(ctx, "s1")
		require.NoError(t, err)
		second, err := s.Load(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, first, second)

		// Mutating a loaded snapshot must not reach the store.
		first.Sections[0].Messages[0].Content = "changed"
		third, err := s.Load(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "one", third.Sections[0].Messages[0].Content)
	})
}

func TestStore_UnknownSession(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Load(ctx, "missing")
		assert.True(t, errors.Is(err, ErrSessionNotFound))
		_, err = s.LeafID(ctx, "missing")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		err = s.NavigateTo(ctx, "missing", "x")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = s.Fork(ctx, "missing", "x")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = s.Labels(ctx, "missing")
		assert.ErrorIs(t, err, ErrSessionNotFound)

		assert.NoError(t, s.Delete(ctx, "missing"))
	})
}

func TestStore_Delete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateSession(ctx, "s1")
		require.NoError(t, err)
		appendN(t, s, "s1", SectionMessages, "one")

		require.NoError(t, s.Delete(ctx, "s1"))

		ok, err := s.HasSession(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_Closed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Close())
		_, err := s.CreateSession(context.Background(), "s1")
		assert.ErrorIs(t, err, ErrStorageClosed)
	})
}
