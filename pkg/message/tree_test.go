package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupIn(msgs ...Message) func(string) (Message, bool) {
	byID := make(map[string]Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	return func(id string) (Message, bool) {
		m, ok := byID[id]
		return m, ok
	}
}

func TestWalkPath(t *testing.T) {
	lookup := lookupIn(
		Message{ID: "a"},
		Message{ID: "b", ParentID: "a"},
		Message{ID: "c", ParentID: "b"},
	)

	path, err := walkPath(lookup, "c")
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, "a", path[0].ID)
	assert.Equal(t, "c", path[2].ID)

	path, err = walkPath(lookup, "")
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestWalkPath_Cycle(t *testing.T) {
	lookup := lookupIn(
		Message{ID: "a", ParentID: "b"},
		Message{ID: "b", ParentID: "a"},
	)
	_, err := walkPath(lookup, "a")
	assert.ErrorIs(t, err, ErrCorruptTree)
}

func TestWalkPath_DanglingParent(t *testing.T) {
	_, err := walkPath(lookupIn(Message{ID: "a", ParentID: "gone"}), "a")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestTail(t *testing.T) {
	msgs := []Message{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	assert.Len(t, tail(msgs, 0), 3)
	assert.Len(t, tail(msgs, 5), 3)
	require.Len(t, tail(msgs, 2), 2)
	assert.Equal(t, "2", tail(msgs, 2)[0].ID)
}
