package fsx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`), 0600))
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":2}`), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, "doc.json", entries[0].Name())
}

func TestWriteFileAtomic_MissingDir(t *testing.T) {
	err := WriteFileAtomic(filepath.Join(t.TempDir(), "missing", "doc.json"), []byte("x"), 0600)
	assert.Error(t, err)
}

func TestIsTempName(t *testing.T) {
	assert.True(t, IsTempName(".s1.json.tmp-123"))
	assert.False(t, IsTempName("s1.json"))
}
