package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoaderPlainText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inputs.txt")
	require.NoError(t, os.WriteFile(path, []byte("first\nsecond\n\nthird\n"), 0644))

	texts, ids, err := NewFileLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, texts)
	assert.Nil(t, ids)
}

func TestFileLoaderJSONL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inputs.jsonl")
	content := `{"id":"a","text":"hello"}
{"id":"b","text":"world"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	texts, ids, err := NewFileLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, texts)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestFileLoaderMissingFile(t *testing.T) {
	_, _, err := NewFileLoader("/nonexistent/path.txt").Load()
	assert.Error(t, err)
}
