package persist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrydberg/nesoi/pkg/log"
)

func TestStorePutGet(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "data"), log.NewNopLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("app:foo", []byte(`{"a":1}`)))

	v, ok, err := s.Get("app:foo")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(v))

	_, ok, err = s.Get("app:missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "data"), log.NewNopLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("app:foo", []byte("1")))
	require.NoError(t, s.Delete("app:foo"))

	_, ok, err := s.Get("app:foo")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreRange(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "data"), log.NewNopLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("a", []byte("1")))
	require.NoError(t, s.Put("b", []byte("2")))
	require.NoError(t, s.Put("c", []byte("3")))

	seen := map[string]string{}
	require.NoError(t, s.Range(func(key string, value []byte) bool {
		seen[key] = string(value)
		return true
	}))
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, seen)
}

func TestStoreReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")

	s, err := Open(path, log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Put("app:foo", []byte("1")))
	require.NoError(t, s.Close())

	s2, err := Open(path, log.NewNopLogger())
	require.NoError(t, err)
	defer s2.Close()

	v, ok, err := s2.Get("app:foo")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", string(v))
}
