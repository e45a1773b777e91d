package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addAction(key, version, value string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"op":"add","key":%q,"version":%q,"value":%s}`, key, version, value))
}

func TestApplyAddAndGet(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Apply(addAction("motd", "v1", `{"text":"hello"}`)))

	ok, err := s.Exists("motd")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ExistsVersion("motd", "v1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ExistsVersion("motd", "v2")
	require.NoError(t, err)
	assert.False(t, ok)

	value, err := s.Get("motd", "v1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hello"}`, string(value))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openStore(t)

	_, err := s.Get("nope", "v1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Apply(addAction("motd", "v1", `1`)))
	_, err = s.Get("motd", "v2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVersionsAccumulate(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Apply(addAction("motd", "v2", `2`)))
	require.NoError(t, s.Apply(addAction("motd", "v1", `1`)))
	require.NoError(t, s.Apply(addAction("other", "v1", `3`)))

	versions, err := s.Versions("motd")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, versions)

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"motd", "other"}, keys)
}

func TestApplyIsIdempotent(t *testing.T) {
	s := openStore(t)

	// Committed entries can be redelivered after a restart; the same
	// key/version must not change or duplicate.
	action := addAction("motd", "v1", `{"text":"hello"}`)
	require.NoError(t, s.Apply(action))
	require.NoError(t, s.Apply(action))

	versions, err := s.Versions("motd")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, versions)
}

func TestApplyDrop(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Apply(addAction("motd", "v1", `1`)))
	require.NoError(t, s.Apply(addAction("motd", "v2", `2`)))

	require.NoError(t, s.Apply(json.RawMessage(`{"op":"drop","key":"motd","version":"v1"}`)))

	versions, err := s.Versions("motd")
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, versions)

	// Dropping the last version removes the key entirely.
	require.NoError(t, s.Apply(json.RawMessage(`{"op":"drop","key":"motd","version":"v2"}`)))
	ok, err := s.Exists("motd")
	require.NoError(t, err)
	assert.False(t, ok)

	// Dropping what is already gone is a no-op.
	require.NoError(t, s.Apply(json.RawMessage(`{"op":"drop","key":"motd","version":"v2"}`)))
}

func TestApplySkipsUnusableActions(t *testing.T) {
	s := openStore(t)

	t.Run("unknown op", func(t *testing.T) {
		assert.NoError(t, s.Apply(json.RawMessage(`{"op":"compact","key":"motd"}`)))
	})

	t.Run("malformed action", func(t *testing.T) {
		assert.NoError(t, s.Apply(json.RawMessage(`"just a string"`)))
	})

	t.Run("incomplete add", func(t *testing.T) {
		assert.NoError(t, s.Apply(json.RawMessage(`{"op":"add","key":"motd"}`)))
		ok, err := s.Exists("motd")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestReopenKeepsContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Apply(addAction("motd", "v1", `{"text":"hello"}`)))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	value, err := s.Get("motd", "v1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hello"}`, string(value))
}
