package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempLog(t *testing.T) string {
	return filepath.Join(t.TempDir(), "raft.log")
}

func seed(t *testing.T, path string, lines ...string) {
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
}

func readLines(t *testing.T, path string) []string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	trimmed := strings.TrimSuffix(string(data), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func TestOpenEmptyLog(t *testing.T) {
	l, err := Open(tempLog(t))
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, uint64(0), l.LastIndex())
	assert.Equal(t, uint64(0), l.LastTerm())
	assert.Equal(t, uint64(0), l.MaxTerm())
	assert.Nil(t, l.Entry(1))

	_, ok := l.VoteFor(1)
	assert.False(t, ok)
}

func TestAppendAndReplayRoundTrip(t *testing.T) {
	path := tempLog(t)

	l, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, l.AppendVote(1, "foo"))
	require.NoError(t, l.AppendEntry(1, 1, 1, json.RawMessage(`"thud"`)))
	require.NoError(t, l.AppendEntry(2, 2, 2, json.RawMessage(`{"k":"v"}`)))
	require.NoError(t, l.Close())

	replayed, err := Open(path)
	require.NoError(t, err)
	defer replayed.Close()

	assert.Equal(t, uint64(2), replayed.LastIndex())
	assert.Equal(t, uint64(2), replayed.LastTerm())
	assert.Equal(t, uint64(2), replayed.MaxTerm())

	voted, ok := replayed.VoteFor(1)
	require.True(t, ok)
	assert.Equal(t, "foo", voted)

	e := replayed.Entry(1)
	require.NotNil(t, e)
	assert.Equal(t, uint64(1), e.SpawnTerm)
	assert.JSONEq(t, `"thud"`, string(e.Action))
}

func TestAppendEntryRejectsNonContiguousIndex(t *testing.T) {
	l, err := Open(tempLog(t))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.AppendEntry(1, 1, 1, json.RawMessage(`1`)))

	assert.Error(t, l.AppendEntry(1, 1, 1, json.RawMessage(`1`)), "duplicate index")
	assert.Error(t, l.AppendEntry(1, 1, 3, json.RawMessage(`1`)), "gap in indices")
	assert.Equal(t, uint64(1), l.LastIndex())
}

func TestAppendVoteRejectsSecondVoteInTerm(t *testing.T) {
	l, err := Open(tempLog(t))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.AppendVote(1, "foo"))
	assert.Error(t, l.AppendVote(1, "bar"))

	// Re-recording the same grant is harmless.
	assert.NoError(t, l.AppendVote(1, "foo"))
}

func TestTruncateFromPreservesVotes(t *testing.T) {
	path := tempLog(t)
	seed(t, path,
		`{"term":1,"type":"vote","for":"foo"}`,
		`{"term":1,"type":"entry","spawn_term":1,"index":1,"action":"thud"}`,
		`{"term":2,"type":"vote","for":"bar"}`,
		`{"term":2,"type":"entry","spawn_term":2,"index":2,"action":"thud"}`,
		`{"term":2,"type":"entry","spawn_term":2,"index":3,"action":"thud"}`,
	)

	l, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, l.TruncateFrom(2))

	assert.Equal(t, uint64(1), l.LastIndex())
	assert.Equal(t, uint64(1), l.LastTerm())
	assert.Nil(t, l.Entry(2))

	voted, ok := l.VoteFor(2)
	require.True(t, ok)
	assert.Equal(t, "bar", voted)

	// Appends keep working on the reopened file.
	require.NoError(t, l.AppendEntry(3, 3, 2, json.RawMessage(`"new"`)))
	require.NoError(t, l.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], `"vote"`)
	assert.Contains(t, lines[1], `"index":1`)
	assert.Contains(t, lines[2], `"vote"`)
	assert.Contains(t, lines[3], `"spawn_term":3`)
}

func TestTruncateFromPastEndIsNoOp(t *testing.T) {
	path := tempLog(t)
	seed(t, path, `{"term":1,"type":"entry","spawn_term":1,"index":1,"action":"thud"}`)

	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.TruncateFrom(5))
	assert.Equal(t, uint64(1), l.LastIndex())
}

func TestTornTailDiscardedOnOpen(t *testing.T) {
	path := tempLog(t)
	content := `{"term":1,"type":"entry","spawn_term":1,"index":1,"action":"thud"}` + "\n" +
		`{"term":1,"type":"entry","spawn_`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	l, err := Open(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), l.LastIndex())

	// The torn bytes are gone from disk and the next append lands cleanly.
	require.NoError(t, l.AppendEntry(1, 1, 2, json.RawMessage(`"next"`)))
	require.NoError(t, l.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], `"index":2`)
}

func TestInteriorCorruptionIsFatal(t *testing.T) {
	path := tempLog(t)
	seed(t, path,
		`{"term":1,"type":"entry","spawn_term":1,"index":1,"action":"thud"}`,
		`not json at all`,
		`{"term":2,"type":"entry","spawn_term":2,"index":2,"action":"thud"}`,
	)

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrCorruptLog)
}

func TestReplayRejectsBrokenSequences(t *testing.T) {
	t.Run("gap in entry indices", func(t *testing.T) {
		path := tempLog(t)
		seed(t, path,
			`{"term":1,"type":"entry","spawn_term":1,"index":1,"action":"thud"}`,
			`{"term":1,"type":"entry","spawn_term":1,"index":3,"action":"thud"}`,
		)
		_, err := Open(path)
		assert.ErrorIs(t, err, ErrCorruptLog)
	})

	t.Run("term regression", func(t *testing.T) {
		path := tempLog(t)
		seed(t, path,
			`{"term":2,"type":"vote","for":"foo"}`,
			`{"term":1,"type":"entry","spawn_term":1,"index":1,"action":"thud"}`,
		)
		_, err := Open(path)
		assert.ErrorIs(t, err, ErrCorruptLog)
	})

	t.Run("conflicting votes in one term", func(t *testing.T) {
		path := tempLog(t)
		seed(t, path,
			`{"term":1,"type":"vote","for":"foo"}`,
			`{"term":1,"type":"vote","for":"bar"}`,
		)
		_, err := Open(path)
		assert.ErrorIs(t, err, ErrCorruptLog)
	})
}

func TestEntriesFrom(t *testing.T) {
	path := tempLog(t)
	seed(t, path,
		`{"term":1,"type":"entry","spawn_term":1,"index":1,"action":"a"}`,
		`{"term":1,"type":"entry","spawn_term":1,"index":2,"action":"b"}`,
		`{"term":2,"type":"entry","spawn_term":2,"index":3,"action":"c"}`,
	)

	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	all := l.EntriesFrom(1)
	require.Len(t, all, 3)

	tail := l.EntriesFrom(3)
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(3), tail[0].Index)

	assert.Empty(t, l.EntriesFrom(4))
}
