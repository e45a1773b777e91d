package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"raftstore/internal/raft/record"
)

// ErrCorruptLog marks a log file whose terminated region failed to replay. A
// node refuses to start on a corrupt log because silently repairing it could
// violate safety.
var ErrCorruptLog = errors.New("corrupt raft log")

// FileLog is the file-backed implementation of Log: an append-only UTF-8 text
// file with one JSON record per line, plus an in-memory index rebuilt by
// replaying the file on open.
type FileLog struct {
	path string
	f    *os.File

	// records preserves the full on-disk order; entries holds copies of the
	// entry records alone, indexed by entry index - 1.
	records []record.Record
	entries []record.Record
	votes   map[uint64]string
	maxTerm uint64
}

// Open replays the log at path, truncating a torn tail write if one exists,
// and opens the file for appending. A missing file is an empty log.
func Open(path string) (*FileLog, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read raft log %s: %w", path, err)
	}

	records, valid, err := record.ScanLines(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptLog, path, err)
	}

	l := &FileLog{
		path:  path,
		votes: make(map[uint64]string),
	}
	for _, rec := range records {
		if err := l.index(rec); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptLog, path, err)
		}
	}

	if valid < len(data) {
		// Discard the torn tail before opening for append, so the next write
		// starts on a line boundary.
		if err := os.Truncate(path, int64(valid)); err != nil {
			return nil, fmt.Errorf("truncate torn tail of %s: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open raft log %s: %w", path, err)
	}
	l.f = f

	return l, nil
}

// index folds one replayed record into the in-memory state, enforcing the
// sequencing invariants of the file: terms nondecreasing, entry indices
// contiguous from 1, at most one vote per term.
func (l *FileLog) index(rec record.Record) error {
	if rec.Term < l.maxTerm {
		return fmt.Errorf("term regressed from %d to %d", l.maxTerm, rec.Term)
	}
	l.maxTerm = rec.Term

	switch rec.Type {
	case record.TypeVote:
		if prev, ok := l.votes[rec.Term]; ok && prev != rec.For {
			return fmt.Errorf("two votes in term %d: %s and %s", rec.Term, prev, rec.For)
		}
		l.votes[rec.Term] = rec.For
	case record.TypeEntry:
		want := uint64(len(l.entries)) + 1
		if rec.Index != want {
			return fmt.Errorf("entry index %d, want %d", rec.Index, want)
		}
		l.entries = append(l.entries, rec)
	}

	l.records = append(l.records, rec)
	return nil
}

// append writes one record line and fsyncs before mutating any in-memory
// state, so the disk never lags what callers can observe.
func (l *FileLog) append(rec record.Record) error {
	line, err := rec.MarshalLine()
	if err != nil {
		return err
	}
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("append to raft log: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync raft log: %w", err)
	}
	return nil
}

func (l *FileLog) AppendVote(term uint64, endpoint string) error {
	if prev, ok := l.votes[term]; ok {
		if prev != endpoint {
			return fmt.Errorf("already voted for %s in term %d", prev, term)
		}
		// The grant is already durable; a vote appears at most once per term.
		return nil
	}

	rec := record.NewVote(term, endpoint)
	if err := l.append(rec); err != nil {
		return err
	}

	l.votes[term] = endpoint
	l.records = append(l.records, rec)
	if term > l.maxTerm {
		l.maxTerm = term
	}
	return nil
}

func (l *FileLog) AppendEntry(term, spawnTerm, index uint64, action json.RawMessage) error {
	if want := l.LastIndex() + 1; index != want {
		return fmt.Errorf("append at index %d, want %d", index, want)
	}

	rec := record.NewEntry(term, spawnTerm, index, action)
	if err := l.append(rec); err != nil {
		return err
	}

	l.entries = append(l.entries, rec)
	l.records = append(l.records, rec)
	if term > l.maxTerm {
		l.maxTerm = term
	}
	return nil
}

func (l *FileLog) TruncateFrom(index uint64) error {
	if index == 0 {
		return fmt.Errorf("truncate from index 0")
	}
	if index > l.LastIndex() {
		return nil
	}

	kept := make([]record.Record, 0, len(l.records))
	for _, rec := range l.records {
		if rec.Type == record.TypeEntry && rec.Index >= index {
			continue
		}
		kept = append(kept, rec)
	}

	// Rewrite into a temporary file in the same directory, then atomically
	// replace the log so a crash mid-rewrite leaves the old file intact.
	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".rewrite-*")
	if err != nil {
		return fmt.Errorf("create rewrite file: %w", err)
	}
	tmpPath := tmp.Name()

	for _, rec := range kept {
		line, err := rec.MarshalLine()
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := tmp.Write(line); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("write rewrite file: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync rewrite file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close rewrite file: %w", err)
	}

	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace raft log: %w", err)
	}

	old := l.f
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("reopen raft log: %w", err)
	}
	l.f = f
	old.Close()

	l.records = kept
	l.entries = l.entries[:index-1]
	return nil
}

func (l *FileLog) LastIndex() uint64 {
	return uint64(len(l.entries))
}

func (l *FileLog) LastTerm() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].SpawnTerm
}

func (l *FileLog) Entry(index uint64) *record.Record {
	if index == 0 || index > uint64(len(l.entries)) {
		return nil
	}
	rec := l.entries[index-1]
	return &rec
}

func (l *FileLog) EntriesFrom(index uint64) []record.Record {
	if index == 0 {
		index = 1
	}
	if index > uint64(len(l.entries)) {
		return nil
	}
	out := make([]record.Record, uint64(len(l.entries))-index+1)
	copy(out, l.entries[index-1:])
	return out
}

func (l *FileLog) VoteFor(term uint64) (string, bool) {
	endpoint, ok := l.votes[term]
	return endpoint, ok
}

func (l *FileLog) MaxTerm() uint64 {
	return l.maxTerm
}

func (l *FileLog) Close() error {
	return l.f.Close()
}
