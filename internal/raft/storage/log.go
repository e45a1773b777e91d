package storage

import (
	"encoding/json"

	"raftstore/internal/raft/record"
)

// Log is the durable write-ahead log owned by the Raft state machine. The
// on-disk line order defines authoritative state; the implementation keeps an
// in-memory index so that reads never touch the disk.
//
// Every append is flushed and fsynced before it returns, so a vote or an
// accepted entry is durable before it can be externally observed.
type Log interface {
	// AppendVote durably records that endpoint was granted this node's vote
	// in term.
	AppendVote(term uint64, endpoint string) error

	// AppendEntry durably appends the entry record at index. The index must
	// equal LastIndex()+1; anything else is a programming error and is
	// rejected.
	AppendEntry(term, spawnTerm, index uint64, action json.RawMessage) error

	// TruncateFrom removes every entry record with an index >= index,
	// preserving all vote records. Implemented as a rewrite to a temporary
	// file followed by an atomic rename.
	TruncateFrom(index uint64) error

	// LastIndex returns the index of the most recent entry record, or 0 for
	// an empty log.
	LastIndex() uint64

	// LastTerm returns the spawn term of the most recent entry record, or 0
	// for an empty log.
	LastTerm() uint64

	// Entry returns the entry record at index, or nil if absent.
	Entry(index uint64) *record.Record

	// EntriesFrom returns all entry records with index >= index, in order.
	EntriesFrom(index uint64) []record.Record

	// VoteFor returns the endpoint voted for in term, if any.
	VoteFor(term uint64) (string, bool)

	// MaxTerm returns the highest term observed across all records. This is
	// the term a node resumes in after a restart.
	MaxTerm() uint64

	// Close releases the underlying file.
	Close() error
}
