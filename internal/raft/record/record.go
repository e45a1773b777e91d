// Package record implements the one-record-per-line JSON codec used by the
// durable Raft log. Two schemas exist on disk:
//
//	{"term": <uint>, "type": "vote", "for": <endpoint>}
//	{"term": <uint>, "type": "entry", "spawn_term": <uint>, "index": <uint>, "action": <any JSON>}
//
// The file on disk is the ground truth for a node's Raft state; keeping it as
// line-oriented UTF-8 text makes crash recovery a prefix truncation at the
// last newline and lets operators inspect the log with standard tools.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Record types as they appear in the "type" field.
const (
	TypeVote  = "vote"
	TypeEntry = "entry"
)

// A Record is a single line of the durable log: either a vote decision or a
// replicated entry.
//
// For entry records, Term is the term under which the record was written
// locally, while SpawnTerm is the term in which the entry was first created
// by its originating leader. Term may exceed SpawnTerm when a follower
// accepts an old entry under a newer term.
type Record struct {
	Term      uint64          `json:"term"`
	Type      string          `json:"type"`
	For       string          `json:"for,omitempty"`
	SpawnTerm uint64          `json:"spawn_term,omitempty"`
	Index     uint64          `json:"index,omitempty"`
	Action    json.RawMessage `json:"action,omitempty"`
}

// NewVote builds a vote record: endpoint was granted this node's vote in term.
func NewVote(term uint64, endpoint string) Record {
	return Record{Term: term, Type: TypeVote, For: endpoint}
}

// NewEntry builds an entry record at the given index.
func NewEntry(term, spawnTerm, index uint64, action json.RawMessage) Record {
	return Record{Term: term, Type: TypeEntry, SpawnTerm: spawnTerm, Index: index, Action: action}
}

// Validate checks the structural invariants of a single record.
func (r Record) Validate() error {
	if r.Term == 0 {
		return fmt.Errorf("record has zero term")
	}

	switch r.Type {
	case TypeVote:
		if r.For == "" {
			return fmt.Errorf("vote record has empty endpoint")
		}
		if r.SpawnTerm != 0 || r.Index != 0 || r.Action != nil {
			return fmt.Errorf("vote record carries entry fields")
		}
	case TypeEntry:
		if r.Index == 0 {
			return fmt.Errorf("entry record has zero index")
		}
		if r.SpawnTerm == 0 {
			return fmt.Errorf("entry record has zero spawn term")
		}
		if r.SpawnTerm > r.Term {
			return fmt.Errorf("entry record spawn term %d exceeds write term %d", r.SpawnTerm, r.Term)
		}
		if len(r.Action) == 0 {
			return fmt.Errorf("entry record has no action")
		}
		if !json.Valid(r.Action) {
			return fmt.Errorf("entry record action is not valid JSON")
		}
		if r.For != "" {
			return fmt.Errorf("entry record carries vote fields")
		}
	default:
		return fmt.Errorf("unknown record type %q", r.Type)
	}

	return nil
}

// MarshalLine serializes the record as a single newline-terminated JSON line.
func (r Record) MarshalLine() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	return append(data, '\n'), nil
}

// Parse decodes a single log line into a validated Record.
func Parse(line []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Record{}, fmt.Errorf("parse record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// ScanLines decodes every complete newline-terminated record in data.
//
// It returns the parsed records together with the length of the valid prefix
// of data: the offset just past the final newline. Bytes past that offset
// form a torn tail (an interrupted final write) and are meant to be discarded
// by the caller. A record that fails to parse inside the terminated region is
// an error, since everything before the final newline was once acknowledged
// as durable.
func ScanLines(data []byte) ([]Record, int, error) {
	var records []Record
	offset := 0
	lineNo := 0

	for offset < len(data) {
		nl := bytes.IndexByte(data[offset:], '\n')
		if nl < 0 {
			// Torn tail: no terminating newline.
			break
		}
		lineNo++

		line := data[offset : offset+nl]
		rec, err := Parse(line)
		if err != nil {
			return nil, 0, fmt.Errorf("line %d: %w", lineNo, err)
		}

		records = append(records, rec)
		offset += nl + 1
	}

	return records, offset, nil
}
