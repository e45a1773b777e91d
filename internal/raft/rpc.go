package raft

import (
	"encoding/json"
	"fmt"
)

// Entry is one replicated log entry as carried inside an AppendEntries RPC.
// Its index is implicit: the k-th entry of a request targets
// PrevLogIndex + k + 1.
type Entry struct {
	// SpawnTerm is the term in which the entry was first created by its
	// originating leader. It never changes afterwards.
	SpawnTerm uint64 `json:"spawn_term"`
	// Action is the opaque client command replicated through the log.
	Action json.RawMessage `json:"action"`
}

// AppendEntries is the replication RPC, also used with an empty Entries slice
// as the leader's heartbeat.
type AppendEntries struct {
	Term         uint64  `json:"term"`
	LeaderID     string  `json:"leader_id"`
	PrevLogIndex uint64  `json:"prev_log_index"`
	PrevLogTerm  uint64  `json:"prev_log_term"`
	Entries      []Entry `json:"entries"`
	LeaderCommit uint64  `json:"leader_commit"`
}

// Validate rejects structurally impossible requests before any protocol
// logic runs.
func (r AppendEntries) Validate() error {
	if r.Term == 0 {
		return fmt.Errorf("append_entries with zero term")
	}
	if r.LeaderID == "" {
		return fmt.Errorf("append_entries with empty leader id")
	}
	if r.PrevLogIndex == 0 && r.PrevLogTerm != 0 {
		return fmt.Errorf("append_entries with prev term %d at prev index 0", r.PrevLogTerm)
	}
	if r.PrevLogIndex != 0 && r.PrevLogTerm == 0 {
		return fmt.Errorf("append_entries with zero prev term at prev index %d", r.PrevLogIndex)
	}
	for k, e := range r.Entries {
		if e.SpawnTerm == 0 {
			return fmt.Errorf("append_entries entry %d with zero spawn term", k)
		}
		if e.SpawnTerm > r.Term {
			return fmt.Errorf("append_entries entry %d spawned in term %d after request term %d", k, e.SpawnTerm, r.Term)
		}
		if len(e.Action) == 0 || !json.Valid(e.Action) {
			return fmt.Errorf("append_entries entry %d with invalid action", k)
		}
	}
	return nil
}

// AppendEntriesResponse answers an AppendEntries request. Besides the
// responder's term and verdict it carries just enough of the originating
// request (its term, the prev index it targeted and how many entries it
// held) for the leader to update nextIndex/matchIndex without keeping
// per-request bookkeeping.
type AppendEntriesResponse struct {
	RequestTerm  uint64 `json:"request_term"`
	PrevLogIndex uint64 `json:"prev_log_index"`
	EntryCount   uint64 `json:"entry_count"`

	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
}

// RespondAppendEntries pairs a response with the request it answers.
func RespondAppendEntries(req AppendEntries, term uint64, success bool) AppendEntriesResponse {
	return AppendEntriesResponse{
		RequestTerm:  req.Term,
		PrevLogIndex: req.PrevLogIndex,
		EntryCount:   uint64(len(req.Entries)),
		Term:         term,
		Success:      success,
	}
}

// RequestVote is the election RPC.
type RequestVote struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

func (r RequestVote) Validate() error {
	if r.Term == 0 {
		return fmt.Errorf("request_vote with zero term")
	}
	if r.CandidateID == "" {
		return fmt.Errorf("request_vote with empty candidate id")
	}
	if r.LastLogIndex == 0 && r.LastLogTerm != 0 {
		return fmt.Errorf("request_vote with last log term %d at last index 0", r.LastLogTerm)
	}
	if r.LastLogIndex != 0 && r.LastLogTerm == 0 {
		return fmt.Errorf("request_vote with zero last log term at last index %d", r.LastLogIndex)
	}
	return nil
}

// RequestVoteResponse answers a RequestVote request. RequestTerm identifies
// the election the vote belongs to; a candidate drops responses from any
// earlier election it started.
type RequestVoteResponse struct {
	RequestTerm uint64 `json:"request_term"`

	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// RespondRequestVote pairs a response with the request it answers.
func RespondRequestVote(req RequestVote, term uint64, granted bool) RequestVoteResponse {
	return RequestVoteResponse{
		RequestTerm: req.Term,
		Term:        term,
		VoteGranted: granted,
	}
}
