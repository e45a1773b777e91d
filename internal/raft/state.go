// Package raft implements the consensus core of the daemon: a three-state
// Raft engine (follower, candidate, leader) over a durable JSON-lines log.
//
// The state machine is single-threaded and cooperative. Every mutating entry
// point — the RPC handlers, the response handlers, Timeout and Propose — must
// be serialized by the caller; the engine itself never spawns goroutines and
// never blocks except on synchronous log appends. Outbound work (sending
// RPCs, arming timers, delivering commits) happens through the injected
// Handlers; sends and commits are invoked after any durable write of the
// triggering method.
package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"raftstore/internal/raft/storage"
)

// Role is the protocol state of a node at any given point.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// ErrNotLeader is returned by Propose on a node that is not the leader.
var ErrNotLeader = errors.New("not the leader")

// ErrInvalidAction is returned by Propose for an action that is not valid
// JSON.
var ErrInvalidAction = errors.New("invalid action")

// State is the Raft engine for one node of a statically configured cluster.
type State struct {
	id    string
	peers []string

	log      storage.Log
	handlers Handlers
	logger   *log.Logger

	role     Role
	term     uint64
	votedFor string
	leader   string

	commitIndex uint64
	lastApplied uint64

	// Leader-only replication bookkeeping, rebuilt on every election win.
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	// Candidate-only: peers (and self) that granted a vote this election.
	votes map[string]bool
}

// Option configures optional State behavior.
type Option func(*State)

// WithLogger injects a logger for protocol-level events. Without it the
// engine is silent; it never touches any process-global logger.
func WithLogger(l *log.Logger) Option {
	return func(s *State) { s.logger = l }
}

// New constructs the engine for the node at self, with the given peer
// endpoints, replaying the durable log at logPath. The node always starts as
// a follower with a fresh election timeout armed; its term and vote are
// whatever the log proves they were.
func New(self string, peers []string, logPath string, handlers Handlers, opts ...Option) (*State, error) {
	if self == "" {
		return nil, fmt.Errorf("empty self endpoint")
	}
	if err := handlers.validate(); err != nil {
		return nil, err
	}
	for _, p := range peers {
		if p == "" || p == self {
			return nil, fmt.Errorf("invalid peer endpoint %q", p)
		}
	}

	l, err := storage.Open(logPath)
	if err != nil {
		return nil, err
	}

	return newState(self, peers, l, handlers, opts...), nil
}

// newState wires an already-open log. Split from New so tests can inject a
// fake log.
func newState(self string, peers []string, l storage.Log, handlers Handlers, opts ...Option) *State {
	s := &State{
		id:       self,
		peers:    append([]string(nil), peers...),
		log:      l,
		handlers: handlers,
		role:     Follower,
		term:     l.MaxTerm(),
	}
	if endpoint, ok := l.VoteFor(s.term); ok {
		s.votedFor = endpoint
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logf("starting as follower in term %d (log: last index %d, last term %d)",
		s.term, l.LastIndex(), l.LastTerm())
	s.handlers.ArmTimeout(Election)

	return s
}

func (s *State) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[RAFT-%s] [TERM-%d] "+format, append([]any{s.id, s.term}, args...)...)
	}
}

// State returns the node's current role.
func (s *State) State() Role { return s.role }

// Term returns the current term.
func (s *State) Term() uint64 { return s.term }

// Leader returns the endpoint believed to lead the current term, if any.
func (s *State) Leader() (string, bool) {
	return s.leader, s.leader != ""
}

// CommitIndex returns the highest entry index known to be committed.
func (s *State) CommitIndex() uint64 { return s.commitIndex }

// clusterSize counts self plus peers; majority is floor(N/2)+1.
func (s *State) clusterSize() int { return len(s.peers) + 1 }

func (s *State) majority() int { return s.clusterSize()/2 + 1 }

// observeTerm applies the common rule for any inbound term greater than our
// own: adopt it, forget the vote and leader of the old term, fall back to
// follower and restart the election clock. No vote record is written merely
// for observing a higher term; persistence happens if and when a vote is
// granted in it.
func (s *State) observeTerm(term uint64) {
	if term <= s.term {
		return
	}

	s.logf("observed term %d, stepping down to follower", term)
	s.term = term
	s.votedFor = ""
	s.leader = ""
	s.role = Follower
	s.votes = nil
	s.handlers.ArmTimeout(Election)
}

// AppendEntries handles an inbound replication or heartbeat RPC. The returned
// response is sent back by the transport. A malformed request is rejected
// with an error before any protocol logic runs; any other error return is
// fatal: the log could not be made durable and the process must not continue.
func (s *State) AppendEntries(req AppendEntries) (AppendEntriesResponse, error) {
	if err := req.Validate(); err != nil {
		return AppendEntriesResponse{}, err
	}

	s.observeTerm(req.Term)

	if req.Term < s.term {
		return RespondAppendEntries(req, s.term, false), nil
	}

	// Equal term from here. An append in our term means its sender won the
	// election for it: a candidate concedes. A leader receiving one would
	// mean two leaders in one term; refuse and let the sender step down when
	// it sees our term elsewhere.
	if s.role == Leader {
		s.logf("append_entries from %s in my own leadership term", req.LeaderID)
		return RespondAppendEntries(req, s.term, false), nil
	}
	if s.role == Candidate {
		s.logf("conceding election to %s", req.LeaderID)
		s.role = Follower
		s.votes = nil
	}

	s.leader = req.LeaderID
	// Every accepted leader contact restarts the election clock, including
	// appends we end up rejecting on the log check below.
	s.handlers.ArmTimeout(Election)

	if !s.prevLogMatches(req.PrevLogIndex, req.PrevLogTerm) {
		return RespondAppendEntries(req, s.term, false), nil
	}

	for k, e := range req.Entries {
		index := req.PrevLogIndex + uint64(k) + 1

		if existing := s.log.Entry(index); existing != nil {
			if existing.SpawnTerm == e.SpawnTerm {
				// Same entry already present: duplicate delivery, skip.
				continue
			}
			s.logf("conflicting entry at index %d (have spawn term %d, leader says %d), truncating",
				index, existing.SpawnTerm, e.SpawnTerm)
			if err := s.log.TruncateFrom(index); err != nil {
				return AppendEntriesResponse{}, fmt.Errorf("truncate conflicting entries: %w", err)
			}
		}

		if err := s.log.AppendEntry(s.term, e.SpawnTerm, index, e.Action); err != nil {
			return AppendEntriesResponse{}, fmt.Errorf("append replicated entry: %w", err)
		}
	}

	if commit := min(req.LeaderCommit, s.log.LastIndex()); commit > s.commitIndex {
		s.commitIndex = commit
	}
	s.deliverCommitted()

	return RespondAppendEntries(req, s.term, true), nil
}

func (s *State) prevLogMatches(prevIndex, prevTerm uint64) bool {
	if prevIndex == 0 {
		return true
	}
	e := s.log.Entry(prevIndex)
	return e != nil && e.SpawnTerm == prevTerm
}

// deliverCommitted hands every newly committed entry to the commit handler,
// in index order, exactly once per process lifetime.
func (s *State) deliverCommitted() {
	for s.lastApplied < s.commitIndex {
		s.lastApplied++
		e := s.log.Entry(s.lastApplied)
		s.handlers.Commit(e.Action)
	}
}

// RequestVote handles an inbound election RPC.
func (s *State) RequestVote(req RequestVote) (RequestVoteResponse, error) {
	if err := req.Validate(); err != nil {
		return RequestVoteResponse{}, err
	}

	s.observeTerm(req.Term)

	if req.Term < s.term {
		return RespondRequestVote(req, s.term, false), nil
	}

	// Equal term. A candidate or leader has already voted for itself this
	// term, so only a follower can still grant.
	if s.role != Follower {
		return RespondRequestVote(req, s.term, false), nil
	}

	if s.votedFor != "" && s.votedFor != req.CandidateID {
		return RespondRequestVote(req, s.term, false), nil
	}
	if !s.candidateUpToDate(req.LastLogIndex, req.LastLogTerm) {
		return RespondRequestVote(req, s.term, false), nil
	}

	if s.votedFor == "" {
		if err := s.log.AppendVote(s.term, req.CandidateID); err != nil {
			return RequestVoteResponse{}, fmt.Errorf("persist vote: %w", err)
		}
		s.votedFor = req.CandidateID
	}

	s.logf("granting vote to %s", req.CandidateID)
	s.handlers.ArmTimeout(Election)
	return RespondRequestVote(req, s.term, true), nil
}

// candidateUpToDate is the election restriction: grant only to candidates
// whose log is at least as up-to-date as ours.
func (s *State) candidateUpToDate(lastIndex, lastTerm uint64) bool {
	ourTerm := s.log.LastTerm()
	if lastTerm != ourTerm {
		return lastTerm > ourTerm
	}
	return lastIndex >= s.log.LastIndex()
}

// Timeout handles the expiry of whichever timeout was last armed. Followers
// and candidates start (or restart) an election; leaders broadcast a round of
// appends and re-arm the heartbeat.
func (s *State) Timeout() error {
	if s.role == Leader {
		s.broadcastAppends()
		s.handlers.ArmTimeout(Heartbeat)
		return nil
	}
	return s.startElection()
}

func (s *State) startElection() error {
	s.term++
	s.role = Candidate
	s.leader = ""

	if err := s.log.AppendVote(s.term, s.id); err != nil {
		return fmt.Errorf("persist self-vote: %w", err)
	}
	s.votedFor = s.id
	s.votes = map[string]bool{s.id: true}

	s.logf("election started")
	s.handlers.ArmTimeout(Election)

	req := RequestVote{
		Term:         s.term,
		CandidateID:  s.id,
		LastLogIndex: s.log.LastIndex(),
		LastLogTerm:  s.log.LastTerm(),
	}
	for _, peer := range s.peers {
		s.handlers.SendRequestVote(peer, req)
	}

	// A single-node cluster is its own majority.
	if len(s.votes) >= s.majority() {
		s.becomeLeader()
	}
	return nil
}

// RequestVoteResponse handles a peer's answer to our RequestVote. Responses
// from elections other than the current one are dropped.
func (s *State) RequestVoteResponse(from string, rsp RequestVoteResponse) error {
	if rsp.Term > s.term {
		s.observeTerm(rsp.Term)
		return nil
	}

	if s.role != Candidate || rsp.RequestTerm != s.term {
		return nil
	}

	if !rsp.VoteGranted {
		return nil
	}

	s.votes[from] = true
	s.logf("vote granted by %s (%d/%d)", from, len(s.votes), s.majority())
	if len(s.votes) >= s.majority() {
		s.becomeLeader()
	}
	return nil
}

func (s *State) becomeLeader() {
	s.role = Leader
	s.leader = s.id
	s.votes = nil

	s.nextIndex = make(map[string]uint64, len(s.peers))
	s.matchIndex = make(map[string]uint64, len(s.peers))
	next := s.log.LastIndex() + 1
	for _, peer := range s.peers {
		s.nextIndex[peer] = next
		s.matchIndex[peer] = 0
	}

	s.logf("won election, leading term %d", s.term)

	// Assert authority immediately rather than waiting for the first
	// heartbeat tick.
	s.broadcastAppends()
	s.handlers.ArmTimeout(Heartbeat)
}

func (s *State) broadcastAppends() {
	for _, peer := range s.peers {
		s.sendAppend(peer)
	}
}

// sendAppend builds the per-peer AppendEntries from that peer's nextIndex:
// everything from nextIndex through the end of our log, or an empty heartbeat
// when the peer is up to date.
func (s *State) sendAppend(peer string) {
	next := s.nextIndex[peer]
	prevIndex := next - 1
	var prevTerm uint64
	if prevIndex > 0 {
		prevTerm = s.log.Entry(prevIndex).SpawnTerm
	}

	var entries []Entry
	for _, rec := range s.log.EntriesFrom(next) {
		entries = append(entries, Entry{SpawnTerm: rec.SpawnTerm, Action: rec.Action})
	}

	s.handlers.SendAppendEntries(peer, AppendEntries{
		Term:         s.term,
		LeaderID:     s.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: s.commitIndex,
	})
}

// AppendEntriesResponse handles a peer's answer to one of our appends.
func (s *State) AppendEntriesResponse(from string, rsp AppendEntriesResponse) error {
	if rsp.Term > s.term {
		s.observeTerm(rsp.Term)
		return nil
	}

	if s.role != Leader || rsp.Term != s.term || rsp.RequestTerm != s.term {
		return nil
	}

	if !rsp.Success {
		// The peer's log diverges before PrevLogIndex; walk back one entry
		// and retry immediately with everything from the new nextIndex.
		if s.nextIndex[from] > 1 {
			s.nextIndex[from]--
		}
		s.logf("append rejected by %s, retrying from index %d", from, s.nextIndex[from])
		s.sendAppend(from)
		return nil
	}

	if match := rsp.PrevLogIndex + rsp.EntryCount; match > s.matchIndex[from] {
		s.matchIndex[from] = match
	}
	s.nextIndex[from] = s.matchIndex[from] + 1

	s.advanceCommit()
	return nil
}

// advanceCommit finds the greatest index N > commitIndex replicated on a
// majority whose entry spawned in the current term, then delivers everything
// up to it. Entries from earlier terms are never counted directly; they
// commit transitively once a current-term entry above them does.
func (s *State) advanceCommit() {
	for n := s.log.LastIndex(); n > s.commitIndex; n-- {
		if s.log.Entry(n).SpawnTerm != s.term {
			// Spawn terms are nondecreasing in index order; nothing below n
			// can be from the current term either.
			break
		}

		replicas := 1 // self
		for _, peer := range s.peers {
			if s.matchIndex[peer] >= n {
				replicas++
			}
		}
		if replicas >= s.majority() {
			s.commitIndex = n
			s.logf("commit index advanced to %d", n)
			break
		}
	}

	s.deliverCommitted()
}

// Propose appends a client action to the leader's log at the next index. It
// is the upstream submission path: replication to peers rides the next
// heartbeat tick. Returns the index assigned to the action.
func (s *State) Propose(action json.RawMessage) (uint64, error) {
	if s.role != Leader {
		return 0, ErrNotLeader
	}
	if len(action) == 0 || !json.Valid(action) {
		return 0, ErrInvalidAction
	}

	index := s.log.LastIndex() + 1
	if err := s.log.AppendEntry(s.term, s.term, index, action); err != nil {
		return 0, fmt.Errorf("append proposed entry: %w", err)
	}
	s.logf("proposed entry at index %d", index)

	// In a single-node cluster the local append alone is a majority.
	s.advanceCommit()

	return index, nil
}

// Close releases the durable log. The state machine has no other shutdown
// protocol; it dies with the owning process.
func (s *State) Close() error {
	return s.log.Close()
}
