// Package metrics collects counters for Raft traffic and progress. The
// collector is wired into the transport client and the daemon's commit path
// and surfaced as a snapshot on the status endpoint.
package metrics

import "sync/atomic"

// Metrics counts protocol events. All methods are safe for concurrent use.
type Metrics struct {
	appendEntries atomic.Uint64
	requestVote   atomic.Uint64
	heartbeats    atomic.Uint64
	elections     atomic.Uint64
	committed     atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

// RecordAppendEntries counts an AppendEntries RPC carrying entries.
func (m *Metrics) RecordAppendEntries() {
	m.appendEntries.Add(1)
}

// RecordHeartbeat counts an empty AppendEntries RPC.
func (m *Metrics) RecordHeartbeat() {
	m.heartbeats.Add(1)
}

// RecordRequestVote counts a RequestVote RPC.
func (m *Metrics) RecordRequestVote() {
	m.requestVote.Add(1)
}

// RecordElection counts an election this node started.
func (m *Metrics) RecordElection() {
	m.elections.Add(1)
}

// RecordCommit counts an entry delivered to the content store.
func (m *Metrics) RecordCommit() {
	m.committed.Add(1)
}

// Report is a point-in-time snapshot of all counters.
type Report struct {
	AppendEntriesSent uint64 `json:"append_entries_sent"`
	RequestVoteSent   uint64 `json:"request_vote_sent"`
	HeartbeatsSent    uint64 `json:"heartbeats_sent"`
	ElectionsStarted  uint64 `json:"elections_started"`
	EntriesCommitted  uint64 `json:"entries_committed"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Report {
	return Report{
		AppendEntriesSent: m.appendEntries.Load(),
		RequestVoteSent:   m.requestVote.Load(),
		HeartbeatsSent:    m.heartbeats.Load(),
		ElectionsStarted:  m.elections.Load(),
		EntriesCommitted:  m.committed.Load(),
	}
}
