package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"raftstore/internal/raft"
)

// ErrStopped is returned for calls made after the loop has shut down.
var ErrStopped = errors.New("transport loop stopped")

// sendDeadline bounds one outbound RPC including all its retries.
const sendDeadline = 500 * time.Millisecond

// Config holds the timing parameters the loop needs to turn the core's
// timeout categories into concrete durations.
type Config struct {
	// Self is this node's endpoint, used as the sender identity.
	Self string

	// Election timeouts are drawn uniformly from [Min, Max] so that
	// candidates rarely collide.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is the leader's append cadence. It must be well
	// below ElectionTimeoutMin.
	HeartbeatInterval time.Duration
}

// Loop owns the raft.State and serializes every entry into it: inbound RPCs,
// RPC responses, timer firings and client proposals all funnel through one
// goroutine, which is the concurrency contract the core requires.
//
// Outbound handler callbacks never block the loop: sends run on their own
// goroutines and their responses re-enter through the call queue.
type Loop struct {
	cfg     Config
	client  *Client
	commit  func(action json.RawMessage)
	metrics Collector
	logger  *log.Logger

	state *raft.State
	calls chan func()
	timer *time.Timer
	rng   *rand.Rand

	done     chan struct{}
	stopOnce sync.Once
	failOnce sync.Once
	err      error
}

// NewLoop builds the loop. The raft.State is constructed afterwards against
// Handlers() and attached with Bind before Run is called.
func NewLoop(cfg Config, client *Client, commit func(json.RawMessage), metrics Collector, logger *log.Logger) *Loop {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	return &Loop{
		cfg:     cfg,
		client:  client,
		commit:  commit,
		metrics: metrics,
		logger:  logger,
		calls:   make(chan func(), 64),
		timer:   timer,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		done:    make(chan struct{}),
	}
}

// Handlers returns the outbound callback set to construct the raft.State
// with. ArmTimeout may legitimately fire during state construction, before
// Run starts; the armed timer is simply consumed once the loop runs.
func (l *Loop) Handlers() raft.Handlers {
	return raft.Handlers{
		SendAppendEntries: l.sendAppendEntries,
		SendRequestVote:   l.sendRequestVote,
		ArmTimeout:        l.armTimeout,
		Commit:            l.commit,
	}
}

// Bind attaches the constructed state machine. Must happen before Run.
func (l *Loop) Bind(state *raft.State) {
	l.state = state
}

// Run processes the call queue and the timer until Stop is called or a fatal
// state-machine error occurs. It returns the fatal error, if any.
func (l *Loop) Run() error {
	if l.state == nil {
		return fmt.Errorf("loop started without a bound state machine")
	}

	for {
		select {
		case <-l.done:
			return l.err
		case f := <-l.calls:
			f()
		case <-l.timer.C:
			if l.metrics != nil && l.state.State() != raft.Leader {
				l.metrics.RecordElection()
			}
			if err := l.state.Timeout(); err != nil {
				l.fail(err)
			}
		}

		select {
		case <-l.done:
			return l.err
		default:
		}
	}
}

// Stop shuts the loop down. Safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

// fail records the first fatal error and shuts the loop down. Fatal here
// means the durable log could not be written; continuing could violate
// safety.
func (l *Loop) fail(err error) {
	l.failOnce.Do(func() {
		l.err = err
		if l.logger != nil {
			l.logger.Printf("[TRANSPORT] fatal state machine error: %v", err)
		}
	})
	l.Stop()
}

// armTimeout implements the core's arm-timeout contract: pick a concrete
// duration for the category and supersede whatever timer was pending.
func (l *Loop) armTimeout(kind raft.TimeoutKind) {
	var d time.Duration
	switch kind {
	case raft.Election:
		d = l.cfg.ElectionTimeoutMin
		if span := l.cfg.ElectionTimeoutMax - l.cfg.ElectionTimeoutMin; span > 0 {
			d += time.Duration(l.rng.Int63n(int64(span) + 1))
		}
	case raft.Heartbeat:
		d = l.cfg.HeartbeatInterval
	}

	if !l.timer.Stop() {
		select {
		case <-l.timer.C:
		default:
		}
	}
	l.timer.Reset(d)
}

func (l *Loop) sendAppendEntries(to string, rpc raft.AppendEntries) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendDeadline)
		defer cancel()

		rsp, err := l.client.AppendEntries(ctx, to, rpc)
		if err != nil {
			// Transport transients are absorbed; the next heartbeat retries.
			return
		}
		l.enqueue(func() error {
			return l.state.AppendEntriesResponse(to, rsp)
		})
	}()
}

func (l *Loop) sendRequestVote(to string, rpc raft.RequestVote) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendDeadline)
		defer cancel()

		rsp, err := l.client.RequestVote(ctx, to, rpc)
		if err != nil {
			return
		}
		l.enqueue(func() error {
			return l.state.RequestVoteResponse(to, rsp)
		})
	}()
}

// enqueue schedules fire-and-forget work on the loop; an error from it is
// fatal.
func (l *Loop) enqueue(f func() error) {
	select {
	case l.calls <- func() {
		if err := f(); err != nil {
			l.fail(err)
		}
	}:
	case <-l.done:
	}
}

// call runs f on the loop goroutine and waits for its result.
func (l *Loop) call(f func() error) error {
	errCh := make(chan error, 1)
	select {
	case l.calls <- func() { errCh <- f() }:
	case <-l.done:
		return ErrStopped
	}

	select {
	case err := <-errCh:
		return err
	case <-l.done:
		return ErrStopped
	}
}

// AppendEntries delivers an inbound AppendEntries RPC to the state machine
// and returns its response. An error is fatal and shuts the loop down.
func (l *Loop) AppendEntries(req raft.AppendEntries) (raft.AppendEntriesResponse, error) {
	var rsp raft.AppendEntriesResponse
	err := l.call(func() error {
		var err error
		rsp, err = l.state.AppendEntries(req)
		if err != nil {
			l.fail(err)
		}
		return err
	})
	return rsp, err
}

// RequestVote delivers an inbound RequestVote RPC to the state machine and
// returns its response. An error is fatal and shuts the loop down.
func (l *Loop) RequestVote(req raft.RequestVote) (raft.RequestVoteResponse, error) {
	var rsp raft.RequestVoteResponse
	err := l.call(func() error {
		var err error
		rsp, err = l.state.RequestVote(req)
		if err != nil {
			l.fail(err)
		}
		return err
	})
	return rsp, err
}

// Propose submits a client action on the leader. raft.ErrNotLeader and
// invalid-action rejections pass through to the caller; anything else is a
// failed durable append and therefore fatal.
func (l *Loop) Propose(action json.RawMessage) (uint64, error) {
	var index uint64
	err := l.call(func() error {
		var err error
		index, err = l.state.Propose(action)
		if err != nil && !errors.Is(err, raft.ErrNotLeader) && !errors.Is(err, raft.ErrInvalidAction) {
			l.fail(err)
		}
		return err
	})
	return index, err
}

// Status is a point-in-time view of the state machine, read from inside the
// loop so it is always consistent.
type Status struct {
	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	Leader      string `json:"leader,omitempty"`
	CommitIndex uint64 `json:"commit_index"`
}

func (l *Loop) Status() (Status, error) {
	var st Status
	err := l.call(func() error {
		st.Role = l.state.State().String()
		st.Term = l.state.Term()
		if leader, ok := l.state.Leader(); ok {
			st.Leader = leader
		}
		st.CommitIndex = l.state.CommitIndex()
		return nil
	})
	return st, err
}
