package transport

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftstore/internal/raft"
)

func TestClientRoundTrip(t *testing.T) {
	var got raft.AppendEntries
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/raft/append_entries", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(raft.RespondAppendEntries(got, got.Term, true))
	}))
	defer srv.Close()

	client := NewClient(nil, nil)
	req := raft.AppendEntries{Term: 3, LeaderID: "eris", PrevLogIndex: 2, PrevLogTerm: 2}

	rsp, err := client.AppendEntries(context.Background(), peerOf(t, srv), req)
	require.NoError(t, err)

	assert.Equal(t, req, got)
	assert.Equal(t, uint64(3), rsp.Term)
	assert.True(t, rsp.Success)
	assert.Equal(t, uint64(3), rsp.RequestTerm)
}

func TestClientRetriesThenGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(nil, log.New(discard{}, "", 0))
	_, err := client.RequestVote(context.Background(), peerOf(t, srv), raft.RequestVote{Term: 1, CandidateID: "eris"})

	require.Error(t, err)
	assert.Equal(t, int32(MaxSendRetries), calls.Load())
}

func TestClientRecoversOnRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		var req raft.RequestVote
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(raft.RespondRequestVote(req, req.Term, true))
	}))
	defer srv.Close()

	client := NewClient(nil, nil)
	rsp, err := client.RequestVote(context.Background(), peerOf(t, srv), raft.RequestVote{Term: 2, CandidateID: "eris"})

	require.NoError(t, err)
	assert.True(t, rsp.VoteGranted)
	assert.Equal(t, int32(2), calls.Load())
}

func TestArmTimeoutSupersedesPrevious(t *testing.T) {
	l := NewLoop(Config{
		Self:               "eris",
		ElectionTimeoutMin: 60 * time.Millisecond,
		ElectionTimeoutMax: 60 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
	}, NewClient(nil, nil), func(json.RawMessage) {}, nil, nil)

	arm := l.Handlers().ArmTimeout
	arm(raft.Election)
	time.Sleep(30 * time.Millisecond)
	arm(raft.Election)

	// The first arm would have fired by now if it were still pending.
	select {
	case <-l.timer.C:
		t.Fatal("superseded timer fired")
	case <-time.After(40 * time.Millisecond):
	}

	// The second arm fires on its own schedule.
	select {
	case <-l.timer.C:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("re-armed timer never fired")
	}
}

// node is a full test node: state machine, loop and HTTP server, with
// commits recorded. startNode builds one; peers are the endpoints of the
// other nodes.
type node struct {
	loop   *Loop
	server *httptest.Server

	mu      sync.Mutex
	commits []json.RawMessage
}

func (n *node) committed() []json.RawMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]json.RawMessage(nil), n.commits...)
}

func startNode(t *testing.T, self string, peers []string, cfg Config) *node {
	t.Helper()

	n := &node{}
	cfg.Self = self

	commit := func(action json.RawMessage) {
		n.mu.Lock()
		n.commits = append(n.commits, append(json.RawMessage(nil), action...))
		n.mu.Unlock()
	}

	n.loop = NewLoop(cfg, NewClient(nil, nil), commit, nil, nil)

	logPath := filepath.Join(t.TempDir(), "raft.log")
	state, err := raft.New(self, peers, logPath, n.loop.Handlers())
	require.NoError(t, err)
	n.loop.Bind(state)

	mux := http.NewServeMux()
	NewHTTPHandler(n.loop, nil).Register(mux)
	n.server = httptest.NewServer(mux)

	go n.loop.Run()
	t.Cleanup(func() {
		n.loop.Stop()
		n.server.Close()
		state.Close()
	})

	return n
}

func peerOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

func TestSingleNodeLoopElectsAndCommits(t *testing.T) {
	n := startNode(t, "eris", nil, Config{
		ElectionTimeoutMin: 20 * time.Millisecond,
		ElectionTimeoutMax: 40 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
	})

	require.Eventually(t, func() bool {
		st, err := n.loop.Status()
		return err == nil && st.Role == "Leader"
	}, time.Second, 5*time.Millisecond, "single node never elected itself")

	index, err := n.loop.Propose(json.RawMessage(`{"op":"noop"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), index)

	require.Eventually(t, func() bool {
		return len(n.committed()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"op":"noop"}`, string(n.committed()[0]))

	st, err := n.loop.Status()
	require.NoError(t, err)
	assert.Equal(t, "eris", st.Leader)
	assert.Equal(t, uint64(1), st.CommitIndex)
}

func TestLoopProposeOffLeader(t *testing.T) {
	// Election timeouts far in the future: the node stays a follower.
	n := startNode(t, "eris", []string{"127.0.0.1:1"}, Config{
		ElectionTimeoutMin: time.Hour,
		ElectionTimeoutMax: time.Hour,
		HeartbeatInterval:  time.Minute,
	})

	_, err := n.loop.Propose(json.RawMessage(`{"op":"noop"}`))
	assert.ErrorIs(t, err, raft.ErrNotLeader)
}

func TestLoopStoppedCallsFail(t *testing.T) {
	n := startNode(t, "eris", nil, Config{
		ElectionTimeoutMin: time.Hour,
		ElectionTimeoutMax: time.Hour,
		HeartbeatInterval:  time.Minute,
	})

	n.loop.Stop()

	_, err := n.loop.Status()
	assert.ErrorIs(t, err, ErrStopped)
}

func TestTwoNodeClusterReplicates(t *testing.T) {
	// Reserve both listeners first so each node knows the other's endpoint
	// before anything starts.
	lnEris, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	lnFoo, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	erisEndpoint := lnEris.Addr().String()
	fooEndpoint := lnFoo.Addr().String()

	eris := buildNode(t, erisEndpoint, []string{fooEndpoint}, Config{
		ElectionTimeoutMin: 50 * time.Millisecond,
		ElectionTimeoutMax: 80 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
	})
	// foo's timeout is far enough out that eris reliably wins the first
	// election.
	foo := buildNode(t, fooEndpoint, []string{erisEndpoint}, Config{
		ElectionTimeoutMin: 400 * time.Millisecond,
		ElectionTimeoutMax: 500 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
	})

	serveOn(t, lnEris, eris.loop)
	serveOn(t, lnFoo, foo.loop)

	go eris.loop.Run()
	t.Cleanup(eris.loop.Stop)
	go foo.loop.Run()
	t.Cleanup(foo.loop.Stop)

	require.Eventually(t, func() bool {
		st, err := eris.loop.Status()
		return err == nil && st.Role == "Leader"
	}, 3*time.Second, 10*time.Millisecond, "eris never won the election")

	_, err = eris.loop.Propose(json.RawMessage(`{"op":"add","key":"k","version":"v1"}`))
	require.NoError(t, err)

	for name, n := range map[string]*node{"eris": eris, "foo": foo} {
		n := n
		require.Eventually(t, func() bool {
			return len(n.committed()) == 1
		}, 3*time.Second, 10*time.Millisecond, "%s never committed", name)
		assert.JSONEq(t, `{"op":"add","key":"k","version":"v1"}`, string(n.committed()[0]))
	}

	st, err := foo.loop.Status()
	require.NoError(t, err)
	assert.Equal(t, "Follower", st.Role)
	assert.Equal(t, erisEndpoint, st.Leader)
}

// buildNode builds a node without a listener; serveOn attaches one.
func buildNode(t *testing.T, self string, peers []string, cfg Config) *node {
	t.Helper()

	n := &node{}
	cfg.Self = self

	commit := func(action json.RawMessage) {
		n.mu.Lock()
		n.commits = append(n.commits, append(json.RawMessage(nil), action...))
		n.mu.Unlock()
	}

	n.loop = NewLoop(cfg, NewClient(nil, nil), commit, nil, nil)

	logPath := filepath.Join(t.TempDir(), "raft.log")
	state, err := raft.New(self, peers, logPath, n.loop.Handlers())
	require.NoError(t, err)
	n.loop.Bind(state)
	t.Cleanup(func() { state.Close() })

	return n
}

func serveOn(t *testing.T, ln net.Listener, loop *Loop) {
	t.Helper()

	mux := http.NewServeMux()
	NewHTTPHandler(loop, nil).Register(mux)
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
