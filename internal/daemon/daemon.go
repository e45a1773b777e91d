// Package daemon is the composition root: it builds the durable log, the
// content store, the Raft state machine and the transport from configuration,
// runs the HTTP surface, and handles shutdown.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"raftstore/internal/config"
	"raftstore/internal/pubsub"
	"raftstore/internal/raft"
	"raftstore/internal/raft/metrics"
	"raftstore/internal/raft/transport"
	"raftstore/internal/store"
)

// Event types published on the daemon's bus.
const (
	// ServerShutDown is published once when the daemon begins shutting down.
	ServerShutDown pubsub.EventType = iota
)

// shutdownGrace bounds how long in-flight HTTP requests may finish during a
// graceful shutdown.
const shutdownGrace = 5 * time.Second

type Daemon struct {
	cfg     config.Config
	logger  *log.Logger
	bus     *pubsub.Bus
	metrics *metrics.Metrics

	store  *store.Store
	state  *raft.State
	loop   *transport.Loop
	server *http.Server
}

// New builds a daemon from validated configuration.
func New(cfg config.Config, logger *log.Logger) (*Daemon, error) {
	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		bus:     pubsub.New(logger),
		metrics: metrics.New(),
	}

	st, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		return nil, err
	}
	d.store = st

	client := transport.NewClient(d.metrics, logger)
	d.loop = transport.NewLoop(transport.Config{
		Self:               cfg.Self,
		ElectionTimeoutMin: time.Duration(cfg.ElectionTimeoutMin),
		ElectionTimeoutMax: time.Duration(cfg.ElectionTimeoutMax),
		HeartbeatInterval:  time.Duration(cfg.HeartbeatInterval),
	}, client, d.commit, d.metrics, logger)

	var opts []raft.Option
	if cfg.Verbose {
		opts = append(opts, raft.WithLogger(logger))
	}
	state, err := raft.New(cfg.Self, cfg.Peers, cfg.RaftLog, d.loop.Handlers(), opts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	d.state = state
	d.loop.Bind(state)

	mux := http.NewServeMux()
	transport.NewHTTPHandler(d.loop, logger).Register(mux)
	d.registerClientAPI(mux)
	d.server = &http.Server{Addr: cfg.Listen, Handler: mux}

	return d, nil
}

// commit is the state machine's commit handler: committed actions feed the
// content store. A store I/O failure here is fatal for the same reason a log
// write failure is — a committed entry would be lost.
func (d *Daemon) commit(action json.RawMessage) {
	if err := d.store.Apply(action); err != nil {
		// Surfaced through the loop as a panic would be; the loop owns the
		// calling goroutine, so log and stop the daemon.
		d.logger.Printf("[DAEMON] failed to apply committed action: %v", err)
		d.loop.Stop()
		return
	}
	d.metrics.RecordCommit()
}

// Run serves until the context is cancelled or the consensus loop dies. The
// returned error is nil on a clean shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Printf("[DAEMON] node %s serving on %s with peers %v", d.cfg.Self, d.cfg.Listen, d.cfg.Peers)

	serverErr := make(chan error, 1)
	go func() {
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- d.loop.Run()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Printf("[DAEMON] shutdown requested")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-loopErr:
		if err != nil {
			runErr = fmt.Errorf("consensus loop: %w", err)
		} else {
			runErr = fmt.Errorf("consensus loop exited")
		}
	}

	d.bus.Publish(ServerShutDown, struct{}{})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Printf("[DAEMON] forcing http server close: %v", err)
		d.server.Close()
	}

	d.loop.Stop()
	if err := d.state.Close(); err != nil {
		d.logger.Printf("[DAEMON] closing raft log: %v", err)
	}
	if err := d.store.Close(); err != nil {
		d.logger.Printf("[DAEMON] closing store: %v", err)
	}
	d.bus.Close()

	d.logger.Printf("[DAEMON] node %s stopped", d.cfg.Self)
	return runErr
}

// Bus exposes the daemon's event bus for embedders and tests.
func (d *Daemon) Bus() *pubsub.Bus {
	return d.bus
}

// addRequest is the client submission body. Version is optional; the daemon
// mints one when absent.
type addRequest struct {
	Key     string          `json:"key"`
	Version string          `json:"version,omitempty"`
	Value   json.RawMessage `json:"value"`
}

type addResponse struct {
	Key     string `json:"key"`
	Version string `json:"version"`
	Index   uint64 `json:"index"`
}

func (d *Daemon) registerClientAPI(mux *http.ServeMux) {
	mux.HandleFunc("/store/add", d.handleAdd)
	mux.HandleFunc("/store/drop", d.handleDrop)
	mux.HandleFunc("/store/get", d.handleGet)
	mux.HandleFunc("/store/keys", d.handleKeys)
	mux.HandleFunc("/store/versions", d.handleVersions)
	mux.HandleFunc("/status", d.handleStatus)
}

func (d *Daemon) handleAdd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Key == "" || len(req.Value) == 0 {
		http.Error(w, "key and value are required", http.StatusBadRequest)
		return
	}
	if req.Version == "" {
		req.Version = uuid.NewString()
	}

	index, err := d.propose(store.Action{Op: store.OpAdd, Key: req.Key, Version: req.Version, Value: req.Value})
	if err != nil {
		d.proposeError(w, err)
		return
	}
	writeJSON(w, addResponse{Key: req.Key, Version: req.Version, Index: index})
}

func (d *Daemon) handleDrop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Key == "" || req.Version == "" {
		http.Error(w, "key and version are required", http.StatusBadRequest)
		return
	}

	index, err := d.propose(store.Action{Op: store.OpDrop, Key: req.Key, Version: req.Version})
	if err != nil {
		d.proposeError(w, err)
		return
	}
	writeJSON(w, addResponse{Key: req.Key, Version: req.Version, Index: index})
}

func (d *Daemon) propose(action store.Action) (uint64, error) {
	raw, err := json.Marshal(action)
	if err != nil {
		return 0, fmt.Errorf("marshal action: %w", err)
	}
	return d.loop.Propose(raw)
}

// proposeError maps a rejected proposal onto the client response; a follower
// answers with the leader it believes in so clients can redirect.
func (d *Daemon) proposeError(w http.ResponseWriter, err error) {
	if errors.Is(err, raft.ErrNotLeader) {
		st, stErr := d.loop.Status()
		hint := ""
		if stErr == nil {
			hint = st.Leader
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMisdirectedRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":  "not the leader",
			"leader": hint,
		})
		return
	}
	if errors.Is(err, transport.ErrStopped) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (d *Daemon) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	version := r.URL.Query().Get("version")
	if key == "" || version == "" {
		http.Error(w, "key and version are required", http.StatusBadRequest)
		return
	}

	value, err := d.store.Get(key, version)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(value)
}

func (d *Daemon) handleKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := d.store.Keys()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string][]string{"keys": keys})
}

func (d *Daemon) handleVersions(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}

	versions, err := d.store.Versions(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string][]string{"versions": versions})
}

type statusResponse struct {
	transport.Status
	Metrics metrics.Report `json:"metrics"`
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := d.loop.Status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, statusResponse{Status: st, Metrics: d.metrics.Snapshot()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
