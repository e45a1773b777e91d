package transport

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"raftstore/internal/raft"
)

// HTTPHandler exposes the two Raft RPC endpoints. Request bodies are the RPC
// values themselves; the HTTP response body is the paired response value.
type HTTPHandler struct {
	loop   *Loop
	logger *log.Logger
}

func NewHTTPHandler(loop *Loop, logger *log.Logger) *HTTPHandler {
	return &HTTPHandler{loop: loop, logger: logger}
}

func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/raft/append_entries", h.handleAppendEntries)
	mux.HandleFunc("/raft/request_vote", h.handleRequestVote)
}

func (h *HTTPHandler) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req raft.AppendEntries
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rsp, err := h.loop.AppendEntries(req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, rsp)
}

func (h *HTTPHandler) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req raft.RequestVote
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rsp, err := h.loop.RequestVote(req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, rsp)
}

func (h *HTTPHandler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrStopped) {
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
