package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/agentq/agentq/internal/invoker"
)

// options configures the scripted behavior of the agent.
type options struct {
	name      string
	delay     time.Duration
	failFirst int
	stall     bool
}

// server holds per-process state: the configured behavior and the attempt
// counter behind the fail-first gate.
type server struct {
	opts options

	mu       sync.Mutex
	attempts map[string]int
}

func newServer(opts options) *server {
	return &server{opts: opts, attempts: make(map[string]int)}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","agent":%q}`, s.opts.name)
}

// handleChat runs one scripted invocation: it validates the request, applies
// the fail-first gate, then streams NDJSON frames until the scenario ends or
// the caller disconnects.
func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req invoker.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid chat request body", http.StatusBadRequest)
		return
	}
	if req.Message == "" || req.RequestID == "" {
		http.Error(w, "message and requestId are required", http.StatusBadRequest)
		return
	}

	if n := s.recordAttempt(req.RequestID); s.opts.failFirst > 0 && n <= s.opts.failFirst {
		log.Printf("chat %s: rejecting attempt %d of %d", req.RequestID, n, s.opts.failFirst)
		http.Error(w, fmt.Sprintf("mock agent warming up (attempt %d)", n), http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	log.Printf("chat %s: %s", req.RequestID, truncate(req.Message, 80))

	st := &stream{
		ctx:     r.Context(),
		enc:     json.NewEncoder(w),
		flusher: flusher,
		delay:   s.opts.delay,
	}
	flusher.Flush()
	s.dispatch(st, req)
}

// recordAttempt counts how many times a request id has been attempted. The
// queue passes the task id as the request id, so retries of the same task
// share a counter.
func (s *server) recordAttempt(requestID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[requestID]++
	return s.attempts[requestID]
}

// stream writes NDJSON frames to one chat response. The first write error
// sticks and later emits become no-ops, so scenarios don't need to check
// every call.
type stream struct {
	ctx     context.Context
	enc     *json.Encoder
	flusher http.Flusher
	delay   time.Duration
	err     error
}

func (st *stream) emit(frame any) {
	if st.err != nil {
		return
	}
	if st.err = st.enc.Encode(frame); st.err == nil {
		st.flusher.Flush()
	}
}

// pause sleeps the configured inter-frame delay. Returns false when the
// caller disconnected, which aborts the scenario.
func (st *stream) pause() bool {
	if st.err != nil {
		return false
	}
	if st.delay <= 0 {
		return st.ctx.Err() == nil
	}
	select {
	case <-time.After(st.delay):
		return true
	case <-st.ctx.Done():
		return false
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
