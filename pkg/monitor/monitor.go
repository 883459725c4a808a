// Package monitor is pure observability plumbing around the call
// controller: a local HTTP API an operator dashboard polls or streams,
// never a dependency of the core call path. The event channel shape is
// adapted from the teacher's ManagedStream.Events() (pkg/orchestrator/
// managed_stream.go, types.go's OrchestratorEvent), and the websocket
// upgrade uses the same coder/websocket client library the teacher's
// lokutor TTS provider uses, here on the server side instead.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/voicegw/callpipeline/pkg/logging"
)

// Event is one call-controller lifecycle notification streamed to
// operators, mirroring the teacher's OrchestratorEvent shape.
type Event struct {
	Type      string      `json:"type"`
	CallID    string      `json:"call_id"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// StatusProvider is implemented by the call controller so monitor can read
// its current state without owning it.
type StatusProvider interface {
	Status() Status
}

// Status is the snapshot GET /status returns.
type Status struct {
	State       string `json:"state"`
	CallID      string `json:"call_id,omitempty"`
	ActiveSince int64  `json:"active_since,omitempty"`
}

// Server exposes /healthz, /status, and /events (websocket) for operators.
type Server struct {
	status StatusProvider
	logger logging.Logger

	mu        sync.Mutex
	listeners map[chan Event]struct{}
}

func NewServer(status StatusProvider, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Server{
		status:    status,
		logger:    logger,
		listeners: make(map[chan Event]struct{}),
	}
}

// Router builds the chi mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.status.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := make(chan Event, 32)
	s.subscribe(ch)
	defer s.unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusAbnormalClosure, "failed to write event")
				return
			}
		}
	}
}

func (s *Server) subscribe(ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[ch] = struct{}{}
}

func (s *Server) unsubscribe(ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ch)
}

// Publish fans an event out to every connected operator, dropping it for
// any listener whose channel is currently full rather than blocking the
// call controller.
func (s *Server) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.listeners {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("dropping monitor event, listener channel full", "type", ev.Type)
		}
	}
}
