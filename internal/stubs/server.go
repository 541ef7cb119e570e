// Package stubs hosts a local stand-in for the session control plane and
// event feed, used for development and end-to-end transport tests.
package stubs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evalops/sessiondeck/internal/observ"
	"github.com/evalops/sessiondeck/internal/session"
	"github.com/evalops/sessiondeck/internal/transport"
)

// Server replays a scripted session over SSE, WebSocket, and cursor
// polling, and answers the status and stop endpoints.
type Server struct {
	events    []transport.EventEnvelope
	heartbeat time.Duration
	delay     time.Duration

	mu       sync.Mutex
	stopped  bool
	startedAt time.Time
}

// NewServer wraps a scripted event stream. delay is the pause between
// replayed events; zero replays as fast as the client reads.
func NewServer(events []transport.EventEnvelope, delay time.Duration) *Server {
	return &Server{
		events:    events,
		heartbeat: 10 * time.Second,
		delay:     delay,
		startedAt: time.Now().UTC(),
	}
}

// Handler returns the stub routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions/{id}/stream", s.serveSSE)
	mux.HandleFunc("GET /sessions/{id}/ws", s.serveWS)
	mux.HandleFunc("GET /sessions/{id}/events", s.serveEvents)
	mux.HandleFunc("GET /sessions/{id}/status", s.serveStatus)
	mux.HandleFunc("POST /sessions/{id}/stop", s.serveStop)
	return mux
}

// resumeIndex finds the first event after the given id.
func (s *Server) resumeIndex(lastID string) int {
	if lastID == "" {
		return 0
	}
	for i, ev := range s.events {
		if ev.ID == lastID {
			return i + 1
		}
	}
	return 0
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	start := s.resumeIndex(r.Header.Get("Last-Event-ID"))
	observ.Log("stub_sse_client", map[string]any{"session": r.PathValue("id"), "resume_from": start})

	for i := start; i < len(s.events); i++ {
		ev := s.events[i]
		data, _ := json.Marshal(ev)
		if _, err := fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", ev.Type, ev.ID, data); err != nil {
			return
		}
		flusher.Flush()

		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-r.Context().Done():
				return
			}
		}
		if r.Context().Err() != nil {
			return
		}
	}

	// Keep the connection alive with heartbeat comments.
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	start := s.resumeIndex(r.URL.Query().Get("since_id"))
	for i := start; i < len(s.events); i++ {
		if err := conn.WriteJSON(s.events[i]); err != nil {
			return
		}
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
	}

	// Hold the socket open; answer pings until the client leaves.
	conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	start := 0
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		start = s.resumeIndex(cursor)
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	end := start + limit
	if end > len(s.events) {
		end = len(s.events)
	}
	batch := s.events[start:end]

	cursor := ""
	if len(batch) > 0 {
		cursor = batch[len(batch)-1].ID
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"events": batch,
		"cursor": cursor,
	})
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	stopped := s.stopped
	elapsed := int64(time.Since(s.startedAt).Seconds())
	s.mu.Unlock()

	status := session.Status{
		Lifecycle:      session.LifecycleRunning,
		ElapsedSeconds: elapsed,
		Asset:          "BTC-USD",
		Timeframe:      "1m",
		CurrentEquity:  10000,
	}
	if stopped {
		status.Lifecycle = session.LifecycleStopped
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) serveStop(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	observ.Log("stub_stop", map[string]any{"session": r.PathValue("id")})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"resultId": "result-" + r.PathValue("id"),
	})
}
