// Package labtest runs an in-process lab backend for tests: a /health
// endpoint plus the dashboard and student WebSocket streams.
package labtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/net/websocket"
)

const (
	DashboardPath = "/ws/dashboard"
	StudentPath   = "/ws/student"
)

type Server struct {
	http *httptest.Server

	mu           sync.Mutex
	conns        map[*websocket.Conn]string
	accepted     int
	greeting     []string
	received     []Frame
	health       any
	healthStatus int
}

// Frame is one text frame a client sent, tagged with the stream path.
type Frame struct {
	Path    string
	Payload []byte
}

type Option func(*Server)

// WithGreeting sends frames to every new connection, in order.
func WithGreeting(frames ...string) Option {
	return func(s *Server) {
		s.greeting = append(s.greeting, frames...)
	}
}

func WithHealth(status int, body any) Option {
	return func(s *Server) {
		s.healthStatus = status
		s.health = body
	}
}

func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		conns:        make(map[*websocket.Conn]string),
		healthStatus: http.StatusOK,
		health: map[string]any{
			"status": "healthy",
			"fsm_state": map[string]any{
				"experiment_name": "Acid-Base Titration",
				"current_step":    0,
				"total_steps":     4,
			},
			"active_connections": 0,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle(DashboardPath, s.streamHandler(DashboardPath))
	r.Handle(StudentPath, s.streamHandler(StudentPath))
	s.http = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// URL returns the http:// base URL.
func (s *Server) URL() string {
	return s.http.URL
}

// StreamURL returns the ws:// URL for path.
func (s *Server) StreamURL(path string) string {
	return "ws://" + strings.TrimPrefix(s.http.URL, "http://") + path
}

func (s *Server) SetHealth(status int, body any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthStatus = status
	s.health = body
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status, body := s.healthStatus, s.health
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if raw, ok := body.(string); ok {
		_, _ = w.Write([]byte(raw))
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) streamHandler(path string) websocket.Handler {
	return func(ws *websocket.Conn) {
		s.mu.Lock()
		s.conns[ws] = path
		s.accepted++
		greeting := append([]string(nil), s.greeting...)
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			delete(s.conns, ws)
			s.mu.Unlock()
			_ = ws.Close()
		}()

		for _, frame := range greeting {
			if err := websocket.Message.Send(ws, frame); err != nil {
				return
			}
		}
		for {
			var payload []byte
			if err := websocket.Message.Receive(ws, &payload); err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, Frame{Path: path, Payload: payload})
			s.mu.Unlock()
		}
	}
}

// Broadcast sends frame to every open connection on path.
func (s *Server) Broadcast(path string, frame string) int {
	s.mu.Lock()
	var targets []*websocket.Conn
	for ws, p := range s.conns {
		if p == path {
			targets = append(targets, ws)
		}
	}
	s.mu.Unlock()

	sent := 0
	for _, ws := range targets {
		if err := websocket.Message.Send(ws, frame); err == nil {
			sent++
		}
	}
	return sent
}

// DropAll closes every open connection from the server side.
func (s *Server) DropAll() {
	s.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(s.conns))
	for ws := range s.conns {
		targets = append(targets, ws)
	}
	s.mu.Unlock()
	for _, ws := range targets {
		_ = ws.Close()
	}
}

// Accepted counts connections ever accepted.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Open counts connections currently open on path.
func (s *Server) Open(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.conns {
		if p == path {
			n++
		}
	}
	return n
}

func (s *Server) Received() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.received...)
}

// WaitFor polls cond until it holds or the timeout passes.
func (s *Server) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func (s *Server) Close() {
	s.DropAll()
	s.http.Close()
}
