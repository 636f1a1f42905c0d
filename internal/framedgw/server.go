package framedgw

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/sebas/calltap/internal/observe"
)

// Server is the framed gateway control plane: the /register and
// /unregister HTTP surface plus the per-port session table.
type Server struct {
	cfg     *Config
	ctx     context.Context
	metrics *observe.Metrics
	router  *chi.Mux

	mu       sync.Mutex
	sessions map[int]*Session
}

// NewServer creates a framed gateway server with all routes mounted.
func NewServer(cfg *Config, metrics *observe.Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		ctx:      context.Background(),
		metrics:  metrics,
		router:   chi.NewRouter(),
		sessions: make(map[int]*Session),
	}

	r := s.router
	r.Get("/register", s.handleRegister)
	r.Get("/unregister", s.handleUnregister)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", observe.Handler())

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown ends every live session, emitting END on each downstream
// connection before closing.
func (s *Server) Shutdown() {
	s.mu.Lock()
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, sess := range live {
		sess.sendEndAndClose("shutdown")
	}
}

// handleRegister binds a UDP port to a call and eagerly dials downstream.
// Responds 409 when the port is already bound to a live session.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uuid := q.Get("uuid")
	portStr := q.Get("port")
	if uuid == "" || portStr == "" {
		http.Error(w, "missing uuid or port", http.StatusBadRequest)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		http.Error(w, "invalid port", http.StatusBadRequest)
		return
	}

	meta := StartPayload{
		CallUUID:       uuid,
		AgentExtension: q.Get("agent_extension"),
		AgentUsername:  q.Get("agent_username"),
		AgentID:        q.Get("agent_id"),
	}

	s.mu.Lock()
	if _, exists := s.sessions[port]; exists {
		s.mu.Unlock()
		s.metrics.FramedConflicts.Add(s.ctx, 1)
		http.Error(w, "port already registered", http.StatusConflict)
		return
	}
	sess, err := newSession(s, port, meta)
	if err != nil {
		s.mu.Unlock()
		slog.Error("register failed", "call_uuid", uuid, "port", port, "error", err)
		http.Error(w, "ERROR", http.StatusInternalServerError)
		return
	}
	s.sessions[port] = sess
	s.mu.Unlock()

	s.metrics.FramedSessions.Add(s.ctx, 1)
	slog.Info("session registered", "call_uuid", uuid, "port", port)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleUnregister ends the session bound to the given port. Idempotent:
// unknown ports still answer 200.
func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	portStr := r.URL.Query().Get("port")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		http.Error(w, "invalid port", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	sess := s.sessions[port]
	s.mu.Unlock()

	if sess != nil {
		sess.sendEndAndClose("unregister")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"healthy":true,"sessions":` + strconv.Itoa(s.SessionCount()) + `}`))
}

// release removes a session from the table. Called exactly once per
// session, from sendEndAndClose.
func (s *Server) release(sess *Session, reason string) {
	s.mu.Lock()
	current, ok := s.sessions[sess.Port]
	if ok && current == sess {
		delete(s.sessions, sess.Port)
	}
	s.mu.Unlock()

	if ok && current == sess {
		s.metrics.FramedSessions.Add(s.ctx, -1)
		slog.Info("session closed", "call_uuid", sess.CallUUID, "port", sess.Port, "reason", reason)
	}
}
