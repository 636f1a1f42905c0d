package orchestrator

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sebas/calltap/internal/observe"
)

// Server is the dialplan-facing HTTP surface. Its contract is
// deliberately blunt: the dialplan only understands 200 "OK", 400 and
// 500 "ERROR", and the live call must proceed whatever we answer.
type Server struct {
	mgr    *Manager
	router chi.Router
}

// NewServer builds the HTTP surface over a tap manager.
func NewServer(mgr *Manager) *Server {
	s := &Server{mgr: mgr}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/start_tap", s.handleStartTap)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	r.Handle("/metrics", observe.Handler())
	s.router = r

	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleStartTap(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	chanIDOrName := q.Get("chan")
	callID := q.Get("uuid")
	if chanIDOrName == "" || callID == "" {
		http.Error(w, "Missing chan or uuid", http.StatusBadRequest)
		return
	}

	backend := Backend(q.Get("gw"))
	if backend == "" {
		backend = BackendFramed
	}
	if backend != BackendFramed && backend != BackendStreaming {
		http.Error(w, "Invalid gw", http.StatusBadRequest)
		return
	}

	meta := CallMeta{
		Exten:          q.Get("exten"),
		Caller:         q.Get("caller"),
		CallerName:     q.Get("callername"),
		AgentExtension: q.Get("agent_extension"),
		AgentUsername:  q.Get("agent_username"),
		AgentID:        q.Get("agent_id"),
	}

	if err := s.mgr.StartTap(r.Context(), chanIDOrName, callID, backend, meta); err != nil {
		http.Error(w, "ERROR", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}
