// Package debugapi exposes a small read-only HTTP surface over the
// coordinator's state (spec §9 "Supplemented features" — the UI layer
// itself is out of scope, but a debug surface for operators/tests to
// inspect the running coordinator is a natural complement to it).
package debugapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bubbaloop/fleetd/internal/discovery"
	"github.com/bubbaloop/fleetd/internal/fleet"
	"github.com/bubbaloop/fleetd/internal/subscription"
)

// Server is the debug HTTP surface: GET /snapshot, GET /machines,
// GET /stats, POST /refresh.
type Server struct {
	logger *slog.Logger
	engine *discovery.Engine
	mux    *subscription.Mux
	router chi.Router
}

// New builds a Server bound to engine and subMux.
func New(logger *slog.Logger, engine *discovery.Engine, subMux *subscription.Mux) *Server {
	s := &Server{logger: logger, engine: engine, mux: subMux}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/snapshot", s.handleSnapshot)
	r.Get("/machines", s.handleMachines)
	r.Get("/stats", s.handleStats)
	r.Post("/refresh", s.handleRefresh)
	s.router = r

	return s
}

// Handler returns the server's http.Handler, ready to be wrapped in
// an http.Server by the caller.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("debugapi: failed to encode response", "error", err)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	s.writeJSON(w, http.StatusOK, fleet.Derive(snap.Nodes))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mux.AllStats())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.engine.Refresh()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}
