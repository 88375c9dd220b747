// Package admin exposes the broker's operator surface over a localhost
// HTTP listener: list sessions, terminate a session, count sessions, and
// read broker counters. It never bypasses the registry's state machine.
package admin

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/deskgate/deskgate/internal/broker"
)

// Registry is the slice of the broker registry the admin surface needs.
type Registry interface {
	List() []broker.SessionInfo
	Count() int
	Terminate(username string) error
}

// Stats provides the counter snapshot for /v1/stats.
type Stats interface {
	Snapshot() map[string]int64
}

type Server struct {
	registry Registry
	stats    Stats
}

// NewRouter builds the admin HTTP handler. All /v1 routes require a
// bearer token signed with secret; /healthz does not.
func NewRouter(registry Registry, stats Stats, secret string) http.Handler {
	s := &Server{registry: registry, stats: stats}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(Middleware(secret))
		v1.Get("/sessions", s.handleListSessions)
		v1.Get("/sessions/count", s.handleCount)
		v1.Delete("/sessions/{username}", s.handleTerminate)
		v1.Get("/stats", s.handleStats)
	})

	return r
}

// handleListSessions serializes a snapshot; the registry lock is released
// before any encoding happens.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleCount(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": s.registry.Count()})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	operator, _ := OperatorFromContext(r.Context())
	log.Printf("admin terminate user=%s operator=%s from=%s", username, operator, r.RemoteAddr)
	err := s.registry.Terminate(username)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, broker.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no session for "+username)
	default:
		writeError(w, http.StatusInternalServerError, "terminate_failed", err.Error())
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
