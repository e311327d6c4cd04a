// Package api serves the read-only monitoring surface: session listings,
// per-session detail, usage aggregates, health, and prometheus metrics.
// No endpoint mutates session state.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/scribe/pkg/logging"
	"github.com/odvcencio/scribe/pkg/session"
	"github.com/odvcencio/scribe/pkg/storage"
)

// requestHistoryLimit bounds the rows returned on the session detail view.
const requestHistoryLimit = 100

// ServerConfig configures the monitoring API.
type ServerConfig struct {
	Store    *storage.Store
	Registry *session.Registry
	Log      *logging.Logger
}

// Server is the monitoring HTTP server.
type Server struct {
	store    *storage.Store
	registry *session.Registry
	log      *logging.Logger
}

// NewServer creates the monitoring API server.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Log
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Server{
		store:    cfg.Store,
		registry: cfg.Registry,
		log:      log,
	}
}

// Router builds the chi router for the monitoring surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.securityHeadersMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/sessions", s.handleListSessions)
	r.Get("/sessions/{sessionID}", s.handleGetSession)
	r.Get("/usage/summary", s.handleUsageSummary)
	return r
}

// securityHeadersMiddleware adds standard security headers to responses.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.registry != nil {
		SetActiveSessions(s.registry.ActiveCount())
	}
	promhttp.Handler().ServeHTTP(w, r)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", storage.SessionStatusActive, storage.SessionStatusIdle,
		storage.SessionStatusDisconnected, storage.SessionStatusExpired:
	default:
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", status))
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	sessions, err := s.store.ListSessions(status, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if sess == nil {
		respondError(w, http.StatusNotFound, fmt.Errorf("session not found"))
		return
	}

	requests, err := s.store.ListRequests(sessionID, requestHistoryLimit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	summary, err := s.store.GetSessionSummary(sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, map[string]any{
		"session":  sess,
		"requests": requests,
		"summary":  summary,
	})
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	end := time.Now()
	start := end.Add(-24 * time.Hour)

	if raw := r.URL.Query().Get("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid start time %q", raw))
			return
		}
		start = parsed
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid end time %q", raw))
			return
		}
		end = parsed
	}
	if !start.Before(end) {
		respondError(w, http.StatusBadRequest, fmt.Errorf("start must precede end"))
		return
	}

	summary, err := s.store.GetUsageSummary(start, end)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, summary)
}

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":  err.Error(),
		"status": status,
	})
}
