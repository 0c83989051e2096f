// Package api provides the HTTP surface of the relay hub: health checks, the
// WebSocket endpoint and a read-only history API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/amurg-ai/relay/hub/internal/auth"
	"github.com/amurg-ai/relay/hub/internal/config"
	"github.com/amurg-ai/relay/hub/internal/relay"
	"github.com/amurg-ai/relay/hub/internal/store"
	"github.com/amurg-ai/relay/pkg/protocol"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Relay is the part of the supervisor the API needs.
type Relay interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
	Snapshot(ctx context.Context, userID string) (relay.Snapshot, error)
	HubCount() int
}

// Server is the HTTP API server.
type Server struct {
	store     store.Store
	validator auth.Validator
	relay     Relay
	logger    *slog.Logger
	mux       *chi.Mux
	startTime time.Time
	rl        *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, v auth.Validator, rel Relay, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:     s,
		validator: v,
		relay:     rel,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeaders...)
	mux.Use(corsFor(cfg.Server.AllowedOrigins))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Authentication happens in-band with the first frame.
	mux.Get("/ws", rel.HandleWS)

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.requireBrowser)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/agents", srv.handleListAgents)
		r.Get("/api/sessions/{sessionKey}/messages", srv.handleGetMessages)

		r.Group(func(r chi.Router) {
			r.Use(requireRole("admin"))
			r.Get("/api/admin/audit", srv.handleListAuditEvents)
			r.Get("/api/admin/hubs", srv.handleHubStats)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of rate limiter buckets.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	snap, err := s.relay.Snapshot(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "relay unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- History ---

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	sessionKey := chi.URLParam(r, "sessionKey")

	q := r.URL.Query()
	var filter store.MessageFilter
	var err error
	if filter.MaxVerbose, err = intParam(q.Get("verbose"), protocol.VerbosePrimary); err != nil ||
		filter.MaxVerbose < protocol.VerbosePrimary || filter.MaxVerbose > protocol.VerboseFull {
		writeError(w, http.StatusBadRequest, "verbose must be 1, 2 or 3")
		return
	}
	after, err := intParam(q.Get("after"), 0)
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, "invalid after")
		return
	}
	filter.AfterSeq = int64(after)
	if filter.Limit, err = intParam(q.Get("limit"), store.DefaultQueryLimit); err != nil || filter.Limit < 1 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	rows, err := s.store.QueryMessages(r.Context(), identity.UserID, sessionKey, filter)
	if err != nil {
		s.logger.Warn("history query failed", "user_id", identity.UserID, "session_key", sessionKey, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	writeJSON(w, http.StatusOK, protocol.HistoryResponse{
		SessionKey: sessionKey,
		Messages:   relay.StoredMessages(rows),
	})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// --- Admin ---

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		userID = identityFrom(r.Context()).UserID
	}

	filter := store.AuditFilter{Action: q.Get("action"), Limit: 100}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), userID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleHubStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"hubs": s.relay.HubCount()})
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
