// Package server is the orchestrator that ties the relay hub components
// together.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/amurg-ai/relay/hub/internal/api"
	"github.com/amurg-ai/relay/hub/internal/auth"
	"github.com/amurg-ai/relay/hub/internal/config"
	"github.com/amurg-ai/relay/hub/internal/push"
	"github.com/amurg-ai/relay/hub/internal/relay"
	"github.com/amurg-ai/relay/hub/internal/store"
)

const (
	shutdownTimeout = 30 * time.Second
	purgeInterval   = time.Hour
)

// Server is the relay hub process.
type Server struct {
	cfg        *config.Config
	store      store.Store
	validator  auth.Validator
	push       push.Dispatcher
	supervisor *relay.Supervisor
	api        *api.Server
	logger     *slog.Logger
}

// New creates a server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	validator, _, err := auth.NewValidator(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth: %w", err)
	}

	dispatcher, err := push.New(cfg.Push, logger.With("component", "push"))
	if err != nil {
		closeValidator(validator)
		_ = db.Close()
		return nil, fmt.Errorf("init push: %w", err)
	}

	return newServer(cfg, db, validator, dispatcher, logger), nil
}

func newServer(cfg *config.Config, db store.Store, v auth.Validator, d push.Dispatcher, logger *slog.Logger) *Server {
	sup := relay.NewSupervisor(v, db, d, relay.OptionsFromConfig(cfg), logger)
	s := &Server{
		cfg:        cfg,
		store:      db,
		validator:  v,
		push:       d,
		supervisor: sup,
		api:        api.NewServer(db, v, sup, cfg, logger),
		logger:     logger.With("component", "server"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*'; restrict to specific origins in production")
			break
		}
	}
	return s
}

// Handler returns the HTTP handler serving the API and the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	return s.api.Handler()
}

// Run starts the HTTP server and blocks until ctx is canceled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.api.StartBackgroundTasks(ctx)
	if s.cfg.Storage.Retention.Duration > 0 {
		go s.runRetentionPurger(ctx, purgeInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay hub listening", "addr", s.cfg.Server.Addr)
		if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		} else {
			s.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by the http server,
		// so the relay closes them itself.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		s.close(shutdownCtx)
		s.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.close(shutdownCtx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// close stops the relay, then the backends it writes to.
func (s *Server) close(ctx context.Context) {
	if err := s.supervisor.Shutdown(ctx); err != nil {
		s.logger.Warn("relay shutdown incomplete", "error", err)
	}
	if err := s.push.Close(); err != nil {
		s.logger.Warn("closing push dispatcher", "error", err)
	}
	closeValidator(s.validator)
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing store", "error", err)
	}
}

func (s *Server) runRetentionPurger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge(ctx, time.Now())
		}
	}
}

// purge deletes messages and audit events older than their retention.
func (s *Server) purge(ctx context.Context, now time.Time) {
	msgCutoff := now.Add(-s.cfg.Storage.Retention.Duration)
	if n, err := s.store.PurgeOldMessages(ctx, msgCutoff); err != nil {
		s.logger.Warn("retention purge: messages failed", "error", err)
	} else if n > 0 {
		s.logger.Info("retention purge: deleted old messages", "count", n)
	}

	auditCutoff := now.Add(-s.cfg.Storage.AuditRetention.Duration)
	if n, err := s.store.PurgeOldAuditEvents(ctx, auditCutoff); err != nil {
		s.logger.Warn("retention purge: audit events failed", "error", err)
	} else if n > 0 {
		s.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}

func closeValidator(v auth.Validator) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}
