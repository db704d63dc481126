// Package api exposes the session pool over HTTP: session and instance
// lifecycle operations plus a server-sent-events stream of lifecycle
// transitions.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/crucible/internal/auth"
	"github.com/mattjoyce/crucible/internal/events"
	"github.com/mattjoyce/crucible/internal/instance"
	"github.com/mattjoyce/crucible/internal/journal"
	"github.com/mattjoyce/crucible/internal/pool"
	"github.com/mattjoyce/crucible/internal/session"
)

// SessionPool is the pool surface the API depends on.
type SessionPool interface {
	StartInstance(ctx context.Context, spec pool.InstanceSpec) (*instance.Handle, error)
	TerminateInstance(ctx context.Context, id string) error
	Lookup(id string) *instance.Handle
	Sessions() []session.Info
}

// JournalReader reads back recorded lifecycle entries.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	pool      SessionPool
	hub       *events.Hub
	journal   JournalReader
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server. journal may be nil, in which case the journal
// endpoint reports 404.
func New(config Config, p SessionPool, hub *events.Hub, jr JournalReader, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		pool:      p,
		hub:       hub,
		journal:   jr,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections stay open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeSessionsRO)).Get("/sessions", s.handleListSessions)
		r.With(s.requireScopes(auth.ScopeSessionsRW)).Post("/instances", s.handleStartInstance)
		r.With(s.requireScopes(auth.ScopeSessionsRO)).Get("/instances/{instanceID}", s.handleGetInstance)
		r.With(s.requireScopes(auth.ScopeSessionsRW)).Delete("/instances/{instanceID}", s.handleTerminateInstance)
		r.With(s.requireScopes(auth.ScopeSessionsRO)).Get("/journal", s.handleJournal)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
