// Package server exposes the admin HTTP surface: login, tool listing and
// invocation, key management, and operational endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sjadev/toolvault/internal/observability"
	"github.com/sjadev/toolvault/pkg/apikey"
	"github.com/sjadev/toolvault/pkg/auth"
	"github.com/sjadev/toolvault/pkg/registry"
	"github.com/sjadev/toolvault/pkg/reload"
	"github.com/sjadev/toolvault/pkg/session"
)

// Options configures the admin server.
type Options struct {
	Host string
	Port int
}

// Server is the admin HTTP server.
type Server struct {
	options     Options
	server      *http.Server
	registry    *registry.Registry
	sessions    *session.Authority
	keys        *apikey.Authority
	auth        *auth.Authenticator
	coordinator *reload.Coordinator
	logger      zerolog.Logger
	startTime   time.Time

	shutdownMu     sync.RWMutex
	isShuttingDown bool
}

// New creates an admin server over the assembled authorities.
func New(options Options, reg *registry.Registry, sessions *session.Authority, keys *apikey.Authority, authenticator *auth.Authenticator, coordinator *reload.Coordinator, logger zerolog.Logger) (*Server, error) {
	if options.Port == 0 {
		options.Port = 8080
	}
	if options.Host == "" {
		options.Host = "127.0.0.1"
	}
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if sessions == nil || keys == nil || authenticator == nil {
		return nil, fmt.Errorf("both authorities and the authenticator are required")
	}

	return &Server{
		options:     options,
		registry:    reg,
		sessions:    sessions,
		keys:        keys,
		auth:        authenticator,
		coordinator: coordinator,
		logger:      logger.With().Str("component", "admin-server").Logger(),
		startTime:   time.Now(),
	}, nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())

	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)

	mux.HandleFunc("GET /tools", s.requireAuth(s.handleListTools))
	mux.HandleFunc("POST /tools/{name}/invoke", s.requireAuth(s.handleInvokeTool))

	mux.HandleFunc("GET /admin/errors", s.requireAdmin(s.handleLoadErrors))
	mux.HandleFunc("POST /admin/reload", s.requireAdmin(s.handleReload))
	mux.HandleFunc("POST /admin/keys", s.requireAdmin(s.handleCreateKey))
	mux.HandleFunc("GET /admin/keys", s.requireAdmin(s.handleListKeys))
	mux.HandleFunc("DELETE /admin/keys/{key}", s.requireAdmin(s.handleDeleteKey))

	return mux
}

// Start runs the server until Stop is called. It blocks.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler: s.Handler(),
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting admin server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	if s.server == nil {
		return nil
	}
	s.logger.Info().Msg("Stopping admin server")
	return s.server.Shutdown(ctx)
}
