package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/mailrun/internal/campaign"
	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/metrics"
	"github.com/foxzi/mailrun/internal/sandbox"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	campaigns  *campaign.Service
	config     *config.APIConfig
	version    string
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server. storage may be nil, in which case
// the sandbox endpoints answer 503.
func NewServer(svc *campaign.Service, storage *sandbox.Storage, cfg *config.APIConfig, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		router:    chi.NewRouter(),
		campaigns: svc,
		config:    cfg,
		version:   version,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes(NewSandboxServer(storage, logger))
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes(sb *SandboxServer) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleList)
			r.Get("/{id}", s.handleStatus)
			r.Post("/{id}/stop", s.handleStop)
		})
		r.Post("/test-email", s.handleTestEmail)
		r.Get("/environments", s.handleEnvironments)
		r.Post("/environments/parse", s.handleParseEnvironment)

		sb.RegisterRoutes(r)
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
