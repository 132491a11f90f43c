// Package sink runs a local SMTP relay that accepts mail and stores it in
// the sandbox instead of delivering it. Point a campaign's relay at it to
// rehearse a send end to end.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/emersion/go-smtp"

	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/sandbox"
)

// Server wraps a go-smtp server with its backend
type Server struct {
	server  *smtp.Server
	backend *Backend
	logger  *slog.Logger
}

// NewServer creates a capture relay writing into storage
func NewServer(cfg config.SinkConfig, storage *sandbox.Storage, logger *slog.Logger) *Server {
	backend := NewBackend(cfg, storage, logger)

	srv := smtp.NewServer(backend)
	srv.Addr = cfg.ListenAddr
	srv.Domain = cfg.Domain
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = cfg.MaxRecipients
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	// Local test relay without TLS.
	srv.AllowInsecureAuth = true

	return &Server{
		server:  srv,
		backend: backend,
		logger:  logger,
	}
}

// Backend returns the session backend
func (s *Server) Backend() *Backend {
	return s.backend
}

// ListenAndServe blocks until the server is closed
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting capture relay", "addr", s.server.Addr, "auth", len(s.backend.users) > 0)
	return ignoreClosed(s.server.ListenAndServe())
}

// Serve accepts connections on l until the server is closed
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting capture relay", "addr", l.Addr().String(), "auth", len(s.backend.users) > 0)
	return ignoreClosed(s.server.Serve(l))
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down capture relay")
	return s.server.Shutdown(ctx)
}

// Close immediately closes the server
func (s *Server) Close() error {
	return s.server.Close()
}

func ignoreClosed(err error) error {
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}
