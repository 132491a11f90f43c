package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/mailrun/internal/api"
	"github.com/foxzi/mailrun/internal/campaign"
	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/email"
	"github.com/foxzi/mailrun/internal/envfile"
	"github.com/foxzi/mailrun/internal/metrics"
	"github.com/foxzi/mailrun/internal/sandbox"
	"github.com/foxzi/mailrun/internal/sink"
)

const shutdownTimeout = 30 * time.Second

// App is the main application
type App struct {
	config         *config.Config
	logger         *slog.Logger
	sandboxStorage *sandbox.Storage
	service        *campaign.Service
	apiServer      *api.Server
	sinkServer     *sink.Server
	metricsServer  *metrics.Server
	collector      *metrics.Collector
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	var storage *sandbox.Storage
	if cfg.Sandbox.Enabled || cfg.Sink.Enabled {
		var err error
		storage, err = sandbox.Open(cfg.Sandbox.StoragePath)
		if err != nil {
			return nil, err
		}
		logger.Info("sandbox storage enabled", "path", cfg.Sandbox.StoragePath)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metrics.SetGlobal(m)
	}

	service, err := NewService(cfg, storage, nil, logger)
	if err != nil {
		closeStorage(storage, logger)
		return nil, err
	}

	a := &App{
		config:         cfg,
		logger:         logger,
		sandboxStorage: storage,
		service:        service,
		apiServer:      api.NewServer(service, storage, &cfg.API, version, logger.With("component", "api")),
	}

	if cfg.Sink.Enabled {
		a.sinkServer = sink.NewServer(cfg.Sink, storage, logger.With("component", "sink"))
	}

	if m != nil {
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
		var provider metrics.SandboxStatsProvider
		if storage != nil {
			provider = sandboxTotals{storage}
		}
		a.collector = metrics.NewCollector(m, provider, cfg.Metrics.UpdateInterval, logger.With("component", "metrics"))
	}

	return a, nil
}

// NewService builds the campaign service: environments, message builder
// (DKIM signing when configured) and the transport factory. storage is
// used for capture when the sandbox is enabled; a nil pacer means random
// pacing.
func NewService(cfg *config.Config, storage *sandbox.Storage, pacer campaign.Pacer, logger *slog.Logger) (*campaign.Service, error) {
	envs, err := envfile.NewSet(cfg.Environments, cfg.EnvironmentsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load environments: %w", err)
	}

	var signer *email.Signer
	if cfg.DKIM.Enabled {
		signer, err = email.LoadSigner(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
		if err != nil {
			return nil, err
		}
		logger.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
	}
	builder := email.NewBuilder(cfg.Server.Hostname, signer, logger.With("component", "builder"))

	return campaign.NewService(campaign.ServiceOptions{
		Config:       cfg.Campaign,
		Environments: envs,
		Transports:   campaign.NewTransportFactory(cfg, builder, storage, logger.With("component", "transport")),
		Pacer:        pacer,
		Logger:       logger.With("component", "campaign"),
	}), nil
}

// Service returns the campaign service
func (a *App) Service() *campaign.Service {
	return a.service
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	logAttrs := []any{
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"relay", a.config.Relay.Addr(),
		"sandbox", a.config.Sandbox.Enabled,
	}
	if a.sinkServer != nil {
		logAttrs = append(logAttrs, "sink_addr", a.config.Sink.ListenAddr)
	}
	a.logger.Info("starting mailrun", logAttrs...)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 3)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.sinkServer != nil {
		go func() {
			if err := a.sinkServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("sink server: %w", err)
			}
		}()
	}

	if a.metricsServer != nil {
		a.collector.Start()
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components. Running campaigns are
// canceled and end paused.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	// Stop accepting submissions before canceling the runs.
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if err := a.service.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("campaign shutdown error", "error", err)
	}

	if a.sinkServer != nil {
		if err := a.sinkServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("sink server shutdown error", "error", err)
		}
	}

	if a.metricsServer != nil {
		a.collector.Stop()
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	closeStorage(a.sandboxStorage, a.logger)

	a.logger.Info("shutdown complete")
	return nil
}

func closeStorage(storage *sandbox.Storage, logger *slog.Logger) {
	if storage == nil {
		return
	}
	if err := storage.Close(); err != nil {
		logger.Error("sandbox storage close error", "error", err)
	}
}

// sandboxTotals feeds capture store totals to the metrics collector
type sandboxTotals struct {
	storage *sandbox.Storage
}

func (s sandboxTotals) Totals(ctx context.Context) (metrics.SandboxStats, error) {
	stats, err := s.storage.Stats(ctx)
	if err != nil {
		return metrics.SandboxStats{}, err
	}
	return metrics.SandboxStats{Total: stats.Total, TotalSize: stats.TotalSize}, nil
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
