package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"raac/config"
	"raac/core/events"
	"raac/core/state"
	"raac/gateway/middleware"
	nativecommon "raac/native/common"
	"raac/observability"
	"raac/observability/logging"
	telemetry "raac/observability/otel"
	"raac/services/reserved/feed"
	"raac/services/reserved/journal"
	"raac/services/reserved/registry"
	"raac/services/reserved/server"
	"raac/services/reserved/stream"
	"raac/storage"
)

const shutdownTimeout = 10 * time.Second

// daemon holds everything main starts and must tear down.
type daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      storage.Database
	journal *journal.Journal
	hub     *stream.Hub
	reg     *registry.Registry
	server  *server.Server
	poller  *feed.Poller
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to a reserved TOML or YAML config file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.Setup(cfg.Service, cfg.Environment, logging.Options{
		Level:      cfg.LogLevel(),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger.Info("starting reserved", slog.Any("config", cfg.Sanitized()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("reserved stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("reserved stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Service,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics && cfg.Telemetry.Endpoint != "",
		Traces:      cfg.Telemetry.Traces && cfg.Telemetry.Endpoint != "",
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	d, err := newDaemon(cfg, logger, time.Now)
	if err != nil {
		return err
	}
	defer d.Close()

	if d.poller != nil {
		go func() {
			if err := d.poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("prime rate feed stopped", slog.Any("error", err))
			}
		}()
	}

	httpServer := d.server.HTTPServer(cfg.ListenAddress, func(h http.Handler) http.Handler {
		return otelhttp.NewHandler(h, cfg.Service)
	})
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("address", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	d.hub.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// newDaemon opens storage, restores the configured reserves and builds the
// HTTP server and feed poller.
func newDaemon(cfg *config.Config, logger *slog.Logger, clock func() time.Time) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.db, err = storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	metrics := observability.Reserve()
	d.hub = stream.NewHub(0, logger, metrics)

	emitters := events.Fanout{d.hub}
	if cfg.Journal.DSN != "" {
		d.journal, err = journal.Open(cfg.Journal.DSN, logger)
		if err != nil {
			return nil, err
		}
		emitters = append(emitters, d.journal)
	}

	pauses := nativecommon.NewPauseSet()
	d.reg, err = registry.Bootstrap(cfg.Markets, registry.Options{
		Store:   state.NewReserveStore(d.db),
		Emitter: emitters,
		Pauses:  pauses,
		Clock:   clock,
		Metrics: metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap reserves: %w", err)
	}

	var auth *middleware.Authenticator
	if cfg.Auth.HMACSecret != "" {
		auth = middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}, logger)
	} else {
		logger.Warn("auth secret not set; admin routes disabled and pool routes unauthenticated")
	}
	var limiter *middleware.RateLimiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter = middleware.NewRateLimiter(middleware.RateLimit{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}, metrics.RecordThrottle)
	}
	httpRegistry := prometheus.NewRegistry()
	d.server, err = server.New(server.Config{
		Registry:   d.reg,
		Journal:    d.journal,
		Hub:        d.hub,
		Pauses:     pauses,
		Auth:       auth,
		AdminScope: cfg.Auth.AdminScope,
		PoolScope:  cfg.Auth.PoolScope,
		Limiter:    limiter,
		Gatherer:   prometheus.Gatherers{prometheus.DefaultGatherer, httpRegistry},
		Registerer: httpRegistry,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Feed.URL != "" {
		d.poller, err = feed.NewPoller(feed.Config{
			URL:        cfg.Feed.URL,
			Market:     cfg.Feed.NormalizedMarket(),
			Interval:   cfg.Feed.Interval,
			MaxElapsed: cfg.Feed.MaxElapsed,
		}, d.reg, logger, metrics)
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Close releases storage and the journal.
func (d *daemon) Close() {
	if d.hub != nil {
		d.hub.Close()
	}
	if d.journal != nil {
		closeQuietly(d.logger, "journal", d.journal)
	}
	if d.db != nil {
		d.db.Close()
	}
}

func closeQuietly(logger *slog.Logger, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Warn("close failed", slog.String("component", name), slog.Any("error", err))
	}
}
