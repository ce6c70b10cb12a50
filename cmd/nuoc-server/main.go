package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lprior-repo/nuoc/internal/api"
	"github.com/lprior-repo/nuoc/internal/config"
	"github.com/lprior-repo/nuoc/internal/notify"
	"github.com/lprior-repo/nuoc/internal/orchestrator"
	"github.com/lprior-repo/nuoc/internal/telemetry"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load(os.Getenv("NUOC_CONFIG"))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	// The first argument, when given, is the listen port.
	if len(os.Args) > 1 {
		cfg.Port = os.Args[1]
		if err := cfg.Validate(); err != nil {
			slog.Error("invalid port argument", "error", err)
			os.Exit(1)
		}
	}

	// Setup structured logging
	logLevel, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting nuoc server", "version", version)

	if err := run(cfg); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := orchestrator.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	if store.Dialect() == orchestrator.DialectSQLite {
		_, path := orchestrator.ParseDatabaseURL(cfg.DatabaseURL)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		slog.Info("database ready", "dialect", store.Dialect(), "path", path)
	} else {
		slog.Info("database ready", "dialect", store.Dialect())
	}

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "nuoc-server",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	metrics := orchestrator.NewMetrics(prometheus.DefaultRegisterer)
	feed := orchestrator.NewEventFeed(cfg.FeedSize)

	opts := []orchestrator.ResolverOption{
		orchestrator.WithFeed(feed),
		orchestrator.WithMetrics(metrics),
	}
	if cfg.RedisURL != "" {
		notifier, err := notify.Dial(ctx, cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			return err
		}
		defer notifier.Close()
		opts = append(opts, orchestrator.WithNotifier(notifier))
		slog.Info("wake notifications enabled", "channel", notifier.Channel())
	}

	resolver := orchestrator.NewResolutionService(store, opts...)
	suspender := orchestrator.NewSuspender(store, feed, metrics)
	catalog := orchestrator.NewCatalog(store)

	if cfg.ReconcileInterval > 0 {
		lease := orchestrator.NewLease(store, "reconciler", instanceID(), 2*cfg.ReconcileInterval)
		reconciler := orchestrator.NewReconciler(store, cfg.ReconcileInterval, feed, metrics, orchestrator.WithLease(lease))
		go func() {
			if err := reconciler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("reconciler error", "error", err)
			}
		}()
	}

	routerOpts := api.RouterOptions{
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        promhttp.Handler(),
	}
	if cfg.RateLimitRPS > 0 {
		routerOpts.RateLimiter = api.NewRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(cfg.ServiceName, cfg.MaxBodyBytes, resolver, suspender, catalog, feed)
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewRouter(handler, routerOpts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Event streams never finish on their own.
	srv.RegisterOnShutdown(feed.Close)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	return srv.Shutdown(shutdownCtx)
}

// instanceID identifies this process among replicas sharing a database.
func instanceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}
