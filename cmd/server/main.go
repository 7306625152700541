// Package main is the entry point for the fieldlock server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and run migrations.
//  3. Create the repository and service (eagerly loading the governed-attribute cache).
//  4. Start the HTTP server and wait for SIGINT/SIGTERM, then gracefully shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fieldlock/fieldlock/internal/config"
	"github.com/fieldlock/fieldlock/internal/logging"
	"github.com/fieldlock/fieldlock/internal/metrics"
	"github.com/fieldlock/fieldlock/internal/middleware"
	"github.com/fieldlock/fieldlock/internal/repository"
	"github.com/fieldlock/fieldlock/internal/server"
	"github.com/fieldlock/fieldlock/internal/service"
	"github.com/fieldlock/fieldlock/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool, repository.WithEventBatchSize(cfg.EventBatchSize))
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	svc, err := service.New(ctx, repo,
		service.WithLogger(log),
		service.WithCacheMetrics(m.IncCacheLoads, m.IncCacheInvalidations),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	apiHandler := server.NewHTTPHandler(svc, m,
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
	)
	httpHandler := newHTTPHandler(apiHandler, log)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "fieldlock-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

func newHTTPHandler(apiHandler http.Handler, log *slog.Logger) http.Handler {
	return middleware.HTTPRequestLogging(log)(apiHandler)
}
