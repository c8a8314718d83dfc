package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/slatrack/internal/evaluator"
	"github.com/pitabwire/slatrack/internal/observability"
	"github.com/pitabwire/slatrack/internal/transport"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic SLA evaluator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	// Step 1: Load configuration and build the logger.
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// Step 2: Initialize tracing.
	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "slatrack", version)
	if err != nil {
		logger.Error("failed to initialize tracing", zap.Error(err))
		return err
	}

	// Step 3: Open stores, lock backend and wire services.
	a, err := newApp(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("failed to build application", zap.Error(err))
		return err
	}
	defer a.Close()

	// Step 4: Seed definitions from YAML.
	if err := a.seedDefinitions(ctx); err != nil {
		logger.Error("failed to seed definitions", zap.Error(err))
		return err
	}

	// Step 5: Build the evaluator scheduler.
	var scheduler *evaluator.Scheduler
	readiness := a.readiness()
	if cfg.Evaluator.Enabled {
		scheduler, err = evaluator.NewScheduler(a.evaluator, cfg.Evaluator, logger)
		if err != nil {
			logger.Error("failed to build evaluator scheduler", zap.Error(err))
			return err
		}
		readiness.SchedulerRunning = scheduler.Running
	}

	// Step 6: Build HTTP router.
	var jwks *transport.JWKSClient
	if cfg.Identity.JWKSURL != "" {
		jwks = transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      a.metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Engine:       a.engine,
		Definitions:  a.definitions,
		ActionLogs:   a.logs,
		Reports:      a.reports,
		Evaluator:    a.evaluator,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	// Step 7: Start background evaluation.
	if scheduler != nil {
		scheduler.Start(ctx)
		logger.Info("evaluator scheduled", zap.String("schedule", scheduler.Spec()))
	}

	// Step 8: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Lock.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Wait for a running evaluation cycle to finish.
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Error("evaluator shutdown error", zap.Error(err))
		}
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}
