package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/slatrack/internal/actionlog"
	"github.com/pitabwire/slatrack/internal/config"
	"github.com/pitabwire/slatrack/internal/database"
	"github.com/pitabwire/slatrack/internal/definition"
	"github.com/pitabwire/slatrack/internal/evaluator"
	"github.com/pitabwire/slatrack/internal/lock"
	"github.com/pitabwire/slatrack/internal/observability"
	"github.com/pitabwire/slatrack/internal/policy"
	"github.com/pitabwire/slatrack/internal/report"
	"github.com/pitabwire/slatrack/internal/workflow"
)

// app holds the wired domain services shared by every command.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics

	pool  *pgxpool.Pool
	redis *redis.Client

	records  workflow.Store
	defStore definition.Store
	logs     actionlog.Store
	locker   lock.Locker

	definitions *definition.Service
	engine      *workflow.Engine
	evaluator   *evaluator.Evaluator
	reports     *report.Service
}

// loadConfig loads the configuration and builds the logger.
func loadConfig(opts *rootOptions) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.configPath, opts.envFiles...)
	if err != nil {
		return nil, nil, err
	}
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, logger, nil
}

// newApp opens the configured stores and lock backend and wires the
// engine, evaluator and report services over them. A nil registerer skips
// Prometheus metrics.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if reg != nil && cfg.Observability.Metrics.Enabled {
		a.metrics = observability.InitMetrics(reg)
	}

	if err := a.openStores(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openLocker(ctx); err != nil {
		a.Close()
		return nil, err
	}

	caller := policy.NewHTTPCaller(cfg.Callbacks,
		policy.WithCallerLogger(logger),
		policy.WithCallerMetrics(a.metrics),
	)
	dispatcher := policy.NewDispatcher(caller, policy.NewLogNotifier(logger), logger)

	a.definitions = definition.NewService(a.defStore)
	a.engine = workflow.NewEngine(a.records, definition.NewRegistry(a.defStore), a.logs, dispatcher, a.locker,
		workflow.WithGraceWindow(cfg.Evaluator.GraceWindow),
		workflow.WithMetrics(a.metrics),
		workflow.WithLogger(logger),
	)
	a.evaluator = evaluator.New(a.records, a.engine, a.logs, cfg.Evaluator,
		evaluator.WithMetrics(a.metrics),
		evaluator.WithLogger(logger),
	)
	a.reports = report.NewService(a.records, a.logs, cfg.Reports)
	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := database.Open(ctx, a.cfg.Store)
		if err != nil {
			return err
		}
		a.pool = pool
		if a.cfg.Store.AutoMigrate {
			if err := database.Migrate(ctx, pool); err != nil {
				return err
			}
			a.logger.Info("database schema applied")
		}
		a.records = workflow.NewPgStore(pool)
		a.defStore = definition.NewPgStore(pool)
		a.logs = actionlog.NewPgStore(pool)
		a.logger.Info("using postgres stores")
	default:
		a.records = workflow.NewMemoryStore()
		a.defStore = definition.NewMemoryStore()
		a.logs = actionlog.NewMemoryStore()
		a.logger.Info("using in-memory stores")
	}
	return nil
}

func (a *app) openLocker(ctx context.Context) error {
	switch a.cfg.Lock.Driver {
	case config.DriverRedis:
		addr := os.Getenv(a.cfg.Lock.AddrEnv)
		if addr == "" {
			return fmt.Errorf("lock: %s environment variable not set", a.cfg.Lock.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: a.cfg.Lock.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("lock: ping redis: %w", err)
		}
		a.redis = client
		a.locker = lock.NewRedisLocker(client, a.cfg.Lock)
		a.logger.Info("using redis record lock", zap.String("addr", addr))
	default:
		a.locker = lock.NewMemoryLocker(a.cfg.Lock.TTL)
	}
	return nil
}

// seedDefinitions publishes YAML seed definitions not yet stored.
func (a *app) seedDefinitions(ctx context.Context) error {
	seeds, err := definition.NewLoader().LoadAll(a.cfg.Definitions.Directories)
	if err != nil {
		return fmt.Errorf("load seed definitions: %w", err)
	}
	n, err := a.definitions.Seed(ctx, seeds, a.logger)
	for i := 0; i < n; i++ {
		a.metrics.RecordDefinitionPublished("seed")
	}
	if err != nil {
		return fmt.Errorf("seed definitions: %w", err)
	}
	a.logger.Info("seed definitions loaded", zap.Int("found", len(seeds)), zap.Int("published", n))
	return nil
}

// readiness returns the dependency checks for the readiness endpoint.
func (a *app) readiness() observability.ReadinessChecks {
	checks := observability.ReadinessChecks{}
	if hc, ok := a.records.(observability.HealthChecker); ok {
		checks.RecordStore = hc
	}
	if hc, ok := a.defStore.(observability.HealthChecker); ok {
		checks.DefinitionStore = hc
	}
	if hc, ok := a.logs.(observability.HealthChecker); ok {
		checks.ActionLogStore = hc
	}
	if hc, ok := a.locker.(observability.HealthChecker); ok {
		checks.Locker = hc
	}
	return checks
}

// Close releases the database pool and Redis client.
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
