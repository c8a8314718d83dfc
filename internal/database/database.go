// Package database opens the PostgreSQL pool shared by the definition,
// record and action log stores, and applies the embedded schema.
package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/slatrack/internal/config"
	"github.com/pitabwire/slatrack/model"
)

//go:embed schema.sql
var schema string

// Schema returns the DDL applied by Migrate.
func Schema() string {
	return schema
}

// Open connects a pgx pool using the DSN read from the environment variable
// named by cfg.DSNEnv and verifies it with a ping.
func Open(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("database: %s environment variable not set", cfg.DSNEnv)
	}
	return OpenDSN(ctx, dsn, cfg)
}

// OpenDSN connects a pgx pool to dsn using the pool settings from cfg.
func OpenDSN(ctx context.Context, dsn string, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("database: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. Every statement is idempotent, so it
// is safe to run on each start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("database: apply schema: %w", err)
	}
	return nil
}

// Checker adapts a pool to the readiness HealthChecker interface.
type Checker struct {
	Pool *pgxpool.Pool
}

// HealthCheck pings the database.
func (c Checker) HealthCheck(ctx context.Context) error {
	return c.Pool.Ping(ctx)
}

const (
	uniqueViolation           = "23505"
	invalidTextRepresentation = "22P02"
)

// IsID reports whether id can key a row. Every table uses UUID primary
// keys, so anything else can never match.
func IsID(id string) bool {
	return uuid.Validate(id) == nil
}

// WrapError classifies a driver error from operation op. Unique violations
// become CONFLICT, malformed input values become BAD_REQUEST, connection
// failures become STORE_UNAVAILABLE, and everything else is wrapped
// unchanged.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return model.NewConflictError(fmt.Sprintf("%s: %s", op, pgErr.Detail))
		case invalidTextRepresentation:
			return model.NewBadRequestError(fmt.Sprintf("%s: %s", op, pgErr.Message))
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if IsUnavailable(err) {
		return fmt.Errorf("%s: %w", op, model.NewStoreUnavailableError(err.Error()))
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsUnavailable reports whether err indicates the database could not be
// reached.
func IsUnavailable(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
