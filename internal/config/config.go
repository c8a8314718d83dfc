// Package config loads and validates application configuration from YAML
// files, an optional .env file and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store and lock drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Lock          LockConfig          `yaml:"lock"`
	Evaluator     EvaluatorConfig     `yaml:"evaluator"`
	Callbacks     CallbacksConfig     `yaml:"callbacks"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Reports       ReportsConfig       `yaml:"reports"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT validation settings. Tokens are verified
// either against a JWKS endpoint or with a shared HMAC secret read from the
// environment variable named by SecretEnv.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	SecretEnv    string            `yaml:"secret_env"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
	AdminRole    string            `yaml:"admin_role"`
}

// Secret returns the HMAC secret, or nil when none is configured.
func (c IdentityConfig) Secret() []byte {
	if c.SecretEnv == "" {
		return nil
	}
	if v := os.Getenv(c.SecretEnv); v != "" {
		return []byte(v)
	}
	return nil
}

// StoreConfig describes record, definition and action log persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// LockConfig describes the per-record lock backend.
type LockConfig struct {
	Driver    string        `yaml:"driver"`
	AddrEnv   string        `yaml:"addr_env"`
	DB        int           `yaml:"db"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// EvaluatorConfig describes the periodic SLA evaluator. Schedule, when set,
// is a cron expression that takes precedence over Interval.
type EvaluatorConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	Schedule      string        `yaml:"schedule"`
	GraceWindow   time.Duration `yaml:"grace_window"`
	Concurrency   int           `yaml:"concurrency"`
	RecordTimeout time.Duration `yaml:"record_timeout"`
}

// CallbacksConfig describes outbound violation callbacks.
type CallbacksConfig struct {
	Timeout          time.Duration        `yaml:"timeout"`
	MaxResponseBytes int64                `yaml:"max_response_bytes"`
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes the per-host circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	HalfOpenRequests int           `yaml:"half_open_requests"`
	Timeout          time.Duration `yaml:"timeout"`
	Interval         time.Duration `yaml:"interval"`
}

// DefinitionsConfig describes where to find seed definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// ReportsConfig describes SLA report defaults.
type ReportsConfig struct {
	DefaultWindowDays int `yaml:"default_window_days"`
	MaxWindowDays     int `yaml:"max_window_days"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
			AdminRole: "sla_admin",
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "SLATRACK_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Lock: LockConfig{
			Driver:    DriverMemory,
			AddrEnv:   "SLATRACK_REDIS_ADDR",
			TTL:       30 * time.Second,
			KeyPrefix: "slatrack:lock:",
		},
		Evaluator: EvaluatorConfig{
			Enabled:       true,
			Interval:      time.Minute,
			GraceWindow:   time.Hour,
			Concurrency:   8,
			RecordTimeout: 30 * time.Second,
		},
		Callbacks: CallbacksConfig{
			Timeout:          10 * time.Second,
			MaxResponseBytes: 1 << 20,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				HalfOpenRequests: 1,
				Timeout:          30 * time.Second,
				Interval:         time.Minute,
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Reports: ReportsConfig{
			DefaultWindowDays: 30,
			MaxWindowDays:     366,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads an optional .env file, the YAML config file at path (skipped
// when path is empty), applies SLATRACK_* environment overrides and
// validates the result.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles); err != nil {
		return nil, err
	}

	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads the given env files, or ".env" when none are given.
// Missing files are ignored. Variables already set in the environment win.
func loadDotEnv(files []string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: loading %s: %w", f, err)
		}
	}
	return nil
}

var validDrivers = map[string]map[string]bool{
	"store": {DriverMemory: true, DriverPostgres: true},
	"lock":  {DriverMemory: true, DriverRedis: true},
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.JWKSURL == "" && c.Identity.SecretEnv == "" {
		errs = append(errs, "identity.jwks_url or identity.secret_env is required")
	}
	if !validDrivers["store"][c.Store.Driver] {
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.Driver == DriverPostgres && c.Store.DSNEnv == "" {
		errs = append(errs, "store.dsn_env is required for the postgres driver")
	}
	if !validDrivers["lock"][c.Lock.Driver] {
		errs = append(errs, fmt.Sprintf("lock.driver %q is not supported", c.Lock.Driver))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, "lock.ttl must be positive")
	}
	if c.Evaluator.Schedule == "" && c.Evaluator.Interval <= 0 {
		errs = append(errs, "evaluator.interval must be positive when no schedule is set")
	}
	if c.Evaluator.GraceWindow <= 0 {
		errs = append(errs, "evaluator.grace_window must be positive")
	}
	if c.Evaluator.Concurrency < 1 {
		errs = append(errs, "evaluator.concurrency must be at least 1")
	}
	if c.Evaluator.RecordTimeout <= 0 {
		errs = append(errs, "evaluator.record_timeout must be positive")
	}
	if c.Callbacks.Timeout <= 0 {
		errs = append(errs, "callbacks.timeout must be positive")
	}
	if c.Reports.DefaultWindowDays < 1 {
		errs = append(errs, "reports.default_window_days must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads SLATRACK_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SLATRACK_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SLATRACK_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("SLATRACK_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("SLATRACK_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("SLATRACK_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SLATRACK_LOCK_DRIVER"); v != "" {
		cfg.Lock.Driver = v
	}
	if v := os.Getenv("SLATRACK_EVALUATOR_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Evaluator.Enabled = b
		}
	}
	if v := os.Getenv("SLATRACK_EVALUATOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Evaluator.Interval = d
		}
	}
	if v := os.Getenv("SLATRACK_EVALUATOR_GRACE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Evaluator.GraceWindow = d
		}
	}
	if v := os.Getenv("SLATRACK_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
