package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml", "testdata/none.env")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Identity.Audience != "slatrack" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Identity.AdminRole != "ops" {
		t.Errorf("Identity.AdminRole = %q, want ops", cfg.Identity.AdminRole)
	}
	if cfg.Store.Driver != DriverPostgres || cfg.Store.MaxOpenConns != 10 {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Store.MaxIdleConns != 5 {
		t.Errorf("Store.MaxIdleConns = %d, want default 5", cfg.Store.MaxIdleConns)
	}
	if cfg.Lock.Driver != DriverRedis || cfg.Lock.TTL != 15*time.Second {
		t.Errorf("Lock = %+v", cfg.Lock)
	}
	if cfg.Evaluator.Interval != 5*time.Minute {
		t.Errorf("Evaluator.Interval = %v, want 5m", cfg.Evaluator.Interval)
	}
	if cfg.Evaluator.GraceWindow != 2*time.Hour {
		t.Errorf("Evaluator.GraceWindow = %v, want 2h", cfg.Evaluator.GraceWindow)
	}
	if cfg.Evaluator.Concurrency != 4 {
		t.Errorf("Evaluator.Concurrency = %d, want 4", cfg.Evaluator.Concurrency)
	}
	if cfg.Callbacks.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("CircuitBreaker.FailureThreshold = %d, want 3", cfg.Callbacks.CircuitBreaker.FailureThreshold)
	}
	if cfg.Callbacks.CircuitBreaker.HalfOpenRequests != 1 {
		t.Errorf("CircuitBreaker.HalfOpenRequests = %d, want default 1", cfg.Callbacks.CircuitBreaker.HalfOpenRequests)
	}
	if len(cfg.Definitions.Directories) != 1 || cfg.Definitions.Directories[0] != "./definitions" {
		t.Errorf("Definitions.Directories = %v", cfg.Definitions.Directories)
	}
	if cfg.Reports.DefaultWindowDays != 14 {
		t.Errorf("Reports.DefaultWindowDays = %d, want 14", cfg.Reports.DefaultWindowDays)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml", "testdata/none.env")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
}

func TestLoad_unsupported_driver(t *testing.T) {
	_, err := Load("testdata/bad_driver.yaml", "testdata/none.env")
	if err == nil {
		t.Fatal("Load() with unsupported store driver should return error")
	}
}

func TestLoad_dotenv(t *testing.T) {
	_ = os.Unsetenv("TEST_SLATRACK_SECRET")
	_ = os.Unsetenv("SLATRACK_EVALUATOR_GRACE_WINDOW")
	t.Cleanup(func() {
		_ = os.Unsetenv("TEST_SLATRACK_SECRET")
		_ = os.Unsetenv("SLATRACK_EVALUATOR_GRACE_WINDOW")
	})

	if _, err := Load("", "testdata/test.env"); err == nil {
		t.Fatal("Load() without identity should return error")
	}

	cfg := Defaults()
	cfg.Identity.SecretEnv = "TEST_SLATRACK_SECRET"
	if got := string(cfg.Identity.Secret()); got != "from-dotenv" {
		t.Errorf("Identity.Secret() = %q, want from-dotenv", got)
	}
	applyEnvOverrides(cfg)
	if cfg.Evaluator.GraceWindow != 3*time.Hour {
		t.Errorf("Evaluator.GraceWindow = %v, want 3h from .env", cfg.Evaluator.GraceWindow)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Evaluator.GraceWindow != time.Hour {
		t.Errorf("default GraceWindow = %v, want 1h", cfg.Evaluator.GraceWindow)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SLATRACK_SERVER_PORT", "3000")
	t.Setenv("SLATRACK_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("SLATRACK_EVALUATOR_ENABLED", "false")
	t.Setenv("SLATRACK_EVALUATOR_INTERVAL", "30s")
	t.Setenv("SLATRACK_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml", "testdata/none.env")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Evaluator.Enabled {
		t.Error("Evaluator.Enabled = true, want false (env override)")
	}
	if cfg.Evaluator.Interval != 30*time.Second {
		t.Errorf("Evaluator.Interval = %v, want 30s", cfg.Evaluator.Interval)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		cfg.Identity.SecretEnv = "SLATRACK_JWT_SECRET"
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate() on valid config = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"identity", func(c *Config) { c.Identity.SecretEnv = "" }},
		{"lock driver", func(c *Config) { c.Lock.Driver = "etcd" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres; c.Store.DSNEnv = "" }},
		{"no interval", func(c *Config) { c.Evaluator.Interval = 0 }},
		{"grace", func(c *Config) { c.Evaluator.GraceWindow = 0 }},
		{"concurrency", func(c *Config) { c.Evaluator.Concurrency = 0 }},
		{"window", func(c *Config) { c.Reports.DefaultWindowDays = 0 }},
	}
	for _, tt := range tests {
		cfg := valid()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() should return error", tt.name)
		}
	}

	cfg := valid()
	cfg.Evaluator.Interval = 0
	cfg.Evaluator.Schedule = "*/5 * * * *"
	if err := cfg.Validate(); err != nil {
		t.Errorf("schedule without interval: Validate() = %v", err)
	}
}
