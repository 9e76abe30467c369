package config

import (
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 10*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 10s", cfg.Server.WriteTimeout)
	}
	if len(cfg.Templates.Directories) != 2 {
		t.Errorf("Templates.Directories = %v, want 2 entries", cfg.Templates.Directories)
	}
	if cfg.Templates.Strict {
		t.Error("Templates.Strict = true, want false")
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Providers.Timeout != 5*time.Second {
		t.Errorf("Providers.Timeout = %v, want 5s", cfg.Providers.Timeout)
	}
	if cfg.Providers.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("CircuitBreaker.FailureThreshold = %d, want 3", cfg.Providers.CircuitBreaker.FailureThreshold)
	}
	if cfg.Providers.CircuitBreaker.SuccessThreshold != 2 {
		t.Errorf("CircuitBreaker.SuccessThreshold = %d, want default 2", cfg.Providers.CircuitBreaker.SuccessThreshold)
	}
	if cfg.Lifecycle.PruneInterval != 10*time.Minute {
		t.Errorf("Lifecycle.PruneInterval = %v, want 10m", cfg.Lifecycle.PruneInterval)
	}
	if cfg.Idempotency.Store.Driver != "redis" || cfg.Idempotency.Store.DefaultTTL != time.Hour {
		t.Errorf("Idempotency.Store = %+v", cfg.Idempotency.Store)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoad_missing_file(t *testing.T) {
	if _, err := Load("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_invalid_driver(t *testing.T) {
	if _, err := Load("testdata/bad_driver.yaml"); err == nil {
		t.Fatal("Load() with unknown store driver should return error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults().Validate() error = %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CASEWORK_SERVER_PORT", "3000")
	t.Setenv("CASEWORK_TEMPLATES_DIRECTORIES", "/a,/b,/c")
	t.Setenv("CASEWORK_PROVIDERS_TIMEOUT", "2s")
	t.Setenv("CASEWORK_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if len(cfg.Templates.Directories) != 3 {
		t.Errorf("Templates.Directories = %v, want 3 entries", cfg.Templates.Directories)
	}
	if cfg.Providers.Timeout != 2*time.Second {
		t.Errorf("Providers.Timeout = %v, want 2s", cfg.Providers.Timeout)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }},
		{"no template directories", func(c *Config) { c.Templates.Directories = nil }},
		{"postgres without dsn env", func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSNEnv = "" }},
		{"zero provider timeout", func(c *Config) { c.Providers.Timeout = 0 }},
		{"zero concurrency", func(c *Config) { c.Providers.MaxConcurrency = 0 }},
		{"prune without interval", func(c *Config) { c.Lifecycle.PruneInterval = 0 }},
		{"unknown idempotency driver", func(c *Config) {
			c.Idempotency.Enabled = true
			c.Idempotency.Store.Driver = "memcached"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
