package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultYAMLConfig(t *testing.T) {
	cfg := DefaultYAMLConfig()

	if cfg.Auth.APIKeyHeader != "X-API-Key" {
		t.Errorf("APIKeyHeader = %q, want X-API-Key", cfg.Auth.APIKeyHeader)
	}
	if !cfg.IsProduction() {
		t.Error("defaults should be production")
	}
	if cfg.Auth.LegacyKey != "" {
		t.Error("legacy key must be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadYAMLConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keygate.yaml")
	if err := WriteDefaultConfig(path); err != nil {
		t.Fatalf("WriteDefaultConfig: %v", err)
	}

	cfg, err := LoadYAMLConfig(path)
	if err != nil {
		t.Fatalf("LoadYAMLConfig: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != DriverSQLite {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
}

func TestLoadYAMLConfigExpandsEnv(t *testing.T) {
	t.Setenv("KEYGATE_TEST_LEGACY", "legacy-from-env")

	path := filepath.Join(t.TempDir(), "keygate.yaml")
	content := "environment: development\nauth:\n  legacy_key: ${KEYGATE_TEST_LEGACY}\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadYAMLConfig(path)
	if err != nil {
		t.Fatalf("LoadYAMLConfig: %v", err)
	}
	if cfg.Auth.LegacyKey != "legacy-from-env" {
		t.Errorf("LegacyKey = %q, want legacy-from-env", cfg.Auth.LegacyKey)
	}
	if cfg.IsProduction() {
		t.Error("expected development environment")
	}
	// Unset fields keep their defaults.
	if cfg.Auth.APIKeyHeader != "X-API-Key" {
		t.Errorf("APIKeyHeader = %q, want default", cfg.Auth.APIKeyHeader)
	}
}

func TestYAMLConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*YAMLConfig)
	}{
		{"bad environment", func(c *YAMLConfig) { c.Environment = "staging" }},
		{"bad driver", func(c *YAMLConfig) { c.Store.Driver = "oracle" }},
		{"postgres without dsn", func(c *YAMLConfig) { c.Store.Driver = DriverPostgres }},
		{"bad timeout", func(c *YAMLConfig) { c.Auth.StoreTimeout = "soon" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultYAMLConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("Duration(250ms) = %v", got)
	}
	if got := Duration("", time.Second); got != time.Second {
		t.Errorf("Duration(empty) = %v, want fallback", got)
	}
	if got := Duration("garbage", time.Second); got != time.Second {
		t.Errorf("Duration(garbage) = %v, want fallback", got)
	}
}
