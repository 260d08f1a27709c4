package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Deployment environments. Documentation routes are only exempt from the
// API key check outside production.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// YAMLConfig represents the top-level keygate configuration file. The
// mapstructure tags let viper unmarshal env/flag overrides into the same shape.
type YAMLConfig struct {
	Environment string          `yaml:"environment" mapstructure:"environment"`
	Server      ServerConfig    `yaml:"server" mapstructure:"server"`
	Store       StoreYAML       `yaml:"store" mapstructure:"store"`
	Auth        AuthConfig      `yaml:"auth" mapstructure:"auth"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Metrics     MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Logging     LoggingConfig   `yaml:"log" mapstructure:"log"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host" mapstructure:"host"`
	Port            int        `yaml:"port" mapstructure:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	CORS            CORSConfig `yaml:"cors" mapstructure:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins" mapstructure:"origins"`
}

// StoreYAML selects the key store backend.
type StoreYAML struct {
	Driver       string `yaml:"driver" mapstructure:"driver"`
	DSN          string `yaml:"dsn" mapstructure:"dsn"`
	DataDir      string `yaml:"data_dir" mapstructure:"data_dir"`
	MaxOpenConns int    `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
}

// AuthConfig controls authentication settings.
type AuthConfig struct {
	APIKeyHeader string `yaml:"api_key_header" mapstructure:"api_key_header"`
	// LegacyKey is a single static shared secret accepted when no issued key
	// matches. Empty disables the fallback.
	LegacyKey    string `yaml:"legacy_key" mapstructure:"legacy_key"`
	JWTSecret    string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	JWTExpiry    string `yaml:"jwt_expiry" mapstructure:"jwt_expiry"`
	StoreTimeout string `yaml:"store_timeout" mapstructure:"store_timeout"`
	RecordUsage  bool   `yaml:"record_usage" mapstructure:"record_usage"`
}

// RateLimitConfig controls request admission limits.
type RateLimitConfig struct {
	Enabled         bool `yaml:"enabled" mapstructure:"enabled"`
	PerIPPerMinute  int  `yaml:"per_ip_per_minute" mapstructure:"per_ip_per_minute"`
	PerKeyPerMinute int  `yaml:"per_key_per_minute" mapstructure:"per_key_per_minute"`
}

// MetricsConfig controls the Prometheus listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file on top of the
// defaults. Environment variables referenced as ${VAR_NAME} in the file are
// expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Environment: EnvProduction,
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			CORS: CORSConfig{
				Origins: []string{"*"},
			},
		},
		Store: StoreYAML{
			Driver:       DriverSQLite,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
			JWTExpiry:    "1h",
			StoreTimeout: "5s",
			RecordUsage:  true,
		},
		RateLimit: RateLimitConfig{
			Enabled:         false,
			PerIPPerMinute:  600,
			PerKeyPerMinute: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks values that would otherwise fail late at startup.
func (c *YAMLConfig) Validate() error {
	switch c.Environment {
	case "", EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("invalid environment %q (want %s or %s)", c.Environment, EnvDevelopment, EnvProduction)
	}
	switch c.Store.Driver {
	case "", DriverSQLite:
	case DriverPostgres, DriverMySQL:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("invalid store driver %q", c.Store.Driver)
	}
	for name, v := range map[string]string{
		"auth.store_timeout":      c.Auth.StoreTimeout,
		"auth.jwt_expiry":         c.Auth.JWTExpiry,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.RateLimit.Enabled && (c.RateLimit.PerIPPerMinute < 0 || c.RateLimit.PerKeyPerMinute < 0) {
		return errors.New("rate_limit values must be non-negative")
	}
	return nil
}

// IsProduction reports whether documentation bypass must be disabled.
// Anything other than an explicit development environment counts.
func (c *YAMLConfig) IsProduction() bool {
	return c.Environment != EnvDevelopment
}

// StoreConfig converts the YAML store section into the store's options.
func (c *YAMLConfig) StoreConfig() StoreConfig {
	return StoreConfig{
		Driver:       c.Store.Driver,
		DSN:          c.Store.DSN,
		DataDir:      c.Store.DataDir,
		MaxOpenConns: c.Store.MaxOpenConns,
		MaxIdleConns: c.Store.MaxIdleConns,
	}
}

// Duration parses a duration setting, returning fallback when empty or invalid.
func Duration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
