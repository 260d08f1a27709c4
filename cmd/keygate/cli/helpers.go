package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/faucetdb/keygate/internal/config"
	"github.com/faucetdb/keygate/internal/model"
	"github.com/faucetdb/keygate/internal/service"
)

// loadConfig builds the effective configuration: defaults, then the config
// file, then KEYGATE_* environment variables and flags. ${VAR} references in
// secret-bearing settings are expanded.
func loadConfig() (*config.YAMLConfig, error) {
	cfg := config.DefaultYAMLConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Store.DSN = os.ExpandEnv(cfg.Store.DSN)
	cfg.Auth.JWTSecret = os.ExpandEnv(cfg.Auth.JWTSecret)
	cfg.Auth.LegacyKey = os.ExpandEnv(cfg.Auth.LegacyKey)

	if cfg.Store.Driver == "" || cfg.Store.Driver == config.DriverSQLite {
		cfg.Store.DataDir = resolveDataDir(cfg.Store.DataDir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// resolveDataDir returns dir if set, or ~/.keygate as fallback.
func resolveDataDir(dir string) string {
	if dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keygate")
}

// openKeyStore opens the configured key store.
func openKeyStore(cfg *config.YAMLConfig) (*config.Store, error) {
	store, err := config.Open(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	return store, nil
}

// openKeyService loads the configuration and returns a key service over the
// configured store. The caller closes the store.
func openKeyService() (*service.KeyService, *config.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := openKeyStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	keys := service.NewKeyService(store,
		service.WithStoreTimeout(config.Duration(cfg.Auth.StoreTimeout, service.DefaultStoreTimeout)))
	return keys, store, nil
}

// newLogger builds the process logger from the log settings.
func newLogger(w io.Writer, cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// findKey resolves a key by numeric ID or by a unique key prefix.
func findKey(ctx context.Context, keys *service.KeyService, ref string) (*model.APIKey, error) {
	// Prefixes are hex and may be all digits, so an unknown ID falls through
	// to the prefix search.
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		key, found, err := keys.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			return key, nil
		}
	}

	all, err := keys.List(ctx)
	if err != nil {
		return nil, err
	}
	var matched *model.APIKey
	for i := range all {
		if strings.HasPrefix(all[i].KeyPrefix, ref) {
			if matched != nil {
				return nil, fmt.Errorf("prefix %q matches more than one key", ref)
			}
			matched = &all[i]
		}
	}
	if matched == nil {
		return nil, fmt.Errorf("no API key with id or prefix %q", ref)
	}
	return matched, nil
}

// currentUser names the operator running the CLI.
func currentUser() string {
	for _, env := range []string{"KEYGATE_OPERATOR", "USER", "USERNAME"} {
		if u := os.Getenv(env); u != "" {
			return u
		}
	}
	return "cli"
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
