package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/faucetdb/keygate/internal/config"
	"github.com/faucetdb/keygate/internal/server"
	"github.com/faucetdb/keygate/internal/server/middleware"
	"github.com/faucetdb/keygate/internal/service"
)

const banner = `
 _                         _
| | _____ _   _  __ _  __ _| |_ ___
| |/ / _ \ | | |/ _' |/ _' | __/ _ \
|   <  __/ |_| | (_| | (_| | ||  __/
|_|\_\___|\__, |\__, |\__,_|\__\___|
          |___/ |___/
`

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keygate API server",
		Long:  "Start the HTTP server that admits only requests carrying a valid API key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging, docs without a key)")
	cmd.Flags().String("legacy-key", "", "Static shared key accepted when no issued key matches (visible in the process list; prefer KEYGATE_AUTH_LEGACY_KEY)")

	v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	v.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	v.BindPFlag("auth.legacy_key", cmd.Flags().Lookup("legacy-key"))

	return cmd
}

func runServe(cmd *cobra.Command, dev bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dev {
		cfg.Environment = config.EnvDevelopment
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, banner)
	fmt.Fprintln(out)

	logger := newLogger(os.Stderr, cfg.Logging, dev)

	// 1. Open the key store
	store, err := openKeyStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("key store initialized", "driver", store.Driver(), "path", cfg.Store.DataDir)

	// 2. Key and admin token services
	keys := service.NewKeyService(store,
		service.WithStoreTimeout(config.Duration(cfg.Auth.StoreTimeout, service.DefaultStoreTimeout)))
	tokens := service.NewTokenService(cfg.Auth.JWTSecret)
	if !tokens.Enabled() {
		logger.Warn("auth.jwt_secret not set - admin API disabled; manage keys with: keygate key")
	}
	if cfg.Auth.LegacyKey != "" {
		logger.Warn("legacy shared key enabled - migrate clients to issued keys")
	}

	total, active, err := store.CountAPIKeys(cmd.Context())
	if err != nil {
		logger.Warn("failed to count api keys", "error", err)
	} else if active == 0 && cfg.Auth.LegacyKey == "" {
		logger.Warn("no active API keys - every request will be rejected; run: keygate key create")
	}

	// 3. Build and start HTTP server
	srvCfg := server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: config.Duration(cfg.Server.ShutdownTimeout, 30*time.Second),
		CORSOrigins:     cfg.Server.CORS.Origins,
		Gate: middleware.GateConfig{
			Header:      cfg.Auth.APIKeyHeader,
			LegacyKey:   cfg.Auth.LegacyKey,
			Production:  cfg.IsProduction(),
			RecordUsage: cfg.Auth.RecordUsage,
		},
		RateLimit: server.RateLimitConfig{
			Enabled:         cfg.RateLimit.Enabled,
			PerIPPerMinute:  cfg.RateLimit.PerIPPerMinute,
			PerKeyPerMinute: cfg.RateLimit.PerKeyPerMinute,
		},
		MetricsAddr: cfg.Metrics.Addr,
		Version:     versionString(),
	}

	srv := server.New(srvCfg, store, keys, tokens, logger)

	host, port := cfg.Server.Host, cfg.Server.Port
	fmt.Fprintf(out, "→ keygate %s (%s)\n", versionString(), cfg.Environment)
	fmt.Fprintf(out, "→ Listening on http://%s:%d\n", host, port)
	fmt.Fprintf(out, "→ Health:     http://%s:%d/health\n", host, port)
	if !cfg.IsProduction() {
		fmt.Fprintf(out, "→ OpenAPI:    http://%s:%d/swagger/openapi.json\n", host, port)
	}
	if cfg.Metrics.Addr != "" {
		fmt.Fprintf(out, "→ Metrics:    http://%s/metrics\n", cfg.Metrics.Addr)
	}
	fmt.Fprintf(out, "→ API keys:   %d (%d active)\n", total, active)
	fmt.Fprintln(out)

	return srv.ListenAndServe()
}
