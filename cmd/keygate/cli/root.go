package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	appVersion string // set in Execute, reported by serve and openapi

	// v holds the effective settings: config file, KEYGATE_* env vars and
	// bound flags, in viper's precedence order.
	v *viper.Viper
)

// configKeys lists every setting that can come from the environment.
var configKeys = []string{
	"environment",
	"server.host", "server.port", "server.shutdown_timeout", "server.cors.origins",
	"store.driver", "store.dsn", "store.data_dir", "store.max_open_conns", "store.max_idle_conns",
	"auth.api_key_header", "auth.legacy_key", "auth.jwt_secret", "auth.jwt_expiry",
	"auth.store_timeout", "auth.record_usage",
	"rate_limit.enabled", "rate_limit.per_ip_per_minute", "rate_limit.per_key_per_minute",
	"metrics.addr",
	"log.level", "log.format",
}

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	v = viper.New()
	cfgFile = ""

	cmd := &cobra.Command{
		Use:   "keygate",
		Short: "API key admission gate",
		Long: `keygate: issue API keys and admit only requests that carry a valid one.

keygate stores SHA-256 digests of issued keys, checks every request's key
header against them, records usage, and serves a small admin API for issuing
and revoking keys.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./keygate.yaml)")
	cmd.PersistentFlags().String("data-dir", "", "data directory for the SQLite key store (default: ~/.keygate)")
	v.BindPFlag("store.data_dir", cmd.PersistentFlags().Lookup("data-dir"))

	// Add subcommands
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newOpenAPICmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func initConfig() error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("keygate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.keygate")
	}

	v.SetEnvPrefix("KEYGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range configKeys {
		v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		// The config file is optional unless named explicitly.
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}
