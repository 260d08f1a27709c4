package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/faucetdb/keygate/internal/config"
)

const redacted = "<redacted>"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage keygate configuration",
		Long:  "Initialize a default configuration file, check one, or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigCheckCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var (
		force bool
		path  string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default keygate.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}
			if err := config.WriteDefaultConfig(path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created %s\n", path)
			fmt.Fprintln(out, "Set auth.jwt_secret (or KEYGATE_AUTH_JWT_SECRET), then run 'keygate serve'.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")
	cmd.Flags().StringVarP(&path, "output", "o", "keygate.yaml", "Path of the file to create")

	return cmd
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redactSecrets(cfg)

			out := cmd.OutOrStdout()
			if used := v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(out, "# config file: %s\n", used)
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
	return cmd
}

func redactSecrets(cfg *config.YAMLConfig) {
	if cfg.Auth.JWTSecret != "" {
		cfg.Auth.JWTSecret = redacted
	}
	if cfg.Auth.LegacyKey != "" {
		cfg.Auth.LegacyKey = redacted
	}
	if cfg.Store.DSN != "" {
		cfg.Store.DSN = redacted
	}
}

// ---------- config check ----------

func newConfigCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadYAMLConfig(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok (environment %s, store %s)\n", args[0], cfg.Environment, cfg.Store.Driver)
			if cfg.IsProduction() && cfg.Auth.JWTSecret == "" {
				fmt.Fprintln(out, "warning: auth.jwt_secret is empty; the admin API will be disabled")
			}
			return nil
		},
	}
	return cmd
}
