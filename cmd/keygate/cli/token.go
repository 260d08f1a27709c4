package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/faucetdb/keygate/internal/config"
	"github.com/faucetdb/keygate/internal/service"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage admin bearer tokens",
		Long:  "Mint the short-lived bearer tokens required, alongside an API key, by the key management API.",
	}

	cmd.AddCommand(newTokenIssueCmd())

	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an admin bearer token",
		Example: `  keygate token issue --subject alice
  curl -H "Authorization: Bearer $(keygate token issue --subject ci --ttl 10m)" ...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tokens := service.NewTokenService(cfg.Auth.JWTSecret)
			if !tokens.Enabled() {
				return errors.New("auth.jwt_secret is not set (use KEYGATE_AUTH_JWT_SECRET)")
			}
			if ttl <= 0 {
				ttl = config.Duration(cfg.Auth.JWTExpiry, time.Hour)
			}
			if subject == "" {
				subject = currentUser()
			}

			token, err := tokens.Issue(subject, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Operator the token is issued to (default: $USER)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: auth.jwt_expiry)")

	return cmd
}
