package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/faucetdb/keygate/internal/model"
	"github.com/faucetdb/keygate/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Issue, inspect, revoke, and delete the API keys admitted by the keygate server.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyShowCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyDeleteCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		name        string
		description string
		expiresIn   time.Duration
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key",
		Long: `Generate a new API key. The raw key is shown once and cannot be retrieved again.
When stdout is not a terminal only the raw key is printed, so it can be piped.`,
		Example: `  keygate key create --name "CI pipeline"
  keygate key create --name partner --expires-in 720h
  export API_KEY=$(keygate key create --name batch)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(cmd, name, description, expiresIn, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the key (required)")
	cmd.Flags().StringVar(&description, "description", "", "What the key is used for")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire the key after this duration (default: never)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runKeyCreate(cmd *cobra.Command, name, description string, expiresIn time.Duration, jsonOutput bool) error {
	if expiresIn < 0 {
		return fmt.Errorf("--expires-in must be positive")
	}

	keys, store, err := openKeyService()
	if err != nil {
		return err
	}
	defer store.Close()

	req := service.IssueRequest{
		Name:        name,
		Description: description,
		CreatedBy:   currentUser(),
	}
	if expiresIn > 0 {
		exp := keys.Now().Add(expiresIn)
		req.ExpiresAt = &exp
	}

	plaintext, key, err := keys.Issue(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, map[string]interface{}{
			"api_key": plaintext,
			"key":     key,
		})
	}
	if !isTerminal(out) {
		fmt.Fprintln(out, plaintext)
		return nil
	}

	fmt.Fprintln(out, "API Key created:")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Key:     %s\n", plaintext)
	fmt.Fprintf(out, "  ID:      %d\n", key.ID)
	fmt.Fprintf(out, "  Name:    %s\n", key.Name)
	if key.ExpiresAt != nil {
		fmt.Fprintf(out, "  Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(cmd *cobra.Command, jsonOutput bool) error {
	keys, store, err := openKeyService()
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := keys.List(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, list)
	}

	if len(list) == 0 {
		fmt.Fprintln(out, "No API keys issued. Use 'keygate key create' to create one.")
		return nil
	}

	now := keys.Now()
	fmt.Fprintf(out, "%-6s %-10s %-24s %-8s %-8s %-20s\n", "ID", "PREFIX", "NAME", "STATUS", "USES", "LAST USED")
	fmt.Fprintf(out, "%-6s %-10s %-24s %-8s %-8s %-20s\n", "--", "------", "----", "------", "----", "---------")
	for _, k := range list {
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.Format(time.DateTime)
		}
		fmt.Fprintf(out, "%-6d %-10s %-24s %-8s %-8d %-20s\n",
			k.ID, k.KeyPrefix, truncate(k.Name, 24), k.Status(now), k.UsageCount, lastUsed)
	}
	return nil
}

// ---------- key show ----------

func newKeyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id|prefix>",
		Short: "Show one API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, store, err := openKeyService()
			if err != nil {
				return err
			}
			defer store.Close()

			key, err := findKey(cmd.Context(), keys, args[0])
			if err != nil {
				return err
			}
			printKey(cmd.OutOrStdout(), key, keys.Now())
			return nil
		},
	}
	return cmd
}

func printKey(out io.Writer, k *model.APIKey, now time.Time) {
	fmt.Fprintf(out, "ID:          %d\n", k.ID)
	fmt.Fprintf(out, "Prefix:      %s\n", k.KeyPrefix)
	fmt.Fprintf(out, "Name:        %s\n", k.Name)
	if k.Description != "" {
		fmt.Fprintf(out, "Description: %s\n", k.Description)
	}
	fmt.Fprintf(out, "Status:      %s\n", k.Status(now))
	fmt.Fprintf(out, "Created:     %s\n", k.CreatedAt.Format(time.RFC3339))
	if k.CreatedBy != nil {
		fmt.Fprintf(out, "Created by:  %s\n", *k.CreatedBy)
	}
	if k.ExpiresAt != nil {
		fmt.Fprintf(out, "Expires:     %s\n", k.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Uses:        %d\n", k.UsageCount)
	if k.LastUsedAt != nil {
		fmt.Fprintf(out, "Last used:   %s\n", k.LastUsedAt.Format(time.RFC3339))
	}
	if k.RevokedAt != nil {
		fmt.Fprintf(out, "Revoked:     %s\n", k.RevokedAt.Format(time.RFC3339))
	}
	if k.RevokedBy != nil {
		fmt.Fprintf(out, "Revoked by:  %s\n", *k.RevokedBy)
	}
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	var revokedBy string

	cmd := &cobra.Command{
		Use:   "revoke <id|prefix>",
		Short: "Revoke an API key",
		Long:  "Deactivate an API key. The record is kept for auditing; a revoked key is never admitted again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, store, err := openKeyService()
			if err != nil {
				return err
			}
			defer store.Close()

			key, err := findKey(cmd.Context(), keys, args[0])
			if err != nil {
				return err
			}
			if revokedBy == "" {
				revokedBy = currentUser()
			}
			ok, err := keys.Revoke(cmd.Context(), key.ID, revokedBy)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("API key %d no longer exists", key.ID)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "API key %d (%s) revoked.\n", key.ID, key.KeyPrefix)
			return nil
		},
	}

	cmd.Flags().StringVar(&revokedBy, "by", "", "Operator recorded as revoking the key (default: $USER)")

	return cmd
}

// ---------- key delete ----------

func newKeyDeleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Permanently delete an API key",
		Long:    "Remove an API key and its usage history. Prefer 'keygate key revoke' to keep an audit trail.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			if !force {
				return fmt.Errorf("refusing to delete key %d without --force", id)
			}

			keys, store, err := openKeyService()
			if err != nil {
				return err
			}
			defer store.Close()

			deleted, err := keys.Delete(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("no API key with id %d", id)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "API key %d deleted.\n", id)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Confirm permanent deletion")

	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
