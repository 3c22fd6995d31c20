package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kiranshivaraju/reportforge/internal/apikey"
	"github.com/kiranshivaraju/reportforge/internal/config"
	"github.com/kiranshivaraju/reportforge/internal/store"
	"github.com/kiranshivaraju/reportforge/internal/validator"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "reportctl",
	Short:         "Operator tooling for reportforge",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var databaseURL string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if databaseURL == "" {
			return fmt.Errorf("--database-url or DATABASE_URL is required")
		}
		if err := store.RunMigrations(databaseURL); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var (
	keyName   string
	keyScopes []string
)

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key for the default tenant",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(keyName) == "" {
			return fmt.Errorf("--name is required")
		}
		if databaseURL == "" {
			return fmt.Errorf("--database-url or DATABASE_URL is required")
		}

		ctx := cmd.Context()
		pool, err := store.Connect(ctx, config.DatabaseConfig{URL: databaseURL, MaxOpenConns: 2})
		if err != nil {
			return err
		}
		defer pool.Close()
		st := store.NewPostgresStore(pool)

		tenant, err := st.GetDefaultTenant(ctx)
		if err != nil {
			return fmt.Errorf("load default tenant: %w", err)
		}
		key, raw, err := apikey.New(tenant.ID, keyName, keyScopes)
		if err != nil {
			return err
		}
		if err := st.CreateAPIKey(ctx, key); err != nil {
			return fmt.Errorf("store api key: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "id:     %s\n", key.ID)
		fmt.Fprintf(out, "prefix: %s\n", key.KeyPrefix)
		fmt.Fprintf(out, "key:    %s\n", raw)
		fmt.Fprintln(out, "The key is shown once. Store it now.")
		return nil
	},
}

var probeTimeout time.Duration

var validateCmd = &cobra.Command{
	Use:   "validate <url>...",
	Short: "Probe source URLs and print the results as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := validator.New(config.ValidatorConfig{Timeout: probeTimeout})
		res, err := v.Validate(cmd.Context(), args, probeTimeout)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")

	keysCreateCmd.Flags().StringVar(&keyName, "name", "", "key name (required)")
	keysCreateCmd.Flags().StringSliceVar(&keyScopes, "scopes", nil, "comma-separated scopes, e.g. admin")
	keysCmd.AddCommand(keysCreateCmd)

	validateCmd.Flags().DurationVar(&probeTimeout, "timeout", validator.DefaultTimeout, "per-URL probe timeout")

	rootCmd.AddCommand(migrateCmd, keysCmd, validateCmd)
}
