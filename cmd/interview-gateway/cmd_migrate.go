package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/interview-gateway/internal/runtime"
)

func init() {
	rootCmd.AddCommand(migrateCmd, checkCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the ledger schema and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := setupLogging(os.Stderr, cfg.Log)

		store, err := runtime.OpenStore(cfg.Storage)
		if err != nil {
			return err
		}
		if err := store.Close(); err != nil {
			return fmt.Errorf("close storage: %w", err)
		}
		logger.Info("ledger schema ready", "storage", cfg.Storage.Type, "dsn", cfg.Storage.Database.DSN)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print the effective agent settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config       %s\n", configPath())
		fmt.Fprintf(out, "storage      %s\n", cfg.Storage.Type)
		fmt.Fprintf(out, "agent        %s\n", cfg.Agent.BaseURL)
		fmt.Fprintf(out, "callback     %s\n", cfg.CallbackURL())
		fmt.Fprintf(out, "retry        %d attempts\n", cfg.Agent.Retry.MaxAttempts)
		return nil
	},
}
