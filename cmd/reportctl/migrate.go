package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"report-orchestrator/internal/bootstrap"
	"report-orchestrator/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

var migrateDatabaseURL string

func init() {
	migrateCmd.Flags().StringVar(&migrateDatabaseURL, "db-url", "", "Database URL (overrides POSTGRES_DSN)")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	if migrateDatabaseURL != "" {
		cfg.PostgresDSN = migrateDatabaseURL
	}
	st, err := bootstrap.OpenStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	st.Close()
	fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return nil
}
