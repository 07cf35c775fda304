package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/taskforge/internal/config"
	"github.com/harrison/taskforge/internal/logger"
	"github.com/harrison/taskforge/internal/store"
)

// newMigrateCmd applies the embedded schema to the configured database path
// and exits. Schema application is additive-only and idempotent (schema.sql
// uses CREATE TABLE/INDEX IF NOT EXISTS plus a schema_version row), so this
// is safe to run against an existing database on every deploy.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			taskLogger, err := logger.NewTaskLogger(cfg.LogDir)
			if err != nil {
				return fmt.Errorf("create task logger: %w", err)
			}

			s, err := store.New(cfg.DBPath, cfg.LogDir, taskLogger)
			if err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			defer s.Close()

			fmt.Printf("schema applied to %s\n", cfg.DBPath)
			return nil
		},
	}
}
