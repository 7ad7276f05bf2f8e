package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dukerupert/billrun/internal"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Store.Kind != "postgres" {
				return errors.New("migrate requires store.kind=postgres")
			}

			logger := internal.NewLogger(cmd.ErrOrStderr(), cfg.Env, cfg.LogLevel)
			if err := internal.MigrateDatabase(commandContext(cmd), cfg.Store.DatabaseURL, logger); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(out(cmd), "Database migrations completed successfully")
			return nil
		},
	}
}
