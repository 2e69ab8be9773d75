package main

import (
	"github.com/spf13/cobra"

	"msgflow/backend/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		pool, err := initDatabase(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := repository.Migrate(cmd.Context(), pool, logger); err != nil {
			return err
		}
		logger.Info("Migrations applied")
		return nil
	},
}
