package main

import (
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"mcp-forge/backend/internal/config"
	"mcp-forge/backend/internal/repository"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			cfg, err := config.LoadConfig(configPath(cmd))
			if err != nil {
				return err
			}
			pool, err := initDatabase(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := repository.NewPostgresStore(pool, logger).Migrate(ctx); err != nil {
				return err
			}
			logger.Info("schema migrated", "database", cfg.DB.Name)
			return nil
		},
	}
}
