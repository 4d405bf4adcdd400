package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gbear605/manifold/internal/storage/sqlite"
)

// migrateCmd applies pending schema migrations to the store
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending SQLite migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := sqlite.Open(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	applied, err := store.Migrate(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	logger.Info().Str("path", cfg.Storage.Path).Int("applied", len(applied)).Msg("store is up to date")
	return nil
}
