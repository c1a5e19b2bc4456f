package main

import (
	"fmt"

	"github.com/pallet-run/palletd/internal/config"
	"github.com/pallet-run/palletd/internal/store"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "palletd.yaml", "path to palletd config file")
	return cmd
}

func runMigrate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("migrate: load config: %w", err)
	}

	db, err := store.Open(cfg.Store.Path, cfg.Store.BusyTimeoutMS)
	if err != nil {
		return fmt.Errorf("migrate: open store: %w", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := store.SeedUsers(db, cfg.Users.Admins, cfg.Users.Allowlist); err != nil {
		return fmt.Errorf("migrate: seed users: %w", err)
	}

	cmd.Printf("migrated store at %s\n", cfg.Store.Path)
	return nil
}
