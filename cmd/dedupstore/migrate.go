package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dedupstore/internal/config"
	"dedupstore/internal/store"
)

func newMigrateCmd(cfg *config.Config, out *outputFlags) *cobra.Command {
	var dryRun bool
	var inspect bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run or inspect database schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.DBPath == "" {
				return fmt.Errorf("db path is required")
			}
			db, err := store.OpenRaw(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if !inspect && !dryRun {
				// Same as what happens on server start.
				if err := store.Migrate(db); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}

			plan, err := store.MigrationPlan(db)
			if err != nil {
				return fmt.Errorf("inspect migrations: %w", err)
			}
			if out.structured() {
				return writeStructured(out, plan)
			}
			if !inspect && !dryRun {
				return writePlain("Migrations applied; schema at version %d.\n", plan.CurrentVersion)
			}
			return writeMigrationStatus(plan)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show pending migrations without applying")
	cmd.Flags().BoolVar(&inspect, "inspect", false, "show migration status")

	return cmd
}
