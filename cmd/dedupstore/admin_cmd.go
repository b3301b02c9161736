package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dedupstore/internal/api"
	"dedupstore/internal/config"
)

func newStatsCmd(cfg *config.Config, out *outputFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show logical vs physical storage usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), cfg, func(client *api.Client) error {
				stats, err := client.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if out.structured() {
					return writeStructured(out, stats)
				}
				return writeStats(stats)
			})
		},
	}
}

func newReconcileCmd(cfg *config.Config, out *outputFlags) *cobra.Command {
	var dryRun bool
	var yes bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recount references and remove unreferenced payloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !dryRun && !yes {
				return fmt.Errorf("reconcile deletes unreferenced payloads; pass --yes to confirm or --dry-run to preview")
			}
			return withClient(cmd.Context(), cfg, func(client *api.Client) error {
				res, err := client.Reconcile(cmd.Context(), dryRun, yes)
				if err != nil {
					return err
				}
				if out.structured() {
					return writeStructured(out, res)
				}
				return writeReconcileResult(res)
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without changing anything")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm destructive changes")
	return cmd
}
