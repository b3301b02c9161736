package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dedupstore/internal/config"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	out := &outputFlags{}
	var logLevel string

	cmd := &cobra.Command{
		Use:           "dedupstore",
		Short:         "Dedupstore keeps one copy of every distinct file you upload",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if out.json && out.yaml {
				return fmt.Errorf("--json and --yaml are mutually exclusive")
			}
			warning, err := configureLoggerForCLI(logLevel, cfg.LogLevel)
			if err != nil {
				return err
			}
			if warning != "" {
				fmt.Fprintln(os.Stderr, warning)
			}
			return nil
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().BoolVar(&out.json, "json", false, "output JSON")
	cmd.PersistentFlags().BoolVar(&out.yaml, "yaml", false, "output YAML")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newSrvCmd(cfg),
		newUploadCmd(cfg, out),
		newListCmd(cfg, out),
		newSmallCmd(cfg, out),
		newShowCmd(cfg, out),
		newDownloadCmd(cfg, out),
		newRemoveCmd(cfg, out),
		newStatsCmd(cfg, out),
		newReconcileCmd(cfg, out),
		newConfigCmd(cfg, out),
		newMigrateCmd(cfg, out),
	)

	return cmd
}
