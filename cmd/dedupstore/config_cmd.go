package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dedupstore/internal/config"
)

type configEntry struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

func newConfigCmd(cfg *config.Config, out *outputFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get or set configuration",
	}
	cmd.AddCommand(newConfigGetCmd(cfg, out), newConfigSetCmd(out), newConfigPathCmd())
	return cmd
}

func newConfigGetCmd(cfg *config.Config, out *outputFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "Print the effective value of one config key, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := config.AllowedKeys()
			if len(args) == 1 {
				keys = []string{args[0]}
			}
			entries, err := configEntries(cfg, keys)
			if err != nil {
				return err
			}
			if out.structured() {
				if len(args) == 1 {
					return writeStructured(out, entries[0])
				}
				return writeStructured(out, entries)
			}
			if len(args) == 1 {
				return writePlain("%s\n", entries[0].Value)
			}
			for _, e := range entries {
				if err := writePlain("%s = %s\n", e.Key, e.Value); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func configEntries(cfg *config.Config, keys []string) ([]configEntry, error) {
	entries := make([]configEntry, 0, len(keys))
	for _, key := range keys {
		if !config.IsAllowedKey(key) {
			return nil, fmt.Errorf("unknown key: %s (allowed: %v)", key, config.AllowedKeys())
		}
		value, err := cfg.Get(key)
		if err != nil {
			return nil, err
		}
		entries = append(entries, configEntry{Key: key, Value: value})
	}
	return entries, nil
}

func newConfigSetCmd(out *outputFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a config value to the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.GlobalPath()
			if err != nil {
				return err
			}
			if err := config.SetKey(path, args[0], args[1]); err != nil {
				return err
			}
			if out.structured() {
				return writeStructured(out, configEntry{Key: args[0], Value: args[1]})
			}
			return writePlain("%s = %s (%s)\n", args[0], args[1], path)
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.GlobalPath()
			if err != nil {
				return err
			}
			return writePlain("%s\n", path)
		},
	}
}
