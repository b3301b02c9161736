package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func requireAtLeastArgs(min int, message string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) < min {
			return errors.New(message)
		}
		return nil
	}
}

// fileIDArgs checks the argument count and rejects anything that is not a
// canonical file id before a request is made.
func fileIDArgs(min, max int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		switch {
		case len(args) < min && min == max:
			return fmt.Errorf("exactly %d file id is required", min)
		case len(args) < min:
			return errors.New("file id is required")
		case max > 0 && len(args) > max:
			return fmt.Errorf("expected at most %d file id, got %d", max, len(args))
		}
		for _, id := range args {
			if parsed, err := uuid.Parse(id); err != nil || parsed.String() != id {
				return fmt.Errorf("invalid file id %q", id)
			}
		}
		return nil
	}
}

var (
	requireAtLeastOneID = fileIDArgs(1, 0)
	requireOneID        = fileIDArgs(1, 1)
)
