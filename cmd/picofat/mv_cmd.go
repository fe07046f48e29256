package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picofat/picofat"
)

// createMvCommand creates the mv subcommand.
func createMvCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mv OLD NEW",
		Short: "rename or move a file or directory",
		Args:  cobra.ExactArgs(2),
		RunE:  executeMv,
	}
}

func executeMv(cmd *cobra.Command, args []string) error {
	fsys, done, err := mountImage(picofat.ModeRW)
	if err != nil {
		return err
	}
	defer done()

	if err := fsys.Rename(args[0], args[1]); err != nil {
		return fmt.Errorf("rename %s to %s: %w", args[0], args[1], err)
	}
	return nil
}
