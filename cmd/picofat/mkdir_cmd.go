package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picofat/picofat"
)

var mkdirParents bool

// createMkdirCommand creates the mkdir subcommand.
func createMkdirCommand() *cobra.Command {
	mkdirCmd := &cobra.Command{
		Use:   "mkdir DIR...",
		Short: "create directories",
		Args:  cobra.MinimumNArgs(1),
		RunE:  executeMkdir,
	}
	mkdirCmd.Flags().BoolVarP(&mkdirParents, "parents", "p", false, "create parent directories as needed")
	return mkdirCmd
}

func executeMkdir(cmd *cobra.Command, args []string) error {
	fsys, done, err := mountImage(picofat.ModeRW)
	if err != nil {
		return err
	}
	defer done()

	for _, dir := range args {
		if mkdirParents {
			err = picofat.NewAferoFS(fsys).MkdirAll(dir, 0o755)
		} else {
			err = fsys.Mkdir(dir)
		}
		if err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}
