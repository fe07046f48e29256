package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picofat/picofat"
)

var rmRecursive bool

// createRmCommand creates the rm subcommand.
func createRmCommand() *cobra.Command {
	rmCmd := &cobra.Command{
		Use:   "rm PATH...",
		Short: "remove files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE:  executeRm,
	}
	rmCmd.Flags().BoolVarP(&rmRecursive, "recursive", "r", false, "remove directories and their contents")
	return rmCmd
}

func executeRm(cmd *cobra.Command, args []string) error {
	fsys, done, err := mountImage(picofat.ModeRW)
	if err != nil {
		return err
	}
	defer done()

	for _, p := range args {
		if rmRecursive {
			err = picofat.NewAferoFS(fsys).RemoveAll(p)
		} else {
			err = fsys.Remove(p)
		}
		if err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}
