package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picofat/picofat"
)

// createFreeCommand creates the free subcommand.
func createFreeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "free",
		Short: "count free clusters by scanning the allocation table",
		Args:  cobra.NoArgs,
		RunE:  executeFree,
	}
}

func executeFree(cmd *cobra.Command, args []string) error {
	fsys, done, err := mountImage(picofat.ModeRead)
	if err != nil {
		return err
	}
	defer done()

	free, err := fsys.CountFreeClusters()
	if err != nil {
		return err
	}
	info, err := fsys.Info()
	if err != nil {
		return err
	}
	pct, err := fsys.FreeSpacePercent()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d clusters free (%.1f%%)\n", free, info.TotalClusters, pct)
	return nil
}
