package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picofat/picofat"
)

var fsckRepair bool

// createFsckCommand creates the fsck subcommand.
func createFsckCommand() *cobra.Command {
	fsckCmd := &cobra.Command{
		Use:   "fsck",
		Short: "check volume consistency",
		Long: `Fsck walks the directory tree and the allocation table and reports
orphaned directory entries, lost clusters, cross-linked chains and free
space accounting mismatches. With --repair, orphaned entries are removed
and directories are compacted.`,
		Args: cobra.NoArgs,
		RunE: executeFsck,
	}
	fsckCmd.Flags().BoolVar(&fsckRepair, "repair", false, "remove orphaned entries and compact directories")
	return fsckCmd
}

func executeFsck(cmd *cobra.Command, args []string) error {
	mode := picofat.ModeRead
	if fsckRepair {
		mode = picofat.ModeRW
	}
	fsys, done, err := mountImage(mode)
	if err != nil {
		return err
	}
	defer done()

	out := cmd.OutOrStdout()
	report, err := fsys.CheckVolume()
	if err != nil {
		return fmt.Errorf("check volume: %w", err)
	}
	fmt.Fprintf(out, "Files:            %d\n", report.Files)
	fmt.Fprintf(out, "Directories:      %d\n", report.Directories)
	fmt.Fprintf(out, "Used clusters:    %d\n", report.UsedClusters)
	fmt.Fprintf(out, "Free clusters:    %d\n", report.FreeClusters)
	fmt.Fprintf(out, "Lost clusters:    %d\n", report.LostClusters)
	fmt.Fprintf(out, "Cross links:      %d\n", report.CrossLinks)
	for _, p := range report.Problems {
		fmt.Fprintln(out, "problem:", p)
	}

	if fsckRepair {
		removed, err := fsys.Cleanup()
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		fmt.Fprintf(out, "Removed entries:  %d\n", removed)
	} else if !report.Clean() {
		return fmt.Errorf("volume has problems, re-run with --repair")
	}
	return nil
}
