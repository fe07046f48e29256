package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picofat/picofat"
)

// createInfoCommand creates the info subcommand.
func createInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "print volume geometry and usage",
		Args:  cobra.NoArgs,
		RunE:  executeInfo,
	}
}

func executeInfo(cmd *cobra.Command, args []string) error {
	fsys, done, err := mountImage(picofat.ModeRead)
	if err != nil {
		return err
	}
	defer done()

	info, err := fsys.Info()
	if err != nil {
		return err
	}
	free, err := fsys.FreeSpace()
	if err != nil {
		return err
	}
	total, err := fsys.TotalSpace()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Label:            %s\n", info.Label)
	fmt.Fprintf(out, "Serial:           %08X\n", info.SerialNumber)
	fmt.Fprintf(out, "Cluster size:     %d bytes\n", int(info.SectorsPerCluster)*int(info.SectorSize))
	fmt.Fprintf(out, "Clusters:         %d\n", info.TotalClusters)
	fmt.Fprintf(out, "FATs:             %d x %d sectors\n", info.NumberOfFATs, info.SectorsPerFAT)
	fmt.Fprintf(out, "Total space:      %s\n", formatBytes(total))
	fmt.Fprintf(out, "Free space:       %s\n", formatBytes(free))
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB (%d bytes)", float64(n)/float64(div), "KMGTPE"[exp], n)
}
