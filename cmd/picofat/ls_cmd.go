package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/picofat/picofat"
)

var lsLong bool

// createLsCommand creates the ls subcommand.
func createLsCommand() *cobra.Command {
	lsCmd := &cobra.Command{
		Use:   "ls [flags] [DIR]",
		Short: "list a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE:  executeLs,
	}
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false, "show sizes and modification times")
	return lsCmd
}

func executeLs(cmd *cobra.Command, args []string) error {
	fsys, done, err := mountImage(picofat.ModeRead)
	if err != nil {
		return err
	}
	defer done()

	dir := "/"
	if len(args) == 1 {
		dir = args[0]
	}
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	out := cmd.OutOrStdout()
	if !lsLong {
		for i := range entries {
			name := entries[i].Name()
			if entries[i].IsDir() {
				name += "/"
			}
			fmt.Fprintln(out, name)
		}
		return nil
	}
	tw := tabwriter.NewWriter(out, 2, 8, 2, ' ', 0)
	for i := range entries {
		e := &entries[i]
		kind := "-"
		if e.IsDir() {
			kind = "d"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			kind, e.Size(), e.ModTime().Format("2006-01-02 15:04"), e.Name())
	}
	return tw.Flush()
}
