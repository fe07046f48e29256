package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/picofat/picofat"
)

// createCatCommand creates the cat subcommand.
func createCatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cat FILE...",
		Short: "print file contents to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE:  executeCat,
	}
}

func executeCat(cmd *cobra.Command, args []string) error {
	fsys, done, err := mountImage(picofat.ModeRead)
	if err != nil {
		return err
	}
	defer done()

	out := cmd.OutOrStdout()
	for _, path := range args {
		var f picofat.File
		if err := fsys.OpenFile(&f, path, picofat.ModeRead); err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		_, err := io.Copy(out, &f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
	}
	return nil
}
