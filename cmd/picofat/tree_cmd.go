package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/picofat/picofat"
)

// createTreeCommand creates the tree subcommand.
func createTreeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tree [DIR]",
		Short: "print the directory tree",
		Args:  cobra.MaximumNArgs(1),
		RunE:  executeTree,
	}
}

func executeTree(cmd *cobra.Command, args []string) error {
	fsys, done, err := mountImage(picofat.ModeRead)
	if err != nil {
		return err
	}
	defer done()

	dir := "/"
	if len(args) == 1 {
		dir = args[0]
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, dir)
	return printTree(out, fsys, dir, "")
}

func printTree(out io.Writer, fsys *picofat.FS, dir, indent string) error {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	for i := range entries {
		e := &entries[i]
		branch, childIndent := "├── ", indent+"│   "
		if i == len(entries)-1 {
			branch, childIndent = "└── ", indent+"    "
		}
		fmt.Fprintf(out, "%s%s%s\n", indent, branch, e.Name())
		if e.IsDir() {
			sub := dir
			if sub != "/" {
				sub += "/"
			}
			if err := printTree(out, fsys, sub+e.Name(), childIndent); err != nil {
				return err
			}
		}
	}
	return nil
}
