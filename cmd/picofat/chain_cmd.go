package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picofat/picofat"
)

// createChainCommand creates the chain subcommand.
func createChainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chain PATH",
		Short: "print the cluster chain of a file or directory",
		Args:  cobra.ExactArgs(1),
		RunE:  executeChain,
	}
}

func executeChain(cmd *cobra.Command, args []string) error {
	fsys, done, err := mountImage(picofat.ModeRead)
	if err != nil {
		return err
	}
	defer done()

	chain, err := fsys.Chain(args[0])
	if err != nil {
		return fmt.Errorf("chain of %s: %w", args[0], err)
	}
	out := cmd.OutOrStdout()
	if len(chain) == 0 {
		fmt.Fprintln(out, "(no clusters allocated)")
		return nil
	}
	for i, clst := range chain {
		if i > 0 {
			fmt.Fprint(out, " -> ")
		}
		fmt.Fprintf(out, "%d", clst)
	}
	fmt.Fprintln(out)
	return nil
}
