// Command picofat inspects and manipulates FAT32 disk images.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/picofat/picofat"
	"github.com/picofat/picofat/blockdev"
	"github.com/picofat/picofat/internal/logger"
)

var (
	imagePath string
	verbose   bool
)

func main() {
	root := createRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func createRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "picofat",
		Short: "FAT32 disk image tool",
		Long: `picofat formats, inspects and manipulates FAT32 disk images
of the kind used on SD cards in embedded systems.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init(verbose)
		},
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&imagePath, "image", "i", "", "path to the disk image")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		createInfoCommand(),
		createLsCommand(),
		createTreeCommand(),
		createCatCommand(),
		createWriteCommand(),
		createRmCommand(),
		createMvCommand(),
		createMkdirCommand(),
		createFormatCommand(),
		createFsckCommand(),
		createChainCommand(),
		createFreeCommand(),
	)
	return rootCmd
}

// mountImage opens the disk image named by --image and mounts it. The caller
// must call the returned closer when done.
func mountImage(mode picofat.Mode) (*picofat.FS, func(), error) {
	if imagePath == "" {
		return nil, nil, fmt.Errorf("no image given, use --image")
	}
	readonly := mode&picofat.ModeWrite == 0
	dev, err := blockdev.OpenImage(afero.NewOsFs(), imagePath, readonly)
	if err != nil {
		return nil, nil, err
	}
	fsys := new(picofat.FS)
	if verbose {
		fsys.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	if err := fsys.Mount(dev, mode); err != nil {
		dev.Close()
		return nil, nil, fmt.Errorf("mount %s: %w", imagePath, err)
	}
	closer := func() {
		if err := fsys.Unmount(); err != nil {
			logger.Logger().Errorf("unmount: %v", err)
		}
		if err := dev.Close(); err != nil {
			logger.Logger().Errorf("close image: %v", err)
		}
	}
	return fsys, closer, nil
}
