package main

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/picofat/picofat"
	"github.com/picofat/picofat/internal/logger"
)

var writeNoProgress bool

// createWriteCommand creates the write subcommand.
func createWriteCommand() *cobra.Command {
	writeCmd := &cobra.Command{
		Use:   "write HOST_FILE [DEST]",
		Short: "copy a host file into the image",
		Long: `Write copies a file from the host filesystem into the image.
DEST defaults to the base name of HOST_FILE in the root directory.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: executeWrite,
	}
	writeCmd.Flags().BoolVar(&writeNoProgress, "no-progress", false, "disable the progress bar")
	return writeCmd
}

func executeWrite(cmd *cobra.Command, args []string) error {
	fsys, done, err := mountImage(picofat.ModeRW)
	if err != nil {
		return err
	}
	defer done()

	hostPath := args[0]
	dest := "/" + path.Base(hostPath)
	if len(args) == 2 {
		dest = args[1]
		if strings.HasSuffix(dest, "/") {
			dest += path.Base(hostPath)
		}
	}

	host := afero.NewOsFs()
	src, err := host.Open(hostPath)
	if err != nil {
		return err
	}
	defer src.Close()
	st, err := src.Stat()
	if err != nil {
		return err
	}

	var f picofat.File
	if err := fsys.OpenFile(&f, dest, picofat.ModeCreateAlways|picofat.ModeWrite); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	var dst io.Writer = &f
	if !writeNoProgress {
		bar := progressbar.DefaultBytes(st.Size(), "writing "+dest)
		dst = io.MultiWriter(&f, bar)
	}
	n, err := io.Copy(dst, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	logger.Logger().Infof("wrote %d bytes to %s", n, dest)
	return nil
}
