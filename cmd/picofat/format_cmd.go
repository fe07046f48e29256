package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/picofat/picofat"
	"github.com/picofat/picofat/blockdev"
	"github.com/picofat/picofat/internal/logger"
)

// sizeFlag is a byte count flag accepting K/M/G suffixes, e.g. 64M or 2G.
type sizeFlag int64

var _ pflag.Value = (*sizeFlag)(nil)

func (s *sizeFlag) String() string { return strconv.FormatInt(int64(*s), 10) }

func (s *sizeFlag) Type() string { return "size" }

func (s *sizeFlag) Set(v string) error {
	mult := int64(1)
	switch {
	case strings.HasSuffix(v, "K"):
		mult, v = 1<<10, strings.TrimSuffix(v, "K")
	case strings.HasSuffix(v, "M"):
		mult, v = 1<<20, strings.TrimSuffix(v, "M")
	case strings.HasSuffix(v, "G"):
		mult, v = 1<<30, strings.TrimSuffix(v, "G")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q", v)
	}
	*s = sizeFlag(n * mult)
	return nil
}

var (
	formatSize        sizeFlag
	formatLabel       string
	formatClusterSize uint16
	formatFATs        uint8
	formatNoProgress  bool
)

// createFormatCommand creates the format subcommand.
func createFormatCommand() *cobra.Command {
	formatCmd := &cobra.Command{
		Use:   "format",
		Short: "create a FAT32 filesystem on the image",
		Long: `Format writes a partition table and a fresh FAT32 filesystem to
the image given by --image. A missing image file is created with the size
given by --size; an existing image keeps its size and loses its contents.`,
		Args: cobra.NoArgs,
		RunE: executeFormat,
	}
	fl := formatCmd.Flags()
	fl.Var(&formatSize, "size", "image size when creating a new image, e.g. 64M or 2G")
	fl.StringVar(&formatLabel, "label", "", "volume label, up to 11 characters")
	fl.Uint16Var(&formatClusterSize, "cluster-size", 0, "sectors per cluster, 0 selects automatically")
	fl.Uint8Var(&formatFATs, "fats", 2, "number of FAT copies")
	fl.BoolVar(&formatNoProgress, "no-progress", false, "disable the progress bar")
	return formatCmd
}

func executeFormat(cmd *cobra.Command, args []string) error {
	if imagePath == "" {
		return fmt.Errorf("no image given, use --image")
	}
	host := afero.NewOsFs()
	var dev *blockdev.Image
	var err error
	if _, serr := os.Stat(imagePath); os.IsNotExist(serr) {
		if formatSize == 0 {
			return fmt.Errorf("image %s does not exist, use --size to create it", imagePath)
		}
		dev, err = blockdev.CreateImage(host, imagePath, int64(formatSize)/blockdev.BlockSize)
	} else {
		dev, err = blockdev.OpenImage(host, imagePath, false)
	}
	if err != nil {
		return err
	}
	defer dev.Close()

	cfg := picofat.FormatConfig{
		Label:        formatLabel,
		ClusterSize:  formatClusterSize,
		NumberOfFATs: formatFATs,
	}
	if !formatNoProgress {
		bar := progressbar.Default(-1, "formatting "+imagePath)
		cfg.Progress = func(done, total int) {
			if bar.GetMax() != total {
				bar.ChangeMax(total)
			}
			_ = bar.Set(done)
		}
	}
	var formatter picofat.Formatter
	if err := formatter.Format(dev, dev.Size(), cfg); err != nil {
		return fmt.Errorf("format %s: %w", imagePath, err)
	}
	logger.Logger().Infof("formatted %s (%d sectors)", imagePath, dev.Size())
	return nil
}
