package picofat_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/picofat/picofat"
	"github.com/picofat/picofat/blockdev"
)

func TestFormatConfigOptions(t *testing.T) {
	dev := blockdev.NewMemory(32768)
	var formatter picofat.Formatter
	err := formatter.Format(dev, dev.Size(), picofat.FormatConfig{
		Label:        "MYVOL",
		ClusterSize:  16,
		NumberOfFATs: 1,
		SerialNumber: 0x12345678,
	})
	require.NoError(t, err)

	fsys := new(picofat.FS)
	require.NoError(t, fsys.Mount(dev, picofat.ModeRead))
	info, err := fsys.Info()
	require.NoError(t, err)
	require.Equal(t, "MYVOL", info.Label)
	require.Equal(t, uint16(16), info.SectorsPerCluster)
	require.Equal(t, uint8(1), info.NumberOfFATs)
	require.Equal(t, uint32(0x12345678), info.SerialNumber)
}

func TestFormatRejectsBadConfig(t *testing.T) {
	dev := blockdev.NewMemory(32768)
	var formatter picofat.Formatter

	err := formatter.Format(dev, dev.Size(), picofat.FormatConfig{ClusterSize: 7})
	require.Error(t, err, "cluster size must be a power of two")

	err = formatter.Format(dev, dev.Size(), picofat.FormatConfig{NumberOfFATs: 3})
	require.Error(t, err)

	err = formatter.Format(dev, 1024, picofat.FormatConfig{})
	require.Error(t, err, "device too small")

	ro := blockdev.NewMemory(32768)
	ro.SetReadOnly(true)
	err = formatter.Format(ro, ro.Size(), picofat.FormatConfig{})
	require.ErrorIs(t, err, picofat.ErrDeviceMode)
}

func TestFormatProgressMonotonic(t *testing.T) {
	dev := blockdev.NewMemory(32768)
	var formatter picofat.Formatter
	last, calls := -1, 0
	err := formatter.Format(dev, dev.Size(), picofat.FormatConfig{
		Progress: func(done, total int) {
			require.GreaterOrEqual(t, done, last)
			require.LessOrEqual(t, done, total)
			last = done
			calls++
		},
	})
	require.NoError(t, err)
	require.Positive(t, calls)
}

func TestFormatFreshVolumeIsEmptyAndClean(t *testing.T) {
	fsys, _ := mkfs(t)
	entries, err := fsys.ReadDir("/")
	require.NoError(t, err)
	require.Empty(t, entries, "volume label entry is not listed as a file")

	report, err := fsys.CheckVolume()
	require.NoError(t, err)
	require.True(t, report.Clean(), "problems: %v", report.Problems)
	require.Equal(t, uint32(1), report.UsedClusters, "only the root directory is allocated")
}
