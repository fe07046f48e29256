package blockdev_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/picofat/picofat/blockdev"
)

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i)
	}
	return buf
}

func TestMemoryRoundTrip(t *testing.T) {
	dev := blockdev.NewMemory(8)
	require.Equal(t, int64(8), dev.Size())

	want := pattern(2*blockdev.BlockSize, 1)
	require.NoError(t, dev.WriteBlocks(want, 3))
	got := make([]byte, len(want))
	require.NoError(t, dev.ReadBlocks(got, 3))
	require.Equal(t, want, got)

	// Fresh blocks read back zeroed.
	one := make([]byte, blockdev.BlockSize)
	require.NoError(t, dev.ReadBlocks(one, 0))
	require.Equal(t, make([]byte, blockdev.BlockSize), one)
}

func TestMemoryErase(t *testing.T) {
	dev := blockdev.NewMemory(4)
	require.NoError(t, dev.WriteBlocks(pattern(blockdev.BlockSize, 9), 1))
	require.NoError(t, dev.EraseBlocks(1, 1))
	got := make([]byte, blockdev.BlockSize)
	require.NoError(t, dev.ReadBlocks(got, 1))
	for _, b := range got {
		require.Equal(t, byte(0xFF), b)
	}
}

func TestMemoryBounds(t *testing.T) {
	dev := blockdev.NewMemory(4)
	buf := make([]byte, blockdev.BlockSize)

	require.Error(t, dev.ReadBlocks(buf, 4))
	require.Error(t, dev.ReadBlocks(buf, -1))
	require.Error(t, dev.WriteBlocks(buf, 4))
	require.Error(t, dev.EraseBlocks(3, 2))
	require.Error(t, dev.EraseBlocks(-1, 1))
	require.Error(t, dev.ReadBlocks(buf[:100], 0))
	require.Error(t, dev.WriteBlocks(buf[:100], 0))

	// The last valid block is reachable.
	require.NoError(t, dev.WriteBlocks(buf, 3))
}

func TestMemoryReadOnly(t *testing.T) {
	dev := blockdev.NewMemory(4)
	require.Equal(t, uint8(3), dev.Mode())
	dev.SetReadOnly(true)
	require.Equal(t, uint8(1), dev.Mode())

	buf := make([]byte, blockdev.BlockSize)
	require.Error(t, dev.WriteBlocks(buf, 0))
	require.Error(t, dev.EraseBlocks(0, 1))
	require.NoError(t, dev.ReadBlocks(buf, 0))

	dev.SetReadOnly(false)
	require.NoError(t, dev.WriteBlocks(buf, 0))
}

func TestMemoryBytesAliases(t *testing.T) {
	dev := blockdev.NewMemory(2)
	require.NoError(t, dev.WriteBlocks(pattern(blockdev.BlockSize, 5), 1))
	require.Equal(t, byte(5), dev.Bytes()[blockdev.BlockSize])
}

func TestImageCreateAndReopen(t *testing.T) {
	fsys := afero.NewMemMapFs()
	img, err := blockdev.CreateImage(fsys, "disk.img", 16)
	require.NoError(t, err)
	require.Equal(t, int64(16), img.Size())

	want := pattern(blockdev.BlockSize, 7)
	require.NoError(t, img.WriteBlocks(want, 5))
	require.NoError(t, img.Close())

	img, err = blockdev.OpenImage(fsys, "disk.img", false)
	require.NoError(t, err)
	got := make([]byte, blockdev.BlockSize)
	require.NoError(t, img.ReadBlocks(got, 5))
	require.Equal(t, want, got)

	// Sparse regions read back zeroed.
	require.NoError(t, img.ReadBlocks(got, 10))
	require.Equal(t, make([]byte, blockdev.BlockSize), got)
	require.NoError(t, img.Close())
}

func TestImageReadOnly(t *testing.T) {
	fsys := afero.NewMemMapFs()
	img, err := blockdev.CreateImage(fsys, "disk.img", 4)
	require.NoError(t, err)
	require.NoError(t, img.Close())

	img, err = blockdev.OpenImage(fsys, "disk.img", true)
	require.NoError(t, err)
	require.Equal(t, uint8(1), img.Mode())
	buf := make([]byte, blockdev.BlockSize)
	require.Error(t, img.WriteBlocks(buf, 0))
	require.Error(t, img.EraseBlocks(0, 1))
	require.NoError(t, img.ReadBlocks(buf, 0))
	require.NoError(t, img.Close())
}

func TestImageErase(t *testing.T) {
	fsys := afero.NewMemMapFs()
	img, err := blockdev.CreateImage(fsys, "disk.img", 4)
	require.NoError(t, err)
	require.NoError(t, img.WriteBlocks(pattern(blockdev.BlockSize, 3), 2))
	require.NoError(t, img.EraseBlocks(2, 1))
	got := make([]byte, blockdev.BlockSize)
	require.NoError(t, img.ReadBlocks(got, 2))
	for _, b := range got {
		require.Equal(t, byte(0xFF), b)
	}
	require.NoError(t, img.Close())
}

func TestImageClosed(t *testing.T) {
	fsys := afero.NewMemMapFs()
	img, err := blockdev.CreateImage(fsys, "disk.img", 4)
	require.NoError(t, err)
	require.NoError(t, img.Close())

	buf := make([]byte, blockdev.BlockSize)
	require.Error(t, img.ReadBlocks(buf, 0))
	require.Error(t, img.WriteBlocks(buf, 0))
	require.Error(t, img.EraseBlocks(0, 1))
	require.Error(t, img.Close())
}

func TestImageValidation(t *testing.T) {
	fsys := afero.NewMemMapFs()
	_, err := blockdev.CreateImage(fsys, "disk.img", 0)
	require.Error(t, err)

	_, err = blockdev.OpenImage(fsys, "missing.img", false)
	require.Error(t, err)

	// An image whose size is not block aligned is rejected.
	require.NoError(t, afero.WriteFile(fsys, "odd.img", make([]byte, 777), 0o644))
	_, err = blockdev.OpenImage(fsys, "odd.img", false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a multiple")

	img, err := blockdev.CreateImage(fsys, "bounds.img", 2)
	require.NoError(t, err)
	buf := make([]byte, blockdev.BlockSize)
	require.Error(t, img.ReadBlocks(buf, 2))
	require.Error(t, img.ReadBlocks(buf[:10], 0))
	require.NoError(t, img.Close())
}
