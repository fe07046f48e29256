package picofat

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/picofat/picofat/blockdev"
)

// mountFresh formats a memory device and mounts it read-write.
func mountFresh(t *testing.T) *FS {
	t.Helper()
	dev := blockdev.NewMemory(32768)
	var formatter Formatter
	require.NoError(t, formatter.Format(dev, dev.Size(), FormatConfig{Label: "SCRATCH"}))
	fsys := new(FS)
	require.NoError(t, fsys.Mount(dev, ModeRW))
	return fsys
}

func TestCleanupRemovesOrphanedEntries(t *testing.T) {
	fsys := mountFresh(t)
	require.NoError(t, fsys.WriteFile("/victim.bin", make([]byte, 9000)))
	require.NoError(t, fsys.WriteFile("/witness.txt", []byte("ok")))

	// Free the victim's chain behind the directory's back, leaving its entry
	// pointing at free clusters.
	var fi FileInfo
	found, err := fsys.lookup(fsys.rootclst, "victim.bin", &fi)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, fsys.freeChain(fi.cluster))

	report, err := fsys.CheckVolume()
	require.NoError(t, err)
	require.False(t, report.Clean())

	removed, err := fsys.Cleanup()
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	exists, err := fsys.Exists("/victim.bin")
	require.NoError(t, err)
	require.False(t, exists)

	got, err := fsys.ReadFile("/witness.txt")
	require.NoError(t, err)
	require.Equal(t, "ok", string(got))

	report, err = fsys.CheckVolume()
	require.NoError(t, err)
	require.True(t, report.Clean(), "problems: %v", report.Problems)
}

func TestCleanupCompactsDeletedEntries(t *testing.T) {
	fsys := mountFresh(t)
	// Fill the root directory past one sector, then delete most entries.
	// 20 files with long names occupy well over 16 raw slots.
	names := make([]string, 20)
	for i := range names {
		names[i] = "/compaction test file " + string(rune('a'+i)) + ".dat"
		require.NoError(t, fsys.WriteFile(names[i], []byte{byte(i)}))
	}
	for _, name := range names[:19] {
		require.NoError(t, fsys.Remove(name))
	}

	_, err := fsys.Cleanup()
	require.NoError(t, err)

	// The survivor is intact and the directory has no dead slots left.
	got, err := fsys.ReadFile(names[19])
	require.NoError(t, err)
	require.Equal(t, []byte{19}, got)

	dc := fsys.dirCursorAt(fsys.rootclst)
	for !dc.end {
		de, err := dc.entry()
		require.NoError(t, err)
		if de.isFree() {
			break
		}
		require.False(t, de.isDeleted(), "slot %d still marked deleted", dc.index)
		require.NoError(t, dc.advance(false))
	}

	report, err := fsys.CheckVolume()
	require.NoError(t, err)
	require.True(t, report.Clean(), "problems: %v", report.Problems)
}

func TestCleanupRefusedWithOpenFile(t *testing.T) {
	fsys := mountFresh(t)
	require.NoError(t, fsys.WriteFile("/open.txt", []byte("x")))
	var f File
	require.NoError(t, fsys.OpenFile(&f, "/open.txt", ModeRead))
	_, err := fsys.Cleanup()
	require.ErrorIs(t, err, ErrFileOpen)
	require.NoError(t, f.Close())
	_, err = fsys.Cleanup()
	require.NoError(t, err)
}

func TestLostClusterDetection(t *testing.T) {
	fsys := mountFresh(t)
	// Allocate a chain nothing references.
	clst, err := fsys.allocCluster(0)
	require.NoError(t, err)
	_, err = fsys.allocCluster(clst)
	require.NoError(t, err)

	report, err := fsys.CheckVolume()
	require.NoError(t, err)
	require.Equal(t, uint32(2), report.LostClusters)
	require.False(t, report.Clean())

	// Reattach by freeing; volume is clean again.
	require.NoError(t, fsys.freeChain(clst))
	report, err = fsys.CheckVolume()
	require.NoError(t, err)
	require.True(t, report.Clean(), "problems: %v", report.Problems)
}

func TestWriteThroughFATCache(t *testing.T) {
	fsys := mountFresh(t)
	clst, err := fsys.allocCluster(0)
	require.NoError(t, err)

	// The allocation must be on the device already, not only in the window.
	sect, idx := fsys.fatSector(clst)
	var raw [sectorSize]byte
	require.NoError(t, fsys.dev.ReadBlocks(raw[:], int64(sect)))
	fs32 := fat32Sector{data: raw[:]}
	require.True(t, fs32.Entry(idx).IsEOF())

	require.NoError(t, fsys.freeChain(clst))
	require.NoError(t, fsys.dev.ReadBlocks(raw[:], int64(sect)))
	require.True(t, fs32.Entry(idx).IsFree())
}

func TestCleanupExactlyFullDirectory(t *testing.T) {
	dev := blockdev.NewMemory(32768)
	var formatter Formatter
	require.NoError(t, formatter.Format(dev, dev.Size(), FormatConfig{Label: "SCRATCH", ClusterSize: 1}))
	fsys := new(FS)
	require.NoError(t, fsys.Mount(dev, ModeRW))

	// 16 short-name entries fill the root's single 512-byte cluster with no
	// end-of-directory slot left over.
	for i := 0; i < 16; i++ {
		require.NoError(t, fsys.WriteFile(fmt.Sprintf("/F%02d.TXT", i), nil))
	}
	report, err := fsys.CheckVolume()
	require.NoError(t, err)
	require.True(t, report.Clean(), "problems: %v", report.Problems)

	removed, err := fsys.Cleanup()
	require.NoError(t, err)
	require.Zero(t, removed)

	entries, err := fsys.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 16)

	report, err = fsys.CheckVolume()
	require.NoError(t, err)
	require.True(t, report.Clean(), "problems: %v", report.Problems)
}
