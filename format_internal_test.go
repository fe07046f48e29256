package picofat

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/picofat/picofat/blockdev"
)

func TestPlanGeometryTiers(t *testing.T) {
	// Cluster size scales with device capacity.
	tests := []struct {
		blocks uint32
		want   uint16
	}{
		{131072, 8},    // 64 MiB
		{2097152, 8},   // 1 GiB
		{4194304, 16},  // 2 GiB
		{33554432, 32}, // 16 GiB
		{67108864, 64}, // 32 GiB
	}
	for _, tc := range tests {
		g, err := planGeometry(tc.blocks, FormatConfig{})
		require.NoError(t, err, "%d blocks", tc.blocks)
		require.Equal(t, tc.want, g.csize, "%d blocks", tc.blocks)
	}
}

func TestPlanGeometryFATSizing(t *testing.T) {
	g, err := planGeometry(131072, FormatConfig{})
	require.NoError(t, err)
	require.NotZero(t, g.serial)

	// The FAT must address every data cluster plus the two reserved entries.
	entriesPerSector := uint32(sectorSize / 4)
	require.GreaterOrEqual(t, g.fatsize*entriesPerSector, g.clusters+2)
	// The layout must fit in the volume.
	used := uint32(g.rsvd) + g.fatsize*uint32(g.nfats) + g.clusters*uint32(g.csize)
	require.LessOrEqual(t, used, g.volSize)
	// No more than one cluster of slack.
	require.Less(t, g.volSize-used, uint32(g.csize)+entriesPerSector)
}

func TestMountToleratesVariantFSTypeString(t *testing.T) {
	dev := blockdev.NewMemory(32768)
	var formatter Formatter
	require.NoError(t, formatter.Format(dev, dev.Size(), FormatConfig{Label: "SCRATCH"}))

	// The type string is informational; cards in the wild carry blank or
	// variant strings and must still mount.
	var sector [sectorSize]byte
	require.NoError(t, dev.ReadBlocks(sector[:], partitionStart))
	bpb := biosParamBlock{data: sector[:]}
	bpb.SetFilesystemType("        ")
	require.NoError(t, dev.WriteBlocks(sector[:], partitionStart))

	fsys := new(FS)
	require.NoError(t, fsys.Mount(dev, ModeRW))
	require.NoError(t, fsys.WriteFile("/note.txt", []byte("ok")))
	got, err := fsys.ReadFile("/note.txt")
	require.NoError(t, err)
	require.Equal(t, "ok", string(got))
}
