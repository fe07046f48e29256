package picofat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDatetimeRoundTrip(t *testing.T) {
	for _, want := range []time.Time{
		time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.May, 12, 13, 45, 30, 0, time.UTC),
		time.Date(2024, time.May, 12, 13, 45, 31, 0, time.UTC), // odd second
		time.Date(2099, time.December, 31, 23, 59, 58, 0, time.UTC),
	} {
		got := newDatetime(want).Time()
		require.True(t, got.Equal(want), "want %v, got %v", want, got)
	}
}

func TestBiosParamBlockAccessors(t *testing.T) {
	buf := make([]byte, sectorSize)
	bpb := biosParamBlock{data: buf}
	bpb.SetSectorSize(512)
	bpb.SetSectorsPerCluster(8)
	bpb.SetReservedSectors(32)
	bpb.SetNumberOfFATs(2)
	bpb.SetTotalSectors(262144)
	bpb.SetSectorsPerFAT(256)
	bpb.SetRootCluster(2)
	bpb.SetFSInfo(1)
	bpb.SetBackupBootSector(6)
	bpb.SetVolumeSerialNumber(0xDEADBEEF)
	bpb.SetVolumeLabel("PICO_SD")
	bpb.SetFilesystemType("FAT32")
	bpb.SetBootSignature(0xAA55)

	require.Equal(t, uint16(512), bpb.SectorSize())
	require.Equal(t, uint16(8), bpb.SectorsPerCluster())
	require.Equal(t, uint16(32), bpb.ReservedSectors())
	require.Equal(t, uint8(2), bpb.NumberOfFATs())
	require.Equal(t, uint32(262144), bpb.TotalSectors())
	require.Equal(t, uint32(256), bpb.SectorsPerFAT())
	require.Equal(t, uint32(2), bpb.RootCluster())
	require.Equal(t, uint16(1), bpb.FSInfo())
	require.Equal(t, uint16(6), bpb.BackupBootSector())
	require.Equal(t, uint32(0xDEADBEEF), bpb.VolumeSerialNumber())
	require.Equal(t, uint16(0xAA55), bpb.BootSignature())

	label := bpb.VolumeLabel()
	require.Equal(t, "PICO_SD", string(clipname(label[:])))
	fstype := bpb.FilesystemType()
	require.Equal(t, "FAT32", string(clipname(fstype[:])))
}

func TestFat32SectorEntryTopNibble(t *testing.T) {
	buf := make([]byte, sectorSize)
	fs := fat32Sector{data: buf}
	// The top nibble of an entry is reserved and must survive writes.
	buf[4*3+3] = 0xF0
	fs.SetEntry(3, 0x0ABCDEF0)
	require.Equal(t, entry(0x0ABCDEF0), fs.Entry(3)&mask28bits)
	require.Equal(t, byte(0xF0)&0xF0, buf[4*3+3]&0xF0)
}

func TestEntryClassification(t *testing.T) {
	require.True(t, entry(0).IsFree())
	require.False(t, entry(0).IsEOF())
	require.True(t, entry(0x0FFFFFF8).IsEOF())
	require.True(t, entry(0x0FFFFFFF).IsEOF())
	require.True(t, entry(0xFFFFFFFF).IsEOF()) // top nibble masked on read
	require.True(t, entry(0x0FFFFFF7).IsBad())
	require.False(t, entry(0x00000003).IsEOF())
	require.False(t, entry(0x00000003).IsFree())
}

func TestDirEntryDeletedEscape(t *testing.T) {
	buf := make([]byte, sizeDirEntry)
	de := dirEntry{data: buf}
	var name [11]byte
	copy(name[:], "\xE5NAME   TXT")
	de.setRaw11(name)
	require.Equal(t, byte(0x05), buf[0], "0xE5 first byte must be escaped on disk")
	require.Equal(t, name, de.shortname())
	require.False(t, de.isDeleted())
	de.markDeleted()
	require.True(t, de.isDeleted())
	require.True(t, de.isUsable())
}

func TestShortNameChecksumSpread(t *testing.T) {
	a := shortNameChecksum([]byte("HELLO   TXT"))
	b := shortNameChecksum([]byte("HELLO   TX "))
	c := shortNameChecksum([]byte("HELLO2  TXT"))
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
	// Stable across calls.
	require.Equal(t, a, shortNameChecksum([]byte("HELLO   TXT")))
}

func TestLongFilenameEntryRoundTrip(t *testing.T) {
	buf := make([]byte, sizeDirEntry)
	lfnt := longFilenameEntry{data: buf}
	chars := []uint16{'h', 'e', 'l', 'l', 'o'}
	lfnt.Compose(1, true, 0x42, chars)

	require.True(t, lfnt.Sequence().IsLast())
	require.Equal(t, uint8(1), lfnt.Sequence().SequenceNumber())
	require.Equal(t, byte(0x42), lfnt.Checksum())
	require.True(t, fileattr(buf[ldirAttrOff]).IsLFN())

	var got [lfnCharsPerEntry]uint16
	lfnt.ReadChars(&got)
	for i, c := range chars {
		require.Equal(t, c, got[i])
	}
	require.Equal(t, uint16(0x0000), got[len(chars)], "terminator after the name")
	require.Equal(t, uint16(0xFFFF), got[len(chars)+1], "padding after the terminator")
}

func TestToShortName(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		lossy bool
	}{
		{"hello.txt", "HELLO   TXT", false},
		{"HELLO.TXT", "HELLO   TXT", false},
		{"readme", "README     ", false},
		{"archive.tar.gz", "ARCHIVETAGZ", true},
		{"verylongname.json", "VERYLONGJSO", true},
		{"café.txt", "CAF_    TXT", true},
		{"a b.txt", "AB      TXT", true},
	}
	for _, tc := range tests {
		raw, lossy := toShortName(tc.name)
		require.Equal(t, tc.raw, string(raw[:]), "short name of %q", tc.name)
		require.Equal(t, tc.lossy, lossy, "lossy flag of %q", tc.name)
	}
}

func TestApplyNumericTail(t *testing.T) {
	raw, _ := toShortName("verylongname.json")
	tailed := applyNumericTail(raw, 1)
	require.Equal(t, "VERYLO~1JSO", string(tailed[:]))
	tailed = applyNumericTail(raw, 123)
	require.Equal(t, "VERY~123JSO", string(tailed[:]))

	raw, _ = toShortName("ab.txt")
	tailed = applyNumericTail(raw, 2)
	require.Equal(t, "AB~2    TXT", string(tailed[:]))
}

func TestRenderShortName(t *testing.T) {
	require.Equal(t, "HELLO.TXT", renderShortName([11]byte{'H', 'E', 'L', 'L', 'O', ' ', ' ', ' ', 'T', 'X', 'T'}))
	require.Equal(t, "README", renderShortName([11]byte{'R', 'E', 'A', 'D', 'M', 'E', ' ', ' ', ' ', ' ', ' '}))
}

func TestValidLongName(t *testing.T) {
	require.NoError(t, validLongName("hello world.txt"))
	require.ErrorIs(t, validLongName(""), ErrInvalidName)
	require.ErrorIs(t, validLongName("."), ErrInvalidName)
	require.ErrorIs(t, validLongName(".."), ErrInvalidName)
	require.ErrorIs(t, validLongName("bad:name"), ErrInvalidName)
	require.ErrorIs(t, validLongName("trailing."), ErrInvalidName)
	require.ErrorIs(t, validLongName("trailing "), ErrInvalidName)
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	require.ErrorIs(t, validLongName(string(long)), ErrNameTooLong)
}

func TestFSInfoSignatures(t *testing.T) {
	buf := make([]byte, sectorSize)
	fsi := fsinfoSector{data: buf}
	require.False(t, fsi.validSignatures())
	fsi.SetSignatures(fsiLeadSigValue, fsiStrucSigValue, fsiTrailSigValue)
	require.True(t, fsi.validSignatures())
	fsi.SetFreeClusterCount(1234)
	fsi.SetLastAllocatedCluster(56)
	require.Equal(t, uint32(1234), fsi.FreeClusterCount())
	require.Equal(t, uint32(56), fsi.LastAllocatedCluster())
}

func FuzzToShortName(f *testing.F) {
	f.Add("hello.txt")
	f.Add("VeryLongFileName.json")
	f.Add("a b+c.tar.gz")
	f.Add("ñandú.dat")
	f.Add("...")
	f.Fuzz(func(t *testing.T, name string) {
		if validLongName(name) != nil {
			t.Skip()
		}
		raw, lossy := toShortName(name)
		again, lossyAgain := toShortName(name)
		if raw != again || lossy != lossyAgain {
			t.Fatalf("conversion of %q is not deterministic", name)
		}
		if raw[0] == ' ' {
			t.Fatalf("conversion of %q starts with a blank", name)
		}
		for i, b := range raw {
			switch {
			case b == ' ':
			case b < 0x21 || b > 0x7E:
				t.Fatalf("byte %d of conversion of %q is %#x", i, name, b)
			case b >= 'a' && b <= 'z':
				t.Fatalf("lowercase byte %d in conversion of %q", i, name)
			case strings.ContainsRune(shortNameInvalid, rune(b)) || strings.ContainsRune(invalidNameChars, rune(b)):
				t.Fatalf("forbidden byte %q in conversion of %q", b, name)
			}
		}
	})
}
