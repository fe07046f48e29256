package picofat

import (
	"encoding/binary"
	"strconv"
	"time"
)

// On-disk layout offsets. All multi-byte fields are little endian.
const (
	sectorSize       = 512
	sizeDirEntry     = 32
	entriesPerSector = sectorSize / sizeDirEntry
)

// Boot sector and BIOS parameter block offsets.
const (
	bsJmpBoot      = 0
	bsOEMName      = 3
	bpbBytsPerSec  = 11
	bpbSecPerClus  = 13
	bpbRsvdSecCnt  = 14
	bpbNumFATs     = 16
	bpbRootEntCnt  = 17
	bpbTotSec16    = 19
	bpbMedia       = 21
	bpbFATSz16     = 22
	bpbSecPerTrk   = 24
	bpbNumHeads    = 26
	bpbHiddSec     = 28
	bpbTotSec32    = 32
	bpbFATSz32     = 36
	bpbExtFlags32  = 40
	bpbFSVer32     = 42
	bpbRootClus32  = 44
	bpbFSInfo32    = 48
	bpbBkBootSec32 = 50
	bsDrvNum32     = 64
	bsBootSig32    = 66
	bsVolID32      = 67
	bsVolLab32     = 71
	bsFilSysType32 = 82
	bsBootCode32   = 90
	bs55AA         = 510
)

// FSInfo sector offsets and signatures.
const (
	fsiLeadSig   = 0
	fsiStrucSig  = 0x1e4
	fsiFreeCount = 0x1e8
	fsiNxtFree   = 0x1ec
	fsiTrailSig  = 0x1fc

	fsiLeadSigValue  = 0x41615252
	fsiStrucSigValue = 0x61417272
	fsiTrailSigValue = 0xAA550000
)

// Directory entry offsets.
const (
	dirNameOff       = 0
	dirAttrOff       = 11
	dirNTResOff      = 12
	dirCrtTime10Off  = 13
	dirCrtTimeOff    = 14
	dirLstAccDateOff = 18
	dirFstClusHIOff  = 20
	dirModTimeOff    = 22
	dirFstClusLOOff  = 26
	dirFileSizeOff   = 28

	deletedEntryByte = 0xE5
)

// Long file name entry offsets.
const (
	ldirOrdOff       = 0
	ldirAttrOff      = 11
	ldirTypeOff      = 12
	ldirChksumOff    = 13
	ldirFstClusLOOff = 26

	lfnLastMask      = 0x40
	lfnCharsPerEntry = 13
	maxLFN           = 255
	maxLFNEntries    = (maxLFN + lfnCharsPerEntry - 1) / lfnCharsPerEntry
)

// FAT32 cluster entry values. Only the low 28 bits of an entry address a
// cluster; the top 4 bits are reserved and must be preserved on write.
const (
	mask28bits = 0x0FFF_FFFF

	clustFree        = 0
	clustFirst       = 2
	clustReservedMin = 0x0FFF_FFF0
	clustBad         = 0x0FFF_FFF7
	clustEOFMin      = 0x0FFF_FFF8
	clustEOF         = 0x0FFF_FFFF

	maxClustersFAT32 = 0x0FFF_FFF5
)

// biosParamBlock a.k.a BPB is the BIOS Parameter Block for FAT32 volumes.
// It provides details on sectors per cluster, total sectors, FAT size,
// and more, which are essential for understanding the filesystem layout
// and capacity.
type biosParamBlock struct {
	data []byte
}

// fsinfoSector is the FS Information Sector for FAT32 volumes.
type fsinfoSector struct {
	data []byte
}

// fat32Sector is one sector's worth of File Allocation Table entries.
type fat32Sector struct {
	data []byte
}

type entry uint32

// dirEntry is a single 32-byte directory entry.
type dirEntry struct {
	data []byte
}

// longFilenameEntry is a directory entry carrying 13 UTF-16 units of a
// long file name.
type longFilenameEntry struct {
	data []byte
}

type datetime struct {
	time uint16
	date uint16
	fine uint8
}

func newDatetime(t time.Time) datetime {
	hour, min, sec := t.Clock()
	return datetime{
		time: uint16(hour<<11 | min<<5 | sec/2),
		date: uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day()),
		fine: uint8(t.Nanosecond()/10e6) + 100*uint8(sec%2),
	}
}

func (dt datetime) Milliseconds() int {
	if dt.fine > 100 {
		return 10 * int(dt.fine-100)
	}
	return 10 * int(dt.fine)
}

func (dt datetime) Date() (year int, month time.Month, day int) {
	yearSince1980 := int(dt.date >> 9)
	month = time.Month((dt.date >> 5) & 0xf)
	day = int(dt.date & 0x1f)
	return 1980 + yearSince1980, month, day
}

func (dt datetime) Clock() (hour, min, sec int) {
	hour = int(dt.time >> 11)
	min = int((dt.time >> 5) & 0x3f)
	sec = 2 * int(dt.time&0x1f)
	if dt.fine > 100 {
		sec += 1
	}
	return hour, min, sec
}

func (dt datetime) Time() time.Time {
	// https://www.win.tue.nl/~aeb/linux/fs/fat/fat-1.html
	hour, min, sec := dt.Clock()
	year, month, day := dt.Date()
	return time.Date(year, month, day, hour, min, sec, 1e6*dt.Milliseconds(), time.UTC)
}

// SectorSize returns the size of a sector in bytes.
func (bs *biosParamBlock) SectorSize() uint16 {
	return binary.LittleEndian.Uint16(bs.data[bpbBytsPerSec:])
}

// SetSectorSize sets the size of a sector in bytes.
func (bs *biosParamBlock) SetSectorSize(size uint16) {
	binary.LittleEndian.PutUint16(bs.data[bpbBytsPerSec:], size)
}

// SectorsPerFAT returns the number of sectors per File Allocation Table.
func (bs *biosParamBlock) SectorsPerFAT() uint32 {
	fatsz := uint32(binary.LittleEndian.Uint16(bs.data[bpbFATSz16:]))
	if fatsz == 0 {
		fatsz = binary.LittleEndian.Uint32(bs.data[bpbFATSz32:])
	}
	return fatsz
}

// SetSectorsPerFAT sets the number of sectors per File Allocation Table.
func (bs *biosParamBlock) SetSectorsPerFAT(fatsz uint32) {
	binary.LittleEndian.PutUint16(bs.data[bpbFATSz16:], 0)
	binary.LittleEndian.PutUint32(bs.data[bpbFATSz32:], fatsz)
}

// NumberOfFATs returns the number of File Allocation Tables. Should be 1 or 2.
func (bs *biosParamBlock) NumberOfFATs() uint8 {
	return bs.data[bpbNumFATs]
}

// SetNumberOfFATs sets the number of FATs.
func (bs *biosParamBlock) SetNumberOfFATs(nfats uint8) {
	bs.data[bpbNumFATs] = nfats
}

// SectorsPerCluster returns the number of sectors per cluster.
// Should be a power of 2 and not larger than 128.
func (bs *biosParamBlock) SectorsPerCluster() uint16 {
	return uint16(bs.data[bpbSecPerClus])
}

// SetSectorsPerCluster sets the number of sectors per cluster. Should be power of 2.
func (bs *biosParamBlock) SetSectorsPerCluster(spclus uint16) {
	bs.data[bpbSecPerClus] = byte(spclus)
}

// ReservedSectors returns the number of reserved sectors at the beginning of
// the volume. Reserved sectors include the boot sector, FS information sector
// and their backups. The count is usually 32 for FAT32 volumes. Sectors 6 and
// 7 are usually the backup boot sector and backup FS information sector.
func (bs *biosParamBlock) ReservedSectors() uint16 {
	return binary.LittleEndian.Uint16(bs.data[bpbRsvdSecCnt:])
}

// SetReservedSectors sets the number of reserved sectors at the beginning of the volume.
func (bs *biosParamBlock) SetReservedSectors(rsvd uint16) {
	binary.LittleEndian.PutUint16(bs.data[bpbRsvdSecCnt:], rsvd)
}

// TotalSectors returns the total number of sectors in the volume that
// can be used by the filesystem.
func (bs *biosParamBlock) TotalSectors() uint32 {
	totsec := uint32(binary.LittleEndian.Uint16(bs.data[bpbTotSec16:]))
	if totsec == 0 {
		totsec = binary.LittleEndian.Uint32(bs.data[bpbTotSec32:])
	}
	return totsec
}

// SetTotalSectors sets the total number of sectors in the volume that
// can be used by the filesystem.
func (bs *biosParamBlock) SetTotalSectors(totsec uint32) {
	binary.LittleEndian.PutUint16(bs.data[bpbTotSec16:], 0)
	binary.LittleEndian.PutUint32(bs.data[bpbTotSec32:], totsec)
}

// RootDirEntries returns the number of root directory entries.
// Must be 0 for FAT32.
func (bs *biosParamBlock) RootDirEntries() uint16 {
	return binary.LittleEndian.Uint16(bs.data[bpbRootEntCnt:])
}

// SetRootDirEntries sets the number of root directory entries.
func (bs *biosParamBlock) SetRootDirEntries(entries uint16) {
	binary.LittleEndian.PutUint16(bs.data[bpbRootEntCnt:], entries)
}

// RootCluster returns the first cluster of the root directory.
func (bs *biosParamBlock) RootCluster() uint32 {
	return binary.LittleEndian.Uint32(bs.data[bpbRootClus32:])
}

// SetRootCluster sets the first cluster of the root directory.
func (bs *biosParamBlock) SetRootCluster(cluster uint32) {
	binary.LittleEndian.PutUint32(bs.data[bpbRootClus32:], cluster)
}

// Version returns the filesystem version, should be 0.0 for FAT32.
func (bs *biosParamBlock) Version() (major, minor uint8) {
	return bs.data[bpbFSVer32], bs.data[bpbFSVer32+1]
}

func (bs *biosParamBlock) ExtendedBootSignature() uint8 {
	return bs.data[bsBootSig32]
}

func (bs *biosParamBlock) SetExtendedBootSignature(sig uint8) {
	bs.data[bsBootSig32] = sig
}

// BootSignature returns the boot signature at offset 510 which should be 0xAA55.
func (bs *biosParamBlock) BootSignature() uint16 {
	return binary.LittleEndian.Uint16(bs.data[bs55AA:])
}

func (bs *biosParamBlock) SetBootSignature(sig uint16) {
	binary.LittleEndian.PutUint16(bs.data[bs55AA:], sig)
}

// FSInfo returns the sector number of the FS Information Sector.
// Expect =1 for FAT32.
func (bs *biosParamBlock) FSInfo() uint16 {
	return binary.LittleEndian.Uint16(bs.data[bpbFSInfo32:])
}

func (bs *biosParamBlock) SetFSInfo(sector uint16) {
	binary.LittleEndian.PutUint16(bs.data[bpbFSInfo32:], sector)
}

// BackupBootSector returns the sector number of the backup boot sector, usually 6.
func (bs *biosParamBlock) BackupBootSector() uint16 {
	return binary.LittleEndian.Uint16(bs.data[bpbBkBootSec32:])
}

func (bs *biosParamBlock) SetBackupBootSector(sector uint16) {
	binary.LittleEndian.PutUint16(bs.data[bpbBkBootSec32:], sector)
}

// DriveNumber returns the drive number.
func (bs *biosParamBlock) DriveNumber() uint8 {
	return bs.data[bsDrvNum32]
}

func (bs *biosParamBlock) SetDriveNumber(num uint8) {
	bs.data[bsDrvNum32] = num
}

func (bs *biosParamBlock) Media() uint8 {
	return bs.data[bpbMedia]
}

func (bs *biosParamBlock) SetMedia(media uint8) {
	bs.data[bpbMedia] = media
}

// VolumeSerialNumber returns the volume serial number.
func (bs *biosParamBlock) VolumeSerialNumber() uint32 {
	return binary.LittleEndian.Uint32(bs.data[bsVolID32:])
}

func (bs *biosParamBlock) SetVolumeSerialNumber(serial uint32) {
	binary.LittleEndian.PutUint32(bs.data[bsVolID32:], serial)
}

// VolumeLabel returns the volume label string.
func (bs *biosParamBlock) VolumeLabel() [11]byte {
	var label [11]byte
	copy(label[:], bs.data[bsVolLab32:])
	return label
}

func (bs *biosParamBlock) SetVolumeLabel(label string) {
	n := copy(bs.data[bsVolLab32:bsVolLab32+11], label)
	for i := n; i < 11; i++ {
		bs.data[bsVolLab32+i] = ' '
	}
}

// FilesystemType returns the filesystem type string, usually "FAT32   ".
func (bs *biosParamBlock) FilesystemType() [8]byte {
	var label [8]byte
	copy(label[:], bs.data[bsFilSysType32:])
	return label
}

func (bs *biosParamBlock) SetFilesystemType(fstype string) {
	n := copy(bs.data[bsFilSysType32:bsFilSysType32+8], fstype)
	for i := n; i < 8; i++ {
		bs.data[bsFilSysType32+i] = ' '
	}
}

// JumpInstruction returns the x86 jump instruction at the beginning of the boot sector.
func (bs *biosParamBlock) JumpInstruction() [3]byte {
	var jmpboot [3]byte
	copy(jmpboot[:], bs.data[0:])
	return jmpboot
}

func (bs *biosParamBlock) SetJumpInstruction(jmpboot [3]byte) {
	copy(bs.data[bsJmpBoot:], jmpboot[:])
}

// OEMName returns the Original Equipment Manufacturer name at the start of the bootsector.
func (bs *biosParamBlock) OEMName() [8]byte {
	var oemname [8]byte
	copy(oemname[:], bs.data[bsOEMName:])
	return oemname
}

// SetOEMName sets the Original Equipment Manufacturer name at the start of the bootsector.
// Will clip off any characters beyond the 8th.
func (bs *biosParamBlock) SetOEMName(name string) {
	n := copy(bs.data[bsOEMName:bsOEMName+8], name)
	for i := n; i < 8; i++ {
		bs.data[bsOEMName+i] = ' '
	}
}

// HiddenSectors returns the number of sectors preceding the volume on the medium.
func (bs *biosParamBlock) HiddenSectors() uint32 {
	return binary.LittleEndian.Uint32(bs.data[bpbHiddSec:])
}

func (bs *biosParamBlock) SetHiddenSectors(sectors uint32) {
	binary.LittleEndian.PutUint32(bs.data[bpbHiddSec:], sectors)
}

func (bs *biosParamBlock) String() string {
	return string(bs.Appendf(nil, '\n'))
}

func labelAppend(dst []byte, label string, data []byte, sep byte) []byte {
	if len(data) == 0 {
		return dst
	}
	dst = append(dst, label...)
	dst = append(dst, ':')
	dst = append(dst, data...)
	dst = append(dst, sep)
	return dst
}

func labelAppendUint(label string, dst []byte, data uint64, sep byte) []byte {
	dst = append(dst, label...)
	dst = append(dst, ':')
	dst = strconv.AppendUint(dst, data, 10)
	dst = append(dst, sep)
	return dst
}

func labelAppendUint32(label string, dst []byte, data uint32, sep byte) []byte {
	return labelAppendUint(label, dst, uint64(data), sep)
}

func (bs *biosParamBlock) Appendf(dst []byte, separator byte) []byte {
	appendData := func(name string, data []byte, sep byte) {
		dst = labelAppend(dst, name, data, sep)
	}
	appendInt := func(name string, data uint32, sep byte) {
		dst = labelAppendUint32(name, dst, data, sep)
	}
	oem := bs.OEMName()
	appendData("OEM", clipname(oem[:]), separator)
	fstype := bs.FilesystemType()
	appendData("FSType", clipname(fstype[:]), separator)
	volLabel := bs.VolumeLabel()
	appendData("VolumeLabel", clipname(volLabel[:]), separator)
	appendInt("VolumeSerialNumber", bs.VolumeSerialNumber(), separator)
	appendInt("HiddenSectors", bs.HiddenSectors(), separator)
	appendInt("SectorSize", uint32(bs.SectorSize()), separator)
	appendInt("SectorsPerCluster", uint32(bs.SectorsPerCluster()), separator)
	appendInt("ReservedSectors", uint32(bs.ReservedSectors()), separator)
	appendInt("NumberOfFATs", uint32(bs.NumberOfFATs()), separator)
	appendInt("TotalSectors", bs.TotalSectors(), separator)
	appendInt("SectorsPerFAT", bs.SectorsPerFAT(), separator)
	appendInt("RootCluster", bs.RootCluster(), separator)
	appendInt("FSInfo", uint32(bs.FSInfo()), separator)
	appendInt("DriveNumber", uint32(bs.DriveNumber()), separator)
	major, minor := bs.Version()
	if major != 0 || minor != 0 {
		appendInt("Version", uint32(major)<<16|uint32(minor), separator)
	}
	return dst
}

// bootcode returns the boot code region at the end of the boot sector.
func (bs *biosParamBlock) bootcode() []byte {
	return bs.data[bsBootCode32:bs55AA]
}

// Signatures returns the 3 signatures at the beginning, middle and end of the sector.
// Expect them to be 0x41615252, 0x61417272, 0xAA550000 respectively.
func (fsi *fsinfoSector) Signatures() (sigStart, sigMid, sigEnd uint32) {
	return binary.LittleEndian.Uint32(fsi.data[fsiLeadSig:]),
		binary.LittleEndian.Uint32(fsi.data[fsiStrucSig:]),
		binary.LittleEndian.Uint32(fsi.data[fsiTrailSig:])
}

// SetSignatures sets the 3 signatures at the beginning, middle and end of the sector.
// Should be called as follows to set valid signatures expected by most implementations:
//
//	fsi.SetSignatures(0x41615252, 0x61417272, 0xAA550000)
func (fsi *fsinfoSector) SetSignatures(sigStart, sigMid, sigEnd uint32) {
	binary.LittleEndian.PutUint32(fsi.data[fsiLeadSig:], sigStart)
	binary.LittleEndian.PutUint32(fsi.data[fsiStrucSig:], sigMid)
	binary.LittleEndian.PutUint32(fsi.data[fsiTrailSig:], sigEnd)
}

func (fsi *fsinfoSector) validSignatures() bool {
	lo, mid, hi := fsi.Signatures()
	return lo == fsiLeadSigValue && mid == fsiStrucSigValue && hi == fsiTrailSigValue
}

// FreeClusterCount is the last known number of free data clusters on the
// volume, or 0xFFFFFFFF if unknown. Must not be absolutely relied upon to be
// correct; sanity check it against the volume's count of clusters before use.
func (fsi *fsinfoSector) FreeClusterCount() uint32 {
	return binary.LittleEndian.Uint32(fsi.data[fsiFreeCount:])
}

// SetFreeClusterCount sets the last known number of free data clusters on the volume.
func (fsi *fsinfoSector) SetFreeClusterCount(count uint32) {
	binary.LittleEndian.PutUint32(fsi.data[fsiFreeCount:], count)
}

// LastAllocatedCluster is the number of the most recently known to be
// allocated data cluster, or 0xFFFFFFFF if unknown, in which case allocation
// should start the search at cluster 2.
func (fsi *fsinfoSector) LastAllocatedCluster() uint32 {
	return binary.LittleEndian.Uint32(fsi.data[fsiNxtFree:])
}

// SetLastAllocatedCluster sets the number of the most recently allocated data cluster.
func (fsi *fsinfoSector) SetLastAllocatedCluster(cluster uint32) {
	binary.LittleEndian.PutUint32(fsi.data[fsiNxtFree:], cluster)
}

func (fsi *fsinfoSector) String() string {
	return string(fsi.Appendf(nil, '\n'))
}

func (fsi *fsinfoSector) Appendf(dst []byte, separator byte) []byte {
	if !fsi.validSignatures() {
		dst = append(dst, "invalid fsi signatures"...)
		dst = append(dst, separator)
	}
	dst = labelAppendUint32("FreeClusterCount", dst, fsi.FreeClusterCount(), separator)
	dst = labelAppendUint32("LastAllocatedCluster", dst, fsi.LastAllocatedCluster(), separator)
	return dst
}

func (fs *fat32Sector) Entry(idx int) entry {
	return entry(binary.LittleEndian.Uint32(fs.data[idx*4:]))
}

// SetEntry overwrites the low 28 bits of the idx'th entry in the sector,
// preserving the reserved top 4 bits.
func (fs *fat32Sector) SetEntry(idx int, ent entry) {
	prev := binary.LittleEndian.Uint32(fs.data[idx*4:])
	binary.LittleEndian.PutUint32(fs.data[idx*4:], uint32(ent)&mask28bits|prev&^mask28bits)
}

func (e entry) Cluster() uint32 {
	return uint32(e) & mask28bits
}

func (e entry) IsEOF() bool {
	return e&mask28bits >= clustEOFMin
}

func (e entry) IsFree() bool {
	return e&mask28bits == clustFree
}

func (e entry) IsBad() bool {
	return e&mask28bits == clustBad
}

func (e entry) Appendf(dst []byte, separator byte) []byte {
	if e.IsEOF() {
		dst = labelAppendUint32("entry", dst, e.Cluster(), ' ')
		return append(dst, "EOF"...)
	}
	return labelAppendUint32("entry", dst, e.Cluster(), separator)
}

type fileattr byte

const (
	attrReadOnly  fileattr = 1 << 0
	attrHidden    fileattr = 1 << 1
	attrSystem    fileattr = 1 << 2
	attrVolumeID  fileattr = 1 << 3
	attrDirectory fileattr = 1 << 4
	attrArchive   fileattr = 1 << 5

	attrLFN fileattr = attrReadOnly | attrHidden | attrSystem | attrVolumeID
)

// IsLFN indicates that the entry is a Long File Name entry.
func (attr fileattr) IsLFN() bool { return attr&attrLFN == attrLFN }

// IsReadonly indicates that the file is read-only and must not be written to.
func (attr fileattr) IsReadonly() bool { return attr&attrReadOnly != 0 }

// IsHidden indicates that the file should not be shown in directory listings.
func (attr fileattr) IsHidden() bool { return attr&attrHidden != 0 }

// IsSystem indicates that the file belongs to the system and must not be physically moved.
func (attr fileattr) IsSystem() bool { return attr&attrSystem != 0 }

// IsVolumeLabel indicates an optional volume label entry, normally only residing in a volume's root directory.
func (attr fileattr) IsVolumeLabel() bool { return !attr.IsLFN() && attr&attrVolumeID != 0 }

// IsSubdirectory indicates that the cluster chain associated with this entry
// gets interpreted as a subdirectory instead of as a file. Subdirectories have
// a filesize entry of zero.
func (attr fileattr) IsSubdirectory() bool { return attr&attrDirectory != 0 }

// IsArchive returns the bit used to indicate whether or not the file has been
// backed up (archived). See https://en.wikipedia.org/wiki/Archive_bit
func (attr fileattr) IsArchive() bool { return attr&attrArchive != 0 }

// isFree checks if the entry is available and no subsequent entry is in use.
func (de *dirEntry) isFree() bool {
	return de.data[dirNameOff] == 0x00
}

func (de *dirEntry) isDeleted() bool {
	return de.data[dirNameOff] == deletedEntryByte
}

func (de *dirEntry) isDotEntry() bool {
	return de.data[dirNameOff] == '.'
}

// isUsable reports whether the slot can hold a new entry.
func (de *dirEntry) isUsable() bool {
	return de.isFree() || de.isDeleted()
}

// raw11 returns the 8.3 name exactly as stored, including the 0x05 escape.
func (de *dirEntry) raw11() (name [11]byte) {
	copy(name[:], de.data[dirNameOff:dirNameOff+11])
	return name
}

// shortname returns the stored 8.3 name with the 0x05 first byte escape
// mapped back to 0xE5.
func (de *dirEntry) shortname() (name [11]byte) {
	name = de.raw11()
	if name[0] == 0x05 {
		name[0] = deletedEntryByte
	}
	return name
}

func (de *dirEntry) setRaw11(name [11]byte) {
	if name[0] == deletedEntryByte {
		name[0] = 0x05
	}
	copy(de.data[dirNameOff:], name[:])
}

func (de *dirEntry) attributes() fileattr {
	return fileattr(de.data[dirAttrOff])
}

func (de *dirEntry) setAttributes(attr fileattr) {
	de.data[dirAttrOff] = byte(attr)
}

func (de *dirEntry) createdAt() datetime {
	return datetime{
		time: binary.LittleEndian.Uint16(de.data[dirCrtTimeOff:]),
		date: binary.LittleEndian.Uint16(de.data[dirCrtTimeOff+2:]),
		fine: de.data[dirCrtTime10Off],
	}
}

func (de *dirEntry) setCreatedAt(dt datetime) {
	binary.LittleEndian.PutUint16(de.data[dirCrtTimeOff:], dt.time)
	binary.LittleEndian.PutUint16(de.data[dirCrtTimeOff+2:], dt.date)
	de.data[dirCrtTime10Off] = dt.fine
}

func (de *dirEntry) accessedAt() datetime {
	return datetime{
		date: binary.LittleEndian.Uint16(de.data[dirLstAccDateOff:]),
	}
}

func (de *dirEntry) modifiedAt() datetime {
	return datetime{
		time: binary.LittleEndian.Uint16(de.data[dirModTimeOff:]),
		date: binary.LittleEndian.Uint16(de.data[dirModTimeOff+2:]),
	}
}

func (de *dirEntry) setModifiedAt(dt datetime) {
	binary.LittleEndian.PutUint16(de.data[dirModTimeOff:], dt.time)
	binary.LittleEndian.PutUint16(de.data[dirModTimeOff+2:], dt.date)
	binary.LittleEndian.PutUint16(de.data[dirLstAccDateOff:], dt.date)
}

func (de *dirEntry) cluster() uint32 {
	return uint32(binary.LittleEndian.Uint16(de.data[dirFstClusHIOff:]))<<16 |
		uint32(binary.LittleEndian.Uint16(de.data[dirFstClusLOOff:]))
}

func (de *dirEntry) setCluster(clst uint32) {
	binary.LittleEndian.PutUint16(de.data[dirFstClusHIOff:], uint16(clst>>16))
	binary.LittleEndian.PutUint16(de.data[dirFstClusLOOff:], uint16(clst))
}

func (de *dirEntry) size() uint32 {
	return binary.LittleEndian.Uint32(de.data[dirFileSizeOff:])
}

func (de *dirEntry) setSize(size uint32) {
	binary.LittleEndian.PutUint32(de.data[dirFileSizeOff:], size)
}

func (de *dirEntry) markDeleted() {
	de.data[dirNameOff] = deletedEntryByte
}

func (de *dirEntry) clear() {
	for i := range de.data[:sizeDirEntry] {
		de.data[i] = 0
	}
}

// shortNameChecksum computes the one byte checksum over an 8.3 name that ties
// a long file name sequence to its short entry.
func shortNameChecksum(name11 []byte) (sum byte) {
	for _, c := range name11[:11] {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	return sum
}

type lfnSeq byte

func (lsq lfnSeq) IsDeleted() bool {
	return lsq == deletedEntryByte
}

// SequenceNumber returns the sequence number of this LFN entry (1..20).
// The entry holding the tail of the filename comes first on disk and has the
// highest sequence number. The entry holding the start of the filename has
// sequence number 1.
func (lsq lfnSeq) SequenceNumber() uint8 {
	return uint8(lsq & 0x1F)
}

// IsLast returns true if this entry starts a sequence, i.e. it holds the tail
// of the filename.
func (lsq lfnSeq) IsLast() bool { return lsq&lfnLastMask != 0 }

func (lfnt *longFilenameEntry) Sequence() lfnSeq {
	return lfnSeq(lfnt.data[ldirOrdOff])
}

func (lfnt *longFilenameEntry) Checksum() byte {
	return lfnt.data[ldirChksumOff]
}

// lfnCharOffsets are the byte offsets of the 13 UTF-16 units within an entry.
var lfnCharOffsets = [lfnCharsPerEntry]uint8{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}

// ReadChars reads the 13 UTF-16 units stored in the entry.
func (lfnt *longFilenameEntry) ReadChars(dst *[lfnCharsPerEntry]uint16) {
	for i, off := range lfnCharOffsets {
		dst[i] = binary.LittleEndian.Uint16(lfnt.data[off:])
	}
}

// WriteChars fills in a long name entry: chars beyond the name are the 0x0000
// terminator followed by 0xFFFF padding.
func (lfnt *longFilenameEntry) WriteChars(chars []uint16) {
	for i, off := range lfnCharOffsets {
		var c uint16
		switch {
		case i < len(chars):
			c = chars[i]
		case i == len(chars):
			c = 0x0000
		default:
			c = 0xFFFF
		}
		binary.LittleEndian.PutUint16(lfnt.data[off:], c)
	}
}

// Compose fills the fixed fields of a long name entry.
func (lfnt *longFilenameEntry) Compose(ord uint8, last bool, chksum byte, chars []uint16) {
	if last {
		ord |= lfnLastMask
	}
	lfnt.data[ldirOrdOff] = ord
	lfnt.data[ldirAttrOff] = byte(attrLFN)
	lfnt.data[ldirTypeOff] = 0
	lfnt.data[ldirChksumOff] = chksum
	binary.LittleEndian.PutUint16(lfnt.data[ldirFstClusLOOff:], 0)
	lfnt.WriteChars(chars)
}

func clipname(b []byte) []byte {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return b[:end]
}

func str(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
