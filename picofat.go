// Package picofat implements a FAT32 filesystem layer for small systems on
// top of a 512-byte-sector block device, such as an SD card driven over SPI.
//
// The implementation keeps no per-sector heap allocations: all disk access
// goes through a single sector window owned by the [FS] and a private sector
// buffer owned by each open [File].
package picofat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/picofat/picofat/internal/mbr"
)

type accessmode = uint8

// Mode represents the file access mode used in Mount and OpenFile.
type Mode uint8

// File access modes for calling OpenFile.
const (
	ModeRead  Mode = 1 << 0
	ModeWrite Mode = 1 << 1
	ModeRW    Mode = ModeRead | ModeWrite

	// ModeOpenExisting opens the file only if it already exists.
	ModeOpenExisting Mode = 0
	// ModeCreateNew creates the file and fails if it already exists.
	ModeCreateNew Mode = 1 << 2
	// ModeCreateAlways creates the file, truncating it if it already exists.
	ModeCreateAlways Mode = 1 << 3
	// ModeOpenAlways opens the file, creating it if it does not exist.
	ModeOpenAlways Mode = 1 << 4
	// ModeOpenAppend opens or creates the file and positions writes at its end.
	ModeOpenAppend Mode = 1<<5 | ModeOpenAlways

	allowedModes = ModeRW | ModeCreateNew | ModeCreateAlways | ModeOpenAppend
)

// BlockDevice is the storage a FAT32 volume lives on. Blocks are 512-byte
// sectors addressed from the start of the device.
type BlockDevice interface {
	ReadBlocks(dst []byte, startBlock int64) error
	WriteBlocks(data []byte, startBlock int64) error
	EraseBlocks(startBlock, numBlocks int64) error
	// Mode returns 0 for no connection/prohibited access, 1 for read-only, 3 for read-write.
	Mode() accessmode
}

// Errors returned by the filesystem layer.
var (
	ErrNotMounted    = errors.New("volume not mounted")
	ErrNoFilesystem  = errors.New("no FAT32 filesystem found")
	ErrDeviceMode    = errors.New("device access mode prohibits operation")
	ErrInvalidMode   = errors.New("invalid access mode")
	ErrForbiddenMode = errors.New("forbidden access mode")
	ErrNotFound      = errors.New("file not found")
	ErrExist         = errors.New("file already exists")
	ErrIsDirectory   = errors.New("is a directory")
	ErrNotDirectory  = errors.New("not a directory")
	ErrDirNotEmpty   = errors.New("directory not empty")
	ErrVolumeFull    = errors.New("no free clusters")
	ErrInvalidName   = errors.New("invalid file name")
	ErrNameTooLong   = errors.New("file name too long")
	ErrFileOpen      = errors.New("file already open")
	ErrClosedFile    = errors.New("file closed or filesystem remounted")
	ErrCorruptChain  = errors.New("corrupt cluster chain")
	ErrReadOnlyFile  = errors.New("file is read only")
)

// sector index type.
type lba uint32

const badLBA lba = 0xFFFF_FFFF

// window is a single-sector disk access cache shared by FAT, directory and
// metadata operations. FAT mutations write through immediately; see
// setFatEntry.
type window struct {
	dev   BlockDevice
	sect  lba
	dirty bool

	// FAT region bounds. Flushing a sector inside the region also writes it
	// to the second FAT copy so the mirrors never drift apart.
	fatbase lba
	fatsize uint32
	nfats   uint8

	buf [sectorSize]byte
}

func (w *window) reset(dev BlockDevice) {
	w.dev = dev
	w.sect = badLBA
	w.dirty = false
	w.fatbase = badLBA
	w.fatsize = 0
	w.nfats = 0
}

func (w *window) invalidate() {
	w.sect = badLBA
	w.dirty = false
}

// move loads the given sector into the window, flushing any pending
// modification first. Does nothing if the sector is already loaded.
func (w *window) move(sector lba) error {
	if sector == w.sect {
		return nil
	}
	if err := w.sync(); err != nil {
		return err
	}
	if err := w.dev.ReadBlocks(w.buf[:], int64(sector)); err != nil {
		w.sect = badLBA
		return fmt.Errorf("window read sector %d: %w", sector, err)
	}
	w.sect = sector
	return nil
}

func (w *window) sync() error {
	if !w.dirty {
		return nil
	}
	if err := w.dev.WriteBlocks(w.buf[:], int64(w.sect)); err != nil {
		return fmt.Errorf("window write sector %d: %w", w.sect, err)
	}
	if w.nfats > 1 && w.sect >= w.fatbase && w.sect < w.fatbase+lba(w.fatsize) {
		mirror := w.sect + lba(w.fatsize)
		if err := w.dev.WriteBlocks(w.buf[:], int64(mirror)); err != nil {
			return fmt.Errorf("window mirror sector %d: %w", mirror, err)
		}
	}
	w.dirty = false
	return nil
}

func (w *window) markDirty() { w.dirty = true }

// FS is a mounted FAT32 volume. The zero value is unmounted; call Mount
// before use. FS is not safe for concurrent use.
type FS struct {
	dev  BlockDevice
	perm Mode
	id   uint16 // Mount generation. Serves to invalidate open files after remount.
	log  *slog.Logger

	win window

	ssize   uint16 // Sector size in bytes.
	csize   uint16 // Cluster size in sectors.
	nfats   uint8
	fatsize uint32 // Sectors per FAT.
	nclust  uint32 // Number of FAT entries (= number of clusters + 2).

	volbase  lba // Volume base sector.
	fatbase  lba // First FAT base sector.
	database lba // Data region base sector.
	rootclst uint32

	fsinfosect lba
	lastclst   uint32 // Last allocated cluster hint.
	freeclst   uint32 // Number of free clusters, 0xFFFFFFFF if unknown.
	fsiDirty   bool

	label  [11]byte
	serial uint32

	cwd []dirRef // Working directory stack, empty means root.

	// The volume admits at most one open reading handle and one open
	// writing handle at a time.
	reader *File
	writer *File
}

type dirRef struct {
	name  string
	clust uint32
}

// VolumeInfo describes the geometry of a mounted volume.
type VolumeInfo struct {
	Label             string
	SerialNumber      uint32
	SectorSize        uint16
	SectorsPerCluster uint16
	ReservedSectors   uint16
	NumberOfFATs      uint8
	SectorsPerFAT     uint32
	TotalSectors      uint32
	TotalClusters     uint32
	RootCluster       uint32
	VolumeBaseSector  uint32
	FATBaseSector     uint32
	DataBaseSector    uint32
}

// SetLogger enables structured logging of filesystem internals.
func (fsys *FS) SetLogger(log *slog.Logger) { fsys.log = log }

func (fsys *FS) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if fsys.log == nil {
		return
	}
	fsys.log.LogAttrs(context.Background(), level, msg, attrs...)
}

func (fsys *FS) debug(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelDebug, msg, attrs...)
}
func (fsys *FS) info(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelInfo, msg, attrs...)
}
func (fsys *FS) warn(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelWarn, msg, attrs...)
}
func (fsys *FS) logerror(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelError, msg, attrs...)
}

// Mount mounts the FAT32 filesystem on the given block device. It immediately
// invalidates previously open files and directories pointing to the same FS.
// Mode should be ModeRead, ModeWrite, or both. The volume may start at sector
// zero or live in the first FAT32 partition of an MBR-partitioned device.
func (fsys *FS) Mount(bd BlockDevice, mode Mode) error {
	if mode&^ModeRW != 0 || mode == 0 {
		return ErrInvalidMode
	}
	devMode := bd.Mode()
	if devMode == 0 {
		return ErrDeviceMode
	} else if accessmode(mode)&devMode != accessmode(mode) {
		return ErrDeviceMode
	}
	fsys.id++ // Invalidate open files from a previous mount.
	fsys.dev = nil
	fsys.perm = mode
	fsys.win.reset(bd)
	fsys.cwd = fsys.cwd[:0]
	fsys.reader = nil
	fsys.writer = nil

	base, err := fsys.findVolume(bd)
	if err != nil {
		return err
	}
	if err := fsys.initVolume(base); err != nil {
		return err
	}
	fsys.dev = bd
	fsys.info("mounted",
		slog.String("label", str(clipname(fsys.label[:]))),
		slog.Uint64("clusters", uint64(fsys.nclust-2)),
	)
	return nil
}

// Mounted reports whether the filesystem has a valid mounted volume.
func (fsys *FS) Mounted() bool { return fsys.dev != nil }

func (fsys *FS) checkMounted() error {
	if !fsys.Mounted() {
		return ErrNotMounted
	}
	return nil
}

func (fsys *FS) checkWritable() error {
	if err := fsys.checkMounted(); err != nil {
		return err
	}
	if fsys.perm&ModeWrite == 0 {
		return ErrForbiddenMode
	}
	return nil
}

// Sync flushes the sector window and the FSInfo bookkeeping to the device.
func (fsys *FS) Sync() error {
	if err := fsys.checkMounted(); err != nil {
		return err
	}
	if err := fsys.win.sync(); err != nil {
		return err
	}
	return fsys.syncFSInfo()
}

// Unmount flushes pending state and detaches the device. Open files become
// invalid.
func (fsys *FS) Unmount() error {
	if err := fsys.checkMounted(); err != nil {
		return err
	}
	err := fsys.Sync()
	fsys.dev = nil
	fsys.id++
	fsys.win.invalidate()
	fsys.reader = nil
	fsys.writer = nil
	return err
}

// Info returns the geometry of the mounted volume.
func (fsys *FS) Info() (VolumeInfo, error) {
	if err := fsys.checkMounted(); err != nil {
		return VolumeInfo{}, err
	}
	return VolumeInfo{
		Label:             str(clipname(fsys.label[:])),
		SerialNumber:      fsys.serial,
		SectorSize:        fsys.ssize,
		SectorsPerCluster: fsys.csize,
		ReservedSectors:   uint16(fsys.fatbase - fsys.volbase),
		NumberOfFATs:      fsys.nfats,
		SectorsPerFAT:     fsys.fatsize,
		TotalSectors:      uint32(fsys.database-fsys.volbase) + (fsys.nclust-2)*uint32(fsys.csize),
		TotalClusters:     fsys.nclust - 2,
		RootCluster:       fsys.rootclst,
		VolumeBaseSector:  uint32(fsys.volbase),
		FATBaseSector:     uint32(fsys.fatbase),
		DataBaseSector:    uint32(fsys.database),
	}, nil
}

// findVolume locates the FAT32 boot sector: either directly at sector 0 or
// behind the first FAT32 partition of an MBR partition table.
func (fsys *FS) findVolume(bd BlockDevice) (lba, error) {
	ok, err := fsys.checkBootSector(0)
	if err != nil {
		return 0, err
	}
	if ok {
		return 0, nil
	}
	// Sector 0 holds a valid boot signature but no FAT32 BPB: try the MBR
	// partition table.
	if err := fsys.win.move(0); err != nil {
		return 0, err
	}
	parts, err := scanMBR(fsys.win.buf[:])
	if err != nil {
		return 0, ErrNoFilesystem
	}
	for _, start := range parts {
		ok, err := fsys.checkBootSector(lba(start))
		if err != nil {
			return 0, err
		}
		if ok {
			fsys.debug("volume behind MBR", slog.Uint64("start", uint64(start)))
			return lba(start), nil
		}
	}
	return 0, ErrNoFilesystem
}

// checkBootSector loads sect and reports whether it is a FAT32 boot sector.
func (fsys *FS) checkBootSector(sect lba) (bool, error) {
	if err := fsys.win.move(sect); err != nil {
		return false, err
	}
	bpb := biosParamBlock{data: fsys.win.buf[:]}
	if bpb.BootSignature() != 0xAA55 {
		return false, nil
	}
	jmp := bpb.JumpInstruction()
	if jmp[0] != 0xEB && jmp[0] != 0xE9 && jmp[0] != 0xE8 {
		return false, nil
	}
	if spc := bpb.SectorsPerCluster(); bpb.SectorSize() != sectorSize || spc == 0 || spc&(spc-1) != 0 {
		return false, nil
	}
	// The filesystem type string is informational; plenty of cards carry a
	// blank or variant one.
	if fstype := bpb.FilesystemType(); string(fstype[:]) != "FAT32   " {
		fsys.warn("unexpected filesystem type string", slog.String("fstype", string(fstype[:])))
	}
	return true, nil
}

// scanMBR returns the start sectors of FAT32 partitions in an MBR, in table
// order.
func scanMBR(sector []byte) ([]uint32, error) {
	bs, err := mbr.ToBootSector(sector)
	if err != nil {
		return nil, err
	}
	if bs.BootSignature() != mbr.BootSignature {
		return nil, errors.New("no MBR boot signature")
	}
	var starts []uint32
	for i := 0; i < 4; i++ {
		pte := bs.PartitionTable(i)
		switch pte.PartitionType() {
		case mbr.PartitionTypeFAT32CHS, mbr.PartitionTypeFAT32LBA:
			if pte.StartLBA() != 0 {
				starts = append(starts, pte.StartLBA())
			}
		}
	}
	if len(starts) == 0 {
		return nil, errors.New("no FAT32 partition in MBR")
	}
	return starts, nil
}

// initVolume parses the BPB at the volume base and prepares the FS for use.
func (fsys *FS) initVolume(base lba) error {
	if err := fsys.win.move(base); err != nil {
		return err
	}
	bpb := biosParamBlock{data: fsys.win.buf[:]}
	ss := bpb.SectorSize()
	if ss != sectorSize {
		return fmt.Errorf("%w: unsupported sector size %d", ErrNoFilesystem, ss)
	}
	csize := bpb.SectorsPerCluster()
	if csize == 0 || csize&(csize-1) != 0 {
		return fmt.Errorf("%w: bad sectors per cluster", ErrNoFilesystem)
	}
	nfats := bpb.NumberOfFATs()
	if nfats != 1 && nfats != 2 {
		return fmt.Errorf("%w: bad FAT count", ErrNoFilesystem)
	}
	rsvd := bpb.ReservedSectors()
	if rsvd == 0 {
		return fmt.Errorf("%w: no reserved sectors", ErrNoFilesystem)
	}
	if major, minor := bpb.Version(); major != 0 || minor != 0 {
		return fmt.Errorf("%w: unsupported FAT32 version %d.%d", ErrNoFilesystem, major, minor)
	}
	if bpb.RootDirEntries() != 0 {
		// FAT12/16 style fixed root directory: not a FAT32 volume.
		return fmt.Errorf("%w: nonzero root entry count", ErrNoFilesystem)
	}
	fatsize := bpb.SectorsPerFAT()
	totsec := bpb.TotalSectors()
	sysect := uint32(rsvd) + fatsize*uint32(nfats)
	if totsec < sysect {
		return fmt.Errorf("%w: volume smaller than metadata", ErrNoFilesystem)
	}
	nclusters := (totsec - sysect) / uint32(csize)
	if nclusters == 0 || nclusters > maxClustersFAT32 {
		return fmt.Errorf("%w: bad cluster count %d", ErrNoFilesystem, nclusters)
	}
	if fatsize < (nclusters+2+uint32(ss)/4-1)/(uint32(ss)/4) {
		return fmt.Errorf("%w: FAT too small for cluster count", ErrNoFilesystem)
	}

	fsys.ssize = ss
	fsys.csize = csize
	fsys.nfats = nfats
	fsys.fatsize = fatsize
	fsys.nclust = nclusters + 2
	fsys.volbase = base
	fsys.fatbase = base + lba(rsvd)
	fsys.database = base + lba(sysect)
	fsys.rootclst = bpb.RootCluster()
	fsys.label = bpb.VolumeLabel()
	fsys.serial = bpb.VolumeSerialNumber()
	fsys.win.fatbase = fsys.fatbase
	fsys.win.fatsize = fatsize
	fsys.win.nfats = nfats
	if fsys.rootclst < clustFirst || fsys.rootclst >= fsys.nclust {
		return fmt.Errorf("%w: root cluster out of range", ErrNoFilesystem)
	}

	// Cluster allocation hints, refreshed from FSInfo when present.
	fsys.lastclst = 0xFFFF_FFFF
	fsys.freeclst = 0xFFFF_FFFF
	fsys.fsinfosect = badLBA
	fsys.fsiDirty = false
	if fsisect := bpb.FSInfo(); fsisect == 1 {
		if err := fsys.win.move(base + lba(fsisect)); err != nil {
			return err
		}
		fsi := fsinfoSector{data: fsys.win.buf[:]}
		if fsi.validSignatures() {
			fsys.fsinfosect = base + lba(fsisect)
			if free := fsi.FreeClusterCount(); free <= fsys.nclust-2 {
				fsys.freeclst = free
			}
			if last := fsi.LastAllocatedCluster(); last >= clustFirst && last < fsys.nclust {
				fsys.lastclst = last
			}
		}
	}
	return nil
}

// syncFSInfo writes the free cluster count and allocation hint back to the
// FSInfo sector if they changed since the last sync.
func (fsys *FS) syncFSInfo() error {
	if !fsys.fsiDirty || fsys.fsinfosect == badLBA || fsys.perm&ModeWrite == 0 {
		return nil
	}
	if err := fsys.win.move(fsys.fsinfosect); err != nil {
		return err
	}
	fsi := fsinfoSector{data: fsys.win.buf[:]}
	fsi.SetFreeClusterCount(fsys.freeclst)
	fsi.SetLastAllocatedCluster(fsys.lastclst)
	fsys.win.markDirty()
	if err := fsys.win.sync(); err != nil {
		return err
	}
	fsys.fsiDirty = false
	return nil
}

// Sector size divide and modulus.

func (fsys *FS) divSS(n uint32) uint32 { return n / uint32(fsys.ssize) }
func (fsys *FS) modSS(n uint32) uint32 { return n % uint32(fsys.ssize) }

// clusterBytes returns the size of a cluster in bytes.
func (fsys *FS) clusterBytes() uint32 {
	return uint32(fsys.csize) * uint32(fsys.ssize)
}

// clst2sect returns the first physical sector of a cluster.
// Returns 0 if the cluster is invalid.
func (fsys *FS) clst2sect(clst uint32) lba {
	clst -= clustFirst
	if clst >= fsys.nclust-clustFirst {
		return 0
	}
	return fsys.database + lba(fsys.csize)*lba(clst)
}

// validClust reports whether clst addresses a data cluster on this volume.
func (fsys *FS) validClust(clst uint32) bool {
	return clst >= clustFirst && clst < fsys.nclust
}
