package picofat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/picofat/picofat/internal/mbr"
)

// FormatConfig controls Formatter.Format.
type FormatConfig struct {
	// Label is the volume label, clipped to 11 characters.
	Label string
	// ClusterSize is the cluster size in sectors, a power of two up to 128.
	// Zero selects a size from the device capacity.
	ClusterSize uint16
	// NumberOfFATs is 1 or 2. Zero defaults to 2.
	NumberOfFATs uint8
	// SerialNumber is the volume serial. Zero generates a random one.
	SerialNumber uint32
	// EraseFirst erases the volume's sectors before writing metadata.
	EraseFirst bool
	// Progress, when set, receives completion updates during the format.
	Progress func(done, total int)
}

// formatGeom is the geometry the formatter settled on.
type formatGeom struct {
	volStart uint32
	volSize  uint32
	csize    uint16
	nfats    uint8
	rsvd     uint16
	fatsize  uint32
	clusters uint32
	serial   uint32
}

// Formatter writes a fresh MBR-partitioned FAT32 layout onto a block device.
type Formatter struct {
	bd  BlockDevice
	cfg FormatConfig
	geo formatGeom

	done, total int
	buf         [sectorSize]byte
}

// partitionStart leaves the customary 1MiB alignment gap before the volume.
const partitionStart = 2048

// reservedSectors is the FAT32 reserved region: boot sector, FSInfo and their
// backups at sectors 6 and 7, padded to 32.
const reservedSectors = 32

// Format partitions and formats the device as a single FAT32 volume.
// totalSectors is the capacity of the device in 512-byte sectors.
func (f *Formatter) Format(bd BlockDevice, totalSectors int64, cfg FormatConfig) error {
	if bd == nil {
		return errors.New("nil block device")
	}
	if Mode(bd.Mode())&ModeWrite == 0 {
		return ErrDeviceMode
	}
	if totalSectors <= partitionStart+reservedSectors+128 {
		return fmt.Errorf("device too small to format: %d sectors", totalSectors)
	}
	if totalSectors > 0xFFFF_FFFF {
		totalSectors = 0xFFFF_FFFF
	}
	f.bd = bd
	f.cfg = cfg
	geo, err := planGeometry(uint32(totalSectors), cfg)
	if err != nil {
		return err
	}
	f.geo = geo

	f.done = 0
	f.total = 2 + 4 + int(geo.nfats)*int(geo.fatsize) + int(geo.csize)
	if cfg.EraseFirst {
		if err := bd.EraseBlocks(int64(geo.volStart), int64(geo.volSize)); err != nil {
			return fmt.Errorf("erase before format: %w", err)
		}
	}
	if err := f.writeMBR(); err != nil {
		return err
	}
	if err := f.writeBootRegion(); err != nil {
		return err
	}
	if err := f.writeFATs(); err != nil {
		return err
	}
	if err := f.writeRootDir(); err != nil {
		return err
	}
	f.progress(f.total - f.done)
	return nil
}

// planGeometry sizes the FAT against the data region. Cluster size defaults
// follow common SD card practice: bigger cards get bigger clusters.
func planGeometry(totalSectors uint32, cfg FormatConfig) (formatGeom, error) {
	g := formatGeom{
		volStart: partitionStart,
		volSize:  totalSectors - partitionStart,
		csize:    cfg.ClusterSize,
		nfats:    cfg.NumberOfFATs,
		rsvd:     reservedSectors,
		serial:   cfg.SerialNumber,
	}
	if g.nfats == 0 {
		g.nfats = 2
	}
	if g.nfats > 2 {
		return g, errors.New("invalid FAT count")
	}
	if g.csize == 0 {
		switch gib := int64(totalSectors) * sectorSize / (1 << 30); {
		case gib <= 1:
			g.csize = 8
		case gib <= 2:
			g.csize = 16
		case gib <= 16:
			g.csize = 32
		default:
			g.csize = 64
		}
	}
	if g.csize > 128 || g.csize&(g.csize-1) != 0 {
		return g, errors.New("invalid cluster size")
	}
	if g.serial == 0 {
		u := uuid.New()
		g.serial = binary.LittleEndian.Uint32(u[:4])
	}

	// Two passes converge: a first FAT size estimate, then the cluster count
	// it actually supports.
	entriesPerSector := uint32(sectorSize / 4)
	avail := g.volSize - uint32(g.rsvd)
	g.fatsize = (avail/uint32(g.csize) + 2 + entriesPerSector - 1) / entriesPerSector
	for i := 0; i < 2; i++ {
		data := avail - g.fatsize*uint32(g.nfats)
		g.clusters = data / uint32(g.csize)
		g.fatsize = (g.clusters + 2 + entriesPerSector - 1) / entriesPerSector
	}
	if g.clusters < 16 {
		return g, errors.New("volume too small for FAT32")
	}
	if g.clusters > maxClustersFAT32 {
		return g, errors.New("volume too large for cluster size")
	}
	return g, nil
}

func (f *Formatter) progress(n int) {
	f.done += n
	if f.cfg.Progress != nil {
		f.cfg.Progress(f.done, f.total)
	}
}

func (f *Formatter) writeSector(sect uint32) error {
	if err := f.bd.WriteBlocks(f.buf[:], int64(sect)); err != nil {
		return fmt.Errorf("format write sector %d: %w", sect, err)
	}
	return nil
}

func (f *Formatter) writeMBR() error {
	clear(f.buf[:])
	bs, err := mbr.ToBootSector(f.buf[:])
	if err != nil {
		return err
	}
	bs.SetUniqueDiskID(f.geo.serial)
	pte := mbr.MakePTE(0, mbr.PartitionTypeFAT32LBA, f.geo.volStart, f.geo.volSize,
		mbr.NewCHS(0, 0, 1), mbr.NewCHS(0xFF, 0xFF, 0xFF))
	bs.SetPartitionTable(0, pte)
	bs.SetBootSignature(mbr.BootSignature)
	if err := f.writeSector(0); err != nil {
		return err
	}
	f.progress(1)
	return nil
}

func (f *Formatter) writeBootRegion() error {
	g := f.geo
	clear(f.buf[:])
	bpb := biosParamBlock{data: f.buf[:]}
	bpb.SetJumpInstruction([3]byte{0xEB, 0x58, 0x90})
	bpb.SetOEMName("PICOFAT")
	bpb.SetSectorSize(sectorSize)
	bpb.SetSectorsPerCluster(g.csize)
	bpb.SetReservedSectors(g.rsvd)
	bpb.SetNumberOfFATs(g.nfats)
	bpb.SetRootDirEntries(0)
	bpb.SetMedia(0xF8)
	bpb.SetHiddenSectors(g.volStart)
	bpb.SetTotalSectors(g.volSize)
	bpb.SetSectorsPerFAT(g.fatsize)
	bpb.SetRootCluster(clustFirst)
	bpb.SetFSInfo(1)
	bpb.SetBackupBootSector(6)
	bpb.SetDriveNumber(0x80)
	bpb.SetExtendedBootSignature(0x29)
	bpb.SetVolumeSerialNumber(g.serial)
	bpb.SetVolumeLabel(volumeLabelOrDefault(f.cfg.Label))
	bpb.SetFilesystemType("FAT32")
	bpb.SetBootSignature(0xAA55)
	if err := f.writeSector(g.volStart); err != nil {
		return err
	}
	if err := f.writeSector(g.volStart + 6); err != nil {
		return err
	}
	f.progress(2)

	clear(f.buf[:])
	fsi := fsinfoSector{data: f.buf[:]}
	fsi.SetSignatures(fsiLeadSigValue, fsiStrucSigValue, fsiTrailSigValue)
	fsi.SetFreeClusterCount(g.clusters - 1) // Root directory takes one.
	fsi.SetLastAllocatedCluster(clustFirst)
	binary.LittleEndian.PutUint16(f.buf[bs55AA:], 0xAA55)
	if err := f.writeSector(g.volStart + 1); err != nil {
		return err
	}
	if err := f.writeSector(g.volStart + 7); err != nil {
		return err
	}
	f.progress(2)
	return nil
}

func volumeLabelOrDefault(label string) string {
	if label == "" {
		return "NO NAME"
	}
	return label
}

func (f *Formatter) writeFATs() error {
	g := f.geo
	fatbase := g.volStart + uint32(g.rsvd)
	for fat := uint8(0); fat < g.nfats; fat++ {
		base := fatbase + uint32(fat)*g.fatsize

		clear(f.buf[:])
		fs := fat32Sector{data: f.buf[:]}
		// Media descriptor entry, reserved entry, then the root directory's
		// single-cluster chain.
		binary.LittleEndian.PutUint32(f.buf[0:], 0x0FFFFFF8)
		binary.LittleEndian.PutUint32(f.buf[4:], 0xFFFFFFFF)
		fs.SetEntry(2, clustEOF)
		if err := f.writeSector(base); err != nil {
			return err
		}
		f.progress(1)

		clear(f.buf[:])
		for s := uint32(1); s < g.fatsize; s++ {
			if err := f.writeSector(base + s); err != nil {
				return err
			}
			f.progress(1)
		}
	}
	return nil
}

func (f *Formatter) writeRootDir() error {
	g := f.geo
	rootbase := g.volStart + uint32(g.rsvd) + g.fatsize*uint32(g.nfats)
	clear(f.buf[:])
	if f.cfg.Label != "" {
		de := dirEntry{data: f.buf[:sizeDirEntry]}
		var raw [11]byte
		for i := range raw {
			raw[i] = ' '
		}
		copy(raw[:], f.cfg.Label)
		de.setRaw11(raw)
		de.setAttributes(attrVolumeID)
		de.setModifiedAt(newDatetime(time.Now()))
	}
	if err := f.writeSector(rootbase); err != nil {
		return err
	}
	f.progress(1)
	clear(f.buf[:])
	for s := uint32(1); s < uint32(g.csize); s++ {
		if err := f.writeSector(rootbase + s); err != nil {
			return err
		}
		f.progress(1)
	}
	return nil
}
