package picofat

import (
	"fmt"
	"log/slog"
)

// fatSector returns the FAT sector holding the entry for clst and the entry's
// index within that sector.
func (fsys *FS) fatSector(clst uint32) (sect lba, idx int) {
	perSect := uint32(fsys.ssize) / 4
	return fsys.fatbase + lba(clst/perSect), int(clst % perSect)
}

// fatEntry reads the FAT entry for clst with the reserved top 4 bits masked
// off.
func (fsys *FS) fatEntry(clst uint32) (uint32, error) {
	if !fsys.validClust(clst) {
		return 0, fmt.Errorf("%w: FAT read of cluster %d", ErrCorruptChain, clst)
	}
	sect, idx := fsys.fatSector(clst)
	if err := fsys.win.move(sect); err != nil {
		return 0, err
	}
	fat := fat32Sector{data: fsys.win.buf[:]}
	return fat.Entry(idx).Cluster(), nil
}

// setFatEntry overwrites the FAT entry for clst preserving the reserved top 4
// bits and writes the sector back to the device immediately.
func (fsys *FS) setFatEntry(clst, value uint32) error {
	if !fsys.validClust(clst) {
		return fmt.Errorf("%w: FAT write of cluster %d", ErrCorruptChain, clst)
	}
	sect, idx := fsys.fatSector(clst)
	if err := fsys.win.move(sect); err != nil {
		return err
	}
	fat := fat32Sector{data: fsys.win.buf[:]}
	fat.SetEntry(idx, entry(value))
	fsys.win.markDirty()
	return fsys.win.sync()
}

// nextCluster follows the chain one step. Returns (0, nil) past the end of
// the chain.
func (fsys *FS) nextCluster(clst uint32) (uint32, error) {
	v, err := fsys.fatEntry(clst)
	if err != nil {
		return 0, err
	}
	e := entry(v)
	switch {
	case e.IsEOF():
		return 0, nil
	case e.IsFree(), e.IsBad(), !fsys.validClust(v):
		return 0, fmt.Errorf("%w: cluster %d links to %#x", ErrCorruptChain, clst, v)
	}
	return v, nil
}

// allocCluster finds a free cluster, marks it end-of-chain and links it after
// prev when prev is a valid cluster. The search starts after the last
// allocated cluster and wraps around once.
func (fsys *FS) allocCluster(prev uint32) (uint32, error) {
	start := fsys.lastclst
	if !fsys.validClust(start) {
		start = clustFirst
	}
	clst := start + 1
	for n := uint32(0); n < fsys.nclust-clustFirst; n++ {
		if clst >= fsys.nclust {
			clst = clustFirst
		}
		v, err := fsys.fatEntry(clst)
		if err != nil {
			return 0, err
		}
		if entry(v).IsFree() {
			if err := fsys.setFatEntry(clst, clustEOF); err != nil {
				return 0, err
			}
			if fsys.validClust(prev) {
				if err := fsys.setFatEntry(prev, clst); err != nil {
					return 0, err
				}
			}
			fsys.lastclst = clst
			if fsys.freeclst != 0xFFFF_FFFF && fsys.freeclst > 0 {
				fsys.freeclst--
			}
			fsys.fsiDirty = true
			fsys.debug("cluster allocated", slog.Uint64("cluster", uint64(clst)))
			return clst, nil
		}
		clst++
	}
	return 0, ErrVolumeFull
}

// allocClusterZeroed allocates a cluster and zeroes its data sectors.
// Used for new directories so stale entries never surface.
func (fsys *FS) allocClusterZeroed(prev uint32) (uint32, error) {
	clst, err := fsys.allocCluster(prev)
	if err != nil {
		return 0, err
	}
	if err := fsys.zeroCluster(clst); err != nil {
		return 0, err
	}
	return clst, nil
}

func (fsys *FS) zeroCluster(clst uint32) error {
	sect := fsys.clst2sect(clst)
	if sect == 0 {
		return fmt.Errorf("%w: zeroing cluster %d", ErrCorruptChain, clst)
	}
	var zero [sectorSize]byte
	for i := uint16(0); i < fsys.csize; i++ {
		s := sect + lba(i)
		if fsys.win.sect == s {
			fsys.win.invalidate()
		}
		if err := fsys.dev.WriteBlocks(zero[:], int64(s)); err != nil {
			return fmt.Errorf("zero cluster %d: %w", clst, err)
		}
	}
	return nil
}

// freeChain releases the whole chain beginning at start. The walk is bounded
// by the cluster count so a corrupted circular chain cannot hang the
// filesystem.
func (fsys *FS) freeChain(start uint32) error {
	clst := start
	for n := uint32(0); fsys.validClust(clst); n++ {
		if n >= fsys.nclust {
			return fmt.Errorf("%w: chain from %d exceeds cluster count", ErrCorruptChain, start)
		}
		v, err := fsys.fatEntry(clst)
		if err != nil {
			return err
		}
		if err := fsys.setFatEntry(clst, clustFree); err != nil {
			return err
		}
		if fsys.freeclst != 0xFFFF_FFFF {
			fsys.freeclst++
		}
		fsys.fsiDirty = true
		if entry(v).IsEOF() {
			return nil
		}
		if entry(v).IsFree() || entry(v).IsBad() {
			return fmt.Errorf("%w: chain from %d hits entry %#x", ErrCorruptChain, start, v)
		}
		clst = v
	}
	if clst == start {
		return nil // Nothing allocated.
	}
	return fmt.Errorf("%w: chain from %d leaves volume", ErrCorruptChain, start)
}

// chainLength walks a chain and returns its cluster count. The walk is
// bounded by the volume's cluster count to catch cycles.
func (fsys *FS) chainLength(start uint32) (uint32, error) {
	if start == clustFree {
		return 0, nil
	}
	var n uint32
	clst := start
	for fsys.validClust(clst) {
		n++
		if n > fsys.nclust {
			return n, fmt.Errorf("%w: cycle in chain from %d", ErrCorruptChain, start)
		}
		v, err := fsys.fatEntry(clst)
		if err != nil {
			return n, err
		}
		if entry(v).IsEOF() {
			return n, nil
		}
		if !fsys.validClust(v) {
			return n, fmt.Errorf("%w: chain from %d links to %#x", ErrCorruptChain, start, v)
		}
		clst = v
	}
	return n, fmt.Errorf("%w: chain start %d out of range", ErrCorruptChain, start)
}

// Chain returns the cluster chain starting at the first cluster of the named
// file or directory. Intended for diagnostics.
func (fsys *FS) Chain(path string) ([]uint32, error) {
	if err := fsys.checkMounted(); err != nil {
		return nil, err
	}
	fi, err := fsys.Stat(path)
	if err != nil {
		return nil, err
	}
	clst := fi.FirstCluster()
	var chain []uint32
	for fsys.validClust(clst) {
		if uint32(len(chain)) > fsys.nclust {
			return chain, fmt.Errorf("%w: cycle in chain of %q", ErrCorruptChain, path)
		}
		chain = append(chain, clst)
		next, err := fsys.nextCluster(clst)
		if err != nil {
			return chain, err
		}
		if next == 0 {
			break
		}
		clst = next
	}
	return chain, nil
}

// CountFreeClusters walks the whole FAT counting free entries and refreshes
// the FSInfo free count.
func (fsys *FS) CountFreeClusters() (uint32, error) {
	if err := fsys.checkMounted(); err != nil {
		return 0, err
	}
	var free uint32
	for clst := uint32(clustFirst); clst < fsys.nclust; clst++ {
		v, err := fsys.fatEntry(clst)
		if err != nil {
			return 0, err
		}
		if entry(v).IsFree() {
			free++
		}
	}
	if fsys.freeclst != free {
		fsys.freeclst = free
		fsys.fsiDirty = true
	}
	return free, nil
}

// FreeSpace returns the number of free bytes on the volume. The cached FSInfo
// count is used when available; otherwise the FAT is scanned.
func (fsys *FS) FreeSpace() (int64, error) {
	if err := fsys.checkMounted(); err != nil {
		return 0, err
	}
	free := fsys.freeclst
	if free == 0xFFFF_FFFF {
		var err error
		free, err = fsys.CountFreeClusters()
		if err != nil {
			return 0, err
		}
	}
	return int64(free) * int64(fsys.clusterBytes()), nil
}

// TotalSpace returns the data capacity of the volume in bytes.
func (fsys *FS) TotalSpace() (int64, error) {
	if err := fsys.checkMounted(); err != nil {
		return 0, err
	}
	return int64(fsys.nclust-clustFirst) * int64(fsys.clusterBytes()), nil
}

// FreeSpacePercent returns the fraction of the volume's data capacity that is
// free, in the range 0 to 100.
func (fsys *FS) FreeSpacePercent() (float64, error) {
	free, err := fsys.FreeSpace()
	if err != nil {
		return 0, err
	}
	total, err := fsys.TotalSpace()
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return 100 * float64(free) / float64(total), nil
}
