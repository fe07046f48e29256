package picofat

import (
	"fmt"
	"log/slog"
)

// Cleanup scans every directory for entries whose data chains were lost,
// removes them, and compacts directories so deleted slots become reusable
// free space at the tail. Directories are visited with a worklist rather
// than recursion so arbitrarily deep trees cannot exhaust the stack.
// Returns the number of entries removed.
func (fsys *FS) Cleanup() (removed int, err error) {
	if err := fsys.checkWritable(); err != nil {
		return 0, err
	}
	if fsys.reader != nil || fsys.writer != nil {
		// Compaction moves directory entries out from under open handles.
		return 0, ErrFileOpen
	}
	work := []uint32{fsys.rootclst}
	seen := make(map[uint32]bool)
	for len(work) > 0 {
		dir := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[dir] {
			continue
		}
		seen[dir] = true

		dc := fsys.dirCursorAt(dir)
		var b lfnBuilder
		var fi FileInfo
		for {
			ok, err := dc.next(&fi, &b)
			if err != nil {
				return removed, err
			}
			if !ok {
				break
			}
			if fi.name == "." || fi.name == ".." {
				continue
			}
			orphan, err := fsys.entryOrphaned(&fi)
			if err != nil {
				return removed, err
			}
			if orphan {
				if err := fsys.deleteEntrySet(&fi); err != nil {
					return removed, err
				}
				removed++
				fsys.warn("orphan removed",
					slog.String("name", fi.name),
					slog.Uint64("cluster", uint64(fi.cluster)),
				)
				continue
			}
			if fi.IsDir() {
				work = append(work, fsys.dirEntryCluster(fi.cluster))
			}
		}
		if err := fsys.compactDirectory(dir); err != nil {
			return removed, err
		}
	}
	return removed, fsys.syncFSInfo()
}

// entryOrphaned reports whether a directory entry points at data the FAT no
// longer accounts for.
func (fsys *FS) entryOrphaned(fi *FileInfo) (bool, error) {
	if fi.cluster == 0 {
		// An empty file has no chain; a directory always needs one.
		return fi.IsDir(), nil
	}
	if !fsys.validClust(fi.cluster) {
		return true, nil
	}
	v, err := fsys.fatEntry(fi.cluster)
	if err != nil {
		return false, err
	}
	return entry(v).IsFree(), nil
}

// compactDirectory rewrites a directory's entries contiguously from its
// start, dropping deleted slots, zeroing the freed tail and releasing tail
// clusters the directory no longer needs.
func (fsys *FS) compactDirectory(start uint32) error {
	if err := fsys.win.sync(); err != nil {
		return err
	}
	fsys.win.invalidate()
	var rbuf, wbuf [sectorSize]byte

	wclst, wsec, wn := start, uint16(0), 0
	flushAndAdvance := func() error {
		sect := fsys.clst2sect(wclst) + lba(wsec)
		if err := fsys.dev.WriteBlocks(wbuf[:], int64(sect)); err != nil {
			return fmt.Errorf("compact write sector %d: %w", sect, err)
		}
		clear(wbuf[:])
		wn = 0
		wsec++
		if wsec == fsys.csize {
			wsec = 0
			next, err := fsys.nextCluster(wclst)
			if err != nil {
				return err
			}
			if next == 0 {
				// The write position never outruns the read position.
				return fmt.Errorf("%w: compaction outran directory chain", ErrCorruptChain)
			}
			wclst = next
		}
		return nil
	}

	rclst := start
	done := false
	var guard uint32
	for !done {
		if guard++; guard > fsys.nclust {
			return fmt.Errorf("%w: cycle in directory chain %d", ErrCorruptChain, start)
		}
		for rsec := uint16(0); rsec < fsys.csize && !done; rsec++ {
			sect := fsys.clst2sect(rclst) + lba(rsec)
			if err := fsys.dev.ReadBlocks(rbuf[:], int64(sect)); err != nil {
				return fmt.Errorf("compact read sector %d: %w", sect, err)
			}
			for off := 0; off < sectorSize; off += sizeDirEntry {
				b0 := rbuf[off]
				if b0 == 0x00 {
					done = true
					break
				}
				if b0 == deletedEntryByte {
					continue
				}
				// Flush lazily so a directory ending on an exactly full
				// sector never advances past its own chain.
				if wn == entriesPerSector {
					if err := flushAndAdvance(); err != nil {
						return err
					}
				}
				copy(wbuf[wn*sizeDirEntry:], rbuf[off:off+sizeDirEntry])
				wn++
			}
		}
		if done {
			break
		}
		next, err := fsys.nextCluster(rclst)
		if err != nil {
			return err
		}
		if next == 0 {
			break
		}
		rclst = next
	}

	// Final sector, zero padded when partial, then zero the rest of the
	// cluster.
	sect := fsys.clst2sect(wclst) + lba(wsec)
	if err := fsys.dev.WriteBlocks(wbuf[:], int64(sect)); err != nil {
		return fmt.Errorf("compact write sector %d: %w", sect, err)
	}
	clear(wbuf[:])
	for s := wsec + 1; s < fsys.csize; s++ {
		sect := fsys.clst2sect(wclst) + lba(s)
		if err := fsys.dev.WriteBlocks(wbuf[:], int64(sect)); err != nil {
			return fmt.Errorf("compact write sector %d: %w", sect, err)
		}
	}

	// Release chain links past the last cluster still holding entries.
	v, err := fsys.fatEntry(wclst)
	if err != nil {
		return err
	}
	if !entry(v).IsEOF() {
		if err := fsys.setFatEntry(wclst, clustEOF); err != nil {
			return err
		}
		if fsys.validClust(v) {
			if err := fsys.freeChain(v); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckReport summarizes a volume consistency scan.
type CheckReport struct {
	Files        int
	Directories  int
	UsedClusters uint32
	FreeClusters uint32
	// LostClusters are allocated in the FAT but referenced by no entry.
	LostClusters uint32
	// CrossLinks counts chains sharing clusters with another chain.
	CrossLinks int
	// RecordedFree is the FSInfo free count at scan time, 0xFFFFFFFF if unset.
	RecordedFree uint32
	Problems     []string
}

// Clean reports whether the scan found no inconsistencies.
func (r *CheckReport) Clean() bool {
	return r.LostClusters == 0 && r.CrossLinks == 0 && len(r.Problems) == 0
}

// CheckVolume walks every directory and cluster chain on the volume and
// cross-checks the result against the FAT. It does not modify the volume.
func (fsys *FS) CheckVolume() (CheckReport, error) {
	var rep CheckReport
	if err := fsys.checkMounted(); err != nil {
		return rep, err
	}
	rep.RecordedFree = fsys.freeclst
	bitmap := make([]uint64, (fsys.nclust+63)/64)
	mark := func(c uint32) bool {
		word, bit := c/64, c%64
		set := bitmap[word]&(1<<bit) != 0
		bitmap[word] |= 1 << bit
		return set
	}
	markChain := func(start uint32, what string) error {
		clst := start
		for n := uint32(0); ; n++ {
			if n > fsys.nclust {
				rep.Problems = append(rep.Problems, fmt.Sprintf("%s: chain cycle from cluster %d", what, start))
				return nil
			}
			if !fsys.validClust(clst) {
				rep.Problems = append(rep.Problems, fmt.Sprintf("%s: chain leaves volume at cluster %d", what, clst))
				return nil
			}
			if mark(clst) {
				rep.CrossLinks++
				return nil
			}
			rep.UsedClusters++
			v, err := fsys.fatEntry(clst)
			if err != nil {
				return err
			}
			if entry(v).IsEOF() {
				return nil
			}
			if entry(v).IsFree() || entry(v).IsBad() {
				rep.Problems = append(rep.Problems, fmt.Sprintf("%s: chain from %d hits entry %#x", what, start, v))
				return nil
			}
			clst = v
		}
	}

	if err := markChain(fsys.rootclst, "root directory"); err != nil {
		return rep, err
	}
	rep.Directories++

	work := []uint32{fsys.rootclst}
	seen := make(map[uint32]bool)
	for len(work) > 0 {
		dir := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[dir] {
			continue
		}
		seen[dir] = true
		dc := fsys.dirCursorAt(dir)
		var b lfnBuilder
		var fi FileInfo
		for {
			ok, err := dc.next(&fi, &b)
			if err != nil {
				return rep, err
			}
			if !ok {
				break
			}
			if fi.name == "." || fi.name == ".." {
				continue
			}
			if fi.IsDir() {
				rep.Directories++
				clst := fsys.dirEntryCluster(fi.cluster)
				if err := markChain(clst, fi.name); err != nil {
					return rep, err
				}
				work = append(work, clst)
				continue
			}
			rep.Files++
			if fi.cluster == 0 {
				if fi.size != 0 {
					rep.Problems = append(rep.Problems, fmt.Sprintf("%s: size %d with no data chain", fi.name, fi.size))
				}
				continue
			}
			if err := markChain(fi.cluster, fi.name); err != nil {
				return rep, err
			}
		}
	}

	for clst := uint32(clustFirst); clst < fsys.nclust; clst++ {
		v, err := fsys.fatEntry(clst)
		if err != nil {
			return rep, err
		}
		switch {
		case entry(v).IsFree():
			rep.FreeClusters++
		case entry(v).IsBad():
		default:
			word, bit := clst/64, clst%64
			if bitmap[word]&(1<<bit) == 0 {
				rep.LostClusters++
			}
		}
	}
	if rep.RecordedFree != 0xFFFF_FFFF && rep.RecordedFree != rep.FreeClusters {
		rep.Problems = append(rep.Problems,
			fmt.Sprintf("FSInfo free count %d, counted %d", rep.RecordedFree, rep.FreeClusters))
	}
	return rep, nil
}
