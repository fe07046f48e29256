package picofat

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// File is an open file on a mounted volume. A volume admits at most one
// handle open for reading and one open for writing at a time; a read-write
// handle occupies both slots.
type File struct {
	fs   *FS
	fsid uint16
	mode Mode
	name string
	fi   FileInfo

	size  uint32
	pos   uint32
	start uint32 // First data cluster, zero while the file is empty.

	clst    uint32 // Cluster containing cluster index clstIdx of the file.
	clstIdx uint32

	bufSect   lba // Sector held in buf, badLBA if none.
	bufDirty  bool
	metaDirty bool // Directory entry needs rewriting.
	buf       [sectorSize]byte
}

var (
	_ io.ReadWriteCloser = (*File)(nil)
	_ io.Seeker          = (*File)(nil)
)

// OpenFile opens the named file for reading or writing depending on mode.
// The path is resolved against the working directory unless absolute.
func (fsys *FS) OpenFile(fp *File, path string, mode Mode) error {
	if err := fsys.checkMounted(); err != nil {
		return err
	}
	if mode&^allowedModes != 0 || mode&ModeRW == 0 {
		return ErrInvalidMode
	}
	if (mode&ModeRW)&^fsys.perm != 0 {
		return ErrForbiddenMode
	}
	create := mode & (ModeCreateNew | ModeCreateAlways | ModeOpenAlways)
	if create != 0 && mode&ModeWrite == 0 {
		return ErrInvalidMode
	}
	if mode&ModeRead != 0 && fsys.reader != nil {
		return ErrFileOpen
	}
	if mode&ModeWrite != 0 && fsys.writer != nil {
		return ErrFileOpen
	}

	dirClst, base, err := fsys.namei(path)
	if err != nil {
		return err
	}
	if base == "" {
		return ErrIsDirectory
	}
	var fi FileInfo
	found, err := fsys.lookup(dirClst, base, &fi)
	if err != nil {
		return err
	}
	switch {
	case found:
		if fi.IsDir() {
			return fmt.Errorf("%w: %s", ErrIsDirectory, base)
		}
		if fi.attr.IsReadonly() && mode&ModeWrite != 0 {
			return fmt.Errorf("%w: %s", ErrReadOnlyFile, base)
		}
		if mode&ModeCreateNew != 0 {
			return fmt.Errorf("%w: %s", ErrExist, base)
		}
		if mode&ModeCreateAlways != 0 && (fi.cluster != 0 || fi.size != 0) {
			// Truncate in place: free the data chain, keep the entry.
			if fi.cluster != 0 {
				if err := fsys.freeChain(fi.cluster); err != nil {
					return err
				}
			}
			fi.cluster = 0
			fi.size = 0
			if err := fsys.updateEntry(&fi, func(de dirEntry) {
				de.setCluster(0)
				de.setSize(0)
			}); err != nil {
				return err
			}
		}
	case create == 0:
		return fmt.Errorf("%w: %s", ErrNotFound, base)
	default:
		fi, err = fsys.createEntry(dirClst, base, attrArchive, 0, 0, newDatetime(time.Now()))
		if err != nil {
			return err
		}
	}

	*fp = File{
		fs:      fsys,
		fsid:    fsys.id,
		mode:    mode,
		name:    fi.name,
		fi:      fi,
		size:    fi.size,
		start:   fi.cluster,
		bufSect: badLBA,
	}
	if mode&ModeOpenAppend&^ModeOpenAlways != 0 {
		fp.pos = fp.size
	}
	if mode&ModeRead != 0 {
		fsys.reader = fp
	}
	if mode&ModeWrite != 0 {
		fsys.writer = fp
	}
	fsys.debug("open",
		slog.String("name", fp.name),
		slog.Uint64("size", uint64(fp.size)),
		slog.Uint64("mode", uint64(mode)),
	)
	return nil
}

func (fp *File) validate() error {
	if fp.fs == nil || fp.fsid != fp.fs.id {
		return ErrClosedFile
	}
	return nil
}

// Name returns the long name of the file.
func (fp *File) Name() string { return fp.name }

// Mode returns the access mode bits of the handle.
func (fp *File) Mode() Mode { return fp.mode & ModeRW }

// Size returns the current size of the file in bytes, including unsynced
// writes.
func (fp *File) Size() int64 { return int64(fp.size) }

// ensureCluster positions fp.clst on the cluster holding fp.pos, allocating
// chain links when alloc is set.
func (fp *File) ensureCluster(alloc bool) error {
	fsys := fp.fs
	cb := fsys.clusterBytes()
	target := fp.pos / cb
	if fp.start == 0 {
		if !alloc {
			return fmt.Errorf("%w: read of unallocated file", ErrCorruptChain)
		}
		clst, err := fsys.allocCluster(0)
		if err != nil {
			return err
		}
		fp.start = clst
		fp.clst = clst
		fp.clstIdx = 0
		fp.metaDirty = true
	}
	if fp.clst == 0 || target < fp.clstIdx {
		fp.clst = fp.start
		fp.clstIdx = 0
	}
	for fp.clstIdx < target {
		next, err := fsys.nextCluster(fp.clst)
		if err != nil {
			return err
		}
		if next == 0 {
			if !alloc {
				return fmt.Errorf("%w: chain ends before position %d", ErrCorruptChain, fp.pos)
			}
			next, err = fsys.allocCluster(fp.clst)
			if err != nil {
				return err
			}
		}
		fp.clst = next
		fp.clstIdx++
	}
	return nil
}

// posSector returns the device sector holding fp.pos. Call after
// ensureCluster.
func (fp *File) posSector() lba {
	fsys := fp.fs
	inClst := fp.pos % fsys.clusterBytes()
	return fsys.clst2sect(fp.clst) + lba(fsys.divSS(inClst))
}

func (fp *File) loadBuf(sect lba) error {
	if fp.bufSect == sect {
		return nil
	}
	if err := fp.flushBuf(); err != nil {
		return err
	}
	if err := fp.fs.dev.ReadBlocks(fp.buf[:], int64(sect)); err != nil {
		fp.bufSect = badLBA
		return fmt.Errorf("file read sector %d: %w", sect, err)
	}
	fp.bufSect = sect
	return nil
}

func (fp *File) flushBuf() error {
	if !fp.bufDirty {
		return nil
	}
	if err := fp.fs.dev.WriteBlocks(fp.buf[:], int64(fp.bufSect)); err != nil {
		return fmt.Errorf("file write sector %d: %w", fp.bufSect, err)
	}
	fp.bufDirty = false
	return nil
}

// Read reads up to len(p) bytes from the file. It implements [io.Reader].
func (fp *File) Read(p []byte) (int, error) {
	if err := fp.validate(); err != nil {
		return 0, err
	}
	if fp.mode&ModeRead == 0 {
		return 0, ErrForbiddenMode
	}
	if fp.pos >= fp.size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	fsys := fp.fs
	ss := uint32(fsys.ssize)
	n := 0
	for n < len(p) && fp.pos < fp.size {
		if err := fp.ensureCluster(false); err != nil {
			return n, err
		}
		so := fsys.modSS(fp.pos)
		sect := fp.posSector()
		remain := uint32(len(p) - n)
		if left := fp.size - fp.pos; left < remain {
			remain = left
		}
		if so == 0 && remain >= ss {
			// Whole sectors: transfer the contiguous run left in this
			// cluster with one multi-block read.
			secInClst := fsys.divSS(fp.pos % fsys.clusterBytes())
			run := uint32(fsys.csize) - secInClst
			if want := remain / ss; want < run {
				run = want
			}
			if fp.bufDirty && fp.bufSect >= sect && fp.bufSect < sect+lba(run) {
				if err := fp.flushBuf(); err != nil {
					return n, err
				}
			}
			nb := int(run * ss)
			if err := fsys.dev.ReadBlocks(p[n:n+nb], int64(sect)); err != nil {
				return n, fmt.Errorf("file read sector %d: %w", sect, err)
			}
			n += nb
			fp.pos += run * ss
			continue
		}
		if err := fp.loadBuf(sect); err != nil {
			return n, err
		}
		chunk := ss - so
		if chunk > remain {
			chunk = remain
		}
		copy(p[n:], fp.buf[so:so+chunk])
		n += int(chunk)
		fp.pos += chunk
	}
	return n, nil
}

// Write writes len(p) bytes to the file. It implements [io.Writer].
func (fp *File) Write(p []byte) (int, error) {
	if err := fp.validate(); err != nil {
		return 0, err
	}
	if fp.mode&ModeWrite == 0 {
		return 0, ErrForbiddenMode
	}
	fsys := fp.fs
	ss := uint32(fsys.ssize)
	n := 0
	for n < len(p) {
		if err := fp.ensureCluster(true); err != nil {
			return n, err
		}
		so := fsys.modSS(fp.pos)
		sect := fp.posSector()
		remain := uint32(len(p) - n)
		if so == 0 && remain >= ss {
			secInClst := fsys.divSS(fp.pos % fsys.clusterBytes())
			run := uint32(fsys.csize) - secInClst
			if want := remain / ss; want < run {
				run = want
			}
			if fp.bufSect >= sect && fp.bufSect < sect+lba(run) {
				// Direct write supersedes whatever the private buffer holds.
				fp.bufDirty = false
				fp.bufSect = badLBA
			}
			nb := int(run * ss)
			if err := fsys.dev.WriteBlocks(p[n:n+nb], int64(sect)); err != nil {
				return n, fmt.Errorf("file write sector %d: %w", sect, err)
			}
			n += nb
			fp.pos += run * ss
		} else {
			// Partial sector: read-modify-write through the private buffer.
			if fp.pos-so < fp.size {
				if err := fp.loadBuf(sect); err != nil {
					return n, err
				}
			} else if fp.bufSect != sect {
				if err := fp.flushBuf(); err != nil {
					return n, err
				}
				clear(fp.buf[:])
				fp.bufSect = sect
			}
			chunk := ss - so
			if chunk > remain {
				chunk = remain
			}
			copy(fp.buf[so:so+chunk], p[n:n+int(chunk)])
			fp.bufDirty = true
			n += int(chunk)
			fp.pos += chunk
		}
		if fp.pos > fp.size {
			fp.size = fp.pos
			fp.metaDirty = true
		}
	}
	return n, nil
}

// Seek sets the position of the next Read or Write. Seeking past the end of
// the file is rejected. It implements [io.Seeker].
func (fp *File) Seek(offset int64, whence int) (int64, error) {
	if err := fp.validate(); err != nil {
		return 0, err
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(fp.pos) + offset
	case io.SeekEnd:
		abs = int64(fp.size) + offset
	default:
		return 0, fmt.Errorf("invalid seek whence %d", whence)
	}
	if abs < 0 || abs > int64(fp.size) {
		return 0, fmt.Errorf("seek position %d outside file", abs)
	}
	fp.pos = uint32(abs)
	return abs, nil
}

// Truncate shrinks the file to the given size, releasing clusters past the
// new end. Growing a file through Truncate is not supported.
func (fp *File) Truncate(size int64) error {
	if err := fp.validate(); err != nil {
		return err
	}
	if fp.mode&ModeWrite == 0 {
		return ErrForbiddenMode
	}
	if size < 0 || size > int64(fp.size) {
		return fmt.Errorf("truncate to %d outside file", size)
	}
	if size == int64(fp.size) {
		return nil
	}
	fsys := fp.fs
	if err := fp.flushBuf(); err != nil {
		return err
	}
	fp.bufSect = badLBA
	if size == 0 {
		if fp.start != 0 {
			if err := fsys.freeChain(fp.start); err != nil {
				return err
			}
		}
		fp.start = 0
		fp.clst = 0
		fp.clstIdx = 0
	} else {
		keep := (uint32(size) + fsys.clusterBytes() - 1) / fsys.clusterBytes()
		clst := fp.start
		for i := uint32(1); i < keep; i++ {
			next, err := fsys.nextCluster(clst)
			if err != nil {
				return err
			}
			if next == 0 {
				return fmt.Errorf("%w: chain shorter than file size", ErrCorruptChain)
			}
			clst = next
		}
		rest, err := fsys.nextCluster(clst)
		if err != nil {
			return err
		}
		if err := fsys.setFatEntry(clst, clustEOF); err != nil {
			return err
		}
		if rest != 0 {
			if err := fsys.freeChain(rest); err != nil {
				return err
			}
		}
		fp.clst = fp.start
		fp.clstIdx = 0
	}
	fp.size = uint32(size)
	if fp.pos > fp.size {
		fp.pos = fp.size
	}
	fp.metaDirty = true
	return fp.Sync()
}

// Sync commits buffered data and the directory entry to the device.
func (fp *File) Sync() error {
	if err := fp.validate(); err != nil {
		return err
	}
	if err := fp.flushBuf(); err != nil {
		return err
	}
	fsys := fp.fs
	if fp.metaDirty && fp.mode&ModeWrite != 0 {
		fp.fi.size = fp.size
		fp.fi.cluster = fp.start
		fp.fi.modified = newDatetime(time.Now())
		if err := fsys.updateEntry(&fp.fi, func(de dirEntry) {
			de.setSize(fp.fi.size)
			de.setCluster(fp.fi.cluster)
			de.setModifiedAt(fp.fi.modified)
			de.setAttributes(de.attributes() | attrArchive)
		}); err != nil {
			return err
		}
		fp.metaDirty = false
	}
	return fsys.Sync()
}

// Close flushes the file and releases its handle slot.
func (fp *File) Close() error {
	err := fp.Sync()
	fsys := fp.fs
	if fsys != nil {
		if fsys.reader == fp {
			fsys.reader = nil
		}
		if fsys.writer == fp {
			fsys.writer = nil
		}
		fsys.debug("close", slog.String("name", fp.name), slog.Uint64("size", uint64(fp.size)))
	}
	fp.fs = nil
	return err
}

// ReadFile reads the whole named file.
func (fsys *FS) ReadFile(path string) ([]byte, error) {
	var fp File
	if err := fsys.OpenFile(&fp, path, ModeRead); err != nil {
		return nil, err
	}
	defer fp.Close()
	buf := make([]byte, fp.Size())
	if _, err := io.ReadFull(&fp, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFile writes data to the named file, creating or truncating it.
func (fsys *FS) WriteFile(path string, data []byte) error {
	var fp File
	if err := fsys.OpenFile(&fp, path, ModeWrite|ModeCreateAlways); err != nil {
		return err
	}
	if _, err := fp.Write(data); err != nil {
		fp.Close()
		return err
	}
	return fp.Close()
}
