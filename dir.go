package picofat

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/picofat/picofat/internal/utf16x"
)

// FileInfo describes a directory entry as assembled from its 8.3 record and
// any preceding long name records.
type FileInfo struct {
	name    string
	altname string
	size    uint32
	attr    fileattr
	cluster uint32

	modified datetime
	created  datetime

	// Location of the entry set within its directory, used for delete,
	// rename and size updates.
	dirStart uint32 // First cluster of the containing directory.
	index    uint32 // Entry index of the 8.3 record.
	setStart uint32 // Entry index of the first record of the set.
}

// Name returns the long name of the file, or the 8.3 name if the entry
// carries no long name records.
func (fi *FileInfo) Name() string { return fi.name }

// AlternateName returns the 8.3 name of the file.
func (fi *FileInfo) AlternateName() string { return fi.altname }

// Size returns the size of the file in bytes. Directories report zero.
func (fi *FileInfo) Size() int64 { return int64(fi.size) }

// IsDir returns true if the entry is a subdirectory.
func (fi *FileInfo) IsDir() bool { return fi.attr.IsSubdirectory() }

// ModTime returns the modification time of the file.
func (fi *FileInfo) ModTime() time.Time { return fi.modified.Time() }

// CreateTime returns the creation time of the file.
func (fi *FileInfo) CreateTime() time.Time { return fi.created.Time() }

// FirstCluster returns the first data cluster of the file, zero for an empty
// file.
func (fi *FileInfo) FirstCluster() uint32 { return fi.cluster }

// dirCursor walks the 32-byte entries of a directory's cluster chain.
type dirCursor struct {
	fs    *FS
	start uint32
	clst  uint32
	sec   uint16 // Sector within the current cluster.
	off   uint16 // Byte offset within the sector.
	index uint32
	end   bool
}

func (fsys *FS) dirCursorAt(start uint32) dirCursor {
	return dirCursor{fs: fsys, start: start, clst: start}
}

func (dc *dirCursor) sector() lba {
	return dc.fs.clst2sect(dc.clst) + lba(dc.sec)
}

// entry loads the cursor's sector into the window and returns a view of the
// current entry. The view is invalidated by any further window movement.
func (dc *dirCursor) entry() (dirEntry, error) {
	if err := dc.fs.win.move(dc.sector()); err != nil {
		return dirEntry{}, err
	}
	return dirEntry{data: dc.fs.win.buf[dc.off : dc.off+sizeDirEntry]}, nil
}

// advance moves to the next entry, following the FAT chain across cluster
// boundaries. When extend is set the chain is grown with a zeroed cluster
// instead of ending.
func (dc *dirCursor) advance(extend bool) error {
	dc.index++
	dc.off += sizeDirEntry
	if dc.off < dc.fs.ssize {
		return nil
	}
	dc.off = 0
	dc.sec++
	if dc.sec < dc.fs.csize {
		return nil
	}
	dc.sec = 0
	next, err := dc.fs.nextCluster(dc.clst)
	if err != nil {
		return err
	}
	if next == 0 {
		if !extend {
			dc.end = true
			return nil
		}
		next, err = dc.fs.allocClusterZeroed(dc.clst)
		if err != nil {
			return err
		}
	}
	dc.clst = next
	return nil
}

func (dc *dirCursor) rewind() {
	dc.clst = dc.start
	dc.sec = 0
	dc.off = 0
	dc.index = 0
	dc.end = false
}

// seek positions the cursor on the entry with the given index.
func (dc *dirCursor) seek(index uint32) error {
	if dc.index > index || dc.end {
		dc.rewind()
	}
	for dc.index < index {
		if err := dc.advance(false); err != nil {
			return err
		}
		if dc.end {
			return fmt.Errorf("%w: directory shorter than entry index", ErrCorruptChain)
		}
	}
	return nil
}

// lfnBuilder accumulates long name records until their 8.3 record arrives.
// Records arrive highest ordinal first; each carries 13 UTF-16 units placed
// at (ordinal-1)*13 of the name.
type lfnBuilder struct {
	buf      [maxLFNEntries * lfnCharsPerEntry]uint16
	length   int
	expected uint8
	chksum   byte
	active   bool
	startIdx uint32
}

func (b *lfnBuilder) reset() { b.active = false }

func (b *lfnBuilder) feed(le *longFilenameEntry, index uint32) {
	seq := le.Sequence()
	if seq.IsDeleted() {
		b.reset()
		return
	}
	ord := seq.SequenceNumber()
	if ord == 0 || ord > maxLFNEntries {
		b.reset()
		return
	}
	var chars [lfnCharsPerEntry]uint16
	le.ReadChars(&chars)
	base := int(ord-1) * lfnCharsPerEntry
	if seq.IsLast() {
		// Start of a new sequence: the record holding the name's tail.
		b.active = true
		b.chksum = le.Checksum()
		b.expected = ord
		b.startIdx = index
		n := lfnCharsPerEntry
		for i, c := range chars {
			if c == 0 {
				n = i
				break
			}
		}
		b.length = base + n
		copy(b.buf[base:], chars[:n])
		return
	}
	if !b.active || ord != b.expected-1 || le.Checksum() != b.chksum {
		b.reset()
		return
	}
	copy(b.buf[base:], chars[:])
	b.expected = ord
}

// take finalizes the assembled name against the checksum of the 8.3 record
// that follows the sequence. A broken or mismatched sequence yields ok=false
// and the caller falls back to the 8.3 name.
func (b *lfnBuilder) take(sfnChecksum byte) (name string, start uint32, ok bool) {
	if !b.active || b.expected != 1 || b.chksum != sfnChecksum ||
		b.length == 0 || b.length > maxLFN {
		return "", 0, false
	}
	return utf16x.ToString(b.buf[:b.length]), b.startIdx, true
}

// next assembles the next live entry of the directory into fi.
// Returns false at the end of the directory.
func (dc *dirCursor) next(fi *FileInfo, b *lfnBuilder) (bool, error) {
	for !dc.end {
		de, err := dc.entry()
		if err != nil {
			return false, err
		}
		if de.isFree() {
			return false, nil
		}
		index := dc.index
		switch {
		case de.isDeleted():
			b.reset()
		case de.attributes().IsLFN():
			le := longFilenameEntry{data: de.data}
			b.feed(&le, index)
		case de.attributes().IsVolumeLabel():
			b.reset()
		default:
			sn := de.shortname()
			*fi = FileInfo{
				altname:  renderShortName(sn),
				size:     de.size(),
				attr:     de.attributes(),
				cluster:  de.cluster(),
				modified: de.modifiedAt(),
				created:  de.createdAt(),
				dirStart: dc.start,
				index:    index,
				setStart: index,
			}
			if name, start, ok := b.take(shortNameChecksum(sn[:])); ok {
				fi.name = name
				fi.setStart = start
			} else {
				fi.name = fi.altname
			}
			b.reset()
			if err := dc.advance(false); err != nil {
				return false, err
			}
			return true, nil
		}
		if err := dc.advance(false); err != nil {
			return false, err
		}
	}
	return false, nil
}

// renderShortName formats a raw 8.3 name as NAME.EXT.
func renderShortName(sn [11]byte) string {
	base := clipname(sn[:8])
	ext := clipname(sn[8:11])
	if len(ext) == 0 {
		return string(base)
	}
	return string(base) + "." + string(ext)
}

func isSep(c byte) bool { return c == '/' || c == '\\' }

func trimSeparatorPrefix(s string) string {
	for len(s) > 0 && isSep(s[0]) {
		s = s[1:]
	}
	return s
}

// nameEqual compares file names FAT-style: case insensitive over normalized
// unicode.
func nameEqual(a, b string) bool {
	return strings.EqualFold(norm.NFC.String(a), norm.NFC.String(b))
}

// invalidNameChars may not appear in a long file name.
const invalidNameChars = `\/:*?"<>|`

// validLongName checks a single path component.
func validLongName(name string) error {
	if len(name) == 0 {
		return ErrInvalidName
	}
	if name == "." || name == ".." {
		return ErrInvalidName
	}
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(invalidNameChars, r) {
			return ErrInvalidName
		}
	}
	if c := name[len(name)-1]; c == ' ' || c == '.' {
		return ErrInvalidName
	}
	if utf16x.UnitCount(name) > maxLFN {
		return ErrNameTooLong
	}
	return nil
}

// splitPath breaks a path into components. Dot components are rejected;
// relative navigation goes through Chdir.
func splitPath(path string) (parts []string, abs bool, err error) {
	if len(path) > 0 && isSep(path[0]) {
		abs = true
	}
	for _, p := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if p == "." || p == ".." {
			return nil, abs, ErrInvalidName
		}
		parts = append(parts, p)
	}
	return parts, abs, nil
}

// cwdCluster returns the first cluster of the working directory.
func (fsys *FS) cwdCluster() uint32 {
	if len(fsys.cwd) == 0 {
		return fsys.rootclst
	}
	return fsys.cwd[len(fsys.cwd)-1].clust
}

// lookup scans the directory starting at dirStart for the named entry.
func (fsys *FS) lookup(dirStart uint32, name string, fi *FileInfo) (bool, error) {
	dc := fsys.dirCursorAt(dirStart)
	var b lfnBuilder
	for {
		ok, err := dc.next(fi, &b)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		if nameEqual(fi.name, name) || nameEqual(fi.altname, name) {
			return true, nil
		}
	}
}

// namei resolves a path down to its parent directory cluster and final
// component. An empty base refers to the directory itself.
func (fsys *FS) namei(path string) (dirClst uint32, base string, err error) {
	parts, abs, err := splitPath(path)
	if err != nil {
		return 0, "", err
	}
	if abs {
		dirClst = fsys.rootclst
	} else {
		dirClst = fsys.cwdCluster()
	}
	if len(parts) == 0 {
		return dirClst, "", nil
	}
	for _, part := range parts[:len(parts)-1] {
		var fi FileInfo
		found, err := fsys.lookup(dirClst, part, &fi)
		if err != nil {
			return 0, "", err
		}
		if !found {
			return 0, "", fmt.Errorf("%w: %s", ErrNotFound, part)
		}
		if !fi.IsDir() {
			return 0, "", fmt.Errorf("%w: %s", ErrNotDirectory, part)
		}
		dirClst = fsys.dirEntryCluster(fi.cluster)
	}
	return dirClst, parts[len(parts)-1], nil
}

// dirEntryCluster maps a directory entry's stored cluster to a traversable
// one: dot-dot entries store zero for the root directory.
func (fsys *FS) dirEntryCluster(clst uint32) uint32 {
	if clst == 0 {
		return fsys.rootclst
	}
	return clst
}

// Stat returns the FileInfo of the named file or directory.
func (fsys *FS) Stat(path string) (FileInfo, error) {
	var fi FileInfo
	if err := fsys.checkMounted(); err != nil {
		return fi, err
	}
	dirClst, base, err := fsys.namei(path)
	if err != nil {
		return fi, err
	}
	if base == "" {
		return FileInfo{
			name:    "/",
			attr:    attrDirectory,
			cluster: dirClst,
		}, nil
	}
	found, err := fsys.lookup(dirClst, base, &fi)
	if err != nil {
		return fi, err
	}
	if !found {
		return fi, fmt.Errorf("%w: %s", ErrNotFound, base)
	}
	return fi, nil
}

// Exists reports whether the named file or directory exists.
func (fsys *FS) Exists(path string) (bool, error) {
	_, err := fsys.Stat(path)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func isNotFound(err error) bool {
	for e := err; e != nil; {
		if e == ErrNotFound {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// FileSize returns the size of the named file in bytes.
func (fsys *FS) FileSize(path string) (int64, error) {
	fi, err := fsys.Stat(path)
	if err != nil {
		return 0, err
	}
	if fi.IsDir() {
		return 0, ErrIsDirectory
	}
	return fi.Size(), nil
}

// ForEachFile calls the callback for each live entry of the named directory.
// Dot entries are skipped.
func (fsys *FS) ForEachFile(path string, callback func(*FileInfo) error) error {
	if err := fsys.checkMounted(); err != nil {
		return err
	}
	fi, err := fsys.Stat(path)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return ErrNotDirectory
	}
	dc := fsys.dirCursorAt(fsys.dirEntryCluster(fi.cluster))
	var b lfnBuilder
	var item FileInfo
	for {
		ok, err := dc.next(&item, &b)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if item.name == "." || item.name == ".." {
			continue
		}
		if err := callback(&item); err != nil {
			return err
		}
	}
}

// ReadDir lists the named directory.
func (fsys *FS) ReadDir(path string) ([]FileInfo, error) {
	var list []FileInfo
	err := fsys.ForEachFile(path, func(fi *FileInfo) error {
		list = append(list, *fi)
		return nil
	})
	return list, err
}

// shortNameInvalid are characters that cannot appear in an 8.3 name and get
// substituted during conversion.
const shortNameInvalid = "+,;=[]. "

// toShortName converts a long name into a raw 8.3 name. lossy reports that
// the conversion dropped information and a numeric tail is required for
// uniqueness.
func toShortName(name string) (raw [11]byte, lossy bool) {
	for i := range raw {
		raw[i] = ' '
	}
	base, ext := name, ""
	if dot := strings.LastIndexByte(name, '.'); dot > 0 {
		base, ext = name[:dot], name[dot+1:]
	}
	put := func(dst []byte, src string) (n int, lossy bool) {
		for _, r := range src {
			if n >= len(dst) {
				return n, true
			}
			switch {
			case r == '.' || r == ' ':
				lossy = true // Embedded spaces and extra dots are dropped.
			case r > 0x7E || strings.ContainsRune(shortNameInvalid, r) || strings.ContainsRune(invalidNameChars, r):
				dst[n] = '_'
				n++
				lossy = true
			case r >= 'a' && r <= 'z':
				dst[n] = byte(r - 'a' + 'A')
				n++
			default:
				dst[n] = byte(r)
				n++
			}
		}
		return n, lossy
	}
	bn, blossy := put(raw[:8], base)
	_, elossy := put(raw[8:11], ext)
	lossy = blossy || elossy || bn == 0
	if bn == 0 {
		raw[0] = '_'
	}
	return raw, lossy
}

// applyNumericTail rewrites the base part of a raw 8.3 name to BASE~N.
func applyNumericTail(raw [11]byte, n int) [11]byte {
	tail := "~" + fmt.Sprint(n)
	keep := 8 - len(tail)
	if keep < 0 {
		keep = 0
	}
	end := keep
	for end > 0 && raw[end-1] == ' ' {
		end--
	}
	copy(raw[end:], tail)
	for i := end + len(tail); i < 8; i++ {
		raw[i] = ' '
	}
	return raw
}

// shortNameTaken scans a directory for a raw 8.3 name collision.
func (fsys *FS) shortNameTaken(dirStart uint32, raw [11]byte) (bool, error) {
	dc := fsys.dirCursorAt(dirStart)
	for !dc.end {
		de, err := dc.entry()
		if err != nil {
			return false, err
		}
		if de.isFree() {
			return false, nil
		}
		if !de.isDeleted() && !de.attributes().IsLFN() && de.raw11() == raw {
			return true, nil
		}
		if err := dc.advance(false); err != nil {
			return false, err
		}
	}
	return false, nil
}

// uniqueShortName derives a collision-free raw 8.3 name for a new entry.
func (fsys *FS) uniqueShortName(dirStart uint32, name string) (raw [11]byte, needLFN bool, err error) {
	raw, lossy := toShortName(name)
	needTail := lossy
	if !needTail {
		taken, err := fsys.shortNameTaken(dirStart, raw)
		if err != nil {
			return raw, false, err
		}
		needTail = taken
	}
	if needTail {
		base := raw
		for n := 1; ; n++ {
			if n > 999999 {
				return raw, false, ErrExist
			}
			raw = applyNumericTail(base, n)
			taken, err := fsys.shortNameTaken(dirStart, raw)
			if err != nil {
				return raw, false, err
			}
			if !taken {
				break
			}
		}
	}
	needLFN = needTail || name != renderShortName(raw)
	return raw, needLFN, nil
}

// createEntry writes a new entry set (long name records plus the 8.3 record)
// into the directory, extending its cluster chain when no free run is large
// enough. Returns the FileInfo of the created entry.
func (fsys *FS) createEntry(dirStart uint32, name string, attr fileattr, clst, size uint32, dt datetime) (FileInfo, error) {
	var fi FileInfo
	if err := validLongName(name); err != nil {
		return fi, err
	}
	raw, needLFN, err := fsys.uniqueShortName(dirStart, name)
	if err != nil {
		return fi, err
	}
	var units [maxLFN]uint16
	var nunits, nlfn int
	if needLFN {
		nunits, err = utf16x.EncodeUnits(units[:], name)
		if err != nil {
			return fi, fmt.Errorf("%w: %s", ErrInvalidName, name)
		}
		nlfn = (nunits + lfnCharsPerEntry - 1) / lfnCharsPerEntry
	}
	need := uint32(nlfn + 1)

	// Find a run of free slots, growing the directory when the scan walks
	// off the end of the chain.
	dc := fsys.dirCursorAt(dirStart)
	var run, runStart uint32
	for {
		de, err := dc.entry()
		if err != nil {
			return fi, err
		}
		if de.isUsable() {
			if run == 0 {
				runStart = dc.index
			}
			run++
			if run == need {
				break
			}
		} else {
			run = 0
		}
		if err := dc.advance(true); err != nil {
			return fi, err
		}
	}

	chksum := shortNameChecksum(raw[:])
	if err := dc.seek(runStart); err != nil {
		return fi, err
	}
	for k := 0; k < nlfn; k++ {
		ord := uint8(nlfn - k)
		lo := int(ord-1) * lfnCharsPerEntry
		hi := lo + lfnCharsPerEntry
		if hi > nunits {
			hi = nunits
		}
		de, err := dc.entry()
		if err != nil {
			return fi, err
		}
		de.clear()
		le := longFilenameEntry{data: de.data}
		le.Compose(ord, k == 0, chksum, units[lo:hi])
		fsys.win.markDirty()
		if err := dc.advance(true); err != nil {
			return fi, err
		}
	}
	de, err := dc.entry()
	if err != nil {
		return fi, err
	}
	de.clear()
	de.setRaw11(raw)
	de.setAttributes(attr)
	de.setCreatedAt(dt)
	de.setModifiedAt(dt)
	de.setCluster(clst)
	de.setSize(size)
	fsys.win.markDirty()
	if err := fsys.win.sync(); err != nil {
		return fi, err
	}
	fsys.debug("entry created",
		slog.String("name", name),
		slog.Uint64("dir", uint64(dirStart)),
		slog.Uint64("index", uint64(dc.index)),
	)
	return FileInfo{
		name:     name,
		altname:  renderShortName(raw),
		size:     size,
		attr:     attr,
		cluster:  clst,
		modified: dt,
		created:  dt,
		dirStart: dirStart,
		index:    dc.index,
		setStart: runStart,
	}, nil
}

// deleteEntrySet marks the entry's long name records and 8.3 record deleted.
func (fsys *FS) deleteEntrySet(fi *FileInfo) error {
	dc := fsys.dirCursorAt(fi.dirStart)
	if err := dc.seek(fi.setStart); err != nil {
		return err
	}
	for dc.index <= fi.index {
		de, err := dc.entry()
		if err != nil {
			return err
		}
		de.markDeleted()
		fsys.win.markDirty()
		if err := dc.advance(false); err != nil {
			return err
		}
	}
	return fsys.win.sync()
}

// updateEntry applies fn to the 8.3 record of the entry and writes it back.
func (fsys *FS) updateEntry(fi *FileInfo, fn func(de dirEntry)) error {
	dc := fsys.dirCursorAt(fi.dirStart)
	if err := dc.seek(fi.index); err != nil {
		return err
	}
	de, err := dc.entry()
	if err != nil {
		return err
	}
	fn(de)
	fsys.win.markDirty()
	return fsys.win.sync()
}

// Mkdir creates a new directory with its dot entries.
func (fsys *FS) Mkdir(path string) error {
	if err := fsys.checkWritable(); err != nil {
		return err
	}
	parent, base, err := fsys.namei(path)
	if err != nil {
		return err
	}
	if base == "" {
		return ErrExist
	}
	var fi FileInfo
	found, err := fsys.lookup(parent, base, &fi)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", ErrExist, base)
	}
	clst, err := fsys.allocClusterZeroed(0)
	if err != nil {
		return err
	}
	if err := fsys.writeDotEntries(clst, parent); err != nil {
		return err
	}
	_, err = fsys.createEntry(parent, base, attrDirectory, clst, 0, newDatetime(time.Now()))
	return err
}

// writeDotEntries fills the first two slots of a fresh directory cluster.
// The dot-dot entry stores zero when the parent is the root directory.
func (fsys *FS) writeDotEntries(clst, parent uint32) error {
	if err := fsys.win.move(fsys.clst2sect(clst)); err != nil {
		return err
	}
	dt := newDatetime(time.Now())
	dot := dirEntry{data: fsys.win.buf[0:sizeDirEntry]}
	dot.clear()
	dot.setRaw11([11]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '})
	dot.setAttributes(attrDirectory)
	dot.setCreatedAt(dt)
	dot.setModifiedAt(dt)
	dot.setCluster(clst)

	dotdot := dirEntry{data: fsys.win.buf[sizeDirEntry : 2*sizeDirEntry]}
	dotdot.clear()
	dotdot.setRaw11([11]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '})
	dotdot.setAttributes(attrDirectory)
	dotdot.setCreatedAt(dt)
	dotdot.setModifiedAt(dt)
	if parent != fsys.rootclst {
		dotdot.setCluster(parent)
	}
	fsys.win.markDirty()
	return fsys.win.sync()
}

// Remove deletes the named file or empty directory and frees its cluster
// chain.
func (fsys *FS) Remove(path string) error {
	if err := fsys.checkWritable(); err != nil {
		return err
	}
	fi, err := fsys.Stat(path)
	if err != nil {
		return err
	}
	if fi.name == "/" {
		return ErrInvalidName
	}
	if fsys.clusterInUse(fi.cluster) {
		return ErrFileOpen
	}
	if fi.IsDir() {
		empty, err := fsys.dirEmpty(fsys.dirEntryCluster(fi.cluster))
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("%w: %s", ErrDirNotEmpty, path)
		}
	}
	if err := fsys.deleteEntrySet(&fi); err != nil {
		return err
	}
	if fi.cluster != 0 {
		if err := fsys.freeChain(fi.cluster); err != nil {
			return err
		}
	}
	fsys.info("removed", slog.String("path", path))
	return fsys.syncFSInfo()
}

func (fsys *FS) clusterInUse(clst uint32) bool {
	if clst == 0 {
		return false
	}
	if fsys.reader != nil && fsys.reader.start == clst {
		return true
	}
	if fsys.writer != nil && fsys.writer.start == clst {
		return true
	}
	return false
}

// dirEmpty reports whether the directory holds only dot entries.
func (fsys *FS) dirEmpty(start uint32) (bool, error) {
	dc := fsys.dirCursorAt(start)
	var b lfnBuilder
	var fi FileInfo
	for {
		ok, err := dc.next(&fi, &b)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		if fi.name != "." && fi.name != ".." {
			return false, nil
		}
	}
}

// Rename moves or renames a file or directory, preserving its data chain and
// timestamps.
func (fsys *FS) Rename(oldpath, newpath string) error {
	if err := fsys.checkWritable(); err != nil {
		return err
	}
	fi, err := fsys.Stat(oldpath)
	if err != nil {
		return err
	}
	if fi.name == "/" {
		return ErrInvalidName
	}
	newDir, newBase, err := fsys.namei(newpath)
	if err != nil {
		return err
	}
	if newBase == "" {
		return ErrExist
	}
	var clash FileInfo
	found, err := fsys.lookup(newDir, newBase, &clash)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", ErrExist, newBase)
	}
	if fi.IsDir() {
		// Moving a directory beneath itself would orphan the subtree.
		inside, err := fsys.isAncestor(fsys.dirEntryCluster(fi.cluster), newDir)
		if err != nil {
			return err
		}
		if inside {
			return ErrInvalidName
		}
	}
	nfi, err := fsys.createEntry(newDir, newBase, fi.attr, fi.cluster, fi.size, fi.modified)
	if err != nil {
		return err
	}
	if err := fsys.updateEntry(&nfi, func(de dirEntry) {
		de.setCreatedAt(fi.created)
	}); err != nil {
		return err
	}
	if err := fsys.deleteEntrySet(&fi); err != nil {
		return err
	}
	if fi.IsDir() && newDir != fi.dirStart {
		if err := fsys.updateDotDot(fsys.dirEntryCluster(fi.cluster), newDir); err != nil {
			return err
		}
	}
	return nil
}

// isAncestor reports whether dir equals or contains other, walking dot-dot
// entries up from other. The walk is bounded by the cluster count.
func (fsys *FS) isAncestor(dir, other uint32) (bool, error) {
	clst := other
	for n := uint32(0); n < fsys.nclust; n++ {
		if clst == dir {
			return true, nil
		}
		if clst == fsys.rootclst {
			return false, nil
		}
		if err := fsys.win.move(fsys.clst2sect(clst)); err != nil {
			return false, err
		}
		de := dirEntry{data: fsys.win.buf[sizeDirEntry : 2*sizeDirEntry]}
		if !de.isDotEntry() {
			return false, nil
		}
		clst = fsys.dirEntryCluster(de.cluster())
	}
	return false, fmt.Errorf("%w: directory parent walk", ErrCorruptChain)
}

// updateDotDot rewrites the dot-dot entry of a moved directory.
func (fsys *FS) updateDotDot(dir, newParent uint32) error {
	if err := fsys.win.move(fsys.clst2sect(dir)); err != nil {
		return err
	}
	de := dirEntry{data: fsys.win.buf[sizeDirEntry : 2*sizeDirEntry]}
	if !de.isDotEntry() {
		return nil
	}
	if newParent == fsys.rootclst {
		de.setCluster(0)
	} else {
		de.setCluster(newParent)
	}
	fsys.win.markDirty()
	return fsys.win.sync()
}

// Chdir changes the working directory. Dot-dot components pop one level,
// an absolute path restarts at the root.
func (fsys *FS) Chdir(path string) error {
	if err := fsys.checkMounted(); err != nil {
		return err
	}
	stack := fsys.cwd
	if len(path) > 0 && isSep(path[0]) {
		stack = stack[:0]
	}
	stack = append([]dirRef(nil), stack...)
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		switch part {
		case ".":
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			from := fsys.rootclst
			if len(stack) > 0 {
				from = stack[len(stack)-1].clust
			}
			var fi FileInfo
			found, err := fsys.lookup(from, part, &fi)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s", ErrNotFound, part)
			}
			if !fi.IsDir() {
				return fmt.Errorf("%w: %s", ErrNotDirectory, part)
			}
			stack = append(stack, dirRef{name: fi.name, clust: fsys.dirEntryCluster(fi.cluster)})
		}
	}
	fsys.cwd = stack
	return nil
}

// Getwd returns the absolute path of the working directory.
func (fsys *FS) Getwd() string {
	if len(fsys.cwd) == 0 {
		return "/"
	}
	var sb strings.Builder
	for _, ref := range fsys.cwd {
		sb.WriteByte('/')
		sb.WriteString(ref.name)
	}
	return sb.String()
}
