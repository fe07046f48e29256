package picofat

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// ErrUnsupported is returned by virtual filesystem operations the FAT layer
// has no representation for.
var ErrUnsupported = errors.New("operation not supported")

// NewAferoFS wraps a mounted filesystem in the afero.Fs interface so it can
// be used by code written against virtual filesystems. The wrapped filesystem
// keeps its single-reader, single-writer limitation: a second concurrently
// open handle of the same kind fails with ErrFileOpen.
func NewAferoFS(fsys *FS) afero.Fs {
	return &aferoFS{fsys: fsys}
}

type aferoFS struct {
	fsys *FS
}

func (a *aferoFS) Name() string { return "picofat" }

func (a *aferoFS) Create(name string) (afero.File, error) {
	return a.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0)
}

func (a *aferoFS) Open(name string) (afero.File, error) {
	return a.OpenFile(name, os.O_RDONLY, 0)
}

func (a *aferoFS) OpenFile(name string, flag int, _ os.FileMode) (afero.File, error) {
	fi, err := a.fsys.Stat(name)
	if err == nil && fi.IsDir() {
		if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC) != 0 {
			return nil, &os.PathError{Op: "open", Path: name, Err: ErrIsDirectory}
		}
		return &aferoFile{fsys: a.fsys, path: name, fi: fi}, nil
	}
	mode, err := flagToMode(flag)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	f := new(File)
	if err := a.fsys.OpenFile(f, name, mode); err != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	fi, err = a.fsys.Stat(name)
	if err != nil {
		f.Close()
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	return &aferoFile{fsys: a.fsys, path: name, f: f, fi: fi}, nil
}

func flagToMode(flag int) (Mode, error) {
	var mode Mode
	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_RDONLY:
		mode = ModeRead
	case os.O_WRONLY:
		mode = ModeWrite
	case os.O_RDWR:
		mode = ModeRW
	}
	switch {
	case flag&os.O_EXCL != 0:
		mode |= ModeCreateNew
	case flag&os.O_APPEND != 0:
		mode |= ModeOpenAppend
	case flag&(os.O_CREATE|os.O_TRUNC) == os.O_CREATE|os.O_TRUNC:
		mode |= ModeCreateAlways
	case flag&os.O_CREATE != 0:
		mode |= ModeOpenAlways
	}
	return mode, nil
}

func (a *aferoFS) Mkdir(name string, _ os.FileMode) error {
	return a.fsys.Mkdir(name)
}

func (a *aferoFS) MkdirAll(path string, _ os.FileMode) error {
	var prefix string
	if strings.HasPrefix(path, "/") {
		prefix = "/"
	}
	elems := strings.Split(strings.Trim(path, "/"), "/")
	for i := range elems {
		dir := prefix + strings.Join(elems[:i+1], "/")
		err := a.fsys.Mkdir(dir)
		if err != nil && !errors.Is(err, ErrExist) {
			return err
		}
	}
	return nil
}

func (a *aferoFS) Remove(name string) error {
	return a.fsys.Remove(name)
}

func (a *aferoFS) RemoveAll(path string) error {
	fi, err := a.fsys.Stat(path)
	if isNotFound(err) {
		return nil
	} else if err != nil {
		return err
	}
	if fi.IsDir() {
		children, err := a.fsys.ReadDir(path)
		if err != nil {
			return err
		}
		for i := range children {
			if err := a.RemoveAll(strings.TrimSuffix(path, "/") + "/" + children[i].Name()); err != nil {
				return err
			}
		}
	}
	if fi.Name() == "/" {
		return nil // Cannot remove the root directory itself.
	}
	return a.fsys.Remove(path)
}

func (a *aferoFS) Rename(oldname, newname string) error {
	return a.fsys.Rename(oldname, newname)
}

func (a *aferoFS) Stat(name string) (os.FileInfo, error) {
	fi, err := a.fsys.Stat(name)
	if err != nil {
		return nil, &os.PathError{Op: "stat", Path: name, Err: err}
	}
	return vfsInfo{fi: fi}, nil
}

func (a *aferoFS) Chmod(name string, _ os.FileMode) error {
	_, err := a.fsys.Stat(name)
	return err // FAT has no permission bits worth mapping.
}

func (a *aferoFS) Chown(string, int, int) error { return ErrUnsupported }

func (a *aferoFS) Chtimes(string, time.Time, time.Time) error { return ErrUnsupported }

// vfsInfo adapts FileInfo to os.FileInfo.
type vfsInfo struct {
	fi FileInfo
}

func (v vfsInfo) Name() string { return v.fi.Name() }
func (v vfsInfo) Size() int64  { return v.fi.Size() }
func (v vfsInfo) Mode() os.FileMode {
	if v.fi.IsDir() {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (v vfsInfo) ModTime() time.Time { return v.fi.ModTime() }
func (v vfsInfo) IsDir() bool        { return v.fi.IsDir() }
func (v vfsInfo) Sys() any           { return nil }

// aferoFile adapts File to afero.File. Directories carry a nil handle and
// serve directory listings only.
type aferoFile struct {
	fsys   *FS
	path   string
	f      *File
	fi     FileInfo
	dirpos int
}

var errIsDirHandle = errors.New("handle refers to a directory")

func (af *aferoFile) Name() string { return af.path }

func (af *aferoFile) Close() error {
	if af.f == nil {
		return nil
	}
	err := af.f.Close()
	af.f = nil
	return err
}

func (af *aferoFile) Read(p []byte) (int, error) {
	if af.f == nil {
		return 0, errIsDirHandle
	}
	return af.f.Read(p)
}

func (af *aferoFile) Write(p []byte) (int, error) {
	if af.f == nil {
		return 0, errIsDirHandle
	}
	return af.f.Write(p)
}

func (af *aferoFile) Seek(offset int64, whence int) (int64, error) {
	if af.f == nil {
		return 0, errIsDirHandle
	}
	return af.f.Seek(offset, whence)
}

func (af *aferoFile) ReadAt(p []byte, off int64) (int, error) {
	if af.f == nil {
		return 0, errIsDirHandle
	}
	pos, err := af.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if _, err := af.f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(af.f, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	if _, serr := af.f.Seek(pos, io.SeekStart); serr != nil && err == nil {
		err = serr
	}
	return n, err
}

func (af *aferoFile) WriteAt(p []byte, off int64) (int, error) {
	if af.f == nil {
		return 0, errIsDirHandle
	}
	pos, err := af.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if _, err := af.f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := af.f.Write(p)
	if _, serr := af.f.Seek(pos, io.SeekStart); serr != nil && err == nil {
		err = serr
	}
	return n, err
}

func (af *aferoFile) WriteString(s string) (int, error) {
	return af.Write([]byte(s))
}

func (af *aferoFile) Stat() (os.FileInfo, error) {
	fi, err := af.fsys.Stat(af.path)
	if err != nil {
		return nil, err
	}
	return vfsInfo{fi: fi}, nil
}

func (af *aferoFile) Sync() error {
	if af.f == nil {
		return nil
	}
	return af.f.Sync()
}

func (af *aferoFile) Truncate(size int64) error {
	if af.f == nil {
		return errIsDirHandle
	}
	return af.f.Truncate(size)
}

func (af *aferoFile) Readdir(count int) ([]os.FileInfo, error) {
	if !af.fi.IsDir() {
		return nil, ErrNotDirectory
	}
	children, err := af.fsys.ReadDir(af.path)
	if err != nil {
		return nil, err
	}
	if af.dirpos >= len(children) {
		if count > 0 {
			return nil, io.EOF
		}
		return nil, nil
	}
	children = children[af.dirpos:]
	if count > 0 && count < len(children) {
		children = children[:count]
	}
	af.dirpos += len(children)
	infos := make([]os.FileInfo, len(children))
	for i := range children {
		infos[i] = vfsInfo{fi: children[i]}
	}
	return infos, nil
}

func (af *aferoFile) Readdirnames(n int) ([]string, error) {
	infos, err := af.Readdir(n)
	names := make([]string, len(infos))
	for i, fi := range infos {
		names[i] = fi.Name()
	}
	return names, err
}
