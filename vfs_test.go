package picofat_test

import (
	"io"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/picofat/picofat"
)

func mkAferoFS(t *testing.T) afero.Fs {
	t.Helper()
	fsys, _ := mkfs(t)
	return picofat.NewAferoFS(fsys)
}

func TestAferoCreateAndRead(t *testing.T) {
	vfs := mkAferoFS(t)
	require.NoError(t, afero.WriteFile(vfs, "/hello.txt", []byte("hello afero"), 0o644))
	got, err := afero.ReadFile(vfs, "/hello.txt")
	require.NoError(t, err)
	require.Equal(t, "hello afero", string(got))

	st, err := vfs.Stat("/hello.txt")
	require.NoError(t, err)
	require.Equal(t, int64(len("hello afero")), st.Size())
	require.False(t, st.IsDir())
}

func TestAferoMkdirAllAndWalk(t *testing.T) {
	vfs := mkAferoFS(t)
	require.NoError(t, vfs.MkdirAll("/a/b/c", 0o755))
	require.NoError(t, afero.WriteFile(vfs, "/a/b/c/leaf.txt", []byte("leaf"), 0o644))

	st, err := vfs.Stat("/a/b/c")
	require.NoError(t, err)
	require.True(t, st.IsDir())

	// MkdirAll over an existing tree is a no-op.
	require.NoError(t, vfs.MkdirAll("/a/b", 0o755))

	dir, err := vfs.Open("/a/b")
	require.NoError(t, err)
	names, err := dir.Readdirnames(-1)
	require.NoError(t, err)
	require.NoError(t, dir.Close())
	require.Equal(t, []string{"c"}, names)
}

func TestAferoReaddirPaging(t *testing.T) {
	vfs := mkAferoFS(t)
	for _, name := range []string{"/1.txt", "/2.txt", "/3.txt"} {
		require.NoError(t, afero.WriteFile(vfs, name, []byte("x"), 0o644))
	}
	dir, err := vfs.Open("/")
	require.NoError(t, err)
	defer dir.Close()

	first, err := dir.Readdir(2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	rest, err := dir.Readdir(2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	_, err = dir.Readdir(2)
	require.ErrorIs(t, err, io.EOF)
}

func TestAferoRemoveAll(t *testing.T) {
	vfs := mkAferoFS(t)
	require.NoError(t, vfs.MkdirAll("/tree/x", 0o755))
	require.NoError(t, afero.WriteFile(vfs, "/tree/f.txt", []byte("f"), 0o644))
	require.NoError(t, afero.WriteFile(vfs, "/tree/x/g.txt", []byte("g"), 0o644))

	require.NoError(t, vfs.RemoveAll("/tree"))
	exists, err := afero.Exists(vfs, "/tree")
	require.NoError(t, err)
	require.False(t, exists)

	// RemoveAll of a missing path succeeds.
	require.NoError(t, vfs.RemoveAll("/missing"))
}

func TestAferoOpenFileFlags(t *testing.T) {
	vfs := mkAferoFS(t)
	require.NoError(t, afero.WriteFile(vfs, "/f.txt", []byte("abc"), 0o644))

	_, err := vfs.OpenFile("/f.txt", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	require.Error(t, err, "O_EXCL on an existing file fails")

	f, err := vfs.OpenFile("/f.txt", os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("def"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := afero.ReadFile(vfs, "/f.txt")
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(got))
}

func TestAferoReadAtWriteAt(t *testing.T) {
	vfs := mkAferoFS(t)
	require.NoError(t, afero.WriteFile(vfs, "/ra.bin", []byte("0123456789"), 0o644))

	f, err := vfs.OpenFile("/ra.bin", os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 4)
	n, err := f.ReadAt(buf, 3)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "3456", string(buf))

	_, err = f.WriteAt([]byte("XY"), 1)
	require.NoError(t, err)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "0XY3", string(buf))
}

func TestAferoRename(t *testing.T) {
	vfs := mkAferoFS(t)
	require.NoError(t, afero.WriteFile(vfs, "/src.txt", []byte("move me"), 0o644))
	require.NoError(t, vfs.Rename("/src.txt", "/dst.txt"))
	got, err := afero.ReadFile(vfs, "/dst.txt")
	require.NoError(t, err)
	require.Equal(t, "move me", string(got))
}

func TestAferoUnsupported(t *testing.T) {
	vfs := mkAferoFS(t)
	require.ErrorIs(t, vfs.Chown("/x", 0, 0), picofat.ErrUnsupported)
}
