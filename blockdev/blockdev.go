// Package blockdev provides block devices backed by RAM or by image files,
// suitable for mounting and formatting FAT32 volumes off-target.
package blockdev

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// BlockSize is the sector size of all devices in this package.
const BlockSize = 512

var (
	errNegativeOffset  = errors.New("blockdev: negative block offset")
	errUnalignedLength = errors.New("blockdev: buffer length not a multiple of block size")
	errOutOfRange      = errors.New("blockdev: access past end of device")
	errReadOnly        = errors.New("blockdev: device is read-only")
	errClosed          = errors.New("blockdev: device is closed")
)

func checkRange(start, blocks, size int64) error {
	switch {
	case start < 0 || blocks < 0:
		return errNegativeOffset
	case (start+blocks)*BlockSize > size:
		return errOutOfRange
	}
	return nil
}

// Memory is a RAM-backed block device.
type Memory struct {
	data     []byte
	readonly bool
}

// NewMemory returns a zero-filled in-memory device of numBlocks sectors.
func NewMemory(numBlocks int64) *Memory {
	return &Memory{data: make([]byte, numBlocks*BlockSize)}
}

// SetReadOnly toggles write protection on the device.
func (m *Memory) SetReadOnly(ro bool) { m.readonly = ro }

// Size returns the device capacity in blocks.
func (m *Memory) Size() int64 { return int64(len(m.data)) / BlockSize }

// Bytes returns the underlying buffer. Mutating it mutates the device.
func (m *Memory) Bytes() []byte { return m.data }

func (m *Memory) ReadBlocks(dst []byte, startBlock int64) error {
	if len(dst)%BlockSize != 0 {
		return errUnalignedLength
	}
	if err := checkRange(startBlock, int64(len(dst)/BlockSize), int64(len(m.data))); err != nil {
		return err
	}
	copy(dst, m.data[startBlock*BlockSize:])
	return nil
}

func (m *Memory) WriteBlocks(data []byte, startBlock int64) error {
	if m.readonly {
		return errReadOnly
	}
	if len(data)%BlockSize != 0 {
		return errUnalignedLength
	}
	if err := checkRange(startBlock, int64(len(data)/BlockSize), int64(len(m.data))); err != nil {
		return err
	}
	copy(m.data[startBlock*BlockSize:], data)
	return nil
}

func (m *Memory) EraseBlocks(startBlock, numBlocks int64) error {
	if m.readonly {
		return errReadOnly
	}
	if err := checkRange(startBlock, numBlocks, int64(len(m.data))); err != nil {
		return err
	}
	region := m.data[startBlock*BlockSize : (startBlock+numBlocks)*BlockSize]
	for i := range region {
		region[i] = 0xFF
	}
	return nil
}

func (m *Memory) Mode() uint8 {
	if m.readonly {
		return 1
	}
	return 3
}

// Image is a block device backed by a disk image file.
type Image struct {
	file     afero.File
	size     int64
	readonly bool
}

// OpenImage opens an existing disk image. With readonly set, writes and
// erases fail.
func OpenImage(fsys afero.Fs, path string, readonly bool) (*Image, error) {
	flag := os.O_RDWR
	if readonly {
		flag = os.O_RDONLY
	}
	f, err := fsys.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}
	if st.Size()%BlockSize != 0 {
		f.Close()
		return nil, fmt.Errorf("image size %d is not a multiple of %d", st.Size(), BlockSize)
	}
	return &Image{file: f, size: st.Size(), readonly: readonly}, nil
}

// CreateImage creates a sparse disk image of numBlocks sectors, truncating any
// existing file at path.
func CreateImage(fsys afero.Fs, path string, numBlocks int64) (*Image, error) {
	if numBlocks <= 0 {
		return nil, errors.New("blockdev: image size must be positive")
	}
	f, err := fsys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create image: %w", err)
	}
	size := numBlocks * BlockSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("size image: %w", err)
	}
	return &Image{file: f, size: size}, nil
}

// Size returns the device capacity in blocks.
func (img *Image) Size() int64 { return img.size / BlockSize }

// Close flushes and closes the backing file.
func (img *Image) Close() error {
	if img.file == nil {
		return errClosed
	}
	err := img.file.Close()
	img.file = nil
	return err
}

func (img *Image) ReadBlocks(dst []byte, startBlock int64) error {
	if img.file == nil {
		return errClosed
	}
	if len(dst)%BlockSize != 0 {
		return errUnalignedLength
	}
	if err := checkRange(startBlock, int64(len(dst)/BlockSize), img.size); err != nil {
		return err
	}
	_, err := img.file.ReadAt(dst, startBlock*BlockSize)
	return err
}

func (img *Image) WriteBlocks(data []byte, startBlock int64) error {
	if img.file == nil {
		return errClosed
	}
	if img.readonly {
		return errReadOnly
	}
	if len(data)%BlockSize != 0 {
		return errUnalignedLength
	}
	if err := checkRange(startBlock, int64(len(data)/BlockSize), img.size); err != nil {
		return err
	}
	_, err := img.file.WriteAt(data, startBlock*BlockSize)
	return err
}

func (img *Image) EraseBlocks(startBlock, numBlocks int64) error {
	if img.file == nil {
		return errClosed
	}
	if img.readonly {
		return errReadOnly
	}
	if err := checkRange(startBlock, numBlocks, img.size); err != nil {
		return err
	}
	buf := make([]byte, BlockSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	for b := startBlock; b < startBlock+numBlocks; b++ {
		if _, err := img.file.WriteAt(buf, b*BlockSize); err != nil {
			return err
		}
	}
	return nil
}

func (img *Image) Mode() uint8 {
	if img.readonly {
		return 1
	}
	return 3
}
