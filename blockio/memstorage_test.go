package blockio

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/ext4fs/core/backend"
)

// memStorage is a minimal in-memory backend.Storage used to exercise Device
// and Cache without touching a real file.
type memStorage struct {
	data     []byte
	readOnly bool
}

func newMemStorage(size int) *memStorage {
	return &memStorage{data: make([]byte, size)}
}

func (m *memStorage) Read(p []byte) (int, error) { return 0, errors.New("not implemented") }

func (m *memStorage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(m.data) {
		return 0, errors.New("offset out of range")
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, errors.New("short read")
	}
	return n, nil
}

func (m *memStorage) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(m.data) {
		return 0, errors.New("offset out of range")
	}
	return copy(m.data[off:], p), nil
}

func (m *memStorage) Seek(offset int64, whence int) (int64, error) {
	return 0, errors.New("not implemented")
}

func (m *memStorage) Close() error { return nil }

func (m *memStorage) Stat() (fs.FileInfo, error) { return memStorageInfo{size: int64(len(m.data))}, nil }

func (m *memStorage) Sys() (*os.File, error) { return nil, errors.New("not a real file") }

func (m *memStorage) Writable() (backend.WritableFile, error) {
	if m.readOnly {
		return nil, errors.New("read-only")
	}
	return m, nil
}

type memStorageInfo struct {
	size int64
}

func (m memStorageInfo) Name() string       { return "mem" }
func (m memStorageInfo) Size() int64        { return m.size }
func (m memStorageInfo) Mode() fs.FileMode  { return 0o644 }
func (m memStorageInfo) ModTime() time.Time { return time.Time{} }
func (m memStorageInfo) IsDir() bool        { return false }
func (m memStorageInfo) Sys() interface{}   { return nil }
