package ext4

import (
	"errors"
	"io"
	iofs "io/fs"
	"os"
	"testing"
	"time"

	"github.com/ext4fs/core/backend"
	"github.com/ext4fs/core/blockio"
)

// memStorage is a minimal in-memory backend.Storage, just large enough to
// let File.Read/File.Write exercise the block cache without a real disk
// image, mirroring blockio's own test helper of the same shape.
type memStorage struct {
	data []byte
}

func newMemStorage(size int) *memStorage { return &memStorage{data: make([]byte, size)} }

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

func (m *memStorage) Stat() (iofs.FileInfo, error) { return memStorageInfo{size: int64(len(m.data))}, nil }

func (m *memStorage) Sys() (*os.File, error) { return nil, errors.New("not a real file") }

func (m *memStorage) Writable() (backend.WritableFile, error) { return m, nil }

type memStorageInfo struct{ size int64 }

func (m memStorageInfo) Name() string       { return "mem" }
func (m memStorageInfo) Size() int64        { return m.size }
func (m memStorageInfo) Mode() iofs.FileMode { return 0o644 }
func (m memStorageInfo) ModTime() time.Time { return time.Time{} }
func (m memStorageInfo) IsDir() bool        { return false }
func (m memStorageInfo) Sys() any           { return nil }

// testFile builds a minimal File over a small in-memory FileSystem with
// enough geometry for extent allocation to work, with one block already
// allocated and holding data[0:4] == "abcd".
func testFile(t *testing.T) (*File, *FileSystem) {
	t.Helper()
	const blockSize = 4096
	const totalBlocks = 64

	store := newMemStorage(blockSize * totalBlocks)
	device := blockio.NewDevice(store, 512, blockSize, 0, totalBlocks)
	cache := blockio.NewCache(device, 16)

	sb := &superblock{
		blockSize:      blockSize,
		clusterSize:    blockSize,
		blocksPerGroup: totalBlocks,
		inodesPerGroup: 32,
		blockCountLow:  totalBlocks,
		firstDataBlock: 1,
		inodeSize:      256,
		freeBlocks:     40,
	}
	gd := groupDescriptor{number: 0, freeBlocks: 40, blockBitmapLocation: 20}
	fs := &FileSystem{
		backend:          store,
		superblock:       sb,
		groupDescriptors: &groupDescriptors{descriptors: []groupDescriptor{gd}},
		blockGroups:      1,
		blockDevice:      device,
		blockCache:       cache,
		size:             int64(blockSize * totalBlocks),
	}

	in := &inode{
		number:    20,
		fileType:  fileTypeRegularFile,
		flags:     &inodeFlags{},
		inodeSize: sb.inodeSize,
		extents:   extentsBlockFinderFromExtents(extents{{fileBlock: 0, startingBlock: 10, count: 1}}, blockSize),
		size:      4,
	}
	in.setBlockCount(1, blockSize)

	exts, err := in.extents.blocks(fs)
	if err != nil {
		t.Fatalf("extents.blocks: %v", err)
	}

	// seed the backing block with known content
	h, err := cache.Get(10)
	if err != nil {
		t.Fatalf("cache.Get: %v", err)
	}
	copy(h.Bytes(), []byte("abcd"))
	if err := h.MarkDirty(); err != nil {
		t.Fatalf("MarkDirty: %v", err)
	}
	h.Release()

	fl := &File{
		inode:       in,
		filename:    "test.txt",
		fileType:    dirFileTypeRegular,
		isReadWrite: true,
		filesystem:  fs,
		extents:     exts,
	}
	return fl, fs
}

func TestFileReadWithinAllocatedBlock(t *testing.T) {
	fl, _ := testFile(t)
	buf := make([]byte, 4)
	n, err := fl.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("Read: %v", err)
	}
	if n != 4 || string(buf) != "abcd" {
		t.Fatalf("expected to read %q, got %q (n=%d)", "abcd", buf, n)
	}
}

func TestFileReadPastEOF(t *testing.T) {
	fl, _ := testFile(t)
	if _, err := fl.Seek(0, io.SeekEnd); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, 4)
	n, err := fl.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("expected (0, io.EOF) at EOF, got (%d, %v)", n, err)
	}
}

func TestFileWriteWithinExistingBlock(t *testing.T) {
	fl, fs := testFile(t)
	n, err := fl.Write([]byte("XYZ"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected to write 3 bytes, got %d", n)
	}

	b, err := fs.readBlock(10)
	if err != nil {
		t.Fatalf("readBlock: %v", err)
	}
	if string(b[:3]) != "XYZ" {
		t.Fatalf("expected block to start with XYZ, got %q", b[:3])
	}
}

func TestFileWriteGrowsExtentTree(t *testing.T) {
	fl, _ := testFile(t)
	if _, err := fl.Seek(0, io.SeekEnd); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	payload := make([]byte, 8192) // spans well past the single allocated block
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	n, err := fl.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("expected to write %d bytes, got %d", len(payload), n)
	}
	if got := fl.extents.blockCount(); got < 3 {
		t.Fatalf("expected extent tree to grow to cover at least 3 blocks, got %d", got)
	}
	if fl.size != 4+uint64(len(payload)) {
		t.Fatalf("expected file size %d, got %d", 4+uint64(len(payload)), fl.size)
	}
}

func TestFileWriteRejectsReadOnly(t *testing.T) {
	fl, _ := testFile(t)
	fl.isReadWrite = false
	if _, err := fl.Write([]byte("nope")); err == nil {
		t.Fatal("expected error writing to a read-only file handle")
	}
}

func TestFileSeek(t *testing.T) {
	fl, _ := testFile(t)
	if off, err := fl.Seek(2, io.SeekStart); err != nil || off != 2 {
		t.Fatalf("Seek(2, SeekStart) = (%d, %v)", off, err)
	}
	if off, err := fl.Seek(1, io.SeekCurrent); err != nil || off != 3 {
		t.Fatalf("Seek(1, SeekCurrent) = (%d, %v)", off, err)
	}
	if off, err := fl.Seek(0, io.SeekEnd); err != nil || off != int64(fl.size) {
		t.Fatalf("Seek(0, SeekEnd) = (%d, %v), want %d", off, err, fl.size)
	}
	if _, err := fl.Seek(-100, io.SeekStart); err == nil {
		t.Fatal("expected error seeking before start of file")
	}
}

func TestFileStatAndReadDir(t *testing.T) {
	fl, _ := testFile(t)
	info, err := fl.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Name() != "test.txt" || info.IsDir() {
		t.Fatalf("unexpected FileInfo: name=%q isDir=%v", info.Name(), info.IsDir())
	}
	if _, err := fl.ReadDir(-1); err == nil {
		t.Fatal("expected ReadDir on a File handle to be unsupported")
	}
}

func TestFileClose(t *testing.T) {
	fl, _ := testFile(t)
	if err := fl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fl.filesystem != nil {
		t.Fatal("expected Close to zero the File")
	}
}
