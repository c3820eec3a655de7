// Package blockio provides the block-device and block-cache capabilities
// that sit between a raw byte-addressable backend and the ext4 filesystem
// core: sector-aligned I/O with statistics, and an LRU block cache with
// pinning, dirty tracking and a write-back guard.
package blockio

import (
	"errors"
	"fmt"

	"github.com/ext4fs/core/backend"
)

var (
	// ErrInvalidInput is returned when a caller-supplied buffer does not
	// match the size an operation requires.
	ErrInvalidInput = errors.New("invalid input")
	// ErrIO is returned when the underlying backend fails a read or write.
	ErrIO = errors.New("i/o error")
	// ErrNoResources is returned by Cache.Get when the cache is at capacity
	// and every resident buffer is pinned.
	ErrNoResources = errors.New("no free cache buffers available")
)

// Device adapts a backend.Storage into sector- and block-oriented I/O,
// mirroring the read_sectors/write_sectors/read_block/write_block contract.
type Device struct {
	storage        backend.Storage
	sectorSize     uint32
	blockSize      uint32
	partitionStart int64
	totalBlocks    uint64
	readOnly       bool

	readCount  uint64
	writeCount uint64
}

// NewDevice wraps storage, which is assumed to begin at partitionStart bytes
// into the underlying backend and span totalBlocks logical blocks of
// blockSize bytes, addressed in units of sectorSize-byte sectors.
func NewDevice(storage backend.Storage, sectorSize, blockSize uint32, partitionStart int64, totalBlocks uint64) *Device {
	_, err := storage.Writable()
	return &Device{
		storage:        storage,
		sectorSize:     sectorSize,
		blockSize:      blockSize,
		partitionStart: partitionStart,
		totalBlocks:    totalBlocks,
		readOnly:       err != nil,
	}
}

// SectorSize is the device's addressable sector size, in bytes.
func (d *Device) SectorSize() uint32 { return d.sectorSize }

// BlockSize is the filesystem's logical block size, in bytes.
func (d *Device) BlockSize() uint32 { return d.blockSize }

// TotalBlocks is how many logical blocks the device spans.
func (d *Device) TotalBlocks() uint64 { return d.totalBlocks }

// IsReadOnly reports whether the underlying backend rejected a writable
// handle at construction time.
func (d *Device) IsReadOnly() bool { return d.readOnly }

// ReadCount returns the number of completed ReadSectors/ReadBlock/ReadBytes
// calls (a ReadBlock counts once).
func (d *Device) ReadCount() uint64 { return d.readCount }

// WriteCount returns the number of completed WriteSectors/WriteBlock/
// WriteBytes calls (a WriteBlock counts once).
func (d *Device) WriteCount() uint64 { return d.writeCount }

func (d *Device) sectorsPerBlock() uint64 {
	if d.sectorSize == 0 {
		return 1
	}
	return uint64(d.blockSize) / uint64(d.sectorSize)
}

// ReadSectors reads count contiguous sectors starting at lba into buf.
func (d *Device) ReadSectors(lba uint64, count uint32, buf []byte) error {
	want := int(count) * int(d.sectorSize)
	if len(buf) < want {
		return fmt.Errorf("%w: buffer of %d bytes too small for %d sectors of %d bytes", ErrInvalidInput, len(buf), count, d.sectorSize)
	}
	offset := d.partitionStart + int64(lba)*int64(d.sectorSize)
	n, err := d.storage.ReadAt(buf[:want], offset)
	if err != nil {
		return fmt.Errorf("%w: reading sector %d: %v", ErrIO, lba, err)
	}
	if n != want {
		return fmt.Errorf("%w: short read at sector %d: got %d of %d bytes", ErrIO, lba, n, want)
	}
	d.readCount++
	return nil
}

// WriteSectors writes count contiguous sectors starting at lba from buf.
func (d *Device) WriteSectors(lba uint64, count uint32, buf []byte) error {
	want := int(count) * int(d.sectorSize)
	if len(buf) < want {
		return fmt.Errorf("%w: buffer of %d bytes too small for %d sectors of %d bytes", ErrInvalidInput, len(buf), count, d.sectorSize)
	}
	w, err := d.storage.Writable()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	offset := d.partitionStart + int64(lba)*int64(d.sectorSize)
	n, err := w.WriteAt(buf[:want], offset)
	if err != nil {
		return fmt.Errorf("%w: writing sector %d: %v", ErrIO, lba, err)
	}
	if n != want {
		return fmt.Errorf("%w: short write at sector %d: wrote %d of %d bytes", ErrIO, lba, n, want)
	}
	d.writeCount++
	return nil
}

// ReadBlock reads one whole logical block at lba into buf, which must be at
// least BlockSize() bytes.
func (d *Device) ReadBlock(lba uint64, buf []byte) error {
	if uint32(len(buf)) < d.blockSize {
		return fmt.Errorf("%w: buffer of %d bytes too small for block of %d bytes", ErrInvalidInput, len(buf), d.blockSize)
	}
	pba := lba * d.sectorsPerBlock()
	return d.ReadSectors(pba, uint32(d.sectorsPerBlock()), buf)
}

// WriteBlock writes one whole logical block at lba from buf, which must be
// at least BlockSize() bytes.
func (d *Device) WriteBlock(lba uint64, buf []byte) error {
	if uint32(len(buf)) < d.blockSize {
		return fmt.Errorf("%w: buffer of %d bytes too small for block of %d bytes", ErrInvalidInput, len(buf), d.blockSize)
	}
	pba := lba * d.sectorsPerBlock()
	return d.WriteSectors(pba, uint32(d.sectorsPerBlock()), buf)
}

// ReadBytes reads an arbitrary byte range starting at offset (relative to
// the start of the device) into buf.
func (d *Device) ReadBytes(offset int64, buf []byte) error {
	n, err := d.storage.ReadAt(buf, d.partitionStart+offset)
	if err != nil {
		return fmt.Errorf("%w: reading %d bytes at offset %d: %v", ErrIO, len(buf), offset, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: short read at offset %d: got %d of %d bytes", ErrIO, offset, n, len(buf))
	}
	d.readCount++
	return nil
}

// WriteBytes writes an arbitrary byte range starting at offset (relative to
// the start of the device) from buf. Only the bytes of buf are written to the
// byte-addressable backend, so the rest of any partially covered block is left
// as it was; WriteBytes never extends the device past
// TotalBlocks()*BlockSize() and rejects such a range with ErrInvalidInput.
func (d *Device) WriteBytes(offset int64, buf []byte) error {
	if offset < 0 || uint64(offset)+uint64(len(buf)) > d.totalBlocks*uint64(d.blockSize) {
		return fmt.Errorf("%w: %d bytes at offset %d extend past the end of the device", ErrInvalidInput, len(buf), offset)
	}
	w, err := d.storage.Writable()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, err := w.WriteAt(buf, d.partitionStart+offset)
	if err != nil {
		return fmt.Errorf("%w: writing %d bytes at offset %d: %v", ErrIO, len(buf), offset, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: short write at offset %d: wrote %d of %d bytes", ErrIO, offset, n, len(buf))
	}
	d.writeCount++
	return nil
}

// Flush has no buffering of its own to flush; it exists so Device satisfies
// the same flush contract as the cache layer above it.
func (d *Device) Flush() error {
	return nil
}
