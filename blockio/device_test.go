package blockio

import (
	"bytes"
	"errors"
	"testing"
)

func TestDeviceReadWriteBlock(t *testing.T) {
	const sectorSize, blockSize = 512, 4096
	const totalBlocks = 16
	storage := newMemStorage(totalBlocks * blockSize)
	d := NewDevice(storage, sectorSize, blockSize, 0, totalBlocks)

	if d.IsReadOnly() {
		t.Fatalf("expected writable device")
	}

	want := bytes.Repeat([]byte{0xaa}, blockSize)
	if err := d.WriteBlock(3, want); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	got := make([]byte, blockSize)
	if err := d.ReadBlock(3, got); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Errorf("read back mismatch")
	}
	if d.ReadCount() != 1 || d.WriteCount() != 1 {
		t.Errorf("unexpected counters: read=%d write=%d", d.ReadCount(), d.WriteCount())
	}
}

func TestDeviceReadBlockShortBuffer(t *testing.T) {
	const sectorSize, blockSize = 512, 4096
	storage := newMemStorage(4 * blockSize)
	d := NewDevice(storage, sectorSize, blockSize, 0, 4)

	err := d.ReadBlock(0, make([]byte, blockSize-1))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDeviceWriteReadOnly(t *testing.T) {
	const sectorSize, blockSize = 512, 4096
	storage := newMemStorage(4 * blockSize)
	storage.readOnly = true
	d := NewDevice(storage, sectorSize, blockSize, 0, 4)

	if !d.IsReadOnly() {
		t.Fatalf("expected device to report read-only")
	}
	if err := d.WriteBlock(0, make([]byte, blockSize)); !errors.Is(err, ErrIO) {
		t.Errorf("expected ErrIO writing to read-only backend, got %v", err)
	}
}

func TestDevicePartitionOffset(t *testing.T) {
	const sectorSize, blockSize = 512, 1024
	const partitionStart = 2048
	storage := newMemStorage(partitionStart + 8*blockSize)
	d := NewDevice(storage, sectorSize, blockSize, partitionStart, 8)

	payload := bytes.Repeat([]byte{0x42}, blockSize)
	if err := d.WriteBlock(0, payload); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	for _, b := range storage.data[:partitionStart] {
		if b != 0 {
			t.Fatalf("write leaked before partition start")
		}
	}
	if !bytes.Equal(storage.data[partitionStart:partitionStart+blockSize], payload) {
		t.Errorf("write landed at wrong offset")
	}
}
