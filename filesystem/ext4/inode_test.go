package ext4

import (
	"testing"
	"time"
)

func testInodeSuperblock() *superblock {
	return &superblock{
		blockSize:    4096,
		inodeSize:    256,
		checksumSeed: 0x1234abcd,
	}
}

// TestInodeRoundTrip exercises toBytes/inodeFromBytes for a regular file
// inode carrying a single extent.
func TestInodeRoundTrip(t *testing.T) {
	sb := testInodeSuperblock()
	now := time.Unix(1700000000, 0)

	i := &inode{
		number:           12,
		fileType:         fileTypeRegularFile,
		permissionsOwner: filePermissions{read: true, write: true, execute: false},
		permissionsGroup: filePermissions{read: true, write: false, execute: false},
		permissionsOther: filePermissions{read: true, write: false, execute: false},
		owner:            1000,
		group:            1000,
		size:             8192,
		hardLinks:        1,
		flags:            &inodeFlags{},
		accessTime:       now,
		changeTime:       now,
		modifyTime:       now,
		createTime:       now,
		inodeSize:        sb.inodeSize,
		extents: extentsBlockFinderFromExtents(extents{
			{fileBlock: 0, startingBlock: 500, count: 2},
		}, sb.blockSize),
	}
	i.setBlockCount(2, sb.blockSize)

	b := i.toBytes(sb)
	if len(b) != int(sb.inodeSize) {
		t.Fatalf("expected %d bytes, got %d", sb.inodeSize, len(b))
	}

	got, err := inodeFromBytes(b, sb, i.number)
	if err != nil {
		t.Fatalf("inodeFromBytes: %v", err)
	}
	if got.size != i.size {
		t.Errorf("expected size %d, got %d", i.size, got.size)
	}
	if got.hardLinks != i.hardLinks {
		t.Errorf("expected hardLinks %d, got %d", i.hardLinks, got.hardLinks)
	}
	if got.blockCountInFSBlocks(sb.blockSize) != 2 {
		t.Errorf("expected 2 filesystem blocks, got %d", got.blockCountInFSBlocks(sb.blockSize))
	}
	if got.fileType != fileTypeRegularFile {
		t.Errorf("expected regular file type, got %v", got.fileType)
	}
}

// TestInodeFromBytesRejectsChecksumMismatch ensures a tampered inode buffer
// is rejected.
func TestInodeFromBytesRejectsChecksumMismatch(t *testing.T) {
	sb := testInodeSuperblock()
	i := &inode{
		number:    1,
		fileType:  fileTypeRegularFile,
		flags:     &inodeFlags{},
		inodeSize: sb.inodeSize,
		extents:   extentsBlockFinderFromExtents(nil, sb.blockSize),
	}

	b := i.toBytes(sb)
	b[0x4] ^= 0xff // corrupt the low 32 bits of file size

	if _, err := inodeFromBytes(b, sb, i.number); err == nil {
		t.Fatal("expected checksum mismatch error, got nil")
	}
}

// TestSetBlockCountRoundTrip checks the raw-sector-units <-> filesystem-block
// conversion used by Truncate and File.growTo.
func TestSetBlockCountRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		fsBlocks  uint64
		blockSize uint32
	}{
		{"4k blocks, small file", 3, 4096},
		{"4k blocks, large file", 1 << 20, 4096},
		{"1k blocks", 10, 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := &inode{}
			i.setBlockCount(tt.fsBlocks, tt.blockSize)
			want := tt.fsBlocks * uint64(tt.blockSize) / 512
			if i.blocks != want {
				t.Fatalf("expected i.blocks == %d, got %d", want, i.blocks)
			}
			if got := i.blockCountInFSBlocks(tt.blockSize); got != tt.fsBlocks {
				t.Errorf("round trip mismatch: want %d filesystem blocks, got %d", tt.fsBlocks, got)
			}
		})
	}
}

// TestBlockCountInFSBlocksHugeFile checks the huge_file path, where i.blocks
// is already stored in filesystem-block units rather than sectors.
func TestBlockCountInFSBlocksHugeFile(t *testing.T) {
	i := &inode{blocks: 5000, filesystemBlocks: true}
	if got := i.blockCountInFSBlocks(4096); got != 5000 {
		t.Errorf("expected 5000 filesystem blocks for huge_file inode, got %d", got)
	}
}
