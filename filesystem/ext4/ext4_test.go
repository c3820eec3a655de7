package ext4

import (
	"io"
	"os"
	"testing"

	"github.com/ext4fs/core/blockio"
	"github.com/ext4fs/core/util/bitmap"
)

// testMountedFS lays out a minimal single-block-group ext4 filesystem by
// hand (no metadata_csum, no GDT checksums, to keep the fixture small) and
// wires it into a FileSystem struct the same way Read would, so the facade
// methods (Mkdir, OpenFile, Truncate, Rename, Remove, Readlink) can be
// exercised end-to-end without a real disk image.
//
// Block layout, all fixed for the 4096-byte block size used here:
//
//	0:   reserved (boot sector + superblock, never touched directly)
//	1:   group descriptor table
//	2:   inode bitmap
//	3:   block bitmap
//	4-5: inode table (32 inodes * 256 bytes = 8192 bytes = 2 blocks)
//	6:   root directory ('.' and '..')
//	7+:  free data blocks
const (
	testBlockSize    = 4096
	testTotalBlocks  = 128
	testInodesPerGr  = 32
	testRootDirBlk   = 6
	testFirstFreeBlk = 7
)

func testMountedFS(t *testing.T) *FileSystem {
	t.Helper()

	store := newMemStorage(testBlockSize * testTotalBlocks)
	device := blockio.NewDevice(store, 512, testBlockSize, 0, testTotalBlocks)
	cache := blockio.NewCache(device, 32)

	sb := &superblock{
		inodeCount:          testInodesPerGr,
		blockCountLow:       testTotalBlocks,
		freeBlocks:          uint64(testTotalBlocks - testFirstFreeBlk),
		freeInodes:          testInodesPerGr - 2,
		blockSize:           testBlockSize,
		clusterSize:         testBlockSize,
		blocksPerGroup:      testTotalBlocks,
		inodesPerGroup:      testInodesPerGr,
		inodeSize:           256,
		firstDataBlock:      0,
		groupDescriptorSize: groupDescriptorSize32,
	}

	gd := groupDescriptor{
		number:              0,
		size:                groupDescriptorSize32,
		blockBitmapLocation: 3,
		inodeBitmapLocation: 2,
		inodeTableLocation:  4,
		freeBlocks:          uint32(testTotalBlocks - testFirstFreeBlk),
		freeInodes:          testInodesPerGr - 2,
		usedDirectories:     1,
		itableUnused:        testInodesPerGr - 2,
	}

	fs := &FileSystem{
		backend:          store,
		superblock:       sb,
		groupDescriptors: &groupDescriptors{descriptors: []groupDescriptor{gd}, size: groupDescriptorSize32},
		blockGroups:      1,
		blockDevice:      device,
		blockCache:       cache,
		size:             int64(testBlockSize * testTotalBlocks),
		opts:             defaultMountOptions(testBlockSize),
	}

	// inode bitmap: inodes 1 and 2 (bits 0, 1) are reserved/root and in use.
	inodeBM := bitmap.NewBits(testBlockSize * 8)
	if err := inodeBM.Set(0); err != nil {
		t.Fatalf("inodeBM.Set(0): %v", err)
	}
	if err := inodeBM.Set(1); err != nil {
		t.Fatalf("inodeBM.Set(1): %v", err)
	}
	if err := fs.writeInodeBitmap(inodeBM, 0); err != nil {
		t.Fatalf("writeInodeBitmap: %v", err)
	}

	// block bitmap: blocks 0-6 (reserved metadata + root dir) are in use.
	blockBM := bitmap.NewBits(testBlockSize * 8)
	for b := 0; b < testFirstFreeBlk; b++ {
		if err := blockBM.Set(b); err != nil {
			t.Fatalf("blockBM.Set(%d): %v", b, err)
		}
	}
	if err := fs.writeBlockBitmap(blockBM, 0); err != nil {
		t.Fatalf("writeBlockBitmap: %v", err)
	}

	// root inode (number 2): a directory with a single extent pointing at
	// the pre-allocated root directory block.
	rootExtents := extents{{fileBlock: 0, startingBlock: testRootDirBlk, count: 1}}
	root := &inode{
		number:           2,
		fileType:         fileTypeDirectory,
		permissionsOwner: filePermissions{read: true, write: true, execute: true},
		permissionsGroup: filePermissions{read: true, execute: true},
		permissionsOther: filePermissions{read: true, execute: true},
		hardLinks:        2,
		size:             testBlockSize,
		flags:            &inodeFlags{usesExtents: true},
		inodeSize:        sb.inodeSize,
		extents:          extentsBlockFinderFromExtents(rootExtents, sb.blockSize),
	}
	root.setBlockCount(1, sb.blockSize)
	if err := fs.writeInode(root); err != nil {
		t.Fatalf("writeInode(root): %v", err)
	}

	rootDir := &Directory{
		directoryEntry: directoryEntry{inode: 2, fileType: dirFileTypeDirectory},
		entries: []*directoryEntry{
			{inode: 2, filename: ".", fileType: dirFileTypeDirectory},
			{inode: 2, filename: "..", fileType: dirFileTypeDirectory},
		},
	}
	dirBytes := rootDir.toBytes(sb.blockSize, nil)
	dirFile := &File{
		inode:       root,
		fileType:    dirFileTypeDirectory,
		filesystem:  fs,
		isReadWrite: true,
		extents:     rootExtents,
	}
	if _, err := dirFile.Write(dirBytes); err != nil && err != io.EOF {
		t.Fatalf("seed root directory: %v", err)
	}

	return fs
}

func TestMkdirAndReadDir(t *testing.T) {
	fs := testMountedFS(t)

	if err := fs.Mkdir("sub"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	entries, err := fs.ReadDir(".")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Name() == "sub" && e.IsDir() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected to find directory %q in root, got %v", "sub", entries)
	}

	// the new directory must also resolve as a path of its own
	if _, err := fs.ReadDir("sub"); err != nil {
		t.Fatalf("ReadDir(sub): %v", err)
	}
}

func TestOpenFileCreateWriteRead(t *testing.T) {
	fs := testMountedFS(t)

	f, err := fs.OpenFile("hello.txt", os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatalf("OpenFile create: %v", err)
	}
	payload := []byte("hello, ext4")
	n, err := f.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("expected to write %d bytes, got %d", len(payload), n)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f2, err := fs.OpenFile("hello.txt", os.O_RDONLY)
	if err != nil {
		t.Fatalf("OpenFile read: %v", err)
	}
	defer f2.Close()
	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(f2, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("expected to read %q, got %q", payload, buf)
	}
}

func TestOpenFileMissingWithoutCreateFails(t *testing.T) {
	fs := testMountedFS(t)
	if _, err := fs.OpenFile("nope.txt", os.O_RDONLY); err == nil {
		t.Fatal("expected error opening nonexistent file without O_CREATE")
	}
}

func TestTruncateGrowAndShrink(t *testing.T) {
	fs := testMountedFS(t)

	f, err := fs.OpenFile("grow.txt", os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.Write([]byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := fs.Truncate("grow.txt", 9000); err != nil {
		t.Fatalf("Truncate grow: %v", err)
	}
	info, err := fs.Stat("grow.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 9000 {
		t.Fatalf("expected size 9000 after growing truncate, got %d", info.Size())
	}

	if err := fs.Truncate("grow.txt", 2); err != nil {
		t.Fatalf("Truncate shrink: %v", err)
	}
	info, err = fs.Stat("grow.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 2 {
		t.Fatalf("expected size 2 after shrinking truncate, got %d", info.Size())
	}
}

func TestRenameMovesEntry(t *testing.T) {
	fs := testMountedFS(t)

	f, err := fs.OpenFile("old.txt", os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.Write([]byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := fs.Rename("old.txt", "new.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := fs.Stat("old.txt"); err == nil {
		t.Fatal("expected old.txt to no longer exist after rename")
	}
	info, err := fs.Stat("new.txt")
	if err != nil {
		t.Fatalf("Stat(new.txt): %v", err)
	}
	if info.Size() != 4 {
		t.Fatalf("expected renamed file to keep its size, got %d", info.Size())
	}
}

func TestRemoveDeletesEntry(t *testing.T) {
	fs := testMountedFS(t)

	f, err := fs.OpenFile("doomed.txt", os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := fs.Remove("doomed.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := fs.Stat("doomed.txt"); err == nil {
		t.Fatal("expected doomed.txt to no longer exist after Remove")
	}
}

func TestSymlinkReadlink(t *testing.T) {
	fs := testMountedFS(t)
	if err := fs.Symlink("target.txt", "link.txt"); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	target, err := fs.Readlink("link.txt")
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "target.txt" {
		t.Fatalf("expected symlink target %q, got %q", "target.txt", target)
	}
}

func TestAllocateInodeDecrementsFreeCount(t *testing.T) {
	fs := testMountedFS(t)

	for i := 0; i < 3; i++ {
		f, err := fs.OpenFile(string(rune('a'+i))+".txt", os.O_CREATE|os.O_RDWR)
		if err != nil {
			t.Fatalf("OpenFile %d: %v", i, err)
		}
		if err := f.Close(); err != nil {
			t.Fatalf("Close %d: %v", i, err)
		}
	}
	if fs.superblock.freeInodes != uint32(testInodesPerGr-2-3) {
		t.Fatalf("expected %d free inodes after allocating 3, got %d", testInodesPerGr-2-3, fs.superblock.freeInodes)
	}
}
