package ext4

import (
	"fmt"
	"io"
	iofs "io/fs"
)

// File represents a single open file (or directory being written to) in an
// ext4 filesystem.
type File struct {
	*inode
	filename    string
	fileType    dirFileType
	isReadWrite bool
	isAppend    bool
	offset      int64
	filesystem  *FileSystem
	extents     extents
}

// directoryFileType maps an inode's on-disk file-type bits to the file_type
// byte stored alongside a directory entry.
func directoryFileType(ft fileType) dirFileType {
	switch ft {
	case fileTypeRegularFile:
		return dirFileTypeRegular
	case fileTypeDirectory:
		return dirFileTypeDirectory
	case fileTypeSymbolicLink:
		return dirFileTypeSymlink
	case fileTypeCharacterDevice:
		return dirFileTypeCharDev
	case fileTypeBlockDevice:
		return dirFileTypeBlockDev
	case fileTypeFifo:
		return dirFileTypeFifo
	case fileTypeSocket:
		return dirFileTypeSocket
	default:
		return dirFileTypeUnknown
	}
}

// Read reads up to len(b) bytes from the File.
// It returns the number of bytes read and any error encountered.
// At end of file, Read returns 0, io.EOF
// reads from the last known offset in the file from last read or write
// use Seek() to set at a particular point
func (fl *File) Read(b []byte) (int, error) {
	var (
		fileSize  = int64(fl.size)
		blocksize = uint64(fl.filesystem.superblock.blockSize)
	)
	if fl.offset >= fileSize {
		return 0, io.EOF
	}

	// Calculate the number of bytes to read
	bytesToRead := int64(len(b))
	if fl.offset+bytesToRead > fileSize {
		bytesToRead = fileSize - fl.offset
	}
	b = b[:bytesToRead]

	var readBytes int64
	for readBytes < bytesToRead {
		blockIndex := uint64(fl.offset) / blocksize
		blockOffset := uint64(fl.offset) % blocksize
		diskBlock, ok := fl.extents.diskBlockFor(blockIndex)
		if !ok {
			return int(readBytes), fmt.Errorf("no extent mapped for file block %d", blockIndex)
		}
		blockBytes, err := fl.filesystem.readBlock(diskBlock)
		if err != nil {
			return int(readBytes), fmt.Errorf("failed to read block %d: %w", diskBlock, err)
		}
		toCopy := int64(blocksize) - int64(blockOffset)
		if remaining := bytesToRead - readBytes; toCopy > remaining {
			toCopy = remaining
		}
		copy(b[readBytes:readBytes+toCopy], blockBytes[blockOffset:])
		readBytes += toCopy
		fl.offset += toCopy
	}

	var err error
	if fl.offset >= fileSize {
		err = io.EOF
	}

	return int(readBytes), err
}

// Write writes len(b) bytes to the File at the current offset, growing the
// file's extent tree via get_blocks(create=true) semantics when the write
// extends past the blocks already allocated to it.
// It returns the number of bytes written and an error, if any.
// returns a non-nil error when n != len(b)
func (fl *File) Write(p []byte) (int, error) {
	if !fl.isReadWrite {
		return 0, fmt.Errorf("%w: file not opened for writing", ErrReadOnly)
	}
	if len(p) == 0 {
		return 0, nil
	}

	fs := fl.filesystem
	blocksize := uint64(fs.superblock.blockSize)
	endOffset := fl.offset + int64(len(p))
	requiredBlocks := (uint64(endOffset) + blocksize - 1) / blocksize
	currentBlocks := fl.extents.blockCount()

	if requiredBlocks > currentBlocks {
		if err := fl.growTo(requiredBlocks); err != nil {
			return 0, err
		}
	}

	var written int
	remaining := p
	for len(remaining) > 0 {
		blockIndex := uint64(fl.offset) / blocksize
		blockOffset := uint64(fl.offset) % blocksize
		diskBlock, ok := fl.extents.diskBlockFor(blockIndex)
		if !ok {
			return written, fmt.Errorf("no extent mapped for file block %d after growth", blockIndex)
		}
		toWrite := blocksize - blockOffset
		if remaining := uint64(len(remaining)); toWrite > remaining {
			toWrite = remaining
		}

		h, err := fs.blockCache.Get(diskBlock)
		if err != nil {
			return written, fmt.Errorf("could not access block %d: %w", diskBlock, err)
		}
		copy(h.Bytes()[blockOffset:], remaining[:toWrite])
		dirtyErr := h.MarkDirty()
		h.Release()
		if dirtyErr != nil {
			return written, fmt.Errorf("could not write block %d: %w", diskBlock, dirtyErr)
		}

		fl.offset += int64(toWrite)
		written += int(toWrite)
		remaining = remaining[toWrite:]
	}

	if uint64(fl.offset) > fl.size {
		fl.size = uint64(fl.offset)
	}
	if err := fs.writeInode(fl.inode); err != nil {
		return written, fmt.Errorf("could not persist inode after write: %w", err)
	}
	return written, nil
}

// growTo extends fl's extent tree and block count so it can hold
// requiredBlocks file blocks, allocating the shortfall from the free-space
// bitmap and recording the new blocks both in the inode's extent tree and
// in fl's flattened, in-memory block map.
func (fl *File) growTo(requiredBlocks uint64) error {
	fs := fl.filesystem
	currentBlocks := fl.extents.blockCount()
	needed := requiredBlocks - currentBlocks

	added, err := fs.allocateExtents(needed*uint64(fs.superblock.blockSize), nil)
	if err != nil {
		return fmt.Errorf("could not allocate space to grow file: %w", err)
	}
	newExtents := *added
	running := currentBlocks
	for i := range newExtents {
		newExtents[i].fileBlock = uint32(running)
		running += uint64(newExtents[i].count)
	}
	grown := extents(newExtents)

	tree, _, err := extendExtentTree(fl.inode.extents, &grown, fs, nil)
	if err != nil {
		return fmt.Errorf("could not extend extent tree: %w", err)
	}
	fl.inode.extents = tree
	fl.extents = append(fl.extents, newExtents...)
	fl.inode.setBlockCount(requiredBlocks, fs.superblock.blockSize)
	return nil
}

// Seek set the offset to a particular point in the file
func (fl *File) Seek(offset int64, whence int) (int64, error) {
	newOffset := int64(0)
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekEnd:
		newOffset = int64(fl.size) + offset
	case io.SeekCurrent:
		newOffset = fl.offset + offset
	}
	if newOffset < 0 {
		return fl.offset, fmt.Errorf("cannot set offset %d before start of file", offset)
	}
	fl.offset = newOffset
	return fl.offset, nil
}

// Close close a file that is being read
func (fl *File) Close() error {
	*fl = File{}
	return nil
}

// Stat returns file info for the open file, satisfying fs.File.
func (fl *File) Stat() (iofs.FileInfo, error) {
	return &FileInfo{
		name:    fl.filename,
		size:    int64(fl.size),
		mode:    fl.permissionsToMode(),
		modTime: fl.modifyTime,
		isDir:   fl.fileType == dirFileTypeDirectory,
		sys:     &StatT{UID: fl.owner, GID: fl.group},
	}, nil
}

// ReadDir satisfies fs.ReadDirFile. A File opened via OpenFile is a leaf
// handle onto file content, not a directory listing, so it always returns
// ErrUnsupported; directory listings go through FileSystem.ReadDir instead.
func (fl *File) ReadDir(n int) ([]iofs.DirEntry, error) {
	return nil, fmt.Errorf("%w: read directory entries via FileSystem.ReadDir", ErrUnsupported)
}
