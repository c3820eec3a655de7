package ext4

import (
	"encoding/binary"
	"fmt"
	iofs "io/fs"
	"os"
	"time"

	"github.com/ext4fs/core/filesystem/ext4/crc"
)

// dirFileType is the directory-entry file_type byte, valid when the
// filesystem has INCOMPAT_FILETYPE set (true of every modern ext4 image).
type dirFileType uint8

const (
	dirFileTypeUnknown   dirFileType = 0
	dirFileTypeRegular   dirFileType = 1
	dirFileTypeDirectory dirFileType = 2
	dirFileTypeCharDev   dirFileType = 3
	dirFileTypeBlockDev  dirFileType = 4
	dirFileTypeFifo      dirFileType = 5
	dirFileTypeSocket    dirFileType = 6
	dirFileTypeSymlink   dirFileType = 7
	dirFileTypeChecksum  dirFileType = 0xde
)

const (
	minDirEntryLength  = 8
	dirEntryTailLength = 12
)

// directoryEntry is one linear directory-entry record: the child inode
// number, its name, and the file_type hint ext4 stores alongside it so
// readdir doesn't need to stat every child to tell files from directories.
type directoryEntry struct {
	inode    uint32
	filename string
	fileType dirFileType
	recLen   uint16
}

// Directory wraps a directory's own entry (how it is named in its parent)
// together with the entries it contains. The root directory has no parent
// entry of its own, hence the root flag.
type Directory struct {
	directoryEntry
	entries []*directoryEntry
	root    bool
}

// directoryEntryInfo adapts a directoryEntry plus its resolved inode to
// io/fs.DirEntry, the type ReadDir returns.
type directoryEntryInfo struct {
	inode          *inode
	directoryEntry *directoryEntry
}

func (d *directoryEntryInfo) Name() string { return d.directoryEntry.filename }
func (d *directoryEntryInfo) IsDir() bool {
	return d.directoryEntry.fileType == dirFileTypeDirectory
}
func (d *directoryEntryInfo) Type() iofs.FileMode {
	return d.inode.permissionsToMode().Type()
}
func (d *directoryEntryInfo) Info() (iofs.FileInfo, error) {
	return &FileInfo{
		name:    d.directoryEntry.filename,
		size:    int64(d.inode.size),
		mode:    d.inode.permissionsToMode(),
		modTime: d.inode.modifyTime,
		isDir:   d.directoryEntry.fileType == dirFileTypeDirectory,
		sys:     &StatT{UID: d.inode.owner, GID: d.inode.group},
	}, nil
}

// FileInfo implements io/fs.FileInfo for a single ext4 directory entry.
type FileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
	sys     *StatT
}

func (fi *FileInfo) Name() string       { return fi.name }
func (fi *FileInfo) Size() int64        { return fi.size }
func (fi *FileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *FileInfo) ModTime() time.Time { return fi.modTime }
func (fi *FileInfo) IsDir() bool        { return fi.isDir }
func (fi *FileInfo) Sys() any           { return fi.sys }

// StatT carries the ownership fields FileInfo.Sys() exposes beyond what
// io/fs.FileInfo itself offers, mirroring syscall.Stat_t's Uid/Gid.
type StatT struct {
	UID uint32
	GID uint32
}

// dxEntry is one (hash, child block) pair in a htree root or interior node.
type dxEntry struct {
	hash  uint32
	block uint32
}

// dxRoot is the parsed root block of a htree-indexed directory: the fake
// "." and ".." entries every directory block starts with, the indexing
// metadata, and the entries pointing at the next level down.
type dxRoot struct {
	dotEntry       *directoryEntry
	dotDotEntry    *directoryEntry
	hashVersion    hashVersion
	depth          int
	unusedFlags    uint8
	entries        []dxEntry
}

func parseOneDirEntry(b []byte, offset int) (*directoryEntry, int, error) {
	if offset+minDirEntryLength > len(b) {
		return nil, offset, fmt.Errorf("directory entry at offset %d exceeds buffer of %d bytes", offset, len(b))
	}
	inodeNum := binary.LittleEndian.Uint32(b[offset : offset+4])
	recLen := binary.LittleEndian.Uint16(b[offset+4 : offset+6])
	if recLen < minDirEntryLength || offset+int(recLen) > len(b) {
		return nil, offset, fmt.Errorf("invalid directory entry rec_len %d at offset %d", recLen, offset)
	}
	nameLen := int(b[offset+6])
	ft := dirFileType(b[offset+7])
	var name string
	if nameLen > 0 {
		nameEnd := offset + 8 + nameLen
		if nameEnd > offset+int(recLen) {
			return nil, offset, fmt.Errorf("directory entry name_len %d overruns rec_len %d at offset %d", nameLen, recLen, offset)
		}
		name = string(b[offset+8 : nameEnd])
	}
	return &directoryEntry{inode: inodeNum, filename: name, fileType: ft, recLen: recLen}, offset + int(recLen), nil
}

// parseDirEntriesLinear walks one or more blockSize-sized blocks of b,
// reading standard (non-htree) directory entries. When hasChecksum is set,
// each block's final 12 bytes are a dir_entry_tail checksum record that is
// verified rather than returned as a visible entry.
func parseDirEntriesLinear(b []byte, hasChecksum bool, blockSize uint32, inodeNumber, generation, checksumSeed uint32) ([]*directoryEntry, error) {
	var entries []*directoryEntry
	if blockSize == 0 {
		return nil, fmt.Errorf("block size must be non-zero")
	}
	blockCount := len(b) / int(blockSize)
	if blockCount == 0 {
		blockCount = 1
	}
	for bi := 0; bi < blockCount; bi++ {
		start := bi * int(blockSize)
		end := start + int(blockSize)
		if end > len(b) {
			end = len(b)
		}
		block := b[start:end]
		limit := len(block)
		if hasChecksum && limit >= dirEntryTailLength {
			limit -= dirEntryTailLength
		}
		offset := 0
		for offset+minDirEntryLength <= limit {
			de, next, err := parseOneDirEntry(block, offset)
			if err != nil {
				return nil, err
			}
			if de.inode != 0 && de.filename != "" {
				entries = append(entries, de)
			}
			if next <= offset {
				break
			}
			offset = next
		}
		if hasChecksum && len(block) >= dirEntryTailLength {
			tailOff := len(block) - dirEntryTailLength
			want := binary.LittleEndian.Uint32(block[tailOff+8 : tailOff+12])
			got := directoryBlockChecksum(block[:tailOff], checksumSeed, inodeNumber, generation)
			if got != want {
				return nil, fmt.Errorf("directory block checksum mismatch for inode %d: have 0x%08x, disk has 0x%08x", inodeNumber, got, want)
			}
		}
	}
	return entries, nil
}

// parseDirectoryTreeRoot parses the first block of a htree-indexed
// directory: the fake "." and ".." entries, followed by the dx_root_info
// header and the first level of (hash, block) entries.
func parseDirectoryTreeRoot(b []byte, largeDir bool) (*dxRoot, error) {
	dotEntry, off, err := parseOneDirEntry(b, 0)
	if err != nil {
		return nil, fmt.Errorf("parsing '.' entry: %w", err)
	}
	dotDotEntry, off, err := parseOneDirEntry(b, off)
	if err != nil {
		return nil, fmt.Errorf("parsing '..' entry: %w", err)
	}
	// dx_root_info starts right after the ".." entry's rec_len: reserved
	// zero (4 bytes), hash_version, info_length, indirect_levels, unused_flags.
	if off+8 > len(b) {
		return nil, fmt.Errorf("buffer too short for dx_root_info at offset %d", off)
	}
	hv := hashVersion(b[off+4])
	infoLength := int(b[off+5])
	indirectLevels := b[off+6]
	unusedFlags := b[off+7]
	if infoLength < 8 {
		infoLength = 8
	}

	entriesOff := off + infoLength
	if entriesOff+4 > len(b) {
		return nil, fmt.Errorf("buffer too short for dx_countlimit at offset %d", entriesOff)
	}
	count := binary.LittleEndian.Uint16(b[entriesOff+2 : entriesOff+4])

	entries := make([]dxEntry, 0, count)
	for i := 0; i < int(count); i++ {
		eoff := entriesOff + 4 + i*8
		if eoff+8 > len(b) {
			break
		}
		entries = append(entries, dxEntry{
			hash:  binary.LittleEndian.Uint32(b[eoff : eoff+4]),
			block: binary.LittleEndian.Uint32(b[eoff+4 : eoff+8]),
		})
	}

	return &dxRoot{
		dotEntry:    dotEntry,
		dotDotEntry: dotDotEntry,
		hashVersion: hv,
		depth:       int(indirectLevels) + 1,
		unusedFlags: unusedFlags,
		entries:     entries,
	}, nil
}

// parseDirEntriesHashed walks a htree-indexed directory's index blocks to
// find every leaf block, then parses each leaf with the same linear format
// regular directory blocks use. b holds the directory inode's full,
// logical-block-ordered contents, so entries' block numbers index directly
// into it.
func parseDirEntriesHashed(b []byte, depth int, root *dxRoot, blockSize uint32, hasChecksum bool, inodeNumber, generation, checksumSeed uint32) ([]*directoryEntry, error) {
	leafBlocks := make([]uint32, 0, len(root.entries))
	if depth <= 1 {
		for _, e := range root.entries {
			leafBlocks = append(leafBlocks, e.block)
		}
	} else {
		for _, e := range root.entries {
			interior := dxBlockSlice(b, e.block, blockSize)
			if interior == nil || len(interior) < 4 {
				continue
			}
			count := binary.LittleEndian.Uint16(interior[2:4])
			for i := 0; i < int(count); i++ {
				eoff := 4 + i*8
				if eoff+8 > len(interior) {
					break
				}
				leafBlocks = append(leafBlocks, binary.LittleEndian.Uint32(interior[eoff+4:eoff+8]))
			}
		}
	}

	var allEntries []*directoryEntry
	for _, blk := range leafBlocks {
		leaf := dxBlockSlice(b, blk, blockSize)
		if leaf == nil {
			continue
		}
		entries, err := parseDirEntriesLinear(leaf, hasChecksum, blockSize, inodeNumber, generation, checksumSeed)
		if err != nil {
			return nil, fmt.Errorf("htree leaf block %d: %w", blk, err)
		}
		allEntries = append(allEntries, entries...)
	}
	return allEntries, nil
}

func dxBlockSlice(b []byte, block uint32, blockSize uint32) []byte {
	start := uint64(block) * uint64(blockSize)
	end := start + uint64(blockSize)
	if end > uint64(len(b)) {
		return nil
	}
	return b[start:end]
}

// directoryBlockChecksum computes the CRC32c used by a directory block's
// dir_entry_tail, seeded the same way inode checksums are: csum_seed, then
// the owning inode's number and generation, then the block contents.
func directoryBlockChecksum(b []byte, checksumSeed, inodeNumber, generation uint32) uint32 {
	numberBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(numberBytes, inodeNumber)
	crcResult := crc.CRC32c(checksumSeed, numberBytes)
	genBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(genBytes, generation)
	crcResult = crc.CRC32c(crcResult, genBytes)
	crcResult = crc.CRC32c(crcResult, b)
	return crcResult
}

// directoryChecksumAppender returns a function that, given a fully-laid-out
// directory block whose final 12 bytes are a dir_entry_tail with its
// checksum field still zero, computes and writes that checksum in place.
func directoryChecksumAppender(checksumSeed, inodeNumber, generation uint32) func([]byte) []byte {
	return func(block []byte) []byte {
		if len(block) < dirEntryTailLength {
			return block
		}
		tailOff := len(block) - dirEntryTailLength
		checksum := directoryBlockChecksum(block[:tailOff], checksumSeed, inodeNumber, generation)
		binary.LittleEndian.PutUint32(block[tailOff+8:tailOff+12], checksum)
		return block
	}
}

func dirEntryRecLen(name string) uint16 {
	l := minDirEntryLength + len(name)
	return uint16((l + 3) &^ 3)
}

// toBytes lays out the directory's entries into one or more blockSize-sized
// blocks, extending each block's final entry to absorb whatever space is
// left over. When appendChecksum is non-nil, each block reserves its last
// 12 bytes for a dir_entry_tail and has the checksum filled in afterward.
func (d *Directory) toBytes(blockSize uint32, appendChecksum func([]byte) []byte) []byte {
	reserve := 0
	if appendChecksum != nil {
		reserve = dirEntryTailLength
	}
	limit := int(blockSize) - reserve

	var out []byte
	var block []byte
	lastHeaderOff := -1

	finishBlock := func() {
		full := make([]byte, blockSize)
		copy(full, block)
		if lastHeaderOff >= 0 {
			slack := limit - len(block)
			if slack > 0 {
				cur := binary.LittleEndian.Uint16(full[lastHeaderOff+4 : lastHeaderOff+6])
				binary.LittleEndian.PutUint16(full[lastHeaderOff+4:lastHeaderOff+6], cur+uint16(slack))
			}
		}
		if appendChecksum != nil {
			tailOff := int(blockSize) - dirEntryTailLength
			binary.LittleEndian.PutUint32(full[tailOff:tailOff+4], 0)
			binary.LittleEndian.PutUint16(full[tailOff+4:tailOff+6], uint16(dirEntryTailLength))
			full[tailOff+6] = 0
			full[tailOff+7] = byte(dirFileTypeChecksum)
			full = appendChecksum(full)
		}
		out = append(out, full...)
		block = nil
		lastHeaderOff = -1
	}

	for _, e := range d.entries {
		recLen := int(dirEntryRecLen(e.filename))
		if len(block)+recLen > limit {
			finishBlock()
		}
		headerOff := len(block)
		entry := make([]byte, recLen)
		binary.LittleEndian.PutUint32(entry[0:4], e.inode)
		binary.LittleEndian.PutUint16(entry[4:6], uint16(recLen))
		entry[6] = byte(len(e.filename))
		entry[7] = byte(e.fileType)
		copy(entry[8:], e.filename)
		block = append(block, entry...)
		lastHeaderOff = headerOff
	}
	finishBlock()
	return out
}
