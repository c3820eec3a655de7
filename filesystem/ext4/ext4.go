package ext4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"math"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/ext4fs/core/backend"
	"github.com/ext4fs/core/blockio"
	"github.com/ext4fs/core/filesystem"
	"github.com/ext4fs/core/filesystem/ext4/crc"
	"github.com/ext4fs/core/util/bitmap"
	"github.com/sirupsen/logrus"
)

// SectorSize indicates what the sector size in bytes is
type SectorSize uint16

// BlockSize indicates how many sectors are in a block
type BlockSize uint8

// BlockGroupSize indicates how many blocks are in a group, standardly 8*block_size_in_bytes

const (
	// SectorSize512 is a sector size of 512 bytes, used as the logical size for all ext4 filesystems
	SectorSize512                SectorSize = 512
	minBlocksPerGroup            uint32     = 256
	BootSectorSize               SectorSize = 2 * SectorSize512
	SuperblockSize               SectorSize = 2 * SectorSize512
	BlockGroupFactor             int        = 8
	DefaultInodeRatio            int64      = 8192
	DefaultInodeSize             int64      = 256
	DefaultReservedBlocksPercent uint8      = 5
	DefaultVolumeName                       = "diskfs_ext4"
	minClusterSize               int        = 128
	maxClusterSize               int        = 65529
	bytesPerSlot                 int        = 32
	maxCharsLongFilename         int        = 13
	maxBlocksPerExtent           uint16     = 32768
	million                      int        = 1000000
	billion                      int        = 1000 * million
	firstNonReservedInode        uint32     = 11 // traditional

	minBlockLogSize int = 10 /* 1024 */
	maxBlockLogSize int = 16 /* 65536 */
	minBlockSize    int = (1 << minBlockLogSize)
	maxBlockSize    int = (1 << maxBlockLogSize)

	max32Num uint64 = math.MaxUint32
	max64Num uint64 = math.MaxUint64

	maxFilesystemSize32Bit uint64 = 16 << 40
	maxFilesystemSize64Bit uint64 = 1 << 60

	checksumType uint8 = 1

	// default for log groups per flex group
	defaultLogGroupsPerFlex int = 3

	// fixed inodes
	rootInode              uint32 = 2
	userQuotaInode         uint32 = 3
	groupQuotaInode        uint32 = 4
	bootLoaderIndoe        uint32 = 5
	undeleteDirectoryInode uint32 = 6
	groupDescriptorsInode  uint32 = 7
	journalInode           uint32 = 8
	excludeInode           uint32 = 9
	replicaInode           uint32 = 10
	lostFoundInode                = 11 // traditional

	// journal info
	journalMaxSize int64 = 128 * MB
	journalMinSize int64 = 4 * MB

	// reserved GDT info
	gdtMaxReservedBlocks      uint64 = 256
	gdtDefaultMaxGrowthFactor uint64 = 1024
)

// FileSystem implememnts the FileSystem interface
type FileSystem struct {
	bootSector        []byte
	superblock        *superblock
	groupDescriptors  *groupDescriptors
	blockGroups       int64
	size              int64
	start             int64
	backend           backend.Storage
	backupSuperblocks []int64
	opts              mountOptions
	blockDevice       *blockio.Device
	blockCache        *blockio.Cache
	inodeAlloc        inodeAllocator
	blockAlloc        blockAllocator
}

// inodeAllocator remembers which block group the inode bitmap scan last
// succeeded in, so the next goal-less allocation starts there (round-robin)
// instead of always rescanning from group 0.
type inodeAllocator struct {
	lastGroup int
}

// blockAllocator remembers which block group the data-block bitmap scan
// last succeeded in, used as the starting point for the next allocation
// that carries no locality goal of its own.
type blockAllocator struct {
	lastGroup int
}

// Equal compare if two filesystems are equal
func (fs *FileSystem) Equal(a *FileSystem) bool {
	localMatch := fs.backend == a.backend
	sbMatch := fs.superblock.equal(a.superblock)
	gdMatch := fs.groupDescriptors.equal(a.groupDescriptors)
	return localMatch && sbMatch && gdMatch
}


// Read reads a filesystem from a given disk.
//
// requires the backend.File where to read the filesystem, size is the size of the filesystem in bytes,
// start is how far in bytes from the beginning of the backend.File the filesystem is expected to begin,
// and sectorsize is the sector size of the backing storage
//
// note that you are *not* required to read a filesystem on the entire disk. You could have a disk of size
// 20GB, and a small filesystem of size 50MB that begins 2GB into the disk.
// This is extremely useful for working with filesystems on disk partitions.
// The caller computes where such a partition starts and how large it is.
//
// A sectorsize of 0 or less uses the default of 512 bytes. Any positive value other than 512
// returns an error.
func Read(b backend.Storage, size, start, sectorsize int64, opts ...MountOption) (*FileSystem, error) {
	// sectorsize must be <=0 or exactly SectorSize512 or error
	if sectorsize != int64(SectorSize512) && sectorsize > 0 {
		return nil, fmt.Errorf("sectorsize for ext4 must be either 512 bytes or 0, not %d", sectorsize)
	}
	// we do not check for ext4 max size because it is theoreticallt 1YB, which is bigger than an int64! Even 1ZB is!
	if size < Ext4MinSize {
		return nil, fmt.Errorf("requested size is smaller than minimum allowed ext4 size %d", Ext4MinSize)
	}

	// Make SubStorage Backend
	fsBackend := backend.Sub(b, start, size)

	// load the information from the disk
	// read boot sector code
	bs := make([]byte, BootSectorSize)
	n, err := fsBackend.ReadAt(bs, 0)
	if err != nil {
		return nil, fmt.Errorf("could not read boot sector bytes from file: %v", err)
	}
	if uint16(n) < uint16(BootSectorSize) {
		return nil, fmt.Errorf("only could read %d boot sector bytes from file", n)
	}

	// read the superblock
	// the superblock is one minimal block, i.e. 2 sectors
	superblockBytes := make([]byte, SuperblockSize)
	n, err = fsBackend.ReadAt(superblockBytes, int64(BootSectorSize))
	if err != nil {
		return nil, fmt.Errorf("could not read superblock bytes from file: %v", err)
	}
	if uint16(n) < uint16(SuperblockSize) {
		return nil, fmt.Errorf("only could read %d superblock bytes from file", n)
	}

	// convert the bytes into a superblock structure
	sb, err := superblockFromBytes(superblockBytes)
	if err != nil {
		return nil, fmt.Errorf("could not interpret superblock data: %v", err)
	}

	// now read the GDT
	// how big should the GDT be?
	gdtSize := uint64(sb.groupDescriptorSize) * sb.blockGroupCount()

	if gdtSize == 0 {
		return nil, errors.New("calculated Group Descriptor Table size is zero")
	}

	gdtBytes := make([]byte, gdtSize)
	// where do we find the GDT?
	// - if blocksize is 1024, then 1024 padding for BootSector is block 0, 1024 for superblock is block 1
	//   and then the GDT starts at block 2
	// - if blocksize is larger than 1024, then 1024 padding for BootSector followed by 1024 for superblock
	//   is block 0, and then the GDT starts at block 1
	gdtBlock := 1
	if sb.blockSize == 1024 {
		gdtBlock = 2
	}
	n, err = fsBackend.ReadAt(gdtBytes, int64(gdtBlock)*int64(sb.blockSize))
	if err != nil {
		return nil, fmt.Errorf("could not read Group Descriptor Table bytes from file: %v", err)
	}
	if uint64(n) < gdtSize {
		return nil, fmt.Errorf("only could read %d Group Descriptor Table bytes from file instead of %d", n, gdtSize)
	}
	gdt, err := groupDescriptorsFromBytes(gdtBytes, sb.groupDescriptorSize, sb.checksumSeed, sb.gdtChecksumType())
	if err != nil {
		return nil, fmt.Errorf("could not interpret Group Descriptor Table data: %v", err)
	}

	// which blocks have superblock and GDT?
	//  0 - primary
	//  ?? - backups
	backupSuperblocks := []int64{0}
	for _, bg := range sb.backupSuperblockBlockGroups {
		backupSuperblocks = append(backupSuperblocks, int64(bg*sb.blocksPerGroup))
	}

	mo := defaultMountOptions(sb.blockSize)
	for _, opt := range opts {
		opt(&mo)
	}
	mo.logger.WithFields(logrus.Fields{
		"size":       size,
		"start":      start,
		"block_size": sb.blockSize,
		"read_only":  mo.readOnly,
	}).Debug("ext4 filesystem mounted")

	bd := blockio.NewDevice(fsBackend, uint32(SectorSize512), sb.blockSize, 0, sb.blocksCount())
	bc := blockio.NewCache(bd, mo.cacheCapacity)
	if mo.cacheWritebackInitial {
		bc.EnableWriteback()
	}

	return &FileSystem{
		bootSector:        bs,
		superblock:        sb,
		groupDescriptors:  gdt,
		blockGroups:       int64(sb.blockGroupCount()),
		size:              size,
		start:             start,
		backend:           fsBackend,
		backupSuperblocks: backupSuperblocks,
		opts:              mo,
		blockDevice:       bd,
		blockCache:        bc,
	}, nil
}

// checkWritable returns ErrReadOnly if the filesystem was mounted with
// WithReadOnly(true), short-circuiting mutating facade methods before they
// touch the backend.
func (fs *FileSystem) checkWritable() error {
	if fs.opts.readOnly {
		return ErrReadOnly
	}
	return nil
}

// interface guard
var _ filesystem.FileSystem = (*FileSystem)(nil)

// Close flushes every dirty block held in the block cache to the backing store.
func (fs *FileSystem) Close() error {
	if fs.blockCache != nil {
		if err := fs.blockCache.FlushAll(); err != nil {
			return fmt.Errorf("failed to flush block cache on unmount: %w", err)
		}
	}
	fs.opts.logger.Debug("ext4 filesystem unmounted")
	return nil
}

// Type returns the type code for the filesystem. Always returns filesystem.TypeExt4
func (fs *FileSystem) Type() filesystem.Type {
	return filesystem.TypeExt4
}

// Mkdir make a directory at the given path. It is equivalent to `mkdir -p`, i.e. idempotent, in that:
//
// * It will make the entire tree path if it does not exist
// * It will not return an error if the path already exists
func (fs *FileSystem) Mkdir(p string) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	// should not accept anything that starts with /
	if err := validatePath(p); err != nil {
		return err
	}
	_, err := fs.readDirWithMkdir(p, true)
	// we are not interesting in returning the entries
	return err
}

// creates a filesystem node (file, device special file, or named pipe) named pathname,
// with attributes specified by mode and dev
//
//nolint:revive // parameters will be used eventually
func (fs *FileSystem) Mknod(pathname string, mode uint32, dev int) error {
	return filesystem.ErrNotImplemented
}

// creates a new link (also known as a hard link) to an existing file.
//
//nolint:revive // parameters will be used eventually
func (fs *FileSystem) Link(oldpath, newpath string) error {
	return filesystem.ErrNotImplemented
}

// creates a symbolic link named newpath which contains the string oldpath.
// Only inline ("fast") symlinks are created: oldpath must fit in the 60
// bytes normally used for the extent tree root, matching the Readlink
// invariant.
func (fs *FileSystem) Symlink(oldpath, newpath string) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	if err := validatePath(newpath); err != nil {
		return err
	}
	if len(oldpath) >= 60 {
		return fmt.Errorf("%w: symlink target too long for inline storage: %s", ErrUnsupported, oldpath)
	}
	dir := path.Dir(newpath)
	filename := path.Base(newpath)
	parentDir, err := fs.readDirWithMkdir(dir, false)
	if err != nil {
		return fmt.Errorf("could not read directory entries for %s: %w", dir, err)
	}
	for _, e := range parentDir.entries {
		if e.filename == filename {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, newpath)
		}
	}

	inodeNumber, err := fs.allocateInode(parentDir.inode, 0, false)
	if err != nil {
		return fmt.Errorf("could not allocate inode for symlink %s: %w", newpath, err)
	}

	now := time.Now()
	in := inode{
		number:           inodeNumber,
		fileType:         fileTypeSymbolicLink,
		permissionsOwner: filePermissions{read: true, write: true, execute: true},
		permissionsGroup: filePermissions{read: true, execute: true},
		permissionsOther: filePermissions{read: true, execute: true},
		size:             uint64(len(oldpath)),
		hardLinks:        1,
		flags:            &inodeFlags{},
		linkTarget:       oldpath,
		inodeSize:        fs.superblock.inodeSize,
		accessTime:       now,
		changeTime:       now,
		createTime:       now,
		modifyTime:       now,
		extents:          extentsBlockFinderFromExtents(nil, fs.superblock.blockSize),
	}
	if err := fs.writeInode(&in); err != nil {
		return fmt.Errorf("could not write inode for symlink %s: %w", newpath, err)
	}

	de := directoryEntry{inode: inodeNumber, filename: filename, fileType: dirFileTypeSymlink}
	parentDir.entries = append(parentDir.entries, &de)
	if err := fs.writeDirectoryEntries(parentDir.inode, parentDir.entries); err != nil {
		return fmt.Errorf("could not write parent directory entry for symlink %s: %w", newpath, err)
	}
	return nil
}

// Chtimes changes the file creation, access and modification times
func (fs *FileSystem) Chtimes(p string, ctime, atime, mtime time.Time) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	_, entry, err := fs.getEntryAndParent(p)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: target file %s does not exist", ErrNotFound, p)
	}
	// get the inode
	inodeNumber := entry.inode
	inode, err := fs.readInode(inodeNumber)
	if err != nil {
		return fmt.Errorf("could not read inode number %d: %v", inodeNumber, err)
	}
	inode.createTime = ctime
	inode.accessTime = atime
	inode.modifyTime = mtime
	return fs.writeInode(inode)
}

// Chmod changes the mode of the named file to mode. If the file is a symbolic link,
// it changes the mode of the link's target.
func (fs *FileSystem) Chmod(name string, mode os.FileMode) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	if err := validatePath(name); err != nil {
		return err
	}

	_, entry, err := fs.getEntryAndParent(name)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: target file %s does not exist", ErrNotFound, name)
	}

	// get the inode
	inodeNumber := entry.inode
	inode, err := fs.readInode(inodeNumber)
	if err != nil {
		return fmt.Errorf("could not read inode number %d: %v", inodeNumber, err)
	}

	// if a symlink, follow it
	if inode.fileType == fileTypeSymbolicLink {
		linkTarget := inode.linkTarget
		if !path.IsAbs(linkTarget) {
			dir := path.Dir(name)
			linkTarget = path.Join(dir, linkTarget)
			linkTarget = path.Clean(linkTarget)
		}
		return fs.Chmod(linkTarget, mode)
	}

	// update permissions
	perm := uint16(mode.Perm())
	inode.permissionsOwner = parseOwnerPermissions(perm)
	inode.permissionsGroup = parseGroupPermissions(perm)
	inode.permissionsOther = parseOtherPermissions(perm)

	// handle special bits (setuid, setgid, sticky)
	if mode&os.ModeSetuid != 0 {
		inode.permissionsOwner.special = true
	}
	if mode&os.ModeSetgid != 0 {
		inode.permissionsGroup.special = true
	}
	if mode&os.ModeSticky != 0 {
		inode.permissionsOther.special = true
	}

	return fs.writeInode(inode)
}

// Chown changes the numeric uid and gid of the named file. If the file is a symbolic link,
// it changes the uid and gid of the link's target. A uid or gid of -1 means to not change that value
func (fs *FileSystem) Chown(name string, uid, gid int) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	if err := validatePath(name); err != nil {
		return err
	}

	_, entry, err := fs.getEntryAndParent(name)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: target file %s does not exist", ErrNotFound, name)
	}

	// get the inode
	inodeNumber := entry.inode
	inode, err := fs.readInode(inodeNumber)
	if err != nil {
		return fmt.Errorf("could not read inode number %d: %v", inodeNumber, err)
	}

	// if a symlink, follow it
	if inode.fileType == fileTypeSymbolicLink {
		linkTarget := inode.linkTarget
		if !path.IsAbs(linkTarget) {
			dir := path.Dir(name)
			linkTarget = path.Join(dir, linkTarget)
			linkTarget = path.Clean(linkTarget)
		}
		return fs.Chown(linkTarget, uid, gid)
	}

	// update uid and gid
	if uid != -1 {
		inode.owner = uint32(uid)
	}
	if gid != -1 {
		inode.group = uint32(gid)
	}

	return fs.writeInode(inode)
}

// ReadDir return the contents of a given directory in a given filesystem.
//
// Returns a slice of iofs.DirEntry with all of the entries in the directory.
//
// Will return an error if the directory does not exist or is a regular file and not a directory
func (fs *FileSystem) ReadDir(p string) ([]iofs.DirEntry, error) {
	// should not accept anything that starts with /
	if err := validatePath(p); err != nil {
		return nil, err
	}
	dir, err := fs.readDirWithMkdir(p, false)
	if err != nil {
		return nil, fmt.Errorf("error reading directory %s: %v", p, err)
	}
	// once we have made it here, looping is done. We have found the final entry
	// we need to return all of the file info
	count := len(dir.entries)
	ret := make([]iofs.DirEntry, 0, count)
	for i, e := range dir.entries {
		in, err := fs.readInode(e.inode)
		if err != nil {
			return nil, fmt.Errorf("could not read inode %d at position %d in directory: %v", e.inode, i, err)
		}
		if e.filename == "." || e.filename == ".." || e.filename == "" {
			// skip these entries
			continue
		}
		ret = append(ret, &directoryEntryInfo{
			inode:          in,
			directoryEntry: e,
		})
	}

	return ret, nil
}

// Open returns an fs.File from which you can read the contents of a file
// Especially useful for doing fs.FS operations
func (fs *FileSystem) Open(p string) (iofs.File, error) {
	// should not accept anything that starts with /
	if err := validatePath(p); err != nil {
		return nil, err
	}
	file, err := fs.OpenFile(p, os.O_RDONLY)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// OpenFile returns an io.ReadWriter from which you can read the contents of a file
// or write contents to the file
//
// accepts normal os.OpenFile flags
//
// returns an error if the file does not exist
func (fs *FileSystem) OpenFile(p string, flag int) (filesystem.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_APPEND|os.O_TRUNC) != 0 {
		if err := fs.checkWritable(); err != nil {
			return nil, err
		}
	}
	filename := path.Base(p)
	dir := path.Dir(p)
	parentDir, entry, err := fs.getEntryAndParent(p)
	if err != nil {
		return nil, err
	}

	// see if the file exists
	// if the file does not exist, and is not opened for os.O_CREATE, return an error
	if entry == nil {
		if flag&os.O_CREATE == 0 {
			return nil, fmt.Errorf("%w: target file %s does not exist and was not asked to create", ErrNotFound, p)
		}
		// else create it
		entry, err = fs.mkFile(parentDir, filename)
		if err != nil {
			return nil, fmt.Errorf("failed to create file %s: %v", p, err)
		}
	}
	// get the inode
	inodeNumber := entry.inode
	inode, err := fs.readInode(inodeNumber)
	if err != nil {
		return nil, fmt.Errorf("could not read inode number %d: %v", inodeNumber, err)
	}

	// if a symlink, read the target, rather than the inode itself, which does not point to anything
	if inode.fileType == fileTypeSymbolicLink {
		// is the symlink relative or absolute?
		linkTarget := inode.linkTarget
		if !path.IsAbs(linkTarget) {
			// convert it into an absolute path
			// and start the process again
			linkTarget = path.Join(dir, linkTarget)
			// we probably could make this more efficient by checking if the final linkTarget
			// is in the same directory as we already are parsing, rather than walking the whole thing again
			// leave that for the future.
			linkTarget = path.Clean(linkTarget)
		}
		return fs.OpenFile(linkTarget, flag)
	}
	offset := int64(0)
	if flag&os.O_APPEND == os.O_APPEND {
		offset = int64(inode.size)
	}
	// when we open a file, we load the inode but also all of the extents
	extents, err := inode.extents.blocks(fs)
	if err != nil {
		return nil, fmt.Errorf("could not read extent tree for inode %d: %v", inodeNumber, err)
	}
	return &File{
		inode:       inode,
		isReadWrite: flag&os.O_RDWR != 0,
		isAppend:    flag&os.O_APPEND != 0,
		offset:      offset,
		filesystem:  fs,
		extents:     extents,
		filename:    filename,
		fileType:    entry.fileType,
	}, nil
}

// openFileViaInode opens a file given its inode number and flags, using the inode directly.
// Will not create the file if it does not exist.
// Does not follow symlinks.
func (fs *FileSystem) openFileViaInode(inodeNumber uint32, flag int) (filesystem.File, error) {
	inode, err := fs.readInode(inodeNumber)
	if err != nil {
		return nil, fmt.Errorf("could not read inode number %d: %v", inodeNumber, err)
	}

	// if a symlink, read the target, rather than the inode itself, which does not point to anything
	if inode.fileType == fileTypeSymbolicLink {
		return nil, fmt.Errorf("cannot open file via inode: inode %d is a symbolic link", inodeNumber)
	}
	offset := int64(0)
	if flag&os.O_APPEND == os.O_APPEND {
		offset = int64(inode.size)
	}
	// when we open a file, we load the inode but also all of the extents
	extents, err := inode.extents.blocks(fs)
	if err != nil {
		return nil, fmt.Errorf("could not read extent tree for inode %d: %v", inodeNumber, err)
	}
	return &File{
		inode:       inode,
		isReadWrite: flag&os.O_RDWR != 0,
		isAppend:    flag&os.O_APPEND != 0,
		offset:      offset,
		filesystem:  fs,
		extents:     extents,
		fileType:    directoryFileType(inode.fileType),
	}, nil
}

// ReadFile implements ReadFileFS to read an entire file into memory
func (fs *FileSystem) ReadFile(name string) ([]byte, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Label read the volume label
func (fs *FileSystem) Label() string {
	if fs.superblock == nil {
		return ""
	}
	return fs.superblock.volumeLabel
}

// writeDirectoryEntries serializes entries as the contents of the directory
// whose inode is dirInodeNumber and persists them, growing the directory's
// extent tree through File.Write if the new content no longer fits the
// blocks already allocated to it. Mirrors the dirFile pattern mkDirEntry and
// initFile use to write "." / ".." and new directory entries.
func (fs *FileSystem) writeDirectoryEntries(dirInodeNumber uint32, entries []*directoryEntry) error {
	dirInode, err := fs.readInode(dirInodeNumber)
	if err != nil {
		return fmt.Errorf("could not read inode %d for directory: %w", dirInodeNumber, err)
	}
	dir := &Directory{
		directoryEntry: directoryEntry{inode: dirInodeNumber, fileType: dirFileTypeDirectory},
		entries:        entries,
	}
	dirBytes := dir.toBytes(fs.superblock.blockSize, directoryChecksumAppender(fs.superblock.checksumSeed, dirInodeNumber, 0))
	dirExtents, err := dirInode.extents.blocks(fs)
	if err != nil {
		return fmt.Errorf("could not read extents for directory inode %d: %w", dirInodeNumber, err)
	}
	dirFile := &File{
		inode:       dirInode,
		fileType:    dirFileTypeDirectory,
		filesystem:  fs,
		isReadWrite: true,
		isAppend:    true,
		offset:      0,
		extents:     dirExtents,
	}
	wrote, err := dirFile.Write(dirBytes)
	if err != nil && err != io.EOF {
		return fmt.Errorf("could not write directory %d: %w", dirInodeNumber, err)
	}
	if wrote != len(dirBytes) {
		return fmt.Errorf("wrote only %d bytes instead of expected %d for directory %d", wrote, len(dirBytes), dirInodeNumber)
	}
	return nil
}

// Rename renames (moves) oldpath to newpath. If newpath already exists and is
// not a directory, Rename replaces it, unless oldpath is itself a directory,
// which returns ErrInvalidInput. Moving a directory to a new parent
// updates the moved directory's ".." entry and fixes up the old and new
// parents' link counts to match.
func (fs *FileSystem) Rename(oldpath, newpath string) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	oldParentDir, oldEntry, err := fs.getEntryAndParent(oldpath)
	if err != nil {
		return err
	}
	if oldEntry == nil {
		return fmt.Errorf("%w: file does not exist: %s", ErrNotFound, oldpath)
	}
	if oldParentDir.root && oldEntry == &oldParentDir.directoryEntry {
		return fmt.Errorf("%w: cannot rename root directory", ErrInvalidInput)
	}

	newParentPath := path.Dir(newpath)
	newName := path.Base(newpath)
	newParentDir, err := fs.readDirWithMkdir(newParentPath, false)
	if err != nil {
		return err
	}

	var destEntry *directoryEntry
	for _, e := range newParentDir.entries {
		if e.filename == newName {
			destEntry = e
			break
		}
	}
	if destEntry != nil {
		if destEntry.inode == oldEntry.inode {
			// renaming onto itself: nothing to do
			return nil
		}
		if destEntry.fileType == dirFileTypeDirectory {
			return fmt.Errorf("%w: cannot rename over existing directory %s", ErrAlreadyExists, newpath)
		}
		if oldEntry.fileType == dirFileTypeDirectory {
			return fmt.Errorf("%w: cannot rename directory over existing file %s", ErrInvalidInput, newpath)
		}
		if err := fs.Remove(newpath); err != nil {
			return fmt.Errorf("could not replace existing %s: %w", newpath, err)
		}
		newParentDir, err = fs.readDirWithMkdir(newParentPath, false)
		if err != nil {
			return err
		}
	}

	movingDir := oldEntry.fileType == dirFileTypeDirectory
	samePath := oldParentDir.inode == newParentDir.inode

	renamed := &directoryEntry{
		inode:    oldEntry.inode,
		filename: newName,
		fileType: oldEntry.fileType,
	}

	if samePath {
		newEntries := make([]*directoryEntry, 0, len(oldParentDir.entries))
		for _, e := range oldParentDir.entries {
			if e.inode == oldEntry.inode && e.filename == oldEntry.filename {
				continue
			}
			newEntries = append(newEntries, e)
		}
		newEntries = append(newEntries, renamed)
		if err := fs.writeDirectoryEntries(oldParentDir.inode, newEntries); err != nil {
			return err
		}
		return nil
	}

	oldEntries := make([]*directoryEntry, 0, len(oldParentDir.entries)-1)
	for _, e := range oldParentDir.entries {
		if e.inode == oldEntry.inode && e.filename == oldEntry.filename {
			continue
		}
		oldEntries = append(oldEntries, e)
	}
	newEntries := append(append([]*directoryEntry{}, newParentDir.entries...), renamed)

	if err := fs.writeDirectoryEntries(oldParentDir.inode, oldEntries); err != nil {
		return fmt.Errorf("could not update old parent directory: %w", err)
	}
	if err := fs.writeDirectoryEntries(newParentDir.inode, newEntries); err != nil {
		return fmt.Errorf("could not update new parent directory: %w", err)
	}

	if movingDir {
		movedEntries, err := fs.readDirectory(oldEntry.inode)
		if err != nil {
			return fmt.Errorf("could not read moved directory %d: %w", oldEntry.inode, err)
		}
		for _, e := range movedEntries {
			if e.filename == ".." {
				e.inode = newParentDir.inode
				break
			}
		}
		if err := fs.writeDirectoryEntries(oldEntry.inode, movedEntries); err != nil {
			return fmt.Errorf("could not update moved directory's parent link: %w", err)
		}

		oldParentInode, err := fs.readInode(oldParentDir.inode)
		if err != nil {
			return fmt.Errorf("could not read old parent inode %d: %w", oldParentDir.inode, err)
		}
		if oldParentInode.hardLinks > 0 {
			oldParentInode.hardLinks--
		}
		if err := fs.writeInode(oldParentInode); err != nil {
			return fmt.Errorf("could not update old parent link count: %w", err)
		}

		newParentInode, err := fs.readInode(newParentDir.inode)
		if err != nil {
			return fmt.Errorf("could not read new parent inode %d: %w", newParentDir.inode, err)
		}
		newParentInode.hardLinks++
		if err := fs.writeInode(newParentInode); err != nil {
			return fmt.Errorf("could not update new parent link count: %w", err)
		}
	}

	return nil
}

// Deprecated: use filesystem.Remove(p string) instead
func (fs *FileSystem) Rm(p string) error {
	return fs.Remove(p)
}

// Removes file or directory at path.
// If path is directory, it only will remove if it is empty.
// If path is a file, it will remove the file.
// Will not remove any parents.
// Error if the file does not exist or is not an empty directory
//
//nolint:gocyclo // yes, this has high cyclomatic complexity, but we can accept it
func (fs *FileSystem) Remove(p string) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	gdtBlock := 1
	if fs.superblock.blockSize == 1024 {
		gdtBlock = 2
	}
	parentDir, entry, err := fs.getEntryAndParent(p)
	if err != nil {
		return err
	}
	if parentDir.root && entry == &parentDir.directoryEntry {
		return fmt.Errorf("%w: cannot remove root directory", ErrInvalidInput)
	}
	if entry == nil {
		return fmt.Errorf("%w: file does not exist: %s", ErrNotFound, p)
	}

	writableFile, err := fs.backend.Writable()

	if err != nil {
		return err
	}
	// if it is a directory, it must be empty
	if entry.fileType == dirFileTypeDirectory {
		// read the directory
		entries, err := fs.readDirectory(entry.inode)
		if err != nil {
			return fmt.Errorf("could not read directory %s: %v", p, err)
		}
		if len(entries) > 2 {
			return fmt.Errorf("%w: directory not empty: %s", ErrNotEmpty, p)
		}
	}
	// at this point, it is either a file or an empty directory, so remove it

	// free up the blocks
	// read the inode to find the blocks
	removedInode, err := fs.readInode(entry.inode)
	if err != nil {
		return fmt.Errorf("could not read inode %d for %s: %v", entry.inode, p, err)
	}
	extents, err := removedInode.extents.blocks(fs)
	if err != nil {
		return fmt.Errorf("could not read extents for inode %d for %s: %v", entry.inode, p, err)
	}
	// clear up the blocks from the block bitmap. We are not clearing the block content, just the bitmap.
	// keep a cache of bitmaps, so we do not have to read them again and again
	blockBitmaps := make(map[int]*bitmap.Bitmap)
	freedByBG := make(map[int]uint32)
	var totalFreed uint64

	for _, e := range extents {
		for i := e.startingBlock; i < e.startingBlock+uint64(e.count); i++ {
			// determine what block group this block is in, and read the bitmap for that blockgroup
			bg := blockGroupForBlock(int(i), fs.superblock.firstDataBlock, fs.superblock.blocksPerGroup)
			dataBlockBitmap, ok := blockBitmaps[bg]
			if !ok {
				dataBlockBitmap, err = fs.readBlockBitmap(bg)
				if err != nil {
					return fmt.Errorf("could not read block bitmap: %v", err)
				}
				blockBitmaps[bg] = dataBlockBitmap
			}
			// the extent lists the absolute block number, but the bitmap is relative to the block group
			blockInBG := int(i) - int(fs.superblock.firstDataBlock) - int(fs.superblock.blocksPerGroup)*bg
			if err := dataBlockBitmap.Clear(blockInBG); err != nil {
				return fmt.Errorf("could not clear block bitmap for block %d: %v", i, err)
			}
			freedByBG[bg]++
			totalFreed++
		}
	}
	for bg, dataBlockBitmap := range blockBitmaps {
		if err := fs.writeBlockBitmap(dataBlockBitmap, bg); err != nil {
			return fmt.Errorf("could not write block bitmap back to disk: %v", err)
		}
		gd := fs.groupDescriptors.descriptors[bg]
		// Increment free blocks by actual filesystem blocks we just cleared in THIS group
		gd.freeBlocks += freedByBG[bg]
		gd.blockBitmapChecksum = bitmapChecksum(dataBlockBitmap.ToBytes(), fs.superblock.checksumSeed)
		fs.groupDescriptors.descriptors[bg] = gd
		gdBytes := gd.toBytes(fs.superblock.gdtChecksumType(), fs.superblock.checksumSeed)
		if _, err := writableFile.WriteAt(gdBytes, int64(gdtBlock)*int64(fs.superblock.blockSize)+int64(gd.number)*int64(fs.superblock.groupDescriptorSize)); err != nil {
			return fmt.Errorf("could not write Group Descriptor bytes to file: %v", err)
		}
	}

	// remove the directory entry from the parent
	newEntries := make([]*directoryEntry, 0, len(parentDir.entries)-1)
	for _, e := range parentDir.entries {
		if e.inode == entry.inode {
			continue
		}
		newEntries = append(newEntries, e)
	}
	parentDir.entries = newEntries
	// write the parent directory back, routed through the block cache the
	// same way Rename persists directory content
	if err := fs.writeDirectoryEntries(parentDir.inode, newEntries); err != nil {
		return fmt.Errorf("could not write parent directory %d for %s: %w", parentDir.inode, path.Base(p), err)
	}

	// clear the inode from the inode bitmap
	inodeBG := blockGroupForInode(int(entry.inode), fs.superblock.inodesPerGroup)
	inodeBitmap, err := fs.readInodeBitmap(inodeBG)
	if err != nil {
		return fmt.Errorf("could not read inode bitmap: %v", err)
	}

	// remove the inode from the bitmap and write the inode bitmap back
	// inode is absolute, but bitmap is relative to block group
	inodeInBG := int(entry.inode) - 1 - int(fs.superblock.inodesPerGroup)*inodeBG
	if err := inodeBitmap.Clear(inodeInBG); err != nil {
		return fmt.Errorf("could not clear inode bitmap for inode %d: %v", entry.inode, err)
	}
	// write the inode bitmap back
	if err := fs.writeInodeBitmap(inodeBitmap, inodeBG); err != nil {
		return fmt.Errorf("could not write inode bitmap back to disk: %v", err)
	}

	// Update the group descriptor: free inode count, free block count, used directory count; recompute checksums, and write GD
	gd := fs.groupDescriptors.descriptors[inodeBG]

	// update the group descriptor inodes. Freed data blocks were already
	// credited to their owning groups via freedByBG above; removedInode.blocks
	// is in raw 512-byte sector units and must not be added again here.
	gd.freeInodes++
	if entry.fileType == dirFileTypeDirectory {
		gd.usedDirectories--
	}
	gd.inodeBitmapChecksum = bitmapChecksum(inodeBitmap.ToBytes(), fs.superblock.checksumSeed)
	fs.groupDescriptors.descriptors[inodeBG] = gd

	// write the group descriptor back
	gdBytes := gd.toBytes(fs.superblock.gdtChecksumType(), fs.superblock.checksumSeed)
	if _, err := writableFile.WriteAt(gdBytes, int64(gdtBlock)*int64(fs.superblock.blockSize)+int64(gd.number)*int64(fs.superblock.groupDescriptorSize)); err != nil {
		return fmt.Errorf("could not write Group Descriptor bytes to file: %v", err)
	}

	// we could remove the inode from the inode table in the group descriptor,
	// but we do not need to do so. Since we are not reusing the inode, we can just leave it there,
	// the bitmap always is checked before reusing an inode location.
	// totalFreed already counts every data block cleared above, in filesystem-block units.
	fs.superblock.freeInodes++
	fs.superblock.freeBlocks += totalFreed
	return fs.writeSuperblock()
}

// freeBlocks clears each block number in blockNumbers from its block
// group's free-space bitmap and credits the group descriptor and
// superblock free-block counters. blockNumbers are absolute, filesystem-
// block-unit disk block numbers, same as Remove's per-extent freeing.
func (fs *FileSystem) freeBlocks(blockNumbers []uint64) error {
	if len(blockNumbers) == 0 {
		return nil
	}
	gdtBlock := 1
	if fs.superblock.blockSize == 1024 {
		gdtBlock = 2
	}
	writableFile, err := fs.backend.Writable()
	if err != nil {
		return err
	}
	blockBitmaps := make(map[int]*bitmap.Bitmap)
	freedByBG := make(map[int]uint32)
	for _, b := range blockNumbers {
		bg := blockGroupForBlock(int(b), fs.superblock.firstDataBlock, fs.superblock.blocksPerGroup)
		bm, ok := blockBitmaps[bg]
		if !ok {
			bm, err = fs.readBlockBitmap(bg)
			if err != nil {
				return fmt.Errorf("could not read block bitmap: %w", err)
			}
			blockBitmaps[bg] = bm
		}
		blockInBG := int(b) - int(fs.superblock.firstDataBlock) - int(fs.superblock.blocksPerGroup)*bg
		if err := bm.Clear(blockInBG); err != nil {
			return fmt.Errorf("could not clear block bitmap for block %d: %w", b, err)
		}
		freedByBG[bg]++
	}
	for bg, bm := range blockBitmaps {
		if err := fs.writeBlockBitmap(bm, bg); err != nil {
			return fmt.Errorf("could not write block bitmap back to disk: %w", err)
		}
		gd := fs.groupDescriptors.descriptors[bg]
		gd.freeBlocks += freedByBG[bg]
		gd.blockBitmapChecksum = bitmapChecksum(bm.ToBytes(), fs.superblock.checksumSeed)
		fs.groupDescriptors.descriptors[bg] = gd
		gdBytes := gd.toBytes(fs.superblock.gdtChecksumType(), fs.superblock.checksumSeed)
		if _, err := writableFile.WriteAt(gdBytes, int64(gdtBlock)*int64(fs.superblock.blockSize)+int64(gd.number)*int64(fs.superblock.groupDescriptorSize)); err != nil {
			return fmt.Errorf("could not write Group Descriptor bytes to file: %w", err)
		}
		fs.superblock.freeBlocks += uint64(freedByBG[bg])
	}
	return fs.writeSuperblock()
}

// Truncate changes the size of the file at p, implementing remove_space /
// get_blocks(create=true) semantics: shrinking frees the extent tree's
// trailing blocks back to the bitmap, growing allocates and zero-fills new
// blocks so no stale disk content becomes visible through the new EOF.
func (fs *FileSystem) Truncate(p string, size int64) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidInput, size)
	}
	_, entry, err := fs.getEntryAndParent(p)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: file does not exist: %s", ErrNotFound, p)
	}
	if entry.fileType == dirFileTypeDirectory {
		return fmt.Errorf("%w: cannot truncate directory %s", ErrIsADirectory, p)
	}
	// it is not a directory, and it exists, so truncate it
	inode, err := fs.readInode(entry.inode)
	if err != nil {
		return fmt.Errorf("could not read inode %d in directory: %v", entry.inode, err)
	}

	blocksize := uint64(fs.superblock.blockSize)
	keepBlocks := (uint64(size) + blocksize - 1) / blocksize
	currentBlocks := inode.blockCountInFSBlocks(fs.superblock.blockSize)

	switch {
	case keepBlocks < currentBlocks:
		updated, freed, err := truncateExtentTree(inode.extents, keepBlocks, fs)
		if err != nil {
			return fmt.Errorf("could not truncate extent tree for %s: %w", p, err)
		}
		if updated == nil {
			updated = extentsBlockFinderFromExtents(nil, fs.superblock.blockSize)
		}
		inode.extents = updated
		if err := fs.freeBlocks(freed); err != nil {
			return fmt.Errorf("could not free blocks truncating %s: %w", p, err)
		}
		inode.setBlockCount(keepBlocks, fs.superblock.blockSize)
	case keepBlocks > currentBlocks:
		needed := keepBlocks - currentBlocks
		added, err := fs.allocateExtents(needed*blocksize, nil)
		if err != nil {
			return fmt.Errorf("could not allocate space to grow %s: %w", p, err)
		}
		newExtents := *added
		running := currentBlocks
		for i := range newExtents {
			newExtents[i].fileBlock = uint32(running)
			running += uint64(newExtents[i].count)
		}
		grown := extents(newExtents)
		tree, _, err := extendExtentTree(inode.extents, &grown, fs, nil)
		if err != nil {
			return fmt.Errorf("could not extend extent tree for %s: %w", p, err)
		}
		inode.extents = tree
		// zero-fill the newly allocated blocks so growing past the old EOF
		// never exposes stale disk content
		zero := make([]byte, blocksize)
		for _, e := range newExtents {
			for i := uint64(0); i < uint64(e.count); i++ {
				h, err := fs.blockCache.Get(e.startingBlock + i)
				if err != nil {
					return fmt.Errorf("could not access block %d: %w", e.startingBlock+i, err)
				}
				copy(h.Bytes(), zero)
				dirtyErr := h.MarkDirty()
				h.Release()
				if dirtyErr != nil {
					return fmt.Errorf("could not zero block %d: %w", e.startingBlock+i, dirtyErr)
				}
			}
		}
		inode.setBlockCount(keepBlocks, fs.superblock.blockSize)
	}

	// change the file size
	inode.size = uint64(size)

	// write the inode back
	return fs.writeInode(inode)
}

// getEntryAndParent given a path, get the Directory for the parent and the directory entry for the file.
// If the directory does not exist, returns an error.
// If the file does not exist, does not return an error, but rather returns a nil entry.
func (fs *FileSystem) getEntryAndParent(p string) (parent *Directory, entry *directoryEntry, err error) {
	dir := path.Dir(p)
	filename := path.Base(p)
	// get the directory entries
	parentDir, err := fs.readDirWithMkdir(dir, false)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read directory entries for %s", dir)
	}
	// we now know that the directory exists, see if the file exists
	var targetEntry *directoryEntry
	if parentDir.root && filename == "/" {
		// root directory
		return parentDir, &parentDir.directoryEntry, nil
	}

	for _, e := range parentDir.entries {
		if e.filename != filename {
			continue
		}
		// if we got this far, we have found the file
		targetEntry = e
		break
	}
	return parentDir, targetEntry, nil
}

// Stat return fs.FileInfo about a specific file path.
func (fs *FileSystem) Stat(p string) (iofs.FileInfo, error) {
	_, entry, err := fs.getEntryAndParent(p)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: file does not exist: %s", ErrNotFound, p)
	}
	in, err := fs.readInode(entry.inode)
	if err != nil {
		return nil, fmt.Errorf("could not read inode %d in directory: %v", entry.inode, err)
	}
	return &FileInfo{
		modTime: in.modifyTime,
		name:    entry.filename,
		size:    int64(in.size),
		isDir:   entry.fileType == dirFileTypeDirectory,
		mode:    in.permissionsToMode(),
		sys: &StatT{
			UID: in.owner,
			GID: in.group,
		},
	}, nil
}

// Readlink returns the target of the symbolic link at p. Only inline
// ("fast") symlinks are supported, matching the inode invariant that the
// link target fits in the 60 bytes normally used for the extent tree;
// block-mapped ("slow") symlink targets return ErrUnsupported.
func (fs *FileSystem) Readlink(p string) (string, error) {
	_, entry, err := fs.getEntryAndParent(p)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", fmt.Errorf("%w: file does not exist: %s", ErrNotFound, p)
	}
	if entry.fileType != dirFileTypeSymlink {
		return "", fmt.Errorf("%w: not a symbolic link: %s", ErrInvalidInput, p)
	}
	in, err := fs.readInode(entry.inode)
	if err != nil {
		return "", fmt.Errorf("could not read inode %d for %s: %v", entry.inode, p, err)
	}
	if in.fileType != fileTypeSymbolicLink {
		return "", fmt.Errorf("%w: not a symbolic link: %s", ErrInvalidInput, p)
	}
	if in.linkTarget == "" && in.size >= 60 {
		return "", fmt.Errorf("%w: block-mapped symlink targets are not supported: %s", ErrUnsupported, p)
	}
	return in.linkTarget, nil
}

// SetLabel changes the label on the writable filesystem. Different file system may hav different
// length constraints.
func (fs *FileSystem) SetLabel(label string) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	fs.superblock.volumeLabel = label
	return fs.writeSuperblock()
}

// readInode read a single inode from disk
func (fs *FileSystem) readInode(inodeNumber uint32) (*inode, error) {
	if inodeNumber == 0 {
		return nil, fmt.Errorf("cannot read inode 0")
	}
	sb := fs.superblock
	inodeSize := sb.inodeSize
	inodesPerGroup := sb.inodesPerGroup
	// figure out which block group the inode is on
	bg := (inodeNumber - 1) / inodesPerGroup
	// read the group descriptor to find out the location of the inode table
	gd := fs.groupDescriptors.descriptors[bg]
	inodeTableBlock := gd.inodeTableLocation
	// bytesStart is beginning byte for the inodeTableBlock
	byteStart := inodeTableBlock * uint64(sb.blockSize)
	// offsetInode is how many inodes in our inode is
	offsetInode := (inodeNumber - 1) % inodesPerGroup
	// offset is how many bytes in our inode is
	offset := offsetInode * uint32(inodeSize)
	inodeBytes, err := fs.readAt(int64(byteStart)+int64(offset), int(inodeSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read inode %d from offset %d of block %d from block group %d: %v", inodeNumber, offset, inodeTableBlock, bg, err)
	}
	inode, err := inodeFromBytes(inodeBytes, sb, inodeNumber)
	if err != nil {
		return nil, fmt.Errorf("could not interpret inode data: %v", err)
	}
	// fill in symlink target if needed
	if inode.fileType == fileTypeSymbolicLink && inode.linkTarget == "" {
		// read the symlink target
		extents, err := inode.extents.blocks(fs)
		if err != nil {
			return nil, fmt.Errorf("could not read extent tree for symlink inode %d: %v", inodeNumber, err)
		}
		b, err := fs.readFileBytes(extents, inode.size)
		if err != nil {
			return nil, fmt.Errorf("could not read symlink target for inode %d: %v", inodeNumber, err)
		}
		inode.linkTarget = string(b)
	}
	return inode, nil
}

// writeInode write a single inode to disk
func (fs *FileSystem) writeInode(i *inode) error {
	sb := fs.superblock
	inodeSize := sb.inodeSize
	inodesPerGroup := sb.inodesPerGroup
	// figure out which block group the inode is on
	bg := (i.number - 1) / inodesPerGroup
	// read the group descriptor to find out the location of the inode table
	gd := fs.groupDescriptors.descriptors[bg]
	inodeTableBlock := gd.inodeTableLocation
	// offsetInode is how many inodes in our inode is
	offsetInode := (i.number - 1) % inodesPerGroup
	byteStart := inodeTableBlock * uint64(sb.blockSize)
	// offset is how many bytes in our inode is
	offset := int64(offsetInode) * int64(inodeSize)
	inodeBytes := i.toBytes(sb)
	if err := fs.writeAt(int64(byteStart)+offset, inodeBytes); err != nil {
		return fmt.Errorf("failed to write inode %d at offset %d of block %d from block group %d: %v", i.number, offset, inodeTableBlock, bg, err)
	}
	return nil
}

// read directory entries for a given directory
func (fs *FileSystem) readDirectory(inodeNumber uint32) ([]*directoryEntry, error) {
	// read the inode for the directory
	in, err := fs.readInode(inodeNumber)
	if err != nil {
		return nil, fmt.Errorf("could not read inode %d for directory: %v", inodeNumber, err)
	}
	// convert the extent tree into a sorted list of extents
	extents, err := in.extents.blocks(fs)
	if err != nil {
		return nil, fmt.Errorf("unable to get blocks for inode %d: %w", in.number, err)
	}
	// read the contents of the file across all blocks
	b, err := fs.readFileBytes(extents, in.size)
	if err != nil {
		return nil, fmt.Errorf("error reading file bytes for inode %d: %v", inodeNumber, err)
	}

	var dirEntries []*directoryEntry
	if in.flags.hashedDirectoryIndexes {
		fs.opts.logger.WithField("inode", inodeNumber).Debug("reading htree-indexed directory")
		treeRoot, err := parseDirectoryTreeRoot(b[:fs.superblock.blockSize], fs.superblock.features.largeDirectory)
		if err != nil {
			return nil, fmt.Errorf("failed to parse directory tree root: %v", err)
		}
		subDirEntries, err := parseDirEntriesHashed(b, treeRoot.depth, treeRoot, fs.superblock.blockSize, fs.superblock.features.metadataChecksums, in.number, in.nfsFileVersion, fs.superblock.checksumSeed)
		if err != nil {
			return nil, fmt.Errorf("failed to parse hashed directory entries: %v", err)
		}
		// include the dot and dotdot entries from treeRoot; they do not show up in the hashed entries
		dirEntries = []*directoryEntry{treeRoot.dotEntry, treeRoot.dotDotEntry}
		dirEntries = append(dirEntries, subDirEntries...)
	} else {
		// convert into directory entries
		dirEntries, err = parseDirEntriesLinear(b, fs.superblock.features.metadataChecksums, fs.superblock.blockSize, in.number, in.nfsFileVersion, fs.superblock.checksumSeed)
	}

	return dirEntries, err
}

// readFileBytes read all of the bytes for an individual file pointed at by a given inode
// normally not very useful, but helpful when reading an entire directory.
func (fs *FileSystem) readFileBytes(extents extents, filesize uint64) ([]byte, error) {
	// walk through each one, gobbling up the bytes
	b := make([]byte, 0, fs.superblock.blockSize)
	for i, e := range extents {
		start := e.startingBlock * uint64(fs.superblock.blockSize)
		count := uint64(e.count) * uint64(fs.superblock.blockSize)
		if uint64(len(b))+count > filesize {
			count = filesize - uint64(len(b))
		}
		b2, err := fs.readAt(int64(start), int(count))
		if err != nil {
			return nil, fmt.Errorf("failed to read bytes for extent %d: %v", i, err)
		}
		b = append(b, b2...)
		if uint64(len(b)) >= filesize {
			break
		}
	}
	return b, nil
}

// mkFile make a file with a given name in the given directory.
func (fs *FileSystem) mkFile(parent *Directory, name string) (*directoryEntry, error) {
	return fs.mkDirEntry(parent, name, false)
}

// readDirWithMkdir - walks down a directory tree to the last entry in p.
// For example, if p is /a/b/c, it will walk down to c.
// Expects c to be a directory.
// If each step in the tree does not exist, it will either make it if doMake is true, or return an error.
func (fs *FileSystem) readDirWithMkdir(p string, doMake bool) (*Directory, error) {
	paths := splitPath(p)

	// walk down the directory tree until all paths have been walked or we cannot find something
	// start with the root directory
	var entries []*directoryEntry
	currentDir := &Directory{
		directoryEntry: directoryEntry{
			inode:    rootInode,
			filename: "",
			fileType: dirFileTypeDirectory,
		},
		root: true,
	}
	entries, err := fs.readDirectory(rootInode)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s", "/")
	}
	currentDir.entries = entries
	for i, subp := range paths {
		// do we have an entry whose name is the same as this name?
		found := false
		for _, e := range entries {
			if e.filename != subp {
				continue
			}
			if e.fileType != dirFileTypeDirectory {
				return nil, fmt.Errorf("%w: cannot create directory at %s since it is a file", ErrNotADirectory, "/"+strings.Join(paths[0:i+1], "/"))
			}
			// the filename matches, and it is a subdirectory, so we can break after saving the directory entry, which contains the inode
			found = true
			currentDir = &Directory{
				directoryEntry: *e,
			}
			break
		}

		// if not, either make it, retrieve its cluster and entries, and loop;
		//  or error out
		if !found {
			if doMake {
				var subdirEntry *directoryEntry
				subdirEntry, err = fs.mkSubdir(currentDir, subp)
				if err != nil {
					return nil, fmt.Errorf("failed to create subdirectory %s", "/"+strings.Join(paths[0:i+1], "/"))
				}
				// save where we are to search next
				currentDir = &Directory{
					directoryEntry: *subdirEntry,
				}
			} else {
				return nil, fmt.Errorf("%w: path %s not found", ErrNotFound, "/"+strings.Join(paths[0:i+1], "/"))
			}
		}
		// get all of the entries in this directory
		entries, err = fs.readDirectory(currentDir.inode)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory %s", "/"+strings.Join(paths[0:i+1], "/"))
		}
		currentDir.entries = entries
	}
	// once we have made it here, looping is done; we have found the final entry
	currentDir.entries = entries
	return currentDir, nil
}

// readBlock read a single block from disk, via the block cache.
func (fs *FileSystem) readBlock(blockNumber uint64) ([]byte, error) {
	h, err := fs.blockCache.Get(blockNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to read block %d: %w", blockNumber, err)
	}
	defer h.Release()
	blockBytes := make([]byte, fs.superblock.blockSize)
	copy(blockBytes, h.Bytes())
	return blockBytes, nil
}

// readAt reads length bytes starting at absolute byte offset off through
// the block cache, stitching together reads across a block boundary for
// callers (inode table entries, bitmaps) whose records aren't guaranteed to
// live entirely inside one block.
func (fs *FileSystem) readAt(off int64, length int) ([]byte, error) {
	blocksize := int64(fs.superblock.blockSize)
	out := make([]byte, length)
	var read int
	for read < length {
		pos := off + int64(read)
		blockNumber := uint64(pos / blocksize)
		blockOffset := pos % blocksize
		blockBytes, err := fs.readBlock(blockNumber)
		if err != nil {
			return nil, err
		}
		toCopy := blocksize - blockOffset
		if remaining := int64(length - read); toCopy > remaining {
			toCopy = remaining
		}
		copy(out[read:], blockBytes[blockOffset:int64(blockOffset)+toCopy])
		read += int(toCopy)
	}
	return out, nil
}

// writeAt writes data at absolute byte offset off through the block cache,
// read-modify-writing any block the write only partially covers.
func (fs *FileSystem) writeAt(off int64, data []byte) error {
	blocksize := int64(fs.superblock.blockSize)
	var written int
	for written < len(data) {
		pos := off + int64(written)
		blockNumber := uint64(pos / blocksize)
		blockOffset := pos % blocksize
		toWrite := blocksize - blockOffset
		if remaining := int64(len(data) - written); toWrite > remaining {
			toWrite = remaining
		}
		h, err := fs.blockCache.Get(blockNumber)
		if err != nil {
			return fmt.Errorf("failed to access block %d: %w", blockNumber, err)
		}
		copy(h.Bytes()[blockOffset:], data[written:written+int(toWrite)])
		dirtyErr := h.MarkDirty()
		h.Release()
		if dirtyErr != nil {
			return fmt.Errorf("failed to write block %d: %w", blockNumber, dirtyErr)
		}
		written += int(toWrite)
	}
	return nil
}

// recalculate blocksize based on the existing number of blocks
// -      0 <= blocks <   3MM         : floppy - blocksize = 1024
// -    3MM <= blocks < 512MM         : small - blocksize = 1024
// - 512MM <= blocks < 4*1024*1024MM  : default - blocksize =
// - 4*1024*1024MM <= blocks < 16*1024*1024MM  : big - blocksize =
// - 16*1024*1024MM <= blocks   : huge - blocksize =
//
// the original code from e2fsprogs https://git.kernel.org/pub/scm/fs/ext2/e2fsprogs.git/tree/misc/mke2fs.c

// mkSubdir make a subdirectory of a given name inside the parent
// 1- allocate a single data block for the directory
// 2- create an inode in the inode table pointing to that data block
// 3- mark the inode in the inode bitmap
// 4- mark the data block in the data block bitmap
// 5- create a directory entry in the parent directory data blocks
func (fs *FileSystem) mkSubdir(parent *Directory, name string) (*directoryEntry, error) {
	return fs.mkDirEntry(parent, name, true)
}

// mkDirEntry allocates an inode for name, appends its entry to parent and
// writes the parent directory out, then writes the new inode via initFile.
func (fs *FileSystem) mkDirEntry(parent *Directory, name string, isDir bool) (*directoryEntry, error) {
	// create an inode
	inodeNumber, err := fs.allocateInode(parent.inode, 0, isDir)
	if err != nil {
		return nil, fmt.Errorf("could not allocate inode for file %s: %w", name, err)
	}

	// create a directory entry for the file
	deFileType := dirFileTypeRegular
	fileType := fileTypeRegularFile
	if isDir {
		deFileType = dirFileTypeDirectory
		fileType = fileTypeDirectory
	}
	de := directoryEntry{
		inode:    inodeNumber,
		filename: name,
		fileType: deFileType,
	}
	parent.entries = append(parent.entries, &de)
	// write the parent out to disk
	bytesPerBlock := fs.superblock.blockSize
	parentDirBytes := parent.toBytes(bytesPerBlock, directoryChecksumAppender(fs.superblock.checksumSeed, parent.inode, 0))
	// check if parent has increased in size beyond allocated blocks
	parentInode, err := fs.readInode(parent.inode)
	if err != nil {
		return nil, fmt.Errorf("could not read inode %d of parent directory: %w", parent.inode, err)
	}

	// write the directory entry in the parent
	// figure out which block it goes into, and possibly rebalance the directory entries hash tree
	parentExtents, err := parentInode.extents.blocks(fs)
	if err != nil {
		return nil, fmt.Errorf("could not read parent extents for directory: %w", err)
	}
	dirFile := &File{
		inode:       parentInode,
		filename:    name,
		fileType:    dirFileTypeDirectory,
		filesystem:  fs,
		isReadWrite: true,
		isAppend:    true,
		offset:      0,
		extents:     parentExtents,
	}
	wrote, err := dirFile.Write(parentDirBytes)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("unable to write new directory: %w", err)
	}
	if wrote != len(parentDirBytes) {
		return nil, fmt.Errorf("wrote only %d bytes instead of expected %d for new directory", wrote, len(parentDirBytes))
	}

	// normally, after getting a tree from extents, you would need to then allocate all of the blocks
	//    in the extent tree - leafs and intermediate. However, because we are allocating a new directory
	//    with a single extent, we *know* it can fit in the inode itself (which has a max of 4), so no need
	if err := fs.initFile(
		inodeNumber, parentInode.number,
		fileType,
		parentInode.permissionsOwner, parentInode.permissionsGroup, parentInode.permissionsOther,
		parentInode.owner, parentInode.group,
	); err != nil {
		return nil, fmt.Errorf("could not initialize file %s: %w", name, err)
	}

	// return
	return &de, nil
}

func (fs *FileSystem) initFile(inodeNumber, parentInodeNumber uint32, ft fileType, permissionsOwner, permissionsGroup, permissionsOther filePermissions, owner, group uint32) error {
	// write the inode for the new entry out
	// get extents for the file - prefer in the same block group as the inode, if possible
	var (
		extentTreeParsed       extentBlockFinder
		extentsInodeBlockCount uint64
		contentSize            uint64
		newExtents             *extents
		err                    error
		hardLinks              uint16 = 1
	)
	if ft == fileTypeDirectory {
		newExtents, err = fs.allocateExtents(1, nil)
		if err != nil {
			return fmt.Errorf("could not allocate disk space: %w", err)
		}
		extentTreeParsed, err = extendExtentTree(nil, newExtents, fs, nil)
		if err != nil {
			return fmt.Errorf("could not convert extents into tree: %w", err)
		}
		contentSize = uint64(fs.superblock.blockSize)
		extentsFSBlockCount := newExtents.blockCount()
		extentsInodeBlockCount = extentsFSBlockCount * uint64(fs.superblock.blockSize) / 512
		hardLinks = 2
	} else {
		// zero-length regular files still need an extent header
		extentTreeParsed = extentsBlockFinderFromExtents(nil, fs.superblock.blockSize)
	}
	// normally, after getting a tree from extents, you would need to then allocate all of the blocks
	//    in the extent tree - leafs and intermediate. However, because we are allocating a new directory
	//    with a single extent, we *know* it can fit in the inode itself (which has a max of 4), so no need

	now := time.Now()
	in := inode{
		number:           inodeNumber,
		permissionsGroup: permissionsGroup,
		permissionsOwner: permissionsOwner,
		permissionsOther: permissionsOther,
		fileType:         ft,
		owner:            owner,
		group:            group,
		size:             contentSize,
		hardLinks:        hardLinks,
		blocks:           extentsInodeBlockCount,
		flags: &inodeFlags{
			usesExtents: true,
		},
		nfsFileVersion:         0,
		version:                0,
		inodeSize:              fs.superblock.inodeSize,
		deletionTime:           0,
		accessTime:             now,
		changeTime:             now,
		createTime:             now,
		modifyTime:             now,
		extendedAttributeBlock: 0,
		project:                0,
		extents:                extentTreeParsed,
	}
	// write the inode to disk
	if err := fs.writeInode(&in); err != nil {
		return fmt.Errorf("could not write inode for new file: %w", err)
	}
	// if a directory, put entries for . and .. in the first block for the new directory
	if ft == fileTypeDirectory {
		initialEntries := []*directoryEntry{
			{
				inode:    inodeNumber,
				filename: ".",
				fileType: dirFileTypeDirectory,
			},
			{
				inode:    parentInodeNumber,
				filename: "..",
				fileType: dirFileTypeDirectory,
			},
		}
		newDir := Directory{
			directoryEntry: directoryEntry{
				inode:    inodeNumber,
				fileType: dirFileTypeDirectory,
			},
			root:    false,
			entries: initialEntries,
		}
		dirBytes := newDir.toBytes(fs.superblock.blockSize, directoryChecksumAppender(fs.superblock.checksumSeed, inodeNumber, 0))
		// write the bytes out to disk
		dirFile := &File{
			inode:       &in,
			fileType:    dirFileTypeDirectory,
			filesystem:  fs,
			isReadWrite: true,
			isAppend:    true,
			offset:      0,
			extents:     *newExtents,
		}
		wrote, err := dirFile.Write(dirBytes)
		if err != nil && err != io.EOF {
			return fmt.Errorf("unable to write new directory: %w", err)
		}
		if wrote != len(dirBytes) {
			return fmt.Errorf("wrote only %d bytes instead of expected %d for new entry", wrote, len(dirBytes))
		}
	}

	// return
	return nil
}

// allocateInode allocate a single inode
// logic:
//   - requested is non-zero : try to allocate that inode number
//   - requested is zero and parent is 0 : root inode, will allocate at 2
//   - otherwise : the round-robin scan below; parent does not influence placement
//
// allocateInode allocates a free inode per §4.9: a specific requested inode
// number if given (used only for the fixed root/reserved inodes), otherwise
// a round-robin scan of block groups starting at the allocator's
// last-successful group. isDir records whether the new inode is a
// directory, so the owning group's used-directory count (and itable_unused,
// when the allocated slot extends the table's used portion) stay accurate.
func (fs *FileSystem) allocateInode(parent uint32, requested int, isDir bool) (uint32, error) {
	var (
		inodeNumber = -1
		bg          int
		gd          groupDescriptor
		bm          *bitmap.Bitmap
	)
	switch {
	case requested != 0:
		inodeNumber = requested
	case parent == 0:
		inodeNumber = 2
	default:
		inodeNumber = -1
	}

	writableFile, err := fs.backend.Writable()
	if err != nil {
		return 0, err
	}

	groupCount := len(fs.groupDescriptors.descriptors)

	// if a specific inode was requested, then try to get that one
	if inodeNumber != -1 {
		// try to allocate the requested inode
		bg = blockGroupForInode(requested, fs.superblock.inodesPerGroup)
		gd = fs.groupDescriptors.descriptors[bg]
		bm, err = fs.readInodeBitmap(bg)
		if err != nil {
			return 0, fmt.Errorf("could not read inode bitmap: %w", err)
		}
	} else {
		fs.opts.logger.Debug("scanning block groups round-robin for a free inode")
		start := fs.inodeAlloc.lastGroup
		for offset := 0; offset < groupCount; offset++ {
			candidate := (start + offset) % groupCount
			candidateGD := fs.groupDescriptors.descriptors[candidate]
			if candidateGD.freeInodes == 0 {
				continue
			}
			candidateBM, err := fs.readInodeBitmap(candidate)
			if err != nil {
				return 0, fmt.Errorf("could not read inode bitmap: %w", err)
			}
			inodeInBG := candidateBM.FirstFree(0)
			if inodeInBG == -1 {
				continue
			}
			bg = candidate
			gd = candidateGD
			bm = candidateBM
			inodeNumber = inodeInBG + 1 + int(fs.superblock.inodesPerGroup)*bg
			break
		}
	}

	// if we could not find any free inode, return an error
	if inodeNumber == -1 {
		return 0, fmt.Errorf("%w: no free inodes available", ErrNoResources)
	}

	inodeInBG := (inodeNumber - 1) - int(fs.superblock.inodesPerGroup)*bg
	isSet, err := bm.IsSet(inodeInBG)
	if err != nil {
		return 0, fmt.Errorf("could not check inode bitmap for requested inode %d: %w", requested, err)
	}
	if isSet {
		return 0, fmt.Errorf("requested inode %d is already in use", inodeNumber)
	}
	// set it as marked
	if err := bm.Set(inodeInBG); err != nil {
		return 0, fmt.Errorf("could not set inode bitmap for requested inode %d: %w", inodeNumber, err)
	}
	// write the inode bitmap bytes
	if err := fs.writeInodeBitmap(bm, bg); err != nil {
		return 0, fmt.Errorf("could not write inode bitmap for requested inode %d: %w", inodeNumber, err)
	}

	// reduce number of free inodes in that descriptor in the group descriptor table
	gd.freeInodes--
	if isDir {
		gd.usedDirectories++
	}
	// the itable's "unused" tail shrinks whenever we allocate past its
	// previously-used portion
	usedSoFar := fs.superblock.inodesPerGroup - uint32(gd.itableUnused)
	if local := uint32(inodeInBG + 1); local > usedSoFar && gd.itableUnused > 0 {
		shrink := local - usedSoFar
		if shrink > gd.itableUnused {
			shrink = gd.itableUnused
		}
		gd.itableUnused -= shrink
	}
	gd.inodeBitmapChecksum = bitmapChecksum(bm.ToBytes(), fs.superblock.checksumSeed)
	fs.groupDescriptors.descriptors[bg] = gd

	// get the group descriptor as bytes
	gdBytes := gd.toBytes(fs.superblock.gdtChecksumType(), fs.superblock.checksumSeed)

	// write the group descriptor bytes
	// the primary gdt starts in block 1, or in block 2 when blocks are 1024 bytes
	gdtBlock := 1
	if fs.superblock.blockSize == 1024 {
		gdtBlock = 2
	}
	blockByteLocation := gdtBlock * int(fs.superblock.blockSize)
	gdOffset := int64(blockByteLocation) + int64(bg)*int64(fs.superblock.groupDescriptorSize)
	wrote, err := writableFile.WriteAt(gdBytes, gdOffset)
	if err != nil {
		return 0, fmt.Errorf("unable to write group descriptor bytes for blockgroup %d: %v", bg, err)
	}
	if wrote != len(gdBytes) {
		return 0, fmt.Errorf("wrote only %d bytes instead of expected %d for group descriptor of block group %d", wrote, len(gdBytes), bg)
	}

	// update inode count in superblock
	fs.superblock.freeInodes--
	if err := fs.writeSuperblock(); err != nil {
		return 0, err
	}

	fs.inodeAlloc.lastGroup = bg
	return uint32(inodeNumber), nil
}

// allocateExtents allocate the data blocks in extents that are
// to be used for a file of a given size
// arguments are file size in bytes and existing extents
// if previous is nil, then we are not (re)sizing an existing file but creating a new one
// returns the extents to be used in order
func (fs *FileSystem) allocateExtents(size uint64, previous *extents) (*extents, error) {
	// 1- calculate how many blocks are needed
	required := size / uint64(fs.superblock.blockSize)
	remainder := size % uint64(fs.superblock.blockSize)
	if remainder > 0 {
		required++
	}
	// 2- see how many blocks already are allocated
	var allocated uint64
	if previous != nil {
		allocated = previous.blockCount()
	}
	// 3- if needed, allocate new blocks in extents
	// if we have enough, do not add anything
	if required <= allocated {
		return previous, nil
	}
	extraBlockCount := required - allocated
	newBlocks := extraBlockCount

	// if there are not enough blocks left on the filesystem, return an error
	if fs.superblock.freeBlocks < extraBlockCount {
		return nil, fmt.Errorf("%w: only %d blocks free, requires additional %d", ErrNoSpace, fs.superblock.freeBlocks, extraBlockCount)
	}

	// now we need to look for as many contiguous blocks as possible
	// first calculate the minimum number of extents needed

	// if all of the extents, except possibly the last, are maximum size, then we need minExtents extents
	// we loop through, trying to allocate an extent as large as our remaining blocks or maxBlocksPerExtent,
	//   whichever is smaller
	blockGroupCount := fs.blockGroups
	// start from the allocator's last successful group (round-robin memory
	// per §4.8) rather than always rescanning from block group 0
	startGroup := int64(fs.blockAlloc.lastGroup) % blockGroupCount
	var (
		newExtents       []extent
		datablockBitmaps = map[int]*bitmap.Bitmap{}
		gdBlockDelta     = map[int]int32{}
		blocksPerGroup   = fs.superblock.blocksPerGroup
		lastGroupUsed    = fs.blockAlloc.lastGroup
	)

	var offset int64
	for offset = 0; offset < blockGroupCount && extraBlockCount > 0; offset++ {
		i := (startGroup + offset) % blockGroupCount
		// keep track if we allocated anything in this blockgroup
		// 1- read the GDT for this blockgroup to find the location of the block bitmap
		//    and total free blocks
		// 2- read the block bitmap from disk
		// 3- find the maximum contiguous space available
		bs, err := fs.readBlockBitmap(int(i))
		if err != nil {
			return nil, fmt.Errorf("could not read block bitmap for block group %d: %v", i, err)
		}
		// now find our unused blocks and how many there are in a row as potential extents
		if extraBlockCount > math.MaxUint16 {
			return nil, fmt.Errorf("cannot allocate more than %d blocks in a single extent", math.MaxUint16)
		}
		// get the list of free blocks
		blockList := bs.FreeList()

		// create possible extents by size
		// Step 3: Group contiguous blocks into extents
		var extents []extent
		groupStart := uint64(fs.superblock.firstDataBlock) + uint64(i)*uint64(blocksPerGroup)
		for _, freeBlock := range blockList {
			start, length := freeBlock.Position, freeBlock.Count
			for length > 0 {
				extentLength := min(length, int(maxBlocksPerExtent))
				extents = append(extents, extent{startingBlock: uint64(start) + groupStart, count: uint16(extentLength)})
				start += extentLength
				length -= extentLength
			}
		}

		// sort in descending order
		sort.Slice(extents, func(i, j int) bool {
			return extents[i].count > extents[j].count
		})

		var allocatedBlocks uint64
		for _, ext := range extents {
			if extraBlockCount <= 0 {
				break
			}
			extentToAdd := ext
			if uint64(ext.count) >= extraBlockCount {
				extentToAdd = extent{startingBlock: ext.startingBlock, count: uint16(extraBlockCount)}
			}
			newExtents = append(newExtents, extentToAdd)
			allocatedBlocks += uint64(extentToAdd.count)
			extraBlockCount -= uint64(extentToAdd.count)
			// set the marked blocks in the bitmap, and save the bitmap
			for block := extentToAdd.startingBlock; block < extentToAdd.startingBlock+uint64(extentToAdd.count); block++ {
				// determine what block group this block is in, and read the bitmap for that blockgroup
				// the extent lists the absolute block number, but the bitmap is relative to the block group
				blockInGroup := block - groupStart
				if err := bs.Set(int(blockInGroup)); err != nil {
					return nil, fmt.Errorf("could not set block bitmap for block %d: %v", i, err)
				}
			}

			// do *not* write the bitmap back yet, as we do not yet know if we will be able to fulfill the entire request.
			// instead save it for later
			datablockBitmaps[int(i)] = bs
			gdBlockDelta[int(i)] -= int32(extentToAdd.count)
			lastGroupUsed = int(i)
		}
	}
	if extraBlockCount > 0 {
		return nil, fmt.Errorf("could not allocate %d blocks", extraBlockCount)
	}

	// write the block bitmaps back to disk and update GDT entries
	for bg, bs := range datablockBitmaps {
		if err := fs.writeBlockBitmap(bs, bg); err != nil {
			return nil, fmt.Errorf("could not write block bitmap for block group %d: %v", bg, err)
		}
		if err := fs.incrGDFreeBlocks(bg, gdBlockDelta[bg]); err != nil {
			return nil, fmt.Errorf("could not update free block count in GDT for block group %d: %v", bg, err)
		}
		gd := fs.groupDescriptors.descriptors[bg]
		gd.blockBitmapChecksum = bitmapChecksum(bs.ToBytes(), fs.superblock.checksumSeed)
		fs.groupDescriptors.descriptors[bg] = gd
		if err := fs.writeGDT(); err != nil {
			return nil, fmt.Errorf("could not write GDT for block group %d: %w", bg, err)
		}
	}

	// need to update the total blocks used/free in superblock
	fs.superblock.freeBlocks -= newBlocks
	// write updated superblock to disk (the GDT was written per group above)
	if err := fs.writeSuperblock(); err != nil {
		return nil, fmt.Errorf("could not write superblock: %w", err)
	}
	fs.blockAlloc.lastGroup = lastGroupUsed
	var exten extents = newExtents
	return &exten, nil
}

// readInodeBitmap reads one block group's inode bitmap off the disk: the
// inodesPerGroup/8 bytes at that group's inode bitmap location.
func (fs *FileSystem) readInodeBitmap(group int) (*bitmap.Bitmap, error) {
	if group >= len(fs.groupDescriptors.descriptors) {
		return nil, fmt.Errorf("block group %d does not exist", group)
	}
	gd := fs.groupDescriptors.descriptors[group]
	bitmapLocation := gd.inodeBitmapLocation
	bitmapByteCount := fs.superblock.inodesPerGroup / 8
	offset := int64(bitmapLocation * uint64(fs.superblock.blockSize))
	b, err := fs.readAt(offset, int(bitmapByteCount))
	if err != nil {
		return nil, fmt.Errorf("unable to read inode bitmap for blockgroup %d: %w", gd.number, err)
	}
	// only take bytes corresponding to the number of inodes per group

	// create a bitmap sized to one block (blockSize bytes = blockSize*8 bits)
	bs := bitmap.NewBits(int(fs.superblock.blockSize) * 8)
	bs.FromBytes(b)
	return bs, nil
}

// writeInodeBitmap write the inode bitmap to the disk.
func (fs *FileSystem) writeInodeBitmap(bm *bitmap.Bitmap, group int) error {
	if group >= len(fs.groupDescriptors.descriptors) {
		return fmt.Errorf("block group %d does not exist", group)
	}
	b := bm.ToBytes()
	gd := fs.groupDescriptors.descriptors[group]
	bitmapLocation := gd.inodeBitmapLocation
	offset := int64(bitmapLocation * uint64(fs.superblock.blockSize))
	if err := fs.writeAt(offset, b); err != nil {
		return fmt.Errorf("unable to write inode bitmap for blockgroup %d: %w", gd.number, err)
	}

	return nil
}

func (fs *FileSystem) readBlockBitmap(group int) (*bitmap.Bitmap, error) {
	if group >= len(fs.groupDescriptors.descriptors) {
		return nil, fmt.Errorf("block group %d does not exist", group)
	}
	gd := fs.groupDescriptors.descriptors[group]
	bitmapLocation := gd.blockBitmapLocation
	offset := int64(bitmapLocation * uint64(fs.superblock.blockSize))
	b, err := fs.readAt(offset, int(fs.superblock.blockSize))
	if err != nil {
		return nil, fmt.Errorf("unable to read block bitmap for blockgroup %d: %w", gd.number, err)
	}
	// create a bitmap sized to one block (blockSize bytes = blockSize*8 bits)
	bs := bitmap.NewBits(int(fs.superblock.blockSize) * 8)
	bs.FromBytes(b)
	return bs, nil
}

// writeBlockBitmap write the block bitmap to the disk.
func (fs *FileSystem) writeBlockBitmap(bm *bitmap.Bitmap, group int) error {
	if group >= len(fs.groupDescriptors.descriptors) {
		return fmt.Errorf("block group %d does not exist", group)
	}
	b := bm.ToBytes()
	gd := fs.groupDescriptors.descriptors[group]
	bitmapLocation := gd.blockBitmapLocation
	offset := int64(bitmapLocation * uint64(fs.superblock.blockSize))
	if err := fs.writeAt(offset, b); err != nil {
		return fmt.Errorf("unable to write block bitmap for blockgroup %d: %w", gd.number, err)
	}

	return nil
}

// incrGDFreeBlocks increment the number of free blocks in the group descriptor for a given block group.
// If count is negative, decrement.
func (fs *FileSystem) incrGDFreeBlocks(group int, count int32) error {
	if group >= len(fs.groupDescriptors.descriptors) {
		return fmt.Errorf("block group %d does not exist", group)
	}
	gd := &fs.groupDescriptors.descriptors[group]
	switch {
	case count > 0:
		gd.freeBlocks += uint32(count)
	case count < 0:
		absCount := uint32(-count)
		if gd.freeBlocks < absCount {
			return fmt.Errorf("cannot decrement free blocks by %d in block group %d since only %d are free", -count, group, gd.freeBlocks)
		}
		gd.freeBlocks -= absCount
	default:
		// no change
	}

	return fs.writeGDT()
}

func (fs *FileSystem) writeSuperblock() error {
	writableFile, err := fs.backend.Writable()
	if err != nil {
		return err
	}
	superblockBytes, err := fs.superblock.toBytes()
	if err != nil {
		return fmt.Errorf("could not convert superblock to bytes: %v", err)
	}
	for _, bg := range fs.backupSuperblocks {
		block := bg // backupSuperblocks already contains block numbers, not block group numbers
		blockStart := block * int64(fs.superblock.blockSize)
		// allow that the first one requires an offset
		incr := int64(0)
		if block == 0 {
			incr = int64(SectorSize512) * 2
		}

		// write the superblock
		count, err := writableFile.WriteAt(superblockBytes, incr+blockStart)
		if err != nil {
			return fmt.Errorf("error writing Superblock for block %d to disk: %v", block, err)
		}
		if count != int(SuperblockSize) {
			return fmt.Errorf("wrote %d bytes of Superblock for block %d to disk instead of expected %d", count, block, SuperblockSize)
		}
	}

	_, err = writableFile.WriteAt(superblockBytes, int64(BootSectorSize))
	return err
}

// writeGDT writes the GDT to the backing store, primary and all backups.
func (fs *FileSystem) writeGDT() error {
	writableFile, err := fs.backend.Writable()
	if err != nil {
		return err
	}
	gdSize := fs.superblock.groupDescriptorSize // size of a single group descriptor
	if fs.superblock.features.fs64Bit {
		gdSize = groupDescriptorSize64
	}
	// now calculate how many there should be in total
	gdtSize := uint64(gdSize) * fs.superblock.blockGroupCount()
	gdt := fs.groupDescriptors
	g := gdt.toBytes(fs.superblock.gdtChecksumType(), fs.superblock.checksumSeed)

	for _, bg := range fs.backupSuperblocks {
		block := bg // backupSuperblocks already contains block numbers, not block group numbers
		blockStart := block * int64(fs.superblock.blockSize)
		// the GDT starts in the block after this copy of the superblock; the
		// primary superblock is in block 1 when blocks are 1024 bytes
		gdtStart := blockStart + int64(fs.superblock.blockSize)
		if block == 0 && fs.superblock.blockSize == 1024 {
			gdtStart += int64(fs.superblock.blockSize)
		}

		// write the GDT
		count, err := writableFile.WriteAt(g, gdtStart)
		if err != nil {
			return fmt.Errorf("error writing GDT for block %d to disk: %v", block, err)
		}
		if count != int(gdtSize) {
			return fmt.Errorf("wrote %d bytes of GDT for block %d to disk instead of expected %d", count, block, gdtSize)
		}
	}

	return nil
}





func groupDescriptorInodeTableBlocks(index int, sb *superblock) uint64 {
	start := uint64(index) * uint64(sb.inodesPerGroup)

	if start >= uint64(sb.inodeCount) {
		return 0
	}

	remaining := uint64(sb.inodeCount) - start
	actual := uint64(sb.inodesPerGroup)
	if remaining < actual {
		actual = remaining
	}

	return (actual*uint64(sb.inodeSize) + uint64(sb.blockSize) - 1) /
		uint64(sb.blockSize)
}

func blockGroupForInode(inodeNumber int, inodesPerGroup uint32) int {
	return (inodeNumber - 1) / int(inodesPerGroup)
}

// blockGroupForBlock returns the block group containing an absolute disk
// block number. Block numbering starts at firstDataBlock (0 for block
// sizes >= 2048, 1 for 1024-byte blocks), matching allocateExtents's
// per-group anchor of firstDataBlock + group*blocksPerGroup.
func blockGroupForBlock(blockNumber int, firstDataBlock uint32, blocksPerGroup uint32) int {
	return (blockNumber - int(firstDataBlock)) / int(blocksPerGroup)
}

// bitmapChecksum computes the crc32c checksum ext4 stores for a block or
// inode bitmap (group_desc.bg_block_bitmap_csum / bg_inode_bitmap_csum),
// seeded the same way as every other metadata_csum checksum in the filesystem.
func bitmapChecksum(b []byte, seed uint32) uint32 {
	return crc.CRC32c(seed, b)
}

// given the superblock, build the group descriptors

func checkSuperBackup(g uint64) bool {
	if g == 0 || g == 1 {
		return true
	}
	for _, n := range []uint64{3, 5, 7} {
		for x := n; x <= g; x *= n {
			if x == g {
				return true
			}
		}
	}
	return false
}

func validatePath(name string) error {
	if !iofs.ValidPath(name) {
		return iofs.ErrInvalid
	}
	return nil
}

// splitPath splits a slash-separated path into its non-empty components,
// treating "", "/" and "." as the root directory.
func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" || p == "." {
		return nil
	}
	return strings.Split(p, "/")
}
