package ext4

import (
	"encoding/binary"
	"fmt"

	"github.com/ext4fs/core/filesystem/ext4/crc"
	"github.com/google/uuid"
)

const (
	superblockMagic        uint16 = 0xEF53
	superblockSize         int    = 1024
	superblockChecksumOff  int    = 0x3fc
	compatDirPrealloc      uint32 = 0x1
	compatImagicInodes     uint32 = 0x2
	compatHasJournal       uint32 = 0x4
	compatExtAttr          uint32 = 0x8
	compatResizeInode      uint32 = 0x10
	compatDirIndex         uint32 = 0x20
	incompatCompression    uint32 = 0x1
	incompatFiletype       uint32 = 0x2
	incompatRecover        uint32 = 0x4
	incompatJournalDev     uint32 = 0x8
	incompatMetaBG         uint32 = 0x10
	incompatExtents        uint32 = 0x40
	incompat64Bit          uint32 = 0x80
	incompatMMP            uint32 = 0x100
	incompatFlexBG         uint32 = 0x200
	incompatEAInode        uint32 = 0x400
	incompatDirData        uint32 = 0x1000
	incompatCsumSeed       uint32 = 0x2000
	incompatLargeDir       uint32 = 0x4000
	incompatInlineData     uint32 = 0x8000
	incompatEncrypt        uint32 = 0x10000
	roCompatSparseSuper    uint32 = 0x1
	roCompatLargeFile      uint32 = 0x2
	roCompatHugeFile       uint32 = 0x8
	roCompatGDTChecksum    uint32 = 0x10
	roCompatDirNlink       uint32 = 0x20
	roCompatExtraIsize     uint32 = 0x40
	roCompatMetadataCsum   uint32 = 0x400
	supportedIncompatMask  uint32 = incompatCompression | incompatFiletype | incompatRecover |
		incompatJournalDev | incompatMetaBG | incompatExtents | incompat64Bit | incompatMMP |
		incompatFlexBG | incompatEAInode | incompatDirData | incompatCsumSeed | incompatLargeDir |
		incompatInlineData | incompatEncrypt
)

// gdtChecksumType says which checksum algorithm covers each group descriptor.
type gdtChecksumType int

const (
	gdtChecksumNone gdtChecksumType = iota
	gdtChecksumGDT
	gdtChecksumMetadata
)

// features is the decoded set of compat/incompat/ro_compat feature flags
// that the rest of the package cares about; raw bits are kept too so
// toBytes can round-trip bits this package does not otherwise interpret.
type features struct {
	compat       uint32
	incompat     uint32
	roCompat     uint32
	hasJournal   bool
	journalDev   bool
	extents      bool
	fs64Bit      bool
	flexBG       bool
	metadataChecksums bool
	gdtChecksums bool
	sparseSuper  bool
	hugeFile     bool
	largeDirectory bool
	dirIndex     bool
	inlineData   bool
}

func featuresFromFlags(compat, incompat, roCompat uint32) features {
	return features{
		compat:            compat,
		incompat:          incompat,
		roCompat:          roCompat,
		hasJournal:        compat&compatHasJournal != 0,
		journalDev:        incompat&incompatJournalDev != 0,
		extents:           incompat&incompatExtents != 0,
		fs64Bit:           incompat&incompat64Bit != 0,
		flexBG:            incompat&incompatFlexBG != 0,
		metadataChecksums: roCompat&roCompatMetadataCsum != 0,
		gdtChecksums:      roCompat&roCompatGDTChecksum != 0,
		sparseSuper:       roCompat&roCompatSparseSuper != 0,
		hugeFile:          roCompat&roCompatHugeFile != 0,
		largeDirectory:    incompat&incompatLargeDir != 0,
		dirIndex:          compat&compatDirIndex != 0,
		inlineData:        incompat&incompatInlineData != 0,
	}
}

// superblock holds the parsed ext4 superblock: geometry, counters, feature
// flags and the data needed to validate/recompute its own checksum.
type superblock struct {
	inodeCount                  uint32
	blockCountLow               uint32
	blockCountHigh              uint32
	reservedBlockCountLow       uint32
	reservedBlockCountHigh      uint32
	freeBlocks                  uint64
	freeInodes                  uint32
	firstDataBlock               uint32
	blockSize                   uint32
	clusterSize                 uint32
	blocksPerGroup              uint32
	clustersPerGroup            uint32
	inodesPerGroup              uint32
	mountTime                   uint32
	writeTime                   uint32
	mountCount                  uint16
	maxMountCount               int16
	signature                   uint16
	fsState                     uint16
	errorBehavior               uint16
	minorRevision               uint16
	lastCheck                   uint32
	checkInterval               uint32
	creatorOS                   uint32
	revisionLevel               uint32
	defaultReservedUID          uint16
	defaultReservedGID          uint16
	firstInode                  uint32
	inodeSize                   uint16
	blockGroupNumber            uint16
	features                    features
	uuid                        uuid.UUID
	volumeLabel                 string
	lastMountedPath              string
	algorithmUsageBitmap        uint32
	preallocBlocks              uint8
	preallocDirBlocks           uint8
	reservedGDTBlocks           uint16
	journalUUID                 uuid.UUID
	journalInodeNumber          uint32
	journalDevice               uint32
	lastOrphan                  uint32
	hashSeed                    [4]uint32
	defHashVersion              hashVersion
	groupDescriptorSize         uint16
	defaultMountOptions         uint32
	firstMetaBlockGroup         uint32
	mkfsTime                    uint32
	journalBlocks               [17]uint32
	backupSuperblockBlockGroups []uint32
	checksumSeed                uint32
	checksumType                uint8
	checksum                    uint32
}

func (sb *superblock) equal(a *superblock) bool {
	if (sb == nil) != (a == nil) {
		return false
	}
	if sb == nil {
		return true
	}
	return sb.inodeCount == a.inodeCount &&
		sb.blocksCount() == a.blocksCount() &&
		sb.freeBlocks == a.freeBlocks &&
		sb.freeInodes == a.freeInodes &&
		sb.blockSize == a.blockSize &&
		sb.inodesPerGroup == a.inodesPerGroup &&
		sb.blocksPerGroup == a.blocksPerGroup &&
		sb.volumeLabel == a.volumeLabel &&
		sb.uuid == a.uuid
}

func (sb *superblock) blocksCount() uint64 {
	return uint64(sb.blockCountLow) | uint64(sb.blockCountHigh)<<32
}

func (sb *superblock) blockGroupCount() uint64 {
	count := sb.blocksCount() - uint64(sb.firstDataBlock)
	per := uint64(sb.blocksPerGroup)
	return (count + per - 1) / per
}

func (sb *superblock) gdtChecksumType() gdtChecksumType {
	switch {
	case sb.features.metadataChecksums:
		return gdtChecksumMetadata
	case sb.features.gdtChecksums:
		return gdtChecksumGDT
	default:
		return gdtChecksumNone
	}
}

// Uses64BitBlockNumbers reports whether the INCOMPAT_64BIT feature is set,
// meaning group descriptors are 64 bytes with hi/lo split fields.
func (sb *superblock) Uses64BitBlockNumbers() bool {
	return sb.features.fs64Bit
}

func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < superblockSize {
		return nil, fmt.Errorf("superblock data too short: %d bytes, need %d", len(b), superblockSize)
	}
	magic := binary.LittleEndian.Uint16(b[0x38:0x3a])
	if magic != superblockMagic {
		return nil, fmt.Errorf("invalid superblock magic 0x%04x, expected 0x%04x", magic, superblockMagic)
	}

	compat := binary.LittleEndian.Uint32(b[0x5c:0x60])
	incompat := binary.LittleEndian.Uint32(b[0x60:0x64])
	roCompat := binary.LittleEndian.Uint32(b[0x64:0x68])
	if incompat&^supportedIncompatMask != 0 {
		return nil, fmt.Errorf("superblock requires unsupported incompatible features: 0x%08x", incompat&^supportedIncompatMask)
	}

	sb := &superblock{
		inodeCount:             binary.LittleEndian.Uint32(b[0x0:0x4]),
		blockCountLow:          binary.LittleEndian.Uint32(b[0x4:0x8]),
		reservedBlockCountLow:  binary.LittleEndian.Uint32(b[0x8:0xc]),
		freeBlocks:             uint64(binary.LittleEndian.Uint32(b[0xc:0x10])),
		freeInodes:             binary.LittleEndian.Uint32(b[0x10:0x14]),
		firstDataBlock:         binary.LittleEndian.Uint32(b[0x14:0x18]),
		blocksPerGroup:         binary.LittleEndian.Uint32(b[0x20:0x24]),
		clustersPerGroup:       binary.LittleEndian.Uint32(b[0x24:0x28]),
		inodesPerGroup:         binary.LittleEndian.Uint32(b[0x28:0x2c]),
		mountTime:              binary.LittleEndian.Uint32(b[0x2c:0x30]),
		writeTime:              binary.LittleEndian.Uint32(b[0x30:0x34]),
		mountCount:             binary.LittleEndian.Uint16(b[0x34:0x36]),
		maxMountCount:          int16(binary.LittleEndian.Uint16(b[0x36:0x38])),
		signature:              magic,
		fsState:                binary.LittleEndian.Uint16(b[0x3a:0x3c]),
		errorBehavior:          binary.LittleEndian.Uint16(b[0x3c:0x3e]),
		minorRevision:          binary.LittleEndian.Uint16(b[0x3e:0x40]),
		lastCheck:              binary.LittleEndian.Uint32(b[0x40:0x44]),
		checkInterval:          binary.LittleEndian.Uint32(b[0x44:0x48]),
		creatorOS:              binary.LittleEndian.Uint32(b[0x48:0x4c]),
		revisionLevel:          binary.LittleEndian.Uint32(b[0x4c:0x50]),
		defaultReservedUID:     binary.LittleEndian.Uint16(b[0x50:0x52]),
		defaultReservedGID:     binary.LittleEndian.Uint16(b[0x52:0x54]),
		firstInode:             binary.LittleEndian.Uint32(b[0x54:0x58]),
		inodeSize:              binary.LittleEndian.Uint16(b[0x58:0x5a]),
		blockGroupNumber:       binary.LittleEndian.Uint16(b[0x5a:0x5c]),
		algorithmUsageBitmap:   binary.LittleEndian.Uint32(b[0xc8:0xcc]),
		preallocBlocks:         b[0xcc],
		preallocDirBlocks:      b[0xcd],
		reservedGDTBlocks:      binary.LittleEndian.Uint16(b[0xce:0xd0]),
		journalInodeNumber:     binary.LittleEndian.Uint32(b[0xe0:0xe4]),
		journalDevice:          binary.LittleEndian.Uint32(b[0xe4:0xe8]),
		lastOrphan:             binary.LittleEndian.Uint32(b[0xe8:0xec]),
		defHashVersion:         hashVersion(b[0xfc]),
		checksumType:           b[0xfd],
		groupDescriptorSize:    binary.LittleEndian.Uint16(b[0xfe:0x100]),
		defaultMountOptions:    binary.LittleEndian.Uint32(b[0x100:0x104]),
		firstMetaBlockGroup:    binary.LittleEndian.Uint32(b[0x104:0x108]),
		mkfsTime:               binary.LittleEndian.Uint32(b[0x108:0x10c]),
		checksumSeed:           binary.LittleEndian.Uint32(b[0x270:0x274]),
		checksum:               binary.LittleEndian.Uint32(b[superblockChecksumOff : superblockChecksumOff+4]),
	}
	sb.features = featuresFromFlags(compat, incompat, roCompat)

	logBlockSize := binary.LittleEndian.Uint32(b[0x18:0x1c])
	sb.blockSize = 1024 << logBlockSize
	logClusterSize := binary.LittleEndian.Uint32(b[0x1c:0x20])
	if sb.features.roCompat&0x200 != 0 { // bigalloc, rare; keep clusterSize independent when present
		sb.clusterSize = 1024 << logClusterSize
	} else {
		sb.clusterSize = sb.blockSize
	}

	sb.blockCountHigh = binary.LittleEndian.Uint32(b[0x150:0x154])
	sb.reservedBlockCountHigh = binary.LittleEndian.Uint32(b[0x154:0x158])
	freeBlocksHi := binary.LittleEndian.Uint32(b[0x158:0x15c])
	sb.freeBlocks = uint64(sb.freeBlocks) | uint64(freeBlocksHi)<<32

	copy(sb.uuid[:], b[0x68:0x78])
	sb.volumeLabel = cstring(b[0x78:0x88])
	sb.lastMountedPath = cstring(b[0x88:0xc8])
	copy(sb.journalUUID[:], b[0xd0:0xe0])

	for i := 0; i < 4; i++ {
		sb.hashSeed[i] = binary.LittleEndian.Uint32(b[0xec+i*4 : 0xec+i*4+4])
	}

	if sb.features.metadataChecksums {
		want := sb.checksum
		got := crc.CRC32c(^uint32(0), b[:superblockChecksumOff])
		if got != want {
			return nil, fmt.Errorf("superblock checksum mismatch: have 0x%08x, disk has 0x%08x", got, want)
		}
	}

	for _, g := range calculateBackupSuperblockGroups(int64(sb.blockGroupCount())) {
		sb.backupSuperblockBlockGroups = append(sb.backupSuperblockBlockGroups, uint32(g))
	}

	return sb, nil
}

// cstring trims a NUL-terminated/padded fixed-width byte field to a Go string.
func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// toBytes serializes the superblock back to its on-disk 1024-byte form,
// recomputing the metadata_csum checksum if that feature is enabled.
func (sb *superblock) toBytes() ([]byte, error) {
	b := make([]byte, superblockSize)

	binary.LittleEndian.PutUint32(b[0x0:0x4], sb.inodeCount)
	binary.LittleEndian.PutUint32(b[0x4:0x8], sb.blockCountLow)
	binary.LittleEndian.PutUint32(b[0x8:0xc], sb.reservedBlockCountLow)
	binary.LittleEndian.PutUint32(b[0xc:0x10], uint32(sb.freeBlocks&0xffffffff))
	binary.LittleEndian.PutUint32(b[0x10:0x14], sb.freeInodes)
	binary.LittleEndian.PutUint32(b[0x14:0x18], sb.firstDataBlock)

	logBlockSize := uint32(0)
	for v := sb.blockSize >> 10; v > 1; v >>= 1 {
		logBlockSize++
	}
	binary.LittleEndian.PutUint32(b[0x18:0x1c], logBlockSize)
	logClusterSize := uint32(0)
	for v := sb.clusterSize >> 10; v > 1; v >>= 1 {
		logClusterSize++
	}
	binary.LittleEndian.PutUint32(b[0x1c:0x20], logClusterSize)
	binary.LittleEndian.PutUint32(b[0x20:0x24], sb.blocksPerGroup)
	binary.LittleEndian.PutUint32(b[0x24:0x28], sb.clustersPerGroup)
	binary.LittleEndian.PutUint32(b[0x28:0x2c], sb.inodesPerGroup)
	binary.LittleEndian.PutUint32(b[0x2c:0x30], sb.mountTime)
	binary.LittleEndian.PutUint32(b[0x30:0x34], sb.writeTime)
	binary.LittleEndian.PutUint16(b[0x34:0x36], sb.mountCount)
	binary.LittleEndian.PutUint16(b[0x36:0x38], uint16(sb.maxMountCount))
	binary.LittleEndian.PutUint16(b[0x38:0x3a], superblockMagic)
	binary.LittleEndian.PutUint16(b[0x3a:0x3c], sb.fsState)
	binary.LittleEndian.PutUint16(b[0x3c:0x3e], sb.errorBehavior)
	binary.LittleEndian.PutUint16(b[0x3e:0x40], sb.minorRevision)
	binary.LittleEndian.PutUint32(b[0x40:0x44], sb.lastCheck)
	binary.LittleEndian.PutUint32(b[0x44:0x48], sb.checkInterval)
	binary.LittleEndian.PutUint32(b[0x48:0x4c], sb.creatorOS)
	binary.LittleEndian.PutUint32(b[0x4c:0x50], sb.revisionLevel)
	binary.LittleEndian.PutUint16(b[0x50:0x52], sb.defaultReservedUID)
	binary.LittleEndian.PutUint16(b[0x52:0x54], sb.defaultReservedGID)
	binary.LittleEndian.PutUint32(b[0x54:0x58], sb.firstInode)
	binary.LittleEndian.PutUint16(b[0x58:0x5a], sb.inodeSize)
	binary.LittleEndian.PutUint16(b[0x5a:0x5c], sb.blockGroupNumber)
	binary.LittleEndian.PutUint32(b[0x5c:0x60], sb.features.compat)
	binary.LittleEndian.PutUint32(b[0x60:0x64], sb.features.incompat)
	binary.LittleEndian.PutUint32(b[0x64:0x68], sb.features.roCompat)
	copy(b[0x68:0x78], sb.uuid[:])
	copy(b[0x78:0x88], []byte(padTo(sb.volumeLabel, 16)))
	copy(b[0x88:0xc8], []byte(padTo(sb.lastMountedPath, 64)))
	binary.LittleEndian.PutUint32(b[0xc8:0xcc], sb.algorithmUsageBitmap)
	b[0xcc] = sb.preallocBlocks
	b[0xcd] = sb.preallocDirBlocks
	binary.LittleEndian.PutUint16(b[0xce:0xd0], sb.reservedGDTBlocks)
	copy(b[0xd0:0xe0], sb.journalUUID[:])
	binary.LittleEndian.PutUint32(b[0xe0:0xe4], sb.journalInodeNumber)
	binary.LittleEndian.PutUint32(b[0xe4:0xe8], sb.journalDevice)
	binary.LittleEndian.PutUint32(b[0xe8:0xec], sb.lastOrphan)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(b[0xec+i*4:0xec+i*4+4], sb.hashSeed[i])
	}
	b[0xfc] = byte(sb.defHashVersion)
	b[0xfd] = sb.checksumType
	binary.LittleEndian.PutUint16(b[0xfe:0x100], sb.groupDescriptorSize)
	binary.LittleEndian.PutUint32(b[0x100:0x104], sb.defaultMountOptions)
	binary.LittleEndian.PutUint32(b[0x104:0x108], sb.firstMetaBlockGroup)
	binary.LittleEndian.PutUint32(b[0x108:0x10c], sb.mkfsTime)
	binary.LittleEndian.PutUint32(b[0x150:0x154], sb.blockCountHigh)
	binary.LittleEndian.PutUint32(b[0x154:0x158], sb.reservedBlockCountHigh)
	binary.LittleEndian.PutUint32(b[0x158:0x15c], uint32(sb.freeBlocks>>32))
	binary.LittleEndian.PutUint32(b[0x270:0x274], sb.checksumSeed)

	if sb.features.metadataChecksums {
		sb.checksum = crc.CRC32c(^uint32(0), b[:superblockChecksumOff])
	}
	binary.LittleEndian.PutUint32(b[superblockChecksumOff:superblockChecksumOff+4], sb.checksum)

	return b, nil
}

func padTo(s string, n int) string {
	b := make([]byte, n)
	copy(b, s)
	return string(b)
}

// calculateBackupSuperblockGroups computes which block groups (besides group
// 0, the primary) hold a backup superblock and GDT copy under the
// sparse_super layout: group 1 and every power of 3, 5, or 7 less than bgs.
func calculateBackupSuperblockGroups(bgs int64) []int64 {
	var groups []int64
	for g := int64(1); g < bgs; g++ {
		if checkSuperBackup(uint64(g)) {
			groups = append(groups, g)
		}
	}
	return groups
}
