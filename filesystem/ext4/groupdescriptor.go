package ext4

import (
	"encoding/binary"
	"fmt"

	"github.com/ext4fs/core/filesystem/ext4/crc"
)

const (
	groupDescriptorSize32 uint16 = 32
	groupDescriptorSize64 uint16 = 64
)

// groupDescriptor is one entry of the block-group descriptor table: the
// locations of a group's block bitmap, inode bitmap and inode table, plus
// its free-space and checksum bookkeeping.
type groupDescriptor struct {
	number               uint32
	size                 uint16
	blockBitmapLocation  uint64
	inodeBitmapLocation  uint64
	inodeTableLocation   uint64
	freeBlocks           uint32
	freeInodes           uint32
	usedDirectories      uint32
	unusedInodes         uint32
	blockBitmapChecksum  uint32
	inodeBitmapChecksum  uint32
	flags                uint16
	itableUnused         uint32
	checksum             uint16
}

// groupDescriptors is the full block-group descriptor table as parsed from
// (or about to be written to) the blocks immediately following the
// superblock.
type groupDescriptors struct {
	descriptors []groupDescriptor
	size        uint16
}

func (gds *groupDescriptors) equal(a *groupDescriptors) bool {
	if (gds == nil) != (a == nil) {
		return false
	}
	if gds == nil {
		return true
	}
	if len(gds.descriptors) != len(a.descriptors) {
		return false
	}
	for i := range gds.descriptors {
		if gds.descriptors[i] != a.descriptors[i] {
			return false
		}
	}
	return true
}

const (
	gdFlagInodeUninit uint16 = 0x1
	gdFlagBlockUninit  uint16 = 0x2
	gdFlagItableZeroed uint16 = 0x4
)

// groupDescriptorFromBytes decodes one group-descriptor entry. size is 32 for
// the legacy format and 64 when INCOMPAT_64BIT is set, widening the block/
// inode locations and free counts with their high halves.
func groupDescriptorFromBytes(b []byte, size uint16, number uint32) (*groupDescriptor, error) {
	if len(b) < int(size) {
		return nil, fmt.Errorf("group descriptor data too short: %d bytes, need %d", len(b), size)
	}
	gd := &groupDescriptor{
		number:              number,
		size:                size,
		blockBitmapLocation: uint64(binary.LittleEndian.Uint32(b[0x0:0x4])),
		inodeBitmapLocation: uint64(binary.LittleEndian.Uint32(b[0x4:0x8])),
		inodeTableLocation:  uint64(binary.LittleEndian.Uint32(b[0x8:0xc])),
		freeBlocks:          uint32(binary.LittleEndian.Uint16(b[0xc:0xe])),
		freeInodes:          uint32(binary.LittleEndian.Uint16(b[0xe:0x10])),
		usedDirectories:     uint32(binary.LittleEndian.Uint16(b[0x10:0x12])),
		flags:               binary.LittleEndian.Uint16(b[0x12:0x14]),
		blockBitmapChecksum: uint32(binary.LittleEndian.Uint16(b[0x14:0x16])),
		inodeBitmapChecksum: uint32(binary.LittleEndian.Uint16(b[0x16:0x18])),
		itableUnused:        uint32(binary.LittleEndian.Uint16(b[0x18:0x1a])),
		checksum:            binary.LittleEndian.Uint16(b[0x1e:0x20]),
	}
	if size >= groupDescriptorSize64 {
		gd.blockBitmapLocation |= uint64(binary.LittleEndian.Uint32(b[0x20:0x24])) << 32
		gd.inodeBitmapLocation |= uint64(binary.LittleEndian.Uint32(b[0x24:0x28])) << 32
		gd.inodeTableLocation |= uint64(binary.LittleEndian.Uint32(b[0x28:0x2c])) << 32
		gd.freeBlocks |= uint32(binary.LittleEndian.Uint16(b[0x2c:0x2e])) << 16
		gd.freeInodes |= uint32(binary.LittleEndian.Uint16(b[0x2e:0x30])) << 16
		gd.usedDirectories |= uint32(binary.LittleEndian.Uint16(b[0x30:0x32])) << 16
		gd.itableUnused |= uint32(binary.LittleEndian.Uint16(b[0x32:0x34])) << 16
		gd.blockBitmapChecksum |= uint32(binary.LittleEndian.Uint16(b[0x34:0x36])) << 16
		gd.inodeBitmapChecksum |= uint32(binary.LittleEndian.Uint16(b[0x36:0x38])) << 16
	}
	return gd, nil
}

// groupDescriptorsFromBytes decodes the whole group-descriptor table and, if
// checksumType calls for it, verifies each entry's checksum.
func groupDescriptorsFromBytes(b []byte, size uint16, checksumSeed uint32, checksumType gdtChecksumType) (*groupDescriptors, error) {
	if size == 0 {
		size = groupDescriptorSize32
	}
	count := len(b) / int(size)
	gds := &groupDescriptors{descriptors: make([]groupDescriptor, 0, count), size: size}
	for i := 0; i < count; i++ {
		entry := b[i*int(size) : (i+1)*int(size)]
		gd, err := groupDescriptorFromBytes(entry, size, uint32(i))
		if err != nil {
			return nil, fmt.Errorf("group descriptor %d: %w", i, err)
		}
		if checksumType != gdtChecksumNone {
			want := gd.checksum
			got := groupDescriptorChecksum(entry, size, checksumSeed, uint32(i), checksumType)
			if got != want {
				return nil, fmt.Errorf("group descriptor %d checksum mismatch: have 0x%04x, disk has 0x%04x", i, got, want)
			}
		}
		gds.descriptors = append(gds.descriptors, *gd)
	}
	return gds, nil
}

// toBytes serializes one group descriptor, recomputing its checksum
// according to checksumType (none, the legacy CRC16 GDT_CSUM, or the
// metadata_csum CRC32c variant).
func (gd *groupDescriptor) toBytes(checksumType gdtChecksumType, checksumSeed uint32) []byte {
	size := gd.size
	if size == 0 {
		size = groupDescriptorSize32
	}
	b := make([]byte, size)
	binary.LittleEndian.PutUint32(b[0x0:0x4], uint32(gd.blockBitmapLocation))
	binary.LittleEndian.PutUint32(b[0x4:0x8], uint32(gd.inodeBitmapLocation))
	binary.LittleEndian.PutUint32(b[0x8:0xc], uint32(gd.inodeTableLocation))
	binary.LittleEndian.PutUint16(b[0xc:0xe], uint16(gd.freeBlocks))
	binary.LittleEndian.PutUint16(b[0xe:0x10], uint16(gd.freeInodes))
	binary.LittleEndian.PutUint16(b[0x10:0x12], uint16(gd.usedDirectories))
	binary.LittleEndian.PutUint16(b[0x12:0x14], gd.flags)
	binary.LittleEndian.PutUint16(b[0x14:0x16], uint16(gd.blockBitmapChecksum))
	binary.LittleEndian.PutUint16(b[0x16:0x18], uint16(gd.inodeBitmapChecksum))
	binary.LittleEndian.PutUint16(b[0x18:0x1a], uint16(gd.itableUnused))

	if size >= groupDescriptorSize64 {
		binary.LittleEndian.PutUint32(b[0x20:0x24], uint32(gd.blockBitmapLocation>>32))
		binary.LittleEndian.PutUint32(b[0x24:0x28], uint32(gd.inodeBitmapLocation>>32))
		binary.LittleEndian.PutUint32(b[0x28:0x2c], uint32(gd.inodeTableLocation>>32))
		binary.LittleEndian.PutUint16(b[0x2c:0x2e], uint16(gd.freeBlocks>>16))
		binary.LittleEndian.PutUint16(b[0x2e:0x30], uint16(gd.freeInodes>>16))
		binary.LittleEndian.PutUint16(b[0x30:0x32], uint16(gd.usedDirectories>>16))
		binary.LittleEndian.PutUint16(b[0x32:0x34], uint16(gd.itableUnused>>16))
		binary.LittleEndian.PutUint16(b[0x34:0x36], uint16(gd.blockBitmapChecksum>>16))
		binary.LittleEndian.PutUint16(b[0x36:0x38], uint16(gd.inodeBitmapChecksum>>16))
	}

	if checksumType != gdtChecksumNone {
		gd.checksum = groupDescriptorChecksum(b, size, checksumSeed, gd.number, checksumType)
	}
	binary.LittleEndian.PutUint16(b[0x1e:0x20], gd.checksum)

	return b
}

// toBytes serializes the whole group-descriptor table back to back, in
// group-number order.
func (gds *groupDescriptors) toBytes(checksumType gdtChecksumType, checksumSeed uint32) []byte {
	size := gds.size
	if size == 0 {
		size = groupDescriptorSize32
	}
	b := make([]byte, 0, len(gds.descriptors)*int(size))
	for i := range gds.descriptors {
		b = append(b, gds.descriptors[i].toBytes(checksumType, checksumSeed)...)
	}
	return b
}

// groupDescriptorChecksum computes either the legacy CRC16 (GDT_CSUM) or the
// metadata_csum CRC32c (truncated to 16 bits) over entry, with the on-disk
// checksum field itself zeroed for the computation, per ext4's convention.
func groupDescriptorChecksum(entry []byte, size uint16, checksumSeed, number uint32, checksumType gdtChecksumType) uint16 {
	buf := make([]byte, len(entry))
	copy(buf, entry)
	binary.LittleEndian.PutUint16(buf[0x1e:0x20], 0)

	numberBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(numberBytes, number)

	switch checksumType {
	case gdtChecksumMetadata:
		crcResult := crc.CRC32c(checksumSeed, numberBytes)
		crcResult = crc.CRC32c(crcResult, buf)
		return uint16(crcResult & 0xffff)
	case gdtChecksumGDT:
		seed16 := uint16(checksumSeed & 0xffff)
		crcResult := crc.CRC16(seed16, numberBytes)
		crcResult = crc.CRC16(crcResult, buf)
		return crcResult
	default:
		return 0
	}
}
