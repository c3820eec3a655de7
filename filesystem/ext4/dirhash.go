package ext4

import (
	"github.com/ext4fs/core/filesystem/ext4/md4"
)

// hashVersion identifies which directory-hash algorithm a htree-indexed
// directory uses, stored in the superblock's def_hash_version / per-tree-root
// hash_version field.
type hashVersion uint8

const (
	HashVersionLegacy          hashVersion = 0
	HashVersionHalfMD4         hashVersion = 1
	HashVersionTEA             hashVersion = 2
	HashVersionLegacyUnsigned  hashVersion = 3
	HashVersionHalfMD4Unsigned hashVersion = 4
	HashVersionTEAUnsigned     hashVersion = 5
	HashVersionSIP             hashVersion = 6
)

var halfMD4IV = [4]uint32{0x67452301, 0xefcdab89, 0x98badcfe, 0x10325476}

// ext4fsDirhash computes the (major, minor) hash pair used to place and
// locate an entry in a htree-indexed directory. hashSeed is the superblock's
// s_hash_seed (four words); an all-zero seed means "no seed", matching the
// kernel's convention of only honoring a non-null seed pointer.
func ext4fsDirhash(name string, version hashVersion, hashSeed []uint32) (hash, minorHash uint32) {
	switch version {
	case HashVersionLegacy:
		hash = dxHackHash(name, false)
	case HashVersionLegacyUnsigned:
		hash = dxHackHash(name, true)
	case HashVersionHalfMD4, HashVersionHalfMD4Unsigned:
		buf := seededBuf(hashSeed)
		signed := version == HashVersionHalfMD4
		rest := name
		for {
			in := str2hashbuf(rest, 8, signed)
			buf = md4.Transform(buf, in)
			if len(rest) <= 32 {
				break
			}
			rest = rest[32:]
		}
		hash = buf[0]
		minorHash = buf[2]
	case HashVersionTEA, HashVersionTEAUnsigned:
		buf := seededBuf(hashSeed)
		signed := version == HashVersionTEA
		rest := name
		for {
			in := str2hashbuf(rest, 4, signed)
			buf = TEATransform(buf, in)
			if len(rest) <= 16 {
				break
			}
			rest = rest[16:]
		}
		hash = buf[0]
		minorHash = buf[1]
	case HashVersionSIP:
		// SIP-hash directory indexing is not implemented; callers must treat
		// a zero result as "unsupported" rather than a real hash of "".
		return 0, 0
	default:
		return 0, 0
	}
	hash &^= 1
	return hash, minorHash
}

const teaDelta uint32 = 0x9E3779B9

// TEATransform runs the Tiny Encryption Algorithm round function ext4 uses
// as its other htree hash variant (EXT4_HASH_TEA), folding one 16-byte chunk
// of input into buf.
func TEATransform(buf [4]uint32, in []uint32) [4]uint32 {
	var a, b, c, d uint32
	if len(in) > 0 {
		a = in[0]
	}
	if len(in) > 1 {
		b = in[1]
	}
	if len(in) > 2 {
		c = in[2]
	}
	if len(in) > 3 {
		d = in[3]
	}

	b0, b1 := buf[0], buf[1]
	var sum uint32
	for n := 0; n < 16; n++ {
		sum += teaDelta
		b0 += ((b1 << 4) + a) ^ (b1 + sum) ^ ((b1 >> 5) + b)
		b1 += ((b0 << 4) + c) ^ (b0 + sum) ^ ((b0 >> 5) + d)
	}

	return [4]uint32{buf[0] + b0, buf[1] + b1, buf[2], buf[3]}
}

func seededBuf(seed []uint32) [4]uint32 {
	if len(seed) >= 4 && (seed[0] != 0 || seed[1] != 0 || seed[2] != 0 || seed[3] != 0) {
		return [4]uint32{seed[0], seed[1], seed[2], seed[3]}
	}
	return halfMD4IV
}

// dxHackHash is the original, weak ext2 htree hash (DX_HASH_LEGACY). It is
// still supported for compatibility with directories formatted by old
// mke2fs versions.
func dxHackHash(name string, unsigned bool) uint32 {
	var hash0 uint32 = 0x12a3fe2d
	var hash1 uint32 = 0x37abe8f9

	for i := 0; i < len(name); i++ {
		var c uint32
		if unsigned {
			c = uint32(name[i])
		} else {
			c = uint32(int8(name[i]))
		}
		hash := hash1 + (hash0 ^ (c * 7152373))
		if hash&0x80000000 != 0 {
			hash -= 0x7fffffff
		}
		hash1 = hash0
		hash0 = hash
	}
	return hash0 << 1
}

// str2hashbuf packs up to num words (4 bytes each) of name into a buffer
// suitable for feeding to the half-MD4 or TEA transforms, padding the tail
// with a length-derived filler word exactly as the kernel's str2hashbuf does.
// The returned slice always has length 8 (backed by a fixed array); callers
// only look at the first num words.
func str2hashbuf(name string, num int, signed bool) []uint32 {
	var buf [8]uint32
	length := len(name)
	pad := uint32(length) | uint32(length)<<8
	pad |= pad << 16

	val := pad
	n := num
	if length > num*4 {
		length = num * 4
	}

	bi := 0
	for i := 0; i < length; i++ {
		if i%4 == 0 {
			val = pad
		}
		var c uint32
		if signed {
			c = uint32(int8(name[i]))
		} else {
			c = uint32(byte(name[i]))
		}
		val = c + (val << 8)
		if i%4 == 3 {
			if bi < 8 {
				buf[bi] = val
				bi++
			}
			val = pad
			n--
		}
	}
	n--
	if n >= 0 && bi < 8 {
		buf[bi] = val
		bi++
	}
	for n > 0 && bi < 8 {
		buf[bi] = pad
		bi++
		n--
	}
	return buf[:]
}
