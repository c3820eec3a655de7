// Package md4 implements the "half MD4" compression function ext4 uses as
// one of its directory-hash variants (EXT4_HASH_HALF_MD4). It is not a
// general-purpose MD4 implementation: only the core transform is needed,
// since ext4 never hashes more than a name's worth of bytes at a time.
package md4

// the three additive constants from the original MD4 round 2/3; round 1
// uses 0.
const (
	k1 = 0
	k2 = 0x5A827999
	k3 = 0x6ED9EBA1
)

func rotateLeft(x uint32, s uint) uint32 {
	s &= 31
	return (x << s) | (x >> (32 - s))
}

func f(x, y, z uint32) uint32 {
	return z ^ (x & (y ^ z))
}

func g(x, y, z uint32) uint32 {
	return (x & y) + ((x ^ y) & z)
}

func h(x, y, z uint32) uint32 {
	return x ^ y ^ z
}

func round(fn func(x, y, z uint32) uint32, a, b, c, d, x uint32, s uint) uint32 {
	a += fn(b, c, d) + x
	return rotateLeft(a, s)
}

// Transform runs the half-MD4 compression function over one 8-word (32
// byte) chunk of input, folding it into buf, and returns the new state.
// Callers that need to hash more than 32 bytes call Transform once per
// chunk, carrying the returned state forward as the next call's buf.
func Transform(buf [4]uint32, in []uint32) [4]uint32 {
	var data [8]uint32
	copy(data[:], in)

	a, b, c, d := buf[0], buf[1], buf[2], buf[3]

	// round 1
	a = round(f, a, b, c, d, data[0]+k1, 3)
	d = round(f, d, a, b, c, data[1]+k1, 7)
	c = round(f, c, d, a, b, data[2]+k1, 11)
	b = round(f, b, c, d, a, data[3]+k1, 19)
	a = round(f, a, b, c, d, data[4]+k1, 3)
	d = round(f, d, a, b, c, data[5]+k1, 7)
	c = round(f, c, d, a, b, data[6]+k1, 11)
	b = round(f, b, c, d, a, data[7]+k1, 19)

	// round 2
	a = round(g, a, b, c, d, data[1]+k2, 3)
	d = round(g, d, a, b, c, data[3]+k2, 5)
	c = round(g, c, d, a, b, data[5]+k2, 9)
	b = round(g, b, c, d, a, data[7]+k2, 13)
	a = round(g, a, b, c, d, data[0]+k2, 3)
	d = round(g, d, a, b, c, data[2]+k2, 5)
	c = round(g, c, d, a, b, data[4]+k2, 9)
	b = round(g, b, c, d, a, data[6]+k2, 13)

	// round 3
	a = round(h, a, b, c, d, data[3]+k3, 3)
	d = round(h, d, a, b, c, data[7]+k3, 9)
	c = round(h, c, d, a, b, data[2]+k3, 11)
	b = round(h, b, c, d, a, data[6]+k3, 15)
	a = round(h, a, b, c, d, data[1]+k3, 3)
	d = round(h, d, a, b, c, data[5]+k3, 9)
	c = round(h, c, d, a, b, data[0]+k3, 11)
	b = round(h, b, c, d, a, data[4]+k3, 15)

	return [4]uint32{buf[0] + a, buf[1] + b, buf[2] + c, buf[3] + d}
}

// HalfMD4Transform runs Transform over one chunk and returns only the
// resulting major word (the new buf[0]); used by callers that only need a
// single scalar hash rather than the full 4-word state.
func HalfMD4Transform(buf [4]uint32, in []uint32) uint32 {
	return Transform(buf, in)[0]
}
