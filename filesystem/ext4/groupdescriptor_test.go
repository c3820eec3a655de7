package ext4

import "testing"

// TestGroupDescriptorRoundTrip exercises toBytes/groupDescriptorFromBytes for
// both the legacy 32-byte and the 64-bit 64-byte descriptor formats, and for
// each supported checksum algorithm.
func TestGroupDescriptorRoundTrip(t *testing.T) {
	tests := []struct {
		name         string
		size         uint16
		checksumType gdtChecksumType
	}{
		{"32-byte, no checksum", groupDescriptorSize32, gdtChecksumNone},
		{"32-byte, GDT_CSUM", groupDescriptorSize32, gdtChecksumGDT},
		{"64-byte, metadata_csum", groupDescriptorSize64, gdtChecksumMetadata},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gd := &groupDescriptor{
				number:              3,
				size:                tt.size,
				blockBitmapLocation: 0x1000,
				inodeBitmapLocation: 0x2000,
				inodeTableLocation:  0x3000,
				freeBlocks:          100,
				freeInodes:          50,
				usedDirectories:     2,
				itableUnused:        10,
				flags:               gdFlagInodeUninit,
			}
			if tt.size >= groupDescriptorSize64 {
				// exercise the high-order-bits path
				gd.blockBitmapLocation |= 1 << 40
				gd.freeBlocks |= 1 << 20
			}

			b := gd.toBytes(tt.checksumType, 0xabcdef01)
			if len(b) != int(tt.size) {
				t.Fatalf("expected %d bytes, got %d", tt.size, len(b))
			}

			got, err := groupDescriptorFromBytes(b, tt.size, gd.number)
			if err != nil {
				t.Fatalf("groupDescriptorFromBytes: %v", err)
			}
			if *got != *gd {
				t.Errorf("round-tripped descriptor does not match:\nwant %+v\ngot  %+v", gd, got)
			}

			if tt.checksumType != gdtChecksumNone {
				if got2 := groupDescriptorChecksum(b, tt.size, 0xabcdef01, gd.number, tt.checksumType); got2 != got.checksum {
					t.Errorf("recomputed checksum 0x%04x does not match stored checksum 0x%04x", got2, got.checksum)
				}
			}
		})
	}
}

// TestGroupDescriptorsFromBytesRejectsChecksumMismatch ensures a tampered
// group-descriptor table is rejected when checksums are required.
func TestGroupDescriptorsFromBytesRejectsChecksumMismatch(t *testing.T) {
	gd := &groupDescriptor{number: 0, size: groupDescriptorSize32, freeBlocks: 10}
	b := gd.toBytes(gdtChecksumGDT, 0x1)
	b[0] ^= 0xff // corrupt a field covered by the checksum

	if _, err := groupDescriptorsFromBytes(b, groupDescriptorSize32, 0x1, gdtChecksumGDT); err == nil {
		t.Fatal("expected checksum mismatch error, got nil")
	}
}
