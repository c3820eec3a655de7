package ext4

import (
	"testing"

	"github.com/google/uuid"
)

// TestSuperblockRoundTrip exercises toBytes/superblockFromBytes for both a
// plain ext4 filesystem and one with metadata_csum enabled, since the
// checksum path only runs when that feature bit is set.
func TestSuperblockRoundTrip(t *testing.T) {
	tests := []struct {
		name              string
		metadataChecksums bool
	}{
		{"no checksums", false},
		{"metadata checksums", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := &superblock{
				inodeCount:     128,
				blockCountLow:  4096,
				freeBlocks:     2048,
				freeInodes:     100,
				blockSize:      4096,
				clusterSize:    4096,
				blocksPerGroup: 32768,
				inodesPerGroup: 128,
				inodeSize:      256,
				volumeLabel:    "testvol",
				uuid:           uuid.New(),
				checksumSeed:   0xdeadbeef,
			}
			if tt.metadataChecksums {
				sb.features.metadataChecksums = true
				sb.features.roCompat |= roCompatMetadataCsum
			}

			b, err := sb.toBytes()
			if err != nil {
				t.Fatalf("toBytes: %v", err)
			}
			if len(b) != superblockSize {
				t.Fatalf("expected %d bytes, got %d", superblockSize, len(b))
			}

			got, err := superblockFromBytes(b)
			if err != nil {
				t.Fatalf("superblockFromBytes: %v", err)
			}
			if !got.equal(sb) {
				t.Errorf("round-tripped superblock does not match original:\nwant %+v\ngot  %+v", sb, got)
			}
			if got.volumeLabel != "testvol" {
				t.Errorf("expected volume label %q, got %q", "testvol", got.volumeLabel)
			}
		})
	}
}

// TestSuperblockFromBytesRejectsBadMagic ensures a corrupted/non-ext4 buffer
// is rejected rather than silently parsed.
func TestSuperblockFromBytesRejectsBadMagic(t *testing.T) {
	b := make([]byte, superblockSize)
	if _, err := superblockFromBytes(b); err == nil {
		t.Fatal("expected error for missing magic, got nil")
	}
}

// TestSuperblockFromBytesRejectsChecksumMismatch ensures a tampered
// metadata_csum superblock is rejected.
func TestSuperblockFromBytesRejectsChecksumMismatch(t *testing.T) {
	sb := &superblock{
		blockSize:   4096,
		clusterSize: 4096,
		uuid:        uuid.New(),
	}
	sb.features.metadataChecksums = true
	sb.features.roCompat |= roCompatMetadataCsum

	b, err := sb.toBytes()
	if err != nil {
		t.Fatalf("toBytes: %v", err)
	}
	// flip a byte that is covered by the checksum but not re-derived
	b[0x14] ^= 0xff

	if _, err := superblockFromBytes(b); err == nil {
		t.Fatal("expected checksum mismatch error, got nil")
	}
}

// TestCalculateBackupSuperblockGroups checks the sparse_super power-of-3/5/7
// selection against known small cases.
func TestCalculateBackupSuperblockGroups(t *testing.T) {
	got := calculateBackupSuperblockGroups(10)
	want := map[int64]bool{1: true, 3: true, 5: true, 7: true, 9: true}
	for _, g := range got {
		if !want[g] {
			t.Errorf("unexpected backup group %d", g)
		}
		delete(want, g)
	}
	if len(want) != 0 {
		t.Errorf("missing expected backup groups: %v", want)
	}
}
