package ext4

import "testing"

// TestDirectoryToBytesAndParseRoundTrip lays out a directory's entries with
// Directory.toBytes and reads them back with parseDirEntriesLinear, with and
// without the metadata_csum dir_entry_tail.
func TestDirectoryToBytesAndParseRoundTrip(t *testing.T) {
	tests := []struct {
		name         string
		withChecksum bool
	}{
		{"no checksum", false},
		{"with checksum", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := &Directory{
				directoryEntry: directoryEntry{inode: 2, filename: ".", fileType: dirFileTypeDirectory},
				entries: []*directoryEntry{
					{inode: 2, filename: ".", fileType: dirFileTypeDirectory},
					{inode: 2, filename: "..", fileType: dirFileTypeDirectory},
					{inode: 12, filename: "hello.txt", fileType: dirFileTypeRegular},
					{inode: 13, filename: "subdir", fileType: dirFileTypeDirectory},
				},
			}

			var appender func([]byte) []byte
			if tt.withChecksum {
				appender = directoryChecksumAppender(0xcafef00d, 2, 0)
			}

			b := dir.toBytes(4096, appender)
			if len(b)%4096 != 0 {
				t.Fatalf("expected output padded to block size, got %d bytes", len(b))
			}

			got, err := parseDirEntriesLinear(b, tt.withChecksum, 4096, 2, 0, 0xcafef00d)
			if err != nil {
				t.Fatalf("parseDirEntriesLinear: %v", err)
			}
			if len(got) != len(dir.entries) {
				t.Fatalf("expected %d entries, got %d", len(dir.entries), len(got))
			}
			for i, e := range dir.entries {
				if got[i].inode != e.inode || got[i].filename != e.filename || got[i].fileType != e.fileType {
					t.Errorf("entry %d mismatch: want %+v, got %+v", i, e, got[i])
				}
			}
		})
	}
}

// TestParseDirEntriesLinearRejectsChecksumMismatch ensures a tampered
// directory block is rejected when checksums are expected.
func TestParseDirEntriesLinearRejectsChecksumMismatch(t *testing.T) {
	dir := &Directory{
		entries: []*directoryEntry{
			{inode: 2, filename: ".", fileType: dirFileTypeDirectory},
		},
	}
	b := dir.toBytes(4096, directoryChecksumAppender(1, 2, 0))
	b[0] ^= 0xff // corrupt the single entry

	if _, err := parseDirEntriesLinear(b, true, 4096, 2, 0, 1); err == nil {
		t.Fatal("expected checksum mismatch error, got nil")
	}
}

// TestDirEntryRecLen checks the 4-byte-aligned record length calculation
// used to size each entry when laying out a block.
func TestDirEntryRecLen(t *testing.T) {
	tests := []struct {
		name string
		want uint16
	}{
		{"", 8},
		{"a", 12},
		{"hello.txt", 20},
		{"subdir", 16},
	}
	for _, tt := range tests {
		if got := dirEntryRecLen(tt.name); got != tt.want {
			t.Errorf("dirEntryRecLen(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}
