package ext4

import (
	"io"

	"github.com/sirupsen/logrus"
)

// mountOptions holds the resolved configuration for an open FileSystem,
// built up from the MountOption functional options passed to Read.
type mountOptions struct {
	cacheCapacity          int
	cacheWritebackInitial  bool
	readOnly               bool
	logger                 *logrus.Entry
}

// defaultCacheBudgetBytes is the byte budget used to size the block cache
// when the caller does not request a specific capacity, following the
// teacher's habit of sizing defaults off disk geometry rather than a fixed
// entry count.
const defaultCacheBudgetBytes = 256 * 1024

func defaultMountOptions(blockSize uint32) mountOptions {
	capacity := 1
	if blockSize > 0 {
		capacity = int(defaultCacheBudgetBytes / blockSize)
		if capacity < 1 {
			capacity = 1
		}
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return mountOptions{
		cacheCapacity:         capacity,
		cacheWritebackInitial: false,
		readOnly:              false,
		logger:                logrus.NewEntry(discard),
	}
}

// MountOption customizes how Read opens a FileSystem.
type MountOption func(*mountOptions)

// WithCacheCapacity sets the number of blocks the filesystem's block cache
// holds, overriding the geometry-derived default.
func WithCacheCapacity(entries int) MountOption {
	return func(o *mountOptions) {
		if entries > 0 {
			o.cacheCapacity = entries
		}
	}
}

// WithCacheWritebackInitial controls whether the block cache starts in
// write-back mode (dirty blocks held in memory) rather than write-through.
func WithCacheWritebackInitial(enabled bool) MountOption {
	return func(o *mountOptions) {
		o.cacheWritebackInitial = enabled
	}
}

// WithReadOnly mounts the filesystem read-only: every mutating facade method
// returns ErrReadOnly before touching the cache or backend.
func WithReadOnly(ro bool) MountOption {
	return func(o *mountOptions) {
		o.readOnly = ro
	}
}

// WithLogger sets the structured logger used for diagnostic (never
// control-flow) logging at mount/unmount/flush boundaries. Defaults to a
// discard logger, matching the teacher's own silent-by-default libraries.
func WithLogger(l *logrus.Entry) MountOption {
	return func(o *mountOptions) {
		if l != nil {
			o.logger = l
		}
	}
}
