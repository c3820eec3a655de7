package ext4

import "errors"

// Sentinel errors returned (possibly wrapped via fmt.Errorf's %w) by the
// facade methods. Callers should compare against these with errors.Is
// rather than matching on message text.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrCorrupted     = errors.New("corrupted filesystem metadata")
	ErrIO            = errors.New("i/o error")
	ErrNoSpace       = errors.New("no space left on device")
	ErrNoResources   = errors.New("no inodes or other resources left")
	ErrUnsupported   = errors.New("operation not supported")
	ErrNotEmpty      = errors.New("directory not empty")
	ErrIsADirectory  = errors.New("is a directory")
	ErrNotADirectory = errors.New("not a directory")
	ErrNameTooLong   = errors.New("name too long")
	ErrReadOnly      = errors.New("filesystem is read-only")
	ErrLinkLimit     = errors.New("too many links")
)
