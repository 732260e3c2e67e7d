package daal

import "errors"

var (
	// ErrNotFound means the fragment is in neither permanent nor temporary storage.
	ErrNotFound = errors.New("fragment not found")

	// ErrTransientOnly means the fragment exists only in temporary storage,
	// typically because its store was never committed.
	ErrTransientOnly = errors.New("fragment exists only in temporary storage")

	// ErrExists is returned by Create when a committed fragment already exists.
	ErrExists = errors.New("fragment already exists")

	// ErrLocked is returned by Lock when another handle holds the lock.
	ErrLocked = errors.New("fragment is locked")

	// ErrClosed is returned by I/O on a handle that is not open.
	ErrClosed = errors.New("fragment is not open")

	// ErrReadOnly is returned by writes on a handle opened with Open.
	ErrReadOnly = errors.New("fragment is open read-only")

	// ErrDiskOffline is returned by every operation on a failed disk.
	ErrDiskOffline = errors.New("disk offline")

	// ErrCheckTimeout is returned when a disk check does not finish in time.
	ErrCheckTimeout = errors.New("disk check timed out")
)
