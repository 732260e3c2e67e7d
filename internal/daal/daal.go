// Package daal is the disk access layer: it stores and retrieves single
// fragment files on a single disk.
package daal

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/oarchive/internal/layout"
	"github.com/tunnelmesh/oarchive/internal/oid"
)

// Fragment is a handle on one fragment file: one disk, one object id, one
// fragment number. A handle is not safe for concurrent use.
type Fragment interface {
	// Create opens a new, empty fragment in temporary storage for writing.
	Create() error
	// Open opens the committed fragment read-only.
	Open() error
	// RWOpen opens the committed fragment for reading and in-place writes.
	RWOpen() error

	Append(p []byte) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	ReadAt(p []byte, off int64) (int, error)
	Length() (int64, error)
	Truncate(size int64) error

	// Commit moves the temporary fragment to permanent storage. It does not
	// require an open handle.
	Commit() error
	// Rollback removes the temporary fragment, if any.
	Rollback() error
	// Delete removes the committed fragment.
	Delete() error
	// Replace atomically swaps the committed fragment's contents for p. An
	// open handle moves to the new file and keeps its lock.
	Replace(p []byte) error

	// Lock takes an exclusive advisory lock without blocking. It returns
	// ErrLocked when another handle holds it. A handle opened before the
	// file was replaced moves to the current file; if it was deleted, Lock
	// returns ErrNotFound.
	Lock() error
	Unlock() error

	IsTransient() bool
	IsCommitted() bool
	Close() error

	// SaveContext stores a small record next to the fragment describing an
	// in-flight store.
	SaveContext(p []byte) error
	LoadContext() ([]byte, error)
	DeleteContext() error
}

// Backend hands out Fragment handles and answers per-disk questions.
type Backend interface {
	Fragment(disk *layout.Disk, id oid.ID, frag int) Fragment

	// Locate lists the committed fragment numbers of id present on disk.
	Locate(ctx context.Context, disk *layout.Disk, id oid.ID) ([]int, error)

	// Check verifies that the disk's directories are usable. A check that
	// does not finish within timeout is abandoned and reported as failed.
	Check(ctx context.Context, disk *layout.Disk, timeout time.Duration) error
}

// Kind selects a Backend implementation.
type Kind string

const (
	KindLocal  Kind = "local"
	KindMemory Kind = "memory"
)

// ParseKind validates a backend name from configuration.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindLocal, KindMemory:
		return k, nil
	case "":
		return KindLocal, nil
	default:
		return "", fmt.Errorf("unknown backend %q", s)
	}
}

// New constructs the backend for kind.
func New(kind Kind, logger zerolog.Logger) (Backend, error) {
	switch kind {
	case KindLocal, "":
		return NewLocal(logger), nil
	case KindMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// fileName is the on-disk name of a fragment: "<oid>_<frag>".
func fileName(id oid.ID, frag int) string {
	return id.String() + "_" + strconv.Itoa(frag)
}

// parseFragNum extracts the fragment number from name if it belongs to id.
func parseFragNum(name string, id oid.ID) (int, bool) {
	prefix := id.String() + "_"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(name[len(prefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
