package archive

import (
	"errors"
	"fmt"
)

// Errors surfaced to callers of Client and FragmentSet.
var (
	ErrNoSuchObject     = errors.New("no such object")
	ErrDeletedObject    = errors.New("object deleted")
	ErrIncompleteObject = errors.New("object store never completed")
	ErrArchive          = errors.New("archive failure")
	ErrRetentionActive  = errors.New("object is under retention")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Per-fragment and protocol errors.
var (
	ErrFragmentNotFound   = errors.New("fragment not found")
	ErrFragmentDeleted    = errors.New("fragment deleted")
	ErrFragmentCorrupted  = errors.New("fragment corrupted")
	ErrFragmentIncomplete = errors.New("fragment only in temporary storage")
	ErrBadFragment        = errors.New("fragment unusable")
	ErrAlreadyDeleted     = errors.New("fragment already deleted")
	ErrStorage            = errors.New("storage error")

	ErrSafetyCheck    = errors.New("could not verify deletion safety")
	ErrRefCountQuorum = errors.New("reference count update did not reach quorum")
	ErrNotRefCounted  = errors.New("fragment is not reference counted")
	ErrLockTimeout    = errors.New("timed out waiting for fragment lock")
	ErrPoolExhausted  = errors.New("timed out waiting for a worker pool")
	ErrUnrecoverable  = errors.New("too many fragment errors to reconstruct")
)

// FragmentError ties an error to one fragment and operation.
type FragmentError struct {
	Frag int
	Op   string
	Err  error
}

func (e *FragmentError) Error() string {
	return fmt.Sprintf("fragment %d: %s: %v", e.Frag, e.Op, e.Err)
}

func (e *FragmentError) Unwrap() error {
	return e.Err
}

func fragErr(frag int, op string, err error) error {
	if err == nil {
		return nil
	}
	return &FragmentError{Frag: frag, Op: op, Err: err}
}
