// Package footer encodes the fixed-size trailer at the end of every fragment
// file.
package footer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/tunnelmesh/oarchive/internal/archive/bloom"
	"github.com/tunnelmesh/oarchive/internal/archive/checksum"
	"github.com/tunnelmesh/oarchive/internal/oid"
)

// Version is the footer format written by this package.
const Version uint16 = 1

const (
	MetadataLength    = 64
	ContentHashLength = 32
	BloomBytes        = bloom.Size

	// RefRegionOffset is where the reference-count fields start. Everything
	// from here to the end of the footer, the footer checksum included, is
	// rewritten when a reference count changes.
	RefRegionOffset = 2 + 2*oid.Size + 3*4 + 8 + 4 + 4 + 5*8 + 1 + 4 + MetadataLength + ContentHashLength

	// RefRegionSize covers refCount, maxRefCount, the bloom filter and the
	// footer checksum.
	RefRegionSize = 4 + 4 + BloomBytes + 4

	// Size is the encoded footer length.
	Size = RefRegionOffset + RefRegionSize
)

const (
	// MoreChunks is the object size recorded in every chunk but the last.
	MoreChunks int64 = -1
	// NotDeleted is the deletion time of a live fragment.
	NotDeleted int64 = -1
	// NotRefCounted marks refCount and maxRefCount of a link fragment.
	NotRefCounted int32 = -1
)

// ErrVersion matches any *VersionError.
var ErrVersion = errors.New("unsupported footer version")

// VersionError is returned by Decode for a footer written in another format.
type VersionError struct {
	Got  uint16
	Want uint16
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("footer version %d, want %d", e.Got, e.Want)
}

func (e *VersionError) Is(target error) bool {
	return target == ErrVersion
}

// Footer is the decoded trailer. Times are Unix milliseconds.
type Footer struct {
	Version uint16
	OID     oid.ID
	LinkOID oid.ID

	Fragment int32
	Data     int32
	Parity   int32

	ObjectSize   int64
	FragmentSize int32
	ChunkSize    int32

	CreationTime   int64
	RetentionTime  int64
	ExpirationTime int64
	AutoCloseTime  int64
	DeletionTime   int64

	ChecksumAlg           checksum.Algorithm
	NumPrecedingChecksums int32

	Metadata    [MetadataLength]byte
	ContentHash [ContentHashLength]byte

	RefCount    int32
	MaxRefCount int32
	DeletedRefs bloom.Filter

	Checksum uint32
}

// New returns a footer for fragment frag of a live, reference-counted chunk.
func New(id oid.ID, frag, data, parity int) *Footer {
	return &Footer{
		Version:      Version,
		OID:          id,
		Fragment:     int32(frag),
		Data:         int32(data),
		Parity:       int32(parity),
		ObjectSize:   MoreChunks,
		CreationTime: Millis(time.Now()),
		DeletionTime: NotDeleted,
		RefCount:     1,
		MaxRefCount:  1,
	}
}

// Millis converts t to the footer's time unit.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Time converts a footer timestamp back.
func Time(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// IsDeleted reports whether the footer is a tombstone.
func (f *Footer) IsDeleted() bool {
	return f.DeletionTime != NotDeleted
}

// IsRefCounted is false for link fragments, which sit at the top of a
// reference chain.
func (f *Footer) IsRefCounted() bool {
	return f.RefCount != NotRefCounted || f.MaxRefCount != NotRefCounted
}

// Clone returns a copy of f.
func (f *Footer) Clone() *Footer {
	c := *f
	return &c
}

func (f *Footer) put(b []byte) {
	be := binary.BigEndian
	be.PutUint16(b[0:], f.Version)
	o := 2
	f.OID.Put(b[o:])
	o += oid.Size
	f.LinkOID.Put(b[o:])
	o += oid.Size
	for _, v := range []int32{f.Fragment, f.Data, f.Parity} {
		be.PutUint32(b[o:], uint32(v))
		o += 4
	}
	be.PutUint64(b[o:], uint64(f.ObjectSize))
	o += 8
	be.PutUint32(b[o:], uint32(f.FragmentSize))
	be.PutUint32(b[o+4:], uint32(f.ChunkSize))
	o += 8
	for _, v := range []int64{f.CreationTime, f.RetentionTime, f.ExpirationTime, f.AutoCloseTime, f.DeletionTime} {
		be.PutUint64(b[o:], uint64(v))
		o += 8
	}
	b[o] = byte(f.ChecksumAlg)
	o++
	be.PutUint32(b[o:], uint32(f.NumPrecedingChecksums))
	o += 4
	o += copy(b[o:], f.Metadata[:])
	o += copy(b[o:], f.ContentHash[:])

	be.PutUint32(b[o:], uint32(f.RefCount))
	be.PutUint32(b[o+4:], uint32(f.MaxRefCount))
	o += 8
	o += copy(b[o:], f.DeletedRefs[:])
	be.PutUint32(b[o:], 0)
}

func (f *Footer) computeChecksum() uint32 {
	var b [Size]byte
	f.put(b[:])
	return checksum.Adler32.Sum(b[:])
}

// Encode serializes f, storing the freshly computed checksum in f as well.
func (f *Footer) Encode() []byte {
	b := make([]byte, Size)
	f.put(b)
	f.Checksum = checksum.Adler32.Sum(b)
	binary.BigEndian.PutUint32(b[Size-4:], f.Checksum)
	return b
}

// EncodeRefRegion serializes f and returns the bytes from RefRegionOffset
// to the end, for an in-place update at that offset.
func (f *Footer) EncodeRefRegion() []byte {
	return f.Encode()[RefRegionOffset:]
}

// Decode parses an encoded footer. It does not verify the checksum; call
// IsConsistent for that.
func Decode(b []byte) (*Footer, error) {
	if len(b) != Size {
		return nil, fmt.Errorf("footer is %d bytes, want %d", len(b), Size)
	}
	be := binary.BigEndian
	f := &Footer{Version: be.Uint16(b[0:])}
	if f.Version != Version {
		return nil, &VersionError{Got: f.Version, Want: Version}
	}
	o := 2
	var err error
	if f.OID, err = oid.FromBytes(b[o:]); err != nil {
		return nil, err
	}
	o += oid.Size
	if f.LinkOID, err = oid.FromBytes(b[o:]); err != nil {
		return nil, err
	}
	o += oid.Size
	for _, v := range []*int32{&f.Fragment, &f.Data, &f.Parity} {
		*v = int32(be.Uint32(b[o:]))
		o += 4
	}
	f.ObjectSize = int64(be.Uint64(b[o:]))
	o += 8
	f.FragmentSize = int32(be.Uint32(b[o:]))
	f.ChunkSize = int32(be.Uint32(b[o+4:]))
	o += 8
	for _, v := range []*int64{&f.CreationTime, &f.RetentionTime, &f.ExpirationTime, &f.AutoCloseTime, &f.DeletionTime} {
		*v = int64(be.Uint64(b[o:]))
		o += 8
	}
	f.ChecksumAlg = checksum.Algorithm(b[o])
	o++
	f.NumPrecedingChecksums = int32(be.Uint32(b[o:]))
	o += 4
	o += copy(f.Metadata[:], b[o:])
	o += copy(f.ContentHash[:], b[o:])

	f.RefCount = int32(be.Uint32(b[o:]))
	f.MaxRefCount = int32(be.Uint32(b[o+4:]))
	o += 8
	o += copy(f.DeletedRefs[:], b[o:])
	f.Checksum = be.Uint32(b[o:])
	return f, nil
}

// IsConsistent recomputes the checksum over the fields with the checksum
// zeroed and compares it to the stored one.
func (f *Footer) IsConsistent() bool {
	return f.computeChecksum() == f.Checksum
}
