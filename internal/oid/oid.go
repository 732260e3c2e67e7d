// Package oid defines the object identifiers used to address chunks and
// their fragments in the archive.
package oid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Size is the length of the binary form of an ID.
const Size = 16 + 4 + 4

// ErrInvalid is returned when an ID cannot be parsed or decoded.
var ErrInvalid = errors.New("invalid object id")

// ID identifies one chunk of an object. All chunks of an object share the
// same UID; each chunk has its own layout map.
type ID struct {
	UID      uuid.UUID
	LayoutID int32
	Chunk    int32
}

// Null is the zero ID. It is used as "no link" in footers.
var Null ID

// New returns a fresh chunk-0 ID placed on the given layout map.
func New(layoutID int32) ID {
	return ID{UID: uuid.New(), LayoutID: layoutID}
}

// IsNull reports whether id is the zero ID.
func (id ID) IsNull() bool {
	return id == Null
}

// ForChunk returns the ID of chunk c of the same object. Chunk c of an
// object created on map L is placed on map L+c.
func (id ID) ForChunk(c int32) ID {
	base := id.Base()
	return ID{UID: base.UID, LayoutID: base.LayoutID + c, Chunk: c}
}

// Base returns the chunk-0 ID of the object.
func (id ID) Base() ID {
	return ID{UID: id.UID, LayoutID: id.LayoutID - id.Chunk}
}

// String renders the ID as "<uuid>.<layout>.<chunk>". The first eight
// characters are the leading hex digits of the UID.
func (id ID) String() string {
	return id.UID.String() + "." + strconv.FormatInt(int64(id.LayoutID), 10) + "." + strconv.FormatInt(int64(id.Chunk), 10)
}

// Parse parses the form produced by String. A bare UUID parses as chunk 0
// on layout map 0.
func Parse(s string) (ID, error) {
	parts := strings.Split(s, ".")
	u, err := uuid.Parse(parts[0])
	if err != nil {
		return Null, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	id := ID{UID: u}
	switch len(parts) {
	case 1:
		return id, nil
	case 3:
		layout, err := strconv.ParseInt(parts[1], 10, 32)
		if err != nil {
			return Null, fmt.Errorf("%w: layout %q", ErrInvalid, parts[1])
		}
		chunk, err := strconv.ParseInt(parts[2], 10, 32)
		if err != nil || chunk < 0 {
			return Null, fmt.Errorf("%w: chunk %q", ErrInvalid, parts[2])
		}
		id.LayoutID = int32(layout)
		id.Chunk = int32(chunk)
		return id, nil
	default:
		return Null, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
}

// Put writes the binary form of id into b, which must hold at least Size bytes.
func (id ID) Put(b []byte) {
	copy(b[:16], id.UID[:])
	binary.BigEndian.PutUint32(b[16:20], uint32(id.LayoutID))
	binary.BigEndian.PutUint32(b[20:24], uint32(id.Chunk))
}

// FromBytes decodes an ID from the first Size bytes of b.
func FromBytes(b []byte) (ID, error) {
	if len(b) < Size {
		return Null, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalid, Size, len(b))
	}
	var id ID
	copy(id.UID[:], b[:16])
	id.LayoutID = int32(binary.BigEndian.Uint32(b[16:20]))
	id.Chunk = int32(binary.BigEndian.Uint32(b[20:24]))
	return id, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (id ID) MarshalBinary() ([]byte, error) {
	b := make([]byte, Size)
	id.Put(b)
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (id *ID) UnmarshalBinary(b []byte) error {
	v, err := FromBytes(b)
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
