package checksum

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerSize = 12
	trailSize  = 4

	// Overhead is the fixed part of a block: header plus self checksum.
	Overhead = headerSize + trailSize

	maxEntries = 1<<16 - 1
)

var (
	// ErrMismatch is returned when data does not match its stored checksum.
	ErrMismatch = errors.New("checksum mismatch")

	// ErrBadBlock is returned when a checksum block fails its own check or
	// does not describe the expected span.
	ErrBadBlock = errors.New("invalid checksum block")
)

// Block holds the checksums of one span of a fragment's data, one entry per
// unit. Encoded, it is:
//
//	alg u8 | 0 u8 | count u16 | index u32 | unit u32 | entries u32... | adler32 u32
//
// The trailing Adler-32 covers everything before it, so a blank placeholder
// of zero bytes never decodes.
type Block struct {
	Alg   Algorithm
	Index uint32
	Unit  uint32
	Sums  []uint32
}

func newBlock(g Geometry, index int64) *Block {
	return &Block{
		Alg:   g.Alg,
		Index: uint32(index),
		Unit:  uint32(g.Unit),
		Sums:  make([]uint32, 0, g.Entries),
	}
}

// Encode renders b into a block of size bytes.
func (b *Block) Encode(size int) []byte {
	out := make([]byte, size)
	out[0] = byte(b.Alg)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(b.Sums)))
	binary.BigEndian.PutUint32(out[4:8], b.Index)
	binary.BigEndian.PutUint32(out[8:12], b.Unit)
	for i, s := range b.Sums {
		binary.BigEndian.PutUint32(out[headerSize+4*i:], s)
	}
	binary.BigEndian.PutUint32(out[size-trailSize:], Adler32.Sum(out[:size-trailSize]))
	return out
}

// DecodeBlock parses and validates an encoded block against g and the
// expected block index.
func DecodeBlock(p []byte, g Geometry, index int64) (*Block, error) {
	if len(p) != g.BlockSize {
		return nil, fmt.Errorf("%w: size %d, want %d", ErrBadBlock, len(p), g.BlockSize)
	}
	want := binary.BigEndian.Uint32(p[len(p)-trailSize:])
	if got := Adler32.Sum(p[:len(p)-trailSize]); got != want {
		return nil, fmt.Errorf("%w: block %d self checksum %08x, stored %08x", ErrBadBlock, index, got, want)
	}
	b := &Block{
		Alg:   Algorithm(p[0]),
		Index: binary.BigEndian.Uint32(p[4:8]),
		Unit:  binary.BigEndian.Uint32(p[8:12]),
	}
	count := int(binary.BigEndian.Uint16(p[2:4]))
	switch {
	case b.Alg != g.Alg:
		return nil, fmt.Errorf("%w: block %d algorithm %s, want %s", ErrBadBlock, index, b.Alg, g.Alg)
	case int64(b.Index) != index:
		return nil, fmt.Errorf("%w: block index %d, want %d", ErrBadBlock, b.Index, index)
	case int64(b.Unit) != g.Unit:
		return nil, fmt.Errorf("%w: block %d unit %d, want %d", ErrBadBlock, index, b.Unit, g.Unit)
	case count > g.Entries:
		return nil, fmt.Errorf("%w: block %d has %d entries, max %d", ErrBadBlock, index, count, g.Entries)
	}
	b.Sums = make([]uint32, count, g.Entries)
	for i := range b.Sums {
		b.Sums[i] = binary.BigEndian.Uint32(p[headerSize+4*i:])
	}
	return b, nil
}

// Set stores the checksum of unit i, growing the entry list if needed.
func (b *Block) Set(i int, sum uint32) {
	for len(b.Sums) <= i {
		b.Sums = append(b.Sums, 0)
	}
	b.Sums[i] = sum
}

// Verify checks p, which starts at unit first of the block's span.
func (b *Block) Verify(p []byte, first int) error {
	unit := int(b.Unit)
	for i := 0; len(p) > 0; i++ {
		n := min(unit, len(p))
		idx := first + i
		if idx >= len(b.Sums) {
			return fmt.Errorf("%w: block %d has no entry for unit %d", ErrMismatch, b.Index, idx)
		}
		if got := b.Alg.Sum(p[:n]); got != b.Sums[idx] {
			return fmt.Errorf("%w: block %d unit %d: got %08x, stored %08x", ErrMismatch, b.Index, idx, got, b.Sums[idx])
		}
		p = p[n:]
	}
	return nil
}
