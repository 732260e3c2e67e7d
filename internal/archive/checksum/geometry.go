package checksum

import "fmt"

// Geometry fixes how checksums are laid out in a fragment. Logical data is
// cut into spans of Entries*Unit bytes. Block 0 covers span 0 and sits
// directly after the data region; block j >= 1 is stored inline right before
// the first byte of span j.
type Geometry struct {
	Alg       Algorithm
	Unit      int64
	BlockSize int
	Entries   int
}

// NewGeometry derives a geometry from a unit (bytes per checksum) and the
// encoded block size in bytes.
func NewGeometry(alg Algorithm, unit int64, blockSize int) (Geometry, error) {
	if !alg.Valid() {
		return Geometry{}, fmt.Errorf("unknown checksum algorithm %d", alg)
	}
	if alg == None {
		return Geometry{Alg: None}, nil
	}
	if unit <= 0 {
		return Geometry{}, fmt.Errorf("bytes per checksum must be positive, got %d", unit)
	}
	entries := (blockSize - Overhead) / 4
	if blockSize <= Overhead || (blockSize-Overhead)%4 != 0 {
		return Geometry{}, fmt.Errorf("checksum block size %d must be %d plus a multiple of 4", blockSize, Overhead)
	}
	if entries > maxEntries {
		return Geometry{}, fmt.Errorf("checksum block size %d holds more than %d entries", blockSize, maxEntries)
	}
	return Geometry{Alg: alg, Unit: unit, BlockSize: blockSize, Entries: entries}, nil
}

// Enabled reports whether data is checksummed at all.
func (g Geometry) Enabled() bool {
	return g.Alg != None
}

// Span is the number of logical bytes covered by one block.
func (g Geometry) Span() int64 {
	return int64(g.Entries) * g.Unit
}

// Physical maps a logical data offset to its offset in the file.
func (g Geometry) Physical(l int64) int64 {
	if !g.Enabled() {
		return l
	}
	return l + (l/g.Span())*int64(g.BlockSize)
}

// InlineOffset is the file offset of inline block j (j >= 1).
func (g Geometry) InlineOffset(j int64) int64 {
	return j*g.Span() + (j-1)*int64(g.BlockSize)
}

// Count is the number of blocks written for logical bytes of data.
func (g Geometry) Count(logical int64) int64 {
	if !g.Enabled() || logical <= 0 {
		return 0
	}
	return (logical + g.Span() - 1) / g.Span()
}

// Logical recovers the logical data length from the length of the data
// region plus blocks (everything before the footer) and the block count.
func (g Geometry) Logical(regionLen int64, count int64) int64 {
	if !g.Enabled() {
		return regionLen
	}
	return regionLen - count*int64(g.BlockSize)
}
