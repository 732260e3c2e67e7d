// Package bloom is the fixed-size filter stored in a fragment footer that
// records which referrers have already decremented the fragment's
// reference count.
package bloom

import (
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"

	"github.com/tunnelmesh/oarchive/internal/oid"
)

const (
	// Bits is the filter width. It is part of the footer format.
	Bits = 1024
	// Size is the encoded filter length in bytes.
	Size = Bits / 8
	// K is the number of bit positions per key.
	K = 3
	// KeyLength is how much of an object id string makes up a key.
	KeyLength = 8
)

// Filter is the on-disk bit vector. The zero value is empty.
type Filter [Size]byte

// Key derives the filter key of an object id: the first KeyLength
// characters of its string form.
func Key(id oid.ID) string {
	return id.String()[:KeyLength]
}

// positions uses double hashing over the two halves of one 64-bit hash.
func positions(key string) [K]uint32 {
	h := xxhash.Sum64String(key)
	h1, h2 := uint32(h), uint32(h>>32)|1
	var out [K]uint32
	for i := range out {
		out[i] = (h1 + uint32(i)*h2) % Bits
	}
	return out
}

// Add records key.
func (f *Filter) Add(key string) {
	for _, p := range positions(key) {
		f[p/8] |= 1 << (p % 8)
	}
}

// Has reports whether key may have been added. It never returns false for
// a key that was added.
func (f *Filter) Has(key string) bool {
	for _, p := range positions(key) {
		if f[p/8]&(1<<(p%8)) == 0 {
			return false
		}
	}
	return true
}

// Reset clears the filter.
func (f *Filter) Reset() {
	*f = Filter{}
}

// OnesCount is the number of set bits.
func (f *Filter) OnesCount() int {
	n := 0
	for i := 0; i < Size; i += 8 {
		n += bits.OnesCount64(binary.LittleEndian.Uint64(f[i:]))
	}
	return n
}

// FalsePositiveRate is the expected false positive rate after n distinct
// keys were added. At 50 keys it is about 0.25%.
func FalsePositiveRate(n int) float64 {
	return math.Pow(1-math.Exp(-float64(K*n)/Bits), K)
}
