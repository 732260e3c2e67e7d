package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tunnelmesh/oarchive/internal/oid"
)

func TestFilter_NoFalseNegatives(t *testing.T) {
	var f Filter
	var keys []string
	for i := 0; i < 50; i++ {
		k := Key(oid.New(int32(i)))
		keys = append(keys, k)
		f.Add(k)
	}
	for _, k := range keys {
		assert.True(t, f.Has(k), k)
	}
	assert.LessOrEqual(t, f.OnesCount(), 50*K)
}

func TestFilter_EmptyAndReset(t *testing.T) {
	var f Filter
	assert.False(t, f.Has("6ba7b810"))
	f.Add("6ba7b810")
	assert.True(t, f.Has("6ba7b810"))
	f.Reset()
	assert.False(t, f.Has("6ba7b810"))
	assert.Zero(t, f.OnesCount())
}

func TestKey_UsesIDPrefix(t *testing.T) {
	id := oid.New(4)
	assert.Equal(t, id.UID.String()[:8], Key(id))
	assert.Equal(t, Key(id), Key(id.ForChunk(3)), "chunks of one object share a key")
}

func TestFalsePositiveRate(t *testing.T) {
	assert.InDelta(t, 0.0025, FalsePositiveRate(50), 0.0005)
	assert.Zero(t, FalsePositiveRate(0))

	// Measured rate stays in the same ballpark as the formula.
	var f Filter
	for i := 0; i < 50; i++ {
		f.Add(fmt.Sprintf("in%06d", i))
	}
	hits := 0
	const lookups = 20000
	for i := 0; i < lookups; i++ {
		if f.Has(fmt.Sprintf("ou%06d", i)) {
			hits++
		}
	}
	assert.Less(t, float64(hits)/lookups, 0.02)
}
