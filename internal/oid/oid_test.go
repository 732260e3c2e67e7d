package oid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_StringParseRoundTrip(t *testing.T) {
	id := New(7).ForChunk(3)

	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Equal(t, int32(10), parsed.LayoutID)
	assert.Equal(t, int32(3), parsed.Chunk)
}

func TestID_BareUUID(t *testing.T) {
	id := New(0)
	parsed, err := Parse(id.UID.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestID_ParseInvalid(t *testing.T) {
	for _, s := range []string{"", "nope", "6ba7b810-9dad-11d1-80b4-00c04fd430c8.1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8.x.0", "6ba7b810-9dad-11d1-80b4-00c04fd430c8.1.-2"} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrInvalid, "input %q", s)
	}
}

func TestID_BinaryRoundTrip(t *testing.T) {
	id := New(-4).ForChunk(2)
	b, err := id.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, Size)

	var got ID
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, id, got)

	_, err = FromBytes(b[:Size-1])
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestID_ChunkAndBase(t *testing.T) {
	base := New(5)
	c2 := base.ForChunk(2)
	assert.Equal(t, base, c2.Base())
	assert.Equal(t, base, c2.ForChunk(0))
	assert.Equal(t, c2, c2.ForChunk(4).ForChunk(2))
	assert.True(t, Null.IsNull())
	assert.False(t, base.IsNull())
}

func TestID_StringPrefixIsUUIDPrefix(t *testing.T) {
	id := New(1)
	assert.Equal(t, id.UID.String()[:8], id.String()[:8])
}
