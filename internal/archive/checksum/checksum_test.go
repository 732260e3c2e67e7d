package checksum

import (
	"bytes"
	"io"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	b []byte
}

func (m *memStore) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.b)) {
		return 0, io.EOF
	}
	n := copy(p, m.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memStore) WriteAt(p []byte, off int64) (int, error) {
	if end := off + int64(len(p)); end > int64(len(m.b)) {
		m.b = append(m.b, make([]byte, end-int64(len(m.b)))...)
	}
	return copy(m.b[off:], p), nil
}

func (m *memStore) apply(s Splice) {
	for _, b := range s.Out {
		m.b = append(m.b, b...)
	}
	for _, p := range s.Flush {
		_, _ = m.WriteAt(p.Data, p.Offset)
	}
}

func (m *memStore) finish(t *testing.T, c *Context) int {
	t.Helper()
	pending := c.Finish()
	for _, p := range pending {
		if p.InPlace {
			_, _ = m.WriteAt(p.Data, p.Offset)
		} else {
			m.b = append(m.b, p.Data...)
		}
	}
	return len(pending)
}

func randBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rand.IntN(256))
	}
	return b
}

// 4 entries of 64 bytes: a span of 256 bytes and 32-byte blocks.
func testGeometry(t *testing.T, alg Algorithm) Geometry {
	t.Helper()
	g, err := NewGeometry(alg, 64, Overhead+4*4)
	require.NoError(t, err)
	require.Equal(t, int64(256), g.Span())
	return g
}

func TestAlgorithms(t *testing.T) {
	data := []byte("the quick brown fox")
	for _, a := range []Algorithm{Adler32, CRC32C, XXHash} {
		t.Run(a.String(), func(t *testing.T) {
			sum := a.Sum(data)
			assert.NotZero(t, sum)
			assert.Equal(t, sum, a.Sum(data))
			assert.NotEqual(t, sum, a.Sum([]byte("the quick brown fix")))

			parsed, err := ParseAlgorithm(a.String())
			require.NoError(t, err)
			assert.Equal(t, a, parsed)
		})
	}
	assert.Zero(t, None.Sum(data))
	assert.Equal(t, uint32(0x478e0734), Adler32.Sum(data), "adler32 matches the standard checksum")

	_, err := ParseAlgorithm("md5")
	assert.Error(t, err)
}

func TestBlock_PlaceholderNeverDecodes(t *testing.T) {
	g := testGeometry(t, Adler32)
	_, err := DecodeBlock(make([]byte, g.BlockSize), g, 1)
	assert.ErrorIs(t, err, ErrBadBlock)
}

func TestBlock_EncodeDecode(t *testing.T) {
	g := testGeometry(t, CRC32C)
	b := newBlock(g, 3)
	b.Sums = append(b.Sums, 1, 2, 3)

	enc := b.Encode(g.BlockSize)
	got, err := DecodeBlock(enc, g, 3)
	require.NoError(t, err)
	assert.Equal(t, b.Sums, got.Sums)

	_, err = DecodeBlock(enc, g, 2)
	assert.ErrorIs(t, err, ErrBadBlock, "wrong index")

	enc[headerSize] ^= 1
	_, err = DecodeBlock(enc, g, 3)
	assert.ErrorIs(t, err, ErrBadBlock, "self checksum")
}

func TestGeometry_Invalid(t *testing.T) {
	_, err := NewGeometry(Adler32, 0, 64)
	assert.Error(t, err)
	_, err = NewGeometry(Adler32, 64, Overhead)
	assert.Error(t, err)
	_, err = NewGeometry(Adler32, 64, Overhead+3)
	assert.Error(t, err)
	_, err = NewGeometry(Algorithm(9), 64, 64)
	assert.Error(t, err)

	g, err := NewGeometry(None, 0, 0)
	require.NoError(t, err)
	assert.False(t, g.Enabled())
	assert.Equal(t, int64(1000), g.Physical(1000))
}

func TestContext_SpliceAcrossBoundaries(t *testing.T) {
	g := testGeometry(t, Adler32)

	tests := []struct {
		name    string
		appends []int
		pending int
	}{
		{"empty", nil, 0},
		{"partial unit", []int{10}, 1},
		{"exactly one span", []int{256}, 1},
		{"straddles first boundary", []int{200, 100}, 2},
		{"single large append", []int{1000}, 2},
		{"ends on a boundary", []int{128, 128, 256}, 2},
		{"odd sizes", []int{1, 63, 65, 300, 7, 99}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewContext(g)
			store := &memStore{}
			var data []byte
			for _, n := range tt.appends {
				chunk := randBytes(n)
				data = append(data, chunk...)
				store.apply(c.Update(chunk))
			}
			assert.Equal(t, tt.pending, store.finish(t, c))

			logical := int64(len(data))
			assert.Equal(t, logical+c.Count()*int64(g.BlockSize), int64(len(store.b)))
			assert.Equal(t, logical, g.Logical(int64(len(store.b)), c.Count()))

			if logical > g.Span() {
				_, err := DecodeBlock(store.b[g.InlineOffset(1):g.InlineOffset(1)+int64(g.BlockSize)], g, 1)
				assert.NoError(t, err, "placeholder 1 was filled in")
			}

			r := NewReader(g, store, logical, 0)
			got := make([]byte, len(data))
			if logical > 0 {
				n, err := r.ReadAt(got, 0)
				require.NoError(t, err)
				assert.Equal(t, len(data), n)
			}
			assert.True(t, bytes.Equal(data, got))
		})
	}
}

func TestReader_UnalignedAndShortReads(t *testing.T) {
	g := testGeometry(t, XXHash)
	c := NewContext(g)
	store := &memStore{}
	data := randBytes(700)
	store.apply(c.Update(data))
	store.finish(t, c)

	r := NewReader(g, store, int64(len(data)), 2)
	for _, tc := range []struct{ off, n int }{{0, 1}, {3, 250}, {250, 20}, {255, 300}, {600, 100}} {
		p := make([]byte, tc.n)
		n, err := r.ReadAt(p, int64(tc.off))
		require.NoError(t, err)
		assert.Equal(t, tc.n, n)
		assert.Equal(t, data[tc.off:tc.off+tc.n], p)
	}

	p := make([]byte, 50)
	n, err := r.ReadAt(p, 680)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 20, n)
	assert.Equal(t, data[680:], p[:20])

	_, err = r.ReadAt(p, 700)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_DetectsCorruption(t *testing.T) {
	g := testGeometry(t, Adler32)
	c := NewContext(g)
	store := &memStore{}
	data := randBytes(600)
	store.apply(c.Update(data))
	store.finish(t, c)

	// Flip a byte in span 1, unit 1.
	store.b[g.Physical(256+70)] ^= 0xff

	r := NewReader(g, store, int64(len(data)), 0)
	p := make([]byte, 64)
	_, err := r.ReadAt(p, 0)
	require.NoError(t, err, "span 0 is intact")

	p = bytes.Repeat([]byte{0xaa}, 100)
	_, err = r.ReadAt(p, 300)
	assert.ErrorIs(t, err, ErrMismatch)
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, 100), p, "no partial data delivered")

	// A corrupt block 0 shows up as a bad block.
	blk0 := g.Physical(int64(len(data))-1) + 1
	store.b[blk0+headerSize] ^= 0xff
	r = NewReader(g, store, int64(len(data)), 0)
	_, err = r.ReadAt(make([]byte, 10), 0)
	assert.ErrorIs(t, err, ErrBadBlock)
}

func TestReader_Rewrite(t *testing.T) {
	g := testGeometry(t, Adler32)
	c := NewContext(g)
	store := &memStore{}
	data := randBytes(640)
	store.apply(c.Update(data))
	store.finish(t, c)
	logical := int64(len(data))

	store.b[g.Physical(300)] ^= 0xff
	r := NewReader(g, store, logical, 0)
	_, err := r.ReadAt(make([]byte, 10), 300)
	require.ErrorIs(t, err, ErrMismatch)

	require.NoError(t, r.Rewrite(data[256:512], 256))
	got := make([]byte, logical)
	_, err = NewReader(g, store, logical, 0).ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// New content at the tail, ending at the data end.
	fresh := randBytes(128)
	require.NoError(t, r.Rewrite(fresh, 512))
	_, err = NewReader(g, store, logical, 0).ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, fresh, got[512:])

	assert.Error(t, r.Rewrite(fresh[:10], 3), "unaligned")
}

func TestContext_Disabled(t *testing.T) {
	g, err := NewGeometry(None, 0, 0)
	require.NoError(t, err)
	c := NewContext(g)
	s := c.Update([]byte("abc"))
	assert.Len(t, s.Out, 1)
	assert.Empty(t, s.Flush)
	assert.Nil(t, c.Finish())
	assert.Zero(t, c.Count())
}
