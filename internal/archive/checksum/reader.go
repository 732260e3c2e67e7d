package checksum

import (
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheBlocks is the number of decoded blocks a Reader keeps.
const DefaultCacheBlocks = 16

// Storage is the file access a Reader needs.
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

// Reader verifies reads of a finished fragment's data region against its
// checksum blocks. Decoded blocks are cached.
type Reader struct {
	g       Geometry
	src     Storage
	logical int64
	cache   *lru.Cache[int64, *Block]
}

// NewReader wraps src, whose data region holds logical bytes of data.
func NewReader(g Geometry, src Storage, logical int64, cacheBlocks int) *Reader {
	if cacheBlocks <= 0 {
		cacheBlocks = DefaultCacheBlocks
	}
	cache, _ := lru.New[int64, *Block](cacheBlocks)
	return &Reader{g: g, src: src, logical: logical, cache: cache}
}

// Logical is the length of the data the reader covers.
func (r *Reader) Logical() int64 {
	return r.logical
}

// blockOffset is where block j lives in the file.
func (r *Reader) blockOffset(j int64) int64 {
	if j == 0 {
		return r.g.Physical(r.logical-1) + 1
	}
	return r.g.InlineOffset(j)
}

// Block returns decoded block j, loading it on first use.
func (r *Reader) Block(j int64) (*Block, error) {
	if b, ok := r.cache.Get(j); ok {
		return b, nil
	}
	p := make([]byte, r.g.BlockSize)
	if _, err := r.src.ReadAt(p, r.blockOffset(j)); err != nil {
		return nil, fmt.Errorf("read checksum block %d: %w", j, err)
	}
	b, err := DecodeBlock(p, r.g, j)
	if err != nil {
		return nil, err
	}
	r.cache.Add(j, b)
	return b, nil
}

// readRaw reads logical bytes [off, off+len(p)) without verification,
// skipping inline blocks.
func (r *Reader) readRaw(p []byte, off int64) error {
	span := r.g.Span()
	for len(p) > 0 {
		n := int64(len(p))
		if r.g.Enabled() {
			n = min(n, span-off%span)
		}
		if _, err := r.src.ReadAt(p[:n], r.g.Physical(off)); err != nil {
			return err
		}
		p = p[n:]
		off += n
	}
	return nil
}

// ReadAt reads logical data and verifies every unit it touches. On a
// mismatch nothing is copied into p. Reads past the end are cut short and
// return io.EOF.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.logical {
		return 0, io.EOF
	}
	want := min(int64(len(p)), r.logical-off)
	var eof error
	if want < int64(len(p)) {
		eof = io.EOF
	}
	if !r.g.Enabled() {
		if err := r.readRaw(p[:want], off); err != nil {
			return 0, err
		}
		return int(want), eof
	}

	unit := r.g.Unit
	start := off - off%unit
	end := min((off+want+unit-1)/unit*unit, r.logical)
	scratch := make([]byte, end-start)
	if err := r.readRaw(scratch, start); err != nil {
		return 0, err
	}
	if err := r.verify(scratch, start); err != nil {
		return 0, err
	}
	copy(p[:want], scratch[off-start:])
	return int(want), eof
}

// verify checks unit-aligned data starting at logical offset start.
func (r *Reader) verify(p []byte, start int64) error {
	span := r.g.Span()
	for len(p) > 0 {
		j := start / span
		n := min(int64(len(p)), span-start%span)
		b, err := r.Block(j)
		if err != nil {
			return err
		}
		if err := b.Verify(p[:n], int((start%span)/r.g.Unit)); err != nil {
			r.cache.Remove(j)
			return fmt.Errorf("at offset %d: %w", start, err)
		}
		p = p[n:]
		start += n
	}
	return nil
}

// Rewrite writes p at logical offset off and refreshes the checksums of
// the units it covers. off must be unit aligned and p must end on a unit
// boundary or at the end of the data. A block that no longer decodes is
// rebuilt only when p covers its whole span.
func (r *Reader) Rewrite(p []byte, off int64) error {
	if !r.g.Enabled() {
		_, err := r.src.WriteAt(p, off)
		return err
	}
	unit := r.g.Unit
	end := off + int64(len(p))
	if off%unit != 0 || (end%unit != 0 && end != r.logical) || end > r.logical {
		return fmt.Errorf("rewrite [%d,%d) is not unit aligned", off, end)
	}

	span := r.g.Span()
	for len(p) > 0 {
		j := off / span
		n := min(int64(len(p)), span-off%span)
		seg := p[:n]

		b, err := r.Block(j)
		if err != nil {
			spanEnd := min((j+1)*span, r.logical)
			if off%span != 0 || off+n < spanEnd {
				return fmt.Errorf("rebuild block %d: %w", j, err)
			}
			b = newBlock(r.g, j)
		}
		first := int((off % span) / unit)
		for i := int64(0); i < n; i += unit {
			b.Set(first+int(i/unit), r.g.Alg.Sum(seg[i:min(i+unit, n)]))
		}

		if _, err := r.src.WriteAt(seg, r.g.Physical(off)); err != nil {
			return fmt.Errorf("write data at %d: %w", off, err)
		}
		if _, err := r.src.WriteAt(b.Encode(r.g.BlockSize), r.blockOffset(j)); err != nil {
			return fmt.Errorf("write checksum block %d: %w", j, err)
		}
		r.cache.Add(j, b)

		p = p[n:]
		off += n
	}
	return nil
}
