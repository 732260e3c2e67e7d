package archive

import (
	"context"
	"fmt"
	"io"

	"github.com/tunnelmesh/oarchive/internal/archive/footer"
	"github.com/tunnelmesh/oarchive/internal/oid"
)

// Reader reads a stored object. Chunk sets are opened on first use and
// decoded blocks go through the client's block cache.
type Reader struct {
	c    *Client
	ctx  context.Context
	link oid.ID
	data oid.ID
	fts  []*footer.Footer
	size int64
	heal bool
	sets map[int32]*FragmentSet
}

// Open prepares the object behind link for reading.
func (c *Client) Open(ctx context.Context, link oid.ID) (*Reader, error) {
	fts, dataBase, err := c.resolve(ctx, link, OpenOptions{})
	if err != nil {
		return nil, err
	}
	return &Reader{
		c:    c,
		ctx:  ctx,
		link: link.Base(),
		data: dataBase,
		fts:  fts,
		size: fts[len(fts)-1].ObjectSize,
		heal: c.env.Settings.Heal.Rate > 0,
		sets: make(map[int32]*FragmentSet),
	}, nil
}

// Get writes the object behind link to w.
func (c *Client) Get(ctx context.Context, link oid.ID, w io.Writer) (int64, error) {
	r, err := c.Open(ctx, link)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return io.Copy(w, io.NewSectionReader(r, 0, r.Size()))
}

// Size is the object's length.
func (r *Reader) Size() int64 {
	return r.size
}

// ContentHash is the object hash recorded at store time.
func (r *Reader) ContentHash() []byte {
	return append([]byte(nil), r.fts[len(r.fts)-1].ContentHash[:]...)
}

func (r *Reader) chunkSet(chunk int32) (*FragmentSet, error) {
	if set, ok := r.sets[chunk]; ok {
		return set, nil
	}
	set, _, err := r.c.openChunk(r.ctx, r.data.ForChunk(chunk), r.fts[chunk], OpenOptions{})
	if err != nil {
		return nil, err
	}
	r.sets[chunk] = set
	return set, nil
}

// block returns the decoded block starting at object offset off.
func (r *Reader) block(off int64) ([]byte, error) {
	s := r.c.env.Settings
	cb := s.ChunkBytes()
	chunk := int32(off / cb)
	key := blockKey{chunk: r.data.ForChunk(chunk), off: off % cb}
	if r.c.blocks != nil {
		if b, ok := r.c.blocks.Get(key); ok {
			r.c.env.Metrics.RecordBlockCache(true)
			return b, nil
		}
		r.c.env.Metrics.RecordBlockCache(false)
	}

	set, err := r.chunkSet(chunk)
	if err != nil {
		return nil, err
	}
	n := min(int64(s.BlockSize), r.size-off)
	buf := make([]byte, blockLength(n, set.data))
	errs, err := r.c.frag.ReadAndDefragment(r.ctx, set, buf, key.off, len(buf), ReadOptions{ObjectSize: r.size, Heal: r.heal})
	if err != nil {
		return nil, err
	}
	if errs > 0 {
		r.c.logger.Debug().Str("oid", key.chunk.String()).Int64("offset", key.off).Int("errors", errs).Msg("block rebuilt")
	}
	b := buf[:n]
	if r.c.blocks != nil {
		r.c.blocks.Add(key, b)
	}
	return b, nil
}

// ReadAt implements io.ReaderAt.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrInvalidArgument)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	bs := int64(r.c.env.Settings.BlockSize)
	n := 0
	for n < len(p) && off < r.size {
		start := off - off%bs
		b, err := r.block(start)
		if err != nil {
			return n, err
		}
		k := copy(p[n:], b[off-start:])
		n += k
		off += int64(k)
	}
	r.c.env.Metrics.RecordRetrieved(int64(n))
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close releases the open chunk sets.
func (r *Reader) Close() error {
	for _, set := range r.sets {
		set.Close()
	}
	r.sets = nil
	return nil
}
