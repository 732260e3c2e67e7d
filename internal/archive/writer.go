package archive

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"time"

	"github.com/tunnelmesh/oarchive/internal/archive/footer"
	"github.com/tunnelmesh/oarchive/internal/oid"
)

var errWriterClosed = errors.New("writer closed")

// Writer streams one object into the archive. Chunks stay in temporary
// storage until Close commits them all and writes the link object.
type Writer struct {
	c    *Client
	ctx  context.Context
	opts PutOptions

	data  oid.ID
	link  oid.ID
	hash  hash.Hash
	start time.Time
	buf   []byte
	size  int64
	block int

	set    *FragmentSet
	closed []*FragmentSet
	err    error
	done   bool
}

// Create starts a new object. The returned Writer must be closed or
// aborted.
func (c *Client) Create(ctx context.Context, opts PutOptions) (*Writer, error) {
	h, err := newContentHash(c.env.Settings.ContentHash)
	if err != nil {
		return nil, err
	}
	if len(opts.Metadata) > footer.MetadataLength {
		return nil, fmt.Errorf("%w: metadata is %d bytes, at most %d", ErrInvalidArgument, len(opts.Metadata), footer.MetadataLength)
	}
	return &Writer{
		c:     c,
		ctx:   ctx,
		opts:  opts,
		data:  c.newObjectID(),
		hash:  h,
		start: c.env.Now(),
		buf:   make([]byte, 0, c.env.Settings.BlockSize),
	}, nil
}

// DataID is the id of the data object being written, for StoreProgress
// and AbortStore.
func (w *Writer) DataID() oid.ID {
	return w.data
}

// ID is the link id of the stored object, valid after Close.
func (w *Writer) ID() oid.ID {
	return w.link
}

// Size is the number of bytes written so far.
func (w *Writer) Size() int64 {
	return w.size + int64(len(w.buf))
}

// Write buffers p, storing every block once it is full and more data
// follows it.
func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, errWriterClosed
	}
	if w.err != nil {
		return 0, w.err
	}
	bs := cap(w.buf)
	n := 0
	for len(p) > 0 {
		if len(w.buf) == bs {
			if err := w.flush(false); err != nil {
				w.fail(err)
				return n, err
			}
		}
		k := copy(w.buf[len(w.buf):bs], p)
		w.buf = w.buf[:len(w.buf)+k]
		p = p[k:]
		n += k
	}
	return n, nil
}

func (w *Writer) fail(err error) {
	w.err = err
	w.c.env.Audit.LogStore(w.data.String(), w.Size(), len(w.closed), "error", err.Error())
	w.abort()
}

// flush stores the buffered block, moving on to a new chunk first when
// the current one is full.
func (w *Writer) flush(final bool) error {
	s := w.c.env.Settings
	if w.set == nil || w.block == s.ChunkBlocks {
		if w.set != nil {
			if err := w.closeChunk(footer.MoreChunks, nil); err != nil {
				return err
			}
		}
		if err := w.openChunk(); err != nil {
			return err
		}
	}
	err := w.c.frag.FragmentAndAppend(w.ctx, w.set, w.buf, AppendOptions{Block: w.block, Final: final, Hash: w.hash})
	if err != nil {
		return err
	}
	w.block++
	w.size += int64(len(w.buf))
	w.buf = w.buf[:0]
	return nil
}

func (w *Writer) openChunk() error {
	id := w.data.ForChunk(int32(len(w.closed)))
	set, err := w.c.chunkSet(id, nil)
	if err != nil {
		return err
	}
	if cr, ok := w.c.env.Layouts.(CapacityReporter); ok {
		need := w.c.env.Settings.ChunkBytes() / int64(w.c.env.Settings.Data)
		if !cr.Capacity().HasCapacityFor(set.Layout(), need) {
			return fmt.Errorf("%w: chunk %d: not enough free space on its disks", ErrStorage, id.Chunk)
		}
	}
	err = set.Create(w.ctx, w.c.shape(), CreateOptions{Retention: w.opts.Retention, Metadata: w.opts.Metadata})
	if err != nil {
		return fmt.Errorf("chunk %d: %w", id.Chunk, err)
	}
	w.set, w.block = set, 0
	return nil
}

func (w *Writer) closeChunk(objectSize int64, sum []byte) error {
	set := w.set
	if err := set.WriteFooterAndClose(w.ctx, objectSize, sum); err != nil {
		return fmt.Errorf("chunk %d: %w", set.id.Chunk, err)
	}
	w.closed = append(w.closed, set)
	w.set = nil

	sc, err := MarshalStoreContext(StoreContext{
		Object:      w.data,
		ChunksDone:  len(w.closed),
		BytesDone:   w.size,
		BlockSize:   w.c.env.Settings.BlockSize,
		ChunkBlocks: w.c.env.Settings.ChunkBlocks,
		Started:     w.start,
	})
	if err == nil {
		err = set.SaveContext(w.ctx, sc)
	}
	if err != nil {
		w.c.logger.Warn().Err(err).Str("oid", set.id.String()).Msg("store context not saved")
	}
	return nil
}

// Close stores the last block, commits every chunk and writes the link
// object.
func (w *Writer) Close() error {
	if w.done {
		return w.err
	}
	if w.err != nil {
		w.done = true
		return w.err
	}
	w.done = true
	if err := w.finish(); err != nil {
		w.fail(err)
		return err
	}

	link, err := w.c.writeLinks(w.ctx, w.data, len(w.closed), w.size, w.digest(), w.opts)
	if err != nil {
		w.c.deleteChunks(w.ctx, w.data, len(w.closed))
		w.err = err
		w.c.env.Audit.LogStore(w.data.String(), w.size, len(w.closed), "error", err.Error())
		return err
	}
	w.link = link
	w.c.env.Metrics.RecordStored(w.size)
	w.c.env.Audit.LogStore(link.String(), w.size, len(w.closed), "ok", "data "+w.data.String())
	return nil
}

func (w *Writer) digest() []byte {
	if w.hash == nil {
		return nil
	}
	return w.hash.Sum(nil)
}

func (w *Writer) finish() error {
	if len(w.buf) > 0 || w.set == nil && len(w.closed) == 0 {
		if len(w.buf) == 0 {
			if err := w.openChunk(); err != nil {
				return err
			}
		} else if err := w.flush(true); err != nil {
			return err
		}
	}
	if err := w.closeChunk(w.size, w.digest()); err != nil {
		return err
	}
	for i, set := range w.closed {
		if err := set.CompleteCreate(w.ctx); err != nil {
			w.c.deleteChunks(w.ctx, w.data, i)
			return fmt.Errorf("commit chunk %d: %w", i, err)
		}
	}
	return nil
}

// Abort discards everything written.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.err = errWriterClosed
	w.abort()
}

func (w *Writer) abort() {
	if w.set != nil {
		w.set.AbortCreate()
		w.set = nil
	}
	for _, set := range w.closed {
		set.AbortCreate()
	}
}
