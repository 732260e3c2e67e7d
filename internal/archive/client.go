package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/oarchive/internal/archive/footer"
	"github.com/tunnelmesh/oarchive/internal/daal"
	"github.com/tunnelmesh/oarchive/internal/layout"
	"github.com/tunnelmesh/oarchive/internal/oid"
)

// placementCandidates is how many layout maps a new object chooses from.
const placementCandidates = 4

// MapChooser picks the layout map for a new object. layout.Static
// implements it.
type MapChooser interface {
	ChooseMapID(frags, candidates int) int32
}

// CapacityReporter exposes disk free space snapshots. Chunks are not
// started on layouts whose fullest disk cannot take one more fragment.
type CapacityReporter interface {
	Capacity() *layout.Capacity
}

type blockKey struct {
	chunk oid.ID
	off   int64
}

// Client stores and retrieves whole objects. Objects are split into
// chunks of Settings.ChunkBlocks blocks; chunk c of an object lives on
// layout map L+c. Callers only see link ids: a link object whose chunks
// point at the data object's chunks and carry no data.
type Client struct {
	env    *Env
	frag   *Fragmenter
	blocks *lru.Cache[blockKey, []byte]
	logger zerolog.Logger
}

// NewClient builds a client over env. A nil fragmenter gets a fresh one.
func NewClient(env *Env, frag *Fragmenter) (*Client, error) {
	if frag == nil {
		frag = NewFragmenter(env.Logger)
	}
	c := &Client{
		env:    env,
		frag:   frag,
		logger: env.Logger.With().Str("component", "client").Logger(),
	}
	if n := env.Settings.BlockCacheEntries; n > 0 {
		cache, err := lru.New[blockKey, []byte](n)
		if err != nil {
			return nil, fmt.Errorf("block cache: %w", err)
		}
		c.blocks = cache
	}
	return c, nil
}

// Env returns the client's environment.
func (c *Client) Env() *Env {
	return c.env
}

func (c *Client) newObjectID() oid.ID {
	var m int32
	if mc, ok := c.env.Layouts.(MapChooser); ok {
		m = mc.ChooseMapID(c.env.Settings.Width(), placementCandidates)
	}
	return oid.New(m)
}

func (c *Client) shape() Shape {
	s := c.env.Settings
	return Shape{Data: s.Data, Parity: s.Parity, FragmentSize: s.FragmentSize(), ChunkBlocks: s.ChunkBlocks}
}

// chunkSet places chunk id with the shape recorded in ft, or the
// configured shape when ft is nil.
func (c *Client) chunkSet(id oid.ID, ft *footer.Footer) (*FragmentSet, error) {
	data, parity := c.env.Settings.Data, c.env.Settings.Parity
	if ft != nil {
		data, parity = int(ft.Data), int(ft.Parity)
	}
	l, err := c.env.layoutFor(id, data+parity)
	if err != nil {
		return nil, err
	}
	return NewFragmentSet(c.env, id, data, parity, l), nil
}

// openChunk opens chunk id and returns its set and representative footer.
func (c *Client) openChunk(ctx context.Context, id oid.ID, ft *footer.Footer, opts OpenOptions) (*FragmentSet, *footer.Footer, error) {
	set, err := c.chunkSet(id, ft)
	if err != nil {
		return nil, nil, err
	}
	if err := set.Open(ctx, opts); err != nil {
		set.Close()
		return nil, nil, err
	}
	meta, err := set.SystemMetadata()
	if err != nil {
		set.Close()
		return nil, nil, err
	}
	return set, meta, nil
}

// chunkFooters walks the chunks of the object based at base until the one
// carrying the object size, returning one footer per chunk.
func (c *Client) chunkFooters(ctx context.Context, base oid.ID, opts OpenOptions) ([]*footer.Footer, error) {
	var out []*footer.Footer
	var prev *footer.Footer
	for chunk := int32(0); ; chunk++ {
		set, ft, err := c.openChunk(ctx, base.ForChunk(chunk), prev, opts)
		if err != nil {
			if chunk > 0 && errors.Is(err, ErrNoSuchObject) {
				return nil, fmt.Errorf("%w: chunk %d of %s missing: %w", ErrArchive, chunk, base, err)
			}
			return nil, err
		}
		set.Close()
		out = append(out, ft)
		if ft.ObjectSize != footer.MoreChunks {
			return out, nil
		}
		prev = ft
	}
}

// resolve returns the footers of a link object's chunks and the base id
// of the data object it points at.
func (c *Client) resolve(ctx context.Context, link oid.ID, opts OpenOptions) ([]*footer.Footer, oid.ID, error) {
	fts, err := c.chunkFooters(ctx, link.Base(), opts)
	if err != nil {
		return nil, oid.Null, err
	}
	if fts[0].LinkOID.IsNull() {
		return nil, oid.Null, fmt.Errorf("%w: %s is not a link object", ErrInvalidArgument, link)
	}
	return fts, fts[0].LinkOID.Base(), nil
}

// writeLinks stores a link object with one footer-only chunk per data
// chunk and returns its id.
func (c *Client) writeLinks(ctx context.Context, dataBase oid.ID, chunks int, size int64, hash []byte, opts PutOptions) (oid.ID, error) {
	linkBase := c.newObjectID()
	for chunk := 0; chunk < chunks; chunk++ {
		id := linkBase.ForChunk(int32(chunk))
		set, err := c.chunkSet(id, nil)
		if err != nil {
			c.deleteChunks(ctx, linkBase, chunk)
			return oid.Null, fmt.Errorf("link chunk %d: %w", chunk, err)
		}
		objectSize := int64(footer.MoreChunks)
		if chunk == chunks-1 {
			objectSize = size
		}
		err = set.Create(ctx, c.shape(), CreateOptions{
			Link:      dataBase.ForChunk(int32(chunk)),
			Retention: opts.Retention,
			Metadata:  opts.Metadata,
		})
		if err == nil {
			err = set.WriteFooterAndClose(ctx, objectSize, hash)
		}
		if err == nil {
			err = set.CompleteCreate(ctx)
		}
		if err != nil {
			set.AbortCreate()
			c.deleteChunks(ctx, linkBase, chunk)
			return oid.Null, fmt.Errorf("link chunk %d: %w", chunk, err)
		}
	}
	return linkBase, nil
}

// deleteChunks tombstones chunks [0, n) of the object based at base, for
// undoing a store that cannot complete. Deleting link chunks releases
// their references. Failures are logged; what is left is orphaned.
func (c *Client) deleteChunks(ctx context.Context, base oid.ID, n int) {
	now := c.env.Now()
	for chunk := 0; chunk < n; chunk++ {
		id := base.ForChunk(int32(chunk))
		set, err := c.chunkSet(id, nil)
		if err == nil {
			_, err = set.Delete(ctx, now)
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("oid", id.String()).Msg("could not undo chunk; left orphaned")
			c.env.Audit.LogDelete(id.String(), "orphaned", err.Error())
		}
	}
}

// PutOptions are the caller-supplied attributes of a new object.
type PutOptions struct {
	Retention time.Time
	Metadata  []byte
}

// Put stores everything read from r and returns the object's link id.
func (c *Client) Put(ctx context.Context, r io.Reader, opts PutOptions) (oid.ID, error) {
	w, err := c.Create(ctx, opts)
	if err != nil {
		return oid.Null, err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Abort()
		return oid.Null, err
	}
	if err := w.Close(); err != nil {
		return oid.Null, err
	}
	return w.ID(), nil
}

// Reference adds a reference to the data behind link and returns a new
// link id for it. Each data chunk gains one count before the new link is
// written; a failure part way leaves counts too high, never too low.
func (c *Client) Reference(ctx context.Context, link oid.ID, opts PutOptions) (oid.ID, error) {
	fts, dataBase, err := c.resolve(ctx, link, OpenOptions{})
	if err != nil {
		c.env.Audit.LogReference(link.String(), "", "error", err.Error())
		return oid.Null, err
	}
	for chunk, ft := range fts {
		set, err := c.chunkSet(dataBase.ForChunk(int32(chunk)), ft)
		if err == nil {
			err = set.IncRefCount(ctx)
		}
		if err != nil {
			c.env.Audit.LogReference(link.String(), "", "error", err.Error())
			return oid.Null, fmt.Errorf("reference chunk %d: %w", chunk, err)
		}
	}
	last := fts[len(fts)-1]
	newLink, err := c.writeLinks(ctx, dataBase, len(fts), last.ObjectSize, last.ContentHash[:], opts)
	if err != nil {
		c.env.Audit.LogReference(link.String(), "", "error", err.Error())
		return oid.Null, err
	}
	c.env.Audit.LogReference(link.String(), newLink.String(), "ok", "")
	return newLink, nil
}

// Delete removes the object behind link. The data is reclaimed when its
// last link is gone.
func (c *Client) Delete(ctx context.Context, link oid.ID) error {
	fts, _, err := c.resolve(ctx, link, OpenOptions{IgnoreDeleted: true})
	if err != nil {
		c.env.Audit.LogDelete(link.String(), "error", err.Error())
		return err
	}
	now := c.env.Now()
	if ret := fts[0].RetentionTime; ret > 0 && now.Before(footer.Time(ret)) {
		err := fmt.Errorf("%w: %s retained until %s", ErrRetentionActive, link, footer.Time(ret).UTC().Format(time.RFC3339))
		c.env.Audit.LogDelete(link.String(), "denied", err.Error())
		return err
	}

	alreadyDeleted := true
	for chunk, ft := range fts {
		set, err := c.chunkSet(link.Base().ForChunk(int32(chunk)), ft)
		if err != nil {
			return err
		}
		already, err := set.Delete(ctx, now)
		if err != nil {
			c.env.Audit.LogDelete(link.String(), "error", err.Error())
			return fmt.Errorf("delete chunk %d: %w", chunk, err)
		}
		alreadyDeleted = alreadyDeleted && already
	}
	if alreadyDeleted {
		c.env.Audit.LogDelete(link.String(), "already_deleted", "")
		return fmt.Errorf("%w: %s", ErrDeletedObject, link)
	}
	c.env.Audit.LogDelete(link.String(), "ok", "")
	return nil
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	ID          oid.ID
	Data        oid.ID
	Size        int64
	Chunks      int
	Created     time.Time
	Retention   time.Time
	Metadata    []byte
	ContentHash []byte
	RefCount    int32
	MaxRefCount int32
	DataFrags   int
	ParityFrags int
}

// Stat reads the footers of link and of its data's first chunk.
func (c *Client) Stat(ctx context.Context, link oid.ID) (ObjectInfo, error) {
	fts, dataBase, err := c.resolve(ctx, link, OpenOptions{})
	if err != nil {
		return ObjectInfo{}, err
	}
	first, last := fts[0], fts[len(fts)-1]
	info := ObjectInfo{
		ID:          link.Base(),
		Data:        dataBase,
		Size:        last.ObjectSize,
		Chunks:      len(fts),
		Created:     footer.Time(first.CreationTime),
		Metadata:    trimZeros(first.Metadata[:]),
		ContentHash: append([]byte(nil), last.ContentHash[:]...),
		DataFrags:   int(first.Data),
		ParityFrags: int(first.Parity),
	}
	if first.RetentionTime > 0 {
		info.Retention = footer.Time(first.RetentionTime)
	}
	set, ft, err := c.openChunk(ctx, dataBase, first, OpenOptions{})
	if err != nil {
		return info, fmt.Errorf("data object %s: %w", dataBase, err)
	}
	set.Close()
	info.RefCount, info.MaxRefCount = ft.RefCount, ft.MaxRefCount
	return info, nil
}

func trimZeros(b []byte) []byte {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return append([]byte(nil), b[:n]...)
}

// SetRetention sets the retention time of the object behind link. Delete
// fails until it has passed.
func (c *Client) SetRetention(ctx context.Context, link oid.ID, until time.Time) error {
	fts, _, err := c.resolve(ctx, link, OpenOptions{})
	if err != nil {
		c.env.Audit.LogRetention(link.String(), until, "error", err.Error())
		return err
	}
	for chunk, ft := range fts {
		set, err := c.chunkSet(link.Base().ForChunk(int32(chunk)), ft)
		if err == nil {
			err = set.SetRetentionTime(ctx, until)
		}
		if err != nil {
			c.env.Audit.LogRetention(link.String(), until, "error", err.Error())
			return fmt.Errorf("retention chunk %d: %w", chunk, err)
		}
	}
	c.env.Audit.LogRetention(link.String(), until, "ok", "")
	return nil
}

// chunkLength is the object data held by chunk of an object whose
// footers are fts.
func (c *Client) chunkLength(fts []*footer.Footer, chunk int) int64 {
	cb := c.env.Settings.ChunkBytes()
	size := fts[len(fts)-1].ObjectSize
	return min(cb, size-int64(chunk)*cb)
}

// blockLength is the padded length ReadAndDefragment is called with for a
// block holding n object bytes.
func blockLength(n int64, data int) int {
	return roundUp(int(n), data)
}

// ChunkReport is the outcome of checking one chunk.
type ChunkReport struct {
	ID     oid.ID
	Blocks int
	Errors int
	Err    error
}

// FsckReport is the outcome of Fsck.
type FsckReport struct {
	Link   oid.ID
	Data   oid.ID
	Chunks []ChunkReport
}

// Errors is the total fragment failures found.
func (r FsckReport) Errors() int {
	n := 0
	for _, c := range r.Chunks {
		n += c.Errors
	}
	return n
}

// Fsck reads every block of the object behind link, rebuilding and
// rewriting fragments that fail verification.
func (c *Client) Fsck(ctx context.Context, link oid.ID) (FsckReport, error) {
	fts, dataBase, err := c.resolve(ctx, link, OpenOptions{})
	if err != nil {
		return FsckReport{}, err
	}
	report := FsckReport{Link: link.Base(), Data: dataBase}
	size := fts[len(fts)-1].ObjectSize
	bs := int64(c.env.Settings.BlockSize)
	for chunk, ft := range fts {
		id := dataBase.ForChunk(int32(chunk))
		cr := ChunkReport{ID: id}
		set, _, err := c.openChunk(ctx, id, ft, OpenOptions{})
		if err != nil {
			cr.Err = err
			report.Chunks = append(report.Chunks, cr)
			continue
		}
		cr.Errors += set.Errors()
		length := c.chunkLength(fts, chunk)
		buf := make([]byte, bs)
		for off := int64(0); off < length; off += bs {
			n := blockLength(min(bs, length-off), set.data)
			errs, err := c.frag.ReadAndDefragment(ctx, set, buf, off, n, ReadOptions{ObjectSize: size, Heal: true})
			cr.Blocks++
			cr.Errors += errs
			if err != nil {
				cr.Err = err
				break
			}
		}
		set.Close()
		report.Chunks = append(report.Chunks, cr)
	}
	return report, nil
}

// Locate finds the disks holding the fragments of chunk id by searching
// every disk.
func (c *Client) Locate(ctx context.Context, id oid.ID) (layout.Layout, error) {
	s := c.env.Settings
	set, err := CrawlFragmentSet(ctx, c.env, id, s.Data, s.Parity)
	if err != nil {
		return nil, err
	}
	return set.Layout(), nil
}

// RecoverFragment rebuilds fragment frag of chunk id from the other
// fragments and writes it to its placed disk, replacing whatever is there.
func (c *Client) RecoverFragment(ctx context.Context, id oid.ID, frag int) error {
	s := c.env.Settings
	l, err := c.env.layoutFor(id, s.Width())
	if err != nil {
		return err
	}
	if frag < 0 || frag >= s.Width() {
		return fmt.Errorf("%w: fragment %d of %d", ErrInvalidArgument, frag, s.Width())
	}
	disk := l.Disk(frag)
	if disk == nil {
		return fmt.Errorf("%w: disk for fragment %d is unavailable", ErrStorage, frag)
	}
	recoverErr := func(err error) error {
		c.env.Audit.LogRecovery(id.String(), frag, disk.String(), "error", err.Error())
		return err
	}

	set := NewFragmentSet(c.env, id, s.Data, s.Parity, l)
	set.MarkBad(frag)
	if err := set.Open(ctx, OpenOptions{}); err != nil {
		return recoverErr(err)
	}
	defer set.Close()
	ft, err := set.SystemMetadata()
	if err != nil {
		return recoverErr(err)
	}

	// Chunk length needs the object size, which only the last chunk has.
	var length int64
	if ft.LinkOID.IsNull() {
		fts, err := c.chunkFooters(ctx, id.Base(), OpenOptions{})
		if err != nil {
			return recoverErr(err)
		}
		length = c.chunkLength(fts, int(id.Chunk))
	}

	if err := c.env.Backend.Fragment(disk, id, frag).Delete(); err != nil && !errors.Is(err, daal.ErrNotFound) {
		return recoverErr(storageErr(err))
	}
	rec := NewRecoverySet(c.env, id, s.Data, s.Parity, frag, disk)
	if err := rec.Create(ctx, c.shape(), CreateOptions{From: ft}); err != nil {
		return recoverErr(err)
	}
	bs := int64(s.BlockSize)
	bufs := make([][]byte, s.Width())
	for off := int64(0); off < length; off += bs {
		n := blockLength(min(bs, length-off), s.Data)
		p, err := c.frag.ReconstructFragment(ctx, set, frag, off, n, ft.ObjectSize)
		if err == nil {
			bufs[frag] = p
			err = rec.Append(ctx, bufs)
		}
		if err != nil {
			rec.AbortCreate()
			return recoverErr(err)
		}
	}
	if err := rec.WriteFooterAndClose(ctx, ft.ObjectSize, ft.ContentHash[:]); err != nil {
		rec.AbortCreate()
		return recoverErr(err)
	}
	if err := rec.CompleteCreate(ctx); err != nil {
		return recoverErr(err)
	}
	c.env.Audit.LogRecovery(id.String(), frag, disk.String(), "ok", "")
	return nil
}

// StoreProgress reports how far an unfinished store of data object
// dataID got, from the store context saved with its closed chunks.
func (c *Client) StoreProgress(ctx context.Context, dataID oid.ID) (StoreContext, error) {
	var last StoreContext
	found := false
	for chunk := int32(0); ; chunk++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		set, err := c.chunkSet(dataID.Base().ForChunk(chunk), nil)
		if err != nil {
			return last, err
		}
		p, err := set.LoadContext()
		if err != nil {
			break
		}
		sc, err := UnmarshalStoreContext(p)
		if err != nil {
			return last, fmt.Errorf("%w: chunk %d: %w", ErrArchive, chunk, err)
		}
		last, found = sc, true
	}
	if !found {
		return last, fmt.Errorf("%w: no store in progress for %s", ErrNoSuchObject, dataID.Base())
	}
	return last, nil
}

// AbortStore removes the temporary fragments of an unfinished store,
// including the chunk that was being written.
func (c *Client) AbortStore(ctx context.Context, dataID oid.ID) error {
	sc, err := c.StoreProgress(ctx, dataID)
	if err != nil {
		return err
	}
	for chunk := 0; chunk <= sc.ChunksDone; chunk++ {
		set, err := c.chunkSet(dataID.Base().ForChunk(int32(chunk)), nil)
		if err != nil {
			return err
		}
		set.AbortCreate()
	}
	c.env.Audit.LogStore(dataID.Base().String(), sc.BytesDone, sc.ChunksDone, "aborted", "")
	return nil
}
