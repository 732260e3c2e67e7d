package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/oarchive/internal/archive/bloom"
	"github.com/tunnelmesh/oarchive/internal/archive/checksum"
	"github.com/tunnelmesh/oarchive/internal/archive/footer"
	"github.com/tunnelmesh/oarchive/internal/daal"
	"github.com/tunnelmesh/oarchive/internal/layout"
	"github.com/tunnelmesh/oarchive/internal/oid"
)

// fileOp tags what a FragmentFile is doing, for logs only.
type fileOp uint8

const (
	opNoop fileOp = iota
	opStore
	opRetrieve
	opDelete
	opRefInc
	opRefDec
)

var fileOpNames = [...]string{"noop", "store", "retrieve", "delete", "refinc", "refdec"}

func (o fileOp) String() string {
	if int(o) < len(fileOpNames) {
		return fileOpNames[o]
	}
	return "unknown"
}

// Shape is the erasure and sizing layout of a chunk.
type Shape struct {
	Data         int
	Parity       int
	FragmentSize int
	ChunkBlocks  int
}

// CreateOptions are the optional footer fields of a new fragment.
type CreateOptions struct {
	// Link makes the fragment a link to the same-numbered fragment of
	// another chunk. Link fragments are not reference counted.
	Link      oid.ID
	Retention time.Time
	Metadata  []byte
	// From seeds the footer from another fragment of the same chunk, so a
	// rebuilt fragment keeps its sizes, times and reference fields.
	From *footer.Footer
}

// FragmentFile is one fragment of one chunk on one disk.
type FragmentFile struct {
	env  *Env
	id   oid.ID
	frag int
	disk *layout.Disk

	h       daal.Fragment
	footer  *footer.Footer
	csum    *checksum.Context
	reader  *checksum.Reader
	geom    checksum.Geometry
	logical int64
	cache   []byte

	bad    bool
	locked bool
	op     fileOp
	logger zerolog.Logger
}

// NewFragmentFile binds a handle to fragment frag of id on disk. Nothing
// is touched on disk until Create or Open.
func NewFragmentFile(env *Env, id oid.ID, frag int, disk *layout.Disk) *FragmentFile {
	return &FragmentFile{
		env:  env,
		id:   id,
		frag: frag,
		disk: disk,
		logger: env.Logger.With().
			Str("oid", id.String()).
			Int("frag", frag).
			Str("disk", disk.String()).
			Logger(),
	}
}

func (ff *FragmentFile) Frag() int          { return ff.frag }
func (ff *FragmentFile) Disk() *layout.Disk { return ff.disk }
func (ff *FragmentFile) IsBad() bool        { return ff.bad }

// MarkBad excludes the fragment from the rest of the session.
func (ff *FragmentFile) MarkBad() {
	ff.bad = true
}

// Footer returns the footer read by Open or being built by Create.
func (ff *FragmentFile) Footer() *footer.Footer {
	return ff.footer
}

// Logical is the fragment's data length after Open.
func (ff *FragmentFile) Logical() int64 {
	return ff.logical
}

func (ff *FragmentFile) fail(op string, err error) {
	ff.bad = true
	ff.closeHandle()
	ff.logger.Warn().Err(err).Str("op", op).Stringer("state", ff.op).Msg("fragment marked bad")
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// Create starts a new fragment in temporary storage.
func (ff *FragmentFile) Create(shape Shape, opts CreateOptions) error {
	ff.op = opStore
	if opts.From != nil {
		return ff.create(ff.seedFooter(opts.From))
	}
	ft := footer.New(ff.id, ff.frag, shape.Data, shape.Parity)
	ft.FragmentSize = int32(shape.FragmentSize)
	ft.ChunkSize = int32(shape.ChunkBlocks)
	ft.CreationTime = footer.Millis(ff.env.Now())
	if !opts.Retention.IsZero() {
		ft.RetentionTime = footer.Millis(opts.Retention)
	}
	copy(ft.Metadata[:], opts.Metadata)
	if !opts.Link.IsNull() {
		ft.LinkOID = opts.Link
		ft.RefCount, ft.MaxRefCount = footer.NotRefCounted, footer.NotRefCounted
	}
	ft.ChecksumAlg = ff.env.Settings.Checksum.Alg
	return ff.create(ft)
}

func (ff *FragmentFile) seedFooter(from *footer.Footer) *footer.Footer {
	ft := from.Clone()
	ft.Fragment = int32(ff.frag)
	ft.ChecksumAlg = ff.env.Settings.Checksum.Alg
	ft.NumPrecedingChecksums = 0
	ft.Checksum = 0
	return ft
}

func (ff *FragmentFile) create(ft *footer.Footer) error {
	h := ff.env.Backend.Fragment(ff.disk, ff.id, ff.frag)
	err := h.Create()
	ff.env.Metrics.RecordFragmentOp("create", err)
	if err != nil {
		ff.fail("create", err)
		return fragErr(ff.frag, "create", storageErr(err))
	}
	ff.h = h
	ff.footer = ft
	ff.geom = ff.env.Settings.Checksum
	ff.csum = checksum.NewContext(ff.geom)
	ff.bad = false
	return nil
}

// Append writes data, splicing checksum placeholders in at span boundaries
// and filling in finished blocks.
func (ff *FragmentFile) Append(bufs ...[]byte) error {
	if ff.bad || ff.h == nil || ff.csum == nil {
		return fragErr(ff.frag, "append", ErrBadFragment)
	}
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		s := ff.csum.Update(b)
		out := s.Out[0]
		if len(s.Out) > 1 {
			out = bytes.Join(s.Out, nil)
		}
		n, err := ff.h.Append(out)
		if err == nil && n != len(out) {
			err = io.ErrShortWrite
		}
		if err == nil {
			for _, p := range s.Flush {
				if _, err = ff.h.WriteAt(p.Data, p.Offset); err != nil {
					break
				}
			}
		}
		if err != nil {
			ff.env.Metrics.RecordFragmentOp("append", err)
			ff.fail("append", err)
			return fragErr(ff.frag, "append", storageErr(err))
		}
	}
	ff.env.Metrics.RecordFragmentOp("append", nil)
	return nil
}

// WriteFooterAndClose writes the checksum blocks still held in memory and
// the footer, then closes the file. The fragment stays in temporary storage
// until CompleteCreate.
func (ff *FragmentFile) WriteFooterAndClose(objectSize int64, contentHash []byte) error {
	if ff.bad || ff.h == nil || ff.csum == nil {
		return fragErr(ff.frag, "close", ErrBadFragment)
	}
	pending := ff.csum.Finish()
	if len(pending) > 2 {
		err := fmt.Errorf("%w: %d pending checksum blocks", ErrArchive, len(pending))
		ff.fail("close", err)
		return fragErr(ff.frag, "close", err)
	}
	for _, p := range pending {
		var err error
		if p.InPlace {
			_, err = ff.h.WriteAt(p.Data, p.Offset)
		} else {
			_, err = ff.h.Append(p.Data)
		}
		if err != nil {
			ff.fail("close", err)
			return fragErr(ff.frag, "close", storageErr(err))
		}
	}

	ft := ff.footer
	ft.NumPrecedingChecksums = int32(ff.csum.Count())
	ft.ObjectSize = objectSize
	ft.AutoCloseTime = footer.Millis(ff.env.Now())
	copy(ft.ContentHash[:], contentHash)
	if _, err := ff.h.Append(ft.Encode()); err != nil {
		ff.fail("close", err)
		return fragErr(ff.frag, "close", storageErr(err))
	}
	ff.logical = ff.csum.Written()
	err := ff.h.Close()
	ff.env.Metrics.RecordFragmentOp("close", err)
	if err != nil {
		ff.fail("close", err)
		return fragErr(ff.frag, "close", storageErr(err))
	}
	ff.op = opNoop
	return nil
}

// CompleteCreate moves the written fragment to permanent storage.
func (ff *FragmentFile) CompleteCreate() error {
	if ff.bad || ff.h == nil {
		return fragErr(ff.frag, "commit", ErrBadFragment)
	}
	err := ff.h.Commit()
	ff.env.Metrics.RecordFragmentOp("commit", err)
	if err != nil {
		ff.fail("commit", err)
		return fragErr(ff.frag, "commit", storageErr(err))
	}
	if err := ff.h.DeleteContext(); err != nil {
		ff.logger.Debug().Err(err).Msg("could not remove store context")
	}
	return nil
}

// AbortCreate removes the temporary fragment. It works on a fresh handle
// too, for cleaning up after another process.
func (ff *FragmentFile) AbortCreate() error {
	h := ff.h
	if h == nil {
		h = ff.env.Backend.Fragment(ff.disk, ff.id, ff.frag)
	}
	err := h.Rollback()
	ff.env.Metrics.RecordFragmentOp("rollback", err)
	if cerr := h.DeleteContext(); cerr != nil {
		ff.logger.Debug().Err(cerr).Msg("could not remove store context")
	}
	ff.h = nil
	ff.op = opNoop
	if err != nil {
		return fragErr(ff.frag, "rollback", storageErr(err))
	}
	return nil
}

// Open opens the committed fragment read-only and validates its footer.
// It returns the fragment's creation time.
func (ff *FragmentFile) Open(ctx context.Context) (time.Time, error) {
	return ff.open(ctx, false, lockNone)
}

// OpenReadWrite opens the committed fragment for in-place updates.
func (ff *FragmentFile) OpenReadWrite(ctx context.Context) (time.Time, error) {
	return ff.open(ctx, true, lockNone)
}

// OpenReadWriteLocked is OpenReadWrite holding the fragment's lock, taken
// with retries until Locks.MaxElapsed.
func (ff *FragmentFile) OpenReadWriteLocked(ctx context.Context) (time.Time, error) {
	return ff.open(ctx, true, lockWait)
}

// openReadWriteTryLock is OpenReadWriteLocked with a single lock attempt,
// for callers that already hold another fragment's lock.
func (ff *FragmentFile) openReadWriteTryLock(ctx context.Context) (time.Time, error) {
	return ff.open(ctx, true, lockTry)
}

type lockMode uint8

const (
	lockNone lockMode = iota
	lockWait
	lockTry
)

func (ff *FragmentFile) open(ctx context.Context, rw bool, mode lockMode) (time.Time, error) {
	ff.closeHandle()
	ff.bad, ff.footer, ff.reader, ff.cache, ff.csum = false, nil, nil, nil, nil
	if ff.op == opNoop {
		ff.op = opRetrieve
	}

	h := ff.env.Backend.Fragment(ff.disk, ff.id, ff.frag)
	var err error
	if rw {
		err = h.RWOpen()
	} else {
		err = h.Open()
	}
	ff.env.Metrics.RecordFragmentOp("open", err)
	if err != nil {
		return time.Time{}, fragErr(ff.frag, "open", classifyOpen(err))
	}
	ff.h = h

	if mode != lockNone {
		if err := ff.lock(ctx, mode == lockTry); err != nil {
			ff.closeHandle()
			return time.Time{}, fragErr(ff.frag, "lock", err)
		}
	}

	if err := ff.readFooter(); err != nil {
		ff.closeHandle()
		if !errors.Is(err, ErrFragmentDeleted) {
			ff.bad = true
		}
		return time.Time{}, fragErr(ff.frag, "open", err)
	}
	return footer.Time(ff.footer.CreationTime), nil
}

func classifyOpen(err error) error {
	switch {
	case errors.Is(err, daal.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrFragmentNotFound, err)
	case errors.Is(err, daal.ErrTransientOnly):
		return fmt.Errorf("%w: %w", ErrFragmentIncomplete, err)
	default:
		return storageErr(err)
	}
}

func (ff *FragmentFile) lock(ctx context.Context, once bool) error {
	ls := ff.env.Settings.Locks
	if once {
		err := ff.h.Lock()
		switch {
		case err == nil:
			ff.locked = true
			return nil
		case errors.Is(err, daal.ErrLocked):
			return fmt.Errorf("%w: held by another caller", ErrLockTimeout)
		default:
			return classifyOpen(err)
		}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ls.InitialInterval
	b.MaxInterval = ls.MaxInterval
	b.MaxElapsedTime = ls.MaxElapsed

	err := backoff.Retry(func() error {
		err := ff.h.Lock()
		if err == nil || errors.Is(err, daal.ErrLocked) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		ff.locked = true
		return nil
	case errors.Is(err, daal.ErrLocked):
		return fmt.Errorf("%w after %s", ErrLockTimeout, ls.MaxElapsed)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return classifyOpen(err)
	}
}

// readFooter reads the tail of the file in one go: the footer, block 0
// before it and, for small objects, the whole data region.
func (ff *FragmentFile) readFooter() error {
	length, err := ff.h.Length()
	if err != nil {
		return storageErr(err)
	}
	if length < footer.Size {
		return fmt.Errorf("%w: file is %d bytes, shorter than a footer", ErrFragmentCorrupted, length)
	}
	s := ff.env.Settings
	window := min(length, int64(footer.Size+s.Checksum.BlockSize+s.InlineThreshold))
	buf := make([]byte, window)
	if _, err := ff.h.ReadAt(buf, length-window); err != nil {
		return storageErr(err)
	}

	ft, err := footer.Decode(buf[window-footer.Size:])
	if err != nil {
		if errors.Is(err, footer.ErrVersion) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrFragmentCorrupted, err)
	}
	if !ft.IsConsistent() {
		return fmt.Errorf("%w: footer checksum mismatch", ErrFragmentCorrupted)
	}
	if ft.OID != ff.id || int(ft.Fragment) != ff.frag {
		return fmt.Errorf("%w: footer belongs to %s fragment %d", ErrFragmentCorrupted, ft.OID, ft.Fragment)
	}
	ff.footer = ft
	if ft.IsDeleted() {
		return ErrFragmentDeleted
	}

	geom, err := checksum.NewGeometry(ft.ChecksumAlg, s.Checksum.Unit, s.Checksum.BlockSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFragmentCorrupted, err)
	}
	region := length - footer.Size
	logical := geom.Logical(region, int64(ft.NumPrecedingChecksums))
	if logical < 0 || geom.Count(logical) != int64(ft.NumPrecedingChecksums) {
		return fmt.Errorf("%w: %d checksum blocks do not fit %d data bytes", ErrFragmentCorrupted, ft.NumPrecedingChecksums, region)
	}
	ff.geom, ff.logical = geom, logical
	ff.reader = checksum.NewReader(geom, ff.h, logical, s.ChecksumCacheBlocks)

	if ff.frag == 0 && ff.id.Chunk == 0 && ft.ObjectSize >= 0 &&
		ft.ObjectSize < int64(s.InlineThreshold) && region <= window-footer.Size {
		ff.cacheSmall(buf[window-footer.Size-region : window-footer.Size])
	}
	return nil
}

// cacheSmall keeps the data region of a small object's fragment 0 in
// memory once it verifies. A region that fails verification is dropped and
// reads go to disk, where the corruption is reported.
func (ff *FragmentFile) cacheSmall(region []byte) {
	data := make([]byte, ff.logical)
	if ff.logical > 0 {
		r := checksum.NewReader(ff.geom, byteStore(region), ff.logical, 1)
		if _, err := r.ReadAt(data, 0); err != nil {
			ff.logger.Warn().Err(err).Msg("small object cache failed verification; reading from disk")
			return
		}
	}
	ff.cache = data
}

// byteStore is a read-only checksum.Storage over memory.
type byteStore []byte

func (b byteStore) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b byteStore) WriteAt([]byte, int64) (int, error) {
	return 0, errors.New("read-only buffer")
}

// Read fills p from logical offset off. Every byte is checksum verified;
// on a mismatch nothing is copied.
func (ff *FragmentFile) Read(p []byte, off int64) (int, error) {
	if ff.bad || ff.reader == nil {
		return 0, fragErr(ff.frag, "read", ErrBadFragment)
	}
	ff.op = opRetrieve
	if ff.cache != nil {
		if off > int64(len(ff.cache)) {
			off = int64(len(ff.cache))
		}
		n := copy(p, ff.cache[off:])
		if n < len(p) {
			return n, fragErr(ff.frag, "read", fmt.Errorf("%w: short read %d of %d at %d", ErrFragmentCorrupted, n, len(p), off))
		}
		return n, nil
	}

	n, err := ff.reader.ReadAt(p, off)
	switch {
	case errors.Is(err, checksum.ErrMismatch), errors.Is(err, checksum.ErrBadBlock):
		ff.env.Metrics.RecordFragmentOp("read", err)
		ff.logger.Warn().Err(err).Int64("offset", off).Msg("checksum verification failed")
		return 0, fragErr(ff.frag, "read", fmt.Errorf("%w: %w", ErrFragmentCorrupted, err))
	case errors.Is(err, io.EOF) || (err == nil && n < len(p)):
		ff.env.Metrics.RecordFragmentOp("read", io.ErrUnexpectedEOF)
		return n, fragErr(ff.frag, "read", fmt.Errorf("%w: short read %d of %d at %d", ErrFragmentCorrupted, n, len(p), off))
	case err != nil:
		ff.env.Metrics.RecordFragmentOp("read", err)
		return 0, fragErr(ff.frag, "read", storageErr(err))
	}
	ff.env.Metrics.RecordFragmentOp("read", nil)
	return n, nil
}

// RewriteBlock repairs data at logical offset off through a second
// read-write handle, refreshing the covering checksum blocks.
func (ff *FragmentFile) RewriteBlock(p []byte, off int64) error {
	if ff.footer == nil || ff.footer.IsDeleted() {
		return fragErr(ff.frag, "rewrite", ErrBadFragment)
	}
	h := ff.env.Backend.Fragment(ff.disk, ff.id, ff.frag)
	if err := h.RWOpen(); err != nil {
		ff.logger.Warn().Err(err).Msg("rewrite: could not open fragment")
		return fragErr(ff.frag, "rewrite", storageErr(err))
	}
	defer func() {
		if err := h.Close(); err != nil {
			ff.logger.Warn().Err(err).Msg("rewrite: close failed")
		}
	}()

	r := checksum.NewReader(ff.geom, h, ff.logical, 1)
	if err := r.Rewrite(p, off); err != nil {
		ff.logger.Warn().Err(err).Int64("offset", off).Msg("rewrite failed")
		return fragErr(ff.frag, "rewrite", err)
	}
	ff.cache = nil
	if ff.h != nil {
		ff.reader = checksum.NewReader(ff.geom, ff.h, ff.logical, ff.env.Settings.ChecksumCacheBlocks)
	}
	ff.logger.Info().Int64("offset", off).Int("length", len(p)).Msg("rewrote block")
	return nil
}

// Delete tombstones the fragment. A link fragment first releases its
// reference on the same-numbered fragment of the chunk it links to; if
// that fails the link stays live so a later delete can finish the job. An
// already deleted fragment returns ErrAlreadyDeleted.
func (ff *FragmentFile) Delete(ctx context.Context, when time.Time) error {
	ff.op = opDelete
	if _, err := ff.OpenReadWrite(ctx); err != nil {
		if errors.Is(err, ErrFragmentDeleted) {
			return fragErr(ff.frag, "delete", ErrAlreadyDeleted)
		}
		return err
	}
	defer ff.Close()

	if !ff.footer.LinkOID.IsNull() {
		if err := ff.deleteRefFromReferee(ctx); err != nil {
			ff.logger.Warn().Err(err).Str("referee", ff.footer.LinkOID.String()).
				Msg("reference not released; link kept")
			return fragErr(ff.frag, "delete", err)
		}
	}
	return ff.tombstone(when)
}

func (ff *FragmentFile) tombstone(when time.Time) error {
	ft := ff.footer.Clone()
	ft.DeletionTime = footer.Millis(when)
	err := ff.h.Replace(ft.Encode())
	ff.env.Metrics.RecordFragmentOp("delete", err)
	if err != nil {
		return fragErr(ff.frag, "delete", storageErr(err))
	}
	ff.footer = ft
	ff.reader, ff.cache, ff.logical = nil, nil, 0
	return nil
}

// deleteRefFromReferee drops one reference from the fragment this link
// points to. The referee's bloom filter makes a repeated call a no-op. A
// safety check that cannot reach quorum is retried with backoff, and the
// referee's lock is released between attempts.
func (ff *FragmentFile) deleteRefFromReferee(ctx context.Context) error {
	ff.op = opRefDec
	link := ff.footer.LinkOID
	l, err := ff.env.layoutFor(link, int(ff.footer.Data+ff.footer.Parity))
	if err != nil {
		return err
	}
	disk := l.Disk(ff.frag)
	if disk == nil {
		return fmt.Errorf("%w: disk of referee fragment %d unavailable", ErrStorage, ff.frag)
	}
	key := bloom.Key(ff.id)

	release := func() error {
		ref := NewFragmentFile(ff.env, link, ff.frag, disk)
		_, err := ref.OpenReadWriteLocked(ctx)
		switch {
		case errors.Is(err, ErrFragmentDeleted):
			return nil
		case errors.Is(err, ErrFragmentNotFound):
			ff.logger.Warn().Str("referee", link.String()).Msg("referee fragment missing; nothing to release")
			return nil
		case err != nil:
			return backoff.Permanent(err)
		}
		defer ref.Close()
		err = ref.releaseRef(ctx, key, l)
		if err != nil && !errors.Is(err, ErrSafetyCheck) {
			return backoff.Permanent(err)
		}
		return err
	}

	ls := ff.env.Settings.Locks
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ls.InitialInterval
	b.MaxInterval = ls.MaxInterval
	b.MaxElapsedTime = ls.MaxElapsed
	return backoff.Retry(release, backoff.WithContext(b, ctx))
}

// releaseRef runs on a locked referee fragment. A fragment that already
// holds key but still has a count of zero lost a previous reclaim part
// way, so the reclaim is resumed.
func (ff *FragmentFile) releaseRef(ctx context.Context, key string, l layout.Layout) error {
	ft := ff.footer
	if !ft.IsRefCounted() {
		return fragErr(ff.frag, "refdec", ErrNotRefCounted)
	}
	if ft.DeletedRefs.Has(key) {
		if ft.RefCount > 0 {
			ff.logger.Debug().Str("key", key).Msg("reference already released")
			return nil
		}
		ff.logger.Info().Str("key", key).Msg("resuming reclaim of released fragment")
	} else {
		ft.RefCount--
		ft.DeletedRefs.Add(key)
		if err := ff.writeRefRegion(); err != nil {
			return err
		}
		ff.env.Metrics.RecordRefCount("dec")
		if ft.RefCount > 0 {
			return nil
		}
	}
	return ff.reclaim(ctx, l)
}

// reclaim tombstones a referee whose count reached zero once enough of
// its chunk agrees that no increment is missing.
func (ff *FragmentFile) reclaim(ctx context.Context, l layout.Layout) error {
	ft := ff.footer
	res, err := safetyCheck(ctx, ff.env, ft.MaxRefCount, false, ff, l)
	if err != nil {
		ff.env.Metrics.RecordSafetyCheck("failed")
		ff.env.Audit.LogSafetyCheck(ff.id.String(), ff.frag, "failed", ft.MaxRefCount, res.checked)
		return fragErr(ff.frag, "refdec", err)
	}
	if !res.agreed {
		res, err = safetyCheck(ctx, ff.env, res.max, true, ff, l)
		outcome := "corrected"
		if err != nil {
			outcome = "failed"
		}
		ff.env.Metrics.RecordSafetyCheck(outcome)
		ff.env.Audit.LogSafetyCheck(ff.id.String(), ff.frag, outcome, res.max, res.checked)
		return fragErr(ff.frag, "refdec", err)
	}
	ff.env.Metrics.RecordSafetyCheck("passed")
	ff.env.Audit.LogSafetyCheck(ff.id.String(), ff.frag, "passed", ft.MaxRefCount, res.checked)

	if err := ff.tombstone(ff.env.Now()); err != nil {
		return err
	}
	if !ft.LinkOID.IsNull() {
		return ff.deleteRefFromReferee(ctx)
	}
	return nil
}

// IncRefCount applies one increment numbered total, catching up on any
// increments this fragment missed. The caller holds the lock.
func (ff *FragmentFile) IncRefCount(total int32) error {
	ff.op = opRefInc
	if ff.bad || ff.footer == nil || ff.h == nil {
		return fragErr(ff.frag, "refinc", ErrBadFragment)
	}
	ft := ff.footer
	if ft.IsDeleted() {
		return fragErr(ff.frag, "refinc", ErrFragmentDeleted)
	}
	if !ft.IsRefCounted() {
		return fragErr(ff.frag, "refinc", ErrNotRefCounted)
	}
	missed := total - ft.MaxRefCount
	ft.RefCount += missed + 1
	ft.MaxRefCount = total + 1
	if err := ff.writeRefRegion(); err != nil {
		return err
	}
	ff.env.Metrics.RecordRefCount("inc")
	return nil
}

// correctRefCount raises a lagging fragment to target, adding the missed
// increments to its count. It reports whether anything changed.
func (ff *FragmentFile) correctRefCount(target int32) (bool, error) {
	ft := ff.footer
	missed := target - ft.MaxRefCount
	if missed <= 0 {
		return false, nil
	}
	ft.RefCount += missed
	ft.MaxRefCount = target
	if err := ff.writeRefRegion(); err != nil {
		return false, err
	}
	ff.env.Metrics.RecordRefCount("correct")
	return true, nil
}

func (ff *FragmentFile) writeRefRegion() error {
	length, err := ff.h.Length()
	if err == nil {
		_, err = ff.h.WriteAt(ff.footer.EncodeRefRegion(), length-footer.Size+footer.RefRegionOffset)
	}
	if err != nil {
		return fragErr(ff.frag, "write ref", storageErr(err))
	}
	return nil
}

// SetRetentionTime rewrites the footer with a new retention time.
func (ff *FragmentFile) SetRetentionTime(ctx context.Context, until time.Time) error {
	if _, err := ff.OpenReadWriteLocked(ctx); err != nil {
		return err
	}
	defer ff.Close()
	ff.footer.RetentionTime = footer.Millis(until)
	length, err := ff.h.Length()
	if err == nil {
		_, err = ff.h.WriteAt(ff.footer.Encode(), length-footer.Size)
	}
	ff.env.Metrics.RecordFragmentOp("retention", err)
	if err != nil {
		return fragErr(ff.frag, "retention", storageErr(err))
	}
	return nil
}

// SaveContext stores an in-flight store record next to the fragment.
func (ff *FragmentFile) SaveContext(p []byte) error {
	return ff.handle().SaveContext(p)
}

// LoadContext reads the record saved by SaveContext.
func (ff *FragmentFile) LoadContext() ([]byte, error) {
	return ff.handle().LoadContext()
}

func (ff *FragmentFile) handle() daal.Fragment {
	if ff.h != nil {
		return ff.h
	}
	return ff.env.Backend.Fragment(ff.disk, ff.id, ff.frag)
}

func (ff *FragmentFile) closeHandle() {
	if ff.h == nil {
		return
	}
	if ff.locked {
		if err := ff.h.Unlock(); err != nil {
			ff.logger.Warn().Err(err).Msg("unlock failed")
		}
		ff.locked = false
	}
	if err := ff.h.Close(); err != nil {
		ff.logger.Debug().Err(err).Msg("close failed")
	}
	ff.h = nil
}

// Close releases the lock and the file. The footer stays readable.
func (ff *FragmentFile) Close() {
	ff.closeHandle()
	ff.reader, ff.cache = nil, nil
	ff.op = opNoop
}
