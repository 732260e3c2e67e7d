package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/oarchive/internal/archive/footer"
	"github.com/tunnelmesh/oarchive/internal/layout"
	"github.com/tunnelmesh/oarchive/internal/oid"
)

var errNoDisk = fmt.Errorf("%w: no disk for fragment", ErrStorage)

// OpenOptions control how FragmentSet.Open treats unfinished states.
type OpenOptions struct {
	// IgnoreDeleted opens a deleted chunk without error so its footers
	// can be inspected.
	IgnoreDeleted bool
	// IgnoreIncomplete reports a chunk left in temporary storage as
	// ErrNoSuchObject instead of ErrIncompleteObject.
	IgnoreIncomplete bool
}

// FragmentSet is the N+M fragments of one chunk. Operations fan out to
// every usable slot and succeed when at least minGood slots do. A set is
// not safe for concurrent use.
type FragmentSet struct {
	env    *Env
	id     oid.ID
	data   int
	parity int

	frags    []*FragmentFile
	recovery int
	minGood  int
	deleted  bool
	errors   int
	logger   zerolog.Logger
}

func newSet(env *Env, id oid.ID, data, parity int) *FragmentSet {
	return &FragmentSet{
		env:      env,
		id:       id,
		data:     data,
		parity:   parity,
		frags:    make([]*FragmentFile, data+parity),
		recovery: -1,
		minGood:  data,
		logger:   env.Logger.With().Str("oid", id.String()).Logger(),
	}
}

// NewFragmentSet places the fragments of id on the disks of l. Slots whose
// disk is unavailable stay empty and count as failures.
func NewFragmentSet(env *Env, id oid.ID, data, parity int, l layout.Layout) *FragmentSet {
	s := newSet(env, id, data, parity)
	for i := range s.frags {
		if d := l.Disk(i); d != nil {
			s.frags[i] = NewFragmentFile(env, id, i, d)
		}
	}
	return s
}

// NewRecoverySet is a set restricted to fragment frag on disk, used to
// rebuild a single lost fragment.
func NewRecoverySet(env *Env, id oid.ID, data, parity, frag int, disk *layout.Disk) *FragmentSet {
	s := newSet(env, id, data, parity)
	s.frags[frag] = NewFragmentFile(env, id, frag, disk)
	s.recovery = frag
	s.minGood = 1
	return s
}

// CrawlFragmentSet finds the fragments of id by asking every disk which
// fragment numbers it holds, for when the layout of a chunk is unknown.
// The first disk reporting a fragment number wins.
func CrawlFragmentSet(ctx context.Context, env *Env, id oid.ID, data, parity int) (*FragmentSet, error) {
	s := newSet(env, id, data, parity)
	for _, d := range env.Layouts.Disks() {
		frags, err := env.Backend.Locate(ctx, d, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn().Err(err).Str("disk", d.String()).Msg("crawl: disk not searched")
			continue
		}
		for _, f := range frags {
			if f < 0 || f >= len(s.frags) {
				s.logger.Warn().Int("frag", f).Str("disk", d.String()).Msg("crawl: fragment number out of range")
				continue
			}
			if s.frags[f] == nil {
				s.frags[f] = NewFragmentFile(env, id, f, d)
			}
		}
	}
	return s, nil
}

func (s *FragmentSet) ID() oid.ID  { return s.id }
func (s *FragmentSet) Width() int  { return len(s.frags) }
func (s *FragmentSet) Data() int   { return s.data }
func (s *FragmentSet) Parity() int { return s.parity }

// Fragment returns slot i, nil when it has no disk.
func (s *FragmentSet) Fragment(i int) *FragmentFile {
	return s.frags[i]
}

// Layout returns the disks the set's fragments live on.
func (s *FragmentSet) Layout() layout.Layout {
	l := make(layout.Layout, len(s.frags))
	for i, ff := range s.frags {
		if ff != nil {
			l[i] = ff.disk
		}
	}
	return l
}

// Errors is the number of fragment failures since the last ResetErrors.
func (s *FragmentSet) Errors() int {
	return s.errors
}

func (s *FragmentSet) ResetErrors() {
	s.errors = 0
}

// Deleted reports whether Open found the chunk tombstoned.
func (s *FragmentSet) Deleted() bool {
	return s.deleted
}

// Bad reports whether slot i is unusable for the rest of the session.
func (s *FragmentSet) Bad(i int) bool {
	return s.frags[i] == nil || s.frags[i].bad
}

// MarkBad excludes slot i from further operations.
func (s *FragmentSet) MarkBad(i int) {
	if ff := s.frags[i]; ff != nil {
		ff.MarkBad()
	}
}

func (s *FragmentSet) slot(i int) (*FragmentFile, error) {
	ff := s.frags[i]
	switch {
	case ff == nil:
		return nil, fragErr(i, "slot", errNoDisk)
	case ff.bad:
		return nil, fragErr(i, "slot", ErrBadFragment)
	}
	return ff, nil
}

// active reports whether slot i takes part in the set's operations.
func (s *FragmentSet) active(i int) bool {
	return s.recovery < 0 || i == s.recovery
}

// fanout runs fn on every active slot, in parallel through the pool or one
// after another, and counts the slots that succeeded.
func (s *FragmentSet) fanout(ctx context.Context, op string, parallel bool, fn func(ctx context.Context, ff *FragmentFile) error) ([]error, int, error) {
	call := func(ctx context.Context, i int) error {
		if !s.active(i) {
			return nil
		}
		ff, err := s.slot(i)
		if err != nil {
			return err
		}
		return fn(ctx, ff)
	}

	var errs []error
	if parallel {
		var err error
		if errs, err = s.env.Pools.Run(ctx, len(s.frags), call); err != nil {
			return nil, 0, err
		}
	} else {
		errs = sequential(ctx, len(s.frags), call)
	}

	good := 0
	for i, err := range errs {
		if !s.active(i) {
			continue
		}
		if err == nil {
			good++
			continue
		}
		s.errors++
		s.env.Metrics.RecordFanoutFailure(op)
	}
	return errs, good, nil
}

func (s *FragmentSet) quorumErr(op string, good int, errs []error) error {
	return fmt.Errorf("%w: %s succeeded on %d fragments, need %d: %w",
		ErrArchive, op, good, s.minGood, errors.Join(errs...))
}

// Create starts every fragment in temporary storage. If fewer than the
// required number start, the ones that did are rolled back.
func (s *FragmentSet) Create(ctx context.Context, shape Shape, opts CreateOptions) error {
	errs, good, err := s.fanout(ctx, "create", false, func(_ context.Context, ff *FragmentFile) error {
		return ff.Create(shape, opts)
	})
	if err != nil {
		return err
	}
	if good < s.minGood {
		s.AbortCreate()
		return s.quorumErr("create", good, errs)
	}
	return nil
}

// Append writes bufs[i] to fragment i.
func (s *FragmentSet) Append(ctx context.Context, bufs [][]byte) error {
	if len(bufs) != len(s.frags) {
		return fmt.Errorf("%w: %d buffers for %d fragments", ErrInvalidArgument, len(bufs), len(s.frags))
	}
	errs, good, err := s.fanout(ctx, "append", true, func(_ context.Context, ff *FragmentFile) error {
		return ff.Append(bufs[ff.frag])
	})
	if err != nil {
		return err
	}
	if good < s.minGood {
		return s.quorumErr("append", good, errs)
	}
	return nil
}

// WriteFooterAndClose finishes every fragment. objectSize is
// footer.MoreChunks for all but the last chunk.
func (s *FragmentSet) WriteFooterAndClose(ctx context.Context, objectSize int64, contentHash []byte) error {
	errs, good, err := s.fanout(ctx, "close", false, func(_ context.Context, ff *FragmentFile) error {
		return ff.WriteFooterAndClose(objectSize, contentHash)
	})
	if err != nil {
		return err
	}
	if good < s.minGood {
		return s.quorumErr("close", good, errs)
	}
	return nil
}

// CompleteCreate commits every closed fragment.
func (s *FragmentSet) CompleteCreate(ctx context.Context) error {
	errs, good, err := s.fanout(ctx, "commit", false, func(_ context.Context, ff *FragmentFile) error {
		return ff.CompleteCreate()
	})
	if err != nil {
		return err
	}
	if good < s.minGood {
		return s.quorumErr("commit", good, errs)
	}
	return nil
}

// AbortCreate rolls back every fragment slot that has a disk, bad or not.
func (s *FragmentSet) AbortCreate() {
	for i, ff := range s.frags {
		if ff == nil || !s.active(i) {
			continue
		}
		if err := ff.AbortCreate(); err != nil {
			s.logger.Debug().Err(err).Int("frag", i).Msg("rollback failed")
		}
	}
}

// Open opens every fragment and reconciles the outcomes. A chunk some of
// whose fragments are tombstoned is an interrupted delete, which Open
// completes before reporting ErrDeletedObject.
func (s *FragmentSet) Open(ctx context.Context, opts OpenOptions) error {
	errs, good, err := s.fanout(ctx, "open", true, func(ctx context.Context, ff *FragmentFile) error {
		if _, err := ff.Open(ctx); err != nil {
			return err
		}
		ft := ff.footer
		if int(ft.Data) != s.data || int(ft.Parity) != s.parity {
			ff.Close()
			ff.MarkBad()
			return fragErr(ff.frag, "open", fmt.Errorf("%w: shape %d+%d, expected %d+%d",
				ErrFragmentCorrupted, ft.Data, ft.Parity, s.data, s.parity))
		}
		return nil
	})
	if err != nil {
		return err
	}

	var deleted, incomplete, notFound, other int
	for i, err := range errs {
		if err == nil || !s.active(i) {
			continue
		}
		switch {
		case errors.Is(err, ErrFragmentDeleted):
			deleted++
		case errors.Is(err, ErrFragmentIncomplete):
			incomplete++
		case errors.Is(err, ErrFragmentNotFound):
			notFound++
		default:
			other++
		}
	}

	if deleted > 0 {
		if good > 0 {
			s.logger.Info().Int("deleted", deleted).Int("live", good).Msg("completing interrupted delete")
			if _, err := s.Delete(ctx, s.env.Now()); err != nil {
				s.logger.Warn().Err(err).Msg("could not complete interrupted delete")
			}
		}
		s.deleted = true
		if opts.IgnoreDeleted {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDeletedObject, s.id)
	}
	if good >= s.minGood {
		return nil
	}

	joined := errors.Join(errs...)
	switch {
	case incomplete > 0 && opts.IgnoreIncomplete:
		return fmt.Errorf("%w: %s: %w", ErrNoSuchObject, s.id, joined)
	case incomplete > 0:
		return fmt.Errorf("%w: %s: %w", ErrIncompleteObject, s.id, joined)
	case other == 0 && notFound > 0:
		return fmt.Errorf("%w: %s", ErrNoSuchObject, s.id)
	default:
		return fmt.Errorf("%w: opened %d of %d fragments of %s, need %d: %w",
			ErrArchive, good, len(s.frags), s.id, s.minGood, joined)
	}
}

// Delete tombstones every fragment. It reports alreadyDeleted when every
// reachable fragment was tombstoned before the call.
func (s *FragmentSet) Delete(ctx context.Context, when time.Time) (alreadyDeleted bool, err error) {
	var already int
	errs, good, err := s.fanout(ctx, "delete", true, func(ctx context.Context, ff *FragmentFile) error {
		return ff.Delete(ctx, when)
	})
	if err != nil {
		return false, err
	}
	for _, err := range errs {
		if errors.Is(err, ErrAlreadyDeleted) {
			already++
		}
	}
	s.errors -= already
	if good == 0 && already > 0 {
		return true, nil
	}
	if good+already < s.minGood {
		return false, s.quorumErr("delete", good+already, errs)
	}
	s.deleted = true
	return false, nil
}

// Read reads bufs[i] at off from every fragment i with a non-nil buffer.
// It returns one error per slot for the caller to weigh.
func (s *FragmentSet) Read(ctx context.Context, bufs [][]byte, off int64) ([]error, error) {
	errs, _, err := s.fanout(ctx, "read", true, func(_ context.Context, ff *FragmentFile) error {
		p := bufs[ff.frag]
		if p == nil {
			return nil
		}
		_, err := ff.Read(p, off)
		return err
	})
	return errs, err
}

// ReadSingle reads from fragment frag only.
func (s *FragmentSet) ReadSingle(frag int, p []byte, off int64) error {
	ff, err := s.slot(frag)
	if err == nil {
		_, err = ff.Read(p, off)
	}
	if err != nil {
		s.errors++
		s.env.Metrics.RecordFanoutFailure("read")
	}
	return err
}

// RewriteBlock repairs fragment frag at logical offset off.
func (s *FragmentSet) RewriteBlock(frag int, p []byte, off int64) error {
	ff := s.frags[frag]
	if ff == nil {
		return fragErr(frag, "rewrite", errNoDisk)
	}
	return ff.RewriteBlock(p, off)
}

// IncRefCount adds one reference to the chunk. Every reachable fragment
// is locked, in fragment order, before any count is read; the largest
// maxRefCount found numbers the increment. Fewer than refQuorum
// successful increments is ErrRefCountQuorum.
func (s *FragmentSet) IncRefCount(ctx context.Context) error {
	var locked []*FragmentFile
	defer func() {
		for _, ff := range locked {
			ff.Close()
		}
	}()

	for i, ff := range s.frags {
		if ff == nil {
			continue
		}
		ff.op = opRefInc
		_, err := ff.OpenReadWriteLocked(ctx)
		switch {
		case err == nil:
			locked = append(locked, ff)
		case errors.Is(err, ErrFragmentDeleted):
			return fmt.Errorf("%w: %s", ErrDeletedObject, s.id)
		case errors.Is(err, ErrLockTimeout), ctx.Err() != nil:
			return err
		default:
			s.errors++
			s.logger.Warn().Err(err).Int("frag", i).Msg("refinc: fragment not locked")
		}
	}

	var total int32
	for _, ff := range locked {
		if !ff.footer.IsRefCounted() {
			return fragErr(ff.frag, "refinc", ErrNotRefCounted)
		}
		total = max(total, ff.footer.MaxRefCount)
	}

	var ok int
	var errs []error
	for _, ff := range locked {
		if err := ff.IncRefCount(total); err != nil {
			errs = append(errs, err)
			continue
		}
		ok++
	}
	if q := refQuorum(s.data, s.parity); ok < q {
		return fmt.Errorf("%w: %d of %d fragments incremented, need %d: %w",
			ErrRefCountQuorum, ok, len(s.frags), q, errors.Join(errs...))
	}
	return nil
}

// SetRetentionTime writes a new retention time to every fragment.
func (s *FragmentSet) SetRetentionTime(ctx context.Context, until time.Time) error {
	errs, good, err := s.fanout(ctx, "retention", true, func(ctx context.Context, ff *FragmentFile) error {
		return ff.SetRetentionTime(ctx, until)
	})
	if err != nil {
		return err
	}
	if good < s.minGood {
		return s.quorumErr("retention", good, errs)
	}
	return nil
}

// SaveContext stores p next to every usable fragment.
func (s *FragmentSet) SaveContext(ctx context.Context, p []byte) error {
	errs, good, err := s.fanout(ctx, "context", false, func(_ context.Context, ff *FragmentFile) error {
		return ff.SaveContext(p)
	})
	if err != nil {
		return err
	}
	if good < s.minGood {
		return s.quorumErr("save context", good, errs)
	}
	return nil
}

// LoadContext returns the first store context found among the fragments.
func (s *FragmentSet) LoadContext() ([]byte, error) {
	var errs []error
	for _, ff := range s.frags {
		if ff == nil {
			continue
		}
		p, err := ff.LoadContext()
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w: no store context for %s: %w", ErrNoSuchObject, s.id, errors.Join(errs...))
}

// SystemMetadata returns a copy of a footer read by Open, preferring a
// fragment still in use.
func (s *FragmentSet) SystemMetadata() (*footer.Footer, error) {
	var fallback *footer.Footer
	for _, ff := range s.frags {
		if ff == nil || ff.footer == nil {
			continue
		}
		if !ff.bad {
			return ff.footer.Clone(), nil
		}
		if fallback == nil {
			fallback = ff.footer
		}
	}
	if fallback != nil {
		return fallback.Clone(), nil
	}
	return nil, fmt.Errorf("%w: no footer read for %s", ErrNoSuchObject, s.id)
}

// ObjectSize is the object size recorded in the chunk's footers,
// footer.MoreChunks for a non-final chunk.
func (s *FragmentSet) ObjectSize() (int64, error) {
	ft, err := s.SystemMetadata()
	if err != nil {
		return 0, err
	}
	return ft.ObjectSize, nil
}

// Close releases every fragment.
func (s *FragmentSet) Close() {
	for _, ff := range s.frags {
		if ff != nil {
			ff.Close()
		}
	}
}
