package archive

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"sync"

	"github.com/klauspost/reedsolomon"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/oarchive/internal/archive/checksum"
	"github.com/tunnelmesh/oarchive/internal/archive/footer"
)

// Fragmenter erasure codes object blocks into fragments and back. It
// holds no per-object state and is safe for concurrent use.
type Fragmenter struct {
	mu       sync.Mutex
	encoders map[[2]int]reedsolomon.Encoder
	logger   zerolog.Logger
}

func NewFragmenter(logger zerolog.Logger) *Fragmenter {
	return &Fragmenter{
		encoders: make(map[[2]int]reedsolomon.Encoder),
		logger:   logger.With().Str("component", "fragmenter").Logger(),
	}
}

func (f *Fragmenter) encoder(data, parity int) (reedsolomon.Encoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]int{data, parity}
	if enc, ok := f.encoders[key]; ok {
		return enc, nil
	}
	enc, err := reedsolomon.New(data, parity)
	if err != nil {
		return nil, fmt.Errorf("%w: reed-solomon %d+%d: %w", ErrInvalidArgument, data, parity, err)
	}
	f.encoders[key] = enc
	return enc, nil
}

// AppendOptions describe the block passed to FragmentAndAppend.
type AppendOptions struct {
	// Block is the block's index within its chunk.
	Block int
	// Final marks the last block of the object.
	Final bool
	// Hash, if set, is updated with the unpadded block.
	Hash hash.Hash
}

// ReadOptions describe the block read by ReadAndDefragment.
type ReadOptions struct {
	// ObjectSize enables the small object shortcut when known; use
	// footer.MoreChunks otherwise.
	ObjectSize int64
	// Heal rewrites reconstructed data into fragments that failed
	// checksum verification.
	Heal bool
}

func roundUp(n, m int) int {
	return (n + m - 1) / m * m
}

// fullFragmentZero reports whether fragment 0 of a block holds the whole
// block instead of its share. That is done for objects that fit a single
// block below the inline threshold, so they read back from one fragment.
func fullFragmentZero(s Settings, set *FragmentSet, blockOffset, objectSize int64) bool {
	return set.data > 1 && set.id.Chunk == 0 && blockOffset == 0 &&
		objectSize >= 0 && objectSize < int64(s.InlineThreshold)
}

// FragmentAndAppend encodes one block and appends its fragments to set.
// The block is zero padded to a multiple of the data fragment count.
func (f *Fragmenter) FragmentAndAppend(ctx context.Context, set *FragmentSet, data []byte, opts AppendOptions) error {
	s := set.env.Settings
	if len(data) > s.BlockSize {
		return fmt.Errorf("%w: block of %d bytes exceeds block size %d", ErrInvalidArgument, len(data), s.BlockSize)
	}
	if opts.Hash != nil {
		opts.Hash.Write(data)
	}
	if len(data) == 0 {
		return nil
	}
	enc, err := f.encoder(set.data, set.parity)
	if err != nil {
		return err
	}

	padded := roundUp(len(data), set.data)
	ss := padded / set.data
	buf := make([]byte, ss*set.Width())
	copy(buf, data)
	shards := make([][]byte, set.Width())
	for i := range shards {
		shards[i] = buf[i*ss : (i+1)*ss]
	}
	if err := enc.Encode(shards); err != nil {
		return fmt.Errorf("%w: encode: %w", ErrArchive, err)
	}

	if opts.Final && opts.Block == 0 && fullFragmentZero(s, set, 0, int64(len(data))) {
		shards[0] = buf[:padded]
	}
	return set.Append(ctx, shards)
}

// ReadAndDefragment reads length bytes of the block at object offset
// offset within the chunk into buf, rebuilding up to M failed fragments
// from parity. offset must be block aligned; length must be a multiple of
// the data fragment count and at most one block. It returns the number of
// fragment failures met.
func (f *Fragmenter) ReadAndDefragment(ctx context.Context, set *FragmentSet, buf []byte, offset int64, length int, opts ReadOptions) (int, error) {
	s := set.env.Settings
	switch {
	case offset < 0 || offset%int64(s.BlockSize) != 0:
		return 0, fmt.Errorf("%w: offset %d is not block aligned", ErrInvalidArgument, offset)
	case length <= 0 || length > s.BlockSize || length%set.data != 0:
		return 0, fmt.Errorf("%w: length %d must be a positive multiple of %d up to %d", ErrInvalidArgument, length, set.data, s.BlockSize)
	case len(buf) < length:
		return 0, fmt.Errorf("%w: buffer of %d bytes for %d", ErrInvalidArgument, len(buf), length)
	}
	enc, err := f.encoder(set.data, set.parity)
	if err != nil {
		return 0, err
	}
	buf = buf[:length]

	full := fullFragmentZero(s, set, offset, opts.ObjectSize)
	fastFailed := 0
	if full && length == roundUp(int(opts.ObjectSize), set.data) {
		err := set.ReadSingle(0, buf, 0)
		if err == nil {
			return 0, nil
		}
		fastFailed = 1
		f.logger.Debug().Err(err).Str("oid", set.id.String()).Msg("single fragment read failed")
	}

	ss := length / set.data
	fragOff := offset / int64(set.data)
	shards := make([][]byte, set.Width())
	for i := range shards {
		if i < set.data {
			shards[i] = buf[i*ss : (i+1)*ss]
		} else {
			shards[i] = make([]byte, ss)
		}
	}
	errs, err := set.Read(ctx, shards, fragOff)
	if err != nil {
		return fastFailed, err
	}

	failed := 0
	for i, e := range errs {
		if e != nil {
			failed++
			shards[i] = shards[i][:0]
		}
	}
	if failed > set.parity {
		return failed + fastFailed, fmt.Errorf("%w: %d of %d fragments failed for block at %d of %s: %w",
			ErrUnrecoverable, failed, set.Width(), offset, set.id, errors.Join(errs...))
	}
	if failed == 0 {
		return fastFailed, nil
	}

	if err := enc.ReconstructData(shards); err != nil {
		return failed + fastFailed, fmt.Errorf("%w: reconstruct: %w", ErrArchive, err)
	}
	set.env.Metrics.RecordReconstruction()

	if opts.Heal {
		f.heal(set, enc, shards, errs, buf, fragOff, full)
	}
	return failed + fastFailed, nil
}

func corrupted(err error) bool {
	return errors.Is(err, checksum.ErrMismatch) || errors.Is(err, checksum.ErrBadBlock)
}

// heal rewrites the rebuilt shards of fragments that failed verification.
// Failures are logged and counted, never returned.
func (f *Fragmenter) heal(set *FragmentSet, enc reedsolomon.Encoder, shards [][]byte, errs []error, buf []byte, fragOff int64, full bool) {
	var targets []int
	for i, e := range errs {
		if corrupted(e) {
			targets = append(targets, i)
		}
	}
	if len(targets) == 0 {
		return
	}
	if err := enc.Reconstruct(shards); err != nil {
		f.logger.Warn().Err(err).Msg("heal: parity rebuild failed")
		return
	}
	env := set.env
	for _, i := range targets {
		if !env.allowHeal() {
			env.Metrics.RecordHeal("throttled")
			continue
		}
		p := shards[i]
		if i == 0 && full {
			p = buf
		}
		if err := set.RewriteBlock(i, p, fragOff); err != nil {
			env.Metrics.RecordHeal("error")
			continue
		}
		env.Metrics.RecordHeal("ok")
	}
}

// ReconstructFragment rebuilds the share of fragment frag for the block at
// offset, reading the other fragments of set. length is the block's
// padded length as for ReadAndDefragment.
func (f *Fragmenter) ReconstructFragment(ctx context.Context, set *FragmentSet, frag int, offset int64, length int, objectSize int64) ([]byte, error) {
	s := set.env.Settings
	if frag < 0 || frag >= set.Width() {
		return nil, fmt.Errorf("%w: fragment %d of %d", ErrInvalidArgument, frag, set.Width())
	}
	if fullFragmentZero(s, set, offset, objectSize) && frag == 0 {
		buf := make([]byte, length)
		if _, err := f.ReadAndDefragment(ctx, set, buf, offset, length, ReadOptions{ObjectSize: footer.MoreChunks}); err != nil {
			return nil, err
		}
		return buf, nil
	}

	enc, err := f.encoder(set.data, set.parity)
	if err != nil {
		return nil, err
	}
	ss := length / set.data
	shards := make([][]byte, set.Width())
	for i := range shards {
		if i != frag {
			shards[i] = make([]byte, ss)
		}
	}
	errs, err := set.Read(ctx, shards, offset/int64(set.data))
	if err != nil {
		return nil, err
	}
	failed := 1
	for i, e := range errs {
		if i != frag && e != nil {
			failed++
			shards[i] = nil
		}
	}
	if failed > set.parity {
		return nil, fmt.Errorf("%w: %d of %d fragments unavailable: %w", ErrUnrecoverable, failed, set.Width(), errors.Join(errs...))
	}
	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("%w: reconstruct: %w", ErrArchive, err)
	}
	set.env.Metrics.RecordReconstruction()
	return shards[frag], nil
}
