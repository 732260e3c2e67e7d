package archive

import (
	"fmt"
	"time"

	"github.com/tunnelmesh/oarchive/internal/archive/checksum"
)

// Settings are the cluster-wide parameters every fragment is written and
// read with.
type Settings struct {
	Data   int // N
	Parity int // M

	// BlockSize is the number of object bytes erasure coded at a time.
	BlockSize int
	// ChunkBlocks is the number of blocks per chunk.
	ChunkBlocks int
	// InlineThreshold bounds objects that get a single-fragment read path
	// and the fragment-0 read cache.
	InlineThreshold int

	Checksum checksum.Geometry

	// ContentHash names the running object hash: "blake3", "blake2b" or "none".
	ContentHash string

	Locks LockSettings
	Pools PoolSettings
	Heal  HealSettings

	// ChecksumCacheBlocks is the per-fragment decoded checksum block cache size.
	ChecksumCacheBlocks int
	// BlockCacheEntries is the client's decoded object block cache size.
	BlockCacheEntries int
}

// LockSettings is the retry policy for fragment locks.
type LockSettings struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// PoolSettings bound concurrent fan-outs.
type PoolSettings struct {
	Max         int
	WaitTimeout time.Duration
}

// HealSettings limit repair rewrites. Rate 0 disables healing.
type HealSettings struct {
	Rate  float64
	Burst int
}

// DefaultSettings returns a 4+2 layout with 1 MiB blocks.
func DefaultSettings() Settings {
	g, _ := checksum.NewGeometry(checksum.Adler32, 4096, checksum.Overhead+4*256)
	return Settings{
		Data:            4,
		Parity:          2,
		BlockSize:       1 << 20,
		ChunkBlocks:     64,
		InlineThreshold: 64 << 10,
		Checksum:        g,
		ContentHash:     "blake3",
		Locks: LockSettings{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     500 * time.Millisecond,
			MaxElapsed:      10 * time.Second,
		},
		Pools: PoolSettings{
			Max:         8,
			WaitTimeout: 30 * time.Second,
		},
		Heal: HealSettings{
			Rate:  50,
			Burst: 10,
		},
		ChecksumCacheBlocks: checksum.DefaultCacheBlocks,
		BlockCacheEntries:   64,
	}
}

// Width is the number of fragments per block.
func (s Settings) Width() int {
	return s.Data + s.Parity
}

// FragmentSize is the fragment length of a full block.
func (s Settings) FragmentSize() int {
	return s.BlockSize / s.Data
}

// ChunkBytes is the object data held by one chunk.
func (s Settings) ChunkBytes() int64 {
	return int64(s.BlockSize) * int64(s.ChunkBlocks)
}

// Validate checks the settings for internal consistency.
func (s Settings) Validate() error {
	switch {
	case s.Data < 1:
		return fmt.Errorf("%w: data fragments must be at least 1", ErrInvalidArgument)
	case s.Parity < 0:
		return fmt.Errorf("%w: parity fragments must not be negative", ErrInvalidArgument)
	case s.Data+s.Parity > 256:
		return fmt.Errorf("%w: at most 256 fragments per block", ErrInvalidArgument)
	case s.BlockSize <= 0 || s.BlockSize%s.Data != 0:
		return fmt.Errorf("%w: block size %d must be a positive multiple of %d", ErrInvalidArgument, s.BlockSize, s.Data)
	case s.ChunkBlocks < 1:
		return fmt.Errorf("%w: chunk blocks must be at least 1", ErrInvalidArgument)
	case s.InlineThreshold < 0 || s.InlineThreshold > s.BlockSize:
		return fmt.Errorf("%w: inline threshold must be between 0 and the block size", ErrInvalidArgument)
	case s.Pools.Max < 1:
		return fmt.Errorf("%w: pool max must be at least 1", ErrInvalidArgument)
	}
	if s.Checksum.Enabled() && int64(s.FragmentSize())%s.Checksum.Unit != 0 {
		return fmt.Errorf("%w: fragment size %d must be a multiple of bytes per checksum %d",
			ErrInvalidArgument, s.FragmentSize(), s.Checksum.Unit)
	}
	switch s.ContentHash {
	case "blake3", "blake2b", "none", "":
	default:
		return fmt.Errorf("%w: unknown content hash %q", ErrInvalidArgument, s.ContentHash)
	}
	return nil
}
