package archive

import (
	"bytes"
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/oarchive/internal/archive/checksum"
	"github.com/tunnelmesh/oarchive/internal/daal"
	"github.com/tunnelmesh/oarchive/internal/layout"
	"github.com/tunnelmesh/oarchive/internal/oid"
)

// testSettings is a small 4+2 geometry: 8 KiB blocks, 2 KiB fragments,
// 512 byte checksum units and 4 KiB checksum spans, 4 blocks per chunk.
func testSettings(t *testing.T) Settings {
	t.Helper()
	g, err := checksum.NewGeometry(checksum.Adler32, 512, checksum.Overhead+4*8)
	require.NoError(t, err)
	s := DefaultSettings()
	s.Data, s.Parity = 4, 2
	s.BlockSize = 8192
	s.ChunkBlocks = 4
	s.InlineThreshold = 1024
	s.Checksum = g
	s.Locks = LockSettings{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsed:      200 * time.Millisecond,
	}
	s.Pools = PoolSettings{Max: 4, WaitTimeout: 5 * time.Second}
	s.Heal = HealSettings{Rate: 1000, Burst: 100}
	s.ChecksumCacheBlocks = 4
	s.BlockCacheEntries = 0
	return s
}

type rig struct {
	env     *Env
	mem     *daal.Memory
	layouts *layout.Static
	client  *Client
	frag    *Fragmenter
	metrics *Metrics
}

// newRig builds an engine over the memory backend with three nodes of
// three disks each.
func newRig(t *testing.T, mutate func(*Settings)) *rig {
	t.Helper()
	s := testSettings(t)
	if mutate != nil {
		mutate(&s)
	}
	var disks []layout.Disk
	for node := 0; node < 3; node++ {
		for idx := 0; idx < 3; idx++ {
			disks = append(disks, layout.Disk{ID: layout.DiskID{Node: node, Index: idx}})
		}
	}
	static, err := layout.NewStatic(disks, len(disks))
	require.NoError(t, err)

	metrics := NewMetrics(prometheus.NewRegistry())
	mem := daal.NewMemory()
	env, err := NewEnv(EnvConfig{
		Settings: s,
		Backend:  mem,
		Layouts:  static,
		Logger:   zerolog.Nop(),
		Metrics:  metrics,
	})
	require.NoError(t, err)
	frag := NewFragmenter(zerolog.Nop())
	client, err := NewClient(env, frag)
	require.NoError(t, err)
	return &rig{env: env, mem: mem, layouts: static, client: client, frag: frag, metrics: metrics}
}

func (r *rig) layout(t *testing.T, id oid.ID) layout.Layout {
	t.Helper()
	l, err := r.env.layoutFor(id, r.env.Settings.Width())
	require.NoError(t, err)
	return l
}

// newSet places a fresh set for id.
func (r *rig) newSet(t *testing.T, id oid.ID) *FragmentSet {
	t.Helper()
	s := r.env.Settings
	return NewFragmentSet(r.env, id, s.Data, s.Parity, r.layout(t, id))
}

func (r *rig) shape() Shape {
	return r.client.shape()
}

// storeChunk writes data as a single final chunk of id through the
// fragmenter and commits it.
func (r *rig) storeChunk(t *testing.T, id oid.ID, data []byte) {
	t.Helper()
	ctx := context.Background()
	set := r.newSet(t, id)
	require.NoError(t, set.Create(ctx, r.shape(), CreateOptions{}))
	bs := r.env.Settings.BlockSize
	for b, off := 0, 0; off < len(data); b, off = b+1, off+bs {
		end := min(off+bs, len(data))
		require.NoError(t, r.frag.FragmentAndAppend(ctx, set, data[off:end], AppendOptions{Block: b, Final: end == len(data)}))
	}
	require.NoError(t, set.WriteFooterAndClose(ctx, int64(len(data)), nil))
	require.NoError(t, set.CompleteCreate(ctx))
}

// put stores data through the client and returns the link id.
func (r *rig) put(t *testing.T, data []byte) oid.ID {
	t.Helper()
	link, err := r.client.Put(context.Background(), bytes.NewReader(data), PutOptions{})
	require.NoError(t, err)
	return link
}

func (r *rig) get(t *testing.T, link oid.ID) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := r.client.Get(context.Background(), link, &buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func randomBytes(n int) []byte {
	rng := rand.New(rand.NewPCG(uint64(n), 7))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.Uint32())
	}
	return b
}
