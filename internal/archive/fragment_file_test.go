package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/oarchive/internal/archive/bloom"
	"github.com/tunnelmesh/oarchive/internal/archive/checksum"
	"github.com/tunnelmesh/oarchive/internal/archive/footer"
	"github.com/tunnelmesh/oarchive/internal/layout"
	"github.com/tunnelmesh/oarchive/internal/oid"
)

// writeFragment stores data as fragment frag of id, appended in pieces of
// at most step bytes, and returns its disk.
func writeFragment(t *testing.T, r *rig, id oid.ID, frag int, data []byte, objectSize int64, opts CreateOptions) *layout.Disk {
	t.Helper()
	disk := r.layout(t, id).Disk(frag)
	require.NotNil(t, disk)
	ff := NewFragmentFile(r.env, id, frag, disk)
	require.NoError(t, ff.Create(r.shape(), opts))
	for off, step := 0, 1000; off < len(data); off, step = off+step, step+700 {
		require.NoError(t, ff.Append(data[off:min(off+step, len(data))]))
	}
	require.NoError(t, ff.WriteFooterAndClose(objectSize, []byte("hash")))
	require.NoError(t, ff.CompleteCreate())
	return disk
}

func openFragment(t *testing.T, r *rig, id oid.ID, frag int, disk *layout.Disk) *FragmentFile {
	t.Helper()
	ff := NewFragmentFile(r.env, id, frag, disk)
	_, err := ff.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(ff.Close)
	return ff
}

func TestFragmentFile_RoundTripAcrossSpans(t *testing.T) {
	r := newRig(t, nil)
	id := oid.New(0)
	data := randomBytes(9000)
	disk := writeFragment(t, r, id, 1, data, 9000, CreateOptions{Metadata: []byte("meta")})

	ff := openFragment(t, r, id, 1, disk)
	assert.Equal(t, int64(9000), ff.Logical())
	assert.Equal(t, int32(3), ff.Footer().NumPrecedingChecksums)
	assert.Equal(t, "meta", string(ff.Footer().Metadata[:4]))
	assert.Equal(t, "hash", string(ff.Footer().ContentHash[:4]))

	got := make([]byte, len(data))
	n, err := ff.Read(got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)

	part := make([]byte, 700)
	_, err = ff.Read(part, 4000)
	require.NoError(t, err)
	assert.Equal(t, data[4000:4700], part)

	contents, ok := r.mem.Contents(disk.ID, id, 1)
	require.True(t, ok)
	g := r.env.Settings.Checksum
	assert.Equal(t, g.Physical(9000)+int64(g.BlockSize)+footer.Size, int64(len(contents)))
}

func TestFragmentFile_ShortRead(t *testing.T) {
	r := newRig(t, nil)
	id := oid.New(0)
	disk := writeFragment(t, r, id, 2, randomBytes(2048), 2048, CreateOptions{})

	ff := openFragment(t, r, id, 2, disk)
	_, err := ff.Read(make([]byte, 1024), 1536)
	assert.ErrorIs(t, err, ErrFragmentCorrupted)
}

func TestFragmentFile_CorruptionDetectedAndRewritten(t *testing.T) {
	r := newRig(t, nil)
	id := oid.New(0)
	data := randomBytes(6000)
	disk := writeFragment(t, r, id, 3, data, 6000, CreateOptions{})
	require.NoError(t, r.mem.Corrupt(disk.ID, id, 3, 100))

	ff := openFragment(t, r, id, 3, disk)
	p := make([]byte, 512)
	_, err := ff.Read(p, 0)
	require.ErrorIs(t, err, ErrFragmentCorrupted)
	assert.ErrorIs(t, err, checksum.ErrMismatch)
	assert.Equal(t, make([]byte, 512), p, "nothing copied on mismatch")

	_, err = ff.Read(p, 512)
	require.NoError(t, err, "other units still verify")
	assert.Equal(t, data[512:1024], p)

	require.NoError(t, ff.RewriteBlock(data[:512], 0))
	_, err = ff.Read(p, 0)
	require.NoError(t, err)
	assert.Equal(t, data[:512], p)
}

func TestFragmentFile_FooterCorruption(t *testing.T) {
	r := newRig(t, nil)
	id := oid.New(0)
	disk := writeFragment(t, r, id, 0, randomBytes(3000), 3000, CreateOptions{})
	require.NoError(t, r.mem.Corrupt(disk.ID, id, 0, -40))

	ff := NewFragmentFile(r.env, id, 0, disk)
	_, err := ff.Open(context.Background())
	assert.ErrorIs(t, err, ErrFragmentCorrupted)
	assert.True(t, ff.IsBad())
}

func TestFragmentFile_IncompleteAndAborted(t *testing.T) {
	r := newRig(t, nil)
	id := oid.New(0)
	disk := r.layout(t, id).Disk(0)
	ctx := context.Background()

	ff := NewFragmentFile(r.env, id, 0, disk)
	require.NoError(t, ff.Create(r.shape(), CreateOptions{}))
	require.NoError(t, ff.Append([]byte("partial")))
	require.NoError(t, ff.WriteFooterAndClose(7, nil))

	_, err := NewFragmentFile(r.env, id, 0, disk).Open(ctx)
	assert.ErrorIs(t, err, ErrFragmentIncomplete)

	require.NoError(t, ff.AbortCreate())
	_, err = NewFragmentFile(r.env, id, 0, disk).Open(ctx)
	assert.ErrorIs(t, err, ErrFragmentNotFound)
}

func TestFragmentFile_DeleteIsIdempotent(t *testing.T) {
	r := newRig(t, nil)
	id := oid.New(0)
	disk := writeFragment(t, r, id, 4, randomBytes(5000), 5000, CreateOptions{})
	ctx := context.Background()
	when := time.UnixMilli(1_700_000_000_000)

	ff := NewFragmentFile(r.env, id, 4, disk)
	require.NoError(t, ff.Delete(ctx, when))

	contents, ok := r.mem.Contents(disk.ID, id, 4)
	require.True(t, ok)
	assert.Len(t, contents, footer.Size, "tombstone keeps only the footer")

	again := NewFragmentFile(r.env, id, 4, disk)
	_, err := again.Open(ctx)
	require.ErrorIs(t, err, ErrFragmentDeleted)
	require.NotNil(t, again.Footer())
	assert.Equal(t, when.UnixMilli(), again.Footer().DeletionTime)
	assert.False(t, again.IsBad())

	assert.ErrorIs(t, NewFragmentFile(r.env, id, 4, disk).Delete(ctx, when), ErrAlreadyDeleted)
}

func TestFragmentFile_IncRefCountCatchesUp(t *testing.T) {
	r := newRig(t, nil)
	id := oid.New(0)
	disk := writeFragment(t, r, id, 0, randomBytes(4096), 4096, CreateOptions{})
	ctx := context.Background()

	ff := NewFragmentFile(r.env, id, 0, disk)
	_, err := ff.OpenReadWriteLocked(ctx)
	require.NoError(t, err)
	require.NoError(t, ff.IncRefCount(1))
	assert.Equal(t, int32(2), ff.Footer().RefCount)
	assert.Equal(t, int32(2), ff.Footer().MaxRefCount)

	// Two increments numbered 2 and 3 never reached this fragment.
	require.NoError(t, ff.IncRefCount(4))
	ff.Close()

	check := openFragment(t, r, id, 0, disk)
	assert.Equal(t, int32(5), check.Footer().RefCount)
	assert.Equal(t, int32(5), check.Footer().MaxRefCount)
}

func TestFragmentFile_LinkIsNotRefCounted(t *testing.T) {
	r := newRig(t, nil)
	id := oid.New(0)
	disk := writeFragment(t, r, id, 0, nil, 0, CreateOptions{Link: oid.New(1)})

	ff := NewFragmentFile(r.env, id, 0, disk)
	_, err := ff.OpenReadWriteLocked(context.Background())
	require.NoError(t, err)
	defer ff.Close()
	assert.Equal(t, footer.NotRefCounted, ff.Footer().RefCount)
	assert.ErrorIs(t, ff.IncRefCount(1), ErrNotRefCounted)
}

func TestFragmentFile_LockTimeout(t *testing.T) {
	r := newRig(t, nil)
	id := oid.New(0)
	disk := writeFragment(t, r, id, 0, randomBytes(100), 100, CreateOptions{})
	ctx := context.Background()

	holder := NewFragmentFile(r.env, id, 0, disk)
	_, err := holder.OpenReadWriteLocked(ctx)
	require.NoError(t, err)

	_, err = NewFragmentFile(r.env, id, 0, disk).OpenReadWriteLocked(ctx)
	assert.ErrorIs(t, err, ErrLockTimeout)

	holder.Close()
	other := NewFragmentFile(r.env, id, 0, disk)
	_, err = other.OpenReadWriteLocked(ctx)
	require.NoError(t, err)
	other.Close()
}

func TestFragmentFile_SetRetentionTime(t *testing.T) {
	r := newRig(t, nil)
	id := oid.New(0)
	disk := writeFragment(t, r, id, 5, randomBytes(1000), 1000, CreateOptions{})
	until := time.UnixMilli(1_900_000_000_000)

	require.NoError(t, NewFragmentFile(r.env, id, 5, disk).SetRetentionTime(context.Background(), until))
	ff := openFragment(t, r, id, 5, disk)
	assert.Equal(t, until.UnixMilli(), ff.Footer().RetentionTime)
}

func TestFragmentFile_SmallObjectCache(t *testing.T) {
	r := newRig(t, nil)
	id := oid.New(0)
	data := randomBytes(600)
	disk := writeFragment(t, r, id, 0, data, 600, CreateOptions{})

	ff := openFragment(t, r, id, 0, disk)
	require.NotNil(t, ff.cache)
	require.NoError(t, r.mem.Corrupt(disk.ID, id, 0, 10))
	got := make([]byte, 600)
	_, err := ff.Read(got, 0)
	require.NoError(t, err, "served from the verified cache")
	assert.Equal(t, data, got)

	reopened := openFragment(t, r, id, 0, disk)
	assert.Nil(t, reopened.cache, "corrupt region is not cached")
	_, err = reopened.Read(got, 0)
	assert.ErrorIs(t, err, ErrFragmentCorrupted)
}

func TestFragmentFile_LockWaiterSeesTombstone(t *testing.T) {
	r := newRig(t, nil)
	id := oid.New(0)
	disk := writeFragment(t, r, id, 0, randomBytes(3000), 3000, CreateOptions{})
	ctx := context.Background()

	holder := NewFragmentFile(r.env, id, 0, disk)
	_, err := holder.OpenReadWriteLocked(ctx)
	require.NoError(t, err)

	waiter := NewFragmentFile(r.env, id, 0, disk)
	done := make(chan error, 1)
	go func() {
		_, err := waiter.OpenReadWriteLocked(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, holder.tombstone(r.env.Now()))
	holder.Close()

	err = <-done
	require.ErrorIs(t, err, ErrFragmentDeleted)
	assert.True(t, waiter.Footer().IsDeleted())
	assert.ErrorIs(t, waiter.IncRefCount(1), ErrBadFragment)
	waiter.Close()
}

// writeLink stores fragment frag of a link object pointing at data.
func writeLink(t *testing.T, r *rig, link, data oid.ID, frag int) *FragmentFile {
	t.Helper()
	disk := writeFragment(t, r, link, frag, nil, 0, CreateOptions{Link: data})
	ff := NewFragmentFile(r.env, link, frag, disk)
	_, err := ff.OpenReadWrite(context.Background())
	require.NoError(t, err)
	t.Cleanup(ff.Close)
	return ff
}

func TestFragmentFile_ReleaseRefOnce(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	dataID, linkID := oid.New(0), oid.New(1)
	dataDisk := writeFragment(t, r, dataID, 0, randomBytes(3000), 3000, CreateOptions{})

	ref := NewFragmentFile(r.env, dataID, 0, dataDisk)
	_, err := ref.OpenReadWriteLocked(ctx)
	require.NoError(t, err)
	require.NoError(t, ref.IncRefCount(1))
	ref.Close()

	link := writeLink(t, r, linkID, dataID, 0)
	key := bloom.Key(linkID)
	before := openFragment(t, r, dataID, 0, dataDisk)
	assert.False(t, before.Footer().DeletedRefs.Has(key))

	for i := 0; i < 2; i++ {
		require.NoError(t, link.deleteRefFromReferee(ctx))
		check := openFragment(t, r, dataID, 0, dataDisk)
		assert.Equal(t, int32(1), check.Footer().RefCount, "release %d", i)
		assert.Equal(t, int32(2), check.Footer().MaxRefCount, "release %d", i)
		assert.True(t, check.Footer().DeletedRefs.Has(key), "release %d", i)
	}
}

func TestFragmentFile_ReleaseRefNeedsQuorum(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	dataID, linkID := oid.New(0), oid.New(1)
	r.storeChunk(t, dataID, randomBytes(3000))
	l := r.layout(t, dataID)
	link := writeLink(t, r, linkID, dataID, 0)

	r.mem.FailDisk(l.Disk(4).ID, true)
	r.mem.FailDisk(l.Disk(5).ID, true)
	err := link.deleteRefFromReferee(ctx)
	require.ErrorIs(t, err, ErrSafetyCheck)

	held := openFragment(t, r, dataID, 0, l.Disk(0))
	assert.Equal(t, int32(0), held.Footer().RefCount)
	assert.True(t, held.Footer().DeletedRefs.Has(bloom.Key(linkID)))
	assert.False(t, held.Footer().IsDeleted(), "not reclaimed without quorum")

	// The count is already released; a retry resumes the reclaim.
	r.mem.FailDisk(l.Disk(4).ID, false)
	r.mem.FailDisk(l.Disk(5).ID, false)
	require.NoError(t, link.deleteRefFromReferee(ctx))
	_, err = NewFragmentFile(r.env, dataID, 0, l.Disk(0)).Open(ctx)
	assert.ErrorIs(t, err, ErrFragmentDeleted)
}
