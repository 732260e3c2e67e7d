package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDisks(nodes, perNode int) []Disk {
	var out []Disk
	for n := 0; n < nodes; n++ {
		for i := 0; i < perNode; i++ {
			out = append(out, Disk{ID: DiskID{Node: n, Index: i}, Path: "/x"})
		}
	}
	return out
}

func TestStatic_NeighboursOnDifferentNodes(t *testing.T) {
	s, err := NewStatic(testDisks(3, 2), 16)
	require.NoError(t, err)

	for m := int32(0); m < 16; m++ {
		l, err := s.Layout(m, 3)
		require.NoError(t, err)
		require.Len(t, l, 3)
		nodes := map[int]bool{}
		for _, d := range l {
			require.NotNil(t, d)
			nodes[d.ID.Node] = true
		}
		assert.Len(t, nodes, 3, "map %d", m)
	}
}

func TestStatic_Deterministic(t *testing.T) {
	s, err := NewStatic(testDisks(2, 3), 8)
	require.NoError(t, err)

	a, err := s.Layout(5, 4)
	require.NoError(t, err)
	b, err := s.Layout(5+8, 4)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := s.Layout(-3, 4)
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestStatic_Offline(t *testing.T) {
	s, err := NewStatic(testDisks(3, 1), 3)
	require.NoError(t, err)

	l, err := s.Layout(0, 3)
	require.NoError(t, err)
	victim := l[1].ID

	s.SetOnline(victim, false)
	assert.False(t, s.Online(victim))
	l, err = s.Layout(0, 3)
	require.NoError(t, err)
	assert.Nil(t, l[1])
	assert.Equal(t, 2, l.Available())
	assert.Len(t, s.Disks(), 2)

	s.SetOnline(victim, true)
	l, err = s.Layout(0, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, l.Available())
}

func TestStatic_Errors(t *testing.T) {
	_, err := NewStatic(nil, 1)
	assert.ErrorIs(t, err, ErrTooFewDisks)

	dup := []Disk{{ID: DiskID{}}, {ID: DiskID{}}}
	_, err = NewStatic(dup, 1)
	assert.Error(t, err)

	s, err := NewStatic(testDisks(1, 2), 1)
	require.NoError(t, err)
	_, err = s.Layout(0, 3)
	assert.ErrorIs(t, err, ErrTooFewDisks)
}

func TestStatic_DisksNodeOrder(t *testing.T) {
	s, err := NewStatic(testDisks(2, 2), 4)
	require.NoError(t, err)
	got := s.Disks()
	require.Len(t, got, 4)
	assert.Equal(t, DiskID{0, 0}, got[0].ID)
	assert.Equal(t, DiskID{0, 1}, got[1].ID)
	assert.Equal(t, DiskID{1, 0}, got[2].ID)
	assert.Equal(t, DiskID{1, 1}, got[3].ID)
}

func TestStatic_ChooseMapIDPrefersFreeSpace(t *testing.T) {
	s, err := NewStatic(testDisks(4, 1), 4)
	require.NoError(t, err)

	// Maps 2 and 3 avoid the nearly full disk on node 1.
	for _, d := range s.Disks() {
		avail := int64(1000)
		if d.ID.Node == 1 {
			avail = 1
		}
		s.Capacity().Update(d.ID, &VolumeStats{AvailableBytes: avail})
	}
	for i := 0; i < 20; i++ {
		m := s.ChooseMapID(2, 4)
		l, err := s.Layout(m, 2)
		require.NoError(t, err)
		for _, d := range l {
			assert.NotEqual(t, 1, d.ID.Node, "map %d", m)
		}
	}
}
