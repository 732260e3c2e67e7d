package layout

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
)

// Static is a Provider over a fixed disk set. Disks are arranged in a ring
// that alternates between nodes, and map id m starts at ring position
// m mod len(ring), so neighbouring fragments land on different nodes
// whenever the cluster has more than one node.
type Static struct {
	mu       sync.RWMutex
	ring     []*Disk
	offline  map[DiskID]bool
	numMaps  int32
	capacity *Capacity
}

// NewStatic builds a provider over disks with numMaps layout maps.
func NewStatic(disks []Disk, numMaps int) (*Static, error) {
	if len(disks) == 0 {
		return nil, fmt.Errorf("%w: no disks configured", ErrTooFewDisks)
	}
	if numMaps <= 0 {
		numMaps = len(disks)
	}

	seen := make(map[DiskID]bool, len(disks))
	byNode := make(map[int][]*Disk)
	var nodes []int
	for i := range disks {
		d := disks[i]
		if seen[d.ID] {
			return nil, fmt.Errorf("duplicate disk %s", d.ID)
		}
		seen[d.ID] = true
		if _, ok := byNode[d.ID.Node]; !ok {
			nodes = append(nodes, d.ID.Node)
		}
		byNode[d.ID.Node] = append(byNode[d.ID.Node], &d)
	}
	sort.Ints(nodes)
	for _, n := range nodes {
		sort.Slice(byNode[n], func(i, j int) bool { return byNode[n][i].ID.Index < byNode[n][j].ID.Index })
	}

	ring := make([]*Disk, 0, len(disks))
	for round := 0; len(ring) < len(disks); round++ {
		for _, n := range nodes {
			if round < len(byNode[n]) {
				ring = append(ring, byNode[n][round])
			}
		}
	}

	return &Static{
		ring:     ring,
		offline:  make(map[DiskID]bool),
		numMaps:  int32(numMaps),
		capacity: NewCapacity(),
	}, nil
}

// NumMaps returns the number of layout maps.
func (s *Static) NumMaps() int32 {
	return s.numMaps
}

// Capacity returns the capacity snapshots used by ChooseMapID.
func (s *Static) Capacity() *Capacity {
	return s.capacity
}

// SetOnline marks a disk available or unavailable.
func (s *Static) SetOnline(id DiskID, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if online {
		delete(s.offline, id)
	} else {
		s.offline[id] = true
	}
}

// Online reports whether the disk is available.
func (s *Static) Online(id DiskID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.offline[id]
}

// Layout implements Provider.
func (s *Static) Layout(mapID int32, frags int) (Layout, error) {
	if frags > len(s.ring) {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrTooFewDisks, frags, len(s.ring))
	}
	m := int(mapID % s.numMaps)
	if m < 0 {
		m += int(s.numMaps)
	}
	start := m % len(s.ring)

	s.mu.RLock()
	defer s.mu.RUnlock()
	l := make(Layout, frags)
	for i := 0; i < frags; i++ {
		d := s.ring[(start+i)%len(s.ring)]
		if !s.offline[d.ID] {
			l[i] = d
		}
	}
	return l, nil
}

// Disks implements Provider.
func (s *Static) Disks() []*Disk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Disk, 0, len(s.ring))
	for _, d := range s.ring {
		if !s.offline[d.ID] {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Node != out[j].ID.Node {
			return out[i].ID.Node < out[j].ID.Node
		}
		return out[i].ID.Index < out[j].ID.Index
	})
	return out
}

// AllDisks returns every configured disk, online or not, in ring order.
func (s *Static) AllDisks() []*Disk {
	return append([]*Disk(nil), s.ring...)
}

// ChooseMapID picks a layout map for a new object. It samples up to
// candidates map ids (all of them when candidates >= NumMaps) and keeps the
// one whose fullest disk has the most free space. Without capacity
// information the first sample wins.
func (s *Static) ChooseMapID(frags, candidates int) int32 {
	if candidates < 1 {
		candidates = 1
	}
	exhaustive := int32(candidates) >= s.numMaps
	if exhaustive {
		candidates = int(s.numMaps)
	}
	offset := rand.Int32N(s.numMaps)

	best := offset
	bestAvail := int64(-1)
	for i := 0; i < candidates; i++ {
		mapID := (offset + int32(i)) % s.numMaps
		if !exhaustive && i > 0 {
			mapID = rand.Int32N(s.numMaps)
		}
		l, err := s.Layout(mapID, frags)
		if err != nil {
			continue
		}
		avail, known := s.capacity.MinAvailable(l)
		if !known {
			continue
		}
		if avail > bestAvail {
			best, bestAvail = mapID, avail
		}
	}
	return best
}
