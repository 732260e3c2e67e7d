package layout

import (
	"sync"
	"time"
)

// VolumeStats is a point-in-time view of one disk's filesystem.
type VolumeStats struct {
	Timestamp      time.Time `json:"timestamp"`
	TotalBytes     int64     `json:"total_bytes"`
	UsedBytes      int64     `json:"used_bytes"`
	AvailableBytes int64     `json:"available_bytes"`
}

// Capacity keeps the latest VolumeStats for each disk.
type Capacity struct {
	mu        sync.RWMutex
	snapshots map[DiskID]*VolumeStats
}

// NewCapacity creates an empty capacity table.
func NewCapacity() *Capacity {
	return &Capacity{snapshots: make(map[DiskID]*VolumeStats)}
}

// Update stores or replaces the snapshot for a disk.
func (c *Capacity) Update(id DiskID, stats *VolumeStats) {
	if stats == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[id] = stats
}

// Get returns the latest snapshot for a disk, or nil if unknown.
func (c *Capacity) Get(id DiskID) *VolumeStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshots[id]
}

// Refresh stats every disk's path and records the result. Disks whose
// filesystem cannot be queried keep their previous snapshot. It returns the
// number of disks refreshed.
func (c *Capacity) Refresh(disks []*Disk) int {
	n := 0
	for _, d := range disks {
		total, used, avail, err := GetVolumeStats(d.Path)
		if err != nil {
			continue
		}
		c.Update(d.ID, &VolumeStats{
			Timestamp:      time.Now(),
			TotalBytes:     total,
			UsedBytes:      used,
			AvailableBytes: avail,
		})
		n++
	}
	return n
}

// MinAvailable returns the smallest available byte count among the disks of
// l that have a snapshot. known is false when none of them do.
func (c *Capacity) MinAvailable(l Layout) (avail int64, known bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range l {
		if d == nil {
			continue
		}
		snap, ok := c.snapshots[d.ID]
		if !ok {
			continue
		}
		if !known || snap.AvailableBytes < avail {
			avail = snap.AvailableBytes
		}
		known = true
	}
	return avail, known
}

// HasCapacityFor reports whether every known disk of l can take bytes more.
// Disks without a snapshot are assumed to have room.
func (c *Capacity) HasCapacityFor(l Layout, bytes int64) bool {
	avail, known := c.MinAvailable(l)
	if !known {
		return true
	}
	return avail >= bytes
}
