package layout

import (
	"os"
	"testing"
)

func TestCapacityUpdate(t *testing.T) {
	c := NewCapacity()
	id := DiskID{Node: 1, Index: 0}

	c.Update(id, &VolumeStats{AvailableBytes: 100})
	got := c.Get(id)
	if got == nil {
		t.Fatal("expected snapshot, got nil")
	}
	if got.AvailableBytes != 100 {
		t.Errorf("AvailableBytes = %d, want 100", got.AvailableBytes)
	}

	// Update replaces
	c.Update(id, &VolumeStats{AvailableBytes: 200})
	if got := c.Get(id); got.AvailableBytes != 200 {
		t.Errorf("AvailableBytes = %d, want 200", got.AvailableBytes)
	}

	c.Update(id, nil) // should not panic
	if got := c.Get(DiskID{Node: 9}); got != nil {
		t.Errorf("expected nil for unknown disk, got %v", got)
	}
}

func TestCapacityMinAvailable(t *testing.T) {
	a := &Disk{ID: DiskID{Node: 0}}
	b := &Disk{ID: DiskID{Node: 1}}
	u := &Disk{ID: DiskID{Node: 2}}

	c := NewCapacity()
	c.Update(a.ID, &VolumeStats{AvailableBytes: 500})
	c.Update(b.ID, &VolumeStats{AvailableBytes: 300})

	tests := []struct {
		name      string
		layout    Layout
		wantAvail int64
		wantKnown bool
	}{
		{"all known", Layout{a, b}, 300, true},
		{"unknown ignored", Layout{a, u}, 500, true},
		{"offline ignored", Layout{nil, b}, 300, true},
		{"nothing known", Layout{u, nil}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			avail, known := c.MinAvailable(tt.layout)
			if avail != tt.wantAvail || known != tt.wantKnown {
				t.Errorf("MinAvailable() = %d,%v want %d,%v", avail, known, tt.wantAvail, tt.wantKnown)
			}
		})
	}

	if !c.HasCapacityFor(Layout{u}, 1<<40) {
		t.Error("expected fail-open for unknown disk")
	}
	if c.HasCapacityFor(Layout{a, b}, 301) {
		t.Error("expected no capacity for 301 bytes with 300 available")
	}
}

func TestCapacityRefresh(t *testing.T) {
	dir := t.TempDir()
	c := NewCapacity()
	disks := []*Disk{
		{ID: DiskID{Index: 0}, Path: dir},
		{ID: DiskID{Index: 1}, Path: dir + string(os.PathSeparator) + "missing"},
	}
	if n := c.Refresh(disks); n != 1 {
		t.Fatalf("Refresh() = %d, want 1", n)
	}
	snap := c.Get(disks[0].ID)
	if snap == nil || snap.TotalBytes <= 0 {
		t.Errorf("expected positive total bytes, got %+v", snap)
	}
	if c.Get(disks[1].ID) != nil {
		t.Error("missing path should not produce a snapshot")
	}
}
