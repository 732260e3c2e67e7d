// Package layout maps layout map ids to the disks that hold each fragment
// of a chunk.
package layout

import (
	"errors"
	"fmt"
)

// ErrTooFewDisks is returned when a layout needs more disks than exist.
var ErrTooFewDisks = errors.New("not enough disks for layout")

// DiskID names a disk by the node that serves it and its index on that node.
type DiskID struct {
	Node  int `yaml:"node" json:"node"`
	Index int `yaml:"index" json:"index"`
}

func (d DiskID) String() string {
	return fmt.Sprintf("n%d/d%d", d.Node, d.Index)
}

// Disk is one storage location fragments can be placed on.
type Disk struct {
	ID   DiskID
	Path string
}

func (d *Disk) String() string {
	if d == nil {
		return "<offline>"
	}
	return d.ID.String()
}

// Layout holds one disk per fragment number. A nil entry means the disk
// for that fragment is currently unavailable.
type Layout []*Disk

// Disk returns the disk for fragment frag, or nil.
func (l Layout) Disk(frag int) *Disk {
	if frag < 0 || frag >= len(l) {
		return nil
	}
	return l[frag]
}

// Available counts the non-nil entries.
func (l Layout) Available() int {
	n := 0
	for _, d := range l {
		if d != nil {
			n++
		}
	}
	return n
}

// Provider resolves layout map ids to concrete disks.
type Provider interface {
	// Layout returns the disks for the given map id, one per fragment.
	Layout(mapID int32, frags int) (Layout, error)

	// Disks returns every online disk, grouped node by node.
	Disks() []*Disk

	// Online reports whether a disk is currently reachable.
	Online(id DiskID) bool
}
