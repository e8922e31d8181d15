package volfs

import (
	"os"
	"sort"
	"time"
)

// Attribute flags, numerically equal to the Windows FILE_ATTRIBUTE values.
const (
	AttrReadOnly  uint32 = 0x1
	AttrHidden    uint32 = 0x2
	AttrSystem    uint32 = 0x4
	AttrDirectory uint32 = 0x10
	AttrArchive   uint32 = 0x20
	AttrNormal    uint32 = 0x80

	storedAttrs = AttrReadOnly | AttrHidden | AttrSystem | AttrArchive
)

// extent maps Count logical blocks to physical blocks starting at Start.
// Start 0 marks a hole.
type extent struct {
	Start uint64 `cbor:"s"`
	Count uint64 `cbor:"n"`
}

func (e extent) hole() bool { return e.Start == 0 }

type node struct {
	name     string
	parent   *node
	dir      bool
	perm     os.FileMode
	attrs    uint32
	size     int64
	created  time.Time
	accessed time.Time
	modified time.Time
	extents  []extent
	children map[string]*node
	removed  bool
}

func newNode(name string, dir bool, perm os.FileMode, now time.Time) *node {
	n := &node{
		name:     name,
		dir:      dir,
		perm:     perm.Perm(),
		created:  now,
		accessed: now,
		modified: now,
	}
	if dir {
		n.children = make(map[string]*node)
	} else {
		n.attrs = AttrArchive
	}
	return n
}

func (n *node) mode() os.FileMode {
	if n.dir {
		return os.ModeDir | n.perm
	}
	return n.perm
}

func (n *node) attributes() uint32 {
	a := n.attrs & storedAttrs
	if n.dir {
		a |= AttrDirectory
	}
	if a == 0 {
		a = AttrNormal
	}
	return a
}

func (n *node) sortedChildren() []*node {
	out := make([]*node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// isAncestorOf reports whether n is other or one of its parents.
func (n *node) isAncestorOf(other *node) bool {
	for p := other; p != nil; p = p.parent {
		if p == n {
			return true
		}
	}
	return false
}

// blockCount is the number of logical blocks mapped by the extents.
func (n *node) blockCount() uint64 {
	var total uint64
	for _, e := range n.extents {
		total += e.Count
	}
	return total
}

// physical returns the device block of logical block lb, 0 for holes.
func (n *node) physical(lb uint64) (uint64, bool) {
	var base uint64
	for _, e := range n.extents {
		if lb < base+e.Count {
			if e.hole() {
				return 0, true
			}
			return e.Start + (lb - base), true
		}
		base += e.Count
	}
	return 0, false
}

// mergeExtents joins neighbouring holes and physically contiguous runs.
func mergeExtents(in []extent) []extent {
	out := in[:0]
	for _, e := range in {
		if e.Count == 0 {
			continue
		}
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.hole() && e.hole() {
				last.Count += e.Count
				continue
			}
			if !last.hole() && !e.hole() && last.Start+last.Count == e.Start {
				last.Count += e.Count
				continue
			}
		}
		out = append(out, e)
	}
	return out
}
