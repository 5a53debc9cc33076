package spatial

import (
	"encoding/binary"
	"fmt"
)

// TimeTreeFanout is the number of entries per TimeTree node.
const TimeTreeFanout = 8

const (
	ttHeaderSize = 8
	ttEntrySize  = 24

	// TimeTreePlainSize is the encoded size of a TimeTree node:
	//
	//	[level:4][count:4] then TimeTreeFanout x [min:8][max:8][a:4][b:4]
	//
	// Leaf entries (level 0) store a = prevAP, b = nextAP. Internal entries
	// store a = child node id, b = visits in that subtree.
	TimeTreePlainSize = ttHeaderSize + TimeTreeFanout*ttEntrySize
)

// Visit is one continuous stay of the tracked point inside a cell. PrevAP and
// NextAP name the same-depth cells occupied immediately before and after.
type Visit struct {
	Min    int64
	Max    int64
	PrevAP int32
	NextAP int32
}

// Overlaps reports whether the visit intersects the half-open range [start, end).
func (v Visit) Overlaps(start, end int64) bool {
	return v.Min < end && v.Max >= start
}

type ttEntry struct {
	Min int64
	Max int64
	A   int32
	B   int32
}

// TimeTreeNode is one node of a right-growing B-tree of visits. Visits of a
// cell never overlap and arrive in time order, so only the rightmost spine
// is ever modified and every other node is full.
type TimeTreeNode struct {
	id      int32
	Level   int32
	Count   int32
	Entries [TimeTreeFanout]ttEntry
}

func newTimeTreeNode() *TimeTreeNode { return &TimeTreeNode{} }

func (n *TimeTreeNode) ID() int32      { return n.id }
func (n *TimeTreeNode) SetID(id int32) { n.id = id }

func (n *TimeTreeNode) MarshalRow(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(n.Level))
	binary.BigEndian.PutUint32(buf[4:8], uint32(n.Count))
	for i := 0; i < int(n.Count); i++ {
		e := n.Entries[i]
		off := ttHeaderSize + i*ttEntrySize
		binary.BigEndian.PutUint64(buf[off:], uint64(e.Min))
		binary.BigEndian.PutUint64(buf[off+8:], uint64(e.Max))
		binary.BigEndian.PutUint32(buf[off+16:], uint32(e.A))
		binary.BigEndian.PutUint32(buf[off+20:], uint32(e.B))
	}
}

func (n *TimeTreeNode) UnmarshalRow(buf []byte) error {
	if len(buf) < TimeTreePlainSize {
		return fmt.Errorf("time tree row is %d bytes, want %d", len(buf), TimeTreePlainSize)
	}
	n.Level = int32(binary.BigEndian.Uint32(buf[0:4]))
	n.Count = int32(binary.BigEndian.Uint32(buf[4:8]))
	if n.Count < 0 || n.Count > TimeTreeFanout || n.Level < 0 {
		return fmt.Errorf("time tree node level %d count %d out of range", n.Level, n.Count)
	}
	for i := 0; i < int(n.Count); i++ {
		off := ttHeaderSize + i*ttEntrySize
		n.Entries[i] = ttEntry{
			Min: int64(binary.BigEndian.Uint64(buf[off:])),
			Max: int64(binary.BigEndian.Uint64(buf[off+8:])),
			A:   int32(binary.BigEndian.Uint32(buf[off+16:])),
			B:   int32(binary.BigEndian.Uint32(buf[off+20:])),
		}
	}
	return nil
}

// Leaf reports whether the node holds visits.
func (n *TimeTreeNode) Leaf() bool { return n.Level == 0 }

// Visit returns leaf entry i.
func (n *TimeTreeNode) Visit(i int) Visit {
	e := n.Entries[i]
	return Visit{Min: e.Min, Max: e.Max, PrevAP: e.A, NextAP: e.B}
}

// Span returns the time range covered by the node, or false when empty.
func (n *TimeTreeNode) Span() (int64, int64, bool) {
	if n.Count == 0 {
		return 0, 0, false
	}
	return n.Entries[0].Min, n.Entries[n.Count-1].Max, true
}

func (n *TimeTreeNode) visitCount() int32 {
	if n.Leaf() {
		return n.Count
	}
	var total int32
	for i := 0; i < int(n.Count); i++ {
		total += n.Entries[i].B
	}
	return total
}

// spine loads the nodes from root down to the rightmost leaf.
func (ix *Index) spine(rootID int32) ([]*TimeTreeNode, error) {
	var nodes []*TimeTreeNode
	id := rootID
	for {
		n, err := ix.trees.GetRow(id)
		if err != nil {
			return nil, ix.missing("time tree node", id, err)
		}
		nodes = append(nodes, n)
		if n.Leaf() {
			return nodes, nil
		}
		if n.Count == 0 {
			return nil, fmt.Errorf("%w: internal time tree node %d is empty", ErrMissingPanel, id)
		}
		id = n.Entries[n.Count-1].A
	}
}

// LastVisit returns the most recent visit of the tree rooted at rootID.
func (ix *Index) LastVisit(rootID int32) (Visit, bool, error) {
	if rootID == NoID {
		return Visit{}, false, nil
	}
	nodes, err := ix.spine(rootID)
	if err != nil {
		return Visit{}, false, err
	}
	leaf := nodes[len(nodes)-1]
	if leaf.Count == 0 {
		return Visit{}, false, nil
	}
	return leaf.Visit(int(leaf.Count - 1)), true, nil
}

// extendLast moves the end of the most recent visit to t.
func (ix *Index) extendLast(rootID int32, t int64) error {
	nodes, err := ix.spine(rootID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.Count == 0 {
			return fmt.Errorf("%w: extend of empty time tree %d", ErrMissingPanel, rootID)
		}
		e := &n.Entries[n.Count-1]
		if t > e.Max {
			e.Max = t
			if err := ix.trees.MarkDirty(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// setLastNext links the most recent visit to the cell entered next.
func (ix *Index) setLastNext(rootID int32, nextAP int32) error {
	nodes, err := ix.spine(rootID)
	if err != nil {
		return err
	}
	leaf := nodes[len(nodes)-1]
	if leaf.Count == 0 {
		return nil
	}
	leaf.Entries[leaf.Count-1].B = nextAP
	return ix.trees.MarkDirty(leaf)
}

// appendVisit adds v after every existing visit and returns the possibly new
// root id.
func (ix *Index) appendVisit(rootID int32, v Visit) (int32, error) {
	nodes, err := ix.spine(rootID)
	if err != nil {
		return NoID, err
	}

	entry := ttEntry{Min: v.Min, Max: v.Max, A: v.PrevAP, B: v.NextAP}
	var carried *TimeTreeNode

	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if carried != nil {
			entry = ttEntry{Min: v.Min, Max: v.Max, A: carried.ID(), B: 1}
		}

		if n.Count < TimeTreeFanout {
			n.Entries[n.Count] = entry
			n.Count++
			if err := ix.trees.MarkDirty(n); err != nil {
				return NoID, err
			}
			// Ancestors now cover one more visit ending at v.Max.
			for j := i - 1; j >= 0; j-- {
				a := nodes[j]
				last := &a.Entries[a.Count-1]
				last.B++
				last.Max = max(last.Max, v.Max)
				if err := ix.trees.MarkDirty(a); err != nil {
					return NoID, err
				}
			}
			return rootID, nil
		}

		sibling := ix.trees.NewRow()
		sibling.Level = n.Level
		sibling.Entries[0] = entry
		sibling.Count = 1
		carried = sibling
	}

	// The whole spine was full; grow a new root above the old one.
	old := nodes[0]
	lo, hi, _ := old.Span()
	root := ix.trees.NewRow()
	root.Level = old.Level + 1
	root.Entries[0] = ttEntry{Min: lo, Max: hi, A: old.ID(), B: old.visitCount()}
	root.Entries[1] = ttEntry{Min: v.Min, Max: v.Max, A: carried.ID(), B: 1}
	root.Count = 2
	return root.ID(), nil
}

// TimeTreeStats summarises one tree.
type TimeTreeStats struct {
	Visits int32
	Height int32
	Min    int64
	Max    int64
}

// TreeStats returns the visit count and time span of the tree at rootID.
func (ix *Index) TreeStats(rootID int32) (TimeTreeStats, error) {
	if rootID == NoID {
		return TimeTreeStats{}, nil
	}
	root, err := ix.trees.GetRow(rootID)
	if err != nil {
		return TimeTreeStats{}, ix.missing("time tree node", rootID, err)
	}
	lo, hi, _ := root.Span()
	return TimeTreeStats{Visits: root.visitCount(), Height: root.Level + 1, Min: lo, Max: hi}, nil
}
