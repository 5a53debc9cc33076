package spatial

type cursorFrame struct {
	node *TimeTreeNode
	pos  int
}

// Cursor walks the visits of one TimeTree in time order. It holds node
// instances from the row cache and must not outlive the read section that
// created it.
type Cursor struct {
	ix    *Index
	root  int32
	stack []cursorFrame
	valid bool
}

// NewCursor returns an unpositioned cursor over the tree at rootID.
func (ix *Index) NewCursor(rootID int32) *Cursor {
	return &Cursor{ix: ix, root: rootID}
}

// Valid reports whether the cursor is positioned on a visit.
func (c *Cursor) Valid() bool { return c.valid }

// Visit returns the current visit.
func (c *Cursor) Visit() Visit {
	top := c.stack[len(c.stack)-1]
	return top.node.Visit(top.pos)
}

// LeafID returns the id of the node holding the current visit.
func (c *Cursor) LeafID() int32 {
	return c.stack[len(c.stack)-1].node.ID()
}

// descend pushes nodes from id down to a leaf, choosing an entry at each
// level with pick. pick returns -1 when no entry qualifies.
func (c *Cursor) descend(id int32, pick func(n *TimeTreeNode) int) error {
	for {
		n, err := c.ix.trees.GetRow(id)
		if err != nil {
			return c.ix.missing("time tree node", id, err)
		}
		pos := pick(n)
		if pos < 0 {
			c.valid = false
			return nil
		}
		c.stack = append(c.stack, cursorFrame{node: n, pos: pos})
		if n.Leaf() {
			c.valid = true
			return nil
		}
		id = n.Entries[pos].A
	}
}

func (c *Cursor) reset() {
	c.stack = c.stack[:0]
	c.valid = false
}

// First positions the cursor on the earliest visit.
func (c *Cursor) First() error {
	c.reset()
	if c.root == NoID {
		return nil
	}
	return c.descend(c.root, func(n *TimeTreeNode) int {
		if n.Count == 0 {
			return -1
		}
		return 0
	})
}

// Last positions the cursor on the most recent visit.
func (c *Cursor) Last() error {
	c.reset()
	if c.root == NoID {
		return nil
	}
	return c.descend(c.root, func(n *TimeTreeNode) int {
		return int(n.Count) - 1
	})
}

// Seek positions the cursor on the first visit that ends at or after t.
func (c *Cursor) Seek(t int64) error {
	c.reset()
	if c.root == NoID {
		return nil
	}
	return c.descend(c.root, func(n *TimeTreeNode) int {
		for i := 0; i < int(n.Count); i++ {
			if n.Entries[i].Max >= t {
				return i
			}
		}
		return -1
	})
}

// SeekStart positions the cursor on the first visit that starts at or after t.
func (c *Cursor) SeekStart(t int64) error {
	if err := c.Seek(t); err != nil {
		return err
	}
	for c.valid && c.Visit().Min < t {
		if err := c.Next(); err != nil {
			return err
		}
	}
	return nil
}

// SeekBefore positions the cursor on the last visit that starts before t.
func (c *Cursor) SeekBefore(t int64) error {
	c.reset()
	if c.root == NoID {
		return nil
	}
	return c.descend(c.root, func(n *TimeTreeNode) int {
		for i := int(n.Count) - 1; i >= 0; i-- {
			if n.Entries[i].Min < t {
				return i
			}
		}
		return -1
	})
}

// Next advances to the following visit.
func (c *Cursor) Next() error {
	if !c.valid {
		return nil
	}
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if top.pos+1 < int(top.node.Count) {
			top.pos++
			if top.node.Leaf() {
				return nil
			}
			child := top.node.Entries[top.pos].A
			return c.descend(child, func(n *TimeTreeNode) int {
				if n.Count == 0 {
					return -1
				}
				return 0
			})
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	c.valid = false
	return nil
}

// Prev steps back to the preceding visit.
func (c *Cursor) Prev() error {
	if !c.valid {
		return nil
	}
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if top.pos > 0 {
			top.pos--
			if top.node.Leaf() {
				return nil
			}
			child := top.node.Entries[top.pos].A
			return c.descend(child, func(n *TimeTreeNode) int {
				return int(n.Count) - 1
			})
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	c.valid = false
	return nil
}

// Overlap returns the part of [start, end) covered by visits of the tree at
// rootID, clipped to the window, and false when no visit intersects it.
func (ix *Index) Overlap(rootID int32, start, end int64) (TimeRange, bool, error) {
	c := ix.NewCursor(rootID)
	if err := c.Seek(start); err != nil {
		return TimeRange{}, false, err
	}
	if !c.Valid() || c.Visit().Min >= end {
		return TimeRange{}, false, nil
	}
	first := c.Visit()

	if err := c.SeekBefore(end); err != nil {
		return TimeRange{}, false, err
	}
	last := c.Visit()
	return TimeRange{Start: max(first.Min, start), End: min(last.Max, end)}, true, nil
}

// TimeRange is a closed time interval in seconds.
type TimeRange struct {
	Start int64
	End   int64
}

// Contains reports whether t lies in the range.
func (r TimeRange) Contains(t int64) bool { return t >= r.Start && t <= r.End }
