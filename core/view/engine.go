package view

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adalundhe/trackcache/core/spatial"
)

// StepResult reports what one unit of work did.
type StepResult struct {
	MoreWork     bool
	LinesChanged bool
}

// Engine keeps a Node tree in sync with the index for one session. It is
// not safe for concurrent use; sessions guard it with their own coordinator.
type Engine struct {
	ix     *spatial.Index
	root   *Node
	box    *StBox
	lines  *Lines
	logger *slog.Logger

	linesDirty  bool
	evaluations int64
}

// NewEngine creates an engine whose whole tree is dirty against box.
func NewEngine(ix *spatial.Index, box *StBox, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ix:         ix,
		root:       newUnknownNode(spatial.RootID, 0),
		box:        box,
		lines:      newLines(),
		logger:     logger,
		linesDirty: true,
	}
}

// Box returns the current box.
func (e *Engine) Box() *StBox { return e.box }

// Root returns the root node.
func (e *Engine) Root() *Node { return e.root }

// Clean reports whether every node is evaluated against the current box.
func (e *Engine) Clean() bool { return e.root.dirtyDescendants == 0 }

// Evaluations returns the number of nodes evaluated so far.
func (e *Engine) Evaluations() int64 { return e.evaluations }

// SetBox switches the engine to a new box. A change of MinDepth dirties the
// whole tree; otherwise only the root is dirtied and evaluation decides how
// far down the change reaches.
func (e *Engine) SetBox(box *StBox) error {
	old := e.box
	e.box = box
	e.linesDirty = true
	e.logger.Debug("view box changed", slog.String("from", old.String()), slog.String("to", box.String()))

	if old == nil || old.MinDepth != box.MinDepth {
		return turnOnAllDirtyFlags(e.root, nil, box.MinDepth, e.childPanels)
	}
	markDirty(e.root, nil)
	return nil
}

func (e *Engine) childPanels(n *Node) ([4]int32, error) {
	none := [4]int32{spatial.NoID, spatial.NoID, spatial.NoID, spatial.NoID}
	if e.ix.Empty() {
		return none, nil
	}
	p, err := e.ix.Panel(n.PanelID)
	if err != nil {
		return none, err
	}
	return p.Children, nil
}

// CalcViewableNodes evaluates exactly one dirty node, descending through the
// child with the fewest Set children so distinct features surface before
// dense ones are filled in.
func (e *Engine) CalcViewableNodes() (StepResult, error) {
	if e.root.dirtyDescendants == 0 {
		return StepResult{}, nil
	}

	var ancestors []*Node
	n := e.root
	for !n.dirty {
		var next *Node
		best := 5
		if n.children != nil {
			for _, c := range n.children {
				if c == nil || c.dirtyDescendants == 0 {
					continue
				}
				if s := c.setCount(); s < best {
					best, next = s, c
				}
			}
		}
		if next == nil {
			return StepResult{}, fmt.Errorf("%w: panel %d counts %d dirty below but none found", ErrDirtyCount, n.PanelID, n.dirtyDescendants)
		}
		ancestors = append(ancestors, n)
		n = next
	}

	changed, err := e.evaluate(n, ancestors)
	if err != nil {
		return StepResult{}, err
	}
	if changed {
		e.linesDirty = true
	}
	return StepResult{MoreWork: e.root.dirtyDescendants > 0, LinesChanged: changed}, nil
}

// Converge runs CalcViewableNodes until the tree is clean.
func (e *Engine) Converge(ctx context.Context) (int, error) {
	steps := 0
	for !e.Clean() {
		if err := ctx.Err(); err != nil {
			return steps, err
		}
		if _, err := e.CalcViewableNodes(); err != nil {
			return steps, err
		}
		steps++
	}
	return steps, nil
}

// evaluate brings n up to date with the current box and reports whether
// anything visible at the finest shown depth changed.
func (e *Engine) evaluate(n *Node, ancestors []*Node) (bool, error) {
	box := e.box
	e.evaluations++

	if !n.needsProcessing(box) {
		n.dirty = false
		adjust(n, ancestors, -1)
		return false, nil
	}

	prevStatus, prevOverlap, prevOwn, oldBox := n.status, n.overlap, n.hasOwn, n.box

	if e.ix.Empty() {
		setEmptyStatus(n, ancestors, box)
		return prevStatus == Set, nil
	}
	panel, err := e.ix.Panel(n.PanelID)
	if err != nil {
		return false, err
	}
	overlap, ok, err := e.cellOverlap(panel, box)
	if err != nil {
		return false, err
	}
	if !ok {
		setEmptyStatus(n, ancestors, box)
		return prevStatus == Set, nil
	}

	setSetStatus(n, ancestors, box, overlap)
	if err := e.updateOwn(n, panel, box); err != nil {
		return false, err
	}
	changed := prevStatus != Set || prevOverlap != overlap || prevOwn != n.hasOwn

	if n.Depth >= box.MinDepth || !panel.HasChildren() {
		pruneChildren(n, ancestors)
		return changed, nil
	}

	childAncestors := append(ancestors[:len(ancestors):len(ancestors)], n)
	n.ensureChildren()
	for q, id := range panel.Children {
		c := n.children[q]
		if id == spatial.NoID {
			continue
		}
		if c == nil || c.PanelID != id {
			// New quadrants always start unknown.
			delta := 1
			if c != nil {
				delta -= c.dirtyDescendants
			}
			n.children[q] = newUnknownNode(id, n.Depth+1)
			adjust(n, ancestors, delta)
			continue
		}
		need, err := e.childNeedsRecompute(oldBox, box, panel, q, c)
		if err != nil {
			return false, err
		}
		if need {
			markDirty(c, childAncestors)
		}
	}
	// A node that just became Set changes what its children show.
	return prevStatus != Set || prevOwn != n.hasOwn, nil
}

// cellOverlap returns the visited part of box's window for panel's cell. A
// cell that was never subdivided is only visible where its own points fall
// inside the box.
func (e *Engine) cellOverlap(panel *spatial.AreaPanel, box *StBox) (spatial.TimeRange, bool, error) {
	if !box.Rect.Intersects(panel.Rect()) {
		return spatial.TimeRange{}, false, nil
	}
	if !panel.HasChildren() {
		return e.ix.OwnOverlap(panel, box.Rect, box.Start, box.End)
	}
	return e.ix.Overlap(panel.TimeTreeID, box.Start, box.End)
}

// updateOwn recomputes the history n shows for its own cell while its
// children are shown too.
func (e *Engine) updateOwn(n *Node, panel *spatial.AreaPanel, box *StBox) error {
	n.own, n.hasOwn = spatial.TimeRange{}, false
	if n.Depth >= box.MinDepth || !panel.HasChildren() {
		return nil
	}
	own, ok, err := e.ix.OwnOverlap(panel, box.Rect, box.Start, box.End)
	if err != nil {
		return err
	}
	n.own, n.hasOwn = own, ok
	return nil
}

// childNeedsRecompute reports whether child c of panel could look different
// against box than against old. The spatial test compares the box clipped
// to the child's cell; the temporal test compares the window clipped to the
// child's own visit span, so moving a bound within a region where the child
// has no visits changes nothing.
func (e *Engine) childNeedsRecompute(old, box *StBox, panel *spatial.AreaPanel, q int, c *Node) (bool, error) {
	if old == nil || c.status == Unknown {
		return true, nil
	}
	if old == box {
		return false, nil
	}

	cell := panel.ChildRect(q)
	if clipRect(old.Rect, cell) != clipRect(box.Rect, cell) {
		return true, nil
	}

	child, err := e.ix.Panel(c.PanelID)
	if err != nil {
		return false, err
	}
	stats, err := e.ix.TreeStats(child.TimeTreeID)
	if err != nil {
		return false, err
	}
	if stats.Visits == 0 {
		return false, nil
	}
	os, oe := clipWindow(old.Start, old.End, stats.Min, stats.Max)
	ns, ne := clipWindow(box.Start, box.End, stats.Min, stats.Max)
	return os != ns || oe != ne, nil
}

func clipRect(r, cell spatial.Rect) spatial.Rect {
	c := r.Intersect(cell)
	if c.Empty() {
		return spatial.Rect{}
	}
	return c
}

func clipWindow(start, end, lo, hi int64) (int64, int64) {
	start = min(max(start, lo), hi+1)
	end = min(max(end, lo), hi+1)
	if start >= end {
		return 0, 0
	}
	return start, end
}

// AddPointToHead patches a clean tree for one newly indexed point, following
// the panel path the index used for it. Nodes along the path switch to Set
// lazily; siblings that were not visible cannot have become visible.
func (e *Engine) AddPointToHead(p spatial.Point, path spatial.Path) (StepResult, error) {
	if e.root.dirtyDescendants > 0 {
		return StepResult{}, fmt.Errorf("%w: %d dirty nodes", ErrTreeDirty, e.root.dirtyDescendants)
	}
	box := e.box
	res := StepResult{}

	n := e.root
	var ancestors []*Node
	for d := 0; d < len(path); d++ {
		if n.PanelID != path[d] {
			return res, fmt.Errorf("view node %d does not match index path panel %d at depth %d", n.PanelID, path[d], d)
		}
		panel, err := e.ix.Panel(path[d])
		if err != nil {
			return res, err
		}
		overlap, ok, err := e.cellOverlap(panel, box)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}

		wasSet, hadOwn := n.status == Set, n.hasOwn
		setSetStatus(n, ancestors, box, overlap)
		if err := e.updateOwn(n, panel, box); err != nil {
			return res, err
		}
		if n.hasOwn != hadOwn {
			res.LinesChanged = true
		}

		if n.Depth >= box.MinDepth || !panel.HasChildren() || d+1 >= len(path) {
			res.LinesChanged = true
			break
		}

		if n.children == nil {
			n.ensureChildren()
			if !wasSet {
				for q, id := range panel.Children {
					if id != spatial.NoID && id != path[d+1] {
						n.children[q] = &Node{PanelID: id, Depth: d + 1, status: Empty, box: box}
					}
				}
			}
		}

		q := childSlot(panel, path[d+1])
		if q < 0 {
			return res, fmt.Errorf("%w: panel %d has no child %d", spatial.ErrMissingPanel, panel.ID(), path[d+1])
		}
		c := n.children[q]
		if c == nil {
			c = &Node{PanelID: path[d+1], Depth: d + 1, status: Empty, box: box}
			n.children[q] = c
		}
		ancestors = append(ancestors, n)
		n = c
	}

	if res.LinesChanged {
		e.linesDirty = true
	}
	return res, nil
}

func childSlot(p *spatial.AreaPanel, id int32) int {
	for q, c := range p.Children {
		if c == id {
			return q
		}
	}
	return -1
}

// InvalidatePoint marks every node on the point's path unknown and dirty, so
// the next evaluations pick up the new point. It is the slow path used while
// the tree is already dirty.
func (e *Engine) InvalidatePoint(path spatial.Path) {
	n := e.root
	var ancestors []*Node
	for d := 0; d < len(path) && n != nil; d++ {
		if n.PanelID != path[d] {
			break
		}
		n.status = Unknown
		markDirty(n, ancestors)

		if n.children == nil || d+1 >= len(path) {
			break
		}
		var next *Node
		for _, c := range n.children {
			if c != nil && c.PanelID == path[d+1] {
				next = c
				break
			}
		}
		ancestors = append(ancestors, n)
		n = next
	}
	e.linesDirty = true
}

// Notify applies a newly indexed point, using the fast path when the tree is
// clean.
func (e *Engine) Notify(p spatial.Point, path spatial.Path) error {
	if e.Clean() {
		_, err := e.AddPointToHead(p, path)
		return err
	}
	e.InvalidatePoint(path)
	return nil
}

// CheckInvariant verifies every dirty count in the tree.
func (e *Engine) CheckInvariant() error {
	return checkDirtyCounts(e.root)
}

// Walk visits nodes in pre-order. Returning false skips the node's children.
func (e *Engine) Walk(fn func(n *Node) bool) {
	stack := []*Node{e.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(n) || n.children == nil {
			continue
		}
		for q := 3; q >= 0; q-- {
			if c := n.children[q]; c != nil {
				stack = append(stack, c)
			}
		}
	}
}

// VisibleCells returns the Set nodes at the finest shown depth, together
// with coarser nodes still holding points of their own.
func (e *Engine) VisibleCells() []*Node {
	var out []*Node
	e.Walk(func(n *Node) bool {
		if n.status != Set {
			return false
		}
		if n.Visible() {
			out = append(out, n)
		}
		return true
	})
	return out
}
