package view

import (
	"errors"
	"fmt"

	"github.com/adalundhe/trackcache/core/spatial"
)

var (
	ErrTreeDirty  = errors.New("view tree has dirty nodes")
	ErrDirtyCount = errors.New("dirty descendant count out of sync")
)

// Status is the visibility of a node against its last evaluated box.
type Status uint8

const (
	Unknown Status = iota
	Empty
	Set
)

func (s Status) String() string {
	switch s {
	case Empty:
		return "empty"
	case Set:
		return "set"
	default:
		return "unknown"
	}
}

// Node mirrors one AreaPanel. Nodes keep no parent pointer: every operation
// that changes a dirty count is handed the chain of ancestors it descended
// through.
type Node struct {
	PanelID int32
	Depth   int

	status           Status
	box              *StBox
	dirty            bool
	dirtyDescendants int
	children         *[4]*Node
	overlap          spatial.TimeRange

	// own is the visible history recorded at the cell itself before it
	// was subdivided, shown alongside the children.
	own    spatial.TimeRange
	hasOwn bool
}

func newUnknownNode(panelID int32, depth int) *Node {
	return &Node{PanelID: panelID, Depth: depth, dirty: true, dirtyDescendants: 1}
}

// Status returns the node's visibility.
func (n *Node) Status() Status { return n.status }

// Overlap returns the visited part of the box's time window. It is only
// meaningful for Set nodes. A node shown next to its children reports the
// part recorded at its own cell.
func (n *Node) Overlap() spatial.TimeRange {
	if n.children != nil && n.hasOwn {
		return n.own
	}
	return n.overlap
}

// Visible reports whether the node is drawn at the finest shown depth.
func (n *Node) Visible() bool {
	return n.status == Set && (n.children == nil || n.hasOwn)
}

// Dirty reports whether the node itself awaits evaluation.
func (n *Node) Dirty() bool { return n.dirty }

// DirtyDescendants counts dirty nodes in the subtree, the node included.
func (n *Node) DirtyDescendants() int { return n.dirtyDescendants }

// Child returns child slot q, or nil.
func (n *Node) Child(q int) *Node {
	if n.children == nil {
		return nil
	}
	return n.children[q]
}

func (n *Node) needsProcessing(box *StBox) bool {
	return n.status == Unknown || n.box != box
}

func (n *Node) ensureChildren() {
	if n.children == nil {
		n.children = &[4]*Node{}
	}
}

func (n *Node) setCount() int {
	if n.children == nil {
		return 0
	}
	count := 0
	for _, c := range n.children {
		if c != nil && c.status == Set {
			count++
		}
	}
	return count
}

// adjust applies delta to the dirty count of n and every ancestor.
func adjust(n *Node, ancestors []*Node, delta int) {
	if delta == 0 {
		return
	}
	n.dirtyDescendants += delta
	for _, a := range ancestors {
		a.dirtyDescendants += delta
	}
}

// markDirty flags n for evaluation.
func markDirty(n *Node, ancestors []*Node) {
	if n.dirty {
		return
	}
	n.dirty = true
	adjust(n, ancestors, 1)
}

// pruneChildren discards the subtree below n.
func pruneChildren(n *Node, ancestors []*Node) {
	if n.children == nil {
		return
	}
	removed := 0
	for _, c := range n.children {
		if c != nil {
			removed += c.dirtyDescendants
		}
	}
	n.children = nil
	adjust(n, ancestors, -removed)
}

// setEmptyStatus records that nothing in n's cell is visible in box.
func setEmptyStatus(n *Node, ancestors []*Node, box *StBox) {
	n.status = Empty
	n.box = box
	n.overlap = spatial.TimeRange{}
	n.own, n.hasOwn = spatial.TimeRange{}, false
	pruneChildren(n, ancestors)
	if n.dirty {
		n.dirty = false
		adjust(n, ancestors, -1)
	}
}

// setSetStatus records the visible time range of n's cell in box.
func setSetStatus(n *Node, ancestors []*Node, box *StBox, overlap spatial.TimeRange) {
	n.status = Set
	n.box = box
	n.overlap = overlap
	if n.dirty {
		n.dirty = false
		adjust(n, ancestors, -1)
	}
}

// turnOnAllDirtyFlags marks the whole subtree at n dirty, pruning children
// at or below minDepth and adding placeholder children to Set nodes above
// it. childPanels returns the existing quadrant panels of a node.
func turnOnAllDirtyFlags(n *Node, ancestors []*Node, minDepth int, childPanels func(*Node) ([4]int32, error)) error {
	before := n.dirtyDescendants

	type frame struct {
		node *Node
		post bool
	}
	stack := []frame{{node: n}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := f.node

		if f.post {
			count := 1
			if node.children != nil {
				for _, c := range node.children {
					if c != nil {
						count += c.dirtyDescendants
					}
				}
			}
			node.dirtyDescendants = count
			continue
		}

		node.dirty = true
		if node.Depth >= minDepth {
			node.children = nil
		} else if node.status == Set {
			panels, err := childPanels(node)
			if err != nil {
				return err
			}
			for q, id := range panels {
				if id == spatial.NoID {
					continue
				}
				node.ensureChildren()
				if node.children[q] == nil {
					node.children[q] = newUnknownNode(id, node.Depth+1)
				}
			}
		}

		stack = append(stack, frame{node: node, post: true})
		if node.children != nil {
			for _, c := range node.children {
				if c != nil {
					stack = append(stack, frame{node: c})
				}
			}
		}
	}

	for _, a := range ancestors {
		a.dirtyDescendants += n.dirtyDescendants - before
	}
	return nil
}

// checkDirtyCounts verifies the dirty count of every node below n.
func checkDirtyCounts(n *Node) error {
	type frame struct {
		node *Node
		post bool
	}
	computed := make(map[*Node]int)
	stack := []frame{{node: n}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := f.node

		if !f.post {
			stack = append(stack, frame{node: node, post: true})
			if node.children != nil {
				for _, c := range node.children {
					if c != nil {
						stack = append(stack, frame{node: c})
					}
				}
			}
			continue
		}

		want := 0
		if node.dirty {
			want = 1
		}
		if node.children != nil {
			for _, c := range node.children {
				if c != nil {
					want += computed[c]
				}
			}
		}
		if node.dirtyDescendants != want {
			return fmt.Errorf("%w: panel %d depth %d has %d, want %d", ErrDirtyCount, node.PanelID, node.Depth, node.dirtyDescendants, want)
		}
		computed[node] = want
	}
	return nil
}
