// Package spatial implements the quadtree of AreaPanel cells, the per-cell
// TimeTree of visits, and the Area query helper that merges the visits of many
// cells into one chronological scan.
//
// A point is recorded at every cell on its path from the root, so a cell's
// TimeTree describes exactly when the track was anywhere inside it. A cell is
// only subdivided once SubdivideThreshold points have landed in it; until then
// points stop at the cell and widen its extent, which keeps sparsely visited
// regions shallow.
package spatial

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/adalundhe/trackcache/core/rowcache"
)

var (
	ErrAlignment    = errors.New("area cell below minimum depth is not enclosed")
	ErrMissingPanel = errors.New("index row missing")
	ErrTimeOrder    = errors.New("point precedes previous point")
	ErrOutOfWorld   = errors.New("point outside world plane")
)

// RootID is the row id of the depth-0 panel.
const RootID int32 = 0

// Path lists the panel ids a point occupies, indexed by depth.
type Path []int32

// DefaultSubdivideThreshold is the number of points a cell holds before it
// is subdivided.
const DefaultSubdivideThreshold = 4

// Config configures an Index.
type Config struct {
	MaxDepth int
	// SubdivideThreshold of 1 subdivides on the first point, recording every
	// point down to MaxDepth.
	SubdivideThreshold int
	Logger             *slog.Logger
}

// Index is the spatial-temporal index. It is not safe for concurrent use; the
// owner serialises the writer against readers.
type Index struct {
	panels    *rowcache.RowCache[*AreaPanel]
	trees     *rowcache.RowCache[*TimeTreeNode]
	maxDepth  int
	threshold int32
	logger    *slog.Logger
}

// PanelConfig returns the row cache configuration for panel rows.
func PanelConfig(codec rowcache.Codec, capacity int) rowcache.Config[*AreaPanel] {
	return rowcache.Config[*AreaPanel]{
		Name:      "panels",
		PlainSize: PanelPlainSize,
		New:       newAreaPanel,
		Codec:     codec,
		Capacity:  capacity,
	}
}

// TimeTreeConfig returns the row cache configuration for time tree rows.
func TimeTreeConfig(codec rowcache.Codec, capacity int) rowcache.Config[*TimeTreeNode] {
	return rowcache.Config[*TimeTreeNode]{
		Name:      "timetrees",
		PlainSize: TimeTreePlainSize,
		New:       newTimeTreeNode,
		Codec:     codec,
		Capacity:  capacity,
	}
}

// New builds an index over the given row caches.
func New(panels *rowcache.RowCache[*AreaPanel], trees *rowcache.RowCache[*TimeTreeNode], cfg Config) (*Index, error) {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.MaxDepth > MaxSupportedDepth {
		return nil, fmt.Errorf("max depth %d exceeds %d", cfg.MaxDepth, MaxSupportedDepth)
	}
	if cfg.SubdivideThreshold <= 0 {
		cfg.SubdivideThreshold = DefaultSubdivideThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Index{
		panels:    panels,
		trees:     trees,
		maxDepth:  cfg.MaxDepth,
		threshold: int32(cfg.SubdivideThreshold),
		logger:    cfg.Logger,
	}, nil
}

// MaxDepth returns the depth of the finest cells.
func (ix *Index) MaxDepth() int { return ix.maxDepth }

// SubdivideThreshold returns the number of points a cell holds before it is
// subdivided.
func (ix *Index) SubdivideThreshold() int { return int(ix.threshold) }

// Reach returns the area covered by the points recorded at p itself: the
// whole cell at MaxDepth, otherwise the extent of those points.
func (ix *Index) Reach(p *AreaPanel) Rect {
	if int(p.Depth) >= ix.maxDepth {
		return p.Rect()
	}
	return p.Extent()
}

// OwnOverlap returns the part of [start, end) during which points recorded at
// p itself, rather than in one of its children, fell inside rect.
func (ix *Index) OwnOverlap(p *AreaPanel, rect Rect, start, end int64) (TimeRange, bool, error) {
	if p.Points == 0 || !rect.Intersects(ix.Reach(p)) {
		return TimeRange{}, false, nil
	}
	end = min(end, p.OwnUntil())
	if end <= start {
		return TimeRange{}, false, nil
	}
	return ix.Overlap(p.TimeTreeID, start, end)
}

// Panels returns the panel row cache.
func (ix *Index) Panels() *rowcache.RowCache[*AreaPanel] { return ix.panels }

// Trees returns the time tree row cache.
func (ix *Index) Trees() *rowcache.RowCache[*TimeTreeNode] { return ix.trees }

// Empty reports whether no point has been indexed yet.
func (ix *Index) Empty() bool { return ix.panels.NextRowID() == 0 }

// Panel loads panel id.
func (ix *Index) Panel(id int32) (*AreaPanel, error) {
	p, err := ix.panels.GetRow(id)
	if err != nil {
		return nil, ix.missing("panel", id, err)
	}
	return p, nil
}

// Root loads the root panel, or returns nil when the index is empty.
func (ix *Index) Root() (*AreaPanel, error) {
	if ix.Empty() {
		return nil, nil
	}
	return ix.Panel(RootID)
}

func (ix *Index) missing(kind string, id int32, err error) error {
	if errors.Is(err, rowcache.ErrRowMissing) {
		return fmt.Errorf("%w: %s %d", ErrMissingPanel, kind, id)
	}
	return err
}

func (ix *Index) newPanel(x, y int32, depth int) (*AreaPanel, error) {
	p := ix.panels.NewRow()
	p.X = x
	p.Y = y
	p.Depth = int32(depth)
	tree := ix.trees.NewRow()
	p.TimeTreeID = tree.ID()
	return p, nil
}

// Locate returns the path of existing panels containing (x, y), stopping at
// the deepest existing cell.
func (ix *Index) Locate(x, y int32) (Path, error) {
	root, err := ix.Root()
	if err != nil || root == nil {
		return nil, err
	}
	path := Path{root.ID()}
	p := root
	for int(p.Depth) < ix.maxDepth {
		child := p.Children[p.Quadrant(x, y)]
		if child == NoID {
			break
		}
		if p, err = ix.Panel(child); err != nil {
			return nil, err
		}
		path = append(path, child)
	}
	return path, nil
}

// AddPoint records p in every cell from the root down to the first cell that
// is not yet subdivided, or MaxDepth. When prev is the point indexed
// immediately before p, visits continue across cells that both points share
// and are linked where they diverge; a nil prev starts a new track segment.
// It returns the path of panels p now occupies.
func (ix *Index) AddPoint(p Point, prev *Point) (Path, error) {
	if p.X < 0 || int64(p.X) >= WorldWidth || p.Y < 0 || int64(p.Y) >= WorldWidth {
		return nil, fmt.Errorf("%w: (%d, %d)", ErrOutOfWorld, p.X, p.Y)
	}

	var prevPath Path
	if prev != nil {
		if p.Time < prev.Time {
			return nil, fmt.Errorf("%w: %d < %d", ErrTimeOrder, p.Time, prev.Time)
		}
		var err error
		if prevPath, err = ix.Locate(prev.X, prev.Y); err != nil {
			return nil, err
		}
	}

	var (
		panel *AreaPanel
		err   error
	)
	if ix.Empty() {
		if panel, err = ix.newPanel(0, 0, 0); err != nil {
			return nil, err
		}
	} else if panel, err = ix.Panel(RootID); err != nil {
		return nil, err
	}

	path := make(Path, 0, ix.maxDepth+1)
	for depth := 0; ; depth++ {
		path = append(path, panel.ID())

		prevID := NoID
		if depth < len(prevPath) {
			prevID = prevPath[depth]
		}
		if err := ix.recordVisit(panel, prevID, p.Time); err != nil {
			return nil, err
		}

		if depth == ix.maxDepth || (!panel.HasChildren() && panel.Points+1 < ix.threshold) {
			panel.grow(p.X, p.Y)
			if err := ix.panels.MarkDirty(panel); err != nil {
				return nil, err
			}
			return path, nil
		}
		if !panel.HasChildren() {
			panel.SplitAt = p.Time
		}

		q := panel.Quadrant(p.X, p.Y)
		childID := panel.Children[q]
		var child *AreaPanel
		if childID == NoID {
			x, y := panel.ChildOrigin(q)
			if child, err = ix.newPanel(x, y, depth+1); err != nil {
				return nil, err
			}
			panel.Children[q] = child.ID()
			if err := ix.panels.MarkDirty(panel); err != nil {
				return nil, err
			}
		} else if child, err = ix.Panel(childID); err != nil {
			return nil, err
		}
		panel = child
	}
}

// recordVisit extends the cell's current visit when the previous point was
// in the same cell, and otherwise closes the previous cell's visit and opens
// a new one here.
func (ix *Index) recordVisit(panel *AreaPanel, prevID int32, t int64) error {
	if prevID == panel.ID() {
		return ix.extendLast(panel.TimeTreeID, t)
	}

	if prevID != NoID {
		prevPanel, err := ix.Panel(prevID)
		if err != nil {
			return err
		}
		if err := ix.setLastNext(prevPanel.TimeTreeID, panel.ID()); err != nil {
			return err
		}
	}

	root, err := ix.appendVisit(panel.TimeTreeID, Visit{Min: t, Max: t, PrevAP: prevID, NextAP: NoID})
	if err != nil {
		return err
	}
	if root != panel.TimeTreeID {
		panel.TimeTreeID = root
		return ix.panels.MarkDirty(panel)
	}
	return nil
}

// WriteDirtyRows, PrepareDirtyRows and CommitDirtyRows apply the row cache
// operation to both index tables.
func (ix *Index) PrepareDirtyRows() error {
	if err := ix.panels.PrepareDirtyRows(); err != nil {
		return err
	}
	return ix.trees.PrepareDirtyRows()
}

func (ix *Index) WriteDirtyRows() error {
	if err := ix.panels.WriteDirtyRows(); err != nil {
		return err
	}
	return ix.trees.WriteDirtyRows()
}

func (ix *Index) CommitDirtyRows() {
	ix.panels.CommitDirtyRows()
	ix.trees.CommitDirtyRows()
}

// Reset drops every uncommitted index row after a rollback.
func (ix *Index) Reset() {
	ix.panels.Reset()
	ix.trees.Reset()
}

// DirtyRows returns the number of index rows waiting to be written.
func (ix *Index) DirtyRows() int {
	return ix.panels.DirtyCount() + ix.trees.DirtyCount()
}
