package spatial

import (
	"context"
	"fmt"
	"math"

	"github.com/tidwall/btree"
)

// ctxCheckInterval bounds how many cells are visited between context checks.
const ctxCheckInterval = 256

// AreaPanelInfo is one resolved cell of an Area together with its merge
// scan cursor.
type AreaPanelInfo struct {
	PanelID int32
	Depth   int
	Bounds  Rect

	// CurrTtID is the node holding the cursor's visit, or NoID when the
	// cursor is exhausted. CurrTtStartTime is that visit's start.
	CurrTtID        int32
	CurrTtStartTime int64

	// Until caps the visits taken from the cell. Cells that are only
	// partly covered contribute the history recorded before their split.
	Until int64

	treeID int32
	cursor *Cursor
}

// Current returns the visit under the cursor.
func (a *AreaPanelInfo) Current() Visit { return a.cursor.Visit() }

func infoLess(a, b *AreaPanelInfo) bool {
	if a.CurrTtStartTime != b.CurrTtStartTime {
		return a.CurrTtStartTime < b.CurrTtStartTime
	}
	return a.PanelID < b.PanelID
}

// Area resolves a rectangle into the minimal set of existing cells covering
// it and merge-scans their visits in time order.
type Area struct {
	ix       *Index
	rect     Rect
	minDepth int

	infos []*AreaPanelInfo
	scan  *btree.BTreeG[*AreaPanelInfo]
	end   int64
}

// NewArea aligns rect outward to cells at minDepth.
func (ix *Index) NewArea(rect Rect, minDepth int) *Area {
	minDepth = max(0, min(minDepth, ix.maxDepth))
	return &Area{
		ix:       ix,
		rect:     rect.Align(minDepth),
		minDepth: minDepth,
		scan:     btree.NewBTreeGOptions(infoLess, btree.Options{NoLocks: true}),
	}
}

// Rect returns the aligned rectangle.
func (a *Area) Rect() Rect { return a.rect }

// MinDepth returns the alignment depth.
func (a *Area) MinDepth() int { return a.minDepth }

// Infos returns the cells resolved by CalcAreaPanelInfos.
func (a *Area) Infos() []*AreaPanelInfo { return a.infos }

type areaFrame struct {
	panel *AreaPanel
	next  int
}

// CalcAreaPanelInfos resolves the aligned rectangle into non-overlapping
// cells. Regions with no recorded points have no cells and are skipped. A
// partly covered cell above the minimum depth contributes the points that
// stopped there when they fall inside the rectangle.
func (a *Area) CalcAreaPanelInfos(ctx context.Context) ([]*AreaPanelInfo, error) {
	a.infos = a.infos[:0]
	a.scan.Clear()

	root, err := a.ix.Root()
	if err != nil || root == nil || a.rect.Empty() {
		return a.infos, err
	}

	stack := []areaFrame{{panel: root, next: -1}}
	steps := 0
	for len(stack) > 0 {
		if steps++; steps%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		top := &stack[len(stack)-1]
		cell := top.panel

		if top.next < 0 {
			bounds := cell.Rect()
			if a.rect.Encloses(bounds) {
				a.emit(cell, bounds, math.MaxInt64)
				stack = stack[:len(stack)-1]
				continue
			}
			if !a.rect.Intersects(bounds) {
				stack = stack[:len(stack)-1]
				continue
			}
			if int(cell.Depth) >= a.minDepth {
				return nil, fmt.Errorf("%w: panel %d at depth %d, minimum %d", ErrAlignment, cell.ID(), cell.Depth, a.minDepth)
			}
			if cell.Points > 0 && a.rect.Intersects(a.ix.Reach(cell)) {
				a.emit(cell, bounds, cell.OwnUntil())
			}
			top.next = 0
		}

		pushed := false
		for top.next < 4 {
			q := top.next
			top.next++
			childID := cell.Children[q]
			if childID == NoID || !a.rect.Intersects(cell.ChildRect(q)) {
				continue
			}
			child, err := a.ix.Panel(childID)
			if err != nil {
				return nil, err
			}
			stack = append(stack, areaFrame{panel: child, next: -1})
			pushed = true
			break
		}
		if !pushed {
			stack = stack[:len(stack)-1]
		}
	}
	return a.infos, nil
}

func (a *Area) emit(cell *AreaPanel, bounds Rect, until int64) {
	a.infos = append(a.infos, &AreaPanelInfo{
		PanelID:  cell.ID(),
		Depth:    int(cell.Depth),
		Bounds:   bounds,
		CurrTtID: NoID,
		Until:    until,
		treeID:   cell.TimeTreeID,
	})
}

// ResetToStart positions every cursor on its first visit starting at or
// after start. Cursors with no such visit before end are exhausted.
func (a *Area) ResetToStart(start, end int64) error {
	a.scan.Clear()
	a.end = end
	for _, info := range a.infos {
		if info.cursor == nil {
			info.cursor = a.ix.NewCursor(info.treeID)
		}
		if err := info.cursor.SeekStart(start); err != nil {
			return err
		}
		a.admit(info)
	}
	return nil
}

// admit refreshes the cursor fields of info and reinserts it unless it is
// exhausted.
func (a *Area) admit(info *AreaPanelInfo) {
	if !info.cursor.Valid() || info.cursor.Visit().Min >= min(a.end, info.Until) {
		info.CurrTtID = NoID
		return
	}
	info.CurrTtID = info.cursor.LeafID()
	info.CurrTtStartTime = info.cursor.Visit().Min
	a.scan.Set(info)
}

// Remaining returns the number of cursors not yet exhausted.
func (a *Area) Remaining() int { return a.scan.Len() }

// Peek returns the cell whose current visit starts earliest.
func (a *Area) Peek() (*AreaPanelInfo, bool) { return a.scan.Min() }

// Next pops the earliest visit across all cells and advances that cell's
// cursor. It returns false once every cursor is exhausted.
func (a *Area) Next() (*AreaPanelInfo, Visit, bool, error) {
	info, ok := a.scan.PopMin()
	if !ok {
		return nil, Visit{}, false, nil
	}
	v := info.cursor.Visit()
	if err := info.cursor.Next(); err != nil {
		return nil, Visit{}, false, err
	}
	a.admit(info)
	return info, v, true, nil
}
