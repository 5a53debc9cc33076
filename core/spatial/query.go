package spatial

import "context"

// CellFunc receives a cell and the part of the time window it was visited
// in. Returning false stops the walk.
type CellFunc func(p *AreaPanel, overlap TimeRange) bool

// WalkCells visits, in depth-first quadrant order, every cell at depth that
// intersects rect and was visited during [start, end). Subtrees with no
// visit in the window are pruned without descending.
//
// Points that stopped in a shallower cell are reported at that cell, with
// the overlap limited to the history recorded there. Such a cell is emitted
// before its children.
func (ix *Index) WalkCells(ctx context.Context, rect Rect, depth int, start, end int64, fn CellFunc) error {
	root, err := ix.Root()
	if err != nil || root == nil {
		return err
	}
	depth = max(0, min(depth, ix.maxDepth))

	stack := []*AreaPanel{root}
	steps := 0
	for len(stack) > 0 {
		if steps++; steps%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !rect.Intersects(p.Rect()) {
			continue
		}
		overlap, ok, err := ix.Overlap(p.TimeTreeID, start, end)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if int(p.Depth) == depth {
			if !p.HasChildren() {
				if overlap, ok, err = ix.OwnOverlap(p, rect, start, end); err != nil {
					return err
				}
				if !ok {
					continue
				}
			}
			if !fn(p, overlap) {
				return nil
			}
			continue
		}

		own, ok, err := ix.OwnOverlap(p, rect, start, end)
		if err != nil {
			return err
		}
		if ok && !fn(p, own) {
			return nil
		}
		// Push in reverse so quadrant 0 is visited first.
		for q := 3; q >= 0; q-- {
			if p.Children[q] == NoID {
				continue
			}
			child, err := ix.Panel(p.Children[q])
			if err != nil {
				return err
			}
			stack = append(stack, child)
		}
	}
	return nil
}

// HasPoint reports whether any point was recorded inside rect during
// [start, end), at the resolution of the finest cells or, for points held by
// an undivided cell, of their extent.
func (ix *Index) HasPoint(ctx context.Context, rect Rect, start, end int64) (bool, error) {
	found := false
	err := ix.WalkCells(ctx, rect, ix.maxDepth, start, end, func(*AreaPanel, TimeRange) bool {
		found = true
		return false
	})
	return found, err
}

// Bounds returns the smallest rectangle of cells at depth containing every
// visit in [start, end) inside rect. Points held by a shallower cell
// contribute their extent aligned to depth.
func (ix *Index) Bounds(ctx context.Context, rect Rect, depth int, start, end int64) (Rect, bool, error) {
	var (
		out   Rect
		found bool
	)
	err := ix.WalkCells(ctx, rect, depth, start, end, func(p *AreaPanel, _ TimeRange) bool {
		b := p.Rect()
		if int(p.Depth) < depth {
			b = ix.Reach(p).Align(depth)
		}
		if !found {
			out, found = b, true
			return true
		}
		out = Rect{X1: min(out.X1, b.X1), Y1: min(out.Y1, b.Y1), X2: max(out.X2, b.X2), Y2: max(out.Y2, b.Y2)}
		return true
	})
	return out, found, err
}
