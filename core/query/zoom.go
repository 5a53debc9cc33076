package query

import (
	"context"
	"fmt"

	"github.com/adalundhe/trackcache/core/spatial"
)

// TimeFilter selects the part of the track recorded during [Start, End).
type TimeFilter struct {
	Start int64
	End   int64
}

// ZoomRequest asks for the box to show a set of path filters in.
type ZoomRequest struct {
	Filters []TimeFilter
	// Depth is the cell depth density is measured at.
	Depth int
	// MinVisits is the number of visits a cell needs within the filters to
	// count. Cells visited less often, such as the odd GPS outlier, do not
	// widen the box.
	MinVisits int
}

// AutoZoom returns the tightest cell-aligned rectangle that contains every
// cell visited at least MinVisits times within the filters. When no cell is
// dense enough it falls back to every visited cell. It reports false when
// the filters select no points at all.
func (s *Surface) AutoZoom(ctx context.Context, req ZoomRequest) (spatial.Rect, bool, error) {
	if len(req.Filters) == 0 {
		return spatial.Rect{}, false, fmt.Errorf("%w: no path filters", ErrInvalidRequest)
	}
	for _, f := range req.Filters {
		if f.End <= f.Start {
			return spatial.Rect{}, false, fmt.Errorf("%w: filter [%d, %d)", ErrInvalidRequest, f.Start, f.End)
		}
	}
	depth := max(0, min(req.Depth, s.ix.MaxDepth()))
	minVisits := max(1, req.MinVisits)

	var dense, all bounds
	err := s.coord.Read(ctx, func() error {
		counts := make(map[int32]int)
		rects := make(map[int32]spatial.Rect)
		for _, f := range req.Filters {
			windows := make(map[int32]TimeFilter)
			err := s.ix.WalkCells(ctx, spatial.World(), depth, f.Start, f.End, func(p *spatial.AreaPanel, _ spatial.TimeRange) bool {
				w := f
				rects[p.ID()] = p.Rect()
				if int(p.Depth) < depth {
					// Only the points held by the coarse cell itself count.
					w.End = min(w.End, p.OwnUntil())
					rects[p.ID()] = s.ix.Reach(p).Align(depth)
				}
				windows[p.ID()] = w
				return true
			})
			if err != nil {
				return err
			}
			for id, w := range windows {
				n, err := s.visitsIn(id, w)
				if err != nil {
					return err
				}
				counts[id] += n
			}
		}
		for id, r := range rects {
			all.add(r)
			if counts[id] >= minVisits {
				dense.add(r)
			}
		}
		return nil
	})
	if err != nil {
		return spatial.Rect{}, false, err
	}
	if dense.ok {
		return dense.rect, true, nil
	}
	return all.rect, all.ok, nil
}

// visitsIn counts the visits of a panel overlapping the filter window. The
// scan starts at the last visit beginning before the window.
func (s *Surface) visitsIn(id int32, f TimeFilter) (int, error) {
	p, err := s.ix.Panel(id)
	if err != nil {
		return 0, err
	}
	c := s.ix.NewCursor(p.TimeTreeID)
	if err := c.SeekBefore(f.Start); err != nil {
		return 0, err
	}
	if !c.Valid() {
		if err := c.First(); err != nil {
			return 0, err
		}
	}
	n := 0
	for c.Valid() {
		v := c.Visit()
		if v.Min >= f.End {
			break
		}
		if v.Overlaps(f.Start, f.End) {
			n++
		}
		if err := c.Next(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

type bounds struct {
	rect spatial.Rect
	ok   bool
}

func (b *bounds) add(r spatial.Rect) {
	if !b.ok {
		b.rect, b.ok = r, true
		return
	}
	b.rect = spatial.Rect{
		X1: min(b.rect.X1, r.X1), Y1: min(b.rect.Y1, r.Y1),
		X2: max(b.rect.X2, r.X2), Y2: max(b.rect.Y2, r.Y2),
	}
}
