package view

import (
	"context"
	"slices"

	"github.com/adalundhe/trackcache/core/spatial"
)

// ViewLine joins two visible cells the track moved between without being
// seen in any cell in between.
type ViewLine struct {
	StartAP   int32
	EndAP     int32
	StartTime int64
	EndTime   int64
	StartX    float64
	StartY    float64
	EndX      float64
	EndY      float64
}

// Lines collects ViewLines, keeping one line per gap. A gap is found twice,
// once from each end, so lines are keyed by both their start and end time.
type Lines struct {
	byStart map[int64]ViewLine
	byEnd   map[int64]struct{}
}

func newLines() *Lines {
	return &Lines{byStart: make(map[int64]ViewLine), byEnd: make(map[int64]struct{})}
}

func (l *Lines) add(line ViewLine) bool {
	if _, ok := l.byStart[line.StartTime]; ok {
		return false
	}
	if _, ok := l.byEnd[line.EndTime]; ok {
		return false
	}
	l.byStart[line.StartTime] = line
	l.byEnd[line.EndTime] = struct{}{}
	return true
}

// Len returns the number of lines.
func (l *Lines) Len() int { return len(l.byStart) }

// Sorted returns the lines ordered by start time.
func (l *Lines) Sorted() []ViewLine {
	out := make([]ViewLine, 0, len(l.byStart))
	for _, line := range l.byStart {
		out = append(out, line)
	}
	slices.SortFunc(out, func(a, b ViewLine) int {
		switch {
		case a.StartTime < b.StartTime:
			return -1
		case a.StartTime > b.StartTime:
			return 1
		}
		return 0
	})
	return out
}

// LinesDirty reports whether Lines may be stale.
func (e *Engine) LinesDirty() bool { return e.linesDirty }

// Lines returns the lines from the last CalcLines.
func (e *Engine) Lines() []ViewLine { return e.lines.Sorted() }

// CalcLines rebuilds the lines between the finest visible cells. For every
// visit of a visible cell that touches the window, the gap to the cell the
// track went to next and the gap from the cell it came from are both
// considered; a gap is kept when it overlaps the window.
func (e *Engine) CalcLines(ctx context.Context) ([]ViewLine, error) {
	lines := newLines()
	box := e.box

	steps := 0
	for _, n := range e.VisibleCells() {
		if steps++; steps%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err := e.linesForCell(n, box, lines); err != nil {
			return nil, err
		}
	}

	e.lines = lines
	e.linesDirty = false
	return lines.Sorted(), nil
}

func (e *Engine) linesForCell(n *Node, box *StBox, lines *Lines) error {
	panel, err := e.ix.Panel(n.PanelID)
	if err != nil {
		return err
	}
	sx, sy := panel.Center()
	until := box.End
	if n.children != nil {
		until = min(until, panel.OwnUntil())
	}

	c := e.ix.NewCursor(panel.TimeTreeID)
	if err := c.SeekBefore(box.Start); err != nil {
		return err
	}
	if !c.Valid() {
		if err := c.First(); err != nil {
			return err
		}
	}

	for ; c.Valid(); err = c.Next() {
		if err != nil {
			return err
		}
		v := c.Visit()
		if v.Min >= until {
			break
		}

		if v.NextAP != spatial.NoID {
			end, ex, ey, ok, err := e.gapEnd(v.NextAP, v.Max)
			if err != nil {
				return err
			}
			if ok && v.Max < box.End && end >= box.Start {
				lines.add(ViewLine{
					StartAP: n.PanelID, EndAP: v.NextAP,
					StartTime: v.Max, EndTime: end,
					StartX: sx, StartY: sy, EndX: ex, EndY: ey,
				})
			}
		}
		if v.PrevAP != spatial.NoID {
			start, px, py, ok, err := e.gapStart(v.PrevAP, v.Min)
			if err != nil {
				return err
			}
			if ok && start < box.End && v.Min >= box.Start {
				lines.add(ViewLine{
					StartAP: v.PrevAP, EndAP: n.PanelID,
					StartTime: start, EndTime: v.Min,
					StartX: px, StartY: py, EndX: sx, EndY: sy,
				})
			}
		}
	}
	return err
}

// gapEnd finds the visit of panel id that began once the track left another
// cell at t.
func (e *Engine) gapEnd(id int32, t int64) (int64, float64, float64, bool, error) {
	p, err := e.ix.Panel(id)
	if err != nil {
		return 0, 0, 0, false, err
	}
	c := e.ix.NewCursor(p.TimeTreeID)
	if err := c.SeekStart(t); err != nil || !c.Valid() {
		return 0, 0, 0, false, err
	}
	x, y := p.Center()
	return c.Visit().Min, x, y, true, nil
}

// gapStart finds the visit of panel id that ended before the track entered
// another cell at t.
func (e *Engine) gapStart(id int32, t int64) (int64, float64, float64, bool, error) {
	p, err := e.ix.Panel(id)
	if err != nil {
		return 0, 0, 0, false, err
	}
	c := e.ix.NewCursor(p.TimeTreeID)
	if err := c.SeekBefore(t + 1); err != nil || !c.Valid() {
		return 0, 0, 0, false, err
	}
	x, y := p.Center()
	return c.Visit().Max, x, y, true, nil
}
