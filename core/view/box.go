// Package view maintains a session-local shadow of the spatial index,
// restricted to the rectangle and time window a caller is looking at, and
// recomputes only the nodes whose visibility may have changed.
package view

import (
	"fmt"
	"sync/atomic"

	"github.com/adalundhe/trackcache/core/spatial"
)

var generation atomic.Uint64

// StBox is a space-time box. Boxes are compared by identity: a node
// evaluated against one box must be re-evaluated against any other, even an
// equal one. Treat a StBox as immutable once created.
type StBox struct {
	Rect     spatial.Rect
	Start    int64
	End      int64
	MinDepth int

	gen uint64
}

// NewStBox returns a box covering rect during [start, end). MinDepth is the
// depth of the finest cells shown.
func NewStBox(rect spatial.Rect, start, end int64, minDepth int) *StBox {
	return &StBox{
		Rect:     rect,
		Start:    start,
		End:      end,
		MinDepth: minDepth,
		gen:      generation.Add(1),
	}
}

// Generation is a process-unique, increasing number for logs.
func (b *StBox) Generation() uint64 { return b.gen }

// ContainsTime reports whether t lies in [Start, End).
func (b *StBox) ContainsTime(t int64) bool { return t >= b.Start && t < b.End }

func (b *StBox) String() string {
	if b == nil {
		return "<nil>"
	}
	return fmt.Sprintf("box#%d[%d,%d)x[%d,%d) t[%d,%d) d%d",
		b.gen, b.Rect.X1, b.Rect.X2, b.Rect.Y1, b.Rect.Y2, b.Start, b.End, b.MinDepth)
}
