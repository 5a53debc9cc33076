package spatial

import (
	"encoding/binary"
	"fmt"
	"math"
)

// NoID marks an absent panel, child or tree link. Rows are never deleted, so
// NoID is also the only form of removal.
const NoID int32 = -1

// PanelPlainSize is the encoded size of an AreaPanel:
//
//	[x:4][y:4][depth:4][timeTree:4][children:4x4][points:4][extent:4x4][splitAt:8]
const PanelPlainSize = 60

// AreaPanel is one quadtree cell. Children are indexed by quadrant
// (qy<<1 | qx) and stay NoID until the cell is subdivided.
//
// Points counts the points that stopped at this cell instead of descending,
// and Extent bounds them. Once the cell is subdivided, SplitAt is the time of
// the first point handed down to a child; no point stops here after it.
type AreaPanel struct {
	id         int32
	X          int32
	Y          int32
	Depth      int32
	TimeTreeID int32
	Children   [4]int32
	Points     int32
	SplitAt    int64

	// inclusive bounds of the points recorded here
	ex1, ey1, ex2, ey2 int32
}

func newAreaPanel() *AreaPanel {
	return &AreaPanel{TimeTreeID: NoID, Children: [4]int32{NoID, NoID, NoID, NoID}}
}

func (p *AreaPanel) ID() int32      { return p.id }
func (p *AreaPanel) SetID(id int32) { p.id = id }

func (p *AreaPanel) MarshalRow(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(p.X))
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.Y))
	binary.BigEndian.PutUint32(buf[8:12], uint32(p.Depth))
	binary.BigEndian.PutUint32(buf[12:16], uint32(p.TimeTreeID))
	for i, c := range p.Children {
		binary.BigEndian.PutUint32(buf[16+4*i:20+4*i], uint32(c))
	}
	binary.BigEndian.PutUint32(buf[32:36], uint32(p.Points))
	binary.BigEndian.PutUint32(buf[36:40], uint32(p.ex1))
	binary.BigEndian.PutUint32(buf[40:44], uint32(p.ey1))
	binary.BigEndian.PutUint32(buf[44:48], uint32(p.ex2))
	binary.BigEndian.PutUint32(buf[48:52], uint32(p.ey2))
	binary.BigEndian.PutUint64(buf[52:60], uint64(p.SplitAt))
}

func (p *AreaPanel) UnmarshalRow(buf []byte) error {
	if len(buf) < PanelPlainSize {
		return fmt.Errorf("panel row is %d bytes, want %d", len(buf), PanelPlainSize)
	}
	p.X = int32(binary.BigEndian.Uint32(buf[0:4]))
	p.Y = int32(binary.BigEndian.Uint32(buf[4:8]))
	p.Depth = int32(binary.BigEndian.Uint32(buf[8:12]))
	p.TimeTreeID = int32(binary.BigEndian.Uint32(buf[12:16]))
	for i := range p.Children {
		p.Children[i] = int32(binary.BigEndian.Uint32(buf[16+4*i : 20+4*i]))
	}
	p.Points = int32(binary.BigEndian.Uint32(buf[32:36]))
	p.ex1 = int32(binary.BigEndian.Uint32(buf[36:40]))
	p.ey1 = int32(binary.BigEndian.Uint32(buf[40:44]))
	p.ex2 = int32(binary.BigEndian.Uint32(buf[44:48]))
	p.ey2 = int32(binary.BigEndian.Uint32(buf[48:52]))
	p.SplitAt = int64(binary.BigEndian.Uint64(buf[52:60]))
	if p.Depth < 0 || p.Depth > MaxSupportedDepth {
		return fmt.Errorf("panel depth %d out of range", p.Depth)
	}
	return nil
}

// Width returns the side of the cell in world units.
func (p *AreaPanel) Width() int64 { return CellWidth(int(p.Depth)) }

// Rect returns the cell bounds.
func (p *AreaPanel) Rect() Rect {
	w := p.Width()
	return Rect{X1: int64(p.X), Y1: int64(p.Y), X2: int64(p.X) + w, Y2: int64(p.Y) + w}
}

// Quadrant returns the child slot containing (x, y), which must lie inside
// the cell.
func (p *AreaPanel) Quadrant(x, y int32) int {
	half := p.Width() >> 1
	q := 0
	if int64(x)-int64(p.X) >= half {
		q |= 1
	}
	if int64(y)-int64(p.Y) >= half {
		q |= 2
	}
	return q
}

// ChildOrigin returns the min corner of child slot q.
func (p *AreaPanel) ChildOrigin(q int) (int32, int32) {
	half := p.Width() >> 1
	x, y := int64(p.X), int64(p.Y)
	if q&1 != 0 {
		x += half
	}
	if q&2 != 0 {
		y += half
	}
	return int32(x), int32(y)
}

// ChildRect returns the bounds of child slot q, whether or not it exists.
func (p *AreaPanel) ChildRect(q int) Rect {
	x, y := p.ChildOrigin(q)
	w := p.Width() >> 1
	return Rect{X1: int64(x), Y1: int64(y), X2: int64(x) + w, Y2: int64(y) + w}
}

// HasChildren reports whether any quadrant has been created.
func (p *AreaPanel) HasChildren() bool {
	for _, c := range p.Children {
		if c != NoID {
			return true
		}
	}
	return false
}

// Center returns the cell center.
func (p *AreaPanel) Center() (float64, float64) {
	half := float64(p.Width()) / 2
	return float64(p.X) + half, float64(p.Y) + half
}

// Extent returns the bounds of the points recorded at this cell itself, or
// an empty rect when none stopped here.
func (p *AreaPanel) Extent() Rect {
	if p.Points == 0 {
		return Rect{}
	}
	return Rect{X1: int64(p.ex1), Y1: int64(p.ey1), X2: int64(p.ex2) + 1, Y2: int64(p.ey2) + 1}
}

func (p *AreaPanel) grow(x, y int32) {
	if p.Points == 0 {
		p.ex1, p.ey1, p.ex2, p.ey2 = x, y, x, y
	} else {
		p.ex1, p.ey1 = min(p.ex1, x), min(p.ey1, y)
		p.ex2, p.ey2 = max(p.ex2, x), max(p.ey2, y)
	}
	p.Points++
}

// OwnUntil returns the time before which every visit of the cell was
// recorded at the cell itself. Undivided cells own their whole history.
func (p *AreaPanel) OwnUntil() int64 {
	if p.HasChildren() {
		return p.SplitAt
	}
	return math.MaxInt64
}
