package spatial

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/adalundhe/trackcache/core/recordstore"
	"github.com/adalundhe/trackcache/core/rowcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, maxDepth int) *Index {
	t.Helper()
	panels, err := rowcache.New(rowcache.NewMemoryAccessor(PanelPlainSize), PanelConfig(nil, 64))
	require.NoError(t, err)
	trees, err := rowcache.New(rowcache.NewMemoryAccessor(TimeTreePlainSize), TimeTreeConfig(nil, 64))
	require.NoError(t, err)
	ix, err := New(panels, trees, Config{MaxDepth: maxDepth, SubdivideThreshold: 1})
	require.NoError(t, err)
	return ix
}

func cellUnit(depth int) int32 { return int32(CellWidth(depth)) }

func visits(t *testing.T, ix *Index, panelID int32) []Visit {
	t.Helper()
	p, err := ix.Panel(panelID)
	require.NoError(t, err)
	c := ix.NewCursor(p.TimeTreeID)
	require.NoError(t, c.First())
	var out []Visit
	for c.Valid() {
		out = append(out, c.Visit())
		require.NoError(t, c.Next())
	}
	return out
}

func TestAddPoint_PathCoversEveryDepth(t *testing.T) {
	ix := newTestIndex(t, 6)
	pt := Point{X: 12345, Y: 678901, Time: 100}

	path, err := ix.AddPoint(pt, nil)
	require.NoError(t, err)
	require.Len(t, path, 7)
	assert.Equal(t, RootID, path[0])

	for depth, id := range path {
		p, err := ix.Panel(id)
		require.NoError(t, err)
		assert.Equal(t, int32(depth), p.Depth)
		assert.True(t, p.Rect().Contains(pt.X, pt.Y))
		vs := visits(t, ix, id)
		require.Len(t, vs, 1)
		assert.Equal(t, Visit{Min: 100, Max: 100, PrevAP: NoID, NextAP: NoID}, vs[0])
	}
}

func TestAddPoint_SameCellExtendsVisit(t *testing.T) {
	ix := newTestIndex(t, 4)
	a := Point{X: 10, Y: 10, Time: 100}
	b := Point{X: 11, Y: 12, Time: 160}

	_, err := ix.AddPoint(a, nil)
	require.NoError(t, err)
	path, err := ix.AddPoint(b, &a)
	require.NoError(t, err)

	for _, id := range path {
		vs := visits(t, ix, id)
		require.Len(t, vs, 1)
		assert.Equal(t, int64(100), vs[0].Min)
		assert.Equal(t, int64(160), vs[0].Max)
	}
}

func TestAddPoint_DivergenceLinksCells(t *testing.T) {
	ix := newTestIndex(t, 3)
	w := cellUnit(3)
	a := Point{X: 0, Y: 0, Time: 10}
	b := Point{X: w, Y: 0, Time: 20}

	pathA, err := ix.AddPoint(a, nil)
	require.NoError(t, err)
	pathB, err := ix.AddPoint(b, &a)
	require.NoError(t, err)

	// Depths 0..2 are shared, depth 3 diverges.
	for d := 0; d < 3; d++ {
		assert.Equal(t, pathA[d], pathB[d])
	}
	require.NotEqual(t, pathA[3], pathB[3])

	va := visits(t, ix, pathA[3])
	vb := visits(t, ix, pathB[3])
	require.Len(t, va, 1)
	require.Len(t, vb, 1)
	assert.Equal(t, pathB[3], va[0].NextAP)
	assert.Equal(t, pathA[3], vb[0].PrevAP)
	assert.Equal(t, int64(20), vb[0].Min)

	root := visits(t, ix, RootID)
	require.Len(t, root, 1)
	assert.Equal(t, int64(20), root[0].Max)
}

func TestAddPoint_Errors(t *testing.T) {
	ix := newTestIndex(t, 3)
	a := Point{X: 5, Y: 5, Time: 100}
	_, err := ix.AddPoint(a, nil)
	require.NoError(t, err)

	_, err = ix.AddPoint(Point{X: 6, Y: 6, Time: 99}, &a)
	assert.ErrorIs(t, err, ErrTimeOrder)

	_, err = ix.AddPoint(Point{X: -1, Y: 0, Time: 200}, nil)
	assert.ErrorIs(t, err, ErrOutOfWorld)
}

func TestTimeTree_GrowsAndIteratesInOrder(t *testing.T) {
	ix := newTestIndex(t, 1)
	w := cellUnit(1)
	cells := []Point{{X: 0, Y: 0}, {X: w, Y: 0}}

	const n = TimeTreeFanout*TimeTreeFanout + 5
	var prev *Point
	for i := 0; i < n*2; i++ {
		p := cells[i%2]
		p.Time = int64(i * 10)
		_, err := ix.AddPoint(p, prev)
		require.NoError(t, err)
		prev = &p
	}

	left, err := ix.Panel(ix.mustChild(t, RootID, 0))
	require.NoError(t, err)
	stats, err := ix.TreeStats(left.TimeTreeID)
	require.NoError(t, err)
	assert.Equal(t, int32(n), stats.Visits)
	assert.Equal(t, int32(3), stats.Height)
	assert.Equal(t, int64(0), stats.Min)

	vs := visits(t, ix, left.ID())
	require.Len(t, vs, n)
	for i, v := range vs {
		assert.Equal(t, int64(i*20), v.Min)
		if i > 0 {
			assert.Equal(t, ix.mustChild(t, RootID, 1), v.PrevAP)
		}
	}

	c := ix.NewCursor(left.TimeTreeID)
	require.NoError(t, c.SeekStart(95))
	require.True(t, c.Valid())
	assert.Equal(t, int64(100), c.Visit().Min)

	require.NoError(t, c.SeekBefore(100))
	require.True(t, c.Valid())
	assert.Equal(t, int64(80), c.Visit().Min)
	require.NoError(t, c.Prev())
	assert.Equal(t, int64(60), c.Visit().Min)

	require.NoError(t, c.Last())
	assert.Equal(t, int64((n-1)*20), c.Visit().Min)
	require.NoError(t, c.Next())
	assert.False(t, c.Valid())

	r, ok, err := ix.Overlap(left.TimeTreeID, 25, 65)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TimeRange{Start: 40, End: 60}, r)

	_, ok, err = ix.Overlap(left.TimeTreeID, 1, 20)
	require.NoError(t, err)
	assert.False(t, ok)
}

func (ix *Index) mustChild(t *testing.T, parent int32, q int) int32 {
	t.Helper()
	p, err := ix.Panel(parent)
	require.NoError(t, err)
	require.NotEqual(t, NoID, p.Children[q])
	return p.Children[q]
}

func randomTrack(t *testing.T, ix *Index, r *rand.Rand, n int, span int32) []Point {
	t.Helper()
	pts := make([]Point, 0, n)
	var prev *Point
	x, y := span/2, span/2
	for i := 0; i < n; i++ {
		x = min(max(0, x+r.Int32N(span/16)-span/32), span-1)
		y = min(max(0, y+r.Int32N(span/16)-span/32), span-1)
		p := Point{X: x, Y: y, Time: int64(i * 5)}
		_, err := ix.AddPoint(p, prev)
		require.NoError(t, err)
		pts = append(pts, p)
		prev = &pts[len(pts)-1]
	}
	return pts
}

func TestArea_CoverageContainsPointExactlyOnce(t *testing.T) {
	ix := newTestIndex(t, 8)
	r := rand.New(rand.NewPCG(1, 2))
	span := int32(WorldWidth >> 2)
	pts := randomTrack(t, ix, r, 300, span)
	ctx := context.Background()

	for trial := 0; trial < 40; trial++ {
		p := pts[r.IntN(len(pts))]
		half := int64(r.Int32N(span/8) + 1)
		rect := Rect{X1: int64(p.X) - half, Y1: int64(p.Y) - half, X2: int64(p.X) + half, Y2: int64(p.Y) + half}
		minDepth := 2 + r.IntN(6)

		area := ix.NewArea(rect, minDepth)
		infos, err := area.CalcAreaPanelInfos(ctx)
		require.NoError(t, err)

		hits := 0
		for i, a := range infos {
			assert.True(t, area.Rect().Encloses(a.Bounds))
			if a.Bounds.Contains(p.X, p.Y) {
				hits++
			}
			for _, b := range infos[i+1:] {
				assert.False(t, a.Bounds.Intersects(b.Bounds), "cells %d and %d overlap", a.PanelID, b.PanelID)
			}
		}
		assert.Equal(t, 1, hits, "trial %d depth %d", trial, minDepth)
	}
}

func TestArea_WholeWorldIsRoot(t *testing.T) {
	ix := newTestIndex(t, 4)
	_, err := ix.AddPoint(Point{X: 1, Y: 1, Time: 1}, nil)
	require.NoError(t, err)

	infos, err := ix.NewArea(World(), 3).CalcAreaPanelInfos(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, RootID, infos[0].PanelID)
}

func TestArea_UnalignedRectIsRejected(t *testing.T) {
	ix := newTestIndex(t, 4)
	_, err := ix.AddPoint(Point{X: 1, Y: 1, Time: 1}, nil)
	require.NoError(t, err)

	area := ix.NewArea(Rect{}, 2)
	area.rect = Rect{X1: 0, Y1: 0, X2: 3, Y2: 3}
	_, err = area.CalcAreaPanelInfos(context.Background())
	assert.ErrorIs(t, err, ErrAlignment)
}

func TestArea_MergeScanIsChronological(t *testing.T) {
	ix := newTestIndex(t, 8)
	r := rand.New(rand.NewPCG(7, 9))
	span := int32(WorldWidth >> 3)
	randomTrack(t, ix, r, 400, span)

	// The four depth-5 cells around the track's starting point.
	q := int64(span) / 4
	area := ix.NewArea(Rect{X1: q, Y1: q, X2: 3 * q, Y2: 3 * q}, 6)
	infos, err := area.CalcAreaPanelInfos(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(infos), 2)

	const start, end = 300, 1500
	require.NoError(t, area.ResetToStart(start, end))

	last := int64(-1)
	count := 0
	for {
		info, v, ok, err := area.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.GreaterOrEqual(t, v.Min, last)
		assert.GreaterOrEqual(t, v.Min, int64(start))
		assert.Less(t, v.Min, int64(end))
		if info.CurrTtID != NoID {
			assert.GreaterOrEqual(t, info.CurrTtStartTime, v.Min)
		}
		last = v.Min
		count++
	}
	assert.Positive(t, count)
	assert.Equal(t, 0, area.Remaining())
}

func TestWalkCells_AndHasPoint(t *testing.T) {
	ix := newTestIndex(t, 5)
	ctx := context.Background()
	w := cellUnit(5)
	a := Point{X: 0, Y: 0, Time: 100}
	b := Point{X: 4 * w, Y: 4 * w, Time: 200}
	_, err := ix.AddPoint(a, nil)
	require.NoError(t, err)
	_, err = ix.AddPoint(b, &a)
	require.NoError(t, err)

	near := Rect{X1: 0, Y1: 0, X2: int64(w), Y2: int64(w)}
	ok, err := ix.HasPoint(ctx, near, 0, 1000)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ix.HasPoint(ctx, near, 150, 1000)
	require.NoError(t, err)
	assert.False(t, ok)

	empty := Rect{X1: int64(2 * w), Y1: int64(2 * w), X2: int64(3 * w), Y2: int64(3 * w)}
	ok, err = ix.HasPoint(ctx, empty, 0, 1000)
	require.NoError(t, err)
	assert.False(t, ok)

	var cells []int32
	require.NoError(t, ix.WalkCells(ctx, World(), 5, 0, 1000, func(p *AreaPanel, _ TimeRange) bool {
		cells = append(cells, p.ID())
		return true
	}))
	assert.Len(t, cells, 2)

	bounds, found, err := ix.Bounds(ctx, World(), 5, 0, 1000)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Rect{X1: 0, Y1: 0, X2: int64(5 * w), Y2: int64(5 * w)}, bounds)
}

func TestIndex_PersistsThroughRecordStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	open := func() (*recordstore.Database, *Index) {
		db, err := recordstore.OpenDatabase(dir)
		require.NoError(t, err)
		pt, err := db.OpenRollBackTable(ctx, "panels", PanelPlainSize)
		require.NoError(t, err)
		tt, err := db.OpenRollBackTable(ctx, "timetrees", TimeTreePlainSize)
		require.NoError(t, err)
		panels, err := rowcache.New[*AreaPanel](pt, PanelConfig(nil, 16))
		require.NoError(t, err)
		trees, err := rowcache.New[*TimeTreeNode](tt, TimeTreeConfig(nil, 16))
		require.NoError(t, err)
		ix, err := New(panels, trees, Config{MaxDepth: 6, SubdivideThreshold: 1})
		require.NoError(t, err)
		return db, ix
	}

	db, ix := open()
	r := rand.New(rand.NewPCG(3, 4))
	require.NoError(t, db.Begin(ctx))
	pts := randomTrack(t, ix, r, 50, int32(WorldWidth>>1))
	require.NoError(t, ix.PrepareDirtyRows())
	require.NoError(t, db.SoftCommit(ctx))
	require.NoError(t, ix.WriteDirtyRows())
	require.NoError(t, db.Commit(ctx))
	ix.CommitDirtyRows()

	// A second batch updates rows written by the first.
	require.NoError(t, db.Begin(ctx))
	last := pts[len(pts)-1]
	next := Point{X: last.X, Y: last.Y, Time: last.Time + 1}
	_, err := ix.AddPoint(next, &last)
	require.NoError(t, err)
	require.NoError(t, ix.PrepareDirtyRows())
	require.NoError(t, db.SoftCommit(ctx))
	require.NoError(t, ix.WriteDirtyRows())
	require.NoError(t, db.Commit(ctx))
	ix.CommitDirtyRows()
	require.NoError(t, db.Close())

	db, reloaded := open()
	defer db.Close()
	root := visits(t, reloaded, RootID)
	require.Len(t, root, 1)
	assert.Equal(t, int64(0), root[0].Min)
	assert.Equal(t, next.Time, root[0].Max)

	path, err := reloaded.Locate(next.X, next.Y)
	require.NoError(t, err)
	assert.Len(t, path, 7)
}

func TestProjection_RoundTrip(t *testing.T) {
	x, y := ProjectFloat(13.4050, 52.5200)
	lon, lat := Unproject(x, y)
	assert.InDelta(t, 13.4050, lon, 1e-9)
	assert.InDelta(t, 52.5200, lat, 1e-9)

	ix, iy := Project(-180, 90)
	assert.Equal(t, int32(0), ix)
	assert.Equal(t, int32(0), iy)

	units := MetersToUnits(100, y)
	assert.InDelta(t, 100, UnitsToMeters(units, y), 1e-6)
}

func TestRect_Align(t *testing.T) {
	w := CellWidth(4)
	r := Rect{X1: w + 1, Y1: 0, X2: 2*w + 1, Y2: 1}.Align(4)
	assert.Equal(t, Rect{X1: w, Y1: 0, X2: 3 * w, Y2: w}, r)
	assert.Equal(t, World(), Rect{X1: -5, Y1: -5, X2: WorldWidth + 5, Y2: WorldWidth + 5}.Align(3))
}
