package builder

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/adalundhe/trackcache/core/concurrency"
	"github.com/adalundhe/trackcache/core/fixstore"
	"github.com/adalundhe/trackcache/core/props"
	"github.com/adalundhe/trackcache/core/recordstore"
	"github.com/adalundhe/trackcache/core/rowcache"
	"github.com/adalundhe/trackcache/core/spatial"
)

const testDepth = 10

// sliceSource serves fixes from memory. hook, when set, runs before every
// read with the 1-based call number and may fail it.
type sliceSource struct {
	fixes []fixstore.Fix
	calls int
	hook  func(call int) error
}

func (s *sliceSource) ReadAfter(_ context.Context, afterID int64, limit int) ([]fixstore.Fix, error) {
	s.calls++
	if s.hook != nil {
		if err := s.hook(s.calls); err != nil {
			return nil, err
		}
	}
	var out []fixstore.Fix
	for _, f := range s.fixes {
		if f.ID > afterID && len(out) < limit {
			out = append(out, f)
		}
	}
	return out, nil
}

// walk produces n fixes around Berlin, one every 10 seconds, moving about
// 50m per step with a pause every 20 fixes.
func walk(n int) []fixstore.Fix {
	fixes := make([]fixstore.Fix, n)
	lon, lat := 13.40, 52.52
	for i := range fixes {
		if i%20 != 19 {
			lon += 0.0007 * math.Cos(float64(i)/15)
			lat += 0.0004 * math.Sin(float64(i)/15)
		}
		fixes[i] = fixstore.Fix{ID: int64(i + 1), Lon: lon, Lat: lat, TimeMs: 1_700_000_000_000 + int64(i)*10_000}
	}
	return fixes
}

type harness struct {
	db    *recordstore.Database
	ix    *spatial.Index
	props *props.Properties
	coord *concurrency.Coordinator
}

func openHarness(t *testing.T, dir string) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := recordstore.OpenDatabase(dir)
	require.NoError(t, err)
	pt, err := db.OpenRollBackTable(ctx, "panels", spatial.PanelPlainSize)
	require.NoError(t, err)
	tt, err := db.OpenRollBackTable(ctx, "timetrees", spatial.TimeTreePlainSize)
	require.NoError(t, err)
	prt, err := db.OpenRollForwardTable(ctx, "props", props.PlainSize)
	require.NoError(t, err)
	require.NoError(t, db.FinishRecovery())

	panels, err := rowcache.New[*spatial.AreaPanel](pt, spatial.PanelConfig(nil, 32))
	require.NoError(t, err)
	trees, err := rowcache.New[*spatial.TimeTreeNode](tt, spatial.TimeTreeConfig(nil, 32))
	require.NoError(t, err)
	ix, err := spatial.New(panels, trees, spatial.Config{MaxDepth: testDepth, SubdivideThreshold: 1})
	require.NoError(t, err)
	propRows, err := rowcache.New[*props.Row](prt, props.Config(nil))
	require.NoError(t, err)
	p, err := props.Load(propRows)
	require.NoError(t, err)

	return &harness{db: db, ix: ix, props: p, coord: concurrency.NewCoordinator()}
}

func (h *harness) builder(t *testing.T, src FixSource, cfg Config) *Builder {
	t.Helper()
	b, err := New(src, h.db, h.ix, h.props, h.coord, cfg)
	require.NoError(t, err)
	return b
}

func drain(t *testing.T, b *Builder) []RoundResult {
	t.Helper()
	var rounds []RoundResult
	for {
		res, err := b.RunOnce(context.Background())
		require.NoError(t, err)
		if res.FixesRead == 0 {
			return rounds
		}
		rounds = append(rounds, res)
	}
}

type cell struct {
	id      int32
	overlap spatial.TimeRange
}

func cells(t *testing.T, ix *spatial.Index) []cell {
	t.Helper()
	var out []cell
	err := ix.WalkCells(context.Background(), spatial.World(), testDepth, 0, math.MaxInt64, func(p *spatial.AreaPanel, o spatial.TimeRange) bool {
		out = append(out, cell{p.ID(), o})
		return true
	})
	require.NoError(t, err)
	return out
}

type recorder struct {
	mu     sync.Mutex
	points []spatial.Point
	paths  []spatial.Path
	resets int
}

func (r *recorder) PointAdded(p spatial.Point, path spatial.Path) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, p)
	r.paths = append(r.paths, path)
}

func (r *recorder) IndexReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func TestBuilder_RoundsAreBoundedBySoftCommits(t *testing.T) {
	h := openHarness(t, t.TempDir())
	defer h.db.Close()

	src := &sliceSource{fixes: walk(1050)}
	b := h.builder(t, src, Config{BatchSize: 100, SoftCommitsPerRound: 4})

	rounds := drain(t, b)
	require.Len(t, rounds, 3)
	assert.Equal(t, RoundResult{FixesRead: 400, PointsIndexed: 400, Batches: 4, LastFixID: 400}, rounds[0])
	assert.Equal(t, RoundResult{FixesRead: 400, PointsIndexed: 400, Batches: 4, LastFixID: 800}, rounds[1])
	assert.Equal(t, RoundResult{FixesRead: 250, PointsIndexed: 250, Batches: 3, LastFixID: 1050}, rounds[2])

	assert.Zero(t, h.ix.DirtyRows())
	v, err := h.props.GetOr(props.LastFixRead, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1050), v)

	root, err := h.ix.Root()
	require.NoError(t, err)
	stats, err := h.ix.TreeStats(root.TimeTreeID)
	require.NoError(t, err)
	assert.Equal(t, walk(1)[0].Seconds(), stats.Min)
	assert.Equal(t, walk(1050)[1049].Seconds(), stats.Max)
}

func TestBuilder_ResumesAcrossReopen(t *testing.T) {
	fixes := walk(600)

	whole := openHarness(t, t.TempDir())
	defer whole.db.Close()
	drain(t, whole.builder(t, &sliceSource{fixes: fixes}, Config{BatchSize: 64}))
	want := cells(t, whole.ix)

	dir := t.TempDir()
	h := openHarness(t, dir)
	drain(t, h.builder(t, &sliceSource{fixes: fixes[:250]}, Config{BatchSize: 64}))
	require.NoError(t, h.db.Close())

	h = openHarness(t, dir)
	defer h.db.Close()
	b := h.builder(t, &sliceSource{fixes: fixes}, Config{BatchSize: 64})
	assert.Equal(t, int64(250), b.LastFixRead())
	drain(t, b)

	assert.Equal(t, want, cells(t, h.ix))
}

func TestBuilder_FailedRoundRollsBack(t *testing.T) {
	h := openHarness(t, t.TempDir())
	defer h.db.Close()

	src := &sliceSource{fixes: walk(300)}
	b := h.builder(t, src, Config{BatchSize: 50, SoftCommitsPerRound: 4})
	rec := &recorder{}
	b.Subscribe(rec)

	res, err := b.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(200), res.LastFixID)
	committed := cells(t, h.ix)

	// Fail the second read of the next round, after one batch was written.
	boom := errors.New("source unavailable")
	src.calls = 0
	src.hook = func(call int) error {
		if call == 2 {
			return boom
		}
		return nil
	}
	_, err = b.RunOnce(context.Background())
	require.ErrorIs(t, err, boom)

	assert.Equal(t, 1, rec.resets)
	assert.Len(t, rec.points, 200, "points of the rolled back batch are not reported")
	assert.Equal(t, int64(200), b.LastFixRead())
	assert.Zero(t, h.ix.DirtyRows())
	assert.Equal(t, committed, cells(t, h.ix))

	src.hook = nil
	drain(t, b)
	assert.Equal(t, int64(300), b.LastFixRead())

	fresh := openHarness(t, t.TempDir())
	defer fresh.db.Close()
	drain(t, fresh.builder(t, &sliceSource{fixes: walk(300)}, Config{BatchSize: 50}))
	assert.Equal(t, cells(t, fresh.ix), cells(t, h.ix))
}

func TestBuilder_ListenersSeeIndexedPaths(t *testing.T) {
	h := openHarness(t, t.TempDir())
	defer h.db.Close()

	b := h.builder(t, &sliceSource{fixes: walk(40)}, Config{BatchSize: 16})
	rec := &recorder{}
	unsubscribe := b.Subscribe(rec)
	drain(t, b)

	require.Len(t, rec.points, 40)
	for i, p := range rec.points {
		path, err := h.ix.Locate(p.X, p.Y)
		require.NoError(t, err)
		assert.Equal(t, path, rec.paths[i])
		if i > 0 {
			assert.GreaterOrEqual(t, p.Time, rec.points[i-1].Time)
		}
	}

	unsubscribe()
	more := append(walk(40), walk(41)[40])
	b.src = &sliceSource{fixes: more}
	drain(t, b)
	assert.Len(t, rec.points, 40)
}

func TestBuilder_ListenersHearOfPointsAfterCommit(t *testing.T) {
	h := openHarness(t, t.TempDir())
	defer h.db.Close()

	rec := &recorder{}
	var midRound []int
	src := &sliceSource{fixes: walk(100)}
	src.hook = func(int) error {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		midRound = append(midRound, len(rec.points))
		return nil
	}
	b := h.builder(t, src, Config{BatchSize: 40, SoftCommitsPerRound: 4})
	b.Subscribe(rec)

	res, err := b.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Batches)
	assert.Equal(t, []int{0, 0, 0}, midRound)
	require.Len(t, rec.points, res.PointsIndexed)
	for i := 1; i < len(rec.points); i++ {
		assert.GreaterOrEqual(t, rec.points[i].Time, rec.points[i-1].Time)
	}
}

func TestBuilder_SkipsInvalidAndOutOfOrderFixes(t *testing.T) {
	h := openHarness(t, t.TempDir())
	defer h.db.Close()

	fixes := walk(10)
	fixes[3].Lat = 123
	fixes[6].TimeMs = fixes[0].TimeMs

	before := testutil.ToFloat64(pointsSkippedTotal.WithLabelValues("invalid"))
	b := h.builder(t, &sliceSource{fixes: fixes}, Config{})
	rounds := drain(t, b)
	require.Len(t, rounds, 1)
	assert.Equal(t, 10, rounds[0].FixesRead)
	assert.Equal(t, 8, rounds[0].PointsIndexed)
	assert.Equal(t, before+1, testutil.ToFloat64(pointsSkippedTotal.WithLabelValues("invalid")))

	cached, err := h.props.GetOr(props.LastFixCached, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cached)
}

func TestBuilder_CheckpointAdmitsReaders(t *testing.T) {
	h := openHarness(t, t.TempDir())
	defer h.db.Close()

	var ran atomic.Bool
	readerDone := make(chan error, 1)
	src := &sliceSource{fixes: walk(100)}
	src.hook = func(call int) error {
		if call != 2 {
			return nil
		}
		// The builder holds the write lock during its second read.
		go func() {
			readerDone <- h.coord.Read(context.Background(), func() error {
				ran.Store(true)
				return nil
			})
		}()
		require.Eventually(t, func() bool { return h.coord.Waiting() == 1 }, time.Second, time.Millisecond)
		return nil
	}

	b := h.builder(t, src, Config{BatchSize: 40, SoftCommitsPerRound: 4})
	_, err := b.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, ran.Load())
	require.NoError(t, <-readerDone)
	assert.Equal(t, int64(1), h.coord.Stats().ReadersAdmitted)
}

func TestBuilder_RunStopsWithContext(t *testing.T) {
	h := openHarness(t, t.TempDir())
	defer h.db.Close()

	src := &sliceSource{fixes: walk(30)}
	b := h.builder(t, src, Config{BatchSize: 8, PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	wake := make(chan struct{}, 1)
	errc := make(chan error, 1)
	go func() { errc <- b.Run(ctx, wake) }()

	require.Eventually(t, func() bool {
		var v int64
		_ = h.coord.Read(ctx, func() error {
			v, _ = h.props.GetOr(props.LastFixRead, 0)
			return nil
		})
		return v == 30
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestFilter_DampsJitterAndPassesMoves(t *testing.T) {
	x, y := spatial.ProjectFloat(13.4, 52.5)
	origin := r2.Vec{X: x, Y: y}
	r := spatial.MetersToUnits(10, y)

	f := newFilter(10, 60)
	assert.Equal(t, origin, f.apply(origin, 0))

	// A jump of one radius moves halfway.
	got := f.apply(r2.Add(origin, r2.Vec{X: r}), 1)
	assert.InDelta(t, origin.X+r/2, got.X, 1e-6)

	// A long move is barely damped.
	far := r2.Add(got, r2.Vec{X: 1000 * r})
	got = f.apply(far, 2)
	assert.InDelta(t, far.X, got.X, 2*r)

	// After a long pause the filter restarts at the raw position.
	jump := r2.Add(got, r2.Vec{Y: r})
	assert.Equal(t, jump, f.apply(jump, 1000))
}

func TestFilter_StateRoundTrip(t *testing.T) {
	f := newFilter(10, 60)
	f.apply(r2.Vec{X: 1234.5, Y: 6789.25}, 42)

	g := newFilter(10, 60)
	g.restore(f.state())
	assert.Equal(t, f.avg, g.avg)
	assert.True(t, g.primed)
	assert.Equal(t, int64(42), g.lastTime)
}
