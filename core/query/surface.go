// Package query is the read side of the index: region iteration, the
// auto-zoom and point lookups, chronological path scans and incremental view
// sessions. Every read holds a share of the index coordinator, so it sees
// the index between two builder points.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/adalundhe/trackcache/core/builder"
	"github.com/adalundhe/trackcache/core/concurrency"
	"github.com/adalundhe/trackcache/core/spatial"
)

const (
	DefaultMinPixelsPerCell = 4
	DefaultCacheMaxCost     = 1 << 22

	// cellCost approximates the bytes held by one cached Cell.
	cellCost = 48
)

var (
	ErrInvalidRequest  = errors.New("invalid query")
	ErrSessionNotFound = errors.New("view session not found")
	ErrSessionStale    = errors.New("view session missed an index update")
)

// Config tunes a Surface.
type Config struct {
	MinPixelsPerCell int
	CacheMaxCost     int64
	Logger           *slog.Logger
}

// Cell is one visited cell and the part of the window it was visited in.
type Cell struct {
	PanelID int32
	Depth   int
	Rect    spatial.Rect
	Overlap spatial.TimeRange
}

// CellsRequest asks for the cells of rect visited during [Start, End),
// drawn into a viewport of WidthPx by HeightPx pixels.
type CellsRequest struct {
	Rect     spatial.Rect
	Start    int64
	End      int64
	WidthPx  int
	HeightPx int
}

func (r CellsRequest) validate() error {
	switch {
	case r.Rect.Empty():
		return fmt.Errorf("%w: empty rectangle", ErrInvalidRequest)
	case r.End <= r.Start:
		return fmt.Errorf("%w: window [%d, %d)", ErrInvalidRequest, r.Start, r.End)
	case r.WidthPx < 0 || r.HeightPx < 0:
		return fmt.Errorf("%w: viewport %dx%d", ErrInvalidRequest, r.WidthPx, r.HeightPx)
	}
	return nil
}

// Surface answers queries against one index. It also listens to the
// builder so cached results and open sessions follow the index.
type Surface struct {
	ix     *spatial.Index
	coord  *concurrency.Coordinator
	cfg    Config
	logger *slog.Logger

	cache      *ristretto.Cache
	generation atomic.Uint64
	sessions   *xsync.MapOf[string, *Session]
}

var _ builder.Listener = (*Surface)(nil)

// NewSurface creates a query surface over ix, whose readers and writer
// share coord.
func NewSurface(ix *spatial.Index, coord *concurrency.Coordinator, cfg Config) (*Surface, error) {
	if cfg.MinPixelsPerCell <= 0 {
		cfg.MinPixelsPerCell = DefaultMinPixelsPerCell
	}
	if cfg.CacheMaxCost <= 0 {
		cfg.CacheMaxCost = DefaultCacheMaxCost
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: max(cfg.CacheMaxCost/cellCost*10, 1000),
		MaxCost:     cfg.CacheMaxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create cell cache: %w", err)
	}

	return &Surface{
		ix:       ix,
		coord:    coord,
		cfg:      cfg,
		logger:   cfg.Logger,
		cache:    cache,
		sessions: xsync.NewMapOf[string, *Session](),
	}, nil
}

// Close drops every session and the cell cache.
func (s *Surface) Close() {
	s.sessions.Clear()
	s.cache.Close()
}

// CacheHits returns the number of cell queries answered from the cache.
func (s *Surface) CacheHits() uint64 { return s.cache.Metrics.Hits() }

// DepthForPixels returns the finest depth at which a cell of rect, drawn in
// a widthPx by heightPx viewport, still covers minPx pixels on its shorter
// side. Missing viewport sizes select the coarsest depth.
func DepthForPixels(rect spatial.Rect, widthPx, heightPx, minPx, maxDepth int) int {
	if rect.Empty() || (widthPx <= 0 && heightPx <= 0) {
		return 0
	}
	scale := math.Inf(1)
	if widthPx > 0 {
		scale = float64(widthPx) / float64(rect.X2-rect.X1)
	}
	if heightPx > 0 {
		scale = math.Min(scale, float64(heightPx)/float64(rect.Y2-rect.Y1))
	}
	for d := maxDepth; d > 0; d-- {
		if float64(spatial.CellWidth(d))*scale >= float64(minPx) {
			return d
		}
	}
	return 0
}

// Cells returns the visited cells of the request at the depth its viewport
// can show, in quadrant order.
func (s *Surface) Cells(ctx context.Context, req CellsRequest) ([]Cell, int, error) {
	if err := req.validate(); err != nil {
		return nil, 0, err
	}
	depth := DepthForPixels(req.Rect, req.WidthPx, req.HeightPx, s.cfg.MinPixelsPerCell, s.ix.MaxDepth())
	cells, err := s.CellsAt(ctx, req.Rect, depth, req.Start, req.End)
	return cells, depth, err
}

// CellsAt returns the visited cells of rect at an explicit depth.
func (s *Surface) CellsAt(ctx context.Context, rect spatial.Rect, depth int, start, end int64) ([]Cell, error) {
	var cells []Cell
	err := s.coord.Read(ctx, func() error {
		key := fmt.Sprintf("%d|%d,%d,%d,%d|%d|%d,%d", s.generation.Load(), rect.X1, rect.Y1, rect.X2, rect.Y2, depth, start, end)
		if v, ok := s.cache.Get(key); ok {
			cells = v.([]Cell)
			return nil
		}

		err := s.ix.WalkCells(ctx, rect, depth, start, end, func(p *spatial.AreaPanel, o spatial.TimeRange) bool {
			cells = append(cells, Cell{PanelID: p.ID(), Depth: int(p.Depth), Rect: p.Rect(), Overlap: o})
			return true
		})
		if err != nil {
			return err
		}
		s.cache.Set(key, cells, int64(len(cells)+1)*cellCost)
		return nil
	})
	return cells, err
}

// HasPoint reports whether any point was recorded in rect during
// [start, end).
func (s *Surface) HasPoint(ctx context.Context, rect spatial.Rect, start, end int64) (bool, error) {
	var found bool
	err := s.coord.Read(ctx, func() error {
		var err error
		found, err = s.ix.HasPoint(ctx, rect, start, end)
		return err
	})
	return found, err
}

// PathVisit is one visit of a path scan.
type PathVisit struct {
	PanelID int32
	Rect    spatial.Rect
	Visit   spatial.Visit
}

// Path returns, in chronological order, every visit starting in [start,
// end) to the cells covering rect aligned at minDepth. At most limit visits
// are returned when limit is positive.
func (s *Surface) Path(ctx context.Context, rect spatial.Rect, minDepth int, start, end int64, limit int) ([]PathVisit, error) {
	if rect.Empty() || end <= start {
		return nil, fmt.Errorf("%w: path over %v during [%d, %d)", ErrInvalidRequest, rect, start, end)
	}

	var out []PathVisit
	err := s.coord.Read(ctx, func() error {
		area := s.ix.NewArea(rect, minDepth)
		if _, err := area.CalcAreaPanelInfos(ctx); err != nil {
			return err
		}
		if err := area.ResetToStart(start, end); err != nil {
			return err
		}
		for limit <= 0 || len(out) < limit {
			if len(out)%256 == 255 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			info, v, ok, err := area.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			out = append(out, PathVisit{PanelID: info.PanelID, Rect: info.Bounds, Visit: v})
		}
		return nil
	})
	return out, err
}

// PointAdded moves cached results to a new generation and patches every
// open session.
func (s *Surface) PointAdded(p spatial.Point, path spatial.Path) {
	s.generation.Add(1)
	s.sessions.Range(func(_ string, sess *Session) bool {
		sess.pointAdded(p, path)
		return true
	})
}

// IndexReset drops cached results and restarts every open session.
func (s *Surface) IndexReset() {
	s.generation.Add(1)
	s.cache.Clear()
	s.sessions.Range(func(_ string, sess *Session) bool {
		sess.reset()
		return true
	})
}
