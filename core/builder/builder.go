// Package builder turns raw fixes into index rows. A Builder is the single
// writer of the index: it filters each fix, adds it to the spatial index and
// commits the touched rows in staged transactions, yielding to waiting
// readers after every point. Subscribed views hear of a round's points once
// it has committed.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/adalundhe/trackcache/core/concurrency"
	"github.com/adalundhe/trackcache/core/fixstore"
	"github.com/adalundhe/trackcache/core/props"
	"github.com/adalundhe/trackcache/core/rowcache"
	"github.com/adalundhe/trackcache/core/spatial"
)

const (
	DefaultBatchSize           = 500
	DefaultSoftCommitsPerRound = 4
	DefaultJitterRadiusMeters  = 10
	DefaultFilterResetGap      = 30 * time.Minute
	DefaultPollInterval        = 5 * time.Second
)

// Config tunes a Builder. Zero fields take their defaults.
type Config struct {
	BatchSize           int
	SoftCommitsPerRound int
	JitterRadiusMeters  float64
	// FilterResetGap restarts the filter when consecutive fixes are further
	// apart, so a new trip does not start at the end of the previous one.
	FilterResetGap time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.SoftCommitsPerRound <= 0 {
		c.SoftCommitsPerRound = DefaultSoftCommitsPerRound
	}
	if c.JitterRadiusMeters <= 0 {
		c.JitterRadiusMeters = DefaultJitterRadiusMeters
	}
	if c.FilterResetGap <= 0 {
		c.FilterResetGap = DefaultFilterResetGap
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// FixSource yields stored fixes in id order.
type FixSource interface {
	ReadAfter(ctx context.Context, afterID int64, limit int) ([]fixstore.Fix, error)
}

// Listener observes index changes. Calls arrive on the builder goroutine
// while it holds the index write lock; implementations must not block on
// index readers.
type Listener interface {
	// PointAdded reports a point and the panel path it was indexed under.
	// A round's points are reported in indexing order after the round
	// commits; points of a rolled back round are never reported.
	PointAdded(p spatial.Point, path spatial.Path)
	// IndexReset reports that uncommitted index changes were discarded.
	IndexReset()
}

type indexedPoint struct {
	p    spatial.Point
	path spatial.Path
}

// RoundResult summarises one RunOnce call.
type RoundResult struct {
	FixesRead     int
	PointsIndexed int
	Batches       int
	LastFixID     int64
}

// Builder is the index writer.
type Builder struct {
	src    FixSource
	store  rowcache.Store
	ix     *spatial.Index
	props  *props.Properties
	coord  *concurrency.Coordinator
	cfg    Config
	logger *slog.Logger
	runID  string

	filter     *filter
	lastRead   int64
	lastCached int64
	prev       *spatial.Point

	// points indexed in the open round, announced on commit
	pending []indexedPoint

	listenerMu   sync.Mutex
	listeners    map[uint64]Listener
	nextListener uint64
}

// New creates a builder that resumes from the state stored in p. The store
// must be the transaction scope shared by the index and property tables.
func New(src FixSource, store rowcache.Store, ix *spatial.Index, p *props.Properties, coord *concurrency.Coordinator, cfg Config) (*Builder, error) {
	cfg.applyDefaults()
	b := &Builder{
		src:       src,
		store:     store,
		ix:        ix,
		props:     p,
		coord:     coord,
		cfg:       cfg,
		runID:     uuid.NewString(),
		filter:    newFilter(cfg.JitterRadiusMeters, int64(cfg.FilterResetGap/time.Second)),
		listeners: make(map[uint64]Listener),
	}
	b.logger = cfg.Logger.With(slog.String("builder_run", b.runID))
	if err := b.loadState(); err != nil {
		return nil, fmt.Errorf("load builder state: %w", err)
	}
	b.logger.Info("builder ready", slog.Int64("last_fix_read", b.lastRead), slog.Int64("last_fix_cached", b.lastCached))
	return b, nil
}

// RunID identifies this builder instance in logs.
func (b *Builder) RunID() string { return b.runID }

// LastFixRead returns the id of the newest fix consumed.
func (b *Builder) LastFixRead() int64 { return b.lastRead }

// Subscribe registers l and returns a function that removes it.
func (b *Builder) Subscribe(l Listener) func() {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	id := b.nextListener
	b.nextListener++
	b.listeners[id] = l
	return func() {
		b.listenerMu.Lock()
		defer b.listenerMu.Unlock()
		delete(b.listeners, id)
	}
}

func (b *Builder) each(fn func(Listener)) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	for _, l := range b.listeners {
		fn(l)
	}
}

func (b *Builder) loadState() error {
	var err error
	get := func(name string, def int64) int64 {
		if err != nil {
			return def
		}
		var v int64
		v, err = b.props.GetOr(name, def)
		return v
	}

	b.lastRead = get(props.LastFixRead, 0)
	b.lastCached = get(props.LastFixCached, 0)
	b.filter.restore(get(props.FilterX, 0), get(props.FilterY, 0), get(props.FilterPrimed, 0), get(props.FilterLastTime, 0))

	b.prev = nil
	if get(props.PrevPointValid, 0) == 1 {
		b.prev = &spatial.Point{
			X:    int32(get(props.PrevPointX, 0)),
			Y:    int32(get(props.PrevPointY, 0)),
			Time: get(props.PrevPointTime, 0),
		}
	}
	return err
}

type propValue struct {
	name  string
	value int64
}

func (b *Builder) saveState() error {
	fx, fy, primed, last := b.filter.state()
	vals := []propValue{
		{props.LastFixRead, b.lastRead},
		{props.LastFixCached, b.lastCached},
		{props.FilterX, fx},
		{props.FilterY, fy},
		{props.FilterPrimed, primed},
		{props.FilterLastTime, last},
	}
	if b.prev != nil {
		vals = append(vals,
			propValue{props.PrevPointX, int64(b.prev.X)},
			propValue{props.PrevPointY, int64(b.prev.Y)},
			propValue{props.PrevPointTime, b.prev.Time},
			propValue{props.PrevPointValid, 1},
		)
	}
	for _, kv := range vals {
		if err := b.props.Set(kv.name, kv.value); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce runs one round: up to SoftCommitsPerRound batches inside a single
// store transaction. A round with no new fixes does not touch the store.
// On error every uncommitted change is discarded and listeners are told to
// reset.
func (b *Builder) RunOnce(ctx context.Context) (RoundResult, error) {
	var res RoundResult

	fixes, err := b.src.ReadAfter(ctx, b.lastRead, b.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("read fixes after %d: %w", b.lastRead, err)
	}
	if len(fixes) == 0 {
		return res, nil
	}

	if err := b.coord.Lock(ctx); err != nil {
		return res, err
	}
	defer b.coord.Unlock()

	if err := b.store.Begin(ctx); err != nil {
		roundsTotal.WithLabelValues("failed").Inc()
		return res, fmt.Errorf("begin round: %w", err)
	}

	for {
		n, err := b.indexBatch(ctx, fixes)
		res.PointsIndexed += n
		res.FixesRead += len(fixes)
		if err == nil {
			err = b.flushBatch(ctx)
		}
		if err != nil {
			return res, b.fail(err)
		}
		res.Batches++

		if res.Batches >= b.cfg.SoftCommitsPerRound || len(fixes) < b.cfg.BatchSize {
			break
		}
		if fixes, err = b.src.ReadAfter(ctx, b.lastRead, b.cfg.BatchSize); err != nil {
			return res, b.fail(fmt.Errorf("read fixes after %d: %w", b.lastRead, err))
		}
		if len(fixes) == 0 {
			break
		}
	}

	timer := prometheus.NewTimer(commitDuration.WithLabelValues("commit"))
	err = b.store.Commit(ctx)
	timer.ObserveDuration()
	if err != nil {
		return res, b.fail(fmt.Errorf("commit round: %w", err))
	}
	b.ix.CommitDirtyRows()
	b.props.Rows().CommitDirtyRows()
	b.announce()

	res.LastFixID = b.lastRead
	roundsTotal.WithLabelValues("committed").Inc()
	b.logger.Debug("round committed",
		slog.Int("fixes", res.FixesRead),
		slog.Int("points", res.PointsIndexed),
		slog.Int("batches", res.Batches),
		slog.Int64("last_fix", res.LastFixID))
	return res, nil
}

// indexBatch adds every fix of one batch to the index and returns the number
// of points indexed.
func (b *Builder) indexBatch(ctx context.Context, fixes []fixstore.Fix) (int, error) {
	indexed := 0
	for i := range fixes {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}
		f := &fixes[i]
		fixesReadTotal.Inc()

		ok, err := b.indexFix(f)
		if err != nil {
			return indexed, fmt.Errorf("index fix %d: %w", f.ID, err)
		}
		b.lastRead = f.ID
		if ok {
			b.lastCached = f.ID
			indexed++
		}
		b.coord.Checkpoint()
	}
	return indexed, nil
}

func (b *Builder) indexFix(f *fixstore.Fix) (bool, error) {
	if err := f.Validate(); err != nil {
		pointsSkippedTotal.WithLabelValues("invalid").Inc()
		b.logger.Warn("skipping invalid fix", slog.Int64("fix", f.ID), slog.String("error", err.Error()))
		return false, nil
	}
	t := f.Seconds()
	if b.prev != nil && t < b.prev.Time {
		pointsSkippedTotal.WithLabelValues("time_order").Inc()
		return false, nil
	}

	x, y := spatial.ProjectFloat(f.Lon, f.Lat)
	p := toPoint(b.filter.apply(r2.Vec{X: x, Y: y}, t), t)

	path, err := b.ix.AddPoint(p, b.prev)
	if err != nil {
		return false, err
	}
	b.prev = &p
	pointsIndexedTotal.Inc()

	b.pending = append(b.pending, indexedPoint{p: p, path: path})
	return true, nil
}

// announce reports the committed round's points to every listener.
func (b *Builder) announce() {
	pending := b.pending
	b.pending = b.pending[:0]
	if len(pending) == 0 {
		return
	}
	b.each(func(l Listener) {
		for _, ip := range pending {
			l.PointAdded(ip.p, ip.path)
		}
	})
}

// flushBatch makes the batch durable: resume state is staged with the index
// rows, updated rows are announced and soft committed, then every dirty row
// is written.
func (b *Builder) flushBatch(ctx context.Context) error {
	if err := b.saveState(); err != nil {
		return fmt.Errorf("save builder state: %w", err)
	}
	if err := b.ix.PrepareDirtyRows(); err != nil {
		return err
	}
	if err := b.props.Rows().PrepareDirtyRows(); err != nil {
		return err
	}

	timer := prometheus.NewTimer(commitDuration.WithLabelValues("soft"))
	err := b.store.SoftCommit(ctx)
	timer.ObserveDuration()
	if err != nil {
		return fmt.Errorf("soft commit: %w", err)
	}
	softCommitsTotal.Inc()

	if err := b.ix.WriteDirtyRows(); err != nil {
		return err
	}
	if err := b.props.Rows().WriteDirtyRows(); err != nil {
		return err
	}
	b.coord.Checkpoint()
	return nil
}

// fail rolls the round back and restores the builder to the last committed
// state.
func (b *Builder) fail(err error) error {
	roundsTotal.WithLabelValues("failed").Inc()
	if rbErr := b.store.Rollback(); rbErr != nil {
		err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
	}
	b.pending = b.pending[:0]
	b.ix.Reset()
	b.props.Rows().Reset()
	if rlErr := b.props.Reload(); rlErr != nil {
		err = errors.Join(err, rlErr)
	} else if lsErr := b.loadState(); lsErr != nil {
		err = errors.Join(err, lsErr)
	}
	b.each(func(l Listener) { l.IndexReset() })

	b.logger.Error("round rolled back", slog.String("error", err.Error()), slog.Int64("resume_after", b.lastRead))
	return err
}

// Run builds until ctx is done, running rounds back to back while fixes are
// available and then waiting for wake or the poll interval. It returns the
// first round error.
func (b *Builder) Run(ctx context.Context, wake <-chan struct{}) error {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for {
			res, err := b.RunOnce(ctx)
			if err != nil {
				return err
			}
			if res.FixesRead == 0 {
				break
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-ticker.C:
		}
	}
}
