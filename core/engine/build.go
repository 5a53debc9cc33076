package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adalundhe/trackcache/core/fixstore"
	"github.com/adalundhe/trackcache/core/recordstore"
)

// BuildStats sums the rounds of one Build call.
type BuildStats struct {
	Rounds        int
	FixesRead     int
	PointsIndexed int
	LastFixID     int64
	// Rebuilt is set when corruption forced the index to start over.
	Rebuilt bool
}

func (s *BuildStats) add(rounds, read, indexed int, last int64) {
	s.Rounds += rounds
	s.FixesRead += read
	s.PointsIndexed += indexed
	s.LastFixID = last
}

// Build indexes every fix stored so far and returns once the builder has
// caught up.
func (e *Engine) Build(ctx context.Context) (BuildStats, error) {
	var stats BuildStats
	err := e.withRebuild(ctx, &stats, func() error {
		for {
			res, err := e.builder.RunOnce(ctx)
			if err != nil {
				return err
			}
			if res.FixesRead == 0 {
				stats.LastFixID = e.builder.LastFixRead()
				return nil
			}
			stats.add(1, res.FixesRead, res.PointsIndexed, res.LastFixID)
		}
	})
	return stats, err
}

// Follow indexes stored fixes and then keeps indexing new ones as they are
// appended, until ctx is done. The fix database is backed up every
// backup.interval meanwhile.
func (e *Engine) Follow(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = fixstore.DefaultDebounce
	}
	wake, err := e.fixes.Watch(ctx, debounce)
	if err != nil {
		e.logger.Warn("fix watch unavailable, polling only", slog.String("error", err.Error()))
		wake = nil
	}
	if d := e.cfg.Backup.Interval; d > 0 {
		ctx, cancel := context.WithCancel(ctx)
		backedUp := make(chan struct{})
		go func() {
			defer close(backedUp)
			e.backups.Run(ctx, d)
		}()
		defer func() {
			cancel()
			<-backedUp
		}()
	}
	var stats BuildStats
	return e.withRebuild(ctx, &stats, func() error {
		return e.builder.Run(ctx, wake)
	})
}

// withRebuild runs fn and, when it fails on corrupt index tables and the
// configuration allows it, rebuilds the index once and runs fn again.
func (e *Engine) withRebuild(ctx context.Context, stats *BuildStats, fn func() error) error {
	if e.closed {
		return ErrClosed
	}
	err := fn()
	if err == nil || !errors.Is(err, recordstore.ErrCorrupt) || !e.cfg.Storage.RebuildOnCorrupt {
		return err
	}
	e.logger.Warn("index corrupt during build, rebuilding from fixes", slog.String("error", err.Error()))
	if err := e.wipeAndReopen(ctx); err != nil {
		return err
	}
	*stats = BuildStats{Rebuilt: true}
	return fn()
}
