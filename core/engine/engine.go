// Package engine assembles one trackcache instance: the fix database, the
// index tables on the configured backend, the builder that feeds them and
// the query surface that reads them. An Engine owns the index directory for
// as long as it is open.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/adalundhe/trackcache/core/backup"
	"github.com/adalundhe/trackcache/core/builder"
	"github.com/adalundhe/trackcache/core/concurrency"
	"github.com/adalundhe/trackcache/core/config"
	"github.com/adalundhe/trackcache/core/crypt"
	"github.com/adalundhe/trackcache/core/database"
	"github.com/adalundhe/trackcache/core/fixstore"
	"github.com/adalundhe/trackcache/core/props"
	"github.com/adalundhe/trackcache/core/query"
	"github.com/adalundhe/trackcache/core/recordstore"
	"github.com/adalundhe/trackcache/core/rowcache"
	"github.com/adalundhe/trackcache/core/spatial"
	"github.com/adalundhe/trackcache/core/sqlstore"
	"github.com/adalundhe/trackcache/core/storage"
)

const (
	DefaultLockTimeout = 10 * time.Second

	tablePanels    = "panels"
	tableTimeTrees = "timetrees"
	tableProps     = "props"

	fixesPool = "fixes"
	indexPool = "index"
)

var (
	ErrClosed = errors.New("engine closed")
	ErrLocked = errors.New("index is in use by another process")
)

// Options configures Open beyond the configuration file.
type Options struct {
	Logger      *slog.Logger
	LockTimeout time.Duration
	// Key replaces the passphrase-derived key, for tests.
	Key []byte
}

// Engine is an open trackcache instance.
type Engine struct {
	cfg    *config.Config
	dirs   *storage.Dirs
	logger *slog.Logger

	lock    *database.AdvisoryLock
	pools   *database.Manager
	keyring *crypt.Keyring
	fixes   *fixstore.Store
	backups *backup.Manager

	store   indexStore
	ix      *spatial.Index
	props   *props.Properties
	coord   *concurrency.Coordinator
	builder *builder.Builder
	surface *query.Surface
	unsub   func()

	closed bool
}

// indexStore is the transaction boundary of the index tables on either
// backend.
type indexStore interface {
	rowcache.Store
	Tables() []recordstore.Info
	InTransaction() bool
}

// committedReader is a table whose committed body can be streamed.
type committedReader interface {
	ReadCommitted(w io.Writer) error
}

// Open builds an engine from cfg. dirs selects where every file lives.
func Open(ctx context.Context, cfg *config.Config, dirs *storage.Dirs, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if err := dirs.EnsureAll(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		dirs:   dirs,
		logger: opts.Logger,
		pools:  database.NewManager(dirs),
	}

	lock, err := database.NewAdvisoryLock(dirs.LockDir(), indexPool)
	if err != nil {
		return nil, err
	}
	if err := lock.Acquire(ctx, opts.LockTimeout); err != nil {
		if errors.Is(err, database.ErrLockTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, lock.Path())
		}
		return nil, err
	}
	e.lock = lock

	if err := e.openKeyring(opts.Key); err != nil {
		e.closeAll()
		return nil, err
	}
	if err := e.openFixes(ctx); err != nil {
		e.closeAll()
		return nil, err
	}

	err = e.openIndex(ctx)
	if errors.Is(err, recordstore.ErrCorrupt) && cfg.Storage.RebuildOnCorrupt {
		e.logger.Warn("index corrupt, rebuilding from fixes", slog.String("error", err.Error()))
		err = e.wipeAndReopen(ctx)
	}
	if err != nil {
		e.closeAll()
		return nil, err
	}

	e.logger.Info("engine open",
		slog.String("backend", cfg.Storage.Backend),
		slog.String("data", dirs.Data),
		slog.Int64("last_fix_read", e.builder.LastFixRead()))
	return e, nil
}

func (e *Engine) openKeyring(key []byte) error {
	if e.cfg.Crypto.Disabled {
		return nil
	}
	var (
		kr  *crypt.Keyring
		err error
	)
	if key != nil {
		kr, err = crypt.KeyringFromKey(key)
	} else {
		kr, err = crypt.OpenKeyring(e.dirs.KeyDir(), e.cfg.Crypto.Passphrase)
	}
	if err != nil {
		return fmt.Errorf("open keyring: %w", err)
	}
	e.keyring = kr
	return nil
}

// codec returns the row codec of a table, PlainCodec when sealing is off.
func (e *Engine) codec(table string) (rowcache.Codec, error) {
	if e.keyring == nil {
		return rowcache.PlainCodec{}, nil
	}
	c, err := e.keyring.Codec(table)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Engine) openFixes(ctx context.Context) error {
	name := fixesPool
	if e.cfg.Storage.FixesDB != "" {
		name = e.cfg.Storage.FixesDB
	}
	pool, err := e.pools.Open(name, database.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("open fix database: %w", err)
	}
	codec, err := e.codec("fixes")
	if err != nil {
		return err
	}
	fixes, err := fixstore.Open(ctx, pool, codec, e.logger.With(slog.String("component", "fixstore")))
	if err != nil {
		return err
	}
	e.fixes = fixes
	e.backups = backup.NewManager(e.dirs.BackupDir(), pool, backup.Config{
		Retention: e.cfg.Backup.Retention,
		Logger:    e.logger,
	})
	return nil
}

// openIndex opens the index tables and everything layered on them.
func (e *Engine) openIndex(ctx context.Context) error {
	panelCodec, err := e.codec(tablePanels)
	if err != nil {
		return err
	}
	treeCodec, err := e.codec(tableTimeTrees)
	if err != nil {
		return err
	}
	propCodec, err := e.codec(tableProps)
	if err != nil {
		return err
	}

	var pt, tt, prt rowcache.Accessor
	switch e.cfg.Storage.Backend {
	case config.BackendSQLite:
		pt, tt, prt, err = e.openSQLiteTables(ctx, panelCodec, treeCodec, propCodec)
	default:
		pt, tt, prt, err = e.openFileTables(ctx, panelCodec, treeCodec, propCodec)
	}
	if err != nil {
		return err
	}

	rows := e.cfg.Storage.CacheRows
	panels, err := rowcache.New(pt, spatial.PanelConfig(panelCodec, rows))
	if err != nil {
		return err
	}
	trees, err := rowcache.New(tt, spatial.TimeTreeConfig(treeCodec, rows))
	if err != nil {
		return err
	}
	ix, err := spatial.New(panels, trees, spatial.Config{
		MaxDepth:           e.cfg.Index.MaxDepth,
		SubdivideThreshold: e.cfg.Index.SubdivideThreshold,
		Logger:             e.logger,
	})
	if err != nil {
		return err
	}
	propRows, err := rowcache.New(prt, props.Config(propCodec))
	if err != nil {
		return err
	}
	p, err := props.Load(propRows)
	if err != nil {
		return err
	}

	coord := concurrency.NewCoordinator()
	b, err := builder.New(e.fixes, e.store, ix, p, coord, builder.Config{
		BatchSize:           e.cfg.Builder.BatchSize,
		SoftCommitsPerRound: e.cfg.Builder.SoftCommitsPerRound,
		JitterRadiusMeters:  e.cfg.Builder.JitterRadiusMeters,
		FilterResetGap:      e.cfg.Builder.FilterResetGap,
		PollInterval:        e.cfg.Builder.PollInterval,
		Logger:              e.logger,
	})
	if err != nil {
		return err
	}
	surface, err := query.NewSurface(ix, coord, query.Config{
		MinPixelsPerCell: e.cfg.View.MinPixelsPerCell,
		CacheMaxCost:     e.cfg.Query.CacheMaxCost,
		Logger:           e.logger,
	})
	if err != nil {
		return err
	}

	e.ix, e.props, e.coord, e.builder, e.surface = ix, p, coord, b, surface
	e.unsub = b.Subscribe(surface)
	return nil
}

func (e *Engine) openFileTables(ctx context.Context, pc, tc, rc rowcache.Codec) (pt, tt, prt rowcache.Accessor, err error) {
	db, err := recordstore.OpenDatabase(e.dirs.IndexDir(), recordstore.WithLogger(e.logger))
	if err != nil {
		return nil, nil, nil, err
	}
	e.store = db

	panels, err := db.OpenRollBackTable(ctx, tablePanels, rowcache.RecordSize(spatial.PanelPlainSize, pc))
	if err != nil {
		return nil, nil, nil, err
	}
	trees, err := db.OpenRollBackTable(ctx, tableTimeTrees, rowcache.RecordSize(spatial.TimeTreePlainSize, tc))
	if err != nil {
		return nil, nil, nil, err
	}
	propTable, err := db.OpenRollForwardTable(ctx, tableProps, rowcache.RecordSize(props.PlainSize, rc))
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.FinishRecovery(); err != nil {
		return nil, nil, nil, err
	}
	return panels, trees, propTable, nil
}

func (e *Engine) openSQLiteTables(ctx context.Context, pc, tc, rc rowcache.Codec) (pt, tt, prt rowcache.Accessor, err error) {
	cfg := database.DefaultPoolConfig()
	cfg.Synchronous = "FULL"
	pool, err := e.pools.Open(indexPool, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open index database: %w", err)
	}
	db, err := sqlstore.Open(ctx, pool, e.logger)
	if err != nil {
		return nil, nil, nil, err
	}
	e.store = db

	panels, err := db.Table(ctx, tablePanels, rowcache.RecordSize(spatial.PanelPlainSize, pc))
	if err != nil {
		return nil, nil, nil, err
	}
	trees, err := db.Table(ctx, tableTimeTrees, rowcache.RecordSize(spatial.TimeTreePlainSize, tc))
	if err != nil {
		return nil, nil, nil, err
	}
	propTable, err := db.Table(ctx, tableProps, rowcache.RecordSize(props.PlainSize, rc))
	if err != nil {
		return nil, nil, nil, err
	}
	return panels, trees, propTable, nil
}

// closeIndex releases the index side. The fix store stays open.
func (e *Engine) closeIndex() error {
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	if e.surface != nil {
		e.surface.Close()
		e.surface = nil
	}
	e.builder, e.ix, e.props, e.coord = nil, nil, nil, nil

	var err error
	switch s := e.store.(type) {
	case *recordstore.Database:
		err = s.Close()
	case *sqlstore.DB:
		err = e.pools.Close(indexPool)
	}
	e.store = nil
	return err
}

// wipeAndReopen deletes the index tables and opens empty ones. The builder
// then starts over from the first fix.
func (e *Engine) wipeAndReopen(ctx context.Context) error {
	if err := e.closeIndex(); err != nil {
		e.logger.Warn("closing index before rebuild", slog.String("error", err.Error()))
	}
	if err := e.removeIndexFiles(); err != nil {
		return fmt.Errorf("remove index: %w", err)
	}
	return e.openIndex(ctx)
}

func (e *Engine) removeIndexFiles() error {
	if err := os.RemoveAll(e.dirs.IndexDir()); err != nil {
		return err
	}
	base := e.dirs.DataDir(indexPool + ".db")
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(base + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return storage.EnsureStandardDir(e.dirs.IndexDir())
}

// Rebuild discards the index and indexes every stored fix again. Surfaces
// and sessions obtained before the call are closed.
func (e *Engine) Rebuild(ctx context.Context) (BuildStats, error) {
	if e.closed {
		return BuildStats{}, ErrClosed
	}
	e.logger.Info("rebuilding index")
	if err := e.wipeAndReopen(ctx); err != nil {
		return BuildStats{}, err
	}
	return e.Build(ctx)
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Dirs returns the engine's directories.
func (e *Engine) Dirs() *storage.Dirs { return e.dirs }

// Fixes returns the fix store.
func (e *Engine) Fixes() *fixstore.Store { return e.fixes }

// Backups returns the fix database backup manager.
func (e *Engine) Backups() *backup.Manager { return e.backups }

// Index returns the spatial index. Callers outside the builder must hold a
// share of Coordinator while reading it.
func (e *Engine) Index() *spatial.Index { return e.ix }

// Coordinator returns the coordinator guarding the index.
func (e *Engine) Coordinator() *concurrency.Coordinator { return e.coord }

// Builder returns the index builder.
func (e *Engine) Builder() *builder.Builder { return e.builder }

// Surface returns the query surface.
func (e *Engine) Surface() *query.Surface { return e.surface }

// Ingest appends fixes to the fix store.
func (e *Engine) Ingest(ctx context.Context, fixes []fixstore.Fix) ([]int64, error) {
	if e.closed {
		return nil, ErrClosed
	}
	return e.fixes.Append(ctx, fixes)
}

func (e *Engine) closeAll() error {
	var errs []error
	if err := e.closeIndex(); err != nil {
		errs = append(errs, err)
	}
	if err := e.pools.CloseAll(); err != nil {
		errs = append(errs, err)
	}
	if e.lock != nil {
		if err := e.lock.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases every resource. An open index transaction is left for
// recovery on the next Open.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.closeAll()
	e.logger.Debug("engine closed")
	return err
}
