// Package rowcache keeps a bounded, typed view over a fixed-record table.
//
// Rows live in exactly one of three places: the dirty set (modified, not yet
// written), the pending set (written inside the open transaction, not yet
// committed) or the LRU of clean rows. Only clean rows are ever evicted.
package rowcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCapacity = 4096

var (
	ErrRowMissing = errors.New("row not found")
	ErrForeignRow = errors.New("row id not allocated by this cache")
)

// Row is a fixed-layout record. MarshalRow writes exactly PlainSize bytes.
type Row interface {
	ID() int32
	SetID(id int32)
	MarshalRow(buf []byte)
	UnmarshalRow(buf []byte) error
}

// Config describes a RowCache.
type Config[R Row] struct {
	Name      string
	PlainSize int
	New       func() R
	Codec     Codec
	Capacity  int
	Logger    *slog.Logger
}

// RowCache is a typed row cache over an Accessor.
type RowCache[R Row] struct {
	name      string
	acc       Accessor
	newFn     func() R
	codec     Codec
	plainSize int
	logger    *slog.Logger

	mu      sync.Mutex
	clean   *lru.Cache[int32, R]
	dirty   map[int32]R
	pending map[int32]R
	next    int32

	plainBuf  []byte
	sealedBuf []byte
}

// New creates a cache over acc.
func New[R Row](acc Accessor, cfg Config[R]) (*RowCache[R], error) {
	if cfg.New == nil {
		return nil, errors.New("rowcache: Config.New is required")
	}
	if cfg.PlainSize <= 0 {
		return nil, fmt.Errorf("rowcache: invalid plain size %d", cfg.PlainSize)
	}
	if cfg.Codec == nil {
		cfg.Codec = PlainCodec{}
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clean, err := lru.New[int32, R](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("rowcache: %w", err)
	}

	return &RowCache[R]{
		name:      cfg.Name,
		acc:       acc,
		newFn:     cfg.New,
		codec:     cfg.Codec,
		plainSize: cfg.PlainSize,
		logger:    cfg.Logger.With(slog.String("rows", cfg.Name)),
		clean:     clean,
		dirty:     make(map[int32]R),
		pending:   make(map[int32]R),
		next:      acc.NextRowID(),
		plainBuf:  make([]byte, cfg.PlainSize),
		sealedBuf: make([]byte, 0, cfg.PlainSize+cfg.Codec.Overhead()),
	}, nil
}

// RecordSize returns the sealed record length the backing table must use.
func RecordSize(plainSize int, codec Codec) int {
	if codec == nil {
		return plainSize
	}
	return plainSize + codec.Overhead()
}

// RecordSize returns the sealed record length of this cache's rows.
func (c *RowCache[R]) RecordSize() int {
	return RecordSize(c.plainSize, c.codec)
}

// NextRowID returns the id the next NewRow will allocate.
func (c *RowCache[R]) NextRowID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// GetRow returns the latest committed-or-pending instance of row id.
func (c *RowCache[R]) GetRow(id int32) (R, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.dirty[id]; ok {
		return r, nil
	}
	if r, ok := c.pending[id]; ok {
		return r, nil
	}
	if r, ok := c.clean.Get(id); ok {
		return r, nil
	}

	var zero R
	sealed := c.sealedBuf[:RecordSize(c.plainSize, c.codec)]
	found, err := c.acc.GetRow(id, sealed)
	if err != nil {
		return zero, fmt.Errorf("read %s row %d: %w", c.name, id, err)
	}
	if !found {
		return zero, fmt.Errorf("%w: %s row %d", ErrRowMissing, c.name, id)
	}
	plain, err := c.codec.Open(c.plainBuf[:0], sealed, id)
	if err != nil {
		return zero, fmt.Errorf("%w: %s row %d: %v", ErrOpen, c.name, id, err)
	}

	r := c.newFn()
	if err := r.UnmarshalRow(plain); err != nil {
		return zero, fmt.Errorf("decode %s row %d: %w", c.name, id, err)
	}
	r.SetID(id)
	c.clean.Add(id, r)
	return r, nil
}

// NewRow allocates the next id and registers an empty dirty row.
func (c *RowCache[R]) NewRow() R {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.newFn()
	r.SetID(c.next)
	c.dirty[c.next] = r
	c.next++
	return r
}

// MarkDirty schedules r to be written by the next WriteDirtyRows.
func (c *RowCache[R]) MarkDirty(r R) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := r.ID()
	if id < 0 || id >= c.next {
		return fmt.Errorf("%w: %s row %d", ErrForeignRow, c.name, id)
	}
	delete(c.pending, id)
	c.clean.Remove(id)
	c.dirty[id] = r
	return nil
}

// DirtyCount returns the number of rows waiting to be written.
func (c *RowCache[R]) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirty)
}

// PendingCount returns the number of rows written but not yet committed.
func (c *RowCache[R]) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// CleanCount returns the number of clean rows currently cached.
func (c *RowCache[R]) CleanCount() int {
	return c.clean.Len()
}

func (c *RowCache[R]) sortedDirty() []int32 {
	ids := make([]int32, 0, len(c.dirty))
	for id := range c.dirty {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// PrepareDirtyRows announces every dirty update to a staged accessor. It is
// a no-op for other accessors.
func (c *RowCache[R]) PrepareDirtyRows() error {
	staged, ok := c.acc.(StagedAccessor)
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored := c.acc.NextRowID()
	for _, id := range c.sortedDirty() {
		if id >= stored {
			break
		}
		if err := staged.PrepareUpdate(id); err != nil {
			return fmt.Errorf("prepare %s row %d: %w", c.name, id, err)
		}
	}
	return nil
}

// WriteDirtyRows inserts or updates every dirty row in ascending id order and
// moves it to the pending set. The caller owns the surrounding transaction.
func (c *RowCache[R]) WriteDirtyRows() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range c.sortedDirty() {
		r := c.dirty[id]

		clear(c.plainBuf)
		r.MarshalRow(c.plainBuf)
		sealed := c.codec.Seal(c.sealedBuf[:0], c.plainBuf, id)

		var err error
		if id >= c.acc.NextRowID() {
			err = c.acc.InsertRow(id, sealed)
		} else {
			err = c.acc.UpdateRow(id, sealed)
		}
		if err != nil {
			return fmt.Errorf("write %s row %d: %w", c.name, id, err)
		}

		delete(c.dirty, id)
		c.pending[id] = r
	}
	return nil
}

// CommitDirtyRows releases pending rows to the clean LRU once the store has
// reported the transaction committed.
func (c *RowCache[R]) CommitDirtyRows() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, r := range c.pending {
		c.clean.Add(id, r)
	}
	clear(c.pending)
}

// Reset discards every uncommitted row after the store rolled back.
func (c *RowCache[R]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.dirty) + len(c.pending); n > 0 {
		c.logger.Warn("discarding uncommitted rows", slog.Int("rows", n))
	}
	clear(c.dirty)
	clear(c.pending)
	c.clean.Purge()
	c.next = c.acc.NextRowID()
}

// Flush writes and commits every dirty row in a single transaction on store.
func (c *RowCache[R]) Flush(ctx context.Context, store Store) error {
	if err := store.Begin(ctx); err != nil {
		return err
	}
	if err := c.flushTx(ctx, store); err != nil {
		if rbErr := store.Rollback(); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		c.Reset()
		return err
	}
	c.CommitDirtyRows()
	return nil
}

func (c *RowCache[R]) flushTx(ctx context.Context, store Store) error {
	if err := c.PrepareDirtyRows(); err != nil {
		return err
	}
	if err := store.SoftCommit(ctx); err != nil {
		return err
	}
	if err := c.WriteDirtyRows(); err != nil {
		return err
	}
	return store.Commit(ctx)
}
