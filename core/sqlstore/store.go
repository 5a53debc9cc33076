// Package sqlstore keeps index rows in SQLite instead of flat record files.
// A DB satisfies rowcache.Store and each Table satisfies rowcache.Accessor,
// so the index runs unchanged on either backend.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/adalundhe/trackcache/core/database"
	"github.com/adalundhe/trackcache/core/recordstore"
)

var migrations = []database.Migration{
	{
		Version:     1,
		Description: "create row tables",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`CREATE TABLE row_tables (
				name        TEXT PRIMARY KEY,
				record_size INTEGER NOT NULL,
				next_row_id INTEGER NOT NULL
			)`); err != nil {
				return err
			}
			_, err := tx.Exec(`CREATE TABLE row_data (
				tbl     TEXT NOT NULL,
				id      INTEGER NOT NULL,
				payload BLOB NOT NULL,
				PRIMARY KEY (tbl, id)
			) WITHOUT ROWID`)
			return err
		},
	},
}

// DB groups row tables in one SQLite database. One transaction spans every
// table, which gives the same all-or-nothing commit as recordstore.Database.
type DB struct {
	pool   *database.Pool
	logger *slog.Logger

	mu     sync.Mutex
	tx     *sql.Tx
	ctx    context.Context
	tables map[string]*Table
}

// Open migrates the schema in pool.
func Open(ctx context.Context, pool *database.Pool, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := database.NewMigrator(pool, migrations).Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate rows: %w", err)
	}
	return &DB{pool: pool, logger: logger, tables: make(map[string]*Table)}, nil
}

// Schema reports the schema version of the row database.
func (d *DB) Schema() (database.SchemaStatus, error) {
	return database.NewMigrator(d.pool, migrations).Status()
}

// Table opens or creates the named table. The record size is fixed when
// the table is created.
func (d *DB) Table(ctx context.Context, name string, recordSize int) (*Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx != nil {
		return nil, recordstore.ErrTransactionOpen
	}
	if t, ok := d.tables[name]; ok {
		return t, nil
	}

	var size, next int64
	err := d.pool.QueryRow(ctx, `SELECT record_size, next_row_id FROM row_tables WHERE name = ?`, name).Scan(&size, &next)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := d.pool.Exec(ctx, `INSERT INTO row_tables (name, record_size, next_row_id) VALUES (?, ?, 0)`, name, recordSize); err != nil {
			return nil, err
		}
		size = int64(recordSize)
	case err != nil:
		return nil, err
	case size != int64(recordSize):
		return nil, fmt.Errorf("%w: %s has %d, want %d", recordstore.ErrRecordSizeMismatch, name, size, recordSize)
	}

	var count int64
	if err := d.pool.QueryRow(ctx, `SELECT COUNT(*) FROM row_data WHERE tbl = ?`, name).Scan(&count); err != nil {
		return nil, err
	}
	if count != next {
		return nil, fmt.Errorf("%w: %s holds %d rows, header says %d", recordstore.ErrCorrupt, name, count, next)
	}

	t := &Table{db: d, name: name, recordSize: recordSize, committed: int32(next), next: int32(next)}
	d.tables[name] = t
	return t, nil
}

// Begin starts the shared transaction.
func (d *DB) Begin(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx != nil {
		return recordstore.ErrTransactionOpen
	}
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	d.tx, d.ctx = tx, ctx
	return nil
}

// SoftCommit is a no-op: SQLite's own journal already makes every statement
// of the open transaction undoable.
func (d *DB) SoftCommit(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx == nil {
		return recordstore.ErrNoTransaction
	}
	return ctx.Err()
}

// Commit persists row counts and commits.
func (d *DB) Commit(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx == nil {
		return recordstore.ErrNoTransaction
	}

	for _, t := range d.sortedTables() {
		if t.next == t.committed {
			continue
		}
		if _, err := d.tx.ExecContext(ctx, `UPDATE row_tables SET next_row_id = ? WHERE name = ?`, t.next, t.name); err != nil {
			d.abortLocked()
			return err
		}
	}
	if err := d.tx.Commit(); err != nil {
		d.abortLocked()
		return err
	}
	for _, t := range d.tables {
		t.committed = t.next
	}
	d.tx, d.ctx = nil, nil
	return nil
}

// Rollback discards the transaction.
func (d *DB) Rollback() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx == nil {
		return recordstore.ErrNoTransaction
	}
	return d.abortLocked()
}

func (d *DB) abortLocked() error {
	err := d.tx.Rollback()
	for _, t := range d.tables {
		t.next = t.committed
	}
	d.tx, d.ctx = nil, nil
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// OpenTables returns every opened table, sorted by name.
func (d *DB) OpenTables() []*Table {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sortedTables()
}

func (d *DB) sortedTables() []*Table {
	out := make([]*Table, 0, len(d.tables))
	for _, t := range d.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// InTransaction reports whether a transaction is open.
func (d *DB) InTransaction() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx != nil
}

// Tables reports every opened table.
func (d *DB) Tables() []recordstore.Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]recordstore.Info, 0, len(d.tables))
	for _, t := range d.sortedTables() {
		out = append(out, recordstore.Info{
			Path:       d.pool.Path() + "#" + t.name,
			NextRowID:  t.committed,
			RecordSize: t.recordSize,
			InTx:       d.tx != nil,
		})
	}
	return out
}
