package recordstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	// TableSuffix is appended to every table name.
	TableSuffix = ".tt"

	committedMarker = "COMMITTED"
)

var (
	ErrDatabaseClosed = errors.New("database is closed")
	ErrTableExists    = errors.New("table already opened")
	ErrCommitFailed   = errors.New("commit failed; reopen the database to recover")
)

// Database groups the tables of one directory under a single transaction.
// Commit writes a marker file once every table has reached a state from which
// it can be completed, so a crash is resolved uniformly on the next open:
// with the marker every table rolls forward, without it every table rolls
// back.
type Database struct {
	dir    string
	logger *slog.Logger
	opts   options

	mu          sync.Mutex
	recovery    recoveryMode
	recovering  bool
	rollBack    []*RollBackTable
	rollForward []*RollForwardTable
	names       map[string]struct{}
	inTx        bool
	failed      bool
	closed      bool
}

// OpenDatabase opens the table directory dir, creating it if needed. Tables
// must be opened before FinishRecovery or the first Begin.
func OpenDatabase(dir string, opts ...Option) (*Database, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	o := buildOptions(opts)
	db := &Database{
		dir:      dir,
		opts:     o,
		logger:   o.logger.With(slog.String("database", dir)),
		names:    make(map[string]struct{}),
		recovery: recoverUncommitted,
	}

	committed, err := fileExists(db.markerPath())
	if err != nil {
		return nil, fmt.Errorf("stat commit marker: %w", err)
	}
	if committed {
		db.logger.Info("found commit marker, completing interrupted commit")
		db.recovery = recoverCommitted
		db.recovering = true
	}
	return db, nil
}

func (db *Database) markerPath() string { return filepath.Join(db.dir, committedMarker) }

// Dir returns the database directory.
func (db *Database) Dir() string { return db.dir }

// TablePath returns the file path of the named table.
func (db *Database) TablePath(name string) string {
	return filepath.Join(db.dir, name+TableSuffix)
}

func (db *Database) claim(name string) error {
	if db.closed {
		return ErrDatabaseClosed
	}
	if db.inTx {
		return ErrTransactionOpen
	}
	if _, ok := db.names[name]; ok {
		return fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	return nil
}

// OpenRollBackTable opens the named roll-back table and resolves its journal
// against the database commit state.
func (db *Database) OpenRollBackTable(ctx context.Context, name string, recordSize int) (*RollBackTable, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.claim(name); err != nil {
		return nil, err
	}
	t, err := openRollBackTable(ctx, db.TablePath(name), recordSize, db.recovery, db.opts)
	if err != nil {
		return nil, err
	}
	db.names[name] = struct{}{}
	db.rollBack = append(db.rollBack, t)
	return t, nil
}

// OpenRollForwardTable opens the named roll-forward table and resolves its
// journal against the database commit state.
func (db *Database) OpenRollForwardTable(ctx context.Context, name string, recordSize int) (*RollForwardTable, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.claim(name); err != nil {
		return nil, err
	}
	t, err := openRollForwardTable(ctx, db.TablePath(name), recordSize, db.recovery, db.opts)
	if err != nil {
		return nil, err
	}
	db.names[name] = struct{}{}
	db.rollForward = append(db.rollForward, t)
	return t, nil
}

// FinishRecovery removes the commit marker left by an interrupted commit.
// Call it once every table of the database has been opened.
func (db *Database) FinishRecovery() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.finishRecoveryLocked()
}

func (db *Database) finishRecoveryLocked() error {
	if !db.recovering {
		return nil
	}
	if err := removeIfExists(db.markerPath()); err != nil {
		return fmt.Errorf("remove commit marker: %w", err)
	}
	if err := syncDir(db.dir); err != nil {
		return err
	}
	db.recovering = false
	db.recovery = recoverUncommitted
	return nil
}

// Begin opens a transaction on every table.
func (db *Database) Begin(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkUsable(); err != nil {
		return err
	}
	if db.inTx {
		return ErrTransactionOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := db.finishRecoveryLocked(); err != nil {
		return err
	}

	for i, t := range db.rollBack {
		if err := t.BeginTransaction(); err != nil {
			db.abortBegin(i, 0)
			return err
		}
	}
	for i, t := range db.rollForward {
		if err := t.BeginTransaction(); err != nil {
			db.abortBegin(len(db.rollBack), i)
			return err
		}
	}
	db.inTx = true
	return nil
}

func (db *Database) abortBegin(rb, rf int) {
	for _, t := range db.rollBack[:rb] {
		_ = t.Rollback()
	}
	for _, t := range db.rollForward[:rf] {
		_ = t.Rollback()
	}
}

// SoftCommit makes the undo images of every roll-back table durable.
func (db *Database) SoftCommit(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkTx(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, t := range db.rollBack {
		if err := t.SoftCommit(); err != nil {
			return err
		}
	}
	return nil
}

// Commit atomically commits every table. If Commit fails the transaction is
// left for recovery and the database refuses further use until reopened.
func (db *Database) Commit(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkTx(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := db.commitLocked(); err != nil {
		db.failed = true
		db.logger.Error("commit failed", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}
	db.inTx = false
	return nil
}

func (db *Database) commitLocked() error {
	for _, t := range db.rollBack {
		if t.hasPending() {
			if err := t.SoftCommit(); err != nil {
				return err
			}
		}
		if err := t.CommitStage2(); err != nil {
			return err
		}
	}
	for _, t := range db.rollForward {
		if err := t.CommitStage1(); err != nil {
			return err
		}
	}

	if err := db.writeMarker(); err != nil {
		return err
	}

	for _, t := range db.rollForward {
		if err := t.CommitStage2(); err != nil {
			return err
		}
	}
	for _, t := range db.rollBack {
		if err := t.CommitStage3(); err != nil {
			return err
		}
	}
	for _, t := range db.rollForward {
		if err := t.CommitStage3(); err != nil {
			return err
		}
	}

	if err := os.Remove(db.markerPath()); err != nil {
		return fmt.Errorf("remove commit marker: %w", err)
	}
	return syncDir(db.dir)
}

func (db *Database) writeMarker() error {
	f, err := os.OpenFile(db.markerPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create commit marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync commit marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close commit marker: %w", err)
	}
	return syncDir(db.dir)
}

// Rollback abandons the open transaction on every table.
func (db *Database) Rollback() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkTx(); err != nil {
		return err
	}

	var errs []error
	for _, t := range db.rollForward {
		if err := t.Rollback(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, t := range db.rollBack {
		if err := t.Rollback(); err != nil {
			errs = append(errs, err)
		}
	}
	db.inTx = false
	if len(errs) > 0 {
		db.failed = true
	}
	return errors.Join(errs...)
}

func (db *Database) checkUsable() error {
	if db.closed {
		return ErrDatabaseClosed
	}
	if db.failed {
		return ErrCommitFailed
	}
	return nil
}

func (db *Database) checkTx() error {
	if err := db.checkUsable(); err != nil {
		return err
	}
	if !db.inTx {
		return ErrNoTransaction
	}
	return nil
}

// InTransaction reports whether a transaction is open.
func (db *Database) InTransaction() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.inTx
}

// Tables returns a header snapshot of every open table, sorted by path.
func (db *Database) Tables() []Info {
	db.mu.Lock()
	defer db.mu.Unlock()

	infos := make([]Info, 0, len(db.rollBack)+len(db.rollForward))
	for _, t := range db.rollBack {
		infos = append(infos, t.Info())
	}
	for _, t := range db.rollForward {
		infos = append(infos, t.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos
}

// CommittedTable is an open table whose committed rows can be read back.
type CommittedTable interface {
	Info() Info
	ReadCommitted(w io.Writer) error
}

// OpenTables returns every open table by name.
func (db *Database) OpenTables() map[string]CommittedTable {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := make(map[string]CommittedTable, len(db.rollBack)+len(db.rollForward))
	for _, t := range db.rollBack {
		out[db.tableName(t.path)] = t
	}
	for _, t := range db.rollForward {
		out[db.tableName(t.path)] = t
	}
	return out
}

func (db *Database) tableName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), TableSuffix)
}

// Close closes every table. An open transaction is left for recovery.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	var errs []error
	for _, t := range db.rollBack {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, t := range db.rollForward {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
