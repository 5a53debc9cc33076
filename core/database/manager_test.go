package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/adalundhe/trackcache/core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixMigrations = []Migration{
	{
		Version:     1,
		Description: "create fixes table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE fixes (id INTEGER PRIMARY KEY, payload BLOB NOT NULL)`)
			return err
		},
	},
	{
		Version:     2,
		Description: "add received column",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`ALTER TABLE fixes ADD COLUMN received INTEGER NOT NULL DEFAULT 0`)
			return err
		},
	},
}

func newManager(t *testing.T) (*Manager, *storage.Dirs) {
	t.Helper()
	dirs := storage.Rooted(t.TempDir())
	mgr := NewManager(dirs)
	t.Cleanup(func() { _ = mgr.CloseAll() })
	return mgr, dirs
}

func TestManager_FixesPoolLivesAtFixesPath(t *testing.T) {
	mgr, dirs := newManager(t)

	pool, err := mgr.Open("fixes", DefaultPoolConfig())
	require.NoError(t, err)
	assert.Equal(t, dirs.FixesPath(), pool.Path())
	assert.FileExists(t, dirs.FixesPath())

	again, err := mgr.Open("fixes", DefaultPoolConfig())
	require.NoError(t, err)
	assert.Same(t, pool, again, "a second open shares the pool")

	got, ok := mgr.Get("fixes")
	require.True(t, ok)
	assert.Same(t, pool, got)

	require.NoError(t, mgr.Close("fixes"))
	_, ok = mgr.Get("fixes")
	assert.False(t, ok)
	assert.NoError(t, mgr.Close("fixes"))
}

func TestManager_IndexPoolPaths(t *testing.T) {
	mgr, dirs := newManager(t)

	pool, err := mgr.Open("index", DefaultPoolConfig())
	require.NoError(t, err)
	assert.Equal(t, dirs.DataDir("index.db"), pool.Path())

	abs := filepath.Join(t.TempDir(), "elsewhere.db")
	pool, err = mgr.Open(abs, DefaultPoolConfig())
	require.NoError(t, err)
	assert.Equal(t, abs, pool.Path())
}

func TestPool_IndexTablesAreFullySynchronous(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	cfg := DefaultPoolConfig()
	cfg.Synchronous = "FULL"
	cfg.EnableWAL = false
	pool, err := mgr.Open("index", cfg)
	require.NoError(t, err)

	var mode string
	require.NoError(t, pool.QueryRow(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "delete", mode)

	var sync int
	require.NoError(t, pool.QueryRow(ctx, "PRAGMA synchronous").Scan(&sync))
	assert.Equal(t, 2, sync, "FULL")
}

func TestPool_TransactionCommitsOrRollsBack(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	pool, err := mgr.Open("fixes", DefaultPoolConfig())
	require.NoError(t, err)
	require.NoError(t, NewMigrator(pool, fixMigrations[:1]).Migrate(ctx))

	require.NoError(t, pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO fixes (id, payload) VALUES (?, ?)", 1, []byte{0x01})
		return err
	}))

	err = pool.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO fixes (id, payload) VALUES (?, ?)", 2, []byte{0x02}); err != nil {
			return err
		}
		return sql.ErrTxDone
	})
	require.ErrorIs(t, err, sql.ErrTxDone)

	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM fixes").Scan(&count))
	assert.Equal(t, 1, count)
	assert.NoError(t, pool.IntegrityCheck())
}

func TestMigrator_AppliesPendingInOrder(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	pool, err := mgr.Open("fixes", DefaultPoolConfig())
	require.NoError(t, err)

	// Out of order on purpose.
	m := NewMigrator(pool, []Migration{fixMigrations[1], fixMigrations[0]})
	assert.Equal(t, 2, m.Latest())

	st, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, SchemaStatus{Version: 0, Latest: 2, Pending: 2}, st)
	assert.False(t, st.Current())

	require.NoError(t, m.Migrate(ctx))
	st, err = m.Status()
	require.NoError(t, err)
	assert.Equal(t, SchemaStatus{Version: 2, Latest: 2}, st)
	assert.True(t, st.Current())

	_, err = pool.Exec(ctx, "INSERT INTO fixes (id, payload, received) VALUES (1, x'00', 42)")
	require.NoError(t, err)

	// Already current: nothing runs again.
	require.NoError(t, m.Migrate(ctx))
}

func TestMigrator_UpgradesOlderSchema(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	pool, err := mgr.Open("fixes", DefaultPoolConfig())
	require.NoError(t, err)
	require.NoError(t, NewMigrator(pool, fixMigrations[:1]).Migrate(ctx))

	m := NewMigrator(pool, fixMigrations)
	st, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, SchemaStatus{Version: 1, Latest: 2, Pending: 1}, st)

	require.NoError(t, m.Migrate(ctx))
	version, err := pool.Version()
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestMigrator_FailedStepKeepsPreviousVersion(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	pool, err := mgr.Open("fixes", DefaultPoolConfig())
	require.NoError(t, err)

	broken := append([]Migration{fixMigrations[0]}, Migration{
		Version:     2,
		Description: "bad column",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("ALTER TABLE missing ADD COLUMN x INTEGER")
			return err
		},
	})
	err = NewMigrator(pool, broken).Migrate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration 2 (bad column)")

	version, err := pool.Version()
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestMigrator_RefusesNewerSchema(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	pool, err := mgr.Open("fixes", DefaultPoolConfig())
	require.NoError(t, err)
	require.NoError(t, pool.SetVersion(3))

	m := NewMigrator(pool, fixMigrations)
	st, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, SchemaStatus{Version: 3, Latest: 2}, st)
	assert.False(t, st.Current())

	assert.ErrorIs(t, m.Migrate(ctx), ErrSchemaTooNew)
	version, err := pool.Version()
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestAdvisoryLock_ExcludesSecondHolder(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	lock, err := NewAdvisoryLock(dir, "index")
	require.NoError(t, err)
	require.NoError(t, lock.Acquire(ctx, 5*time.Second))
	assert.True(t, lock.IsHeld())

	other, err := NewAdvisoryLock(dir, "index")
	require.NoError(t, err)
	ok, err := other.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, other.Acquire(ctx, 150*time.Millisecond), ErrLockTimeout)

	require.NoError(t, lock.Release())
	assert.False(t, lock.IsHeld())

	ok, err = other.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, other.Release())
}
