package backup

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/trackcache/core/database"
	"github.com/adalundhe/trackcache/core/storage"
)

func openPool(t *testing.T) *database.Pool {
	t.Helper()
	mgr := database.NewManager(storage.Rooted(t.TempDir()))
	t.Cleanup(func() { mgr.CloseAll() })
	pool, err := mgr.Open("fixes", database.DefaultPoolConfig())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = pool.Exec(ctx, "CREATE TABLE fixes (id INTEGER PRIMARY KEY, payload BLOB NOT NULL)")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "INSERT INTO fixes (id, payload) VALUES (1, x'0102')")
	require.NoError(t, err)
	return pool
}

func TestBackup_CopyIsReadable(t *testing.T) {
	pool := openPool(t)
	m := NewManager(t.TempDir(), pool, Config{})

	info, err := m.Backup(context.Background())
	require.NoError(t, err)
	assert.Positive(t, info.Size)
	assert.Equal(t, filepath.Join(m.Dir(), info.Name), info.Path)

	db, err := sql.Open("sqlite3", info.Path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM fixes").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestBackup_RetentionKeepsNewest(t *testing.T) {
	pool := openPool(t)
	m := NewManager(t.TempDir(), pool, Config{Retention: 2})
	ctx := context.Background()

	var names []string
	for range 4 {
		info, err := m.Backup(ctx)
		require.NoError(t, err)
		names = append(names, info.Name)
		time.Sleep(2 * time.Millisecond)
	}

	backups, err := m.List()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, names[3], backups[0].Name)
	assert.Equal(t, names[2], backups[1].Name)

	latest, err := m.Latest()
	require.NoError(t, err)
	assert.Equal(t, names[3], latest.Name)
}

func TestLatest_Empty(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing"), openPool(t), Config{})
	_, err := m.Latest()
	assert.ErrorIs(t, err, ErrNoBackup)
}

func TestRun_BacksUpUntilCancelled(t *testing.T) {
	m := NewManager(t.TempDir(), openPool(t), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		backups, err := m.List()
		return err == nil && len(backups) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
