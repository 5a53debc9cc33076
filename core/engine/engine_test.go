package engine

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/trackcache/core/config"
	"github.com/adalundhe/trackcache/core/database"
	"github.com/adalundhe/trackcache/core/fixstore"
	"github.com/adalundhe/trackcache/core/query"
	"github.com/adalundhe/trackcache/core/recordstore"
	"github.com/adalundhe/trackcache/core/spatial"
	"github.com/adalundhe/trackcache/core/storage"
)

var testKey = bytes.Repeat([]byte{7}, 32)

func testConfig(backend string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = backend
	cfg.Index.MaxDepth = 12
	cfg.Builder.BatchSize = 50
	cfg.Builder.SoftCommitsPerRound = 2
	cfg.Builder.PollInterval = 50 * time.Millisecond
	return cfg
}

func open(t *testing.T, root string, cfg *config.Config) *Engine {
	t.Helper()
	e, err := Open(context.Background(), cfg, storage.Rooted(root), Options{Key: testKey, LockTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	return e
}

// track walks east from Berlin, one fix every 30 seconds, about 100m apart.
func track(n int, startMs int64) []fixstore.Fix {
	fixes := make([]fixstore.Fix, n)
	for i := range fixes {
		fixes[i] = fixstore.Fix{Lon: 13.40 + 0.0015*float64(i), Lat: 52.52, TimeMs: startMs + int64(i)*30_000}
	}
	return fixes
}

func cellIDs(t *testing.T, e *Engine) []int32 {
	t.Helper()
	cells, err := e.Surface().CellsAt(context.Background(), spatial.World(), 12, 0, math.MaxInt64)
	require.NoError(t, err)
	ids := make([]int32, len(cells))
	for i, c := range cells {
		ids[i] = c.PanelID
	}
	return ids
}

func TestEngine_BuildAndReopen(t *testing.T) {
	for _, backend := range []string{config.BackendFiles, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			root := t.TempDir()
			cfg := testConfig(backend)

			e := open(t, root, cfg)
			ids, err := e.Ingest(ctx, track(230, 1_700_000_000_000))
			require.NoError(t, err)
			require.Len(t, ids, 230)

			stats, err := e.Build(ctx)
			require.NoError(t, err)
			assert.Equal(t, 230, stats.FixesRead)
			assert.Equal(t, 3, stats.Rounds)
			assert.Equal(t, int64(230), stats.LastFixID)
			assert.False(t, stats.Rebuilt)
			before := cellIDs(t, e)
			assert.NotEmpty(t, before)
			require.NoError(t, e.Close())
			require.NoError(t, e.Close())

			e = open(t, root, cfg)
			defer e.Close()
			assert.Equal(t, int64(230), e.Builder().LastFixRead())
			assert.Equal(t, before, cellIDs(t, e))

			stats, err = e.Build(ctx)
			require.NoError(t, err)
			assert.Zero(t, stats.Rounds)
			assert.Equal(t, int64(230), stats.LastFixID)
		})
	}
}

func TestEngine_SecondOpenIsLockedOut(t *testing.T) {
	root := t.TempDir()
	e := open(t, root, testConfig(config.BackendFiles))
	defer e.Close()

	_, err := Open(context.Background(), testConfig(config.BackendFiles), storage.Rooted(root), Options{Key: testKey, LockTimeout: 100 * time.Millisecond})
	assert.ErrorIs(t, err, ErrLocked)
}

func TestEngine_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("tape")
	_, err := Open(context.Background(), cfg, storage.Rooted(t.TempDir()), Options{})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestEngine_RebuildReproducesIndex(t *testing.T) {
	ctx := context.Background()
	e := open(t, t.TempDir(), testConfig(config.BackendFiles))
	defer e.Close()

	_, err := e.Ingest(ctx, track(120, 1_700_000_000_000))
	require.NoError(t, err)
	_, err = e.Build(ctx)
	require.NoError(t, err)
	before := cellIDs(t, e)

	stats, err := e.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 120, stats.FixesRead)
	assert.Equal(t, before, cellIDs(t, e))
}

func corruptPanels(t *testing.T, root string) {
	t.Helper()
	path := filepath.Join(storage.Rooted(root).IndexDir(), "panels"+recordstore.TableSuffix)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("XXXXXX"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestEngine_CorruptIndex(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	cfg := testConfig(config.BackendFiles)

	e := open(t, root, cfg)
	_, err := e.Ingest(ctx, track(80, 1_700_000_000_000))
	require.NoError(t, err)
	_, err = e.Build(ctx)
	require.NoError(t, err)
	before := cellIDs(t, e)
	require.NoError(t, e.Close())

	corruptPanels(t, root)

	_, err = Open(ctx, cfg, storage.Rooted(root), Options{Key: testKey})
	require.ErrorIs(t, err, recordstore.ErrCorrupt)

	cfg.Storage.RebuildOnCorrupt = true
	e = open(t, root, cfg)
	defer e.Close()
	assert.Zero(t, e.Builder().LastFixRead())

	stats, err := e.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80, stats.FixesRead)
	assert.Equal(t, before, cellIDs(t, e))
}

func TestEngine_WrongKeyIsRejected(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	cfg := testConfig(config.BackendFiles)

	e := open(t, root, cfg)
	_, err := e.Ingest(ctx, track(10, 1_700_000_000_000))
	require.NoError(t, err)
	_, err = e.Build(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = Open(ctx, cfg, storage.Rooted(root), Options{Key: bytes.Repeat([]byte{9}, 32)})
	assert.Error(t, err)
}

func TestEngine_Fsck(t *testing.T) {
	ctx := context.Background()
	e := open(t, t.TempDir(), testConfig(config.BackendFiles))
	defer e.Close()

	_, err := e.Ingest(ctx, track(40, 1_700_000_000_000))
	require.NoError(t, err)
	_, err = e.Build(ctx)
	require.NoError(t, err)

	report, err := e.Fsck(ctx, nil)
	require.NoError(t, err)
	assert.True(t, report.Healthy())
	assert.Equal(t, int64(40), report.FixCount)
	assert.Equal(t, database.SchemaStatus{Version: 1, Latest: 1}, report.FixSchema)
	assert.Nil(t, report.RowSchema)
	require.Len(t, report.Tables, 3)
	names := make([]string, 0, 3)
	for _, tr := range report.Tables {
		names = append(names, tr.Name)
		assert.NoError(t, tr.Err)
		assert.NotZero(t, tr.Digest)
		assert.Positive(t, tr.NextRowID)
	}
	assert.ElementsMatch(t, []string{"panels", "timetrees", "props"}, names)

	again, err := e.Fsck(ctx, func(name string) bool { return name == "panels" })
	require.NoError(t, err)
	require.Len(t, again.Tables, 1)
	assert.Equal(t, report.Tables[0].Digest, again.Tables[0].Digest)
}

func TestEngine_FsckOverSQLite(t *testing.T) {
	ctx := context.Background()
	e := open(t, t.TempDir(), testConfig(config.BackendSQLite))
	defer e.Close()

	_, err := e.Ingest(ctx, track(40, 1_700_000_000_000))
	require.NoError(t, err)
	_, err = e.Build(ctx)
	require.NoError(t, err)

	report, err := e.Fsck(ctx, nil)
	require.NoError(t, err)
	assert.True(t, report.Healthy())
	require.NotNil(t, report.RowSchema)
	assert.True(t, report.RowSchema.Current())
	require.Len(t, report.Tables, 3)
	for _, tr := range report.Tables {
		assert.NotZero(t, tr.Digest, tr.Name)
	}

	report.FixSchema.Pending = 1
	assert.False(t, report.Healthy())
}

func TestEngine_FollowIndexesNewFixes(t *testing.T) {
	e := open(t, t.TempDir(), testConfig(config.BackendFiles))
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Follow(ctx, 10*time.Millisecond) }()

	_, err := e.Ingest(context.Background(), track(20, 1_700_000_000_000))
	require.NoError(t, err)

	req := query.CellsRequest{Rect: spatial.World(), Start: 0, End: math.MaxInt64, WidthPx: 1 << 14}
	require.Eventually(t, func() bool {
		found, err := e.Surface().HasPoint(context.Background(), spatial.World(), 1_700_000_000+19*30, math.MaxInt64)
		return err == nil && found
	}, 5*time.Second, 20*time.Millisecond)

	cells, _, err := e.Surface().Cells(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, cells)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not stop")
	}
}

func TestEngine_BackupsDuringFollow(t *testing.T) {
	cfg := testConfig(config.BackendFiles)
	cfg.Backup.Interval = 20 * time.Millisecond
	cfg.Backup.Retention = 2
	e := open(t, t.TempDir(), cfg)
	defer e.Close()

	_, err := e.Ingest(context.Background(), track(5, 1_700_000_000_000))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Follow(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		list, err := e.Backups().List()
		return err == nil && len(list) == 2
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	latest, err := e.Backups().Latest()
	require.NoError(t, err)
	assert.Equal(t, e.Dirs().BackupDir(), filepath.Dir(latest.Path))
}
