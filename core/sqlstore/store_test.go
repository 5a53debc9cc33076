package sqlstore_test

import (
	"context"
	"testing"

	"github.com/adalundhe/trackcache/core/database"
	"github.com/adalundhe/trackcache/core/props"
	"github.com/adalundhe/trackcache/core/recordstore"
	"github.com/adalundhe/trackcache/core/rowcache"
	"github.com/adalundhe/trackcache/core/spatial"
	"github.com/adalundhe/trackcache/core/sqlstore"
	"github.com/adalundhe/trackcache/core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T, root string) (*sqlstore.DB, func()) {
	t.Helper()
	mgr := database.NewManager(storage.Rooted(root))
	cfg := database.DefaultPoolConfig()
	cfg.Synchronous = "FULL"
	pool, err := mgr.Open("rows", cfg)
	require.NoError(t, err)
	db, err := sqlstore.Open(context.Background(), pool, nil)
	require.NoError(t, err)
	return db, func() { mgr.CloseAll() }
}

func loadProps(t *testing.T, db *sqlstore.DB) *props.Properties {
	t.Helper()
	tbl, err := db.Table(context.Background(), "props", props.PlainSize)
	require.NoError(t, err)
	rows, err := rowcache.New[*props.Row](tbl, props.Config(nil))
	require.NoError(t, err)
	p, err := props.Load(rows)
	require.NoError(t, err)
	return p
}

func TestPropertiesAcrossReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	db, closeDB := openDB(t, root)
	p := loadProps(t, db)
	require.NoError(t, p.Set(props.LastFixRead, 7))
	require.NoError(t, p.Set(props.FilterPrimed, 1))
	require.NoError(t, p.Rows().Flush(ctx, db))
	require.NoError(t, p.Set(props.LastFixRead, 8))
	require.NoError(t, p.Rows().Flush(ctx, db))
	closeDB()

	db, closeDB = openDB(t, root)
	defer closeDB()
	p = loadProps(t, db)
	v, ok, err := p.Get(props.LastFixRead)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(8), v)
	assert.Equal(t, int32(2), p.Rows().NextRowID())

	infos := db.Tables()
	require.Len(t, infos, 1)
	assert.Equal(t, int32(2), infos[0].NextRowID)
}

func TestRollbackRestoresRowCount(t *testing.T) {
	ctx := context.Background()
	db, closeDB := openDB(t, t.TempDir())
	defer closeDB()

	tbl, err := db.Table(ctx, "t", 4)
	require.NoError(t, err)

	require.NoError(t, db.Begin(ctx))
	require.NoError(t, tbl.InsertRow(0, []byte{1, 2, 3, 4}))
	require.NoError(t, db.Commit(ctx))

	require.NoError(t, db.Begin(ctx))
	require.NoError(t, tbl.InsertRow(1, []byte{5, 6, 7, 8}))
	require.NoError(t, tbl.UpdateRow(0, []byte{9, 9, 9, 9}))
	assert.Equal(t, int32(2), tbl.NextRowID())

	out := make([]byte, 4)
	ok, err := tbl.GetRow(0, out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{9, 9, 9, 9}, out)

	require.NoError(t, db.Rollback())
	assert.Equal(t, int32(1), tbl.NextRowID())
	ok, err = tbl.GetRow(0, out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, out)

	ok, err = tbl.GetRow(1, out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSequencing(t *testing.T) {
	ctx := context.Background()
	db, closeDB := openDB(t, t.TempDir())
	defer closeDB()

	tbl, err := db.Table(ctx, "t", 2)
	require.NoError(t, err)

	assert.ErrorIs(t, tbl.InsertRow(0, []byte{0, 0}), recordstore.ErrNoTransaction)
	assert.ErrorIs(t, db.Commit(ctx), recordstore.ErrNoTransaction)

	require.NoError(t, db.Begin(ctx))
	assert.ErrorIs(t, db.Begin(ctx), recordstore.ErrTransactionOpen)
	assert.ErrorIs(t, tbl.InsertRow(3, []byte{0, 0}), recordstore.ErrNonSequentialInsert)
	assert.ErrorIs(t, tbl.InsertRow(0, []byte{0}), recordstore.ErrRecordLength)
	_, err = db.Table(ctx, "other", 2)
	assert.ErrorIs(t, err, recordstore.ErrTransactionOpen)
	require.NoError(t, db.Rollback())

	_, err = db.Table(ctx, "t", 2)
	require.NoError(t, err)
}

func TestRecordSizeMismatch(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	db, closeDB := openDB(t, root)
	_, err := db.Table(ctx, "t", 8)
	require.NoError(t, err)
	closeDB()

	db, closeDB = openDB(t, root)
	defer closeDB()
	_, err = db.Table(ctx, "t", 16)
	assert.ErrorIs(t, err, recordstore.ErrRecordSizeMismatch)
}

func TestSpatialIndexOverSQLite(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	build := func(db *sqlstore.DB) *spatial.Index {
		pt, err := db.Table(ctx, "panels", spatial.PanelPlainSize)
		require.NoError(t, err)
		tt, err := db.Table(ctx, "timetrees", spatial.TimeTreePlainSize)
		require.NoError(t, err)
		panels, err := rowcache.New(pt, spatial.PanelConfig(nil, 64))
		require.NoError(t, err)
		trees, err := rowcache.New(tt, spatial.TimeTreeConfig(nil, 64))
		require.NoError(t, err)
		ix, err := spatial.New(panels, trees, spatial.Config{MaxDepth: 8, SubdivideThreshold: 1})
		require.NoError(t, err)
		return ix
	}

	db, closeDB := openDB(t, root)
	ix := build(db)
	var prev *spatial.Point
	for i := range 50 {
		p := spatial.Point{X: int32(1000 + i*5000), Y: 2000, Time: int64(i * 60)}
		_, err := ix.AddPoint(p, prev)
		require.NoError(t, err)
		prev = &p
	}
	require.NoError(t, db.Begin(ctx))
	require.NoError(t, ix.PrepareDirtyRows())
	require.NoError(t, db.SoftCommit(ctx))
	require.NoError(t, ix.WriteDirtyRows())
	require.NoError(t, db.Commit(ctx))
	ix.CommitDirtyRows()
	closeDB()

	db, closeDB = openDB(t, root)
	defer closeDB()
	ix = build(db)
	found, err := ix.HasPoint(ctx, spatial.World(), 0, 60*50)
	require.NoError(t, err)
	assert.True(t, found)

	root0, err := ix.Root()
	require.NoError(t, err)
	stats, err := ix.TreeStats(root0.TimeTreeID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Min)
	assert.Equal(t, int64(49*60), stats.Max)
}
