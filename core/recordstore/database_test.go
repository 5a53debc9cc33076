package recordstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDB struct {
	db *Database
	rb *RollBackTable
	rf *RollForwardTable
}

func openTestDB(t *testing.T, dir string) testDB {
	t.Helper()
	ctx := context.Background()
	db, err := OpenDatabase(dir)
	require.NoError(t, err)
	rb, err := db.OpenRollBackTable(ctx, "panels", 8)
	require.NoError(t, err)
	rf, err := db.OpenRollForwardTable(ctx, "props", 8)
	require.NoError(t, err)
	require.NoError(t, db.FinishRecovery())
	return testDB{db: db, rb: rb, rf: rf}
}

func seedTestDB(t *testing.T, dir string) testDB {
	t.Helper()
	ctx := context.Background()
	d := openTestDB(t, dir)
	require.NoError(t, d.db.Begin(ctx))
	for i := int32(0); i < 3; i++ {
		require.NoError(t, d.rb.InsertRecord(i, fill(8, byte('a'+i))))
		require.NoError(t, d.rf.InsertRecord(i, fill(8, byte('A'+i))))
	}
	require.NoError(t, d.db.Commit(ctx))
	return d
}

// stageUpdate overwrites row 1 of both tables inside an open transaction.
func stageUpdate(t *testing.T, d testDB) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, d.db.Begin(ctx))
	require.NoError(t, d.rb.UpdateRecordSoft(1))
	require.NoError(t, d.db.SoftCommit(ctx))
	require.NoError(t, d.rb.UpdateRecordHard(1, fill(8, 'x')))
	require.NoError(t, d.rf.UpdateRecord(1, fill(8, 'X')))
}

func row(t *testing.T, tbl interface{ GetRecord(int32, []byte) error }, id int32) []byte {
	t.Helper()
	out := make([]byte, 8)
	require.NoError(t, tbl.GetRecord(id, out))
	return out
}

func TestDatabase_CommitAndReopen(t *testing.T) {
	dir := t.TempDir()
	d := seedTestDB(t, dir)
	stageUpdate(t, d)
	require.NoError(t, d.db.Commit(context.Background()))
	require.NoError(t, d.db.Close())

	_, err := os.Stat(filepath.Join(dir, committedMarker))
	assert.True(t, os.IsNotExist(err))

	re := openTestDB(t, dir)
	defer re.db.Close()
	assert.Equal(t, fill(8, 'x'), row(t, re.rb, 1))
	assert.Equal(t, fill(8, 'X'), row(t, re.rf, 1))
	assert.Len(t, re.db.Tables(), 2)
}

func TestDatabase_CrashBeforeMarkerRollsBackEverything(t *testing.T) {
	dir := t.TempDir()
	d := seedTestDB(t, dir)
	stageUpdate(t, d)

	require.NoError(t, d.rb.CommitStage2())
	require.NoError(t, d.rf.CommitStage1())
	require.NoError(t, d.db.Close())

	re := openTestDB(t, dir)
	defer re.db.Close()
	assert.Equal(t, fill(8, 'b'), row(t, re.rb, 1))
	assert.Equal(t, fill(8, 'B'), row(t, re.rf, 1))
	assert.Equal(t, int32(3), re.rf.NextRowID())
}

func TestDatabase_CrashAfterMarkerRollsForwardEverything(t *testing.T) {
	dir := t.TempDir()
	d := seedTestDB(t, dir)
	stageUpdate(t, d)

	require.NoError(t, d.rb.CommitStage2())
	require.NoError(t, d.rf.CommitStage1())
	require.NoError(t, d.db.writeMarker())
	require.NoError(t, d.db.Close())

	re := openTestDB(t, dir)
	defer re.db.Close()
	assert.Equal(t, fill(8, 'x'), row(t, re.rb, 1))
	assert.Equal(t, fill(8, 'X'), row(t, re.rf, 1))

	_, err := os.Stat(filepath.Join(dir, committedMarker))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(re.rb.Path() + rollBackSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestDatabase_Rollback(t *testing.T) {
	d := seedTestDB(t, t.TempDir())
	defer d.db.Close()
	stageUpdate(t, d)

	require.NoError(t, d.db.Rollback())
	assert.False(t, d.db.InTransaction())
	assert.Equal(t, fill(8, 'b'), row(t, d.rb, 1))
	assert.Equal(t, fill(8, 'B'), row(t, d.rf, 1))
}

func TestDatabase_Sequencing(t *testing.T) {
	d := openTestDB(t, t.TempDir())
	ctx := context.Background()

	assert.ErrorIs(t, d.db.Commit(ctx), ErrNoTransaction)
	require.NoError(t, d.db.Begin(ctx))
	assert.ErrorIs(t, d.db.Begin(ctx), ErrTransactionOpen)

	_, err := d.db.OpenRollForwardTable(ctx, "late", 8)
	assert.ErrorIs(t, err, ErrTransactionOpen)

	require.NoError(t, d.db.Rollback())
	_, err = d.db.OpenRollForwardTable(ctx, "props", 8)
	assert.ErrorIs(t, err, ErrTableExists)

	require.NoError(t, d.db.Close())
	assert.ErrorIs(t, d.db.Begin(ctx), ErrDatabaseClosed)
}
