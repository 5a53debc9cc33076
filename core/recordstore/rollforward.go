package recordstore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	rollForwardSuffix     = ".rfj"
	rollForwardDoneSuffix = ".rfj.done"
)

// RollForwardTable journals new row images and replays them into the table
// on commit. Inserts are appended straight to the table file, past the
// committed boundary, where a rollback can simply truncate them away.
type RollForwardTable struct {
	table

	journalFile *os.File
	journal     *bufio.Writer
	inserts     *bufio.Writer
	stage       int
}

// OpenRollForwardTable opens or creates a table and finishes any
// transaction left behind by a crash.
func OpenRollForwardTable(ctx context.Context, path string, recordSize int, opts ...Option) (*RollForwardTable, error) {
	return openRollForwardTable(ctx, path, recordSize, recoverStandalone, buildOptions(opts))
}

func openRollForwardTable(ctx context.Context, path string, recordSize int, mode recoveryMode, o options) (*RollForwardTable, error) {
	t := &RollForwardTable{}
	if err := t.open(path, recordSize, o); err != nil {
		return nil, err
	}
	if err := t.recover(ctx, mode); err != nil {
		_ = t.closeFile()
		return nil, err
	}
	return t, nil
}

func (t *RollForwardTable) journalPath() string { return t.path + rollForwardSuffix }
func (t *RollForwardTable) donePath() string    { return t.path + rollForwardDoneSuffix }

func (t *RollForwardTable) recover(ctx context.Context, mode recoveryMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// An in-progress journal never reached stage 1 and is always discarded.
	if err := removeIfExists(t.journalPath()); err != nil {
		return t.corruptf("remove stale journal: %v", err)
	}

	done, err := fileExists(t.donePath())
	if err != nil {
		return t.corruptf("stat journal: %v", err)
	}
	if !done {
		return t.truncateToCommitted()
	}

	if mode == recoverUncommitted {
		t.logger.Warn("discarding durable journal of uncommitted database transaction")
		if err := os.Remove(t.donePath()); err != nil {
			return t.corruptf("remove journal: %v", err)
		}
		return t.truncateToCommitted()
	}

	t.logger.Info("rolling forward durable journal")
	if err := t.rollForward(ctx); err != nil {
		return err
	}
	if err := os.Remove(t.donePath()); err != nil {
		return t.corruptf("remove journal: %v", err)
	}
	return nil
}

// rollForward replays the durable journal. The grown row count is derived
// from the file length, which stage 1 made durable before the rename.
func (t *RollForwardTable) rollForward(ctx context.Context) error {
	rows, size, err := t.fileRows()
	if err != nil {
		return err
	}
	if (size-HeaderSize)%int64(t.recordSize) != 0 {
		return t.corruptf("file length %d is not a whole number of rows", size)
	}
	if rows < t.hdr.NextRowID {
		return t.corruptf("file holds %d rows, header claims %d", rows, t.hdr.NextRowID)
	}

	f, err := os.Open(t.donePath())
	if err != nil {
		return t.corruptf("open journal: %v", err)
	}
	defer f.Close()

	jr := newJournalReader(f, t.recordSize)
	if err := jr.readMagic(); err != nil {
		return t.corruptf("%v", err)
	}
	if _, err := t.replayEntries(ctx, jr, -1, rows); err != nil {
		return err
	}

	if err := t.file.Sync(); err != nil {
		return t.corruptf("sync after replay: %v", err)
	}
	t.hdr.NextRowID = rows
	if err := t.writeHeaderLocked(); err != nil {
		return err
	}
	if err := t.file.Sync(); err != nil {
		return t.corruptf("sync header: %v", err)
	}
	return nil
}

// BeginTransaction discards any uncommitted tail and opens the insert and
// journal streams.
func (t *RollForwardTable) BeginTransaction() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.inTx {
		return ErrTransactionOpen
	}
	if err := t.truncateToCommitted(); err != nil {
		return err
	}

	jf, err := os.OpenFile(t.journalPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return t.corruptf("create journal: %v", err)
	}
	t.journalFile = jf
	t.journal = bufio.NewWriterSize(jf, 64*1024)
	if _, err := t.journal.Write(journalMagic); err != nil {
		return t.corruptf("write journal magic: %v", err)
	}

	t.inserts = bufio.NewWriterSize(io.NewOffsetWriter(t.file, t.offset(t.hdr.NextRowID)), 64*1024)
	t.inTx = true
	t.outstanding = 0
	t.stage = 0
	return nil
}

// InsertRecord appends row id, which must be the next sequential id.
func (t *RollForwardTable) InsertRecord(id int32, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkWritable(data); err != nil {
		return err
	}
	if err := t.checkSequential(id); err != nil {
		return err
	}
	if _, err := t.inserts.Write(data); err != nil {
		return t.corruptf("insert row %d: %v", id, err)
	}
	t.outstanding++
	return nil
}

// UpdateRecord journals a new image for row id.
func (t *RollForwardTable) UpdateRecord(id int32, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkWritable(data); err != nil {
		return err
	}
	if id < 0 || id >= t.hdr.NextRowID+t.outstanding {
		return t.corruptf("update of row %d outside [0,%d)", id, t.hdr.NextRowID+t.outstanding)
	}
	if err := encodeJournalEntry(t.journal, id, data); err != nil {
		return t.corruptf("journal row %d: %v", id, err)
	}
	return nil
}

func (t *RollForwardTable) checkWritable(data []byte) error {
	if err := t.checkTx(); err != nil {
		return err
	}
	if t.stage != 0 {
		return fmt.Errorf("%w: write after stage %d", ErrCommitStage, t.stage)
	}
	return t.checkLength(data)
}

// CommitStage1 makes inserts and the journal durable, then atomically
// renames the journal to its durable name. After this point the
// transaction can only roll forward.
func (t *RollForwardTable) CommitStage1() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkTx(); err != nil {
		return err
	}
	if t.stage != 0 {
		return fmt.Errorf("%w: stage 1 after stage %d", ErrCommitStage, t.stage)
	}

	if err := t.inserts.Flush(); err != nil {
		return t.corruptf("flush inserts: %v", err)
	}
	if err := t.file.Sync(); err != nil {
		return t.corruptf("sync inserts: %v", err)
	}
	if err := t.journal.Flush(); err != nil {
		return t.corruptf("flush journal: %v", err)
	}
	if err := t.journalFile.Sync(); err != nil {
		return t.corruptf("sync journal: %v", err)
	}
	if err := t.journalFile.Close(); err != nil {
		return t.corruptf("close journal: %v", err)
	}
	t.journalFile = nil

	if err := os.Rename(t.journalPath(), t.donePath()); err != nil {
		return t.corruptf("rename journal: %v", err)
	}
	if err := syncDir(filepath.Dir(t.path)); err != nil {
		return t.corruptf("%v", err)
	}
	t.stage = 1
	return nil
}

// CommitStage2 replays the durable journal into the table and persists the
// new row count.
func (t *RollForwardTable) CommitStage2() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkTx(); err != nil {
		return err
	}
	if t.stage != 1 {
		return fmt.Errorf("%w: stage 2 after stage %d", ErrCommitStage, t.stage)
	}
	if err := t.rollForward(context.Background()); err != nil {
		return err
	}
	t.outstanding = 0
	t.stage = 2
	return nil
}

// CommitStage3 deletes the applied journal and ends the transaction.
func (t *RollForwardTable) CommitStage3() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkTx(); err != nil {
		return err
	}
	if t.stage != 2 {
		return fmt.Errorf("%w: stage 3 after stage %d", ErrCommitStage, t.stage)
	}
	if err := removeIfExists(t.donePath()); err != nil {
		return t.corruptf("remove journal: %v", err)
	}
	t.endTx()
	return nil
}

// Commit runs all three commit stages.
func (t *RollForwardTable) Commit() error {
	if err := t.CommitStage1(); err != nil {
		return err
	}
	if err := t.CommitStage2(); err != nil {
		return err
	}
	return t.CommitStage3()
}

// Rollback discards the transaction. It is only valid before stage 1.
func (t *RollForwardTable) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkTx(); err != nil {
		return err
	}
	if t.stage != 0 {
		return fmt.Errorf("%w: rollback after stage %d", ErrCommitStage, t.stage)
	}

	if t.journalFile != nil {
		_ = t.journalFile.Close()
		t.journalFile = nil
	}
	if err := removeIfExists(t.journalPath()); err != nil {
		return t.corruptf("remove journal: %v", err)
	}
	t.endTx()
	return t.truncateToCommitted()
}

func (t *RollForwardTable) endTx() {
	t.inTx = false
	t.outstanding = 0
	t.stage = 0
	t.journal = nil
	t.inserts = nil
}

// InsertRow implements the row accessor contract.
func (t *RollForwardTable) InsertRow(id int32, data []byte) error {
	return t.InsertRecord(id, data)
}

// UpdateRow implements the row accessor contract.
func (t *RollForwardTable) UpdateRow(id int32, data []byte) error {
	return t.UpdateRecord(id, data)
}

// Close releases the file handles. An open transaction is abandoned exactly
// as a crash would abandon it.
func (t *RollForwardTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.journalFile != nil {
		_ = t.journalFile.Close()
		t.journalFile = nil
	}
	if t.inTx {
		t.logger.Warn("closing table with open transaction", slog.Int("outstanding", int(t.outstanding)))
	}
	return t.closeFile()
}
