package recordstore

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	rollBackSuffix = ".rbj"

	// magic | preTxRows int32 | entryCount int32
	rollBackPreambleSize = 6 + 4 + 4
	rollBackCountOffset  = 6 + 4
)

// RollBackTable saves undo images of committed rows to a journal before they
// are overwritten in place. Writes are staged: UpdateRecordSoft captures undo
// images, SoftCommit makes them durable with a single fsync, and only then may
// UpdateRecordHard overwrite the rows. The presence of the journal on open
// means the last transaction did not finish and must be rolled back.
type RollBackTable struct {
	table

	journalFile *os.File
	journal     *bufio.Writer
	preTxRows   int32
	entries     int32
	durable     int32
	synced      bool
	saved       map[int32]struct{}
	pending     map[int32]struct{}
	stage       int
}

// OpenRollBackTable opens or creates a table, rolling back any transaction
// left behind by a crash.
func OpenRollBackTable(ctx context.Context, path string, recordSize int, opts ...Option) (*RollBackTable, error) {
	return openRollBackTable(ctx, path, recordSize, recoverStandalone, buildOptions(opts))
}

func openRollBackTable(ctx context.Context, path string, recordSize int, mode recoveryMode, o options) (*RollBackTable, error) {
	t := &RollBackTable{}
	if err := t.open(path, recordSize, o); err != nil {
		return nil, err
	}
	if err := t.recover(ctx, mode); err != nil {
		_ = t.closeFile()
		return nil, err
	}
	return t, nil
}

func (t *RollBackTable) journalPath() string { return t.path + rollBackSuffix }

func (t *RollBackTable) recover(ctx context.Context, mode recoveryMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	exists, err := fileExists(t.journalPath())
	if err != nil {
		return t.corruptf("stat journal: %v", err)
	}
	if !exists {
		return t.truncateToCommitted()
	}

	if mode == recoverCommitted {
		// Every table reached stage 2 before the database wrote its marker.
		if err := os.Remove(t.journalPath()); err != nil {
			return t.corruptf("remove journal: %v", err)
		}
		return t.truncateToCommitted()
	}

	t.logger.Info("rolling back interrupted transaction")
	return t.rollBackFromJournal(ctx)
}

// rollBackFromJournal restores every durable undo image, truncates the file
// to the pre-transaction row count and deletes the journal.
func (t *RollBackTable) rollBackFromJournal(ctx context.Context) error {
	f, err := os.Open(t.journalPath())
	if err != nil {
		return t.corruptf("open journal: %v", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return t.corruptf("stat journal: %v", err)
	}

	preTx := t.hdr.NextRowID
	if info.Size() >= rollBackPreambleSize {
		jr := newJournalReader(f, t.recordSize)
		if err := jr.readMagic(); err != nil {
			return t.corruptf("%v", err)
		}
		if preTx, err = jr.readInt32(); err != nil {
			return t.corruptf("read journal row count: %v", err)
		}
		count, err := jr.readInt32()
		if err != nil {
			return t.corruptf("read journal entry count: %v", err)
		}
		if preTx < 0 || preTx > t.hdr.NextRowID || count < 0 {
			return t.corruptf("journal preamble out of range: rows %d, entries %d", preTx, count)
		}
		if _, err := t.replayEntries(ctx, jr, int(count), preTx); err != nil {
			return err
		}
	}
	// A journal shorter than its preamble was never soft committed, so no row
	// below the committed boundary was overwritten.

	rows, _, err := t.fileRows()
	if err != nil {
		return err
	}
	if rows < preTx {
		return t.corruptf("file holds %d rows, journal expects %d", rows, preTx)
	}
	if err := t.file.Truncate(t.offset(preTx)); err != nil {
		return t.corruptf("truncate: %v", err)
	}
	t.hdr.NextRowID = preTx
	if err := t.writeHeaderLocked(); err != nil {
		return err
	}
	if err := t.file.Sync(); err != nil {
		return t.corruptf("sync after rollback: %v", err)
	}
	if err := os.Remove(t.journalPath()); err != nil {
		return t.corruptf("remove journal: %v", err)
	}
	return syncDir(filepath.Dir(t.path))
}

// BeginTransaction opens the rollback journal.
func (t *RollBackTable) BeginTransaction() error {
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

	jf, err := os.OpenFile(t.journalPath(), os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0600)
	if err != nil {
		return t.corruptf("create journal: %v", err)
	}

	preamble := make([]byte, rollBackPreambleSize)
	copy(preamble, journalMagic)
	binary.BigEndian.PutUint32(preamble[6:10], uint32(t.hdr.NextRowID))
	if _, err := jf.Write(preamble); err != nil {
		_ = jf.Close()
		return t.corruptf("write journal preamble: %v", err)
	}

	t.journalFile = jf
	t.journal = bufio.NewWriterSize(jf, 64*1024)
	t.preTxRows = t.hdr.NextRowID
	t.entries = 0
	t.durable = 0
	t.synced = false
	t.saved = make(map[int32]struct{})
	t.pending = make(map[int32]struct{})
	t.inTx = true
	t.outstanding = 0
	t.stage = 0
	return nil
}

// InsertRecord writes row id, which must be the next sequential id, directly
// past the committed boundary.
func (t *RollBackTable) InsertRecord(id int32, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkWritable(data); err != nil {
		return err
	}
	if err := t.checkSequential(id); err != nil {
		return err
	}
	if _, err := t.file.WriteAt(data, t.offset(id)); err != nil {
		return t.corruptf("insert row %d: %v", id, err)
	}
	t.outstanding++
	return nil
}

// UpdateRecordSoft saves the current image of row id to the journal, once
// per transaction. Rows inserted by this transaction need no undo image.
func (t *RollBackTable) UpdateRecordSoft(id int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkTx(); err != nil {
		return err
	}
	if t.stage != 0 {
		return fmt.Errorf("%w: soft update after stage %d", ErrCommitStage, t.stage)
	}
	if id < 0 || id >= t.hdr.NextRowID+t.outstanding {
		return t.corruptf("soft update of row %d outside [0,%d)", id, t.hdr.NextRowID+t.outstanding)
	}
	if id >= t.preTxRows {
		return nil
	}
	if _, ok := t.saved[id]; ok {
		return nil
	}

	current := make([]byte, t.recordSize)
	if _, err := t.file.ReadAt(current, t.offset(id)); err != nil {
		return t.corruptf("read undo image of row %d: %v", id, err)
	}
	if err := encodeJournalEntry(t.journal, id, current); err != nil {
		return t.corruptf("journal row %d: %v", id, err)
	}
	t.saved[id] = struct{}{}
	t.pending[id] = struct{}{}
	t.entries++
	return nil
}

// SoftCommit makes every undo image saved so far durable and records how many
// the journal holds. Rows saved before this call may then be hard-written.
func (t *RollBackTable) SoftCommit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkTx(); err != nil {
		return err
	}
	if t.stage != 0 {
		return fmt.Errorf("%w: soft commit after stage %d", ErrCommitStage, t.stage)
	}

	if err := t.journal.Flush(); err != nil {
		return t.corruptf("flush journal: %v", err)
	}
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(t.entries))
	if _, err := t.journalFile.WriteAt(count[:], rollBackCountOffset); err != nil {
		return t.corruptf("write journal entry count: %v", err)
	}
	if err := t.journalFile.Sync(); err != nil {
		return t.corruptf("sync journal: %v", err)
	}
	if !t.synced {
		if err := syncDir(filepath.Dir(t.path)); err != nil {
			return t.corruptf("%v", err)
		}
		t.synced = true
	}

	t.durable = t.entries
	clear(t.pending)
	return nil
}

// UpdateRecordHard overwrites row id in place. The row must either have been
// inserted by this transaction or have a durable undo image.
func (t *RollBackTable) UpdateRecordHard(id int32, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkWritable(data); err != nil {
		return err
	}
	if id < 0 || id >= t.hdr.NextRowID+t.outstanding {
		return t.corruptf("hard update of row %d outside [0,%d)", id, t.hdr.NextRowID+t.outstanding)
	}
	if id < t.preTxRows {
		if _, ok := t.saved[id]; !ok {
			return fmt.Errorf("%w: row %d", ErrNotSoftSaved, id)
		}
		if _, ok := t.pending[id]; ok {
			return fmt.Errorf("%w: row %d saved after last soft commit", ErrNotSoftSaved, id)
		}
	}
	if _, err := t.file.WriteAt(data, t.offset(id)); err != nil {
		return t.corruptf("hard update row %d: %v", id, err)
	}
	return nil
}

func (t *RollBackTable) checkWritable(data []byte) error {
	if err := t.checkTx(); err != nil {
		return err
	}
	if t.stage != 0 {
		return fmt.Errorf("%w: write after stage %d", ErrCommitStage, t.stage)
	}
	return t.checkLength(data)
}

// CommitStage2 makes the in-place writes durable and persists the grown row
// count.
func (t *RollBackTable) CommitStage2() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkTx(); err != nil {
		return err
	}
	if t.stage != 0 {
		return fmt.Errorf("%w: stage 2 after stage %d", ErrCommitStage, t.stage)
	}

	if err := t.file.Sync(); err != nil {
		return t.corruptf("sync rows: %v", err)
	}
	if t.outstanding > 0 {
		t.hdr.NextRowID += t.outstanding
		t.outstanding = 0
		if err := t.writeHeaderLocked(); err != nil {
			return err
		}
		if err := t.file.Sync(); err != nil {
			return t.corruptf("sync header: %v", err)
		}
	}
	t.stage = 2
	return nil
}

// CommitStage3 deletes the journal, which completes the transaction.
func (t *RollBackTable) CommitStage3() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkTx(); err != nil {
		return err
	}
	if t.stage != 2 {
		return fmt.Errorf("%w: stage 3 after stage %d", ErrCommitStage, t.stage)
	}

	if err := t.journalFile.Close(); err != nil {
		return t.corruptf("close journal: %v", err)
	}
	t.journalFile = nil
	if err := os.Remove(t.journalPath()); err != nil {
		return t.corruptf("remove journal: %v", err)
	}
	t.endTx()
	return nil
}

// Commit soft commits any pending undo images, then runs stages 2 and 3.
func (t *RollBackTable) Commit() error {
	if t.hasPending() {
		if err := t.SoftCommit(); err != nil {
			return err
		}
	}
	if err := t.CommitStage2(); err != nil {
		return err
	}
	return t.CommitStage3()
}

func (t *RollBackTable) hasPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

// Rollback restores the pre-transaction contents. It is valid at any point
// before stage 3.
func (t *RollBackTable) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkTx(); err != nil {
		return err
	}

	if err := t.journal.Flush(); err != nil {
		return t.corruptf("flush journal: %v", err)
	}
	if err := t.journalFile.Close(); err != nil {
		return t.corruptf("close journal: %v", err)
	}
	t.journalFile = nil

	// Pending entries were never hard-written, so only durable ones need
	// replaying; rewrite the count so the journal says exactly that.
	if err := t.rewriteCount(t.durable); err != nil {
		return err
	}
	t.endTx()
	return t.rollBackFromJournal(context.Background())
}

func (t *RollBackTable) rewriteCount(count int32) error {
	f, err := os.OpenFile(t.journalPath(), os.O_WRONLY, 0600)
	if err != nil {
		return t.corruptf("reopen journal: %v", err)
	}
	defer f.Close()

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(count))
	if _, err := f.WriteAt(buf[:], rollBackCountOffset); err != nil {
		return t.corruptf("write journal entry count: %v", err)
	}
	return nil
}

func (t *RollBackTable) endTx() {
	t.inTx = false
	t.outstanding = 0
	t.stage = 0
	t.journal = nil
	t.saved = nil
	t.pending = nil
}

// PrepareUpdate implements the staged row accessor contract.
func (t *RollBackTable) PrepareUpdate(id int32) error {
	return t.UpdateRecordSoft(id)
}

// InsertRow implements the row accessor contract.
func (t *RollBackTable) InsertRow(id int32, data []byte) error {
	return t.InsertRecord(id, data)
}

// UpdateRow implements the row accessor contract.
func (t *RollBackTable) UpdateRow(id int32, data []byte) error {
	return t.UpdateRecordHard(id, data)
}

// Close releases the file handles without touching the journal, so an open
// transaction is rolled back on the next open exactly as after a crash.
func (t *RollBackTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.journalFile != nil {
		_ = t.journalFile.Close()
		t.journalFile = nil
	}
	if t.inTx {
		t.logger.Warn("closing table with open transaction", slog.Int("undo_entries", int(t.durable)))
	}
	return t.closeFile()
}

var _ io.Closer = (*RollBackTable)(nil)
