package recordstore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

type recoveryMode int

const (
	// recoverStandalone resolves a leftover journal using only the table's own state.
	recoverStandalone recoveryMode = iota
	// recoverCommitted means the owning Database committed the last transaction.
	recoverCommitted
	// recoverUncommitted means the owning Database never reached its commit point.
	recoverUncommitted
)

type options struct {
	logger *slog.Logger
}

// Option configures a table.
type Option func(*options)

// WithLogger sets the logger used for recovery and corruption reports.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// table holds the state shared by both journal strategies. mu serialises all
// physical reads and writes of the table file.
type table struct {
	path       string
	recordSize int
	logger     *slog.Logger

	mu          sync.Mutex
	file        *os.File
	hdr         header
	inTx        bool
	outstanding int32
	closed      bool
}

func (t *table) open(path string, recordSize int, o options) error {
	if recordSize <= 0 {
		return fmt.Errorf("%w: %d", ErrRecordLength, recordSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create table dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("open table: %w", err)
	}

	t.path = path
	t.recordSize = recordSize
	t.logger = o.logger.With(slog.String("table", filepath.Base(path)))
	t.file = file

	if err := t.loadHeader(); err != nil {
		_ = file.Close()
		return err
	}
	return nil
}

func (t *table) loadHeader() error {
	info, err := t.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat: %v", ErrCorrupt, err)
	}

	if info.Size() == 0 {
		return t.initializeEmpty()
	}
	if info.Size() < HeaderSize {
		return t.corruptf("file is %d bytes, shorter than header", info.Size())
	}

	buf := make([]byte, HeaderSize)
	if _, err := t.file.ReadAt(buf, 0); err != nil {
		return t.corruptf("read header: %v", err)
	}

	if err := t.hdr.UnmarshalBinary(buf); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return err
		}
		t.hdr = header{RecordSize: int32(t.recordSize)}
		return t.corruptf("%v", err)
	}

	if int(t.hdr.RecordSize) != t.recordSize {
		return fmt.Errorf("%w: table has %d, caller expects %d", ErrRecordSizeMismatch, t.hdr.RecordSize, t.recordSize)
	}
	if t.hdr.Corrupt {
		return fmt.Errorf("%w: corrupt flag set", ErrCorrupt)
	}
	return nil
}

func (t *table) initializeEmpty() error {
	t.hdr = header{RecordSize: int32(t.recordSize)}
	if err := t.writeHeaderLocked(); err != nil {
		return err
	}
	if err := t.file.Sync(); err != nil {
		return t.corruptf("sync new table: %v", err)
	}
	return syncDir(filepath.Dir(t.path))
}

func (t *table) writeHeaderLocked() error {
	buf, _ := t.hdr.MarshalBinary()
	if _, err := t.file.WriteAt(buf, 0); err != nil {
		return t.corruptf("write header: %v", err)
	}
	return nil
}

// corruptf persists the corrupt flag (best effort) and returns an error
// wrapping ErrCorrupt.
func (t *table) corruptf(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	t.logger.Error("table corruption detected", slog.String("path", t.path), slog.String("reason", msg))

	t.hdr.Corrupt = true
	buf, _ := t.hdr.MarshalBinary()
	if t.file != nil {
		if _, err := t.file.WriteAt(buf, 0); err == nil {
			_ = t.file.Sync()
		}
	}
	return fmt.Errorf("%w: %s: %s", ErrCorrupt, filepath.Base(t.path), msg)
}

func (t *table) offset(id int32) int64 {
	return HeaderSize + int64(id)*int64(t.recordSize)
}

func (t *table) checkOpen() error {
	if t.closed {
		return ErrTableClosed
	}
	if t.hdr.Corrupt {
		return fmt.Errorf("%w: corrupt flag set", ErrCorrupt)
	}
	return nil
}

func (t *table) checkTx() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if !t.inTx {
		return ErrNoTransaction
	}
	return nil
}

func (t *table) checkLength(data []byte) error {
	if len(data) != t.recordSize {
		return fmt.Errorf("%w: got %d, want %d", ErrRecordLength, len(data), t.recordSize)
	}
	return nil
}

func (t *table) checkSequential(id int32) error {
	want := t.hdr.NextRowID + t.outstanding
	if id != want {
		return fmt.Errorf("%w: got id %d, want %d", ErrNonSequentialInsert, id, want)
	}
	return nil
}

// fileRows returns the number of whole rows present in the file body.
func (t *table) fileRows() (int32, int64, error) {
	info, err := t.file.Stat()
	if err != nil {
		return 0, 0, t.corruptf("stat: %v", err)
	}
	body := info.Size() - HeaderSize
	if body < 0 {
		return 0, info.Size(), t.corruptf("file shorter than header")
	}
	return int32(body / int64(t.recordSize)), info.Size(), nil
}

// truncateToCommitted discards any uncommitted tail. A file shorter than the
// committed row count is corrupt.
func (t *table) truncateToCommitted() error {
	_, size, err := t.fileRows()
	if err != nil {
		return err
	}
	want := t.offset(t.hdr.NextRowID)
	if size < want {
		return t.corruptf("file is %d bytes, header claims %d rows", size, t.hdr.NextRowID)
	}
	if size == want {
		return nil
	}
	if err := t.file.Truncate(want); err != nil {
		return t.corruptf("truncate: %v", err)
	}
	return nil
}

// NextRowID returns the id the next inserted row must use.
func (t *table) NextRowID() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hdr.NextRowID + t.outstanding
}

// CommittedRows returns the row count persisted in the header.
func (t *table) CommittedRows() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hdr.NextRowID
}

// RecordSize returns the fixed record length.
func (t *table) RecordSize() int {
	return t.recordSize
}

// Path returns the table file path.
func (t *table) Path() string {
	return t.path
}

// Info returns a snapshot of the table header.
func (t *table) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		Path:       t.path,
		NextRowID:  t.hdr.NextRowID,
		RecordSize: t.recordSize,
		Corrupt:    t.hdr.Corrupt,
		InTx:       t.inTx,
	}
}

// GetRecord reads committed row id into out.
func (t *table) GetRecord(id int32, out []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.checkLength(out); err != nil {
		return err
	}
	if id < 0 || id >= t.hdr.NextRowID {
		return t.corruptf("read of row %d outside committed range [0,%d)", id, t.hdr.NextRowID)
	}
	if _, err := t.file.ReadAt(out, t.offset(id)); err != nil {
		return t.corruptf("read row %d: %v", id, err)
	}
	return nil
}

// GetRow implements the row accessor contract: ids outside the committed
// range report not found rather than corrupting the table.
func (t *table) GetRow(id int32, out []byte) (bool, error) {
	if id < 0 || id >= t.CommittedRows() {
		return false, nil
	}
	if err := t.GetRecord(id, out); err != nil {
		return false, err
	}
	return true, nil
}

// ReadCommitted streams every committed row to w in id order.
func (t *table) ReadCommitted(w io.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkOpen(); err != nil {
		return err
	}
	section := io.NewSectionReader(t.file, HeaderSize, int64(t.hdr.NextRowID)*int64(t.recordSize))
	if _, err := io.Copy(w, section); err != nil {
		return t.corruptf("read body: %v", err)
	}
	return nil
}

func (t *table) closeFile() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.file.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: open dir: %v", ErrCorrupt, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("%w: sync dir: %v", ErrCorrupt, err)
	}
	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
