package recordstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// journalEntry is one (id, record) pair of a roll-forward or roll-back journal.
type journalEntry struct {
	ID     int32
	Record []byte
}

func encodeJournalEntry(w io.Writer, id int32, record []byte) error {
	var idBuf [journalEntryIDSize]byte
	binary.BigEndian.PutUint32(idBuf[:], uint32(id))
	if _, err := w.Write(idBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(record)
	return err
}

// journalReader decodes journal entries following the magic and any
// variant-specific preamble.
type journalReader struct {
	r          *bufio.Reader
	recordSize int
	buf        []byte
}

func newJournalReader(r io.Reader, recordSize int) *journalReader {
	return &journalReader{
		r:          bufio.NewReaderSize(r, 64*1024),
		recordSize: recordSize,
		buf:        make([]byte, journalEntryIDSize+recordSize),
	}
}

// next returns io.EOF at a clean entry boundary and io.ErrUnexpectedEOF for
// a torn entry.
func (jr *journalReader) next() (journalEntry, error) {
	n, err := io.ReadFull(jr.r, jr.buf)
	if err == io.EOF {
		return journalEntry{}, io.EOF
	}
	if err != nil {
		return journalEntry{}, fmt.Errorf("read %d of %d entry bytes: %w", n, len(jr.buf), io.ErrUnexpectedEOF)
	}
	return journalEntry{
		ID:     int32(binary.BigEndian.Uint32(jr.buf[:journalEntryIDSize])),
		Record: jr.buf[journalEntryIDSize:],
	}, nil
}

func (jr *journalReader) readMagic() error {
	magic := make([]byte, len(journalMagic))
	if _, err := io.ReadFull(jr.r, magic); err != nil {
		return fmt.Errorf("read journal magic: %w", err)
	}
	if !bytes.Equal(magic, journalMagic) {
		return errors.New("bad journal magic")
	}
	return nil
}

func (jr *journalReader) readInt32() (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(jr.r, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

// replayEntries applies up to limit entries (limit < 0 means all) onto the
// table file at their row offsets. ctx is checked before every entry so a
// long replay can be abandoned and retried later.
func (t *table) replayEntries(ctx context.Context, jr *journalReader, limit int, maxRows int32) (int, error) {
	applied := 0
	for limit < 0 || applied < limit {
		if err := ctx.Err(); err != nil {
			return applied, fmt.Errorf("%w: %w", ErrRecoveryCancelled, err)
		}

		entry, err := jr.next()
		if err == io.EOF {
			if limit >= 0 {
				return applied, t.corruptf("journal ends after %d of %d entries", applied, limit)
			}
			return applied, nil
		}
		if err != nil {
			return applied, t.corruptf("truncated journal: %v", err)
		}

		if entry.ID < 0 || entry.ID >= maxRows {
			return applied, t.corruptf("journal row %d outside [0,%d)", entry.ID, maxRows)
		}
		if _, err := t.file.WriteAt(entry.Record, t.offset(entry.ID)); err != nil {
			return applied, t.corruptf("replay row %d: %v", entry.ID, err)
		}
		applied++
	}
	return applied, nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
