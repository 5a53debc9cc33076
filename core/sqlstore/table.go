package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/adalundhe/trackcache/core/recordstore"
)

// Table is one fixed-record-size table inside a DB.
type Table struct {
	db         *DB
	name       string
	recordSize int
	committed  int32
	next       int32
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// RecordSize returns the fixed record size.
func (t *Table) RecordSize() int { return t.recordSize }

// NextRowID includes rows inserted by the open transaction.
func (t *Table) NextRowID() int32 {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.next
}

func (t *Table) writable(data []byte) (*sql.Tx, context.Context, error) {
	if t.db.tx == nil {
		return nil, nil, recordstore.ErrNoTransaction
	}
	if len(data) != t.recordSize {
		return nil, nil, fmt.Errorf("%w: got %d, want %d", recordstore.ErrRecordLength, len(data), t.recordSize)
	}
	return t.db.tx, t.db.ctx, nil
}

// InsertRow appends row id, which must be the next id.
func (t *Table) InsertRow(id int32, data []byte) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	tx, ctx, err := t.writable(data)
	if err != nil {
		return err
	}
	if id != t.next {
		return fmt.Errorf("%w: got %d, want %d", recordstore.ErrNonSequentialInsert, id, t.next)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO row_data (tbl, id, payload) VALUES (?, ?, ?)`, t.name, id, data); err != nil {
		return err
	}
	t.next++
	return nil
}

// UpdateRow overwrites an existing row.
func (t *Table) UpdateRow(id int32, data []byte) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	tx, ctx, err := t.writable(data)
	if err != nil {
		return err
	}
	if id < 0 || id >= t.next {
		return fmt.Errorf("%w: update of row %d beyond %d", recordstore.ErrCorrupt, id, t.next)
	}
	_, err = tx.ExecContext(ctx, `UPDATE row_data SET payload = ? WHERE tbl = ? AND id = ?`, data, t.name, id)
	return err
}

// GetRow reads a row, seeing the open transaction's writes.
func (t *Table) GetRow(id int32, out []byte) (bool, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if id < 0 || id >= t.next {
		return false, nil
	}

	var (
		payload []byte
		err     error
	)
	if t.db.tx != nil {
		err = t.db.tx.QueryRowContext(t.db.ctx, `SELECT payload FROM row_data WHERE tbl = ? AND id = ?`, t.name, id).Scan(&payload)
	} else {
		err = t.db.pool.QueryRow(context.Background(), `SELECT payload FROM row_data WHERE tbl = ? AND id = ?`, t.name, id).Scan(&payload)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: row %d of %s missing", recordstore.ErrCorrupt, id, t.name)
	}
	if err != nil {
		return false, err
	}
	if len(payload) != len(out) {
		return false, fmt.Errorf("%w: row %d of %s is %d bytes", recordstore.ErrCorrupt, id, t.name, len(payload))
	}
	copy(out, payload)
	return true, nil
}

// ReadCommitted streams every committed row to w in id order.
func (t *Table) ReadCommitted(w io.Writer) error {
	t.db.mu.Lock()
	committed := t.committed
	t.db.mu.Unlock()

	rows, err := t.db.pool.Query(context.Background(), `SELECT payload FROM row_data WHERE tbl = ? AND id < ? ORDER BY id`, t.name, committed)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return rows.Err()
}
