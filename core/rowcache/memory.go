package rowcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotInTransaction = errors.New("memory accessor: no transaction open")
	ErrBadInsert        = errors.New("memory accessor: non-sequential insert")
)

// MemoryAccessor is an in-memory Accessor and Store. It backs ephemeral
// caches and tests; Rollback restores the rows as they were at Begin.
type MemoryAccessor struct {
	recordSize int

	mu       sync.Mutex
	rows     [][]byte
	snapshot [][]byte
	inTx     bool
	prepared map[int32]struct{}
}

// NewMemoryAccessor creates an empty accessor for records of recordSize bytes.
func NewMemoryAccessor(recordSize int) *MemoryAccessor {
	return &MemoryAccessor{recordSize: recordSize}
}

func (m *MemoryAccessor) NextRowID() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int32(len(m.rows))
}

func (m *MemoryAccessor) InsertRow(id int32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(data); err != nil {
		return err
	}
	if id != int32(len(m.rows)) {
		return fmt.Errorf("%w: got %d, want %d", ErrBadInsert, id, len(m.rows))
	}
	m.rows = append(m.rows, append([]byte(nil), data...))
	return nil
}

func (m *MemoryAccessor) UpdateRow(id int32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(data); err != nil {
		return err
	}
	if id < 0 || int(id) >= len(m.rows) {
		return fmt.Errorf("%w: %d", ErrRowMissing, id)
	}
	copy(m.rows[id], data)
	return nil
}

func (m *MemoryAccessor) GetRow(id int32, out []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id < 0 || int(id) >= len(m.rows) {
		return false, nil
	}
	copy(out, m.rows[id])
	return true, nil
}

// PrepareUpdate records the ids announced in the current transaction.
func (m *MemoryAccessor) PrepareUpdate(id int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inTx {
		return ErrNotInTransaction
	}
	m.prepared[id] = struct{}{}
	return nil
}

// Prepared reports whether id was announced in the current transaction.
func (m *MemoryAccessor) Prepared(id int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.prepared[id]
	return ok
}

func (m *MemoryAccessor) check(data []byte) error {
	if !m.inTx {
		return ErrNotInTransaction
	}
	if len(data) != m.recordSize {
		return fmt.Errorf("memory accessor: record is %d bytes, want %d", len(data), m.recordSize)
	}
	return nil
}

func (m *MemoryAccessor) Begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inTx {
		return errors.New("memory accessor: transaction already open")
	}
	m.snapshot = make([][]byte, len(m.rows))
	for i, r := range m.rows {
		m.snapshot[i] = append([]byte(nil), r...)
	}
	m.prepared = make(map[int32]struct{})
	m.inTx = true
	return nil
}

func (m *MemoryAccessor) SoftCommit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inTx {
		return ErrNotInTransaction
	}
	return nil
}

func (m *MemoryAccessor) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inTx {
		return ErrNotInTransaction
	}
	m.snapshot = nil
	m.inTx = false
	return nil
}

func (m *MemoryAccessor) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inTx {
		return ErrNotInTransaction
	}
	m.rows = m.snapshot
	m.snapshot = nil
	m.inTx = false
	return nil
}
