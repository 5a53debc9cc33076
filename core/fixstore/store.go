package fixstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/adalundhe/trackcache/core/database"
	"github.com/adalundhe/trackcache/core/rowcache"
)

// ErrFull is returned once fix ids no longer fit the sealing id.
var ErrFull = errors.New("fix store full")

var migrations = []database.Migration{
	{
		Version:     1,
		Description: "create fixes table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE fixes (
				id      INTEGER PRIMARY KEY,
				payload BLOB NOT NULL
			)`)
			return err
		},
	},
}

// Store is the fix table.
type Store struct {
	pool   *database.Pool
	codec  rowcache.Codec
	logger *slog.Logger
}

// Open migrates the schema in pool and returns the store. A nil codec
// stores fixes unsealed.
func Open(ctx context.Context, pool *database.Pool, codec rowcache.Codec, logger *slog.Logger) (*Store, error) {
	if codec == nil {
		codec = rowcache.PlainCodec{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := database.NewMigrator(pool, migrations).Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate fixes: %w", err)
	}
	return &Store{pool: pool, codec: codec, logger: logger}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.pool.Path()
}

// Append stores fixes in one transaction and returns their ids. Fixes must
// not go back in time, relative to each other or to the last stored fix.
func (s *Store) Append(ctx context.Context, fixes []Fix) ([]int64, error) {
	if len(fixes) == 0 {
		return nil, nil
	}
	for i := range fixes {
		if err := fixes[i].Validate(); err != nil {
			return nil, fmt.Errorf("fix %d: %w", i, err)
		}
	}

	ids := make([]int64, 0, len(fixes))
	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		last, ok, err := s.last(ctx, tx)
		if err != nil {
			return err
		}
		next := int64(1)
		if ok {
			next = last.ID + 1
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO fixes (id, payload) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		plain := make([]byte, PlainSize)
		var sealed []byte
		for i := range fixes {
			f := &fixes[i]
			if ok && f.TimeMs < last.TimeMs {
				return fmt.Errorf("%w: %d < %d", ErrOutOfOrder, f.TimeMs, last.TimeMs)
			}
			if next > math.MaxInt32 {
				return ErrFull
			}
			f.marshal(plain)
			sealed = s.codec.Seal(sealed[:0], plain, int32(next))
			if _, err := stmt.ExecContext(ctx, next, sealed); err != nil {
				return fmt.Errorf("insert fix %d: %w", next, err)
			}
			f.ID = next
			ids = append(ids, next)
			last, ok = *f, true
			next++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("fixes appended", slog.Int("count", len(ids)), slog.Int64("last_id", ids[len(ids)-1]))
	return ids, nil
}

// ReadAfter returns up to limit fixes with id greater than afterID, in id
// order.
func (s *Store) ReadAfter(ctx context.Context, afterID int64, limit int) ([]Fix, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, payload FROM fixes WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out   []Fix
		plain []byte
	)
	for rows.Next() {
		var (
			f       Fix
			payload []byte
		)
		if err := rows.Scan(&f.ID, &payload); err != nil {
			return nil, err
		}
		if plain, err = s.open(plain[:0], payload, f.ID); err != nil {
			return nil, err
		}
		if err := f.unmarshal(plain); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Get returns the fix with the given id.
func (s *Store) Get(ctx context.Context, id int64) (Fix, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM fixes WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Fix{}, false, nil
	}
	if err != nil {
		return Fix{}, false, err
	}
	plain, err := s.open(nil, payload, id)
	if err != nil {
		return Fix{}, false, err
	}
	f := Fix{ID: id}
	if err := f.unmarshal(plain); err != nil {
		return Fix{}, false, err
	}
	return f, true, nil
}

// LastID returns the id of the newest fix, or 0 when the store is empty.
func (s *Store) LastID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.pool.QueryRow(ctx, `SELECT MAX(id) FROM fixes`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// Count returns the number of stored fixes.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM fixes`).Scan(&n)
	return n, err
}

// Schema reports the schema version of the fix database.
func (s *Store) Schema() (database.SchemaStatus, error) {
	return database.NewMigrator(s.pool, migrations).Status()
}

// IntegrityCheck runs the SQLite integrity check on the fix database.
func (s *Store) IntegrityCheck() error {
	return s.pool.IntegrityCheck()
}

func (s *Store) last(ctx context.Context, tx *sql.Tx) (Fix, bool, error) {
	var (
		f       Fix
		payload []byte
	)
	err := tx.QueryRowContext(ctx, `SELECT id, payload FROM fixes ORDER BY id DESC LIMIT 1`).Scan(&f.ID, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Fix{}, false, nil
	}
	if err != nil {
		return Fix{}, false, err
	}
	plain, err := s.open(nil, payload, f.ID)
	if err != nil {
		return Fix{}, false, err
	}
	if err := f.unmarshal(plain); err != nil {
		return Fix{}, false, err
	}
	return f, true, nil
}

func (s *Store) open(dst, payload []byte, id int64) ([]byte, error) {
	plain, err := s.codec.Open(dst, payload, int32(id))
	if err != nil {
		return nil, fmt.Errorf("fix %d: %w: %w", id, rowcache.ErrOpen, err)
	}
	return plain, nil
}
