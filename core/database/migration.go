package database

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
)

// ErrSchemaTooNew is returned for a database migrated by a newer release.
var ErrSchemaTooNew = errors.New("database schema is newer than this build")

// Migration moves a schema to Version. Up runs inside the transaction that
// records the new version.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// SchemaStatus compares the version stored in a database with the
// migrations a build carries.
type SchemaStatus struct {
	Version int
	Latest  int
	Pending int
}

// Current reports whether the schema is exactly the latest one.
func (s SchemaStatus) Current() bool { return s.Version == s.Latest && s.Pending == 0 }

// Migrator applies migrations in version order. The applied version is kept
// in PRAGMA user_version.
type Migrator struct {
	pool       *Pool
	migrations []Migration
}

func NewMigrator(pool *Pool, migrations []Migration) *Migrator {
	sorted := slices.Clone(migrations)
	slices.SortFunc(sorted, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return &Migrator{pool: pool, migrations: sorted}
}

// Latest returns the version of the newest migration, or 0 without any.
func (m *Migrator) Latest() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// Status reads the stored version and counts the migrations past it.
func (m *Migrator) Status() (SchemaStatus, error) {
	version, err := m.pool.Version()
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("get version: %w", err)
	}
	st := SchemaStatus{Version: version, Latest: m.Latest()}
	for _, mig := range m.migrations {
		if mig.Version > version {
			st.Pending++
		}
	}
	return st, nil
}

// Migrate applies every pending migration, each in its own transaction. A
// database already past Latest is refused rather than written to.
func (m *Migrator) Migrate(ctx context.Context) error {
	st, err := m.Status()
	if err != nil {
		return err
	}
	if st.Version > st.Latest {
		return fmt.Errorf("%w: version %d, this build knows %d", ErrSchemaTooNew, st.Version, st.Latest)
	}

	for _, mig := range m.migrations {
		if mig.Version <= st.Version {
			continue
		}
		err := m.pool.Transaction(ctx, func(tx *sql.Tx) error {
			if err := mig.Up(tx); err != nil {
				return err
			}
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", mig.Version))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", mig.Version, mig.Description, err)
		}
	}
	return nil
}
