package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/adalundhe/trackcache/core/database"
	"github.com/adalundhe/trackcache/core/recordstore"
	"github.com/adalundhe/trackcache/core/sqlstore"
)

// TableReport describes one index table.
type TableReport struct {
	Name string
	recordstore.Info
	// Digest is the xxhash of the committed rows, 0 when they could not be
	// read.
	Digest uint64
	Err    error
}

// FsckReport is the result of Fsck.
type FsckReport struct {
	Backend  string
	Tables   []TableReport
	FixCount int64
	FixesErr error

	// FixSchema is the fix database schema. RowSchema is set for the
	// sqlite backend only.
	FixSchema database.SchemaStatus
	RowSchema *database.SchemaStatus
}

// Healthy reports whether no table is corrupt or unreadable and every
// schema is current.
func (r FsckReport) Healthy() bool {
	if r.FixesErr != nil || !r.FixSchema.Current() {
		return false
	}
	if r.RowSchema != nil && !r.RowSchema.Current() {
		return false
	}
	for _, t := range r.Tables {
		if t.Corrupt || t.InTx || t.Err != nil {
			return false
		}
	}
	return true
}

// Fsck reports every index table whose name match accepts, with a digest of
// its committed rows, and checks the fix database. A nil match accepts every
// table.
func (e *Engine) Fsck(ctx context.Context, match func(name string) bool) (FsckReport, error) {
	if e.closed {
		return FsckReport{}, ErrClosed
	}
	report := FsckReport{Backend: e.cfg.Storage.Backend}

	err := e.coord.Read(ctx, func() error {
		readers := e.committedReaders()
		for _, info := range e.store.Tables() {
			name := tableName(info.Path)
			if match != nil && !match(name) {
				continue
			}
			tr := TableReport{Name: name, Info: info}
			if r, ok := readers[name]; ok {
				d := xxhash.New()
				if err := r.ReadCommitted(d); err != nil {
					tr.Err = err
				} else {
					tr.Digest = d.Sum64()
				}
			}
			report.Tables = append(report.Tables, tr)
		}
		if db, ok := e.store.(*sqlstore.DB); ok {
			st, err := db.Schema()
			if err != nil {
				return fmt.Errorf("row schema: %w", err)
			}
			report.RowSchema = &st
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	report.FixCount, report.FixesErr = e.fixes.Count(ctx)
	if report.FixesErr == nil {
		if err := e.fixes.IntegrityCheck(); err != nil {
			report.FixesErr = fmt.Errorf("fix database: %w", err)
		}
	}
	if report.FixesErr == nil {
		if report.FixSchema, err = e.fixes.Schema(); err != nil {
			report.FixesErr = fmt.Errorf("fix schema: %w", err)
		}
	}
	return report, nil
}

// committedReaders maps table names to the tables of the open store.
func (e *Engine) committedReaders() map[string]committedReader {
	out := make(map[string]committedReader)
	switch s := e.store.(type) {
	case *recordstore.Database:
		for name, t := range s.OpenTables() {
			out[name] = t
		}
	case *sqlstore.DB:
		for _, t := range s.OpenTables() {
			out[t.Name()] = t
		}
	}
	return out
}

// tableName recovers the table name from an Info path of either backend.
func tableName(path string) string {
	if i := strings.LastIndexByte(path, '#'); i >= 0 {
		return path[i+1:]
	}
	return strings.TrimSuffix(filepath.Base(path), recordstore.TableSuffix)
}
