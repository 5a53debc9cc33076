// Package backup keeps point-in-time copies of the fix database. The index
// can always be rebuilt from the fixes; the fixes cannot be rebuilt from
// anything.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adalundhe/trackcache/core/database"
)

const (
	DefaultRetention = 10

	filePrefix = "fixes-"
	fileSuffix = ".db"
	timeLayout = "20060102-150405.000000000"
)

var ErrNoBackup = errors.New("no backup")

type Config struct {
	Retention int
	Logger    *slog.Logger
}

// Manager writes backups of one pool into a directory and prunes the
// oldest beyond the retention count.
type Manager struct {
	dir    string
	pool   *database.Pool
	cfg    Config
	logger *slog.Logger
	mu     sync.Mutex
}

// Info describes one backup file.
type Info struct {
	Name      string
	Path      string
	Size      int64
	CreatedAt time.Time
}

func NewManager(dir string, pool *database.Pool, cfg Config) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{dir: dir, pool: pool, cfg: cfg, logger: cfg.Logger}
}

// Dir returns the backup directory.
func (m *Manager) Dir() string { return m.dir }

// Backup writes a consistent copy of the database. Concurrent writers are
// not blocked for longer than SQLite's own snapshot.
func (m *Manager) Backup(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return Info{}, fmt.Errorf("create backup dir: %w", err)
	}

	now := time.Now().UTC()
	name := filePrefix + now.Format(timeLayout) + fileSuffix
	path := filepath.Join(m.dir, name)

	if _, err := m.pool.Exec(ctx, "VACUUM INTO ?", path); err != nil {
		_ = os.Remove(path)
		return Info{}, fmt.Errorf("vacuum into %s: %w", path, err)
	}

	st, err := os.Stat(path)
	if err != nil {
		return Info{}, err
	}
	info := Info{Name: name, Path: path, Size: st.Size(), CreatedAt: now}
	m.logger.Info("fix database backed up", slog.String("path", path), slog.Int64("bytes", info.Size))

	if err := m.enforceRetention(); err != nil {
		return info, fmt.Errorf("retention cleanup: %w", err)
	}
	return info, nil
}

func (m *Manager) enforceRetention() error {
	backups, err := m.list()
	if err != nil {
		return err
	}
	if len(backups) <= m.cfg.Retention {
		return nil
	}
	for _, b := range backups[m.cfg.Retention:] {
		if err := os.Remove(b.Path); err != nil {
			return err
		}
		m.logger.Debug("backup pruned", slog.String("path", b.Path))
	}
	return nil
}

// List returns the backups, newest first.
func (m *Manager) List() ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list()
}

func (m *Manager) list() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var backups []Info
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		created, err := time.Parse(timeLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		if err != nil {
			continue
		}
		st, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Info{
			Name:      name,
			Path:      filepath.Join(m.dir, name),
			Size:      st.Size(),
			CreatedAt: created,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Latest returns the newest backup.
func (m *Manager) Latest() (Info, error) {
	backups, err := m.List()
	if err != nil {
		return Info{}, err
	}
	if len(backups) == 0 {
		return Info{}, ErrNoBackup
	}
	return backups[0], nil
}

// Run backs up every interval until ctx is done. Failures are logged and
// retried at the next tick.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Backup(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("scheduled backup failed", slog.String("error", err.Error()))
			}
		}
	}
}
