package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/adalundhe/trackcache/core/storage"
)

const envPrefix = "TRACKCACHE_"

var ErrInvalidConfig = errors.New("invalid config")

type Manager struct {
	configPtr unsafe.Pointer
	dirs      *storage.Dirs
	project   string
	watchers  []func(*Config)
	watcherMu sync.RWMutex
	stopWatch chan struct{}
	watchOnce sync.Once
}

type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Index   IndexConfig   `yaml:"index"`
	Builder BuilderConfig `yaml:"builder"`
	View    ViewConfig    `yaml:"view"`
	Query   QueryConfig   `yaml:"query"`
	Crypto  CryptoConfig  `yaml:"crypto"`
	Backup  BackupConfig  `yaml:"backup"`
	Log     LogConfig     `yaml:"log"`
}

type StorageConfig struct {
	// Dir keeps every file under one directory instead of the XDG layout.
	Dir string `yaml:"dir"`
	// Backend selects the index table store: "files" or "sqlite".
	Backend          string `yaml:"backend"`
	FixesDB          string `yaml:"fixes_db"`
	CacheRows        int    `yaml:"cache_rows"`
	RebuildOnCorrupt bool   `yaml:"rebuild_on_corrupt"`
}

type IndexConfig struct {
	MaxDepth           int `yaml:"max_depth"`
	SubdivideThreshold int `yaml:"subdivide_threshold"`
}

type BuilderConfig struct {
	BatchSize           int           `yaml:"batch_size"`
	SoftCommitsPerRound int           `yaml:"soft_commits_per_round"`
	JitterRadiusMeters  float64       `yaml:"jitter_radius_meters"`
	FilterResetGap      time.Duration `yaml:"filter_reset_gap"`
	PollInterval        time.Duration `yaml:"poll_interval"`
}

type ViewConfig struct {
	MinPixelsPerCell int `yaml:"min_pixels_per_cell"`
}

type QueryConfig struct {
	CacheMaxCost int64 `yaml:"cache_max_cost"`
}

type CryptoConfig struct {
	Passphrase string `yaml:"passphrase"`
	// Disabled stores rows unsealed.
	Disabled bool `yaml:"disabled"`
}

type BackupConfig struct {
	// Retention is the number of fix database backups kept.
	Retention int `yaml:"retention"`
	// Interval between backups while following; zero disables them.
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	BackendFiles  = "files"
	BackendSQLite = "sqlite"
)

func NewManager(dirs *storage.Dirs) *Manager {
	m := &Manager{
		dirs:      dirs,
		project:   ".",
		stopWatch: make(chan struct{}),
	}
	cfg := DefaultConfig()
	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	return m
}

// WithProjectRoot sets the directory whose .trackcache/config.yaml is read.
func (m *Manager) WithProjectRoot(root string) *Manager {
	m.project = root
	return m
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:   BackendFiles,
			CacheRows: 4096,
		},
		Index: IndexConfig{
			MaxDepth:           20,
			SubdivideThreshold: 4,
		},
		Builder: BuilderConfig{
			BatchSize:           500,
			SoftCommitsPerRound: 4,
			JitterRadiusMeters:  10,
			FilterResetGap:      30 * time.Minute,
			PollInterval:        5 * time.Second,
		},
		View: ViewConfig{
			MinPixelsPerCell: 4,
		},
		Query: QueryConfig{
			CacheMaxCost: 1 << 22,
		},
		Backup: BackupConfig{
			Retention: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Validate rejects settings the storage layer cannot honour.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendFiles, BackendSQLite:
	default:
		return fmt.Errorf("%w: storage.backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	if c.Index.MaxDepth < 1 || c.Index.MaxDepth > 30 {
		return fmt.Errorf("%w: index.max_depth %d outside [1, 30]", ErrInvalidConfig, c.Index.MaxDepth)
	}
	if c.Index.SubdivideThreshold < 1 {
		return fmt.Errorf("%w: index.subdivide_threshold %d", ErrInvalidConfig, c.Index.SubdivideThreshold)
	}
	if c.Builder.BatchSize < 1 {
		return fmt.Errorf("%w: builder.batch_size %d", ErrInvalidConfig, c.Builder.BatchSize)
	}
	if c.Builder.SoftCommitsPerRound < 1 {
		return fmt.Errorf("%w: builder.soft_commits_per_round %d", ErrInvalidConfig, c.Builder.SoftCommitsPerRound)
	}
	if c.Builder.JitterRadiusMeters < 0 {
		return fmt.Errorf("%w: builder.jitter_radius_meters %v", ErrInvalidConfig, c.Builder.JitterRadiusMeters)
	}
	if c.Backup.Retention < 1 {
		return fmt.Errorf("%w: backup.retention %d", ErrInvalidConfig, c.Backup.Retention)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalidConfig, s)
	}
	return l, nil
}

func (m *Manager) Get() *Config {
	return (*Config)(atomic.LoadPointer(&m.configPtr))
}

// Dirs returns the directories the configuration selects: the rooted
// layout when storage.dir is set, otherwise the manager's own.
func (m *Manager) Dirs() *storage.Dirs {
	if dir := m.Get().Storage.Dir; dir != "" {
		return storage.Rooted(dir)
	}
	return m.dirs
}

func (m *Manager) Load() error {
	cfg := DefaultConfig()

	if err := m.loadProjectConfig(cfg); err != nil {
		return fmt.Errorf("project config: %w", err)
	}

	if err := m.loadUserConfig(cfg); err != nil {
		return fmt.Errorf("user config: %w", err)
	}

	m.applyEnvironment(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	m.notifyWatchers(cfg)

	return nil
}

// Override merges the non-zero fields of o over the current configuration,
// as command line flags do.
func (m *Manager) Override(o *Config) error {
	cfg := *m.Get()
	DeepMerge(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return err
	}
	atomic.StorePointer(&m.configPtr, unsafe.Pointer(&cfg))
	m.notifyWatchers(&cfg)
	return nil
}

func (m *Manager) loadProjectConfig(cfg *Config) error {
	projectDirs := storage.ResolveProjectDirs(m.project)
	return m.loadYAMLFile(projectDirs.Config, cfg)
}

func (m *Manager) userConfigPath() string {
	return m.dirs.ConfigDir("config.yaml")
}

func (m *Manager) loadUserConfig(cfg *Config) error {
	return m.loadYAMLFile(m.userConfigPath(), cfg)
}

func (m *Manager) loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func env(name string) string {
	return os.Getenv(envPrefix + name)
}

func (m *Manager) applyEnvironment(cfg *Config) {
	if v := env("STORAGE_DIR"); v != "" {
		cfg.Storage.Dir = v
	}
	if v := env("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = strings.ToLower(v)
	}
	if v := env("STORAGE_FIXES_DB"); v != "" {
		cfg.Storage.FixesDB = v
	}
	if v := env("STORAGE_CACHE_ROWS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Storage.CacheRows = n
		}
	}
	if v := env("STORAGE_REBUILD_ON_CORRUPT"); v != "" {
		cfg.Storage.RebuildOnCorrupt = strings.ToLower(v) == "true"
	}
	if v := env("INDEX_MAX_DEPTH"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Index.MaxDepth = n
		}
	}
	if v := env("INDEX_SUBDIVIDE_THRESHOLD"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Index.SubdivideThreshold = n
		}
	}
	if v := env("BUILDER_BATCH_SIZE"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Builder.BatchSize = n
		}
	}
	if v := env("BUILDER_SOFT_COMMITS_PER_ROUND"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Builder.SoftCommitsPerRound = n
		}
	}
	if v := env("BUILDER_JITTER_RADIUS_METERS"); v != "" {
		if f, err := parseFloat(v); err == nil {
			cfg.Builder.JitterRadiusMeters = f
		}
	}
	if v := env("BUILDER_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Builder.PollInterval = d
		}
	}
	if v := env("VIEW_MIN_PIXELS_PER_CELL"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.View.MinPixelsPerCell = n
		}
	}
	if v := env("CRYPTO_PASSPHRASE"); v != "" {
		cfg.Crypto.Passphrase = v
	}
	if v := env("BACKUP_RETENTION"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Backup.Retention = n
		}
	}
	if v := env("BACKUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backup.Interval = d
		}
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func (m *Manager) Reload() error {
	return m.Load()
}

// Watch reloads the configuration whenever the user config file changes,
// until Close. Reload errors go to onError and keep the previous config.
func (m *Manager) Watch(onError func(error)) error {
	dir := filepath.Dir(m.userConfigPath())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(m.userConfigPath())
		for {
			select {
			case <-m.stopWatch:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				if err := m.Reload(); err != nil && onError != nil {
					onError(err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()
	return nil
}

func (m *Manager) Close() error {
	m.watchOnce.Do(func() {
		close(m.stopWatch)
	})
	return nil
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%f", &f)
	return f, err
}
