// Package cmd provides the trackcache command line.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/adalundhe/trackcache/core/config"
	"github.com/adalundhe/trackcache/core/engine"
	"github.com/adalundhe/trackcache/core/storage"
)

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

var (
	rootDataDir  string
	rootBackend  string
	rootLogLevel string
	rootJSON     bool
)

var (
	cfgManager *config.Manager
	logLevel   = new(slog.LevelVar)
	logger     = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "trackcache",
	Short: "Location history index",
	Long: `trackcache stores GPS fixes and keeps a spatial-temporal index of them
that answers region, path and density queries.

Examples:
  trackcache ingest track.csv          # Store fixes from a CSV file
  trackcache build                     # Index every stored fix
  trackcache build --follow            # Keep indexing as fixes arrive
  trackcache query cells --bbox 13.3,52.4,13.5,52.6
  trackcache fsck --tables 'panel*'    # Check index tables`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDataDir, "data-dir", "", "Keep all files under this directory")
	rootCmd.PersistentFlags().StringVar(&rootBackend, "backend", "", "Index backend: files or sqlite")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&rootJSON, "json", false, "Output as JSON")
}

// Execute runs the command line until it finishes or is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// setup loads the configuration, applies the global flags and installs the
// logger.
func setup(cmd *cobra.Command, _ []string) error {
	dirs, err := storage.ResolveDirs()
	if err != nil {
		return err
	}
	m := config.NewManager(dirs)
	if err := m.Load(); err != nil {
		return err
	}
	if err := m.Override(&config.Config{
		Storage: config.StorageConfig{Dir: rootDataDir, Backend: strings.ToLower(rootBackend)},
		Log:     config.LogConfig{Level: rootLogLevel},
	}); err != nil {
		return err
	}

	cfg := m.Get()
	if err := applyLevel(cfg); err != nil {
		return err
	}
	m.OnChange(func(cfg *config.Config) {
		if err := applyLevel(cfg); err != nil {
			logger.Warn("ignoring log level", slog.String("error", err.Error()))
		}
	})

	logger = newLogger(cmd.ErrOrStderr(), cfg.Log.Format)
	slog.SetDefault(logger)
	cfgManager = m
	return nil
}

func applyLevel(cfg *config.Config) error {
	l, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logLevel.Set(l)
	return nil
}

// newLogger writes text to a terminal and JSON elsewhere, unless format
// names one of them.
func newLogger(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts))
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	if isTerminal(w) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// openEngine opens the engine selected by the loaded configuration.
func openEngine(cmd *cobra.Command) (*engine.Engine, error) {
	return engine.Open(cmd.Context(), cfgManager.Get(), cfgManager.Dirs(), engine.Options{Logger: logger})
}

// color wraps s in an ANSI code when w is a terminal.
func color(w io.Writer, code, s string) string {
	if !isTerminal(w) {
		return s
	}
	return code + s + colorReset
}

func outputJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
