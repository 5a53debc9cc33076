package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/trackcache/core/engine"
)

var (
	buildFollow   bool
	buildDebounce time.Duration
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Index stored fixes",
	Long: `Index every stored fix that is not indexed yet.

With --follow the command keeps running and indexes new fixes as they are
stored, until interrupted. The configuration file is watched and log level
changes take effect immediately.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the index from scratch",
	Long: `Delete the index tables and index every stored fix again. Stored fixes
are kept.`,
	Args: cobra.NoArgs,
	RunE: runRebuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(rebuildCmd)

	buildCmd.Flags().BoolVarP(&buildFollow, "follow", "f", false, "Keep indexing new fixes")
	buildCmd.Flags().DurationVar(&buildDebounce, "debounce", 200*time.Millisecond, "Quiet time after a write before indexing")
}

func runBuild(cmd *cobra.Command, _ []string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	if buildFollow {
		if err := cfgManager.Watch(func(err error) {
			logger.Warn("config reload failed", slog.String("error", err.Error()))
		}); err != nil {
			logger.Warn("config watch unavailable", slog.String("error", err.Error()))
		}
		defer cfgManager.Close()
		logger.Info("following fix store", slog.String("path", e.Fixes().Path()))
		return e.Follow(cmd.Context(), buildDebounce)
	}

	started := time.Now()
	stats, err := e.Build(cmd.Context())
	if err != nil {
		return err
	}
	return printBuildStats(cmd, stats, time.Since(started))
}

func runRebuild(cmd *cobra.Command, _ []string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	started := time.Now()
	stats, err := e.Rebuild(cmd.Context())
	if err != nil {
		return err
	}
	return printBuildStats(cmd, stats, time.Since(started))
}

type buildOutput struct {
	Rounds        int           `json:"rounds"`
	FixesRead     int           `json:"fixes_read"`
	PointsIndexed int           `json:"points_indexed"`
	LastFixID     int64         `json:"last_fix_id"`
	Rebuilt       bool          `json:"rebuilt,omitempty"`
	Duration      time.Duration `json:"duration"`
}

func printBuildStats(cmd *cobra.Command, stats engine.BuildStats, d time.Duration) error {
	out := buildOutput{
		Rounds:        stats.Rounds,
		FixesRead:     stats.FixesRead,
		PointsIndexed: stats.PointsIndexed,
		LastFixID:     stats.LastFixID,
		Rebuilt:       stats.Rebuilt,
		Duration:      d,
	}
	if rootJSON {
		return outputJSON(cmd.OutOrStdout(), out)
	}

	w := cmd.OutOrStdout()
	if stats.Rebuilt {
		fmt.Fprintln(w, color(w, colorYellow, "Index was corrupt and has been rebuilt."))
	}
	fmt.Fprintf(w, "%s\n", color(w, colorBold+colorCyan, "Index Build"))
	fmt.Fprintf(w, "%s      %d\n", color(w, colorGray, "Rounds:"), out.Rounds)
	fmt.Fprintf(w, "%s  %d\n", color(w, colorGray, "Fixes read:"), out.FixesRead)
	fmt.Fprintf(w, "%s     %d\n", color(w, colorGray, "Indexed:"), out.PointsIndexed)
	fmt.Fprintf(w, "%s    %d\n", color(w, colorGray, "Last fix:"), out.LastFixID)
	fmt.Fprintf(w, "%s        %s\n", color(w, colorGray, "Took:"), d.Round(time.Millisecond))
	return nil
}
