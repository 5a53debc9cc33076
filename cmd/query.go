package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adalundhe/trackcache/core/query"
	"github.com/adalundhe/trackcache/core/spatial"
	"github.com/adalundhe/trackcache/core/view"
)

const (
	QueryDefaultWidth     = 1024
	QueryDefaultMinVisits = 3
	QueryDefaultStep      = 64
)

var (
	queryBBox      string
	queryFrom      string
	queryTo        string
	queryWidth     int
	queryHeight    int
	queryDepth     int
	queryLimit     int
	queryMinVisits int
	queryWindows   []string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the index",
	Long: `Query the index.

Subcommands:
  cells   - Visited cells in a box, sized for a viewport
  path    - Chronological visits inside a box
  zoom    - Box that frames the dense part of one or more windows
  exists  - Whether any fix was recorded in a box
  view    - Converged view of a box with its connecting lines

Boxes are --bbox minLon,minLat,maxLon,maxLat. Times are RFC 3339 or Unix
seconds.`,
}

var queryCellsCmd = &cobra.Command{
	Use:   "cells",
	Short: "List visited cells",
	Args:  cobra.NoArgs,
	RunE:  runQueryCells,
}

var queryPathCmd = &cobra.Command{
	Use:   "path",
	Short: "List visits in time order",
	Args:  cobra.NoArgs,
	RunE:  runQueryPath,
}

var queryZoomCmd = &cobra.Command{
	Use:   "zoom",
	Short: "Find the box to show time windows in",
	Args:  cobra.NoArgs,
	RunE:  runQueryZoom,
}

var queryExistsCmd = &cobra.Command{
	Use:   "exists",
	Short: "Check for a recorded fix",
	Args:  cobra.NoArgs,
	RunE:  runQueryExists,
}

var queryViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show the converged view of a box",
	Args:  cobra.NoArgs,
	RunE:  runQueryView,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.AddCommand(queryCellsCmd, queryPathCmd, queryZoomCmd, queryExistsCmd, queryViewCmd)

	queryCmd.PersistentFlags().StringVar(&queryBBox, "bbox", "", "Box as minLon,minLat,maxLon,maxLat (default whole world)")
	queryCmd.PersistentFlags().StringVar(&queryFrom, "from", "", "Window start")
	queryCmd.PersistentFlags().StringVar(&queryTo, "to", "", "Window end, exclusive")

	queryCellsCmd.Flags().IntVar(&queryWidth, "width", QueryDefaultWidth, "Viewport width in pixels")
	queryCellsCmd.Flags().IntVar(&queryHeight, "height", 0, "Viewport height in pixels")

	queryPathCmd.Flags().IntVar(&queryDepth, "depth", 12, "Cell depth the box is aligned to")
	queryPathCmd.Flags().IntVar(&queryLimit, "limit", 100, "Maximum visits, 0 for all")

	queryZoomCmd.Flags().IntVar(&queryDepth, "depth", 12, "Cell depth density is measured at")
	queryZoomCmd.Flags().IntVar(&queryMinVisits, "min-visits", QueryDefaultMinVisits, "Visits a cell needs to count")
	queryZoomCmd.Flags().StringSliceVar(&queryWindows, "window", nil, "Additional start/end window, repeatable")

	queryViewCmd.Flags().IntVar(&queryDepth, "depth", 12, "Minimum cell depth shown")
}

func runQueryCells(cmd *cobra.Command, _ []string) error {
	rect, start, end, err := queryArea()
	if err != nil {
		return err
	}
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	cells, depth, err := e.Surface().Cells(cmd.Context(), query.CellsRequest{
		Rect: rect, Start: start, End: end, WidthPx: queryWidth, HeightPx: queryHeight,
	})
	if err != nil {
		return err
	}
	if rootJSON {
		return outputJSON(cmd.OutOrStdout(), map[string]any{"depth": depth, "cells": cells})
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s %d cells at depth %d\n", color(w, colorBold+colorCyan, "Cells"), len(cells), depth)
	for _, c := range cells {
		lon, lat := center(c.Rect)
		fmt.Fprintf(w, "  %8d  %10.5f,%9.5f  %s .. %s\n", c.PanelID, lon, lat, formatTime(c.Overlap.Start), formatTime(c.Overlap.End))
	}
	return nil
}

func runQueryPath(cmd *cobra.Command, _ []string) error {
	rect, start, end, err := queryArea()
	if err != nil {
		return err
	}
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	depth := min(queryDepth, e.Index().MaxDepth())
	visits, err := e.Surface().Path(cmd.Context(), rect.Align(depth), depth, start, end, queryLimit)
	if err != nil {
		return err
	}
	if rootJSON {
		return outputJSON(cmd.OutOrStdout(), visits)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s %d visits\n", color(w, colorBold+colorCyan, "Path"), len(visits))
	for _, v := range visits {
		lon, lat := center(v.Rect)
		fmt.Fprintf(w, "  %s .. %s  %10.5f,%9.5f  cell %d\n", formatTime(v.Visit.Min), formatTime(v.Visit.Max), lon, lat, v.PanelID)
	}
	return nil
}

// zoomFilters combines --from/--to with every --window start/end pair.
func zoomFilters() ([]query.TimeFilter, error) {
	start, end, err := parseWindow(queryFrom, queryTo)
	if err != nil {
		return nil, err
	}
	filters := []query.TimeFilter{{Start: start, End: end}}
	for _, win := range queryWindows {
		from, to, ok := strings.Cut(win, "/")
		if !ok {
			return nil, fmt.Errorf("window %q: want start/end", win)
		}
		s, e, err := parseWindow(from, to)
		if err != nil {
			return nil, err
		}
		filters = append(filters, query.TimeFilter{Start: s, End: e})
	}
	if len(queryWindows) > 0 && queryFrom == "" && queryTo == "" {
		filters = filters[1:]
	}
	return filters, nil
}

func runQueryZoom(cmd *cobra.Command, _ []string) error {
	filters, err := zoomFilters()
	if err != nil {
		return err
	}
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	box, ok, err := e.Surface().AutoZoom(cmd.Context(), query.ZoomRequest{
		Filters: filters, Depth: queryDepth, MinVisits: queryMinVisits,
	})
	if err != nil {
		return err
	}
	if rootJSON {
		return outputJSON(cmd.OutOrStdout(), map[string]any{"found": ok, "rect": box, "bbox": bboxOf(box)})
	}

	w := cmd.OutOrStdout()
	if !ok {
		fmt.Fprintln(w, color(w, colorYellow, "No fixes in the selected windows."))
		return nil
	}
	b := bboxOf(box)
	fmt.Fprintf(w, "%s --bbox %.6f,%.6f,%.6f,%.6f\n", color(w, colorBold+colorCyan, "Zoom"), b[0], b[1], b[2], b[3])
	return nil
}

// bboxOf converts a world rectangle to minLon,minLat,maxLon,maxLat.
func bboxOf(r spatial.Rect) [4]float64 {
	minLon, maxLat := spatial.Unproject(float64(r.X1), float64(r.Y1))
	maxLon, minLat := spatial.Unproject(float64(r.X2), float64(r.Y2))
	return [4]float64{minLon, minLat, maxLon, maxLat}
}

func runQueryExists(cmd *cobra.Command, _ []string) error {
	rect, start, end, err := queryArea()
	if err != nil {
		return err
	}
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	found, err := e.Surface().HasPoint(cmd.Context(), rect, start, end)
	if err != nil {
		return err
	}
	if rootJSON {
		return outputJSON(cmd.OutOrStdout(), map[string]bool{"found": found})
	}
	w := cmd.OutOrStdout()
	if found {
		fmt.Fprintln(w, color(w, colorGreen, "found"))
	} else {
		fmt.Fprintln(w, color(w, colorRed, "not found"))
	}
	return nil
}

func runQueryView(cmd *cobra.Command, _ []string) error {
	rect, start, end, err := queryArea()
	if err != nil {
		return err
	}
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	depth := min(queryDepth, e.Index().MaxDepth())
	s := e.Surface()
	sess := s.OpenSession(view.NewStBox(rect, start, end, depth))
	defer s.CloseSession(sess.ID())
	if err := sess.Converge(cmd.Context(), QueryDefaultStep); err != nil {
		return err
	}
	snap, err := sess.Snapshot(cmd.Context())
	if err != nil {
		return err
	}
	if rootJSON {
		return outputJSON(cmd.OutOrStdout(), map[string]any{"cells": snap.Cells, "lines": snap.Lines})
	}
	return printSnapshot(cmd.OutOrStdout(), snap)
}

func printSnapshot(w io.Writer, snap query.Snapshot) error {
	fmt.Fprintf(w, "%s %s\n", color(w, colorBold+colorCyan, "View"), snap.Box)
	fmt.Fprintf(w, "%s %d\n", color(w, colorGray, "Cells:"), len(snap.Cells))
	for _, c := range snap.Cells {
		lon, lat := center(c.Rect)
		fmt.Fprintf(w, "  %8d  depth %2d  %10.5f,%9.5f\n", c.PanelID, c.Depth, lon, lat)
	}
	fmt.Fprintf(w, "%s %d\n", color(w, colorGray, "Lines:"), len(snap.Lines))
	for _, l := range snap.Lines {
		fmt.Fprintf(w, "  %8d -> %-8d  %s .. %s\n", l.StartAP, l.EndAP, formatTime(l.StartTime), formatTime(l.EndTime))
	}
	return nil
}

func queryArea() (spatial.Rect, int64, int64, error) {
	rect, err := parseBBox(queryBBox)
	if err != nil {
		return spatial.Rect{}, 0, 0, err
	}
	start, end, err := parseWindow(queryFrom, queryTo)
	if err != nil {
		return spatial.Rect{}, 0, 0, err
	}
	return rect, start, end, nil
}
