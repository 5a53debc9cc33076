package cmd

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/trackcache/core/fixstore"
)

const IngestDefaultBatchSize = 1000

var ingestBatchSize int

var ingestCmd = &cobra.Command{
	Use:   "ingest <csv>...",
	Short: "Store GPS fixes from CSV files",
	Long: `Store GPS fixes read from CSV files with the columns

  time,lat,lon[,alt]

time is RFC 3339 or Unix milliseconds. A header row is skipped. Fixes must
not go back in time. Use - to read standard input.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().IntVarP(&ingestBatchSize, "batch-size", "b", IngestDefaultBatchSize, "Fixes per transaction")
}

type ingestOutput struct {
	Files  int   `json:"files"`
	Fixes  int   `json:"fixes"`
	LastID int64 `json:"last_id"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	var out ingestOutput
	for _, path := range args {
		fixes, err := readFixFile(cmd, path)
		if err != nil {
			return err
		}
		for batch := range chunk(fixes, max(ingestBatchSize, 1)) {
			ids, err := e.Ingest(cmd.Context(), batch)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			out.Fixes += len(ids)
			out.LastID = ids[len(ids)-1]
		}
		out.Files++
	}

	if rootJSON {
		return outputJSON(cmd.OutOrStdout(), out)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s %d fixes from %d files, last id %d\n", color(w, colorGreen, "Stored"), out.Fixes, out.Files, out.LastID)
	return nil
}

func readFixFile(cmd *cobra.Command, path string) ([]fixstore.Fix, error) {
	if path == "-" {
		return parseFixCSV(cmd.InOrStdin())
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fixes, err := parseFixCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fixes, nil
}

// parseFixCSV reads time,lat,lon[,alt] rows. A first row whose latitude does
// not parse is taken as a header.
func parseFixCSV(r io.Reader) ([]fixstore.Fix, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var fixes []fixstore.Fix
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return fixes, nil
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 3 {
			return nil, fmt.Errorf("line %d: want at least 3 columns, got %d", line, len(rec))
		}
		f, err := parseFixRecord(rec)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		fixes = append(fixes, f)
	}
}

func parseFixRecord(rec []string) (fixstore.Fix, error) {
	var (
		f   fixstore.Fix
		err error
	)
	if f.Lat, err = strconv.ParseFloat(rec[1], 64); err != nil {
		return f, fmt.Errorf("latitude %q", rec[1])
	}
	if f.Lon, err = strconv.ParseFloat(rec[2], 64); err != nil {
		return f, fmt.Errorf("longitude %q", rec[2])
	}
	if len(rec) > 3 && strings.TrimSpace(rec[3]) != "" {
		if f.Alt, err = strconv.ParseFloat(rec[3], 64); err != nil {
			return f, fmt.Errorf("altitude %q", rec[3])
		}
	}
	if ms, err := strconv.ParseInt(rec[0], 10, 64); err == nil {
		f.TimeMs = ms
	} else {
		t, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return f, fmt.Errorf("time %q", rec[0])
		}
		f.TimeMs = t.UnixMilli()
	}
	return f, f.Validate()
}

// chunk yields consecutive slices of at most n fixes.
func chunk(fixes []fixstore.Fix, n int) func(yield func([]fixstore.Fix) bool) {
	return func(yield func([]fixstore.Fix) bool) {
		for len(fixes) > 0 {
			k := min(n, len(fixes))
			if !yield(fixes[:k]) {
				return
			}
			fixes = fixes[k:]
		}
	}
}
