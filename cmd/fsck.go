package cmd

import (
	"errors"
	"fmt"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/adalundhe/trackcache/core/engine"
)

var ErrUnhealthy = errors.New("index is unhealthy")

var fsckTables string

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Check the index tables",
	Long: `Check every index table and the fix database.

Each table is reported with its committed row count, record size, flags and
an xxhash digest of its committed rows. Digests of two copies of an index
match when their contents do. --tables limits the report to tables whose
name matches a glob pattern.`,
	Args: cobra.NoArgs,
	RunE: runFsck,
}

func init() {
	rootCmd.AddCommand(fsckCmd)
	fsckCmd.Flags().StringVarP(&fsckTables, "tables", "t", "*", "Glob pattern of table names")
}

type fsckTableOutput struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Rows       int32  `json:"rows"`
	RecordSize int    `json:"record_size"`
	Corrupt    bool   `json:"corrupt"`
	InTx       bool   `json:"in_transaction"`
	Digest     string `json:"digest,omitempty"`
	Error      string `json:"error,omitempty"`
}

type fsckOutput struct {
	Backend   string            `json:"backend"`
	Healthy   bool              `json:"healthy"`
	Fixes     int64             `json:"fixes"`
	FixesErr  string            `json:"fixes_error,omitempty"`
	FixSchema int               `json:"fix_schema"`
	RowSchema int               `json:"row_schema,omitempty"`
	Tables    []fsckTableOutput `json:"tables"`
}

func runFsck(cmd *cobra.Command, _ []string) error {
	g, err := glob.Compile(fsckTables)
	if err != nil {
		return fmt.Errorf("--tables %q: %w", fsckTables, err)
	}

	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	report, err := e.Fsck(cmd.Context(), g.Match)
	if err != nil {
		return err
	}
	out := fsckOutputOf(report)
	if rootJSON {
		if err := outputJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	} else {
		printFsck(cmd, out)
	}
	if !out.Healthy {
		return ErrUnhealthy
	}
	return nil
}

func fsckOutputOf(r engine.FsckReport) fsckOutput {
	out := fsckOutput{Backend: r.Backend, Healthy: r.Healthy(), Fixes: r.FixCount, FixSchema: r.FixSchema.Version}
	if r.FixesErr != nil {
		out.FixesErr = r.FixesErr.Error()
	}
	if r.RowSchema != nil {
		out.RowSchema = r.RowSchema.Version
	}
	for _, t := range r.Tables {
		to := fsckTableOutput{
			Name:       t.Name,
			Path:       t.Path,
			Rows:       t.NextRowID,
			RecordSize: t.RecordSize,
			Corrupt:    t.Corrupt,
			InTx:       t.InTx,
		}
		if t.Err != nil {
			to.Error = t.Err.Error()
		} else {
			to.Digest = fmt.Sprintf("%016x", t.Digest)
		}
		out.Tables = append(out.Tables, to)
	}
	return out
}

func printFsck(cmd *cobra.Command, out fsckOutput) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s (%s backend)\n", color(w, colorBold+colorCyan, "Index Check"), out.Backend)
	for _, t := range out.Tables {
		state := color(w, colorGreen, "ok")
		switch {
		case t.Error != "":
			state = color(w, colorRed, t.Error)
		case t.Corrupt:
			state = color(w, colorRed, "corrupt")
		case t.InTx:
			state = color(w, colorYellow, "transaction open")
		}
		fmt.Fprintf(w, "  %-10s %8d rows x %3d bytes  %16s  %s\n", t.Name, t.Rows, t.RecordSize, t.Digest, state)
	}
	if out.FixesErr != "" {
		fmt.Fprintf(w, "  %-10s %s\n", "fixes", color(w, colorRed, out.FixesErr))
	} else {
		fmt.Fprintf(w, "  %-10s %8d stored, schema v%d\n", "fixes", out.Fixes, out.FixSchema)
	}
	if out.Healthy {
		fmt.Fprintln(w, color(w, colorGreen, "Index is healthy."))
	} else {
		fmt.Fprintln(w, color(w, colorYellow, "Index has problems. Run 'trackcache rebuild' to recreate it."))
	}
}
