package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the fix database",
	Long: `Write a consistent copy of the fix database to the backup directory.
Older copies beyond backup.retention are removed. The index is not backed
up; it can be rebuilt from the fixes.`,
	Args: cobra.NoArgs,
	RunE: runBackup,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List fix database backups",
	Args:  cobra.NoArgs,
	RunE:  runBackupList,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupListCmd)
}

type backupOutput struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

func runBackup(cmd *cobra.Command, _ []string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	info, err := e.Backups().Backup(cmd.Context())
	if err != nil {
		return err
	}
	if rootJSON {
		return outputJSON(cmd.OutOrStdout(), backupOutput(info))
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s %s (%d bytes)\n", color(w, colorGreen, "Backed up to"), info.Path, info.Size)
	return nil
}

func runBackupList(cmd *cobra.Command, _ []string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	backups, err := e.Backups().List()
	if err != nil {
		return err
	}
	if rootJSON {
		out := make([]backupOutput, len(backups))
		for i, b := range backups {
			out[i] = backupOutput(b)
		}
		return outputJSON(cmd.OutOrStdout(), out)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s %s\n", color(w, colorBold+colorCyan, "Backups in"), e.Backups().Dir())
	for _, b := range backups {
		fmt.Fprintf(w, "  %s  %10d  %s\n", b.CreatedAt.Format(time.RFC3339), b.Size, b.Name)
	}
	return nil
}
