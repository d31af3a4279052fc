package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/brandon/mailmirror/internal/journal"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sync runs",
	Long:  `Show the most recent full and folder sync runs recorded in the journal.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := journal.Open(cfg.JournalPath(), logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()

		runs, err := j.Recent(historyLimit)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		if historyJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}
		if len(runs) == 0 {
			fmt.Println("No sync runs recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tKIND\tFOLDER\tSTATUS\tDURATION\tFOLDERS\tFETCHED\tREMOVED\tERROR")
		for _, r := range runs {
			folder, duration := r.Folder, "-"
			if folder == "" {
				folder = "-"
			}
			if r.Status != journal.StatusRunning {
				duration = r.Duration().Round(time.Millisecond).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
				humanize.Time(r.StartedAt), r.Kind, folder, r.Status, duration,
				r.Stats.Folders, humanize.Comma(int64(r.Stats.Fetched)), r.Stats.Removed, r.Error)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output as JSON")
}
