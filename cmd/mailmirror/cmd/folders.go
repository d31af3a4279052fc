package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/brandon/mailmirror/internal/cache"
)

var foldersJSON bool

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List cached folders",
	Long: `List the folders in the local cache, most important first, with their
unread and total counts. Reads the cache only; nothing is fetched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := loadCache()
		if err != nil {
			return err
		}

		folders := registry.Folders()
		if foldersJSON {
			return outputFoldersJSON(folders)
		}
		if len(folders) == 0 {
			fmt.Println("No folders cached. Run 'mailmirror serve' to sync.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tUNREAD\tTOTAL\tLAST CHANGED")
		for _, f := range folders {
			store := f.Store()
			changed := "-"
			if t := store.LastChanged(); !t.IsZero() {
				changed = humanize.Time(t)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				f.Name(),
				humanize.Comma(int64(store.Unread())),
				humanize.Comma(int64(store.DisplayCount())),
				changed,
			)
		}
		return w.Flush()
	},
}

func outputFoldersJSON(folders []*cache.Folder) error {
	output := make([]map[string]interface{}, len(folders))
	for i, f := range folders {
		store := f.Store()
		output[i] = map[string]interface{}{
			"name":     f.Name(),
			"weight":   f.Weight(),
			"validity": f.Validity(),
			"unread":   store.Unread(),
			"total":    store.DisplayCount(),
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

// loadCache opens the folder cache for reading. Folders that fail to load
// are reported and shown empty.
func loadCache() (*cache.Registry, error) {
	registry, err := cache.OpenRegistry(cfg.CacheDir(), logger)
	if registry == nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	for _, name := range cache.FailedFolders(err) {
		fmt.Fprintf(os.Stderr, "Warning: cache for %s could not be read\n", name)
	}
	return registry, nil
}

func init() {
	rootCmd.AddCommand(foldersCmd)
	foldersCmd.Flags().BoolVar(&foldersJSON, "json", false, "Output as JSON")
}
