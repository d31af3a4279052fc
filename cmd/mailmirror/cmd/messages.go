package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	messagesLimit  int
	messagesOffset int
)

var messagesCmd = &cobra.Command{
	Use:   "messages <folder>",
	Short: "List cached messages in a folder",
	Long: `List the cached message summaries of a folder, newest first.
Deleted messages are hidden. Reads the cache only.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := loadCache()
		if err != nil {
			return err
		}
		f := registry.Get(args[0])
		if f == nil {
			return fmt.Errorf("folder not found: %s", args[0])
		}

		msgs := f.Store().Display()
		start := min(max(messagesOffset, 0), len(msgs))
		end := len(msgs)
		if messagesLimit > 0 {
			end = min(start+messagesLimit, end)
		}
		if start == end {
			fmt.Println("No messages.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tID\tDATE\tFROM\tSUBJECT\t")
		for i, m := range msgs[start:end] {
			mark := " "
			switch {
			case !m.Read:
				mark = "*"
			case m.Replied:
				mark = "R"
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s %s\t\n",
				start+i, m.ID, humanize.Time(m.Timestamp), truncate(m.From, 30), mark, truncate(m.Subject, 60))
		}
		w.Flush()
		fmt.Printf("\n%s of %s messages\n", humanize.Comma(int64(end-start)), humanize.Comma(int64(len(msgs))))
		return nil
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	rootCmd.AddCommand(messagesCmd)
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 50, "Maximum messages to show (0 for all)")
	messagesCmd.Flags().IntVar(&messagesOffset, "offset", 0, "Skip this many messages")
}
