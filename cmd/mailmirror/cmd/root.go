package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/logging"
)

var (
	version = "dev"

	cfgFile string
	cfg     *config.Config
	logger  *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mailmirror",
	Short: "Local mirror of an IMAP mailbox",
	Long: `mailmirror keeps a local copy of an IMAP account's folders and message
summaries, fetches bodies on demand and pushes flag changes back.

The serve command runs the sync loop and exposes the mirror as MCP tools
over stdio. The other commands read the local cache without connecting.`,
	Version:       version,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger = logging.New(cfg.Log)
		return nil
	},
}

// ExecuteContext runs the root command with the given context,
// so a signal cancels whatever subcommand is running.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default "+config.DefaultConfigPath()+")")
}
