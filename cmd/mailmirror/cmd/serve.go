package cmd

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brandon/mailmirror/internal/cache"
	"github.com/brandon/mailmirror/internal/email"
	"github.com/brandon/mailmirror/internal/engine"
	"github.com/brandon/mailmirror/internal/journal"
	"github.com/brandon/mailmirror/internal/mcp"
	"github.com/brandon/mailmirror/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync loop and the MCP server over stdio",
	Long: `Connect to the configured IMAP account, keep the local cache in sync
and answer MCP tool calls on stdin/stdout until stdin closes or the process
is interrupted. Logs go to stderr or to log.file.

Add to an MCP client config:
  {
    "mcpServers": {
      "mailmirror": {
        "command": "mailmirror",
        "args": ["serve"]
      }
    }
  }`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.WithField("version", version).Info("Starting mailmirror")

	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	registry, err := openRegistry(cfg.Cache.DiscardCorrupt)
	if err != nil {
		return err
	}

	client := email.NewIMAPClient(cfg.Account, email.Options{
		IdleFolder:        cfg.Sync.IdleFolder,
		MaxIdle:           cfg.Sync.MaxIdle,
		ReconnectInterval: cfg.Sync.ReconnectInterval,
	}, logger)

	eng, err := engine.New(cfg, client, registry, j, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	eng.OnNewMessage(func(folder string, m cache.Message) {
		logger.WithFields(logrus.Fields{
			"folder":  folder,
			"id":      m.ID,
			"from":    m.From,
			"subject": m.Subject,
		}).Info("New message")
	})

	ctx := cmd.Context()
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	toolRegistry, err := tools.NewRegistry(eng, logger)
	if err != nil {
		eng.Shutdown()
		return fmt.Errorf("create tools: %w", err)
	}
	server := mcp.NewServer(toolRegistry, logger)

	// Run blocks in a read on stdin, so a signal is handled here
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
		runErr = ctx.Err()
	case runErr = <-errCh:
		if runErr != nil {
			logger.WithError(runErr).Error("Server error")
		}
	}

	logger.Info("Shutting down mailmirror")
	if err := eng.Shutdown(); err != nil {
		logger.WithError(err).Error("Failed to shut down cleanly")
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// openJournal opens the run journal and closes out runs a crash left open
func openJournal() (*journal.Journal, error) {
	j, err := journal.Open(cfg.JournalPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	acc := cfg.Account
	if _, err := j.UpsertAccount(acc.Name, acc.IMAPHost, acc.IMAPPort, acc.IMAPUsername); err != nil {
		j.Close()
		return nil, fmt.Errorf("record account: %w", err)
	}
	if n, err := j.AbandonRunning(); err != nil {
		logger.WithError(err).Warn("Failed to close out abandoned runs")
	} else if n > 0 {
		logger.WithField("runs", n).Warn("Marked interrupted sync runs as failed")
	}
	return j, nil
}

// openRegistry loads the folder cache. A folder whose files cannot be read
// is fatal unless discard is set, in which case it is emptied and refetched.
func openRegistry(discard bool) (*cache.Registry, error) {
	registry, err := cache.OpenRegistry(cfg.CacheDir(), logger)
	if registry == nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if err == nil {
		return registry, nil
	}
	failed := cache.FailedFolders(err)
	if !discard {
		return nil, fmt.Errorf("open cache (set cache.discard_corrupt to refetch damaged folders): %w", err)
	}
	for _, name := range failed {
		if derr := registry.Discard(name); derr != nil {
			return nil, fmt.Errorf("discard folder %s: %w", name, derr)
		}
		logger.WithField("folder", name).Warn("Discarded damaged folder cache")
	}
	return registry, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
