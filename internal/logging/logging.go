package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/brandon/mailmirror/internal/config"
)

// Sources tag entries from the background sync loop and from interactive calls
const (
	SourceSync = "sync"
	SourceUser = "user"
)

// New builds the process logger. Entries go to stderr, since stdout carries
// the MCP transport, unless cfg.File names a rotating log file.
func New(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetOutput(Output(cfg))

	if err != nil && cfg.Level != "" {
		logger.WithField("level", cfg.Level).Warn("Unknown log level, using info")
	}
	return logger
}

// Output returns the writer New logs to
func Output(cfg config.LogConfig) io.Writer {
	if cfg.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
}

// Sync returns the entry used by the sync loop
func Sync(logger *logrus.Logger) *logrus.Entry {
	return logger.WithField("source", SourceSync)
}

// User returns the entry used for interactive requests
func User(logger *logrus.Logger) *logrus.Entry {
	return logger.WithField("source", SourceUser)
}
