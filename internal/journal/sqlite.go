package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Journal records sync runs in a SQLite database next to the cache
type Journal struct {
	db     *sql.DB
	logger *logrus.Logger

	mu        sync.Mutex
	accountID int64
	now       func() time.Time
}

// Open opens (creating if needed) the journal database at dbPath
func Open(dbPath string, logger *logrus.Logger) (*Journal, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// the sync loop and CLI readers share one connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	j := &Journal{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("Journal initialized")
	return j, nil
}

func (j *Journal) initSchema() error {
	if _, err := j.db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SetClock replaces the time source used for run timestamps
func (j *Journal) SetClock(now func() time.Time) {
	j.mu.Lock()
	j.now = now
	j.mu.Unlock()
}

func (j *Journal) clock() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.now()
}

// Close closes the database connection
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}
