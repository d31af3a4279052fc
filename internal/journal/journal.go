package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Run kinds
const (
	KindFull   = "full"
	KindForce  = "force"
	KindFolder = "folder"
)

// Run statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Stats summarizes what a run did to the cache
type Stats struct {
	Folders int `json:"folders"`
	Fetched int `json:"fetched"`
	Removed int `json:"removed"`
}

// Run is one row of the sync_runs table
type Run struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Folder     string     `json:"folder,omitempty"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Stats      Stats      `json:"stats"`
	Error      string     `json:"error,omitempty"`
}

// Duration is the run's wall time, or zero while it is still running
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// UpsertAccount records the account runs are attributed to
func (j *Journal) UpsertAccount(name, host string, port int, username string) (int64, error) {
	query := `
		INSERT INTO accounts (name, imap_host, imap_port, imap_username, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			imap_username = excluded.imap_username,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := j.db.Exec(query, name, host, port, username); err != nil {
		return 0, fmt.Errorf("failed to upsert account: %w", err)
	}

	// LastInsertId is unreliable on the conflict path
	var id int64
	if err := j.db.QueryRow("SELECT id FROM accounts WHERE name = ?", name).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get account ID: %w", err)
	}

	j.mu.Lock()
	j.accountID = id
	j.mu.Unlock()
	return id, nil
}

func (j *Journal) account() sql.NullInt64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return sql.NullInt64{Int64: j.accountID, Valid: j.accountID != 0}
}

// StartRun inserts a running row and returns its id
func (j *Journal) StartRun(kind, folder string) (string, error) {
	id := uuid.NewString()
	_, err := j.db.Exec(
		`INSERT INTO sync_runs (id, account_id, kind, folder, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, j.account(), kind, folder, StatusRunning, j.clock().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	j.logger.WithFields(logrus.Fields{
		"run_id": id,
		"kind":   kind,
		"folder": folder,
	}).Debug("Sync run started")
	return id, nil
}

// CompleteRun marks a run completed with its stats
func (j *Journal) CompleteRun(id string, stats Stats) error {
	return j.finish(id, StatusCompleted, stats, "")
}

// FailRun marks a run failed
func (j *Journal) FailRun(id string, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return j.finish(id, StatusFailed, Stats{}, msg)
}

func (j *Journal) finish(id, status string, stats Stats, msg string) error {
	res, err := j.db.Exec(
		`UPDATE sync_runs
		 SET status = ?, finished_at = ?, folders = ?, fetched = ?, removed = ?, error = ?
		 WHERE id = ? AND status = ?`,
		status, j.clock().UnixMilli(), stats.Folders, stats.Fetched, stats.Removed, msg, id, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run not found or already finished: %s", id)
	}
	return nil
}

// LastCompleted returns the start time of the most recent completed run of
// kind. The zero time means there has been none.
func (j *Journal) LastCompleted(kind string) (time.Time, error) {
	var started sql.NullInt64
	err := j.db.QueryRow(
		`SELECT MAX(started_at) FROM sync_runs WHERE kind = ? AND status = ?`,
		kind, StatusCompleted,
	).Scan(&started)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last run: %w", err)
	}
	if !started.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(started.Int64), nil
}

// Recent lists the newest runs first
func (j *Journal) Recent(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.Query(`
		SELECT id, kind, folder, status, started_at, finished_at, folders, fetched, removed, error
		FROM sync_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var started int64
		var finished sql.NullInt64
		err := rows.Scan(
			&run.ID,
			&run.Kind,
			&run.Folder,
			&run.Status,
			&started,
			&finished,
			&run.Stats.Folders,
			&run.Stats.Fetched,
			&run.Stats.Removed,
			&run.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			t := time.UnixMilli(finished.Int64)
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}
	return runs, nil
}

// AbandonRunning marks runs left running by a previous process as failed
func (j *Journal) AbandonRunning() (int64, error) {
	res, err := j.db.Exec(
		`UPDATE sync_runs SET status = ?, finished_at = ?, error = ? WHERE status = ?`,
		StatusFailed, j.clock().UnixMilli(), "interrupted", StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to abandon runs: %w", err)
	}
	return res.RowsAffected()
}
