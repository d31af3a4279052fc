package journal

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func openTestJournal(t *testing.T) (*Journal, *time.Time) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	j, err := Open(filepath.Join(t.TempDir(), "state", "journal.db"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	clock := time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC)
	j.SetClock(func() time.Time { return clock })
	return j, &clock
}

func TestRunLifecycle(t *testing.T) {
	j, clock := openTestJournal(t)
	if _, err := j.UpsertAccount("personal", "imap.example.com", 993, "me"); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	id, err := j.StartRun(KindFull, "")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	*clock = clock.Add(3 * time.Second)
	if err := j.CompleteRun(id, Stats{Folders: 4, Fetched: 120, Removed: 2}); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	if err := j.CompleteRun(id, Stats{}); err == nil {
		t.Error("completing a finished run should fail")
	}

	runs, err := j.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Recent returned %d runs, want 1", len(runs))
	}
	run := runs[0]
	if run.Status != StatusCompleted || run.Stats.Fetched != 120 || run.Stats.Removed != 2 {
		t.Errorf("run = %+v", run)
	}
	if run.Duration() != 3*time.Second {
		t.Errorf("Duration() = %v, want 3s", run.Duration())
	}
}

func TestFailRun(t *testing.T) {
	j, _ := openTestJournal(t)
	id, err := j.StartRun(KindFolder, "INBOX")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := j.FailRun(id, errors.New("connection reset")); err != nil {
		t.Fatalf("FailRun: %v", err)
	}
	runs, _ := j.Recent(1)
	if runs[0].Status != StatusFailed || runs[0].Error != "connection reset" || runs[0].Folder != "INBOX" {
		t.Errorf("run = %+v", runs[0])
	}
}

func TestLastCompleted(t *testing.T) {
	j, clock := openTestJournal(t)

	last, err := j.LastCompleted(KindForce)
	if err != nil {
		t.Fatalf("LastCompleted: %v", err)
	}
	if !last.IsZero() {
		t.Errorf("LastCompleted on empty journal = %v, want zero", last)
	}

	first := *clock
	id, _ := j.StartRun(KindForce, "")
	j.CompleteRun(id, Stats{})

	*clock = clock.Add(time.Hour)
	failed, _ := j.StartRun(KindForce, "")
	j.FailRun(failed, errors.New("boom"))

	*clock = clock.Add(time.Hour)
	other, _ := j.StartRun(KindFull, "")
	j.CompleteRun(other, Stats{})

	last, err = j.LastCompleted(KindForce)
	if err != nil {
		t.Fatalf("LastCompleted: %v", err)
	}
	if !last.Equal(first) {
		t.Errorf("LastCompleted(force) = %v, want %v", last, first)
	}
}

func TestAbandonRunning(t *testing.T) {
	j, _ := openTestJournal(t)
	j.StartRun(KindFull, "")
	j.StartRun(KindFolder, "Sent")

	n, err := j.AbandonRunning()
	if err != nil {
		t.Fatalf("AbandonRunning: %v", err)
	}
	if n != 2 {
		t.Errorf("AbandonRunning() = %d, want 2", n)
	}
	runs, _ := j.Recent(0)
	for _, r := range runs {
		if r.Status != StatusFailed || r.FinishedAt == nil {
			t.Errorf("run %s not abandoned: %+v", r.ID, r)
		}
	}
}
