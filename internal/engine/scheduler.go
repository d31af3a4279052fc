package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// syncLoop runs tasks one at a time and idles on the connection when there
// is nothing to do. It returns only on shutdown.
func (e *Engine) syncLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil || !e.Running() {
			return nil
		}
		task, wait := e.queue.Next(e.now())
		if task == nil {
			e.idle(wait)
			continue
		}
		e.dispatch(task)
		e.saver.Wake()
	}
}

// idle waits on the connection for server pushes. The wait ends after
// max_idle or wait, when new work is queued, or on shutdown.
func (e *Engine) idle(wait time.Duration) {
	if wait <= 0 {
		return
	}
	limit := e.cfg.MaxIdle
	if limit <= 0 || wait < limit {
		limit = wait
	}

	token := e.tokens.Acquire(true)
	ctx, cancel := context.WithTimeout(token, limit)
	err := e.remote.Idle(ctx)
	cancel()
	e.tokens.Release()

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// interrupted by new work, a timeout, or shutdown
	default:
		if !e.Running() {
			return
		}
		e.log.WithError(err).Warn("Idle failed")
		e.pause(min(limit, e.cfg.ReconnectInterval))
	}
}

// pause sleeps for d unless new work arrives or the engine stops
func (e *Engine) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	token := e.tokens.Acquire(true)
	timer := time.NewTimer(d)
	select {
	case <-timer.C:
	case <-token.Done():
	}
	timer.Stop()
	e.tokens.Release()
}

// io runs one remote call under a fresh token
func (e *Engine) io(fn func(ctx context.Context) error) error {
	ctx := e.tokens.Acquire(false)
	defer e.tokens.Release()
	return fn(ctx)
}

func (e *Engine) dispatch(t *Task) {
	log := e.log.WithFields(logrus.Fields{
		"task_id": t.ID,
		"kind":    t.Kind.String(),
	})
	if t.Folder != "" {
		log = log.WithField("folder", t.Folder)
	}
	log.Debug("Running task")

	started := e.now()
	err := e.run(t)
	if err == nil {
		t.finish(nil)
		log.WithField("elapsed", e.now().Sub(started)).Debug("Task done")
		return
	}

	if !e.Running() {
		t.finish(ErrShutdown)
		return
	}
	if errors.Is(err, ErrNoSuchFolder) || errors.Is(err, ErrNoSuchMessage) {
		log.WithError(err).Info("Dropping task")
		e.failRun(t.runID, err)
		t.finish(err)
		return
	}
	if e.backoff.Retry(t, e.now()) {
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":    t.attempts,
			"not_before": t.notBefore,
		}).Warn("Task failed, will retry")
		if run := e.queue.requeue(t); run != "" {
			e.failRun(run, fmt.Errorf("superseded by a queued fetch: %w", err))
		}
		return
	}
	log.WithError(err).Error("Task failed")
	e.failed(t, err)
	t.finish(err)
}

func (e *Engine) run(t *Task) error {
	switch t.Kind {
	case FullFetch:
		return e.fullFetch(t)
	case AddedFolderFetch:
		return e.addedFolderFetch(t)
	case FolderPurge:
		return e.folderPurge(t)
	case FolderFetch:
		return e.folderFetch(t)
	case StatusFetch:
		return e.statusFetch(t)
	case BodyFetch:
		return e.bodyFetch(t)
	case FlagPush:
		return e.flagPush(t)
	case FolderAction:
		return e.folderAction(t)
	}
	return nil
}
