package engine

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Queue is the ordered task list shared by the sync loop and everything that
// schedules work for it. It also owns the full and forced resync deadlines.
type Queue struct {
	mu    sync.Mutex
	tasks []*Task

	full, force         cron.Schedule
	nextFull, nextForce time.Time

	wake   func()
	closed bool
}

func NewQueue(full, force cron.Schedule) *Queue {
	return &Queue{full: full, force: force}
}

// Seed sets the resync deadlines from the last completed runs. A zero time
// makes that resync due immediately.
func (q *Queue) Seed(now, lastFull, lastForce time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextFull = now
	if !lastFull.IsZero() {
		q.nextFull = q.full.Next(lastFull)
	}
	q.nextForce = now
	if !lastForce.IsZero() {
		q.nextForce = q.force.Next(lastForce)
	}
}

// SetWake installs the hook called whenever new work is queued
func (q *Queue) SetWake(fn func()) {
	q.mu.Lock()
	q.wake = fn
	q.mu.Unlock()
}

func (q *Queue) signal() {
	q.mu.Lock()
	fn := q.wake
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Enqueue adds t at the tail, or at the head when priority is set. Once the
// queue is drained for shutdown t is refused and finished with ErrShutdown.
// It reports whether t was queued.
func (q *Queue) Enqueue(t *Task, priority bool) bool {
	q.mu.Lock()
	ok := q.push(t, priority)
	q.mu.Unlock()
	if !ok {
		t.finish(ErrShutdown)
		return false
	}
	q.signal()
	return true
}

// push adds t unless the queue is closed. Caller holds mu.
func (q *Queue) push(t *Task, priority bool) bool {
	if q.closed {
		return false
	}
	t.Priority = priority
	if priority {
		q.tasks = slices.Insert(q.tasks, 0, t)
	} else {
		q.tasks = append(q.tasks, t)
	}
	return true
}

// EnqueueOrMerge queues t unless a task it coalesces with is already queued.
// A FolderFetch merges into the queued one for the same folder by resetting
// its offset to the lower of the two, so no position is skipped; a pass that
// restarts at 0 reseeds its pending ids. A StatusFetch extends the queued id
// set. It reports whether t was merged.
func (q *Queue) EnqueueOrMerge(t *Task) bool {
	q.mu.Lock()
	existing := q.mergeTarget(t)
	queued := true
	if existing == nil {
		queued = q.push(t, t.Priority)
	} else {
		merge(existing, t)
	}
	q.mu.Unlock()
	if !queued {
		t.finish(ErrShutdown)
		return false
	}
	q.signal()
	return existing != nil
}

// mergeTarget returns the queued task t coalesces with, if any. Caller holds mu.
func (q *Queue) mergeTarget(t *Task) *Task {
	if t.Kind != FolderFetch && t.Kind != StatusFetch {
		return nil
	}
	return q.find(t.Kind, t.Folder)
}

// merge folds t into existing and returns the journal run of t that existing
// did not take over, if any
func merge(existing, t *Task) (superseded string) {
	switch t.Kind {
	case FolderFetch:
		existing.Offset = min(existing.Offset, t.Offset)
		switch {
		case existing.Offset == 0:
			existing.Pending = nil
		case existing.Pending == nil:
			existing.Pending = t.Pending
		}
		switch {
		case existing.runID == "":
			existing.runID, existing.fetched = t.runID, t.fetched
		case t.runID != existing.runID:
			superseded = t.runID
		}
	case StatusFetch:
		existing.IDs = mergeIDs(existing.IDs, t.IDs)
	}
	existing.attempts = max(existing.attempts, t.attempts)
	if t.notBefore.After(existing.notBefore) {
		existing.notBefore = t.notBefore
	}
	return superseded
}

func mergeIDs(a, b []uint32) []uint32 {
	out := make([]uint32, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	return slices.Compact(out)
}

func (q *Queue) find(kind Kind, folder string) *Task {
	for _, t := range q.tasks {
		if t.Kind == kind && t.Folder == folder {
			return t
		}
	}
	return nil
}

// EnqueueIfAbsent queues t unless a task of the same kind is already queued
// for its folder. It reports whether t was queued.
func (q *Queue) EnqueueIfAbsent(t *Task) bool {
	q.mu.Lock()
	if q.find(t.Kind, t.Folder) != nil {
		q.mu.Unlock()
		return false
	}
	ok := q.push(t, t.Priority)
	q.mu.Unlock()
	if !ok {
		t.finish(ErrShutdown)
		return false
	}
	q.signal()
	return true
}

// requeue puts a failed task back at the tail without waking the idle wait.
// A contents or status fetch queued for the same folder while t was running
// absorbs it instead, keeping the later retry time. It returns the journal
// run of t that was dropped by the merge, if any.
func (q *Queue) requeue(t *Task) (superseded string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if existing := q.mergeTarget(t); existing != nil {
		return merge(existing, t)
	}
	if !q.closed {
		q.tasks = append(q.tasks, t)
	}
	return ""
}

// Next returns the task to run now. When the head is not a priority task and
// a resync deadline has passed, a FullFetch is synthesized ahead of the queue.
// With nothing to run it returns nil and how long the caller may wait before
// something becomes due.
func (q *Queue) Next(now time.Time) (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	head := -1
	for i, t := range q.tasks {
		if !t.notBefore.After(now) {
			head = i
			break
		}
	}

	if head < 0 || !q.tasks[head].Priority {
		switch {
		case !now.Before(q.nextForce):
			q.nextForce = q.force.Next(now)
			q.nextFull = q.full.Next(now)
			return NewFullFetch(true), 0
		case !now.Before(q.nextFull):
			q.nextFull = q.full.Next(now)
			return NewFullFetch(false), 0
		}
	}

	if head >= 0 {
		t := q.tasks[head]
		q.tasks = slices.Delete(q.tasks, head, head+1)
		return t, 0
	}

	due := q.nextFull
	if q.nextForce.Before(due) {
		due = q.nextForce
	}
	for _, t := range q.tasks {
		if t.notBefore.Before(due) {
			due = t.notBefore
		}
	}
	return nil, due.Sub(now)
}

// PurgeFolder drops every queued task for folder except user folder actions.
// Waiters on dropped tasks receive reason. It returns how many were dropped.
func (q *Queue) PurgeFolder(folder string, reason error) int {
	q.mu.Lock()
	var dropped []*Task
	q.tasks = slices.DeleteFunc(q.tasks, func(t *Task) bool {
		if t.folderScoped() && t.Kind != FolderAction && t.Folder == folder {
			dropped = append(dropped, t)
			return true
		}
		return false
	})
	q.mu.Unlock()

	for _, t := range dropped {
		t.finish(reason)
	}
	return len(dropped)
}

// RenameFolder retargets queued tasks from oldName, and folders below it,
// to newName
func (q *Queue) RenameFolder(oldName, newName, delim string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if !t.folderScoped() {
			continue
		}
		switch {
		case t.Folder == oldName:
			t.Folder = newName
		case delim != "" && strings.HasPrefix(t.Folder, oldName+delim):
			t.Folder = newName + delim + strings.TrimPrefix(t.Folder, oldName+delim)
		}
	}
}

// HasFolderFetch reports whether a contents fetch is queued for folder
func (q *Queue) HasFolderFetch(folder string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.find(FolderFetch, folder) != nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Deadlines returns the next full and forced resync times
func (q *Queue) Deadlines() (full, force time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextFull, q.nextForce
}

// Drain empties the queue and returns what was in it
func (q *Queue) Drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// Close drains the queue for shutdown. Later pushes are refused and their
// waiters get ErrShutdown.
func (q *Queue) Close() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	q.closed = true
	return tasks
}
