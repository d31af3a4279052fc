package engine

import (
	"time"
)

// Backoff is the bounded retry policy for tasks that fail with an I/O error.
// A failed task goes back to the tail of the queue and is not eligible again
// until its delay has passed, so one failing task never holds up the rest.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Delay is the wait before retry number attempt (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	return min(d, b.Max)
}

// Retry reports whether t gets another attempt and, if so, schedules it.
// Interactive tasks fail fast: their caller is waiting on the result.
func (b Backoff) Retry(t *Task, now time.Time) bool {
	if t.done != nil || t.attempts >= b.Attempts {
		return false
	}
	t.attempts++
	t.notBefore = now.Add(b.Delay(t.attempts))
	return true
}
