package engine

import (
	"context"
	"sync"
)

// Tokens hands out the single-shot cancellation token shared by the idle
// wait and in-flight I/O. A token is replaced after every use, under the same
// lock Interrupt takes, so a late interrupt never cancels the next operation.
type Tokens struct {
	mu      sync.Mutex
	root    context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	idle    bool
	pending bool
}

func NewTokens(root context.Context) *Tokens {
	t := &Tokens{root: root}
	t.ctx, t.cancel = context.WithCancel(root)
	return t
}

// Acquire returns the current token. With idle set, the token may be
// interrupted by new work; an interrupt that arrived while the loop was busy
// cancels it right away.
func (t *Tokens) Acquire(idle bool) context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.idle = idle
	if idle && t.pending {
		t.pending = false
		t.cancel()
	}
	return t.ctx
}

// Release retires the current token and mints a fresh one
func (t *Tokens) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel()
	t.idle = false
	t.ctx, t.cancel = context.WithCancel(t.root)
}

// Interrupt cancels the token if the loop is idle. Otherwise it is
// remembered for the next idle wait.
func (t *Tokens) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idle {
		t.cancel()
		return
	}
	t.pending = true
}
