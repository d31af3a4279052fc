package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/mailmirror/internal/cache"
	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/journal"
	"github.com/brandon/mailmirror/internal/logging"
	"github.com/brandon/mailmirror/pkg/types"
)

var (
	ErrShutdown         = errors.New("engine shut down")
	ErrNotRunning       = errors.New("engine not running")
	ErrSelectionChanged = errors.New("selection changed")
	ErrNoSuchFolder     = errors.New("no such folder")
	ErrNoSuchMessage    = errors.New("no such message")
)

// Remote is the protocol client the sync loop drives. Calls are never made
// concurrently.
type Remote interface {
	Subscribe(fn func(types.Event))
	ListFolders(ctx context.Context) ([]types.FolderInfo, error)
	FetchRange(ctx context.Context, folder string, start, end int, fields types.Fields) ([]types.Summary, error)
	FetchIDs(ctx context.Context, folder string, ids []uint32, fields types.Fields) ([]types.Summary, error)
	FetchBody(ctx context.Context, folder string, id uint32) ([]byte, error)
	StoreFlag(ctx context.Context, folder string, id uint32, flag types.Flag, value bool) error
	CreateFolder(ctx context.Context, name string) error
	DeleteFolder(ctx context.Context, name string) error
	RenameFolder(ctx context.Context, oldName, newName string) error
	Idle(ctx context.Context) error
	Close() error
}

// Journal records sync runs. *journal.Journal implements it.
type Journal interface {
	StartRun(kind, folder string) (string, error)
	CompleteRun(id string, stats journal.Stats) error
	FailRun(id string, err error) error
	LastCompleted(kind string) (time.Time, error)
}

// Engine mirrors the remote mailbox into the cache registry. It runs the sync
// loop, which owns the connection, and the save loop.
type Engine struct {
	cfg      config.SyncConfig
	remote   Remote
	registry *cache.Registry
	journal  Journal
	queue    *Queue
	backoff  Backoff
	saver    *Saver
	logger   *logrus.Logger
	log      *logrus.Entry
	now      func() time.Time

	tokens  *Tokens
	cancel  context.CancelFunc
	group   *errgroup.Group
	running atomic.Bool
	stop    sync.Once

	onNew func(folder string, m cache.Message)
}

// New builds an engine. journal may be nil.
func New(cfg *config.Config, remote Remote, registry *cache.Registry, j Journal, logger *logrus.Logger) (*Engine, error) {
	full, force, err := cfg.Schedules()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg.Sync,
		remote:   remote,
		registry: registry,
		journal:  j,
		queue:    NewQueue(full, force),
		backoff: Backoff{
			Attempts: cfg.Sync.RetryAttempts,
			Base:     cfg.Sync.RetryBase,
			Max:      cfg.Sync.RetryMax,
		},
		logger: logger,
		log:    logging.Sync(logger),
		now:    time.Now,
	}
	e.saver = NewSaver(registry, cfg.Cache.SaveInterval, cfg.Cache.Debounce, logger)
	return e, nil
}

// SetClock replaces the time source used for deadlines and retries
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.saver.now = now
}

// OnNewMessage registers fn to be called for unread messages that arrive in
// a folder that was already populated. Set it before Start.
func (e *Engine) OnNewMessage(fn func(folder string, m cache.Message)) {
	e.onNew = fn
}

// Start seeds the resync deadlines from the journal and launches the sync
// and save loops.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already started")
	}

	var lastFull, lastForce time.Time
	if e.journal != nil {
		var err error
		if lastFull, err = e.journal.LastCompleted(journal.KindFull); err != nil {
			e.log.WithError(err).Warn("Failed to read last full sync")
		}
		if lastForce, err = e.journal.LastCompleted(journal.KindForce); err != nil {
			e.log.WithError(err).Warn("Failed to read last forced sync")
		}
		// a forced run also counts as a full one
		if lastForce.After(lastFull) {
			lastFull = lastForce
		}
	}
	e.queue.Seed(e.now(), lastFull, lastForce)

	root, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.tokens = NewTokens(root)
	e.queue.SetWake(e.tokens.Interrupt)
	e.remote.Subscribe(e.handleEvent)

	g, gctx := errgroup.WithContext(root)
	e.group = g
	g.Go(func() error { return e.syncLoop(gctx) })
	g.Go(func() error { return e.saver.Run(gctx) })

	e.log.WithFields(logrus.Fields{
		"folders": e.registry.Len(),
	}).Info("Sync engine started")
	return nil
}

// Shutdown stops both loops, fails queued interactive tasks, flushes every
// folder and closes the connection.
func (e *Engine) Shutdown() error {
	var err error
	e.stop.Do(func() {
		if !e.running.Swap(false) {
			return
		}
		e.cancel()
		if werr := e.group.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			err = werr
		}
		for _, t := range e.queue.Close() {
			t.finish(ErrShutdown)
		}
		if ferr := e.saver.FlushAll(); ferr != nil {
			err = errors.Join(err, ferr)
		}
		if cerr := e.remote.Close(); cerr != nil {
			e.log.WithError(cerr).Warn("Failed to close connection")
		}
		e.log.Info("Sync engine stopped")
	})
	return err
}

func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) Registry() *cache.Registry {
	return e.registry
}

func (e *Engine) Queue() *Queue {
	return e.queue
}

// Session returns a new interactive session bound to the engine
func (e *Engine) Session() *Session {
	return newSession(e)
}

// submit queues an interactive task and waits for its result
func (e *Engine) submit(ctx context.Context, t *Task) error {
	if !e.Running() {
		return ErrNotRunning
	}
	e.queue.Enqueue(t, true)
	select {
	case err := <-t.Done():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
