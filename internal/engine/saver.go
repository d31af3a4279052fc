package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/cache"
)

// Saver is the save loop. It writes a folder once no mutation has touched it
// for the debounce window, so bursts of changes become one write.
type Saver struct {
	registry *cache.Registry
	interval time.Duration
	debounce time.Duration
	wake     chan struct{}
	logger   *logrus.Logger
	now      func() time.Time
}

func NewSaver(registry *cache.Registry, interval, debounce time.Duration, logger *logrus.Logger) *Saver {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Saver{
		registry: registry,
		interval: interval,
		debounce: debounce,
		wake:     make(chan struct{}, 1),
		logger:   logger,
		now:      time.Now,
	}
}

// Wake makes the loop re-check dirty folders now
func (s *Saver) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run loops until ctx is done
func (s *Saver) Run(ctx context.Context) error {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	for {
		sleep := s.interval
		if due := s.Flush(); !due.IsZero() {
			sleep = min(sleep, max(due.Sub(s.now()), 0))
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// Flush writes every folder that has been quiet for the debounce window and
// returns the earliest time another folder becomes due, or zero if none is
// dirty. The folders file is rewritten when folder metadata changed.
func (s *Saver) Flush() time.Time {
	now := s.now()
	var next time.Time
	for _, f := range s.registry.Folders() {
		store := f.Store()
		if !store.Dirty() {
			continue
		}
		due := store.LastChanged().Add(s.debounce)
		if now.Before(due) {
			if next.IsZero() || due.Before(next) {
				next = due
			}
			continue
		}
		if _, err := store.Flush(false); err != nil {
			s.logger.WithError(err).WithField("folder", f.Name()).Error("Failed to save folder")
		}
	}
	if err := s.registry.Save(false); err != nil {
		s.logger.WithError(err).Error("Failed to save folder list")
	}
	return next
}

// FlushAll writes every folder and the folder list unconditionally
func (s *Saver) FlushAll() error {
	var errs []error
	for _, f := range s.registry.Folders() {
		if _, err := f.Store().Flush(true); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.registry.Save(true); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
