package engine

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/cache"
	"github.com/brandon/mailmirror/internal/logging"
	"github.com/brandon/mailmirror/pkg/types"
)

// Session is the interactive side of the engine: one user's folder and
// message selection plus the actions they trigger. Calls block only the
// caller.
type Session struct {
	e   *Engine
	log *logrus.Entry

	mu       sync.Mutex
	folder   string
	message  uint32
	selected uint64
}

func newSession(e *Engine) *Session {
	return &Session{e: e, log: logging.User(e.logger)}
}

// SelectFolder makes name the observed folder
func (s *Session) SelectFolder(name string) (*cache.Folder, error) {
	f := s.e.registry.Get(name)
	if f == nil {
		return nil, ErrNoSuchFolder
	}
	s.mu.Lock()
	if s.folder != name {
		s.folder = name
		s.message = 0
		s.selected++
	}
	s.mu.Unlock()
	return f, nil
}

// SelectedFolder returns the selected folder, or nil if it is gone
func (s *Session) SelectedFolder() *cache.Folder {
	s.mu.Lock()
	name := s.folder
	s.mu.Unlock()
	if name == "" {
		return nil
	}
	return s.e.registry.Get(name)
}

// SelectedMessage returns the id of the selected message, or 0
func (s *Session) SelectedMessage() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message
}

// SelectMessage selects the message at display position idx of the selected
// folder, loading its body first if needed. If the selection moves on while
// the body downloads, it returns ErrSelectionChanged.
func (s *Session) SelectMessage(ctx context.Context, idx int) (cache.Message, error) {
	f := s.SelectedFolder()
	if f == nil {
		return cache.Message{}, ErrNoSuchFolder
	}
	m, ok := f.Store().At(idx)
	if !ok {
		return cache.Message{}, ErrNoSuchMessage
	}
	return s.show(ctx, f, m)
}

// SelectMessageByID selects folder and then message id within it. It is how
// an external notification jumps to a message.
func (s *Session) SelectMessageByID(ctx context.Context, folder string, id uint32) (cache.Message, error) {
	f, err := s.SelectFolder(folder)
	if err != nil {
		return cache.Message{}, err
	}
	m, ok := f.Store().Get(id)
	if !ok {
		return cache.Message{}, ErrNoSuchMessage
	}
	return s.show(ctx, f, m)
}

func (s *Session) show(ctx context.Context, f *cache.Folder, m cache.Message) (cache.Message, error) {
	s.mu.Lock()
	s.message = m.ID
	s.selected++
	ticket := s.selected
	s.mu.Unlock()

	if m.Loaded {
		return m, nil
	}
	loaded, err := s.LoadBody(ctx, f.Name(), m.ID)
	if err != nil {
		return cache.Message{}, err
	}

	s.mu.Lock()
	current := s.selected
	s.mu.Unlock()
	if current != ticket {
		return loaded, ErrSelectionChanged
	}
	return loaded, nil
}

// LoadBody returns the message with its body, fetching it ahead of all
// background work when it is not cached yet.
func (s *Session) LoadBody(ctx context.Context, folder string, id uint32) (cache.Message, error) {
	f := s.e.registry.Get(folder)
	if f == nil {
		return cache.Message{}, ErrNoSuchFolder
	}
	m, ok := f.Store().Get(id)
	if !ok {
		return cache.Message{}, ErrNoSuchMessage
	}
	if m.Loaded {
		return m, nil
	}

	log := s.log.WithFields(logrus.Fields{"folder": folder, "id": id})
	log.Debug("Fetching message body")
	if err := s.e.submit(ctx, NewBodyFetch(folder, id)); err != nil {
		log.WithError(err).Warn("Body fetch failed")
		return cache.Message{}, err
	}

	// the folder may have been renamed or purged meanwhile
	if f = s.e.registry.Get(folder); f == nil {
		return cache.Message{}, ErrNoSuchFolder
	}
	if m, ok = f.Store().Get(id); !ok {
		return cache.Message{}, ErrNoSuchMessage
	}
	return m, nil
}

// MarkRead sets or clears the read flag locally and pushes it to the server
func (s *Session) MarkRead(folder string, id uint32, read bool) error {
	return s.setFlag(folder, id, types.FlagRead, read)
}

// MarkReplied sets or clears the replied flag locally and pushes it to the server
func (s *Session) MarkReplied(folder string, id uint32, replied bool) error {
	return s.setFlag(folder, id, types.FlagReplied, replied)
}

func (s *Session) setFlag(folder string, id uint32, flag types.Flag, value bool) error {
	if !s.e.Running() {
		return ErrNotRunning
	}
	f := s.e.registry.Get(folder)
	if f == nil {
		return ErrNoSuchFolder
	}
	if _, ok := f.Store().Get(id); !ok {
		return ErrNoSuchMessage
	}
	if !f.Store().SetFlag(id, flag, value) {
		return nil
	}
	s.log.WithFields(logrus.Fields{
		"folder": folder,
		"id":     id,
		"flag":   flag.String(),
		"value":  value,
	}).Info("Flag changed")
	s.e.queue.Enqueue(NewFlagPush(folder, id, flag, value), true)
	return nil
}

// RequestSync queues a folder list reconciliation
func (s *Session) RequestSync(force bool) error {
	if !s.e.Running() {
		return ErrNotRunning
	}
	s.log.WithField("force", force).Info("Sync requested")
	s.e.queue.Enqueue(NewFullFetch(force), true)
	return nil
}

func (s *Session) CreateFolder(ctx context.Context, name string) error {
	return s.folderAction(ctx, OpCreate, name, "")
}

func (s *Session) DeleteFolder(ctx context.Context, name string) error {
	if s.e.registry.Get(name) == nil {
		return ErrNoSuchFolder
	}
	return s.folderAction(ctx, OpDelete, name, "")
}

func (s *Session) RenameFolder(ctx context.Context, oldName, newName string) error {
	if s.e.registry.Get(oldName) == nil {
		return ErrNoSuchFolder
	}
	if err := s.folderAction(ctx, OpRename, oldName, newName); err != nil {
		return err
	}
	s.mu.Lock()
	if s.folder == oldName {
		s.folder = newName
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) folderAction(ctx context.Context, op, name, newName string) error {
	log := s.log.WithFields(logrus.Fields{"op": op, "folder": name})
	if newName != "" {
		log = log.WithField("new_name", newName)
	}
	if err := s.e.submit(ctx, NewFolderAction(op, name, newName)); err != nil {
		log.WithError(err).Warn("Folder action failed")
		return err
	}
	log.Info("Folder action done")
	return nil
}
