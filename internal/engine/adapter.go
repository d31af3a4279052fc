package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/pkg/types"
)

const defaultStatusWindow = 10

// handleEvent turns a server push into queued work. It runs on the protocol
// client's goroutine. Message-level changes only ever go through the queue;
// folder deletion and rename reshape the registry directly under its lock.
func (e *Engine) handleEvent(ev types.Event) {
	log := e.log.WithFields(logrus.Fields{
		"event":  ev.Kind.String(),
		"folder": ev.Folder,
	})
	log.Debug("Server event")

	switch ev.Kind {
	case types.FolderCreated:
		e.queue.Enqueue(NewAddedFolderFetch(ev.Folder), false)

	case types.FolderDeleted:
		e.removeFolder(ev.Folder)

	case types.FolderRenamed:
		f := e.registry.Get(ev.Folder)
		if f == nil {
			e.queue.Enqueue(NewAddedFolderFetch(ev.NewName), false)
			return
		}
		delim := f.Delimiter()
		if err := e.registry.Rename(ev.Folder, ev.NewName); err != nil {
			log.WithError(err).Warn("Failed to rename folder cache")
			e.queue.Enqueue(NewFullFetch(false), false)
			return
		}
		e.queue.RenameFolder(ev.Folder, ev.NewName, delim)

	case types.GenerationChanged:
		e.queue.PurgeFolder(ev.Folder, ErrNoSuchMessage)
		e.queue.Enqueue(NewFolderPurge(ev.Folder, ev.Validity), true)

	case types.CountChanged:
		f := e.registry.Get(ev.Folder)
		if f == nil {
			return
		}
		cached := f.Store().Count()
		switch {
		case int(ev.Count) > cached:
			e.queue.EnqueueIfAbsent(NewFolderFetch(ev.Folder, cached))
		case int(ev.Count) < cached:
			// messages vanished without expunge notifications
			e.queue.EnqueueIfAbsent(NewFolderFetch(ev.Folder, 0))
		}

	case types.MessageRemoved, types.FlagsChanged:
		f := e.registry.Get(ev.Folder)
		if f == nil {
			return
		}
		ids := Neighborhood(f.Store().IDs(), ev.Index, e.statusWindow())
		if ev.ID != 0 {
			ids = mergeIDs(ids, []uint32{ev.ID})
		}
		if len(ids) == 0 {
			return
		}
		e.queue.EnqueueOrMerge(NewStatusFetch(ev.Folder, ids))

	case types.Disconnected:
		log.Warn("Connection lost")
	}
}

func (e *Engine) statusWindow() int {
	if e.cfg.StatusWindow <= 0 {
		return defaultStatusWindow
	}
	return e.cfg.StatusWindow
}

// Neighborhood returns the ids at positions [idx-window, idx+window) of the
// ascending id list, clamped to its bounds
func Neighborhood(ids []uint32, idx, window int) []uint32 {
	lo := max(0, idx-window)
	hi := min(len(ids), idx+window)
	if lo >= hi {
		return nil
	}
	return append([]uint32(nil), ids[lo:hi]...)
}
