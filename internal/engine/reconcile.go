package engine

import (
	"context"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/cache"
	"github.com/brandon/mailmirror/internal/journal"
	"github.com/brandon/mailmirror/pkg/types"
)

const defaultBatchSize = 100

func (e *Engine) batchSize() int {
	if e.cfg.BatchSize <= 0 {
		return defaultBatchSize
	}
	return e.cfg.BatchSize
}

func (e *Engine) folder(name string) (*cache.Folder, error) {
	f := e.registry.Get(name)
	if f == nil {
		return nil, ErrNoSuchFolder
	}
	return f, nil
}

// fullFetch reconciles the folder list with the server and schedules a
// contents fetch for every folder whose state differs from the cache.
func (e *Engine) fullFetch(t *Task) error {
	if t.runID == "" {
		kind := journal.KindFull
		if t.Force {
			kind = journal.KindForce
		}
		t.runID = e.startRun(kind, "")
	}

	var infos []types.FolderInfo
	err := e.io(func(ctx context.Context) error {
		var err error
		infos, err = e.remote.ListFolders(ctx)
		return err
	})
	if err != nil {
		return err
	}

	stats := journal.Stats{Folders: len(infos)}
	seen := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		seen[info.Name] = struct{}{}
		if e.reconcileFolder(info, t.Force) {
			stats.Fetched++
		}
	}
	for _, name := range e.registry.Names() {
		if _, ok := seen[name]; !ok {
			e.removeFolder(name)
			stats.Removed++
		}
	}

	e.log.WithFields(logrus.Fields{
		"force":   t.Force,
		"folders": stats.Folders,
		"resync":  stats.Fetched,
		"removed": stats.Removed,
	}).Info("Folder list reconciled")
	e.completeRun(t.runID, stats)
	return nil
}

// reconcileFolder registers a listed folder and queues a contents fetch when
// it needs one. A changed generation token purges the cache first, since
// none of the old ids are valid any more.
func (e *Engine) reconcileFolder(info types.FolderInfo, force bool) bool {
	f, created := e.registry.Upsert(info.Name, info.Delimiter, Weight(info))
	if created {
		e.log.WithField("folder", info.Name).Info("New folder")
	}
	if !force && !created &&
		f.Validity() == info.UIDValidity &&
		f.Store().Count() == int(info.Count) &&
		f.NextID() == info.UIDNext {
		return false
	}

	if f.Validity() != info.UIDValidity {
		e.queue.PurgeFolder(info.Name, ErrNoSuchMessage)
		if err := f.Store().Purge(); err != nil {
			e.log.WithError(err).WithField("folder", info.Name).Warn("Failed to purge folder cache")
		}
		f.SetValidity(info.UIDValidity)
	}
	f.SetNextID(info.UIDNext)
	e.queue.EnqueueOrMerge(NewFolderFetch(info.Name, 0))
	return true
}

func (e *Engine) removeFolder(name string) {
	e.queue.PurgeFolder(name, ErrNoSuchFolder)
	if _, err := e.registry.Remove(name); err != nil {
		e.log.WithError(err).WithField("folder", name).Warn("Failed to delete folder cache")
		return
	}
	e.log.WithField("folder", name).Info("Folder removed")
}

func (e *Engine) addedFolderFetch(t *Task) error {
	var infos []types.FolderInfo
	err := e.io(func(ctx context.Context) error {
		var err error
		infos, err = e.remote.ListFolders(ctx)
		return err
	})
	if err != nil {
		return err
	}
	i := slices.IndexFunc(infos, func(info types.FolderInfo) bool { return info.Name == t.Folder })
	if i < 0 {
		return ErrNoSuchFolder
	}
	e.reconcileFolder(infos[i], false)
	return nil
}

func (e *Engine) folderPurge(t *Task) error {
	f, err := e.folder(t.Folder)
	if err != nil {
		return err
	}
	if err := f.Store().Purge(); err != nil {
		e.log.WithError(err).WithField("folder", t.Folder).Warn("Failed to purge folder cache")
	}
	if t.Validity != 0 {
		f.SetValidity(t.Validity)
	}
	f.SetNextID(0)
	e.queue.EnqueueOrMerge(NewFolderFetch(t.Folder, 0))
	return nil
}

// folderFetch handles one batch of a contents pass. A pass that starts at
// position 0 seeds Pending with every cached id; the last batch removes the
// ids the pass never saw.
func (e *Engine) folderFetch(t *Task) error {
	f, err := e.folder(t.Folder)
	if err != nil {
		return err
	}
	store := f.Store()

	if t.Pending == nil {
		t.Pending = make(map[uint32]struct{})
		if t.Offset == 0 {
			for _, id := range store.IDs() {
				t.Pending[id] = struct{}{}
			}
		}
		t.quiet = store.Count() == 0
		if t.runID == "" {
			t.runID = e.startRun(journal.KindFolder, t.Folder)
		}
	}

	batch := e.batchSize()
	var sums []types.Summary
	err = e.io(func(ctx context.Context) error {
		var err error
		sums, err = e.remote.FetchRange(ctx, t.Folder, t.Offset, t.Offset+batch, types.FieldsAll)
		return err
	})
	if err != nil {
		return err
	}

	for _, sum := range sums {
		delete(t.Pending, sum.ID)
		f.AdvanceNextID(sum.ID)
		m := store.Upsert(sum)
		if m == nil {
			continue
		}
		t.fetched++
		if !t.quiet && e.onNew != nil && !m.Read && !m.Deleted {
			e.onNew(t.Folder, *m)
		}
	}

	if len(sums) >= batch {
		next := NewFolderFetch(t.Folder, t.Offset+len(sums))
		next.Pending = t.Pending
		next.runID, next.fetched, next.quiet = t.runID, t.fetched, t.quiet
		e.queue.EnqueueOrMerge(next)
		return nil
	}

	removed, err := e.resolve(f, sortedIDs(t.Pending))
	if err != nil {
		return err
	}
	t.Pending = map[uint32]struct{}{}

	e.log.WithFields(logrus.Fields{
		"folder":  t.Folder,
		"fetched": t.fetched,
		"removed": removed,
		"counts":  store.Counts(),
	}).Info("Folder synced")
	e.completeRun(t.runID, journal.Stats{Folders: 1, Fetched: t.fetched, Removed: removed})
	return nil
}

// resolve re-reads ids by absolute id, updating the flags of those the server
// still has and removing the rest. It returns how many were removed.
func (e *Engine) resolve(f *cache.Folder, ids []uint32) (int, error) {
	store := f.Store()
	removed := 0
	for chunk := range slices.Chunk(ids, e.batchSize()) {
		var sums []types.Summary
		err := e.io(func(ctx context.Context) error {
			var err error
			sums, err = e.remote.FetchIDs(ctx, f.Name(), chunk, types.FieldFlags)
			return err
		})
		if err != nil {
			return removed, err
		}

		present := make(map[uint32]struct{}, len(sums))
		for _, sum := range sums {
			present[sum.ID] = struct{}{}
			store.Upsert(sum)
		}
		for _, id := range chunk {
			if _, ok := present[id]; !ok && store.Remove(id) {
				removed++
			}
		}
	}
	return removed, nil
}

func sortedIDs(set map[uint32]struct{}) []uint32 {
	ids := make([]uint32, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (e *Engine) statusFetch(t *Task) error {
	f, err := e.folder(t.Folder)
	if err != nil {
		return err
	}
	removed, err := e.resolve(f, t.IDs)
	if err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"folder":  t.Folder,
		"ids":     len(t.IDs),
		"removed": removed,
	}).Debug("Message status refreshed")
	return nil
}

func (e *Engine) bodyFetch(t *Task) error {
	f, err := e.folder(t.Folder)
	if err != nil {
		return err
	}
	if _, ok := f.Store().Get(t.MessageID); !ok {
		return ErrNoSuchMessage
	}
	var body []byte
	err = e.io(func(ctx context.Context) error {
		var err error
		body, err = e.remote.FetchBody(ctx, t.Folder, t.MessageID)
		return err
	})
	if err != nil {
		return err
	}
	if !f.Store().LoadBody(t.MessageID, body) {
		return ErrNoSuchMessage
	}
	return nil
}

func (e *Engine) flagPush(t *Task) error {
	if _, err := e.folder(t.Folder); err != nil {
		return err
	}
	return e.io(func(ctx context.Context) error {
		return e.remote.StoreFlag(ctx, t.Folder, t.MessageID, t.Flag, t.Value)
	})
}

// folderAction changes the folder tree on the server. The cache follows
// through the events the client emits once the server confirms.
func (e *Engine) folderAction(t *Task) error {
	return e.io(func(ctx context.Context) error {
		switch t.Op {
		case OpCreate:
			return e.remote.CreateFolder(ctx, t.Folder)
		case OpDelete:
			return e.remote.DeleteFolder(ctx, t.Folder)
		case OpRename:
			return e.remote.RenameFolder(ctx, t.Folder, t.NewName)
		}
		return nil
	})
}

// failed handles a task that ran out of attempts
func (e *Engine) failed(t *Task, err error) {
	if t.runID != "" {
		e.failRun(t.runID, err)
	}
	if t.Kind == FlagPush {
		// the local flag is now ahead of the server; read it back
		e.queue.EnqueueOrMerge(NewStatusFetch(t.Folder, []uint32{t.MessageID}))
	}
}

func (e *Engine) startRun(kind, folder string) string {
	if e.journal == nil {
		return ""
	}
	id, err := e.journal.StartRun(kind, folder)
	if err != nil {
		e.log.WithError(err).Warn("Failed to record sync run")
		return ""
	}
	return id
}

func (e *Engine) completeRun(id string, stats journal.Stats) {
	if e.journal == nil || id == "" {
		return
	}
	if err := e.journal.CompleteRun(id, stats); err != nil {
		e.log.WithError(err).Warn("Failed to complete sync run")
	}
}

func (e *Engine) failRun(id string, runErr error) {
	if e.journal == nil || id == "" {
		return
	}
	if err := e.journal.FailRun(id, runErr); err != nil {
		e.log.WithError(err).Warn("Failed to record failed sync run")
	}
}
