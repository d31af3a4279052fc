package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const foldersFile = "folders"

// Folder is one mirrored mailbox. It owns a swappable Store handle.
type Folder struct {
	mu        sync.RWMutex
	name      string
	delimiter string
	weight    int
	validity  uint32
	nextID    uint32
	store     *Store
	changed   func()
}

func (f *Folder) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.name
}

func (f *Folder) Delimiter() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.delimiter
}

func (f *Folder) Weight() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.weight
}

// Validity is the server's generation token for the folder's message ids
func (f *Folder) Validity() uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.validity
}

// NextID is the predicted next message id
func (f *Folder) NextID() uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nextID
}

func (f *Folder) Store() *Store {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.store
}

// SetStore swaps the backing store and returns the previous one
func (f *Folder) SetStore(s *Store) *Store {
	f.mu.Lock()
	old := f.store
	f.store = s
	f.mu.Unlock()
	return old
}

func (f *Folder) SetValidity(v uint32) {
	f.mu.Lock()
	changed := f.validity != v
	f.validity = v
	f.mu.Unlock()
	if changed {
		f.notify()
	}
}

func (f *Folder) SetNextID(n uint32) {
	f.mu.Lock()
	changed := f.nextID != n
	f.nextID = n
	f.mu.Unlock()
	if changed {
		f.notify()
	}
}

// AdvanceNextID bumps the next-id prediction when id is the predicted one
func (f *Folder) AdvanceNextID(id uint32) bool {
	f.mu.Lock()
	if f.nextID != id {
		f.mu.Unlock()
		return false
	}
	f.nextID = id + 1
	f.mu.Unlock()
	f.notify()
	return true
}

// Counts is the live unread/total string for the folder list
func (f *Folder) Counts() string {
	return f.Store().Counts()
}

func (f *Folder) notify() {
	if f.changed != nil {
		f.changed()
	}
}

type folderRecord struct {
	Name      string `json:"name"`
	Delimiter string `json:"delimiter,omitempty"`
	Weight    int    `json:"weight"`
	Validity  uint32 `json:"validity"`
	NextID    uint32 `json:"next_id"`
}

// Registry is the ordered list of mirrored folders: weight descending, then
// name ascending. Folders already present keep their position until their
// weight changes.
type Registry struct {
	mu       sync.RWMutex
	root     string
	logger   *logrus.Logger
	folders  []*Folder
	dirty    bool
	watchers watchers[FolderChange]
}

// NewRegistry creates an empty registry rooted at root without reading disk
func NewRegistry(root string, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{root: root, logger: logger}
}

// OpenRegistry reads the folders file and loads every folder's store.
// A malformed folders file is fatal. Per-folder load failures are joined into
// the returned error while the registry stays usable; callers find them with
// errors.As(err, &*LoadError) and decide whether to Discard the folder.
func OpenRegistry(root string, logger *logrus.Logger) (*Registry, error) {
	r := NewRegistry(root, logger)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	path := filepath.Join(root, foldersFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	var records []folderRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	var loadErrs []error
	for _, rec := range records {
		f := r.newFolder(rec.Name, rec.Delimiter, rec.Weight)
		f.validity = rec.Validity
		f.nextID = rec.NextID
		if err := f.store.Load(); err != nil {
			r.logger.WithError(err).WithField("folder", rec.Name).Warn("Failed to load folder cache")
			var loadErr *LoadError
			if !errors.As(err, &loadErr) {
				loadErr = &LoadError{Path: f.store.Path(), Err: err}
			}
			loadErr.Folder = rec.Name
			loadErrs = append(loadErrs, loadErr)
		}
		r.folders = append(r.folders, f)
	}

	r.logger.WithFields(logrus.Fields{
		"path":    root,
		"folders": len(r.folders),
	}).Info("Cache loaded")
	return r, errors.Join(loadErrs...)
}

func (r *Registry) newFolder(name, delim string, weight int) *Folder {
	f := &Folder{
		name:      name,
		delimiter: delim,
		weight:    weight,
		store:     NewStore(FolderPath(r.root, name, delim), r.logger),
	}
	f.changed = r.MarkDirty
	return f
}

// FolderPath maps a folder name onto a directory below root, one directory
// level per hierarchy level. Components that would escape root are escaped.
func FolderPath(root, name, delim string) string {
	parts := []string{name}
	if delim != "" {
		parts = strings.Split(name, delim)
	}
	elems := make([]string, 0, len(parts)+1)
	elems = append(elems, root)
	for _, p := range parts {
		elems = append(elems, escapeComponent(p))
	}
	return filepath.Join(elems...)
}

var componentEscaper = strings.NewReplacer("%", "%25", "/", "%2F", "\\", "%5C")

func escapeComponent(p string) string {
	switch p {
	case "":
		return "%00"
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	p = componentEscaper.Replace(p)
	// keep folder directories apart from the cache files stored next to them
	if p == indexFile || p == foldersFile || strings.HasSuffix(p, ".tmp") || isDigits(p) {
		return "%" + p
	}
	return p
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

// insertIndex returns the position of name if present, otherwise where a folder
// with that name and weight belongs. Caller holds mu.
func (r *Registry) insertIndex(name string, weight int) int {
	idx := len(r.folders)
	for i, f := range r.folders {
		if f.name == name {
			return i
		}
		if i >= idx || f.weight > weight {
			continue
		}
		if f.weight < weight || name < f.name {
			idx = i
		}
	}
	return idx
}

// Upsert returns the folder called name, creating it at its ordered position
// when missing. An existing folder whose weight changed is moved.
func (r *Registry) Upsert(name, delim string, weight int) (*Folder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.insertIndex(name, weight)
	if idx < len(r.folders) && r.folders[idx].name == name {
		f := r.folders[idx]
		if f.Weight() == weight {
			return f, false
		}
		r.removeAt(idx)
		f.mu.Lock()
		f.weight = weight
		f.mu.Unlock()
		r.insertAt(r.insertIndex(name, weight), f)
		r.dirty = true
		return f, false
	}

	f := r.newFolder(name, delim, weight)
	r.insertAt(idx, f)
	r.dirty = true
	return f, true
}

func (r *Registry) insertAt(idx int, f *Folder) {
	r.folders = append(r.folders, nil)
	copy(r.folders[idx+1:], r.folders[idx:])
	r.folders[idx] = f
	r.watchers.emit(FolderChange{Kind: Inserted, Index: idx, Name: f.name})
}

func (r *Registry) removeAt(idx int) *Folder {
	f := r.folders[idx]
	r.folders = append(r.folders[:idx], r.folders[idx+1:]...)
	r.watchers.emit(FolderChange{Kind: Removed, Index: idx, Name: f.name})
	return f
}

func (r *Registry) indexOf(name string) int {
	for i, f := range r.folders {
		if f.name == name {
			return i
		}
	}
	return -1
}

// Remove drops a folder and deletes its cache
func (r *Registry) Remove(name string) (*Folder, error) {
	r.mu.Lock()
	idx := r.indexOf(name)
	if idx < 0 {
		r.mu.Unlock()
		return nil, nil
	}
	f := r.removeAt(idx)
	r.dirty = true
	r.mu.Unlock()

	if err := f.Store().Delete(); err != nil {
		return f, err
	}
	return f, nil
}

// Rename renames a folder in place and moves its cache directory. Subfolders
// below it are renamed too, since the server renames the whole subtree.
func (r *Registry) Rename(oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(oldName)
	if idx < 0 {
		return fmt.Errorf("folder not found: %s", oldName)
	}
	if r.indexOf(newName) >= 0 {
		return fmt.Errorf("folder already exists: %s", newName)
	}

	f := r.folders[idx]
	delim := f.Delimiter()
	if err := f.Store().MoveTo(FolderPath(r.root, newName, delim)); err != nil {
		return err
	}
	f.mu.Lock()
	f.name = newName
	f.mu.Unlock()
	r.watchers.emit(FolderChange{Kind: Updated, Index: idx, Name: newName})

	if delim != "" {
		prefix := oldName + delim
		for i, child := range r.folders {
			childName := child.Name()
			if !strings.HasPrefix(childName, prefix) {
				continue
			}
			renamed := newName + delim + strings.TrimPrefix(childName, prefix)
			child.Store().relocate(FolderPath(r.root, renamed, child.Delimiter()))
			child.mu.Lock()
			child.name = renamed
			child.mu.Unlock()
			r.watchers.emit(FolderChange{Kind: Updated, Index: i, Name: renamed})
		}
	}
	r.dirty = true
	return nil
}

// Discard empties a folder whose cache failed to load and resets its
// generation token so the next full sync refetches it.
func (r *Registry) Discard(name string) error {
	f := r.Get(name)
	if f == nil {
		return fmt.Errorf("folder not found: %s", name)
	}
	f.SetValidity(0)
	f.SetNextID(0)
	return f.Store().Purge()
}

func (r *Registry) Get(name string) *Folder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx := r.indexOf(name); idx >= 0 {
		return r.folders[idx]
	}
	return nil
}

// Folders returns the folders in display order
func (r *Registry) Folders() []*Folder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Folder(nil), r.folders...)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.folders))
	for i, f := range r.folders {
		names[i] = f.Name()
	}
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.folders)
}

func (r *Registry) Root() string {
	return r.root
}

// MarkDirty flags the folders file for rewriting on the next Save
func (r *Registry) MarkDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

func (r *Registry) Dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}

// Save rewrites the folders file if folder metadata changed since the last save
func (r *Registry) Save(force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty && !force {
		return nil
	}

	records := make([]folderRecord, len(r.folders))
	for i, f := range r.folders {
		f.mu.RLock()
		records[i] = folderRecord{
			Name:      f.name,
			Delimiter: f.delimiter,
			Weight:    f.weight,
			Validity:  f.validity,
			NextID:    f.nextID,
		}
		f.mu.RUnlock()
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode folders: %w", err)
	}
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(r.root, foldersFile), data); err != nil {
		return err
	}
	r.dirty = false
	return nil
}

// Watch registers fn for folder list changes. fn runs with the registry
// locked and must not call back into it.
func (r *Registry) Watch(fn func(FolderChange)) (cancel func()) {
	r.mu.Lock()
	id := r.watchers.add(fn)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.watchers.remove(id)
		r.mu.Unlock()
	}
}
