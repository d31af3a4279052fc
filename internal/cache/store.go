package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/pkg/types"
)

// Store holds the cached messages of one folder.
//
// Messages are partitioned on disk into monthly shards. A shard is dirty when
// any message inside it changed since the last flush and new when it has never
// been written. The display projection holds the non-deleted messages sorted
// newest first (ties broken by higher id) and is kept sorted on every mutation.
type Store struct {
	mu     sync.RWMutex
	path   string
	logger *logrus.Logger
	now    func() time.Time

	messages map[uint32]*Message
	display  []*Message
	unread   int

	shards map[int]struct{} // written to disk and listed in the index
	dirty  map[int]struct{}
	fresh  map[int]struct{} // dirty shards not yet on disk

	lastChanged time.Time
	watchers    watchers[Change]
}

// NewStore creates an empty store backed by dir. Nothing is read until Load.
func NewStore(dir string, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		path:        dir,
		logger:      logger,
		now:         time.Now,
		messages:    make(map[uint32]*Message),
		shards:      make(map[int]struct{}),
		dirty:       make(map[int]struct{}),
		fresh:       make(map[int]struct{}),
		lastChanged: time.Now(),
	}
}

// SetClock replaces the time source used for LastChanged
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.lastChanged = now()
}

// Load reads the shard index and every shard it lists, replacing the
// in-memory contents. Malformed files are reported as *LoadError.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := readIndex(s.path)
	if err != nil {
		return err
	}

	messages := make(map[uint32]*Message)
	shards := make(map[int]struct{}, len(keys))
	for _, key := range keys {
		msgs, err := readShard(s.path, key)
		if err != nil {
			return err
		}
		shards[key] = struct{}{}
		for i := range msgs {
			m := msgs[i]
			messages[m.ID] = &m
		}
	}

	s.messages = messages
	s.shards = shards
	s.dirty = make(map[int]struct{})
	s.fresh = make(map[int]struct{})
	s.rebuildDisplay()
	s.watchers.emit(Change{Kind: Reset, Index: -1})

	s.logger.WithFields(logrus.Fields{
		"path":     s.path,
		"shards":   len(keys),
		"messages": len(messages),
	}).Debug("Loaded folder cache")
	return nil
}

// rebuildDisplay recomputes the projection and unread count from scratch. Caller holds mu.
func (s *Store) rebuildDisplay() {
	s.display = s.display[:0]
	s.unread = 0
	for _, m := range s.messages {
		if m.visible() {
			s.display = append(s.display, m)
		}
		if m.unread() {
			s.unread++
		}
	}
	sort.Slice(s.display, func(i, j int) bool { return displayBefore(s.display[i], s.display[j]) })
}

// insertionIndex finds where m belongs in the projection. Caller holds mu.
func (s *Store) insertionIndex(m *Message) int {
	return sort.Search(len(s.display), func(i int) bool {
		return !displayBefore(s.display[i], m)
	})
}

// displayIndex returns m's current projection position, or -1. Caller holds mu.
func (s *Store) displayIndex(m *Message) int {
	idx := s.insertionIndex(m)
	if idx < len(s.display) && s.display[idx].ID == m.ID {
		return idx
	}
	return -1
}

func (s *Store) insertDisplay(m *Message) {
	idx := s.insertionIndex(m)
	s.display = append(s.display, nil)
	copy(s.display[idx+1:], s.display[idx:])
	s.display[idx] = m
	s.watchers.emit(Change{Kind: Inserted, Index: idx, Message: *m})
}

func (s *Store) removeDisplay(idx int) {
	m := s.display[idx]
	s.display = append(s.display[:idx], s.display[idx+1:]...)
	s.watchers.emit(Change{Kind: Removed, Index: idx, Message: *m})
}

// mutate applies fn to m and keeps the projection, unread count, and dirty
// shards consistent with the result. Caller holds mu.
func (s *Store) mutate(m *Message, fn func()) {
	oldIdx := -1
	if m.visible() {
		oldIdx = s.displayIndex(m)
	}
	oldKey := shardKey(m.Timestamp)
	oldTS := m.Timestamp
	if m.unread() {
		s.unread--
	}

	fn()

	if m.unread() {
		s.unread++
	}
	newKey := shardKey(m.Timestamp)
	s.markDirty(oldKey)
	if newKey != oldKey {
		s.markDirty(newKey)
	}

	switch {
	case oldIdx >= 0 && m.visible() && oldTS.Equal(m.Timestamp):
		s.watchers.emit(Change{Kind: Updated, Index: oldIdx, Message: *m})
	case oldIdx >= 0:
		s.removeDisplay(oldIdx)
		if m.visible() {
			s.insertDisplay(m)
		}
	case m.visible():
		s.insertDisplay(m)
	}
	s.lastChanged = s.now()
}

func (s *Store) markDirty(key int) {
	s.dirty[key] = struct{}{}
	if _, ok := s.shards[key]; !ok {
		s.fresh[key] = struct{}{}
	}
}

// Upsert inserts or updates the message described by sum. It returns the new
// message when one was created and nil when an existing message was updated or
// nothing changed. Flags-only summaries never create messages.
func (s *Store) Upsert(sum types.Summary) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.messages[sum.ID]; ok {
		probe := *m
		if !probe.apply(sum) {
			return nil
		}
		s.mutate(m, func() { m.apply(sum) })
		return nil
	}
	if !sum.HasEnvelope {
		return nil
	}

	m := newMessage(sum)
	s.messages[m.ID] = m
	if m.unread() {
		s.unread++
	}
	s.markDirty(shardKey(m.Timestamp))
	if m.visible() {
		s.insertDisplay(m)
	}
	s.lastChanged = s.now()
	created := *m
	return &created
}

// Remove drops a message entirely. It reports whether the message existed.
func (s *Store) Remove(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return false
	}
	if m.visible() {
		if idx := s.displayIndex(m); idx >= 0 {
			s.removeDisplay(idx)
		}
	}
	if m.unread() {
		s.unread--
	}
	s.markDirty(shardKey(m.Timestamp))
	delete(s.messages, id)
	s.lastChanged = s.now()
	return true
}

// SetFlag sets one boolean attribute of a message. Setting the current value
// is a no-op that neither dirties a shard nor advances LastChanged.
func (s *Store) SetFlag(id uint32, which types.Flag, value bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || m.flag(which) == value {
		return false
	}
	s.mutate(m, func() { m.setFlag(which, value) })
	return true
}

// LoadBody stores the raw source of a message
func (s *Store) LoadBody(id uint32, source []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return false
	}
	body := make([]byte, len(source))
	copy(body, source)
	s.mutate(m, func() {
		m.Source = body
		m.Loaded = true
	})
	return true
}

// Purge discards every cached message, in memory and on disk
func (s *Store) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.removeFiles()
	s.messages = make(map[uint32]*Message)
	s.display = nil
	s.unread = 0
	s.shards = make(map[int]struct{})
	s.dirty = make(map[int]struct{})
	s.fresh = make(map[int]struct{})
	s.lastChanged = s.now()
	s.watchers.emit(Change{Kind: Reset, Index: -1})
	return err
}

// Delete removes the store's files and forgets its contents
func (s *Store) Delete() error {
	return s.Purge()
}

// removeFiles deletes the index and every shard file, including ones a failed
// Load never got to read, then the directory if it is empty. Subfolder
// directories nested below are left alone. Caller holds mu.
func (s *Store) removeFiles() error {
	entries, err := os.ReadDir(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &StoreError{Op: "remove", Path: s.path, Err: err}
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(name == indexFile || isDigits(strings.TrimSuffix(name, ".tmp")) || name == indexFile+".tmp") {
			continue
		}
		if err := os.Remove(filepath.Join(s.path, name)); err != nil && !os.IsNotExist(err) {
			return &StoreError{Op: "remove", Path: s.path, Err: err}
		}
	}
	os.Remove(s.path) //nolint:errcheck
	return nil
}

// Flush writes dirty shards to disk, deletes shards that became empty, and
// rewrites the index when shard membership changed. With force set every
// shard is rewritten. It reports whether the index was rewritten.
func (s *Store) Flush(force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.dirty) == 0 && !force {
		return false, nil
	}

	groups := make(map[int][]*Message)
	present := make(map[int]struct{})
	for _, m := range s.messages {
		key := shardKey(m.Timestamp)
		present[key] = struct{}{}
		if _, dirty := s.dirty[key]; dirty || force {
			groups[key] = append(groups[key], m)
		}
	}

	if err := os.MkdirAll(s.path, 0o755); err != nil {
		return false, fmt.Errorf("failed to create folder directory: %w", err)
	}

	indexDirty := force
	for key, msgs := range groups {
		if _, isNew := s.fresh[key]; isNew {
			indexDirty = true
		}
		if err := writeShard(s.path, key, msgs); err != nil {
			return false, err
		}
		s.shards[key] = struct{}{}
		delete(s.fresh, key)
	}

	for key := range s.shards {
		if _, ok := present[key]; ok {
			continue
		}
		if err := removeShard(s.path, key); err != nil {
			return false, err
		}
		delete(s.shards, key)
		indexDirty = true
	}

	if indexDirty {
		keys := make([]int, 0, len(s.shards))
		for key := range s.shards {
			keys = append(keys, key)
		}
		if err := writeIndex(s.path, keys); err != nil {
			return false, err
		}
	}

	s.dirty = make(map[int]struct{})
	s.fresh = make(map[int]struct{})

	s.logger.WithFields(logrus.Fields{
		"path":          s.path,
		"shards":        len(groups),
		"index_written": indexDirty,
	}).Debug("Flushed folder cache")
	return indexDirty, nil
}

// MoveTo relocates the backing directory, used when the folder is renamed
func (s *Store) MoveTo(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); err == nil {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return &StoreError{Op: "move", Path: s.path, Err: err}
		}
		if err := os.Rename(s.path, dir); err != nil {
			return &StoreError{Op: "move", Path: s.path, Err: err}
		}
	}
	s.path = dir
	return nil
}

// relocate points the store at dir without touching the filesystem; used for
// subfolders whose directory moved along with their parent.
func (s *Store) relocate(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = dir
}

// Watch registers fn for projection changes. fn runs with the store locked and
// must not call back into the store.
func (s *Store) Watch(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	id := s.watchers.add(fn)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.watchers.remove(id)
		s.mu.Unlock()
	}
}

// Get returns a copy of the message with the given id
func (s *Store) Get(id uint32) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// At returns a copy of the message at display position idx
func (s *Store) At(idx int) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx < 0 || idx >= len(s.display) {
		return Message{}, false
	}
	return *s.display[idx], true
}

// Display returns a snapshot of the display projection
func (s *Store) Display() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.display))
	for i, m := range s.display {
		out[i] = *m
	}
	return out
}

// IDs returns every cached id, deleted or not, in ascending order
func (s *Store) IDs() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint32, 0, len(s.messages))
	for id := range s.messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *Store) DisplayCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.display)
}

func (s *Store) Unread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// Counts renders the live counter shown next to a folder: "unread / total",
// or just the total when nothing is unread.
func (s *Store) Counts() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unread <= 0 {
		return fmt.Sprintf("%d", len(s.display))
	}
	return fmt.Sprintf("%d / %d", s.unread, len(s.display))
}

func (s *Store) LastChanged() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastChanged
}

// Dirty reports whether any shard has unflushed changes
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty) > 0
}

func (s *Store) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
