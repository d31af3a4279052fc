package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/cache"
	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/pkg/types"
)

var errInjected = errors.New("injected failure")

type fakeFolder struct {
	info   types.FolderInfo
	msgs   []types.Summary
	bodies map[uint32][]byte
}

// fakeRemote is an in-memory server. Errors queued in fail are returned, one
// per call, by the named method.
type fakeRemote struct {
	mu      sync.Mutex
	folders map[string]*fakeFolder
	subs    []func(types.Event)
	calls   []string
	fail    map[string][]error

	bodyStarted chan struct{}
	bodyGate    chan struct{}
	closed      bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		folders: make(map[string]*fakeFolder),
		fail:    make(map[string][]error),
	}
}

func (r *fakeRemote) addFolder(name string, validity uint32, attrs ...string) *fakeFolder {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := &fakeFolder{
		info: types.FolderInfo{
			Name:        name,
			Delimiter:   "/",
			Attributes:  attrs,
			UIDValidity: validity,
		},
		bodies: make(map[uint32][]byte),
	}
	r.folders[name] = f
	return f
}

// addMessages appends messages with the given ids, dated one hour apart
func (r *fakeRemote) addMessages(folder string, ids ...uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.folders[folder]
	for _, id := range ids {
		f.msgs = append(f.msgs, remoteSummary(id))
		f.bodies[id] = []byte(fmt.Sprintf("Subject: message %d\r\n\r\nbody %d\r\n", id, id))
	}
}

func (r *fakeRemote) removeMessage(folder string, id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.folders[folder]
	f.msgs = slices.DeleteFunc(f.msgs, func(s types.Summary) bool { return s.ID == id })
}

func (r *fakeRemote) failNext(method string, err error) {
	r.mu.Lock()
	r.fail[method] = append(r.fail[method], err)
	r.mu.Unlock()
}

func (r *fakeRemote) record(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	method := call
	for i, c := range call {
		if c == ' ' {
			method = call[:i]
			break
		}
	}
	if errs := r.fail[method]; len(errs) > 0 {
		r.fail[method] = errs[1:]
		return errs[0]
	}
	return nil
}

// Calls returns the recorded calls other than Idle
func (r *fakeRemote) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.DeleteFunc(slices.Clone(r.calls), func(c string) bool { return c == "Idle" })
}

func (r *fakeRemote) resetCalls() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

func (r *fakeRemote) emit(ev types.Event) {
	r.mu.Lock()
	subs := slices.Clone(r.subs)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (r *fakeRemote) Subscribe(fn func(types.Event)) {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
}

func (r *fakeRemote) ListFolders(ctx context.Context) ([]types.FolderInfo, error) {
	if err := r.record("ListFolders"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var infos []types.FolderInfo
	for _, f := range r.folders {
		info := f.info
		info.Count = uint32(len(f.msgs))
		info.UIDNext = 1
		if n := len(f.msgs); n > 0 {
			info.UIDNext = f.msgs[n-1].ID + 1
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b types.FolderInfo) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return infos, nil
}

func project(sum types.Summary, idx int, fields types.Fields) types.Summary {
	sum.Index = idx
	if fields&types.FieldEnvelope == 0 {
		sum.Subject, sum.From, sum.Date, sum.HasEnvelope = "", "", time.Time{}, false
	}
	return sum
}

func (r *fakeRemote) FetchRange(ctx context.Context, folder string, start, end int, fields types.Fields) ([]types.Summary, error) {
	if err := r.record(fmt.Sprintf("FetchRange %s %d %d", folder, start, end)); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.folders[folder]
	if !ok {
		return nil, fmt.Errorf("no such mailbox: %s", folder)
	}
	end = min(end, len(f.msgs))
	var out []types.Summary
	for i := start; i < end; i++ {
		out = append(out, project(f.msgs[i], i, fields))
	}
	return out, nil
}

func (r *fakeRemote) FetchIDs(ctx context.Context, folder string, ids []uint32, fields types.Fields) ([]types.Summary, error) {
	if err := r.record(fmt.Sprintf("FetchIDs %s %v", folder, ids)); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.folders[folder]
	if !ok {
		return nil, fmt.Errorf("no such mailbox: %s", folder)
	}
	var out []types.Summary
	for i, m := range f.msgs {
		if slices.Contains(ids, m.ID) {
			out = append(out, project(m, i, fields))
		}
	}
	return out, nil
}

func (r *fakeRemote) FetchBody(ctx context.Context, folder string, id uint32) ([]byte, error) {
	if err := r.record(fmt.Sprintf("FetchBody %s %d", folder, id)); err != nil {
		return nil, err
	}
	r.mu.Lock()
	started, gate := r.bodyStarted, r.bodyGate
	r.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.folders[folder]
	if !ok {
		return nil, fmt.Errorf("no such mailbox: %s", folder)
	}
	body, ok := f.bodies[id]
	if !ok {
		return nil, fmt.Errorf("message %d not found", id)
	}
	return body, nil
}

func (r *fakeRemote) StoreFlag(ctx context.Context, folder string, id uint32, flag types.Flag, value bool) error {
	if err := r.record(fmt.Sprintf("StoreFlag %s %d %s %t", folder, id, flag, value)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.folders[folder]
	for i := range f.msgs {
		if f.msgs[i].ID != id {
			continue
		}
		switch flag {
		case types.FlagRead:
			f.msgs[i].Read = value
		case types.FlagReplied:
			f.msgs[i].Replied = value
		case types.FlagDeleted:
			f.msgs[i].Deleted = value
		}
	}
	return nil
}

func (r *fakeRemote) CreateFolder(ctx context.Context, name string) error {
	if err := r.record("CreateFolder " + name); err != nil {
		return err
	}
	r.addFolder(name, 1)
	r.emit(types.Event{Kind: types.FolderCreated, Folder: name})
	return nil
}

func (r *fakeRemote) DeleteFolder(ctx context.Context, name string) error {
	if err := r.record("DeleteFolder " + name); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.folders, name)
	r.mu.Unlock()
	r.emit(types.Event{Kind: types.FolderDeleted, Folder: name})
	return nil
}

func (r *fakeRemote) RenameFolder(ctx context.Context, oldName, newName string) error {
	if err := r.record("RenameFolder " + oldName + " " + newName); err != nil {
		return err
	}
	r.mu.Lock()
	f := r.folders[oldName]
	delete(r.folders, oldName)
	f.info.Name = newName
	r.folders[newName] = f
	r.mu.Unlock()
	r.emit(types.Event{Kind: types.FolderRenamed, Folder: oldName, NewName: newName})
	return nil
}

func (r *fakeRemote) Idle(ctx context.Context) error {
	if err := r.record("Idle"); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *fakeRemote) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

var base = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

func remoteSummary(id uint32) types.Summary {
	return types.Summary{
		ID:          id,
		Subject:     fmt.Sprintf("message %d", id),
		From:        "Alice <alice@example.org>",
		Date:        base.Add(time.Duration(id) * time.Hour),
		HasEnvelope: true,
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() *config.Config {
	return &config.Config{
		Sync: config.SyncConfig{
			BatchSize:         3,
			FullSchedule:      "@every 1h",
			ForceSchedule:     "@every 24h",
			MaxIdle:           time.Minute,
			IdleFolder:        "INBOX",
			StatusWindow:      10,
			RetryAttempts:     2,
			RetryBase:         time.Second,
			RetryMax:          time.Minute,
			ReconnectInterval: 10 * time.Millisecond,
		},
		Cache: config.CacheConfig{
			SaveInterval: time.Minute,
			Debounce:     5 * time.Second,
		},
	}
}

// newTestEngine returns an engine whose handlers can be driven directly,
// without starting the loops
func newTestEngine(t *testing.T, remote *fakeRemote) *Engine {
	t.Helper()
	reg := cache.NewRegistry(t.TempDir(), quietLogger())
	e, err := New(testConfig(), remote, reg, nil, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.tokens = NewTokens(context.Background())
	e.running.Store(true)
	remote.Subscribe(e.handleEvent)
	return e
}

// drain runs queued tasks, ignoring deadlines and backoff, until none are left
func drain(t *testing.T, e *Engine) {
	t.Helper()
	for i := 0; i < 100; i++ {
		tasks := e.queue.Drain()
		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			if err := e.run(task); err != nil {
				t.Fatalf("%s task: %v", task.Kind, err)
			}
		}
	}
	t.Fatal("queue never drained")
}

// seed registers folder in the engine's registry with the given cached ids
func seed(e *Engine, folder string, validity uint32, ids ...uint32) *cache.Folder {
	f, _ := e.registry.Upsert(folder, "/", Weight(types.FolderInfo{Name: folder}))
	f.SetValidity(validity)
	for _, id := range ids {
		f.Store().Upsert(remoteSummary(id))
	}
	return f
}

func queued(e *Engine) []*Task {
	e.queue.mu.Lock()
	defer e.queue.mu.Unlock()
	return slices.Clone(e.queue.tasks)
}
