package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/emersion/go-imap"
	"github.com/google/go-cmp/cmp"

	"github.com/brandon/mailmirror/internal/cache"
	"github.com/brandon/mailmirror/pkg/types"
)

func TestFolderFetchFinalizeRemovesUnseen(t *testing.T) {
	remote := newFakeRemote()
	remote.addFolder("INBOX", 1)
	remote.addMessages("INBOX", 1, 3)
	e := newTestEngine(t, remote)
	f := seed(e, "INBOX", 1, 1, 2, 3)

	e.queue.EnqueueOrMerge(NewFolderFetch("INBOX", 0))
	drain(t, e)

	if diff := cmp.Diff([]uint32{1, 3}, f.Store().IDs()); diff != "" {
		t.Errorf("ids after pass (-want +got):\n%s", diff)
	}
	want := []string{
		"FetchRange INBOX 0 3",
		"FetchIDs INBOX [2]",
	}
	if diff := cmp.Diff(want, remote.Calls()); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
}

func TestFolderFetchPaginates(t *testing.T) {
	remote := newFakeRemote()
	remote.addFolder("INBOX", 1)
	remote.addMessages("INBOX", 1, 2, 3, 4, 5, 6, 7)
	e := newTestEngine(t, remote)
	f := seed(e, "INBOX", 1, 2, 9)

	e.queue.EnqueueOrMerge(NewFolderFetch("INBOX", 0))
	drain(t, e)

	if diff := cmp.Diff([]uint32{1, 2, 3, 4, 5, 6, 7}, f.Store().IDs()); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
	want := []string{
		"FetchRange INBOX 0 3",
		"FetchRange INBOX 3 6",
		"FetchRange INBOX 6 9",
		"FetchIDs INBOX [9]",
	}
	if diff := cmp.Diff(want, remote.Calls()); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
}

func TestFolderFetchKeepsMessageConfirmedById(t *testing.T) {
	remote := newFakeRemote()
	remote.addFolder("INBOX", 1)
	remote.addMessages("INBOX", 1, 2, 3, 4)
	e := newTestEngine(t, remote)
	f := seed(e, "INBOX", 1, 1, 2, 3, 4)

	e.queue.EnqueueOrMerge(NewFolderFetch("INBOX", 0))
	if err := e.run(e.queue.Drain()[0]); err != nil {
		t.Fatal(err)
	}
	// an expunge shifts message 4 into a position the pass already covered
	remote.removeMessage("INBOX", 1)
	drain(t, e)

	// message 1 was seen before it went away; its expunge event removes it
	if diff := cmp.Diff([]uint32{1, 2, 3, 4}, f.Store().IDs()); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
}

func TestFolderFetchAdvancesNextID(t *testing.T) {
	remote := newFakeRemote()
	remote.addFolder("INBOX", 1)
	remote.addMessages("INBOX", 1, 2)
	e := newTestEngine(t, remote)
	f := seed(e, "INBOX", 1)
	f.SetNextID(2)

	e.queue.EnqueueOrMerge(NewFolderFetch("INBOX", 0))
	drain(t, e)

	if f.NextID() != 3 {
		t.Errorf("NextID() = %d, want 3", f.NextID())
	}
}

func TestFolderFetchNotifiesOnlyForPopulatedFolders(t *testing.T) {
	remote := newFakeRemote()
	remote.addFolder("INBOX", 1)
	remote.addMessages("INBOX", 1, 2)
	e := newTestEngine(t, remote)
	f := seed(e, "INBOX", 1)

	var got []uint32
	e.OnNewMessage(func(folder string, m cache.Message) { got = append(got, m.ID) })

	e.queue.EnqueueOrMerge(NewFolderFetch("INBOX", 0))
	drain(t, e)
	if len(got) != 0 {
		t.Fatalf("initial population notified %v", got)
	}

	remote.addMessages("INBOX", 3)
	e.handleEvent(types.Event{Kind: types.CountChanged, Folder: "INBOX", Count: 3})
	drain(t, e)
	if diff := cmp.Diff([]uint32{3}, got); diff != "" {
		t.Errorf("notified (-want +got):\n%s", diff)
	}
	if f.Store().Count() != 3 {
		t.Errorf("Count() = %d, want 3", f.Store().Count())
	}
}

func TestFullFetchReconcilesFolders(t *testing.T) {
	remote := newFakeRemote()
	remote.addFolder("INBOX", 7)
	remote.addFolder("Sent", 1, imap.SentAttr)
	remote.addFolder("Archive", 1, imap.ArchiveAttr)
	remote.addMessages("INBOX", 10, 11)
	remote.addMessages("Sent", 1)
	e := newTestEngine(t, remote)
	seed(e, "Old", 1, 1)
	inbox := seed(e, "INBOX", 6, 1, 2)

	if err := e.run(NewFullFetch(false)); err != nil {
		t.Fatalf("full fetch: %v", err)
	}

	if diff := cmp.Diff([]string{"INBOX", "Archive", "Sent"}, e.registry.Names()); diff != "" {
		t.Errorf("folders (-want +got):\n%s", diff)
	}
	if inbox.Validity() != 7 || inbox.Store().Count() != 0 {
		t.Errorf("INBOX validity %d count %d, want purged at 7", inbox.Validity(), inbox.Store().Count())
	}
	var fetches []string
	for _, task := range queued(e) {
		if task.Kind == FolderFetch {
			fetches = append(fetches, task.Folder)
		}
	}
	if diff := cmp.Diff([]string{"Archive", "INBOX", "Sent"}, fetches); diff != "" {
		t.Errorf("queued fetches (-want +got):\n%s", diff)
	}

	drain(t, e)
	if diff := cmp.Diff([]uint32{10, 11}, inbox.Store().IDs()); diff != "" {
		t.Errorf("INBOX ids (-want +got):\n%s", diff)
	}

	// everything matches now
	if err := e.run(NewFullFetch(false)); err != nil {
		t.Fatal(err)
	}
	if n := e.queue.Len(); n != 0 {
		t.Errorf("unchanged folders queued %d tasks", n)
	}

	if err := e.run(NewFullFetch(true)); err != nil {
		t.Fatal(err)
	}
	if n := e.queue.Len(); n != 3 {
		t.Errorf("forced sync queued %d tasks, want 3", n)
	}
}

func TestGenerationChangePurgesBeforeNewMessages(t *testing.T) {
	remote := newFakeRemote()
	remote.addFolder("INBOX", 2)
	remote.addMessages("INBOX", 50, 51)
	e := newTestEngine(t, remote)
	f := seed(e, "INBOX", 1, 1, 2, 3)
	e.queue.EnqueueOrMerge(NewStatusFetch("INBOX", []uint32{1, 2}))

	var kinds []cache.ChangeKind
	cancel := f.Store().Watch(func(c cache.Change) { kinds = append(kinds, c.Kind) })
	defer cancel()

	e.handleEvent(types.Event{Kind: types.GenerationChanged, Folder: "INBOX", Validity: 2})
	tasks := queued(e)
	if len(tasks) != 1 || tasks[0].Kind != FolderPurge {
		t.Fatalf("queue after generation change = %v, want a single purge", tasks)
	}

	drain(t, e)
	if len(kinds) == 0 || kinds[0] != cache.Reset {
		t.Fatalf("first change = %v, want reset", kinds)
	}
	for _, k := range kinds[1:] {
		if k == cache.Reset {
			t.Fatal("purged after accepting new messages")
		}
	}
	if f.Validity() != 2 {
		t.Errorf("Validity() = %d, want 2", f.Validity())
	}
	if diff := cmp.Diff([]uint32{50, 51}, f.Store().IDs()); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
}

func TestStatusFetchResolvesByID(t *testing.T) {
	remote := newFakeRemote()
	remote.addFolder("INBOX", 1)
	remote.addMessages("INBOX", 1, 3)
	e := newTestEngine(t, remote)
	f := seed(e, "INBOX", 1, 1, 2, 3)
	if err := remote.StoreFlag(context.Background(), "INBOX", 3, types.FlagRead, true); err != nil {
		t.Fatal(err)
	}

	if err := e.run(NewStatusFetch("INBOX", []uint32{2, 3})); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.Store().Get(2); ok {
		t.Error("message 2 still cached")
	}
	if m, _ := f.Store().Get(3); !m.Read {
		t.Error("message 3 not marked read")
	}
	if m, _ := f.Store().Get(1); m.Read {
		t.Error("message 1 outside the id set was touched")
	}
}

func TestBodyFetch(t *testing.T) {
	remote := newFakeRemote()
	remote.addFolder("INBOX", 1)
	remote.addMessages("INBOX", 1)
	e := newTestEngine(t, remote)
	f := seed(e, "INBOX", 1, 1)

	task := NewBodyFetch("INBOX", 1)
	e.dispatch(task)
	if err := <-task.Done(); err != nil {
		t.Fatalf("body fetch: %v", err)
	}
	m, _ := f.Store().Get(1)
	if !m.Loaded || string(m.Source) != "Subject: message 1\r\n\r\nbody 1\r\n" {
		t.Errorf("message = %+v, want loaded body", m)
	}

	missing := NewBodyFetch("INBOX", 99)
	e.dispatch(missing)
	if err := <-missing.Done(); !errors.Is(err, ErrNoSuchMessage) {
		t.Errorf("missing message error = %v, want ErrNoSuchMessage", err)
	}
}

func TestWeight(t *testing.T) {
	tests := []struct {
		info types.FolderInfo
		want int
	}{
		{types.FolderInfo{Name: "INBOX"}, WeightInbox},
		{types.FolderInfo{Name: "inbox"}, WeightInbox},
		{types.FolderInfo{Name: "Starred", Attributes: []string{imap.FlaggedAttr}}, WeightFlagged},
		{types.FolderInfo{Name: "Important", Attributes: []string{"\\Important"}}, WeightImportant},
		{types.FolderInfo{Name: "Sent", Attributes: []string{imap.SentAttr}}, WeightSent},
		{types.FolderInfo{Name: "Bin", Attributes: []string{"\\trash"}}, WeightTrash},
		{types.FolderInfo{Name: "All", Attributes: []string{imap.AllAttr, imap.ArchiveAttr}}, WeightArchive},
		{types.FolderInfo{Name: "Work", Attributes: []string{"\\HasNoChildren"}}, WeightNone},
	}
	for _, tt := range tests {
		t.Run(tt.info.Name, func(t *testing.T) {
			if got := Weight(tt.info); got != tt.want {
				t.Errorf("Weight(%+v) = %d, want %d", tt.info, got, tt.want)
			}
		})
	}
}
