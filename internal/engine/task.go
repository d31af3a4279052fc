package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/brandon/mailmirror/pkg/types"
)

// Kind tags the variant a Task carries
type Kind int

const (
	FullFetch Kind = iota
	AddedFolderFetch
	FolderPurge
	FolderFetch
	StatusFetch
	BodyFetch
	FlagPush
	FolderAction
)

func (k Kind) String() string {
	switch k {
	case FullFetch:
		return "full_fetch"
	case AddedFolderFetch:
		return "added_folder_fetch"
	case FolderPurge:
		return "folder_purge"
	case FolderFetch:
		return "folder_fetch"
	case StatusFetch:
		return "status_fetch"
	case BodyFetch:
		return "body_fetch"
	case FlagPush:
		return "flag_push"
	case FolderAction:
		return "folder_action"
	default:
		return "unknown"
	}
}

// Folder operations a FolderAction task performs on the server
const (
	OpCreate = "create"
	OpDelete = "delete"
	OpRename = "rename"
)

// Task is one unit of work for the sync loop. Only the fields that belong to
// its Kind are set.
type Task struct {
	ID       string
	Kind     Kind
	Priority bool

	// FullFetch
	Force bool

	Folder string

	// FolderFetch: Pending holds the cached ids not yet seen in this pass.
	// It is nil until the pass starts.
	Offset  int
	Pending map[uint32]struct{}

	// FolderPurge
	Validity uint32

	// StatusFetch
	IDs []uint32

	// BodyFetch, FlagPush
	MessageID uint32
	Flag      types.Flag
	Value     bool

	// FolderAction
	Op      string
	NewName string

	done      chan error
	attempts  int
	notBefore time.Time

	// journal run the task, or the FolderFetch pass it continues, reports to
	runID   string
	fetched int
	// set when a FolderFetch pass started on an empty folder
	quiet bool
}

func newTask(kind Kind) *Task {
	return &Task{ID: uuid.NewString(), Kind: kind}
}

// NewFullFetch reconciles the folder list, resyncing every folder when force is set
func NewFullFetch(force bool) *Task {
	t := newTask(FullFetch)
	t.Force = force
	return t
}

func NewAddedFolderFetch(folder string) *Task {
	t := newTask(AddedFolderFetch)
	t.Folder = folder
	return t
}

// NewFolderPurge discards a folder's cache after its generation token changed
func NewFolderPurge(folder string, validity uint32) *Task {
	t := newTask(FolderPurge)
	t.Folder = folder
	t.Validity = validity
	return t
}

// NewFolderFetch enumerates a folder's messages starting at position offset
func NewFolderFetch(folder string, offset int) *Task {
	t := newTask(FolderFetch)
	t.Folder = folder
	t.Offset = offset
	return t
}

// NewStatusFetch re-resolves the given message ids on the server
func NewStatusFetch(folder string, ids []uint32) *Task {
	t := newTask(StatusFetch)
	t.Folder = folder
	t.IDs = ids
	return t
}

// NewBodyFetch downloads one message's source. The returned task's Done
// channel receives exactly one result.
func NewBodyFetch(folder string, id uint32) *Task {
	t := newTask(BodyFetch)
	t.Folder = folder
	t.MessageID = id
	t.done = make(chan error, 1)
	return t
}

// NewFlagPush writes a locally changed flag back to the server
func NewFlagPush(folder string, id uint32, flag types.Flag, value bool) *Task {
	t := newTask(FlagPush)
	t.Folder = folder
	t.MessageID = id
	t.Flag = flag
	t.Value = value
	return t
}

// NewFolderAction creates, deletes or renames a folder on the server
func NewFolderAction(op, name, newName string) *Task {
	t := newTask(FolderAction)
	t.Op = op
	t.Folder = name
	t.NewName = newName
	t.done = make(chan error, 1)
	return t
}

// Done delivers the task's single result. It is nil for tasks nobody waits on.
func (t *Task) Done() <-chan error {
	return t.done
}

func (t *Task) finish(err error) {
	if t.done == nil {
		return
	}
	select {
	case t.done <- err:
	default:
	}
}

// folderScoped reports whether the task targets a single folder by name
func (t *Task) folderScoped() bool {
	return t.Kind != FullFetch
}
