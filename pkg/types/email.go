package types

import (
	"strings"
	"time"
)

// FolderInfo describes one mailbox as reported by the server listing
type FolderInfo struct {
	Name        string   `json:"name"`
	Delimiter   string   `json:"delimiter"`
	Attributes  []string `json:"attributes,omitempty"`
	Count       uint32   `json:"count"`
	UIDValidity uint32   `json:"uid_validity"`
	UIDNext     uint32   `json:"uid_next"`
}

// HasAttribute reports whether the listing carried attr (case-insensitive)
func (f FolderInfo) HasAttribute(attr string) bool {
	for _, a := range f.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// Fields selects which parts of a message summary to fetch
type Fields int

const (
	// FieldFlags fetches the UID and flags only
	FieldFlags Fields = 1 << iota
	// FieldEnvelope adds subject, sender and date
	FieldEnvelope
)

// FieldsAll fetches everything a summary can carry
const FieldsAll = FieldFlags | FieldEnvelope

// Summary is the remote view of a single message
type Summary struct {
	ID          uint32    `json:"id"`
	Index       int       `json:"index"`
	Subject     string    `json:"subject"`
	From        string    `json:"from"`
	Date        time.Time `json:"date"`
	Read        bool      `json:"read"`
	Replied     bool      `json:"replied"`
	Deleted     bool      `json:"deleted"`
	HasEnvelope bool      `json:"has_envelope"`
}

// Flag names a boolean message attribute mirrored from the server
type Flag int

const (
	FlagRead Flag = iota
	FlagReplied
	FlagDeleted
)

func (f Flag) String() string {
	switch f {
	case FlagRead:
		return "read"
	case FlagReplied:
		return "replied"
	case FlagDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ParseFlag maps a flag name back to its Flag
func ParseFlag(name string) (Flag, bool) {
	switch name {
	case "read", "seen":
		return FlagRead, true
	case "replied", "answered":
		return FlagReplied, true
	case "deleted":
		return FlagDeleted, true
	}
	return 0, false
}

// EventKind identifies an asynchronous server notification
type EventKind int

const (
	FolderCreated EventKind = iota
	FolderDeleted
	FolderRenamed
	GenerationChanged
	CountChanged
	MessageRemoved
	FlagsChanged
	Disconnected
)

func (k EventKind) String() string {
	switch k {
	case FolderCreated:
		return "folder_created"
	case FolderDeleted:
		return "folder_deleted"
	case FolderRenamed:
		return "folder_renamed"
	case GenerationChanged:
		return "generation_changed"
	case CountChanged:
		return "count_changed"
	case MessageRemoved:
		return "message_removed"
	case FlagsChanged:
		return "flags_changed"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a server push notification translated out of the protocol library.
// Index is the 0-based message position at the time the server sent it; ID is
// set only when the server included the UID.
type Event struct {
	Kind     EventKind
	Folder   string
	NewName  string
	Index    int
	ID       uint32
	Count    uint32
	Validity uint32
}
