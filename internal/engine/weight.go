package engine

import (
	"strings"

	"github.com/emersion/go-imap"

	"github.com/brandon/mailmirror/pkg/types"
)

// Folder weights, highest first
const (
	WeightInbox     = 90
	WeightFlagged   = 80
	WeightImportant = 70
	WeightArchive   = 60
	WeightDrafts    = 50
	WeightSent      = 40
	WeightJunk      = 30
	WeightTrash     = 20
	WeightAll       = 10
	WeightNone      = 0
)

// importantAttr is the RFC 8457 special-use attribute, which go-imap v1 predates
const importantAttr = "\\Important"

var roleWeights = []struct {
	attr   string
	weight int
}{
	{imap.FlaggedAttr, WeightFlagged},
	{importantAttr, WeightImportant},
	{imap.ArchiveAttr, WeightArchive},
	{imap.DraftsAttr, WeightDrafts},
	{imap.SentAttr, WeightSent},
	{imap.JunkAttr, WeightJunk},
	{imap.TrashAttr, WeightTrash},
	{imap.AllAttr, WeightAll},
}

// Weight ranks a folder by its role. The first matching role in precedence
// order wins. IMAP marks the inbox by name rather than by attribute.
func Weight(info types.FolderInfo) int {
	if strings.EqualFold(info.Name, imap.InboxName) {
		return WeightInbox
	}
	for _, rw := range roleWeights {
		if info.HasAttribute(rw.attr) {
			return rw.weight
		}
	}
	return WeightNone
}
