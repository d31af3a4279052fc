package cache

import (
	"time"

	"github.com/brandon/mailmirror/pkg/types"
)

// Message is the cached copy of one remote message.
// Loaded distinguishes "body not downloaded yet" from an empty body.
type Message struct {
	ID        uint32    `msgpack:"id" json:"id"`
	Subject   string    `msgpack:"subject" json:"subject"`
	From      string    `msgpack:"from" json:"from"`
	Timestamp time.Time `msgpack:"timestamp" json:"timestamp"`
	Read      bool      `msgpack:"read" json:"read"`
	Replied   bool      `msgpack:"replied" json:"replied"`
	Deleted   bool      `msgpack:"deleted" json:"deleted"`
	Loaded    bool      `msgpack:"loaded" json:"loaded"`
	Source    []byte    `msgpack:"source,omitempty" json:"-"`
}

func newMessage(sum types.Summary) *Message {
	return &Message{
		ID:        sum.ID,
		Subject:   sum.Subject,
		From:      sum.From,
		Timestamp: sum.Date.UTC(),
		Read:      sum.Read,
		Replied:   sum.Replied,
		Deleted:   sum.Deleted,
	}
}

// apply copies the remote fields of sum into m and reports whether anything changed.
// Envelope fields are only touched when the summary carried them.
func (m *Message) apply(sum types.Summary) bool {
	changed := false
	if sum.HasEnvelope {
		ts := sum.Date.UTC()
		if m.Subject != sum.Subject || m.From != sum.From || !m.Timestamp.Equal(ts) {
			m.Subject = sum.Subject
			m.From = sum.From
			m.Timestamp = ts
			changed = true
		}
	}
	if m.Read != sum.Read || m.Replied != sum.Replied || m.Deleted != sum.Deleted {
		m.Read = sum.Read
		m.Replied = sum.Replied
		m.Deleted = sum.Deleted
		changed = true
	}
	return changed
}

func (m *Message) flag(which types.Flag) bool {
	switch which {
	case types.FlagRead:
		return m.Read
	case types.FlagReplied:
		return m.Replied
	case types.FlagDeleted:
		return m.Deleted
	}
	return false
}

func (m *Message) setFlag(which types.Flag, value bool) {
	switch which {
	case types.FlagRead:
		m.Read = value
	case types.FlagReplied:
		m.Replied = value
	case types.FlagDeleted:
		m.Deleted = value
	}
}

// visible reports whether m belongs in the display projection
func (m *Message) visible() bool {
	return !m.Deleted
}

func (m *Message) unread() bool {
	return !m.Deleted && !m.Read
}

// displayBefore orders the projection newest first, ties broken by higher id
func displayBefore(a, b *Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID > b.ID
}

// shardKey partitions messages by calendar month as year*100+month
func shardKey(t time.Time) int {
	t = t.UTC()
	return t.Year()*100 + int(t.Month())
}
