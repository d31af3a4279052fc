package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/pkg/types"
)

// ErrNotConnected is returned when the connection dropped and could not be
// re-established before the call
var ErrNotConnected = errors.New("not connected to IMAP server")

// Options tunes an IMAPClient
type Options struct {
	IdleFolder        string
	MaxIdle           time.Duration
	ReconnectInterval time.Duration
}

// IMAPClient is the single protocol connection the sync loop drives. Calls
// are not safe for concurrent use; only unilateral updates arrive on another
// goroutine, and they are turned into Events for subscribers.
type IMAPClient struct {
	config  config.AccountConfig
	opts    Options
	logger  *logrus.Logger
	limiter *rate.Limiter

	client *client.Client
	done   chan struct{} // closed when the current connection's pump exits

	mu       sync.Mutex // guards selected, known, pushed
	selected string
	known    map[string]folderStatus
	pushed   chan struct{}

	subMu       sync.RWMutex
	subscribers []func(types.Event)
}

// folderStatus is the last count and generation seen for a folder
type folderStatus struct {
	count    uint32
	validity uint32
}

// NewIMAPClient creates a new IMAP client (does not connect immediately)
func NewIMAPClient(cfg config.AccountConfig, opts Options, logger *logrus.Logger) *IMAPClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.IdleFolder == "" {
		opts.IdleFolder = imap.InboxName
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 10 * time.Second
	}
	return &IMAPClient{
		config:  cfg,
		opts:    opts,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(opts.ReconnectInterval), 1),
		known:   make(map[string]folderStatus),
		pushed:  make(chan struct{}, 1),
	}
}

// Subscribe registers fn for server change events. fn runs on the update
// goroutine and must not call back into the client.
func (c *IMAPClient) Subscribe(fn func(types.Event)) {
	c.subMu.Lock()
	c.subscribers = append(c.subscribers, fn)
	c.subMu.Unlock()
}

func (c *IMAPClient) emit(ev types.Event) {
	c.subMu.RLock()
	subs := slices.Clone(c.subscribers)
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (c *IMAPClient) connected() bool {
	return c.client != nil && c.client.State() != imap.LogoutState
}

// Connect establishes and authenticates the connection. Reconnects are
// throttled to one per reconnect interval.
func (c *IMAPClient) Connect(ctx context.Context) error {
	if c.connected() {
		return nil
	}
	c.dropClient()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	cl, err := c.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	cl.ErrorLog = c.logger

	if err := cl.Login(c.config.IMAPUsername, c.config.IMAPPassword); err != nil {
		c.logger.WithError(err).Error("Failed to login to IMAP server")
		cl.Logout() //nolint:errcheck
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	updates := make(chan client.Update, 64)
	cl.Updates = updates
	done := make(chan struct{})
	go c.pump(cl, updates, done)

	c.client = cl
	c.done = done
	c.logger.WithFields(logrus.Fields{
		"account": c.config.Name,
		"host":    c.config.IMAPHost,
	}).Info("Connected to IMAP server")
	return nil
}

func (c *IMAPClient) dial() (*client.Client, error) {
	addr := c.config.Address()
	tlsConfig := &tls.Config{
		ServerName: c.config.IMAPHost,
		MinVersion: tls.VersionTLS12,
	}
	if c.config.TLS {
		return client.DialTLS(addr, tlsConfig)
	}
	cl, err := client.Dial(addr)
	if err != nil {
		return nil, err
	}
	if c.config.StartTLS {
		if err := cl.StartTLS(tlsConfig); err != nil {
			cl.Terminate() //nolint:errcheck
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	return cl, nil
}

// dropClient forgets a dead connection
func (c *IMAPClient) dropClient() {
	if c.client == nil {
		return
	}
	c.client.Terminate() //nolint:errcheck
	c.client = nil
	c.setSelected("")
}

// Close logs out and closes the connection
func (c *IMAPClient) Close() error {
	if c.client == nil {
		return nil
	}
	cl, done := c.client, c.done
	c.client = nil
	var err error
	if cl.State() != imap.LogoutState {
		if err = cl.Logout(); err != nil {
			cl.Terminate() //nolint:errcheck
		}
	}
	// no events are delivered after Close returns
	<-done
	return err
}

// pump turns unilateral updates into events until the connection closes
func (c *IMAPClient) pump(cl *client.Client, updates <-chan client.Update, done chan struct{}) {
	defer close(done)
	for {
		select {
		case u := <-updates:
			c.handleUpdate(u)
		case <-cl.LoggedOut():
			// drain whatever arrived before the close
			for {
				select {
				case u := <-updates:
					c.handleUpdate(u)
				default:
					c.logger.WithField("account", c.config.Name).Warn("IMAP connection closed")
					c.emit(types.Event{Kind: types.Disconnected})
					return
				}
			}
		}
	}
}

func (c *IMAPClient) handleUpdate(u client.Update) {
	c.mu.Lock()
	folder := c.selected
	prev, seen := c.known[folder]
	events, next := translate(folder, prev, u)
	if folder != "" && seen {
		c.known[folder] = next
	}
	c.mu.Unlock()

	for _, ev := range events {
		c.logger.WithFields(logrus.Fields{
			"event":  ev.Kind.String(),
			"folder": ev.Folder,
		}).Debug("Server push")
		c.emit(ev)
	}
	if len(events) > 0 {
		select {
		case c.pushed <- struct{}{}:
		default:
		}
	}
}

// translate maps one unilateral update for the selected folder onto events.
// EXPUNGE and FETCH responses carry 1-based sequence numbers; events carry
// 0-based indexes.
func translate(folder string, prev folderStatus, u client.Update) ([]types.Event, folderStatus) {
	next := prev
	switch u := u.(type) {
	case *client.MailboxUpdate:
		if folder == "" || u.Mailbox == nil || u.Mailbox.Messages == prev.count {
			return nil, next
		}
		next.count = u.Mailbox.Messages
		return []types.Event{{Kind: types.CountChanged, Folder: folder, Count: u.Mailbox.Messages}}, next
	case *client.ExpungeUpdate:
		if folder == "" || u.SeqNum == 0 {
			return nil, next
		}
		if next.count > 0 {
			next.count--
		}
		return []types.Event{{Kind: types.MessageRemoved, Folder: folder, Index: int(u.SeqNum) - 1}}, next
	case *client.MessageUpdate:
		if folder == "" || u.Message == nil || u.Message.SeqNum == 0 {
			return nil, next
		}
		return []types.Event{{
			Kind:   types.FlagsChanged,
			Folder: folder,
			Index:  int(u.Message.SeqNum) - 1,
			ID:     u.Message.Uid,
		}}, next
	case *client.StatusUpdate:
		if u.Status == nil || folder == "" || u.Status.Code != imap.CodeUidValidity || len(u.Status.Arguments) == 0 {
			return nil, next
		}
		validity, err := imap.ParseNumber(u.Status.Arguments[0])
		if err != nil || validity == prev.validity {
			return nil, next
		}
		next.validity = validity
		return []types.Event{{Kind: types.GenerationChanged, Folder: folder, Validity: validity}}, next
	}
	return nil, next
}

func (c *IMAPClient) setSelected(name string) {
	c.mu.Lock()
	c.selected = name
	c.mu.Unlock()
}

// remember records the status seen on opening a folder and returns the
// previous one
func (c *IMAPClient) remember(name string, mbox *imap.MailboxStatus) (folderStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, seen := c.known[name]
	c.known[name] = folderStatus{count: mbox.Messages, validity: mbox.UidValidity}
	return prev, seen
}

// forget drops the cached status of a folder, e.g. after it was deleted
func (c *IMAPClient) forget(name string) {
	c.mu.Lock()
	delete(c.known, name)
	c.mu.Unlock()
}

// run executes op on the live connection. If ctx is cancelled while op is
// in flight the connection is terminated, which is the only way to abort a
// command in progress; the next call reconnects.
func (c *IMAPClient) run(ctx context.Context, op func(*client.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	cl := c.client

	stop := make(chan struct{})
	aborted := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cl.Terminate() //nolint:errcheck
			close(aborted)
		case <-stop:
		}
	}()

	err := op(cl)
	close(stop)

	select {
	case <-aborted:
		c.dropClient()
		return ctx.Err()
	default:
	}
	if err != nil && !c.connected() {
		c.dropClient()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return err
}

// withFolder opens name and runs op against it, closing the folder
// afterwards even when op fails. Folders are examined read-only unless
// writable is set.
func (c *IMAPClient) withFolder(ctx context.Context, name string, writable bool, op func(*client.Client, *imap.MailboxStatus) error) error {
	return c.run(ctx, func(cl *client.Client) error {
		mbox, err := c.open(cl, name, writable)
		if err != nil {
			return err
		}
		defer c.closeFolder(cl, name, writable)
		return op(cl, mbox)
	})
}

func (c *IMAPClient) open(cl *client.Client, name string, writable bool) (*imap.MailboxStatus, error) {
	mbox, err := cl.Select(name, !writable)
	if err != nil {
		return nil, fmt.Errorf("failed to open folder %s: %w", name, err)
	}
	c.remember(name, mbox)
	c.setSelected(name)
	return mbox, nil
}

// closeFolder leaves the selected state without expunging: UNSELECT where the
// server has it, otherwise CLOSE on a read-only selection.
func (c *IMAPClient) closeFolder(cl *client.Client, name string, writable bool) {
	c.setSelected("")
	if cl.State() != imap.SelectedState {
		return
	}
	err := cl.Unselect()
	if err == nil || !errors.Is(err, client.ErrExtensionUnsupported) {
		if err != nil {
			c.logger.WithError(err).WithField("folder", name).Debug("Failed to unselect folder")
		}
		return
	}
	if writable {
		if _, err := cl.Select(name, true); err != nil {
			return
		}
	}
	if err := cl.Close(); err != nil {
		c.logger.WithError(err).WithField("folder", name).Debug("Failed to close folder")
	}
}

// ListFolders lists selectable folders with their message count, generation
// token and next-id hint
func (c *IMAPClient) ListFolders(ctx context.Context) ([]types.FolderInfo, error) {
	var folders []types.FolderInfo
	err := c.run(ctx, func(cl *client.Client) error {
		mailboxes := make(chan *imap.MailboxInfo, 10)
		done := make(chan error, 1)
		go func() {
			done <- cl.List("", "*", mailboxes)
		}()

		var infos []*imap.MailboxInfo
		for m := range mailboxes {
			infos = append(infos, m)
		}
		if err := <-done; err != nil {
			return fmt.Errorf("failed to list folders: %w", err)
		}

		items := []imap.StatusItem{imap.StatusMessages, imap.StatusUidNext, imap.StatusUidValidity}
		for _, m := range infos {
			info := types.FolderInfo{
				Name:       m.Name,
				Delimiter:  m.Delimiter,
				Attributes: m.Attributes,
			}
			if info.HasAttribute(imap.NoSelectAttr) {
				continue
			}
			status, err := cl.Status(m.Name, items)
			if err != nil {
				return fmt.Errorf("failed to get status of %s: %w", m.Name, err)
			}
			info.Count = status.Messages
			info.UIDNext = status.UidNext
			info.UIDValidity = status.UidValidity
			folders = append(folders, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

func fetchItems(fields types.Fields) []imap.FetchItem {
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags}
	if fields&types.FieldEnvelope != 0 {
		items = append(items, imap.FetchEnvelope, imap.FetchInternalDate)
	}
	return items
}

// collect drains a fetch into summaries ordered by position
func collect(fetch func(chan *imap.Message) error) ([]types.Summary, error) {
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- fetch(messages)
	}()

	var out []types.Summary
	for msg := range messages {
		if msg.Uid == 0 {
			continue
		}
		out = append(out, toSummary(msg))
	}
	if err := <-done; err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// FetchRange fetches summaries by position: 0-based, end exclusive, end < 0
// meaning through the last message
func (c *IMAPClient) FetchRange(ctx context.Context, folder string, start, end int, fields types.Fields) ([]types.Summary, error) {
	var out []types.Summary
	err := c.withFolder(ctx, folder, false, func(cl *client.Client, mbox *imap.MailboxStatus) error {
		count := int(mbox.Messages)
		if end < 0 || end > count {
			end = count
		}
		if start < 0 {
			start = 0
		}
		if start >= end {
			return nil
		}
		seqSet := new(imap.SeqSet)
		seqSet.AddRange(uint32(start+1), uint32(end))

		var err error
		out, err = collect(func(ch chan *imap.Message) error {
			return cl.Fetch(seqSet, fetchItems(fields), ch)
		})
		if err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}
		return nil
	})
	return out, err
}

// FetchIDs fetches summaries by message id. Ids the server no longer has are
// simply absent from the result.
func (c *IMAPClient) FetchIDs(ctx context.Context, folder string, ids []uint32, fields types.Fields) ([]types.Summary, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []types.Summary
	err := c.withFolder(ctx, folder, false, func(cl *client.Client, _ *imap.MailboxStatus) error {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(ids...)

		var err error
		out, err = collect(func(ch chan *imap.Message) error {
			return cl.UidFetch(seqSet, fetchItems(fields), ch)
		})
		if err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}
		return nil
	})
	return out, err
}

// FetchBody downloads the raw source of a message without setting \Seen
func (c *IMAPClient) FetchBody(ctx context.Context, folder string, id uint32) ([]byte, error) {
	var body []byte
	found := false
	err := c.withFolder(ctx, folder, false, func(cl *client.Client, _ *imap.MailboxStatus) error {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(id)
		section := &imap.BodySectionName{Peek: true}

		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- cl.UidFetch(seqSet, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages)
		}()

		var readErr error
		for msg := range messages {
			if msg.Uid != id {
				continue
			}
			literal := msg.GetBody(section)
			if literal == nil {
				continue
			}
			body, readErr = io.ReadAll(literal)
			found = true
		}
		if err := <-done; err != nil {
			return fmt.Errorf("failed to fetch message body: %w", err)
		}
		if readErr != nil {
			return fmt.Errorf("failed to read message body: %w", readErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("message %d not found in %s", id, folder)
	}
	if body == nil {
		body = []byte{}
	}
	return body, nil
}

// imapFlag maps a mirrored flag onto its system flag
func imapFlag(flag types.Flag) string {
	switch flag {
	case types.FlagRead:
		return imap.SeenFlag
	case types.FlagReplied:
		return imap.AnsweredFlag
	case types.FlagDeleted:
		return imap.DeletedFlag
	}
	return ""
}

// StoreFlag sets or clears a flag on the server. This is the only call that
// opens a folder writable.
func (c *IMAPClient) StoreFlag(ctx context.Context, folder string, id uint32, flag types.Flag, value bool) error {
	name := imapFlag(flag)
	if name == "" {
		return fmt.Errorf("unknown flag: %v", flag)
	}
	var op imap.FlagsOp = imap.RemoveFlags
	if value {
		op = imap.AddFlags
	}
	return c.withFolder(ctx, folder, true, func(cl *client.Client, _ *imap.MailboxStatus) error {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(id)
		if err := cl.UidStore(seqSet, imap.FormatFlagsOp(op, true), []interface{}{name}, nil); err != nil {
			return fmt.Errorf("failed to store flag: %w", err)
		}
		return nil
	})
}

// CreateFolder creates a folder and reports it to subscribers
func (c *IMAPClient) CreateFolder(ctx context.Context, name string) error {
	err := c.run(ctx, func(cl *client.Client) error {
		return cl.Create(name)
	})
	if err != nil {
		return fmt.Errorf("failed to create folder %s: %w", name, err)
	}
	c.emit(types.Event{Kind: types.FolderCreated, Folder: name})
	return nil
}

// DeleteFolder deletes a folder and reports it to subscribers
func (c *IMAPClient) DeleteFolder(ctx context.Context, name string) error {
	err := c.run(ctx, func(cl *client.Client) error {
		return cl.Delete(name)
	})
	if err != nil {
		return fmt.Errorf("failed to delete folder %s: %w", name, err)
	}
	c.forget(name)
	c.emit(types.Event{Kind: types.FolderDeleted, Folder: name})
	return nil
}

// RenameFolder renames a folder and reports it to subscribers
func (c *IMAPClient) RenameFolder(ctx context.Context, oldName, newName string) error {
	err := c.run(ctx, func(cl *client.Client) error {
		return cl.Rename(oldName, newName)
	})
	if err != nil {
		return fmt.Errorf("failed to rename folder %s: %w", oldName, err)
	}
	c.forget(oldName)
	c.emit(types.Event{Kind: types.FolderRenamed, Folder: oldName, NewName: newName})
	return nil
}

// Idle examines the idle folder and waits for server pushes. It returns nil
// when a push arrived or the idle period ran out, and ctx's error when ctx
// was cancelled. Cancellation ends the IDLE command without dropping the
// connection.
func (c *IMAPClient) Idle(ctx context.Context) error {
	// discard a wakeup left over from pushes seen during earlier commands
	select {
	case <-c.pushed:
	default:
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}

	timeout := c.opts.MaxIdle
	if timeout <= 0 {
		timeout = 9 * time.Minute
	}
	name := c.opts.IdleFolder

	err := c.run(context.WithoutCancel(ctx), func(cl *client.Client) error {
		mbox, err := cl.Select(name, true)
		if err != nil {
			return fmt.Errorf("failed to open folder %s: %w", name, err)
		}
		prev, seen := c.remember(name, mbox)
		c.setSelected(name)
		defer c.closeFolder(cl, name, false)

		// changes made while nothing was selected produce no push
		if seen {
			now := folderStatus{count: mbox.Messages, validity: mbox.UidValidity}
			if events := statusEvents(name, prev, now); len(events) > 0 {
				for _, ev := range events {
					c.emit(ev)
				}
				return nil
			}
		}

		stop := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- cl.Idle(stop, &client.IdleOptions{LogoutTimeout: -1})
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case err := <-done:
			return err
		case <-c.pushed:
		case <-timer.C:
		case <-ctx.Done():
		}
		close(stop)
		return <-done
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// statusEvents compares two observations of the same folder
func statusEvents(folder string, prev, now folderStatus) []types.Event {
	if now.validity != prev.validity {
		return []types.Event{{Kind: types.GenerationChanged, Folder: folder, Validity: now.validity}}
	}
	if now.count != prev.count {
		return []types.Event{{Kind: types.CountChanged, Folder: folder, Count: now.count}}
	}
	return nil
}

// toSummary converts a fetched message
func toSummary(msg *imap.Message) types.Summary {
	sum := types.Summary{
		ID:    msg.Uid,
		Index: int(msg.SeqNum) - 1,
	}
	for _, f := range msg.Flags {
		switch imap.CanonicalFlag(f) {
		case imap.SeenFlag:
			sum.Read = true
		case imap.AnsweredFlag:
			sum.Replied = true
		case imap.DeletedFlag:
			sum.Deleted = true
		}
	}
	if msg.Envelope != nil {
		sum.HasEnvelope = true
		sum.Subject = msg.Envelope.Subject
		sum.From = formatAddress(msg.Envelope.From)
		sum.Date = msg.Envelope.Date
		if sum.Date.IsZero() {
			sum.Date = msg.InternalDate
		}
	}
	return sum
}

func formatAddress(addrs []*imap.Address) string {
	if len(addrs) == 0 || addrs[0] == nil {
		return ""
	}
	addr := addrs[0]
	email := ""
	if addr.MailboxName != "" || addr.HostName != "" {
		email = addr.Address()
	}
	switch {
	case addr.PersonalName != "" && email != "":
		return fmt.Sprintf("%s <%s>", addr.PersonalName, email)
	case addr.PersonalName != "":
		return addr.PersonalName
	default:
		return email
	}
}
