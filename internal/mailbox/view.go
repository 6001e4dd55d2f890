package mailbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/fenilsonani/webmail/internal/config"
	"github.com/fenilsonani/webmail/internal/docstore"
	"github.com/fenilsonani/webmail/internal/logging"
	"github.com/fenilsonani/webmail/internal/message"
	"github.com/fenilsonani/webmail/internal/metrics"
)

// Common errors
var (
	ErrInvalidPageSize = errors.New("page size is not one of the configured options")
	ErrNotInView       = errors.New("message is not in this mailbox view")
	ErrViewClosed      = errors.New("mailbox view is closed")
)

// Engine opens mailbox views.
type Engine struct {
	messages *message.Store
	cfg      config.MailboxConfig
	logger   *logging.Logger
}

// NewEngine creates an engine.
func NewEngine(messages *message.Store, cfg config.MailboxConfig, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	if len(cfg.PageSizes) == 0 {
		cfg = config.DefaultConfig().Mailbox
	}
	return &Engine{messages: messages, cfg: cfg, logger: logger.Mailbox()}
}

// PageSizes returns the selectable page sizes.
func (e *Engine) PageSizes() []int {
	return slices.Clone(e.cfg.PageSizes)
}

// DefaultPageSize returns the initial page size of new views.
func (e *Engine) DefaultPageSize() int {
	return e.cfg.DefaultPageSize
}

// ValidPageSize reports whether size is one of the configured options.
func (e *Engine) ValidPageSize(size int) bool {
	return slices.Contains(e.cfg.PageSizes, size)
}

// List computes a page once, without a live subscription.
func (e *Engine) List(ctx context.Context, user *message.User, folder message.Folder, search string, size, index int) (Page, error) {
	if !e.ValidPageSize(size) {
		return Page{}, fmt.Errorf("%w: %d", ErrInvalidPageSize, size)
	}
	msgs, err := e.messages.Folder(ctx, folder, user.ID)
	if err != nil {
		return Page{}, err
	}
	users, err := message.NewUsers(e.messages.Docs()).All(ctx)
	if err != nil {
		return Page{}, err
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Name
	}
	p := Derive(msgs, names, user.ID, search, size, index)
	p.Folder = folder
	p.Selection = SelectionNone
	return p, nil
}

// Open starts a live view of user's folder. The returned view already
// holds the initial page. Close must be called when the view is no longer
// displayed; a change of user or folder needs a new view.
func (e *Engine) Open(ctx context.Context, user *message.User, folder message.Folder) (*View, error) {
	v := &View{
		engine:   e,
		user:     user,
		folder:   folder,
		pageSize: e.cfg.DefaultPageSize,
		names:    make(map[string]string),
		updates:  make(chan Page, 1),
	}
	ctx = logging.WithFolder(logging.WithUserID(ctx, user.ID), string(folder))

	docs := e.messages.Docs()
	unsubUsers, err := docs.Subscribe(ctx, docstore.Users, nil, nil, v.onUsers, v.onUsersError)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to users: %w", err)
	}
	v.unsubs = append(v.unsubs, unsubUsers)

	unsubMessages, err := docs.Subscribe(ctx, docstore.Messages, message.FolderPredicates(folder, user.ID), nil, v.onMessages, v.onMessagesError)
	if err != nil {
		unsubUsers()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", folder, err)
	}
	v.unsubs = append(v.unsubs, unsubMessages)

	metrics.OpenViews.WithLabelValues(string(folder)).Inc()
	e.logger.DebugContext(ctx, "mailbox view opened")
	return v, nil
}

// View is a live mailbox list with local search, paging and selection
// state. It is safe for concurrent use.
type View struct {
	engine *Engine
	user   *message.User
	folder message.Folder

	mu       sync.Mutex
	msgs     []*message.Message
	names    map[string]string
	search   string
	pageSize int
	page     int
	selected message.IDSet
	current  Page
	closed   bool
	unsubs   []docstore.Unsubscribe
	updates  chan Page

	// Each subscription's error clears only on its own next snapshot.
	usersErr    error
	messagesErr error
}

// Folder returns the folder the view lists.
func (v *View) Folder() message.Folder { return v.folder }

func (v *View) onUsers(snap docstore.Snapshot) {
	names := make(map[string]string, len(snap.Docs))
	for _, doc := range snap.Docs {
		names[doc.ID] = doc.String(message.FieldUserName)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.names = names
	v.usersErr = nil
	v.recompute()
}

func (v *View) onMessages(snap docstore.Snapshot) {
	msgs := message.FromDocuments(snap.Docs)
	v.mu.Lock()
	defer v.mu.Unlock()
	v.msgs = msgs
	v.messagesErr = nil
	v.recompute()
}

func (v *View) onUsersError(err error) {
	v.fail(docstore.Users, err, func() { v.usersErr = err })
}

func (v *View) onMessagesError(err error) {
	v.fail(docstore.Messages, err, func() { v.messagesErr = err })
}

func (v *View) fail(collection string, err error, set func()) {
	v.engine.logger.ErrorContext(context.Background(), "mailbox subscription failed", err,
		"user_id", v.user.ID, "folder", string(v.folder), "collection", collection)
	metrics.RecordError("mailbox", "subscription")
	v.mu.Lock()
	defer v.mu.Unlock()
	set()
	v.current.Err = v.errLocked()
	v.publish()
}

// errLocked reports the messages error first, then the users error. The
// caller holds v.mu.
func (v *View) errLocked() error {
	if v.messagesErr != nil {
		return v.messagesErr
	}
	return v.usersErr
}

// recompute rebuilds the current page from the latest snapshots. The
// caller holds v.mu.
func (v *View) recompute() {
	if v.closed {
		return
	}
	p := Derive(v.msgs, v.names, v.user.ID, v.search, v.pageSize, v.page)
	v.page = p.Index
	p.Folder = v.folder
	p.Selected = v.selected.Slice()
	p.Selection = selectionOf(p.Rows, v.selected)
	p.Err = v.errLocked()
	v.current = p
	v.publish()
}

// publish offers the current page to Updates, replacing an unread one.
func (v *View) publish() {
	if v.closed {
		return
	}
	select {
	case <-v.updates:
	default:
	}
	v.updates <- v.current
}

func (v *View) update(fn func()) Page {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn()
	v.recompute()
	return v.current
}

// Snapshot returns the current page.
func (v *View) Snapshot() Page {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Updates delivers every recomputed page. Only the latest unread page is
// kept; the channel is never closed.
func (v *View) Updates() <-chan Page {
	return v.updates
}

// Err returns the outstanding subscription error. A failure stays until
// the failing subscription delivers a fresh snapshot.
func (v *View) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.errLocked()
}

// SetSearch changes the search term.
func (v *View) SetSearch(term string) Page {
	return v.update(func() { v.search = term })
}

// SetPageSize changes the page size to one of the configured options.
func (v *View) SetPageSize(size int) (Page, error) {
	if !v.engine.ValidPageSize(size) {
		return v.Snapshot(), fmt.Errorf("%w: %d", ErrInvalidPageSize, size)
	}
	return v.update(func() { v.pageSize = size }), nil
}

// SetPage moves to the page at index, clamped into range.
func (v *View) SetPage(index int) Page {
	return v.update(func() { v.page = index })
}

// NextPage moves forward one page if there is one.
func (v *View) NextPage() Page {
	return v.update(func() { v.page++ })
}

// PrevPage moves back one page if there is one.
func (v *View) PrevPage() Page {
	return v.update(func() { v.page-- })
}

// ToggleSelect flips the selection of a row.
func (v *View) ToggleSelect(id string) Page {
	return v.update(func() {
		if v.selected.Contains(id) {
			v.selected = v.selected.Remove(id)
		} else {
			v.selected = v.selected.Add(id)
		}
	})
}

// SelectAll selects every row of the current page.
func (v *View) SelectAll() Page {
	return v.update(func() {
		for _, r := range v.current.Rows {
			v.selected = v.selected.Add(r.ID)
		}
	})
}

// ClearSelection deselects everything.
func (v *View) ClearSelection() Page {
	return v.update(func() { v.selected = nil })
}

// SelectionState returns the select-all checkbox state for the current page.
func (v *View) SelectionState() Selection {
	return v.Snapshot().Selection
}

// ToggleStar stars or unstars a listed message for the view's user. The
// list changes when the store echoes the write.
func (v *View) ToggleStar(ctx context.Context, id string) error {
	row, err := v.row(id)
	if err != nil {
		return err
	}
	_, err = v.engine.messages.ToggleStar(ctx, id, v.user.ID, row.Starred)
	return err
}

// MarkRead marks a listed message read for the view's user.
func (v *View) MarkRead(ctx context.Context, id string) error {
	row, err := v.row(id)
	if err != nil {
		return err
	}
	if row.Read {
		return nil
	}
	return v.engine.messages.MarkRead(ctx, id, v.user.ID)
}

// DeleteSelected soft-deletes every selected message for the view's user,
// one at a time, then clears the selection. Failures are joined.
func (v *View) DeleteSelected(ctx context.Context) error {
	v.mu.Lock()
	ids := v.selected.Slice()
	v.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	err := v.engine.messages.DeleteMany(ctx, ids, v.user.ID)
	if err != nil {
		v.engine.logger.WarnContext(ctx, "batch delete incomplete", "user_id", v.user.ID, "count", len(ids), "error", err)
	}
	v.ClearSelection()
	return err
}

// row finds id among all visible rows, not only the current page.
func (v *View) row(id string) (Row, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return Row{}, ErrViewClosed
	}
	for _, r := range BuildRows(v.msgs, v.names, v.user.ID) {
		if r.ID == id {
			return r, nil
		}
	}
	return Row{}, fmt.Errorf("%w: %s", ErrNotInView, id)
}

// Close unsubscribes the view. It is safe to call more than once.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	unsubs := v.unsubs
	v.unsubs = nil
	v.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	metrics.OpenViews.WithLabelValues(string(v.folder)).Dec()
}
