// Package thread reconstructs reply threads from flat message records.
//
// Every reply stores its full ancestor chain in replyFromMessageId, root
// first, so a single array-contains query on the root id finds descendants
// at any depth. The resolver then attaches to each reply the entries for
// its chain ("history") from the same fetch, without further reads.
package thread

import (
	"context"
	"errors"
	"fmt"

	"github.com/fenilsonani/webmail/internal/logging"
	"github.com/fenilsonani/webmail/internal/message"
	"github.com/fenilsonani/webmail/internal/metrics"
)

// ErrNotFound is returned when the thread root does not exist.
var ErrNotFound = errors.New("message not found")

// Entry is one message of a thread with its sender resolved.
type Entry struct {
	Message     *message.Message
	SenderEmail string
	// History holds the entries named by the message's reply chain, in
	// chain order. Ancestors missing from the thread are left out.
	History []*Entry
}

// DisplayTitle returns "(replied)" for replies and the subject otherwise.
func (e *Entry) DisplayTitle() string {
	return e.Message.DisplayTitle()
}

// Thread is a resolved thread: the root followed by its replies, oldest first.
type Thread struct {
	Entries []*Entry
}

// Root returns the root entry.
func (t *Thread) Root() *Entry {
	return t.Entries[0]
}

// Replies returns every entry after the root.
func (t *Thread) Replies() []*Entry {
	return t.Entries[1:]
}

// Find returns the entry for id, or nil.
func (t *Thread) Find(id string) *Entry {
	for _, e := range t.Entries {
		if e.Message.ID == id {
			return e
		}
	}
	return nil
}

// Resolver assembles threads.
type Resolver struct {
	messages *message.Store
	users    *message.Users
	logger   *logging.Logger
}

// NewResolver creates a resolver.
func NewResolver(messages *message.Store, users *message.Users, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Resolver{messages: messages, users: users, logger: logger.Thread()}
}

// Resolve fetches the root and every reply under it. A missing root is the
// only hard failure; senders that no longer exist resolve to "Unknown".
func (r *Resolver) Resolve(ctx context.Context, rootID string) (*Thread, error) {
	root, err := r.messages.Get(ctx, rootID)
	if errors.Is(err, message.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rootID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch thread root: %w", err)
	}

	senders := make(map[string]string)
	rootEntry, err := r.entry(ctx, root, senders)
	if err != nil {
		return nil, err
	}

	replies, err := r.messages.Replies(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch replies: %w", err)
	}

	entries := make([]*Entry, 0, len(replies)+1)
	entries = append(entries, rootEntry)
	byID := map[string]*Entry{root.ID: rootEntry}
	for _, reply := range replies {
		e, err := r.entry(ctx, reply, senders)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		byID[reply.ID] = e
	}

	for _, e := range entries {
		for _, ancestorID := range e.Message.ReplyFrom {
			if ancestor, ok := byID[ancestorID]; ok {
				e.History = append(e.History, ancestor)
			}
		}
	}

	metrics.RecordThread(len(entries))
	r.logger.DebugContext(ctx, "thread resolved", "root", rootID, "size", len(entries))
	return &Thread{Entries: entries}, nil
}

// Open resolves a thread for user and marks the root read for them if it
// was unread. A root user has deleted or never had is reported as
// ErrNotFound. A failed mark-read is logged and does not fail the open.
func (r *Resolver) Open(ctx context.Context, user *message.User, rootID string) (*Thread, error) {
	t, err := r.Resolve(ctx, rootID)
	if err != nil {
		return nil, err
	}
	root := t.Root().Message
	if !root.IsActiveFor(user.ID) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rootID)
	}
	if root.ReadBy.Contains(user.ID) {
		return t, nil
	}
	if err := r.messages.MarkRead(ctx, root.ID, user.ID); err != nil {
		r.logger.WarnContext(ctx, "failed to mark message read", "message_id", root.ID, "error", err)
		return t, nil
	}
	root.ReadBy = root.ReadBy.Add(user.ID)
	return t, nil
}

// EntryFor resolves the thread containing message id and returns its entry,
// history included. id may name the root or any reply.
func (r *Resolver) EntryFor(ctx context.Context, id string) (*Entry, error) {
	m, err := r.messages.Get(ctx, id)
	if errors.Is(err, message.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	rootID := m.ID
	if m.IsReply() {
		rootID = m.ReplyFrom[0]
	}
	t, err := r.Resolve(ctx, rootID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if t != nil {
		if e := t.Find(id); e != nil {
			return e, nil
		}
	}
	// The root is gone; the message stands alone.
	return r.entry(ctx, m, make(map[string]string))
}

func (r *Resolver) entry(ctx context.Context, m *message.Message, senders map[string]string) (*Entry, error) {
	email, ok := senders[m.SenderID]
	if !ok {
		var err error
		email, err = r.users.EmailFor(ctx, m.SenderID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve sender of %s: %w", m.ID, err)
		}
		senders[m.SenderID] = email
	}
	return &Entry{Message: m, SenderEmail: email}, nil
}
