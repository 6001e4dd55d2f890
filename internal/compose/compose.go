// Package compose builds and sends messages: new messages, replies that
// extend a thread's ancestor chain, and forwards with a synthesized body.
package compose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fenilsonani/webmail/internal/config"
	"github.com/fenilsonani/webmail/internal/logging"
	"github.com/fenilsonani/webmail/internal/message"
	"github.com/fenilsonani/webmail/internal/metrics"
	"github.com/fenilsonani/webmail/internal/thread"
	"github.com/fenilsonani/webmail/internal/validation"
)

// Common errors
var (
	// ErrParentNotFound is returned when a replied-to message has vanished.
	ErrParentNotFound = errors.New("parent message doesn't exist")
	// ErrPartialSend is returned when the message was stored but a
	// follow-up write failed. The stored message is kept.
	ErrPartialSend = errors.New("message sent but follow-up update failed")
	// ErrInvalidDraft is returned for drafts missing required parts.
	ErrInvalidDraft = errors.New("invalid draft")
)

// SentNotice is shown after a successful send.
const SentNotice = "Email has been sent!"

// Kind names a draft variant.
type Kind string

const (
	KindNew     Kind = "new"
	KindReply   Kind = "reply"
	KindForward Kind = "forward"
)

// Draft is one of NewDraft, ReplyDraft or ForwardDraft.
type Draft interface {
	Kind() Kind
}

// NewDraft starts a new thread.
type NewDraft struct {
	Recipients *RecipientSet
	Subject    string
	Body       string
}

// ReplyDraft answers Parent. The recipient is Parent's sender and the
// subject is Parent's.
type ReplyDraft struct {
	Parent *message.Message
	Body   string
}

// ForwardDraft sends Original, with its history, to new recipients. Note
// is placed above the forwarded text.
type ForwardDraft struct {
	Original   *thread.Entry
	Recipients *RecipientSet
	Note       string
}

func (NewDraft) Kind() Kind     { return KindNew }
func (ReplyDraft) Kind() Kind   { return KindReply }
func (ForwardDraft) Kind() Kind { return KindForward }

// Result tells the caller what to show after a send.
type Result struct {
	MessageID     string         `json:"messageId,omitempty"`
	Notice        string         `json:"notice,omitempty"`
	Redirect      message.Folder `json:"redirect,omitempty"`
	RedirectAfter time.Duration  `json:"redirectAfter,omitempty"`
	CloseModal    bool           `json:"closeModal,omitempty"`
	Refresh       bool           `json:"refresh,omitempty"`
}

// Engine sends messages.
type Engine struct {
	messages      *message.Store
	users         *message.Users
	redirectDelay time.Duration
	now           func() time.Time
	logger        *logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used to stamp sentDate.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a compose engine.
func NewEngine(messages *message.Store, users *message.Users, cfg config.ComposeConfig, logger *logging.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Engine{
		messages:      messages,
		users:         users,
		redirectDelay: config.Duration(cfg.RedirectDelay, time.Second),
		now:           time.Now,
		logger:        logger.Compose(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReplyRecipients returns the locked recipient set of a reply to parent:
// parent's sender, resolved from the users collection.
func (e *Engine) ReplyRecipients(ctx context.Context, parent *message.Message) (*RecipientSet, error) {
	r := Recipient{ID: parent.SenderID, Email: parent.SenderEmail, Name: parent.SenderName}
	u, err := e.users.ByID(ctx, parent.SenderID)
	switch {
	case err == nil:
		r.Email, r.Name = u.Email, u.Name
	case !errors.Is(err, message.ErrUserNotFound):
		return nil, err
	}
	set := NewRecipientSet(r)
	set.Lock()
	return set, nil
}

// outgoing is a draft reduced to the fields every variant shares.
type outgoing struct {
	recipients *RecipientSet
	subject    string
	body       string
	chain      []string
	parent     *message.Message
}

func (e *Engine) prepare(ctx context.Context, draft Draft) (*outgoing, error) {
	switch d := draft.(type) {
	case NewDraft:
		return &outgoing{recipients: d.Recipients, subject: d.Subject, body: d.Body}, nil
	case ReplyDraft:
		if d.Parent == nil {
			return nil, fmt.Errorf("%w: reply without parent", ErrInvalidDraft)
		}
		recipients, err := e.ReplyRecipients(ctx, d.Parent)
		if err != nil {
			return nil, err
		}
		chain := append(append([]string{}, d.Parent.ReplyFrom...), d.Parent.ID)
		return &outgoing{
			recipients: recipients,
			subject:    d.Parent.Title,
			body:       d.Body,
			chain:      chain,
			parent:     d.Parent,
		}, nil
	case ForwardDraft:
		if d.Original == nil {
			return nil, fmt.Errorf("%w: forward without original", ErrInvalidDraft)
		}
		body := ForwardBody(d.Original)
		if note := strings.TrimSpace(d.Note); note != "" {
			body = note + "\n\n" + body
		}
		return &outgoing{
			recipients: d.Recipients,
			subject:    ForwardSubject(d.Original.Message.Title),
			body:       body,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown draft %T", ErrInvalidDraft, draft)
	}
}

// Send validates and stores the draft. On a partial failure both the
// result, carrying the stored message id, and an error wrapping
// ErrPartialSend are returned.
func (e *Engine) Send(ctx context.Context, sender *message.User, draft Draft) (*Result, error) {
	kind := string(draft.Kind())
	out, err := e.prepare(ctx, draft)
	if err != nil {
		metrics.RecordSend(kind, err, "invalid")
		return nil, err
	}
	if out.recipients == nil {
		out.recipients = NewRecipientSet()
	}

	if err := validation.Struct(validation.Compose{
		Kind:       kind,
		Recipients: out.recipients.Emails(),
		Subject:    out.subject,
		Content:    out.body,
	}); err != nil {
		metrics.RecordSend(kind, err, "invalid")
		return nil, err
	}

	ids := out.recipients.IDs()
	m := &message.Message{
		SenderID:       sender.ID,
		SenderEmail:    sender.Email,
		SenderName:     sender.Name,
		ReceiverIDs:    ids,
		ReceiverEmails: out.recipients.Emails(),
		Title:          out.subject,
		Content:        out.body,
		SentDate:       e.now(),
		ReplyFrom:      out.chain,
		StarredBy:      message.NewIDSet(),
		ReadBy:         message.NewIDSet(),
		ActiveFor:      ActiveFor(sender, out.recipients),
	}

	id, err := e.messages.Create(ctx, m)
	if err != nil {
		metrics.RecordSend(kind, err, "store")
		e.logger.ErrorContext(ctx, "failed to store message", err, "kind", kind, "sender", sender.ID)
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	ctx = logging.WithMessageID(ctx, id)

	if out.parent == nil {
		metrics.RecordSend(kind, nil, "")
		e.logger.InfoContext(ctx, "message sent", "kind", kind, "recipients", len(ids))
		return &Result{
			MessageID:     id,
			Notice:        SentNotice,
			Redirect:      message.FolderSent,
			RedirectAfter: e.redirectDelay,
			CloseModal:    true,
		}, nil
	}

	result := &Result{MessageID: id}
	if err := e.finishReply(ctx, out.parent.ID, sender.ID); err != nil {
		metrics.RecordSend(kind, err, "partial")
		e.logger.ErrorContext(ctx, "reply stored but parent update failed", err, "parent", out.parent.ID)
		return result, fmt.Errorf("%w: %w", ErrPartialSend, err)
	}
	metrics.RecordSend(kind, nil, "")
	e.logger.InfoContext(ctx, "reply sent", "parent", out.parent.ID)
	result.Notice = SentNotice
	result.Refresh = true
	return result, nil
}

// finishReply marks the replied-to message read for the replier, after
// checking it still exists.
func (e *Engine) finishReply(ctx context.Context, parentID, userID string) error {
	if _, err := e.messages.Get(ctx, parentID); err != nil {
		if errors.Is(err, message.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
		}
		return err
	}
	return e.messages.MarkRead(ctx, parentID, userID)
}

// ActiveFor returns the initial active set of a message. A sender who is
// also a recipient shares the recipients' copy; otherwise the sender keeps
// a copy of their own.
func ActiveFor(sender *message.User, recipients *RecipientSet) message.IDSet {
	ids := recipients.IDs()
	if ids.Contains(sender.ID) || recipients.Contains(sender.Email) {
		return ids
	}
	return message.NewIDSet(sender.ID).Add(ids...)
}
