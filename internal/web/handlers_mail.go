package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fenilsonani/webmail/internal/audit"
	"github.com/fenilsonani/webmail/internal/compose"
	"github.com/fenilsonani/webmail/internal/logging"
	"github.com/fenilsonani/webmail/internal/message"
	"github.com/fenilsonani/webmail/internal/thread"
)

func parseFolder(r *http.Request) (message.Folder, error) {
	folder, err := message.ParseFolder(r.PathValue("folder"))
	if err != nil {
		return "", fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return folder, nil
}

// handleList returns one page of a folder. page is zero-based.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	folder, err := parseFolder(r)
	if err != nil {
		s.writeError(w, r, "list mailbox", err)
		return
	}
	size, err := queryInt(r, "size", s.mailboxes.DefaultPageSize())
	if err != nil {
		s.writeError(w, r, "list mailbox", err)
		return
	}
	index, err := queryInt(r, "page", 0)
	if err != nil {
		s.writeError(w, r, "list mailbox", err)
		return
	}

	page, err := s.mailboxes.List(r.Context(), userFrom(r.Context()), folder, r.URL.Query().Get("q"), size, index)
	if err != nil {
		s.writeError(w, r, "list mailbox", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type historyView struct {
	ID          string    `json:"id"`
	SenderEmail string    `json:"senderEmail"`
	Content     string    `json:"content"`
	SentDate    time.Time `json:"sentDate"`
}

type entryView struct {
	ID          string        `json:"id"`
	SenderID    string        `json:"senderId"`
	SenderEmail string        `json:"senderEmail"`
	Title       string        `json:"title"`
	Content     string        `json:"content"`
	SentDate    time.Time     `json:"sentDate"`
	Starred     bool          `json:"starred"`
	Read        bool          `json:"read"`
	ReplyFrom   []string      `json:"replyFromMessageId"`
	History     []historyView `json:"history"`
}

type threadView struct {
	Root    entryView   `json:"root"`
	Replies []entryView `json:"replies"`
}

func viewOf(e *thread.Entry, userID string) entryView {
	m := e.Message
	v := entryView{
		ID:          m.ID,
		SenderID:    m.SenderID,
		SenderEmail: e.SenderEmail,
		Title:       e.DisplayTitle(),
		Content:     m.Content,
		SentDate:    m.SentDate,
		Starred:     m.StarredBy.Contains(userID),
		Read:        m.ReadBy.Contains(userID),
		ReplyFrom:   m.ReplyFrom,
		History:     make([]historyView, 0, len(e.History)),
	}
	if v.ReplyFrom == nil {
		v.ReplyFrom = []string{}
	}
	for _, h := range e.History {
		v.History = append(v.History, historyView{
			ID:          h.Message.ID,
			SenderEmail: h.SenderEmail,
			Content:     h.Message.Content,
			SentDate:    h.Message.SentDate,
		})
	}
	return v
}

// handleOpen resolves the thread rooted at id and marks the root read.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	ctx := logging.WithMessageID(r.Context(), r.PathValue("id"))

	t, err := s.threads.Open(ctx, user, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, "open thread", err)
		return
	}
	out := threadView{Root: viewOf(t.Root(), user.ID), Replies: make([]entryView, 0, len(t.Replies()))}
	for _, e := range t.Replies() {
		out.Replies = append(out.Replies, viewOf(e, user.ID))
	}
	writeJSON(w, http.StatusOK, out)
}

type sendRequest struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
}

type forwardRequest struct {
	Recipients []string `json:"recipients"`
	Note       string   `json:"note"`
}

type replyRequest struct {
	Body string `json:"body"`
}

// recipients resolves typed addresses. Duplicates collapse; unknown
// addresses are kept unresolved.
func (s *Server) recipients(ctx context.Context, emails []string) (*compose.RecipientSet, error) {
	set := compose.NewRecipientSet()
	for _, email := range emails {
		if strings.TrimSpace(email) == "" {
			continue
		}
		rcpt, err := s.composer.ResolveEntry(ctx, email)
		if err != nil {
			return nil, err
		}
		set.Add(rcpt)
	}
	return set, nil
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, "send email", err)
		return
	}
	set, err := s.recipients(r.Context(), req.Recipients)
	if err != nil {
		s.writeError(w, r, "send email", err)
		return
	}
	s.send(w, r, compose.NewDraft{Recipients: set, Subject: req.Subject, Body: req.Body})
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, "send email", err)
		return
	}
	parent, err := s.involved(r.Context(), userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, "send email", err)
		return
	}
	s.send(w, r, compose.ReplyDraft{Parent: parent, Body: req.Body})
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	var req forwardRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, "send email", err)
		return
	}
	id := r.PathValue("id")
	original, err := s.threads.EntryFor(r.Context(), id)
	if err == nil && !original.Message.Involves(userFrom(r.Context()).ID) {
		err = fmt.Errorf("%w: %s", message.ErrNotFound, id)
	}
	if err != nil {
		s.writeError(w, r, "send email", err)
		return
	}
	set, err := s.recipients(r.Context(), req.Recipients)
	if err != nil {
		s.writeError(w, r, "send email", err)
		return
	}
	s.send(w, r, compose.ForwardDraft{Original: original, Recipients: set, Note: req.Note})
}

// send runs a draft through the compose engine. A partial failure reports
// the id of the message that was stored.
func (s *Server) send(w http.ResponseWriter, r *http.Request, draft compose.Draft) {
	user := userFrom(r.Context())
	result, err := s.composer.Send(r.Context(), user, draft)
	if err != nil && errors.Is(err, compose.ErrPartialSend) && result != nil {
		s.record(r.Context(), r, user.Email, auditEvent{
			action:  audit.EventMessageSend,
			target:  result.MessageID,
			details: map[string]any{"kind": string(draft.Kind()), "partial": true},
		})
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to send email", MessageID: result.MessageID})
		return
	}
	if err != nil {
		s.writeError(w, r, "send email", err)
		return
	}
	s.record(r.Context(), r, user.Email, auditEvent{
		action:  audit.EventMessageSend,
		target:  result.MessageID,
		details: map[string]any{"kind": string(draft.Kind())},
	})
	writeJSON(w, http.StatusCreated, result)
}

// involved fetches message id, hiding it from users who neither sent nor
// received it.
func (s *Server) involved(ctx context.Context, user *message.User, id string) (*message.Message, error) {
	m, err := s.messages.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.Involves(user.ID) {
		return nil, fmt.Errorf("%w: %s", message.ErrNotFound, id)
	}
	return m, nil
}

// handleStar flips the caller's star on a message.
func (s *Server) handleStar(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	id := r.PathValue("id")
	m, err := s.involved(r.Context(), user, id)
	if err != nil {
		s.writeError(w, r, "star message", err)
		return
	}
	starred, err := s.messages.ToggleStar(r.Context(), id, user.ID, m.StarredBy.Contains(user.ID))
	if err != nil {
		s.writeError(w, r, "star message", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "starred": starred})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	id := r.PathValue("id")
	if _, err := s.involved(r.Context(), user, id); err != nil {
		s.writeError(w, r, "mark message read", err)
		return
	}
	if err := s.messages.MarkRead(r.Context(), id, user.ID); err != nil {
		s.writeError(w, r, "mark message read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "read": true})
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

// handleDelete soft-deletes ids for the caller. Every id is attempted.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	var req deleteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, "delete messages", err)
		return
	}
	if len(req.IDs) == 0 {
		s.writeError(w, r, "delete messages", fmt.Errorf("%w: no messages selected", errBadRequest))
		return
	}
	err := s.messages.DeleteMany(r.Context(), req.IDs, user.ID)
	for _, id := range req.IDs {
		s.record(r.Context(), r, user.Email, auditEvent{action: audit.EventMessageDelete, target: id})
	}
	if err != nil {
		s.writeError(w, r, "delete messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": len(req.IDs)})
}

// handleSuggest lists known correspondents matching q.
func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	out, err := s.composer.Suggest(r.Context(), userFrom(r.Context()), r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, r, "suggest recipients", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleResolve turns one typed address into a recipient chip.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if strings.TrimSpace(email) == "" {
		s.writeError(w, r, "resolve recipient", fmt.Errorf("%w: email is required", errBadRequest))
		return
	}
	rcpt, err := s.composer.ResolveEntry(r.Context(), email)
	if err != nil {
		s.writeError(w, r, "resolve recipient", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipient": rcpt, "resolved": rcpt.Resolved()})
}
