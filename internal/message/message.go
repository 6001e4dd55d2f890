// Package message defines the mail data model, its document encoding and
// the set-membership mutations (star, read, delete) applied to messages.
package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/fenilsonani/webmail/internal/docstore"
)

// Document field names.
const (
	FieldSenderID      = "senderId"
	FieldSenderEmail   = "senderEmail"
	FieldSenderName    = "senderName"
	FieldReceiverIDs   = "receiverId"
	FieldReceiverEmail = "receiverEmail"
	FieldTitle         = "title"
	FieldContent       = "content"
	FieldSentDate      = "sentDate"
	FieldReplyFrom     = "replyFromMessageId"
	FieldStarredBy     = "starredId"
	FieldReadBy        = "readId"
	FieldActiveFor     = "activeId"

	FieldUserName  = "name"
	FieldUserEmail = "email"
)

const (
	// UnknownSender is shown when a sender id no longer resolves to a user.
	UnknownSender = "Unknown"
	// RepliedTitle replaces the subject of every non-root message.
	RepliedTitle = "(replied)"

	// legacyPlaceholder was written into starred/read sets by older clients
	// that could not store empty arrays. It never names a real user.
	legacyPlaceholder = "0"
)

// Folder selects one of a user's mailbox lists.
type Folder string

const (
	FolderInbox   Folder = "inbox"
	FolderSent    Folder = "sent"
	FolderStarred Folder = "starred"
)

// ParseFolder maps a folder name to a Folder. An empty name means inbox.
func ParseFolder(name string) (Folder, error) {
	switch Folder(strings.ToLower(strings.TrimSpace(name))) {
	case "", FolderInbox:
		return FolderInbox, nil
	case FolderSent:
		return FolderSent, nil
	case FolderStarred:
		return FolderStarred, nil
	default:
		return "", fmt.Errorf("unknown folder %q", name)
	}
}

// User is a directory entry.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// UserFromDocument decodes a users document.
func UserFromDocument(doc *docstore.Document) *User {
	return &User{
		ID:    doc.ID,
		Name:  doc.String(FieldUserName),
		Email: doc.String(FieldUserEmail),
	}
}

// Message is one stored message. Replies are messages whose ReplyFrom
// chain is non-empty; the chain lists ancestor ids, root first.
type Message struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	SenderEmail    string    `json:"senderEmail,omitempty"`
	SenderName     string    `json:"senderName,omitempty"`
	ReceiverIDs    IDSet     `json:"receiverId"`
	ReceiverEmails []string  `json:"receiverEmail"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	SentDate       time.Time `json:"sentDate"`
	ReplyFrom      []string  `json:"replyFromMessageId"`
	StarredBy      IDSet     `json:"starredId"`
	ReadBy         IDSet     `json:"readId"`
	ActiveFor      IDSet     `json:"activeId"`
}

// IsReply reports whether m belongs to another message's thread.
func (m *Message) IsReply() bool {
	return len(m.ReplyFrom) > 0
}

// DisplayTitle is the subject shown for m: replies display RepliedTitle.
func (m *Message) DisplayTitle() string {
	if m.IsReply() {
		return RepliedTitle
	}
	return m.Title
}

// IsActiveFor reports whether userID has not deleted m.
func (m *Message) IsActiveFor(userID string) bool {
	return m.ActiveFor.Contains(userID)
}

// Involves reports whether userID sent or received m.
func (m *Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverIDs.Contains(userID)
}

// Fields encodes m for storage. The id is not part of the fields.
func (m *Message) Fields() docstore.Fields {
	replyFrom := m.ReplyFrom
	if replyFrom == nil {
		replyFrom = []string{}
	}
	emails := m.ReceiverEmails
	if emails == nil {
		emails = []string{}
	}
	return docstore.Fields{
		FieldSenderID:      m.SenderID,
		FieldSenderEmail:   m.SenderEmail,
		FieldSenderName:    m.SenderName,
		FieldReceiverIDs:   m.ReceiverIDs.Slice(),
		FieldReceiverEmail: append([]string{}, emails...),
		FieldTitle:         m.Title,
		FieldContent:       m.Content,
		FieldSentDate:      m.SentDate,
		FieldReplyFrom:     append([]string{}, replyFrom...),
		FieldStarredBy:     m.StarredBy.Slice(),
		FieldReadBy:        m.ReadBy.Slice(),
		FieldActiveFor:     m.ActiveFor.Slice(),
	}
}

// FromDocument decodes a messages document. A legacy string-valued reply
// chain decodes as a list, and legacy placeholder ids are dropped.
func FromDocument(doc *docstore.Document) *Message {
	return &Message{
		ID:             doc.ID,
		SenderID:       doc.String(FieldSenderID),
		SenderEmail:    doc.String(FieldSenderEmail),
		SenderName:     doc.String(FieldSenderName),
		ReceiverIDs:    NewIDSet(doc.Strings(FieldReceiverIDs)...),
		ReceiverEmails: doc.Strings(FieldReceiverEmail),
		Title:          doc.String(FieldTitle),
		Content:        doc.String(FieldContent),
		SentDate:       doc.Time(FieldSentDate),
		ReplyFrom:      doc.Strings(FieldReplyFrom),
		StarredBy:      NewIDSet(doc.Strings(FieldStarredBy)...).Remove(legacyPlaceholder),
		ReadBy:         NewIDSet(doc.Strings(FieldReadBy)...).Remove(legacyPlaceholder),
		ActiveFor:      NewIDSet(doc.Strings(FieldActiveFor)...),
	}
}

// FromDocuments decodes a query result.
func FromDocuments(docs []*docstore.Document) []*Message {
	out := make([]*Message, 0, len(docs))
	for _, doc := range docs {
		out = append(out, FromDocument(doc))
	}
	return out
}

// FolderPredicates returns the store filter for a user's folder. Only
// top-level messages are listed. Rows the user deleted still match and are
// dropped afterwards by the caller.
func FolderPredicates(folder Folder, userID string) []docstore.Predicate {
	topLevel := docstore.IsEmpty(FieldReplyFrom)
	switch folder {
	case FolderSent:
		return []docstore.Predicate{docstore.Eq(FieldSenderID, userID), topLevel}
	case FolderStarred:
		return []docstore.Predicate{docstore.ArrayContains(FieldStarredBy, userID), topLevel}
	default:
		return []docstore.Predicate{docstore.ArrayContains(FieldReceiverIDs, userID), topLevel}
	}
}

// ThreadPredicates returns the filter for every reply under rootID.
func ThreadPredicates(rootID string) []docstore.Predicate {
	return []docstore.Predicate{docstore.ArrayContains(FieldReplyFrom, rootID)}
}
