package compose

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/fenilsonani/webmail/internal/docstore"
	"github.com/fenilsonani/webmail/internal/message"
)

// Recipient is an entry of a message's recipient list. ID is empty when
// the address does not belong to a registered user.
type Recipient struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Resolved reports whether the recipient maps to a user.
func (r Recipient) Resolved() bool {
	return r.ID != ""
}

func (r Recipient) key() string {
	return message.NormalizeEmail(r.Email)
}

// RecipientSet is an ordered recipient list keyed by lower-cased email.
// A locked set rejects changes.
type RecipientSet struct {
	entries []Recipient
	locked  bool
}

// NewRecipientSet builds a set from rs, skipping duplicates.
func NewRecipientSet(rs ...Recipient) *RecipientSet {
	s := &RecipientSet{}
	for _, r := range rs {
		s.Add(r)
	}
	return s
}

// Add appends r unless its email is empty or already present, or the set
// is locked. It reports whether r was added.
func (s *RecipientSet) Add(r Recipient) bool {
	if s.locked || r.key() == "" || s.Contains(r.Email) {
		return false
	}
	r.Email = strings.TrimSpace(r.Email)
	s.entries = append(s.entries, r)
	return true
}

// Remove drops the entry for email. It reports whether one was removed.
func (s *RecipientSet) Remove(email string) bool {
	if s.locked {
		return false
	}
	key := message.NormalizeEmail(email)
	for i, r := range s.entries {
		if r.key() == key {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether email is in the set.
func (s *RecipientSet) Contains(email string) bool {
	key := message.NormalizeEmail(email)
	for _, r := range s.entries {
		if r.key() == key {
			return true
		}
	}
	return false
}

// Lock freezes the set.
func (s *RecipientSet) Lock() { s.locked = true }

// Locked reports whether the set is frozen.
func (s *RecipientSet) Locked() bool { return s.locked }

// Len returns the number of entries.
func (s *RecipientSet) Len() int { return len(s.entries) }

// Entries returns a copy of the entries in insertion order.
func (s *RecipientSet) Entries() []Recipient {
	return append([]Recipient(nil), s.entries...)
}

// IDs returns the ids of resolved entries.
func (s *RecipientSet) IDs() message.IDSet {
	ids := make([]string, 0, len(s.entries))
	for _, r := range s.entries {
		ids = append(ids, r.ID)
	}
	return message.NewIDSet(ids...)
}

// Emails returns every entry's email, resolved or not.
func (s *RecipientSet) Emails() []string {
	emails := make([]string, 0, len(s.entries))
	for _, r := range s.entries {
		emails = append(emails, r.Email)
	}
	return emails
}

// ResolveEntry looks up free-typed text as an exact email. An unknown
// address still yields a recipient, carrying only the email.
func (e *Engine) ResolveEntry(ctx context.Context, text string) (Recipient, error) {
	email := strings.TrimSpace(text)
	u, err := e.users.ByEmail(ctx, email)
	if errors.Is(err, message.ErrUserNotFound) {
		return Recipient{Email: email}, nil
	}
	if err != nil {
		return Recipient{}, err
	}
	return Recipient{ID: u.ID, Email: u.Email, Name: u.Name}, nil
}

// Suggest returns the distinct senders of messages user received whose email
// contains text, ignoring case. Sender emails are resolved from the users
// collection; senders that no longer exist are skipped.
func (e *Engine) Suggest(ctx context.Context, user *message.User, text string) ([]Recipient, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return []Recipient{}, nil
	}
	received := []docstore.Predicate{docstore.ArrayContains(message.FieldReceiverIDs, user.ID)}
	msgs, err := e.messages.Query(ctx, received, nil)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	out := []Recipient{}
	for _, m := range msgs {
		if seen[m.SenderID] {
			continue
		}
		seen[m.SenderID] = true
		u, err := e.users.ByID(ctx, m.SenderID)
		if errors.Is(err, message.ErrUserNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if strings.Contains(strings.ToLower(u.Email), text) {
			out = append(out, Recipient{ID: u.ID, Email: u.Email, Name: u.Name})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}
