package message

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fenilsonani/webmail/internal/docstore"
	"github.com/fenilsonani/webmail/internal/logging"
	"github.com/fenilsonani/webmail/internal/metrics"
)

// Common errors
var (
	ErrNotFound     = errors.New("message not found")
	ErrUserNotFound = errors.New("user not found")
)

// Store reads and mutates messages in the document store. Mutations are
// single set operations, so concurrent users never overwrite each other.
type Store struct {
	docs   docstore.Store
	logger *logging.Logger
}

// NewStore creates a message store.
func NewStore(docs docstore.Store, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{docs: docs, logger: logger.Store()}
}

// Docs returns the underlying document store.
func (s *Store) Docs() docstore.Store {
	return s.docs
}

// Get fetches a message by id.
func (s *Store) Get(ctx context.Context, id string) (*Message, error) {
	doc, err := s.docs.Get(ctx, docstore.Messages, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return FromDocument(doc), nil
}

// Create persists m and returns its new id. m.ID is set on success.
func (s *Store) Create(ctx context.Context, m *Message) (string, error) {
	id, err := s.docs.Create(ctx, docstore.Messages, m.Fields())
	if err != nil {
		return "", fmt.Errorf("failed to create message: %w", err)
	}
	m.ID = id
	return id, nil
}

// Query runs a one-shot message query.
func (s *Store) Query(ctx context.Context, where []docstore.Predicate, order *docstore.OrderBy) ([]*Message, error) {
	docs, err := s.docs.Query(ctx, docstore.Messages, where, order)
	if err != nil {
		return nil, err
	}
	return FromDocuments(docs), nil
}

// Folder returns a user's folder listing, unfiltered by soft delete.
func (s *Store) Folder(ctx context.Context, folder Folder, userID string) ([]*Message, error) {
	return s.Query(ctx, FolderPredicates(folder, userID), nil)
}

// Replies returns every message whose chain contains rootID, oldest first.
func (s *Store) Replies(ctx context.Context, rootID string) ([]*Message, error) {
	return s.Query(ctx, ThreadPredicates(rootID), docstore.Asc(FieldSentDate))
}

// Star adds userID to the message's starred set.
func (s *Store) Star(ctx context.Context, id, userID string) error {
	return s.mutate(ctx, "star", id, docstore.Fields{FieldStarredBy: docstore.ArrayUnion(userID)})
}

// Unstar removes userID from the message's starred set.
func (s *Store) Unstar(ctx context.Context, id, userID string) error {
	return s.mutate(ctx, "unstar", id, docstore.Fields{FieldStarredBy: docstore.ArrayRemove(userID)})
}

// ToggleStar stars or unstars based on the caller's current view of the
// message and returns the new state. The write is a single set operation,
// so a stale view can at worst repeat an idempotent change.
func (s *Store) ToggleStar(ctx context.Context, id, userID string, starred bool) (bool, error) {
	if starred {
		return false, s.Unstar(ctx, id, userID)
	}
	return true, s.Star(ctx, id, userID)
}

// MarkRead adds userID to the message's read set.
func (s *Store) MarkRead(ctx context.Context, id, userID string) error {
	return s.mutate(ctx, "read", id, docstore.Fields{FieldReadBy: docstore.ArrayUnion(userID)})
}

// Delete soft-deletes the message for userID only.
func (s *Store) Delete(ctx context.Context, id, userID string) error {
	return s.mutate(ctx, "delete", id, docstore.Fields{FieldActiveFor: docstore.ArrayRemove(userID)})
}

// DeleteMany soft-deletes ids one at a time in order. Every id is
// attempted; failures are joined into the returned error.
func (s *Store) DeleteMany(ctx context.Context, ids []string, userID string) error {
	var errs []error
	for _, id := range ids {
		if err := s.Delete(ctx, id, userID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) mutate(ctx context.Context, op, id string, fields docstore.Fields) error {
	err := s.docs.Update(ctx, docstore.Messages, id, fields)
	metrics.RecordMutation(op, err)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "message update failed", err, "op", op, "message_id", id)
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return nil
}

// Users reads the users collection.
type Users struct {
	docs docstore.Store
}

// NewUsers creates a users reader.
func NewUsers(docs docstore.Store) *Users {
	return &Users{docs: docs}
}

// ByID returns the user with the given id.
func (u *Users) ByID(ctx context.Context, id string) (*User, error) {
	if id == "" {
		return nil, ErrUserNotFound
	}
	doc, err := u.docs.Get(ctx, docstore.Users, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return UserFromDocument(doc), nil
}

// ByEmail returns the user whose email matches exactly (case-insensitive).
func (u *Users) ByEmail(ctx context.Context, email string) (*User, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, ErrUserNotFound
	}
	docs, err := u.docs.Query(ctx, docstore.Users, []docstore.Predicate{docstore.Eq(FieldUserEmail, email)}, nil)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrUserNotFound
	}
	return UserFromDocument(docs[0]), nil
}

// EmailFor resolves a user id to an email, returning UnknownSender when the
// user does not exist. Store failures are returned as errors.
func (u *Users) EmailFor(ctx context.Context, id string) (string, error) {
	user, err := u.ByID(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		return UnknownSender, nil
	}
	if err != nil {
		return "", err
	}
	return user.Email, nil
}

// All returns every user.
func (u *Users) All(ctx context.Context) ([]*User, error) {
	docs, err := u.docs.Query(ctx, docstore.Users, nil, nil)
	if err != nil {
		return nil, err
	}
	users := make([]*User, 0, len(docs))
	for _, doc := range docs {
		users = append(users, UserFromDocument(doc))
	}
	return users, nil
}

// NormalizeEmail lower-cases and trims an address for comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
