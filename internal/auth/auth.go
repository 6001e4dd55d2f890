// Package auth is the identity collaborator of the webmail engine: user
// registration and lookup in the users collection, argon2id passwords,
// login sessions and a failed-login limiter.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fenilsonani/webmail/internal/docstore"
	"github.com/fenilsonani/webmail/internal/message"
	"github.com/fenilsonani/webmail/internal/metrics"
	"github.com/fenilsonani/webmail/internal/validation"
)

var (
	// ErrInvalidCredentials is returned when authentication fails
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned when a user doesn't exist
	ErrUserNotFound = message.ErrUserNotFound
	// ErrEmailTaken is returned when registering an address twice
	ErrEmailTaken = errors.New("email is already registered")
)

// Stored user fields owned by this package.
const (
	fieldPasswordHash = "passwordHash"
	fieldRole         = "role"
	fieldCreatedAt    = "createdAt"
)

// Roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Account is a user with the auth-owned fields. The password hash never
// leaves this package.
type Account struct {
	message.User
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Authenticator registers and authenticates users.
type Authenticator struct {
	docs   docstore.Store
	users  *message.Users
	params Params
	now    func() time.Time

	// registerMu serializes the email uniqueness check with the insert.
	registerMu sync.Mutex
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithParams sets the argon2id cost of new hashes.
func WithParams(p Params) Option {
	return func(a *Authenticator) { a.params = p }
}

// NewAuthenticator creates a new Authenticator over the users collection
func NewAuthenticator(docs docstore.Store, opts ...Option) *Authenticator {
	a := &Authenticator{
		docs:   docs,
		users:  message.NewUsers(docs),
		params: DefaultParams,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register validates the form and creates a user account.
func (a *Authenticator) Register(ctx context.Context, form validation.Registration) (*Account, error) {
	form.Email = message.NormalizeEmail(form.Email)
	form.Name = strings.TrimSpace(form.Name)
	if err := validation.Struct(form); err != nil {
		return nil, err
	}
	if form.Role == "" {
		form.Role = RoleUser
	}

	hash, err := a.params.Hash(form.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	a.registerMu.Lock()
	defer a.registerMu.Unlock()

	if _, err := a.users.ByEmail(ctx, form.Email); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrEmailTaken, form.Email)
	} else if !errors.Is(err, message.ErrUserNotFound) {
		return nil, err
	}

	created := a.now().UTC()
	id, err := a.docs.Create(ctx, docstore.Users, docstore.Fields{
		message.FieldUserName:  form.Name,
		message.FieldUserEmail: form.Email,
		fieldPasswordHash:      hash,
		fieldRole:              form.Role,
		fieldCreatedAt:         created,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &Account{
		User:      message.User{ID: id, Name: form.Name, Email: form.Email},
		Role:      form.Role,
		CreatedAt: created,
	}, nil
}

// Authenticate validates credentials and returns the user
func (a *Authenticator) Authenticate(ctx context.Context, email, password string) (*message.User, error) {
	doc, err := a.findByEmail(ctx, email)
	if err != nil {
		metrics.RecordAuth(false)
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !VerifyPassword(password, doc.String(fieldPasswordHash)) {
		metrics.RecordAuth(false)
		return nil, ErrInvalidCredentials
	}
	metrics.RecordAuth(true)
	return message.UserFromDocument(doc), nil
}

// LookupUser finds a user by email address
func (a *Authenticator) LookupUser(ctx context.Context, email string) (*message.User, error) {
	return a.users.ByEmail(ctx, email)
}

// LookupUserByID finds a user by their ID
func (a *Authenticator) LookupUserByID(ctx context.Context, id string) (*message.User, error) {
	return a.users.ByID(ctx, id)
}

// Account returns the full account for id.
func (a *Authenticator) Account(ctx context.Context, id string) (*Account, error) {
	doc, err := a.docs.Get(ctx, docstore.Users, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return accountFromDocument(doc), nil
}

// ListUsers returns every account.
func (a *Authenticator) ListUsers(ctx context.Context) ([]*Account, error) {
	docs, err := a.docs.Query(ctx, docstore.Users, nil, docstore.Asc(message.FieldUserEmail))
	if err != nil {
		return nil, err
	}
	out := make([]*Account, 0, len(docs))
	for _, doc := range docs {
		out = append(out, accountFromDocument(doc))
	}
	return out, nil
}

// UpdatePassword updates a user's password
func (a *Authenticator) UpdatePassword(ctx context.Context, userID, password string) error {
	if err := validation.Password(password); err != nil {
		return err
	}
	hash, err := a.params.Hash(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	err = a.docs.Update(ctx, docstore.Users, userID, docstore.Fields{fieldPasswordHash: hash})
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}

func (a *Authenticator) findByEmail(ctx context.Context, email string) (*docstore.Document, error) {
	email = message.NormalizeEmail(email)
	if email == "" {
		return nil, ErrUserNotFound
	}
	docs, err := a.docs.Query(ctx, docstore.Users, []docstore.Predicate{docstore.Eq(message.FieldUserEmail, email)}, nil)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrUserNotFound
	}
	return docs[0], nil
}

func accountFromDocument(doc *docstore.Document) *Account {
	role := doc.String(fieldRole)
	if role == "" {
		role = RoleUser
	}
	return &Account{
		User:      *message.UserFromDocument(doc),
		Role:      role,
		CreatedAt: doc.Time(fieldCreatedAt),
	}
}
