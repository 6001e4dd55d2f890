// Package memory implements an in-process document store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/fenilsonani/webmail/internal/docstore"
	"github.com/fenilsonani/webmail/internal/logging"
)

type collection struct {
	docs  map[string]docstore.Fields
	order []string // insertion order, for stable query results
}

var _ docstore.Store = (*Store)(nil)

// Store keeps documents in memory. It is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
	hub         *docstore.ChangeHub
	newID       func() string
	closed      atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides how document ids are generated.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithHub shares an existing change hub.
func WithHub(hub *docstore.ChangeHub) Option {
	return func(s *Store) { s.hub = hub }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]*collection),
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = docstore.NewChangeHub(logging.Discard())
	}
	return s
}

func (s *Store) coll(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]docstore.Fields)}
		s.collections[name] = c
	}
	return c
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return docstore.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", docstore.ErrUnavailable, err)
	}
	return nil
}

// Create stores a new document under a generated id.
func (s *Store) Create(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	normalized, err := docstore.Normalize(fields)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	c := s.coll(collection)
	id := s.newID()
	for _, exists := c.docs[id]; exists; _, exists = c.docs[id] {
		id = s.newID()
	}
	c.docs[id] = normalized
	c.order = append(c.order, id)
	s.mu.Unlock()

	s.hub.Notify(docstore.Change{Collection: collection, ID: id})
	return id, nil
}

// Set creates or replaces a document.
func (s *Store) Set(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("document id is required")
	}
	normalized, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	c := s.coll(collection)
	if _, exists := c.docs[id]; !exists {
		c.order = append(c.order, id)
	}
	c.docs[id] = normalized
	s.mu.Unlock()

	s.hub.Notify(docstore.Change{Collection: collection, ID: id})
	return nil
}

// Get returns a copy of the document.
func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	fields, ok := c.docs[id]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return &docstore.Document{ID: id, Fields: docstore.CloneFields(fields)}, nil
}

// Query returns copies of all matching documents.
func (s *Store) Query(ctx context.Context, collection string, where []docstore.Predicate, order *docstore.OrderBy) ([]*docstore.Document, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	for _, p := range where {
		if err := docstore.ValidField(p.Field); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	var docs []*docstore.Document
	if c, ok := s.collections[collection]; ok {
		for _, id := range c.order {
			fields := c.docs[id]
			if docstore.Matches(fields, where) {
				docs = append(docs, &docstore.Document{ID: id, Fields: docstore.CloneFields(fields)})
			}
		}
	}
	s.mu.RUnlock()

	docstore.SortDocuments(docs, order)
	return docs, nil
}

// Update merges fields into an existing document under the store lock, so
// set operations never interleave.
func (s *Store) Update(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	c, ok := s.collections[collection]
	if !ok {
		s.mu.Unlock()
		return docstore.ErrNotFound
	}
	current, ok := c.docs[id]
	if !ok {
		s.mu.Unlock()
		return docstore.ErrNotFound
	}
	updated, err := docstore.ApplyUpdate(current, fields)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	c.docs[id] = updated
	s.mu.Unlock()

	s.hub.Notify(docstore.Change{Collection: collection, ID: id})
	return nil
}

// Subscribe starts a live query.
func (s *Store) Subscribe(ctx context.Context, collection string, where []docstore.Predicate, order *docstore.OrderBy,
	onSnapshot func(docstore.Snapshot), onError func(error)) (docstore.Unsubscribe, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return docstore.Watch(ctx, s.hub, s.Query, collection, where, order, onSnapshot, onError)
}

// Hub returns the store's change hub.
func (s *Store) Hub() *docstore.ChangeHub {
	return s.hub
}

// Close stops live subscriptions. Further calls fail with ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.hub.Close()
	return nil
}
