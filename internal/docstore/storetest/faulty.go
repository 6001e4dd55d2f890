package storetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/fenilsonani/webmail/internal/docstore"
)

// ErrInjected is returned by Faulty for operations set to fail.
var ErrInjected = fmt.Errorf("%w: injected fault", docstore.ErrUnavailable)

// Faulty wraps a store and fails reads or updates of chosen collections
// with ErrInjected. Live subscriptions re-query through the wrapper, so a
// failing read also fails their refreshes.
type Faulty struct {
	docstore.Store

	mu      sync.Mutex
	reads   map[string]bool
	updates map[string]bool
}

// NewFaulty wraps inner with every operation healthy.
func NewFaulty(inner docstore.Store) *Faulty {
	return &Faulty{
		Store:   inner,
		reads:   make(map[string]bool),
		updates: make(map[string]bool),
	}
}

// FailReads makes Get and Query on collection fail until called with false.
func (f *Faulty) FailReads(collection string, fail bool) {
	f.mu.Lock()
	f.reads[collection] = fail
	f.mu.Unlock()
}

// FailUpdates makes Update on collection fail until called with false.
func (f *Faulty) FailUpdates(collection string, fail bool) {
	f.mu.Lock()
	f.updates[collection] = fail
	f.mu.Unlock()
}

func (f *Faulty) failing(m map[string]bool, collection string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[collection]
}

func (f *Faulty) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	if f.failing(f.reads, collection) {
		return nil, ErrInjected
	}
	return f.Store.Get(ctx, collection, id)
}

func (f *Faulty) Query(ctx context.Context, collection string, where []docstore.Predicate, order *docstore.OrderBy) ([]*docstore.Document, error) {
	if f.failing(f.reads, collection) {
		return nil, ErrInjected
	}
	return f.Store.Query(ctx, collection, where, order)
}

func (f *Faulty) Update(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if f.failing(f.updates, collection) {
		return ErrInjected
	}
	return f.Store.Update(ctx, collection, id, fields)
}

func (f *Faulty) Subscribe(ctx context.Context, collection string, where []docstore.Predicate, order *docstore.OrderBy,
	onSnapshot func(docstore.Snapshot), onError func(error)) (docstore.Unsubscribe, error) {
	return docstore.Watch(ctx, f.Hub(), f.Query, collection, where, order, onSnapshot, onError)
}
