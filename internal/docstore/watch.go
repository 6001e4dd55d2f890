package docstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fenilsonani/webmail/internal/metrics"
)

// QueryFunc runs a one-shot query against a backend.
type QueryFunc func(ctx context.Context, collection string, where []Predicate, order *OrderBy) ([]*Document, error)

// Watch implements Subscribe on top of a one-shot query and a change hub.
// Every change to the collection triggers a full re-query; pending changes
// are coalesced so a burst of writes yields one refresh of the latest state.
func Watch(ctx context.Context, hub *ChangeHub, query QueryFunc, collection string, where []Predicate, order *OrderBy,
	onSnapshot func(Snapshot), onError func(error)) (Unsubscribe, error) {
	if onSnapshot == nil {
		return nil, fmt.Errorf("onSnapshot callback is required")
	}
	if onError == nil {
		onError = func(error) {}
	}

	// Listen before the initial read so no change slips between the two.
	changes := hub.Subscribe()

	docs, err := query(ctx, collection, where, order)
	if err != nil {
		hub.Unsubscribe(changes)
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		hub:        hub,
		changes:    changes,
		cancel:     cancel,
		collection: collection,
		onSnapshot: onSnapshot,
		onError:    onError,
	}
	metrics.ActiveSubscriptions.Inc()

	sub.deliver(Snapshot{Collection: collection, Docs: docs})

	go sub.run(ctx, func(ctx context.Context) ([]*Document, error) {
		return query(ctx, collection, where, order)
	})

	return sub.stop, nil
}

type subscription struct {
	hub        *ChangeHub
	changes    chan Change
	cancel     context.CancelFunc
	collection string
	onSnapshot func(Snapshot)
	onError    func(error)
	closed     atomic.Bool
	once       sync.Once
}

func (s *subscription) run(ctx context.Context, refresh func(context.Context) ([]*Document, error)) {
	for {
		select {
		case <-ctx.Done():
			s.stop()
			return
		case change, ok := <-s.changes:
			if !ok {
				return
			}
			if change.Collection != s.collection || !s.drain() {
				continue
			}
			docs, err := refresh(ctx)
			if s.closed.Load() {
				return
			}
			if err != nil {
				s.fail(err)
				continue
			}
			s.deliver(Snapshot{Collection: s.collection, Docs: docs})
		}
	}
}

// drain consumes queued changes so one refresh covers all of them. It
// returns false once the channel has been closed.
func (s *subscription) drain() bool {
	for {
		select {
		case _, ok := <-s.changes:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

func (s *subscription) deliver(snap Snapshot) {
	if s.closed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.onError(fmt.Errorf("snapshot handler panic: %v", r))
		}
	}()
	metrics.Snapshots.WithLabelValues(s.collection).Inc()
	s.onSnapshot(snap)
}

func (s *subscription) fail(err error) {
	if s.closed.Load() {
		return
	}
	defer func() { _ = recover() }()
	s.onError(err)
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.hub.Unsubscribe(s.changes)
		metrics.ActiveSubscriptions.Dec()
	})
}
