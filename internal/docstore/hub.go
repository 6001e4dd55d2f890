package docstore

import (
	"sync"
	"sync/atomic"

	"github.com/fenilsonani/webmail/internal/logging"
	"github.com/fenilsonani/webmail/internal/metrics"
)

// Change records that a document was written.
type Change struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	// Origin is empty for writes made by this process and holds the node id
	// of the writer for changes relayed from other processes.
	Origin string `json:"origin,omitempty"`
}

// ChangeHub fans document changes out to live subscriptions.
type ChangeHub struct {
	mu             sync.RWMutex
	clients        map[chan Change]*clientState
	changeCh       chan Change
	closed         atomic.Bool
	wg             sync.WaitGroup
	droppedChanges int64 // atomic
	logger         *logging.Logger
}

type clientState struct {
	closed atomic.Bool
	// relay listeners forward every change elsewhere, so a drop loses data.
	relay bool
}

// NewChangeHub creates a hub and starts its dispatch loop.
func NewChangeHub(logger *logging.Logger) *ChangeHub {
	if logger == nil {
		logger = logging.Discard()
	}
	hub := &ChangeHub{
		clients:  make(map[chan Change]*clientState),
		changeCh: make(chan Change, 10000),
		logger:   logger,
	}

	hub.wg.Add(1)
	go hub.run()
	return hub
}

// Notify queues a change for delivery without blocking the writer.
func (h *ChangeHub) Notify(change Change) {
	if h.closed.Load() {
		return
	}

	// Close may run concurrently; a send on the closed channel must not panic
	// the writer.
	defer func() { _ = recover() }()

	select {
	case h.changeCh <- change:
	default:
		h.dropped()
	}
}

func (h *ChangeHub) dropped() {
	count := atomic.AddInt64(&h.droppedChanges, 1)
	metrics.StoreChangesDropped.Inc()
	if count%100 == 1 {
		h.logger.Warn("change channel full, dropping notifications", "dropped_total", count)
	}
}

// Subscribe registers a listener. The returned channel is closed by
// Unsubscribe or Close.
func (h *ChangeHub) Subscribe() chan Change {
	return h.subscribe(1000, false)
}

// SubscribeRelay registers a listener that must see every change, such as
// a publisher to other nodes. Changes it misses because its buffer is full
// are counted as dropped.
func (h *ChangeHub) SubscribeRelay(buffer int) chan Change {
	if buffer <= 0 {
		buffer = 10000
	}
	return h.subscribe(buffer, true)
}

func (h *ChangeHub) subscribe(buffer int, relay bool) chan Change {
	if h.closed.Load() {
		ch := make(chan Change)
		close(ch)
		return ch
	}

	ch := make(chan Change, buffer)

	h.mu.Lock()
	h.clients[ch] = &clientState{relay: relay}
	h.mu.Unlock()

	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (h *ChangeHub) Unsubscribe(ch chan Change) {
	h.mu.Lock()
	state, exists := h.clients[ch]
	if exists {
		delete(h.clients, ch)
		state.closed.Store(true)
		close(ch)
	}
	h.mu.Unlock()
}

// Close stops the hub and closes every listener channel.
func (h *ChangeHub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}

	h.mu.Lock()
	for ch, state := range h.clients {
		state.closed.Store(true)
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()

	close(h.changeCh)
	h.wg.Wait()
}

func (h *ChangeHub) run() {
	defer h.wg.Done()

	for change := range h.changeCh {
		h.mu.RLock()
		for ch, state := range h.clients {
			if state.closed.Load() {
				continue
			}
			select {
			case ch <- change:
			default:
				// A full subscription already has refreshes pending; it
				// re-reads the latest state when it drains.
				if state.relay {
					h.dropped()
				}
			}
		}
		h.mu.RUnlock()
	}
}

// ClientCount returns the number of registered listeners.
func (h *ChangeHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many changes were discarded because the hub or a
// relay listener was full.
func (h *ChangeHub) Dropped() int64 {
	return atomic.LoadInt64(&h.droppedChanges)
}
