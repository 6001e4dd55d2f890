// Package feed relays document store changes between webmail processes over
// Redis pub/sub, so live mailbox views refresh when another process writes
// to the shared database.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fenilsonani/webmail/internal/docstore"
	"github.com/fenilsonani/webmail/internal/logging"
	"github.com/fenilsonani/webmail/internal/metrics"
	"github.com/fenilsonani/webmail/internal/resilience"
)

// ErrFeedClosed is returned when the feed has been stopped.
var ErrFeedClosed = errors.New("feed is closed")

// Config configures the change feed.
type Config struct {
	// RedisURL is the Redis connection URL.
	RedisURL string
	// Prefix namespaces the pub/sub channel.
	Prefix string
}

// DefaultConfig returns default feed configuration.
func DefaultConfig() Config {
	return Config{
		RedisURL: "redis://localhost:6379/0",
		Prefix:   "webmail",
	}
}

// transport is the pub/sub surface the feed needs.
type transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error)
	Close() error
}

// Feed bridges a local change hub with every other process on the channel.
type Feed struct {
	transport transport
	config    Config
	hub       *docstore.ChangeHub
	nodeID    string
	breaker   *resilience.CircuitBreaker
	logger    *logging.Logger

	closed    atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	published int64 // atomic
	received  int64 // atomic
}

// New connects to Redis and returns a feed for hub. Call Start to begin relaying.
func New(cfg Config, hub *docstore.ChangeHub, logger *logging.Logger) (*Feed, error) {
	t, err := newRedisTransport(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return newFeed(cfg, t, hub, logger), nil
}

func newFeed(cfg Config, t transport, hub *docstore.ChangeHub, logger *logging.Logger) *Feed {
	if logger == nil {
		logger = logging.Discard()
	}
	f := &Feed{
		transport: t,
		config:    cfg,
		hub:       hub,
		nodeID:    uuid.NewString(),
		logger:    logger,
	}
	breakerCfg := resilience.DefaultConfig("feed")
	breakerCfg.OnStateChange = func(name string, from, to resilience.State) {
		logger.Warn("change feed circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
	}
	f.breaker = resilience.NewCircuitBreaker(breakerCfg)
	return f
}

func (f *Feed) channel() string { return f.config.Prefix + ":changes" }

// NodeID identifies this process in relayed events.
func (f *Feed) NodeID() string { return f.nodeID }

// Start begins publishing local changes and applying remote ones.
func (f *Feed) Start(ctx context.Context) error {
	if f.closed.Load() {
		return ErrFeedClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	messages, unsubscribe, err := f.transport.Subscribe(ctx, f.channel())
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", f.channel(), err)
	}
	f.cancel = cancel

	local := f.hub.SubscribeRelay(0)

	f.wg.Add(2)
	go f.publishLoop(ctx, local)
	go f.receiveLoop(ctx, messages, unsubscribe)

	f.logger.Info("change feed started", "channel", f.channel(), "node_id", f.nodeID)
	return nil
}

func (f *Feed) publishLoop(ctx context.Context, local chan docstore.Change) {
	defer f.wg.Done()
	defer f.hub.Unsubscribe(local)

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-local:
			if !ok {
				return
			}
			if change.Origin != "" {
				continue // relayed from elsewhere; never echo
			}
			if err := f.publish(ctx, change); err != nil && ctx.Err() == nil {
				metrics.RecordError("feed", "publish")
				f.logger.Debug("failed to publish change", "error", err.Error(), "collection", change.Collection)
			}
		}
	}
}

func (f *Feed) publish(ctx context.Context, change docstore.Change) error {
	change.Origin = f.nodeID
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to encode change: %w", err)
	}
	err = f.breaker.Execute(ctx, func(ctx context.Context) error {
		return f.transport.Publish(ctx, f.channel(), payload)
	})
	if err != nil {
		return err
	}
	atomic.AddInt64(&f.published, 1)
	metrics.FeedEvents.WithLabelValues("published").Inc()
	return nil
}

func (f *Feed) receiveLoop(ctx context.Context, messages <-chan []byte, unsubscribe func() error) {
	defer f.wg.Done()
	defer func() {
		if err := unsubscribe(); err != nil {
			f.logger.Debug("failed to unsubscribe from change feed", "error", err.Error())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-messages:
			if !ok {
				return
			}
			change, err := decodeChange(payload)
			if err != nil {
				metrics.RecordError("feed", "decode")
				f.logger.Warn("dropping malformed change event", "error", err.Error())
				continue
			}
			if change.Origin == f.nodeID {
				continue
			}
			atomic.AddInt64(&f.received, 1)
			metrics.FeedEvents.WithLabelValues("received").Inc()
			f.hub.Notify(change)
		}
	}
}

func decodeChange(payload []byte) (docstore.Change, error) {
	var change docstore.Change
	if err := json.Unmarshal(payload, &change); err != nil {
		return change, err
	}
	if change.Collection == "" || change.Origin == "" {
		return change, errors.New("change event missing collection or origin")
	}
	return change, nil
}

// Stats reports relayed event counts.
func (f *Feed) Stats() (published, received int64) {
	return atomic.LoadInt64(&f.published), atomic.LoadInt64(&f.received)
}

// Close stops relaying and disconnects from Redis.
func (f *Feed) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	if f.cancel != nil {
		f.cancel()
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		f.logger.Warn("timeout waiting for change feed to stop")
	}

	return f.transport.Close()
}

// redisTransport implements transport with go-redis.
type redisTransport struct {
	client *redis.Client
}

func newRedisTransport(url string) (*redisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 1 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for i := 0; i < 3; i++ {
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			break
		}
		if i < 2 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}
	if lastErr != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis after retries: %w", lastErr)
	}

	return &redisTransport{client: client}, nil
}

func (t *redisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.client.Publish(ctx, channel, payload).Err()
}

func (t *redisTransport) Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error) {
	pubsub := t.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no event is missed after Start returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, pubsub.Close, nil
}

func (t *redisTransport) Close() error {
	return t.client.Close()
}
