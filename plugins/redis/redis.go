package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/miladsoleymani/jobmux/broker"
	"github.com/miladsoleymani/jobmux/core"
)

func init() {
	broker.Register("redis", func(cfg broker.Config) (core.Transport, error) {
		if cfg.URL == "" {
			return nil, fmt.Errorf("jobmux/redis: a redis URL is required")
		}
		return New(cfg.URL, optsFromConfig(cfg)...)
	})
}

// client captures the subset of go-redis commands the transport relies on.
type client interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Close() error
}

// Transport implements core.Transport on Redis lists.
//
// Design decisions:
//   - A queue is a list. Publish appends with RPUSH.
//   - Consuming atomically moves the head into a per-consumer processing
//     list (BLMOVE), so a crash leaves the envelope recoverable.
//   - Ack removes the envelope from the processing list (LREM).
//   - Subscribe first requeues whatever a previous run of the same
//     consumer left in its processing list.
//   - Depth is LLEN of the queue list.
type Transport struct {
	client    client
	ownClient bool
	opts      options

	mu     sync.Mutex
	subs   map[string]context.CancelFunc
	closed bool
}

type token struct {
	processing string
	body       string
}

// New creates a Redis Transport. url is a redis:// URL as accepted by
// redis.ParseURL. It is ignored when WithClient is given.
func New(url string, fns ...Option) (*Transport, error) {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	t := &Transport{opts: opts, subs: make(map[string]context.CancelFunc)}
	if opts.client != nil {
		t.client = opts.client
		return t, nil
	}
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("jobmux/redis: parse url: %w", err)
	}
	t.client = redis.NewClient(ro)
	t.ownClient = true
	return t, nil
}

func (t *Transport) key(queue string) string { return t.opts.prefix + queue }

func (t *Transport) processingKey(queue string) string {
	return t.opts.prefix + queue + ":processing:" + t.opts.consumer
}

// Publish appends an envelope to the queue list.
func (t *Transport) Publish(ctx context.Context, queue string, body []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return core.ErrTransportClosed
	}
	if err := t.client.RPush(ctx, t.key(queue), body).Err(); err != nil {
		return fmt.Errorf("jobmux/redis: publish to %q: %w", queue, err)
	}
	return nil
}

// Subscribe requeues leftovers of this consumer and starts a pop loop.
// Deliveries are handed to fn one at a time, so prefetch has no effect.
func (t *Transport) Subscribe(ctx context.Context, queue string, _ int, fn core.DeliveryFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTransportClosed
	}
	if _, ok := t.subs[queue]; ok {
		return nil
	}
	if err := t.requeue(ctx, queue); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	t.subs[queue] = cancel
	go t.readLoop(loopCtx, queue, fn)
	return nil
}

// requeue moves every envelope in the processing list back to the head of
// the queue, oldest first.
func (t *Transport) requeue(ctx context.Context, queue string) error {
	for {
		err := t.client.LMove(ctx, t.processingKey(queue), t.key(queue), "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("jobmux/redis: requeue %q: %w", queue, err)
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, queue string, fn core.DeliveryFunc) {
	src, dst := t.key(queue), t.processingKey(queue)
	backoff := t.opts.minBackoff
	for ctx.Err() == nil {
		body, err := t.client.BLMove(ctx, src, dst, "LEFT", "RIGHT", t.opts.blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, t.opts.maxBackoff)
			continue
		}
		backoff = t.opts.minBackoff
		if ctx.Err() != nil {
			// unsubscribed while blocked; put it back in front
			_ = t.client.LMove(context.Background(), dst, src, "RIGHT", "LEFT").Err()
			return
		}
		fn(ctx, core.Delivery{Queue: queue, Body: []byte(body), Token: token{processing: dst, body: body}})
	}
}

// Unsubscribe stops the pop loop of queue. A pop already in progress
// returns within the block timeout.
func (t *Transport) Unsubscribe(_ context.Context, queue string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cancel, ok := t.subs[queue]; ok {
		cancel()
		delete(t.subs, queue)
	}
	return nil
}

// Ack drops the envelope from the processing list.
func (t *Transport) Ack(ctx context.Context, tok core.AckToken) error {
	tk, ok := tok.(token)
	if !ok {
		return fmt.Errorf("jobmux/redis: unexpected ack token %T", tok)
	}
	if err := t.client.LRem(ctx, tk.processing, 1, tk.body).Err(); err != nil {
		return fmt.Errorf("jobmux/redis: ack: %w", err)
	}
	return nil
}

// QueueDepth returns the length of the queue list.
func (t *Transport) QueueDepth(ctx context.Context, queue string) (int, error) {
	n, err := t.client.LLen(ctx, t.key(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("jobmux/redis: depth of %q: %w", queue, err)
	}
	return int(n), nil
}

// Close stops every pop loop and closes the client if the transport owns it.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, cancel := range t.subs {
		cancel()
	}
	t.subs = nil
	t.mu.Unlock()

	if t.ownClient {
		if err := t.client.Close(); err != nil {
			return fmt.Errorf("jobmux/redis: close: %w", err)
		}
	}
	return nil
}

// optsFromConfig extracts options from broker.Config.Extra.
func optsFromConfig(cfg broker.Config) []Option {
	if cfg.Extra == nil {
		return nil
	}
	var opts []Option
	if v, ok := cfg.Extra["prefix"].(string); ok {
		opts = append(opts, WithPrefix(v))
	}
	if v, ok := cfg.Extra["consumer"].(string); ok {
		opts = append(opts, WithConsumer(v))
	}
	return opts
}
