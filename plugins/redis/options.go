package redis

import (
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Option configures the Redis transport.
type Option func(*options)

type options struct {
	client       redis.UniversalClient
	prefix       string
	consumer     string
	blockTimeout time.Duration

	minBackoff time.Duration
	maxBackoff time.Duration
}

func defaults() options {
	return options{
		prefix:       "jobmux:",
		consumer:     "consumer-" + uuid.NewString(),
		blockTimeout: time.Second,
		minBackoff:   100 * time.Millisecond,
		maxBackoff:   5 * time.Second,
	}
}

// WithClient uses an existing client instead of dialing. The transport does
// not close it.
func WithClient(c redis.UniversalClient) Option {
	return func(o *options) { o.client = c }
}

// WithPrefix sets the key prefix of queue lists.
func WithPrefix(p string) Option {
	return func(o *options) { o.prefix = p }
}

// WithConsumer names this worker's processing lists. The default is unique
// per transport. A stable name lets a restarted worker requeue the
// envelopes it left in flight; two live workers must never share one.
func WithConsumer(name string) Option {
	return func(o *options) { o.consumer = name }
}

// WithBlockTimeout bounds each blocking pop, and so how quickly an
// unsubscribe takes effect.
func WithBlockTimeout(d time.Duration) Option {
	return func(o *options) { o.blockTimeout = d }
}
