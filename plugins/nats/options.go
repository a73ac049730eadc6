package nats

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Option configures the NATS transport.
type Option func(*options)

// options carries templates for the per-queue stream and consumer. Name,
// subjects, durable and MaxAckPending are filled in per queue.
type options struct {
	streamPrefix string
	stream       jetstream.StreamConfig
	consumer     jetstream.ConsumerConfig
	conn         []nats.Option
}

func defaults() options {
	return options{
		streamPrefix: "JOBMUX_",
		stream: jetstream.StreamConfig{
			MaxMsgs:   -1,
			MaxBytes:  -1,
			Replicas:  1,
			Retention: jetstream.WorkQueuePolicy, // each envelope is consumed once
			Storage:   jetstream.FileStorage,
		},
		consumer: jetstream.ConsumerConfig{
			AckPolicy:  jetstream.AckExplicitPolicy,
			AckWait:    30 * time.Second,
			MaxDeliver: -1, // redeliver until acked, like an AMQP queue
		},
		conn: []nats.Option{nats.Name("jobmux")},
	}
}

// streamConfig returns the stream settings for queue.
func (o options) streamConfig(queue string) jetstream.StreamConfig {
	cfg := o.stream
	cfg.Name = o.streamPrefix + sanitizeStreamName(queue)
	cfg.Subjects = []string{queue}
	return cfg
}

// consumerConfig returns the durable consumer settings for queue.
func (o options) consumerConfig(durable string, prefetch int) jetstream.ConsumerConfig {
	cfg := o.consumer
	cfg.Durable = durable
	cfg.MaxAckPending = prefetch
	return cfg
}

// WithStreamPrefix sets the prefix of every stream name. Defaults to "JOBMUX_".
func WithStreamPrefix(p string) Option {
	return func(o *options) { o.streamPrefix = p }
}

// WithLimits bounds every queue stream. Zero or negative values mean unlimited.
func WithLimits(maxMsgs, maxBytes int64, maxAge time.Duration) Option {
	return func(o *options) {
		o.stream.MaxMsgs, o.stream.MaxBytes, o.stream.MaxAge = -1, -1, 0
		if maxMsgs > 0 {
			o.stream.MaxMsgs = maxMsgs
		}
		if maxBytes > 0 {
			o.stream.MaxBytes = maxBytes
		}
		if maxAge > 0 {
			o.stream.MaxAge = maxAge
		}
	}
}

// WithReplicas sets the stream replication factor.
func WithReplicas(n int) Option {
	return func(o *options) { o.stream.Replicas = n }
}

// WithMemoryStorage keeps streams in server memory instead of on disk.
func WithMemoryStorage() Option {
	return func(o *options) { o.stream.Storage = jetstream.MemoryStorage }
}

// WithAckWait sets how long the server waits for an ack before redelivering.
func WithAckWait(d time.Duration) Option {
	return func(o *options) { o.consumer.AckWait = d }
}

// WithMaxDeliver caps delivery attempts per message. -1 retries forever.
func WithMaxDeliver(n int) Option {
	return func(o *options) { o.consumer.MaxDeliver = n }
}

// WithConnOptions appends options for nats.Connect, such as credentials or TLS.
func WithConnOptions(opts ...nats.Option) Option {
	return func(o *options) { o.conn = append(o.conn, opts...) }
}
