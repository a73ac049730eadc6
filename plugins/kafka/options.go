package kafka

import (
	"crypto/tls"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
)

// Option configures the Kafka transport.
type Option func(*options)

type options struct {
	balancer     kafka.Balancer
	batchTimeout time.Duration
	async        bool

	// reader is a template; brokers, topic, group and capacity are set per queue.
	reader kafka.ReaderConfig

	tls  *tls.Config
	sasl sasl.Mechanism
}

func defaults() options {
	return options{
		balancer:     &kafka.LeastBytes{},
		batchTimeout: 10 * time.Millisecond, // forwarding latency matters more than throughput
		reader: kafka.ReaderConfig{
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        500 * time.Millisecond,
			StartOffset:    kafka.FirstOffset, // a new group starts with the whole backlog
			CommitInterval: 0,                 // acks commit synchronously
		},
	}
}

func (o options) readerConfig(brokers []string, queue, group string, prefetch int) kafka.ReaderConfig {
	cfg := o.reader
	cfg.Brokers = brokers
	cfg.Topic = queue
	cfg.GroupID = group
	cfg.QueueCapacity = prefetch
	if o.tls != nil || o.sasl != nil {
		cfg.Dialer = &kafka.Dialer{
			Timeout:       10 * time.Second,
			DualStack:     true,
			TLS:           o.tls,
			SASLMechanism: o.sasl,
		}
	}
	return cfg
}

// transport returns the shared writer and client transport, or nil for the default.
func (o options) transport() *kafka.Transport {
	if o.tls == nil && o.sasl == nil {
		return nil
	}
	return &kafka.Transport{TLS: o.tls, SASL: o.sasl}
}

// WithBalancer sets the partition balancer for the writer.
func WithBalancer(b kafka.Balancer) Option {
	return func(o *options) { o.balancer = b }
}

// WithBatchTimeout sets how long the writer waits to fill a batch.
func WithBatchTimeout(d time.Duration) Option {
	return func(o *options) { o.batchTimeout = d }
}

// WithAsync enables asynchronous writes. Publish errors are then lost.
func WithAsync(async bool) Option {
	return func(o *options) { o.async = async }
}

// WithFetch tunes reader fetches.
func WithFetch(minBytes, maxBytes int, maxWait time.Duration) Option {
	return func(o *options) {
		o.reader.MinBytes = minBytes
		o.reader.MaxBytes = maxBytes
		o.reader.MaxWait = maxWait
	}
}

// WithStartOffset sets where a new consumer group starts (kafka.FirstOffset or kafka.LastOffset).
func WithStartOffset(offset int64) Option {
	return func(o *options) { o.reader.StartOffset = offset }
}

// WithTLS enables TLS for every connection.
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) { o.tls = cfg }
}

// WithSASL sets the SASL mechanism for every connection.
func WithSASL(m sasl.Mechanism) Option {
	return func(o *options) { o.sasl = m }
}
