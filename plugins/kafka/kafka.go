package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/jobmux/broker"
	"github.com/miladsoleymani/jobmux/core"
)

func init() {
	broker.Register("kafka", func(cfg broker.Config) (core.Transport, error) {
		return New(splitBrokers(cfg.URL), cfg.Group, optsFromConfig(cfg)...)
	})
}

// Transport implements core.Transport for Apache Kafka using segmentio/kafka-go.
// Each queue is a topic consumed by one consumer group.
//
// Design decisions:
//   - One kafka.Writer shared across all Publish calls (thread-safe by library).
//   - One kafka.Reader per subscribed queue, each running in its own goroutine.
//     Messages are handed to the worker one at a time.
//   - Ack commits the offset. Not committing causes redelivery.
//   - Queue depth is the group's lag summed over partitions.
type Transport struct {
	brokers []string
	group   string
	opts    options

	writer *kafka.Writer
	client *kafka.Client

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	reader *kafka.Reader
	cancel context.CancelFunc
}

// New creates a Kafka Transport.
func New(brokers []string, group string, fns ...Option) (*Transport, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("jobmux/kafka: at least one broker address is required")
	}

	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	if group == "" {
		group = "jobmux"
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               opts.balancer,
		BatchTimeout:           opts.batchTimeout,
		Async:                  opts.async,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	client := &kafka.Client{Addr: kafka.TCP(brokers...)}
	if tr := opts.transport(); tr != nil {
		w.Transport = tr
		client.Transport = tr
	}

	return &Transport{
		brokers: brokers,
		group:   group,
		opts:    opts,
		writer:  w,
		client:  client,
		subs:    make(map[string]*subscription),
	}, nil
}

// Publish sends an envelope to the queue's topic.
func (t *Transport) Publish(ctx context.Context, queue string, body []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return core.ErrTransportClosed
	}
	t.mu.Unlock()

	if err := t.writer.WriteMessages(ctx, kafka.Message{Topic: queue, Value: body}); err != nil {
		return fmt.Errorf("jobmux/kafka: publish to %q: %w", queue, err)
	}
	return nil
}

// Subscribe starts a group reader for the queue's topic.
func (t *Transport) Subscribe(_ context.Context, queue string, prefetch int, fn core.DeliveryFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTransportClosed
	}
	if _, ok := t.subs[queue]; ok {
		return nil
	}

	cfg := t.opts.readerConfig(t.brokers, queue, t.group, prefetch)
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{reader: kafka.NewReader(cfg), cancel: cancel}
	t.subs[queue] = sub
	go sub.consumeLoop(ctx, queue, fn)
	return nil
}

// consumeLoop fetches messages and hands them to fn until cancelled. The
// reader is closed once the loop exits, after the last ack went through.
func (s *subscription) consumeLoop(ctx context.Context, queue string, fn core.DeliveryFunc) {
	defer s.reader.Close()
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			// context cancelled or reader closed
			return
		}
		fn(ctx, toDelivery(queue, s.reader, msg))
	}
}

// Unsubscribe stops fetching from queue. The reader leaves the group once
// the delivery being processed returns.
func (t *Transport) Unsubscribe(_ context.Context, queue string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subs[queue]; ok {
		sub.cancel()
		delete(t.subs, queue)
	}
	return nil
}

// Ack commits the offset of a fetched message.
func (t *Transport) Ack(ctx context.Context, tok core.AckToken) error {
	return ackToken(ctx, tok)
}

// QueueDepth returns the consumer group's lag on the queue's topic: the sum
// over partitions of the last offset minus the committed offset.
func (t *Transport) QueueDepth(ctx context.Context, queue string) (int, error) {
	meta, err := t.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{queue}})
	if err != nil {
		return 0, fmt.Errorf("jobmux/kafka: metadata for %q: %w", queue, err)
	}
	var partitions []int
	for _, topic := range meta.Topics {
		if topic.Name != queue {
			continue
		}
		if topic.Error != nil {
			if errors.Is(topic.Error, kafka.UnknownTopicOrPartition) {
				return 0, nil
			}
			return 0, fmt.Errorf("jobmux/kafka: metadata for %q: %w", queue, topic.Error)
		}
		for _, p := range topic.Partitions {
			partitions = append(partitions, p.ID)
		}
	}
	if len(partitions) == 0 {
		return 0, nil
	}

	requests := make([]kafka.OffsetRequest, 0, 2*len(partitions))
	for _, p := range partitions {
		requests = append(requests, kafka.FirstOffsetOf(p), kafka.LastOffsetOf(p))
	}
	offsets, err := t.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{queue: requests},
	})
	if err != nil {
		return 0, fmt.Errorf("jobmux/kafka: list offsets for %q: %w", queue, err)
	}
	committed, err := t.client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: t.group,
		Topics:  map[string][]int{queue: partitions},
	})
	if err != nil {
		return 0, fmt.Errorf("jobmux/kafka: fetch offsets for %q: %w", queue, err)
	}

	commits := make(map[int]int64, len(partitions))
	for _, p := range committed.Topics[queue] {
		commits[p.Partition] = p.CommittedOffset
	}
	return lag(offsets.Topics[queue], commits), nil
}

// lag sums the uncommitted messages per partition. A partition without a
// commit counts from its first offset.
func lag(partitions []kafka.PartitionOffsets, commits map[int]int64) int {
	var total int64
	for _, p := range partitions {
		from, ok := commits[p.Partition]
		if !ok || from < p.FirstOffset {
			from = p.FirstOffset
		}
		if n := p.LastOffset - from; n > 0 {
			total += n
		}
	}
	return int(total)
}

// Close stops every reader and flushes the writer.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	var errs []error
	if err := t.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("jobmux/kafka: close writer: %w", err))
	}
	return errors.Join(errs...)
}

func splitBrokers(url string) []string {
	var out []string
	for _, b := range strings.Split(url, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// optsFromConfig extracts options from the broker.Config.Extra map.
func optsFromConfig(cfg broker.Config) []Option {
	if cfg.Extra == nil {
		return nil
	}
	var opts []Option
	if v, ok := cfg.Extra["async"].(bool); ok && v {
		opts = append(opts, WithAsync(true))
	}
	if v, ok := cfg.Extra["batch_timeout"].(time.Duration); ok {
		opts = append(opts, WithBatchTimeout(v))
	}
	if v, ok := cfg.Extra["start_offset"].(string); ok && v == "last" {
		opts = append(opts, WithStartOffset(kafka.LastOffset))
	}
	return opts
}
