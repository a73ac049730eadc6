package nats

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/miladsoleymani/jobmux/broker"
	"github.com/miladsoleymani/jobmux/core"
)

func init() {
	broker.Register("nats", func(cfg broker.Config) (core.Transport, error) {
		if cfg.URL == "" {
			return nil, fmt.Errorf("jobmux/nats: a server URL is required")
		}
		return New(cfg.URL, cfg.Group, optsFromConfig(cfg)...)
	})
}

// Transport implements core.Transport for NATS JetStream.
//
// Design decisions:
//   - One NATS connection per Transport instance.
//   - Each queue is a subject backed by its own work-queue stream, created
//     on first publish or subscribe.
//   - One durable pull consumer per queue, named after the group. Its
//     MaxAckPending is the worker's prefetch.
//   - Unsubscribe stops the consume context; the durable consumer stays so
//     resubscribing resumes where it left off.
type Transport struct {
	conn  *nats.Conn
	js    jetstream.JetStream
	group string
	opts  options

	mu        sync.Mutex
	closed    bool
	streams   map[string]jetstream.Stream
	consumers map[string]jetstream.Consumer
	subs      map[string]jetstream.ConsumeContext
}

// New creates a NATS JetStream Transport. url is a standard NATS URL (nats://host:port).
func New(url, group string, fns ...Option) (*Transport, error) {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	nc, err := nats.Connect(url, opts.conn...)
	if err != nil {
		return nil, fmt.Errorf("jobmux/nats: connect to %q: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jobmux/nats: init jetstream: %w", err)
	}

	if group == "" {
		group = "jobmux"
	}
	return &Transport{
		conn:      nc,
		js:        js,
		group:     group,
		opts:      opts,
		streams:   make(map[string]jetstream.Stream),
		consumers: make(map[string]jetstream.Consumer),
		subs:      make(map[string]jetstream.ConsumeContext),
	}, nil
}

// stream returns the stream backing queue, creating it on first use.
// Callers hold t.mu.
func (t *Transport) stream(ctx context.Context, queue string) (jetstream.Stream, error) {
	if s, ok := t.streams[queue]; ok {
		return s, nil
	}
	cfg := t.opts.streamConfig(queue)
	s, err := t.js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("jobmux/nats: create stream %q: %w", cfg.Name, err)
	}
	t.streams[queue] = s
	return s, nil
}

// Publish sends an envelope to the queue's subject via JetStream.
func (t *Transport) Publish(ctx context.Context, queue string, body []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return core.ErrTransportClosed
	}
	_, err := t.stream(ctx, queue)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	if _, err := t.js.Publish(ctx, queue, body); err != nil {
		return fmt.Errorf("jobmux/nats: publish to %q: %w", queue, err)
	}
	return nil
}

// Subscribe creates or updates the queue's durable consumer and starts
// consuming. fn is called serially from the consume goroutine.
func (t *Transport) Subscribe(ctx context.Context, queue string, prefetch int, fn core.DeliveryFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTransportClosed
	}
	if _, ok := t.subs[queue]; ok {
		return nil
	}

	stream, err := t.stream(ctx, queue)
	if err != nil {
		return err
	}
	durable := t.group + "-" + sanitizeStreamName(queue)
	cons, err := stream.CreateOrUpdateConsumer(ctx, t.opts.consumerConfig(durable, prefetch))
	if err != nil {
		return fmt.Errorf("jobmux/nats: create consumer %q: %w", durable, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		if subCtx.Err() != nil {
			return
		}
		fn(subCtx, toDelivery(queue, msg))
	}, jetstream.PullMaxMessages(prefetch))
	if err != nil {
		cancel()
		return fmt.Errorf("jobmux/nats: start consume on %q: %w", durable, err)
	}
	t.consumers[queue] = cons
	t.subs[queue] = stopper{ConsumeContext: cc, cancel: cancel}
	return nil
}

// stopper cancels the delivery context along with the consume context so
// buffered messages are not handed out after Unsubscribe.
type stopper struct {
	jetstream.ConsumeContext
	cancel context.CancelFunc
}

func (s stopper) Stop() {
	s.cancel()
	s.ConsumeContext.Stop()
}

// Unsubscribe stops consuming queue. It does not wait for an in-flight
// delivery to finish.
func (t *Transport) Unsubscribe(_ context.Context, queue string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cc, ok := t.subs[queue]; ok {
		cc.Stop()
		delete(t.subs, queue)
	}
	return nil
}

// Ack acknowledges a jetstream.Msg token.
func (t *Transport) Ack(_ context.Context, token core.AckToken) error {
	return ackToken(token)
}

// QueueDepth reports the consumer's pending count, or the stream's message
// count before the queue was ever consumed.
func (t *Transport) QueueDepth(ctx context.Context, queue string) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, core.ErrTransportClosed
	}
	cons, ok := t.consumers[queue]
	var stream jetstream.Stream
	var err error
	if !ok {
		stream, err = t.stream(ctx, queue)
	}
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if ok {
		info, err := cons.Info(ctx)
		if err != nil {
			return 0, fmt.Errorf("jobmux/nats: consumer info for %q: %w", queue, err)
		}
		return int(info.NumPending), nil
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("jobmux/nats: stream info for %q: %w", queue, err)
	}
	return int(info.State.Msgs), nil
}

// Close stops all consumers and closes the NATS connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	for _, s := range t.subs {
		s.Stop()
	}
	t.conn.Close()
	return nil
}

// sanitizeStreamName converts a subject to a valid stream name
// by replacing special characters.
func sanitizeStreamName(subject string) string {
	buf := make([]byte, len(subject))
	for i := range len(subject) {
		c := subject[i]
		if c == '.' || c == '*' || c == '>' {
			buf[i] = '-'
		} else {
			buf[i] = c
		}
	}
	return string(buf)
}

// optsFromConfig extracts options from broker.Config.Extra.
func optsFromConfig(cfg broker.Config) []Option {
	if cfg.Extra == nil {
		return nil
	}
	var opts []Option
	if v, ok := cfg.Extra["max_deliver"].(int); ok {
		opts = append(opts, WithMaxDeliver(v))
	}
	if v, ok := cfg.Extra["replicas"].(int); ok {
		opts = append(opts, WithReplicas(v))
	}
	if v, ok := cfg.Extra["memory_storage"].(bool); ok && v {
		opts = append(opts, WithMemoryStorage())
	}
	if v, ok := cfg.Extra["stream_prefix"].(string); ok {
		opts = append(opts, WithStreamPrefix(v))
	}
	return opts
}
