package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/miladsoleymani/jobmux/core"
)

// Transport is a test double for core.Transport.
type Transport struct {
	mu        sync.Mutex
	published []Published
	handlers  map[string]core.DeliveryFunc
	calls     []string
	depth     map[string]int
	acked     []core.AckToken
	nextToken int
	closed    bool

	SubscribeErr error
	PublishErr   error
	DepthErr     error
}

// Published records an envelope sent through Publish.
type Published struct {
	Queue string
	Body  []byte
}

func NewTransport() *Transport {
	return &Transport{
		handlers: make(map[string]core.DeliveryFunc),
		depth:    make(map[string]int),
	}
}

func (t *Transport) Publish(_ context.Context, queue string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.PublishErr != nil {
		return t.PublishErr
	}
	t.published = append(t.published, Published{Queue: queue, Body: slices.Clone(body)})
	return nil
}

func (t *Transport) Subscribe(_ context.Context, queue string, _ int, fn core.DeliveryFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SubscribeErr != nil {
		return t.SubscribeErr
	}
	t.calls = append(t.calls, "subscribe:"+queue)
	t.handlers[queue] = fn
	return nil
}

func (t *Transport) Unsubscribe(_ context.Context, queue string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, "unsubscribe:"+queue)
	delete(t.handlers, queue)
	return nil
}

func (t *Transport) Ack(_ context.Context, token core.AckToken) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acked = append(t.acked, token)
	return nil
}

func (t *Transport) QueueDepth(_ context.Context, queue string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.DepthErr != nil {
		return 0, t.DepthErr
	}
	return t.depth[queue], nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// SetDepth sets what QueueDepth reports for queue.
func (t *Transport) SetDepth(queue string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.depth[queue] = n
}

// Deliver simulates an incoming envelope on a subscribed queue and returns
// its ack token. Like a real consumer it blocks until the worker is done
// with the delivery.
func (t *Transport) Deliver(ctx context.Context, queue string, body []byte) (core.AckToken, error) {
	t.mu.Lock()
	fn, ok := t.handlers[queue]
	t.nextToken++
	token := t.nextToken
	t.mu.Unlock()
	if !ok {
		return nil, core.ErrNotSubscribed
	}
	fn(ctx, core.Delivery{Queue: queue, Body: body, Token: token})
	return token, nil
}

// Published returns all envelopes sent via Publish.
func (t *Transport) Published() []Published {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.published)
}

// PublishedTo returns the bodies published to queue.
func (t *Transport) PublishedTo(queue string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out [][]byte
	for _, p := range t.published {
		if p.Queue == queue {
			out = append(out, p.Body)
		}
	}
	return out
}

// Subscribed reports whether queue has a live subscription.
func (t *Transport) Subscribed(queue string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handlers[queue]
	return ok
}

// Calls returns the subscribe/unsubscribe log, e.g. "subscribe:q".
func (t *Transport) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.calls)
}

// Acked returns the acked tokens in order.
func (t *Transport) Acked() []core.AckToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.acked)
}

// IsClosed reports whether Close was called.
func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
