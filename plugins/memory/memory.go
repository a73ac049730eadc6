// Package memory provides an in-process core.Transport. Envelopes live in
// memory only; it is meant for tests, examples and single-process setups.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/miladsoleymani/jobmux/broker"
	"github.com/miladsoleymani/jobmux/core"
)

func init() {
	broker.Register("memory", func(broker.Config) (core.Transport, error) {
		return New(), nil
	})
}

// Transport is a FIFO queue per name with explicit acks.
type Transport struct {
	mu     sync.Mutex
	queues map[string]*queue
	nextID uint64
	closed bool
}

type queue struct {
	pending  [][]byte
	inflight map[uint64][]byte
	notify   chan struct{}
	cancel   context.CancelFunc
}

// New creates an empty in-memory Transport.
func New() *Transport {
	return &Transport{queues: make(map[string]*queue)}
}

// queueLocked returns the named queue, creating it. Callers hold t.mu.
func (t *Transport) queueLocked(name string) *queue {
	q, ok := t.queues[name]
	if !ok {
		q = &queue{inflight: make(map[uint64][]byte), notify: make(chan struct{}, 1)}
		t.queues[name] = q
	}
	return q
}

// Publish appends a copy of body to the queue.
func (t *Transport) Publish(_ context.Context, name string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTransportClosed
	}
	q := t.queueLocked(name)
	q.pending = append(q.pending, append([]byte(nil), body...))
	q.signal()
	return nil
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Subscribe starts a goroutine handing envelopes to fn one at a time.
func (t *Transport) Subscribe(_ context.Context, name string, _ int, fn core.DeliveryFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTransportClosed
	}
	q := t.queueLocked(name)
	if q.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go t.consume(ctx, name, q, fn)
	return nil
}

func (t *Transport) consume(ctx context.Context, name string, q *queue, fn core.DeliveryFunc) {
	for {
		d, ok := t.pop(ctx, name, q)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
				if ctx.Err() != nil {
					// pass the wakeup on to a newer consumer
					q.signal()
					return
				}
				continue
			}
		}
		fn(ctx, d)
	}
}

func (t *Transport) pop(ctx context.Context, name string, q *queue) (core.Delivery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx.Err() != nil || len(q.pending) == 0 {
		return core.Delivery{}, false
	}
	body := q.pending[0]
	q.pending = q.pending[1:]
	t.nextID++
	q.inflight[t.nextID] = body
	return core.Delivery{Queue: name, Body: body, Token: t.nextID}, true
}

// Unsubscribe stops handing out envelopes of name.
func (t *Transport) Unsubscribe(_ context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok := t.queues[name]; ok && q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	return nil
}

// Ack forgets a delivered envelope.
func (t *Transport) Ack(_ context.Context, token core.AckToken) error {
	id, ok := token.(uint64)
	if !ok {
		return fmt.Errorf("jobmux/memory: unexpected ack token %T", token)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range t.queues {
		if _, ok := q.inflight[id]; ok {
			delete(q.inflight, id)
			return nil
		}
	}
	return fmt.Errorf("jobmux/memory: unknown delivery %d", id)
}

// QueueDepth returns the number of envelopes not yet delivered.
func (t *Transport) QueueDepth(_ context.Context, name string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok := t.queues[name]; ok {
		return len(q.pending), nil
	}
	return 0, nil
}

// Unacked returns the number of envelopes delivered but not acked.
func (t *Transport) Unacked(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok := t.queues[name]; ok {
		return len(q.inflight)
	}
	return 0
}

// Close stops every consumer. Pending envelopes are dropped.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, q := range t.queues {
		if q.cancel != nil {
			q.cancel()
			q.cancel = nil
		}
	}
	return nil
}
