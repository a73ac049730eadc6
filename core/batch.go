package core

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"
)

// FlushReasonKey is the Context store key holding why a batch was flushed:
// "full", "drained" (WaitNone on an empty queue) or "timeout" (WaitSeconds
// grace period elapsed with the queue empty).
const FlushReasonKey = "jobmux.flush_reason"

// accumulator buffers batch contents for one handler. It is only mutated
// on the reactor; mu guards reads from other goroutines.
//
// All members of a batch are assumed to target the same pipeline: the
// callbacks of the first admitted message are used for the whole batch.
type accumulator struct {
	size int

	mu        sync.Mutex
	buffer    []json.RawMessage
	callbacks []string
	gen       uint64
	timer     *time.Timer
}

func newAccumulator(size int) *accumulator {
	return &accumulator{size: size, buffer: make([]json.RawMessage, 0, size)}
}

func (a *accumulator) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

func (a *accumulator) add(content json.RawMessage, callbacks []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buffer) == 0 {
		a.callbacks = slices.Clone(callbacks)
	}
	a.buffer = append(a.buffer, content)
}

func (a *accumulator) full() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer) >= a.size
}

// drain empties the buffer and returns its contents with the captured callbacks.
func (a *accumulator) drain() ([]json.RawMessage, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTimerLocked()
	items := a.buffer
	callbacks := a.callbacks
	a.buffer = make([]json.RawMessage, 0, a.size)
	a.callbacks = nil
	return items, callbacks
}

// cancelPoll invalidates any scheduled depth check.
func (a *accumulator) cancelPoll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTimerLocked()
}

func (a *accumulator) stopTimerLocked() {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// schedule arms fn after d and returns the generation it belongs to.
func (a *accumulator) schedule(d time.Duration, fn func(gen uint64)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	gen := a.gen
	a.timer = time.AfterFunc(d, func() { fn(gen) })
}

func (a *accumulator) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen == gen && len(a.buffer) > 0
}

// receiveBatch admits one message into the buffer. The delivery is acked
// on receipt, before the job ever runs.
func (h *Handler) receiveBatch(ctx context.Context, env *Envelope, d Delivery) error {
	h.acc.add(env.Content, env.Callbacks)
	h.worker.ack(ctx, h.queue, d.Token)
	return h.maybeFlush(ctx)
}

func (h *Handler) maybeFlush(ctx context.Context) error {
	h.acc.cancelPoll()
	if h.acc.full() {
		return h.flush(ctx, "full")
	}
	if h.shouldFlushEarly(ctx) {
		return h.flush(ctx, "drained")
	}
	return nil
}

// shouldFlushEarly never flushes while the broker reports a backlog.
// WaitSeconds does not block the reactor: it arms a timer whose checks run
// as reactor events, so other handlers keep consuming meanwhile.
func (h *Handler) shouldFlushEarly(ctx context.Context) bool {
	if !h.queueEmpty(ctx) {
		return false
	}
	switch h.wait.kind {
	case waitIndefinitely:
		return false
	case waitSeconds:
		h.armPoll(ctx, h.wait.seconds)
		return false
	default:
		return true
	}
}

func (h *Handler) queueEmpty(ctx context.Context) bool {
	depth, err := h.worker.transport.QueueDepth(ctx, h.queue)
	if err != nil {
		h.worker.log().Warn("queue depth failed", "queue", h.queue, "error", err)
		return false
	}
	return depth == 0
}

func (h *Handler) armPoll(ctx context.Context, remaining int) {
	w := h.worker
	h.acc.schedule(w.pollInterval, func(gen uint64) {
		_ = w.post(ctx, false, func(rctx context.Context) error {
			return h.poll(rctx, gen, remaining)
		})
	})
}

// poll is one grace-period check. A backlog aborts the wait; the next
// arriving message re-runs the policy.
func (h *Handler) poll(ctx context.Context, gen uint64, remaining int) error {
	if h.worker.closing.Load() || !h.acc.current(gen) {
		return nil
	}
	if !h.queueEmpty(ctx) {
		return nil
	}
	if remaining--; remaining > 0 {
		h.armPoll(ctx, remaining)
		return nil
	}
	if err := h.flush(ctx, "timeout"); err != nil {
		return err
	}
	h.worker.evaluateAll(ctx)
	return nil
}

// flush runs the job once over the whole buffer and forwards the result
// with the callbacks captured from the batch's first message.
func (h *Handler) flush(ctx context.Context, reason string) error {
	w := h.worker
	items, callbacks := h.acc.drain()
	content, err := marshalBatch(items)
	if err != nil {
		return h.fail(ctx, fmt.Errorf("%w: %w", ErrBatchFailed, err), nil, nil, false)
	}
	w.log().Info("batch flushed", "queue", h.queue, "size", len(items), "reason", reason)

	c := &jobContext{
		ctx:       ctx,
		queue:     h.queue,
		content:   content,
		batch:     items,
		callbacks: slices.Clone(callbacks),
		publisher: w.publisher,
	}
	c.Set(FlushReasonKey, reason)

	// Every member was already acked, so failures carry no token.
	raw := h.encodeBatch(content, callbacks)
	failed := func(err error) error {
		return h.fail(ctx, fmt.Errorf("%w: %w", ErrBatchFailed, err), raw, nil, false)
	}

	result, err := h.run(c)
	if err != nil {
		return failed(err)
	}
	if result != nil {
		if content, err = encodeResult(result); err != nil {
			return failed(err)
		}
	}
	if _, err := w.publisher.Forward(ctx, &Envelope{Content: content, Callbacks: callbacks}); err != nil {
		return failed(err)
	}
	return nil
}

// encodeBatch renders the batch envelope handed to the error handler. A
// codec failure falls back to JSON so the members are never lost.
func (h *Handler) encodeBatch(content json.RawMessage, callbacks []string) []byte {
	env := &Envelope{Content: content, Callbacks: callbacks}
	raw, err := h.worker.codec.Encode(env)
	if err == nil {
		return raw
	}
	h.worker.log().Warn("batch envelope encode failed, using JSON", "queue", h.queue, "error", err)
	raw, err = JSONCodec{}.Encode(env)
	if err != nil {
		return content
	}
	return raw
}
