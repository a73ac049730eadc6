package core

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// State is the subscription state of a Handler.
type State int

const (
	Unsubscribed State = iota
	Subscribed
)

func (s State) String() string {
	if s == Subscribed {
		return "subscribed"
	}
	return "unsubscribed"
}

// AckStrategy determines when a delivery is acknowledged.
type AckStrategy int

const (
	// AckAfterForward acks once the job ran and its result was forwarded.
	// A crash before that point causes redelivery. Single-message default.
	AckAfterForward AckStrategy = iota

	// AckOnReceipt acks as soon as the message is admitted into a batch.
	// Batched work is not redelivered on failure.
	AckOnReceipt

	// AckManual leaves acknowledgment to the job via Context.Ack.
	AckManual
)

// String implements fmt.Stringer.
func (s AckStrategy) String() string {
	switch s {
	case AckOnReceipt:
		return "on_receipt"
	case AckManual:
		return "manual"
	default:
		return "after_forward"
	}
}

// Handler binds a job to one queue. It subscribes while its predicate
// holds and unsubscribes when it stops holding.
type Handler struct {
	worker      *Worker
	queue       string
	job         JobFunc
	when        func() bool
	batchSize   int
	wait        WaitPolicy
	ack         AckStrategy
	middlewares []MiddlewareFunc

	mu      sync.Mutex
	state   State
	stopped bool
	acc     *accumulator
}

// JobOption configures a handler at registration.
type JobOption func(*jobOptions)

type jobOptions struct {
	when        func() bool
	batchSize   int
	wait        WaitPolicy
	waitErr     error
	manualAck   bool
	middlewares []MiddlewareFunc
}

// When makes consumption conditional: the handler is subscribed only while
// fn returns true. fn is re-checked after every processed message and on
// every tick.
func When(fn func() bool) JobOption {
	return func(o *jobOptions) { o.when = fn }
}

// BatchSize accumulates n messages before running the job once with all of them.
func BatchSize(n int) JobOption {
	return func(o *jobOptions) { o.batchSize = n }
}

// Wait sets the partial-batch policy. Requires BatchSize.
func Wait(p WaitPolicy) JobOption {
	return func(o *jobOptions) { o.wait = p }
}

// WaitValue sets the partial-batch policy from false, true or a number of seconds.
func WaitValue(v any) JobOption {
	return func(o *jobOptions) { o.wait, o.waitErr = ParseWait(v) }
}

// ManualAck disables automatic acknowledgment; the job calls Context.Ack.
func ManualAck() JobOption {
	return func(o *jobOptions) { o.manualAck = true }
}

// Use adds middleware that only wraps this handler's job.
func Use(mws ...MiddlewareFunc) JobOption {
	return func(o *jobOptions) { o.middlewares = append(o.middlewares, mws...) }
}

func newHandler(w *Worker, queue string, job JobFunc, fns ...JobOption) (*Handler, error) {
	if queue == "" {
		return nil, ErrInvalidTarget
	}
	if job == nil {
		return nil, ErrNoJob
	}
	var o jobOptions
	for _, fn := range fns {
		fn(&o)
	}
	if o.waitErr != nil {
		return nil, o.waitErr
	}
	if o.batchSize < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBatchSize, o.batchSize)
	}
	if !o.wait.IsNone() && o.batchSize == 0 {
		return nil, fmt.Errorf("%w: queue %q wait %s", ErrWaitWithoutBatch, queue, o.wait)
	}
	if o.manualAck && o.batchSize > 1 {
		return nil, ErrManualAckBatch
	}

	h := &Handler{
		worker:      w,
		queue:       queue,
		job:         job,
		when:        o.when,
		batchSize:   o.batchSize,
		wait:        o.wait,
		middlewares: o.middlewares,
	}
	switch {
	case o.manualAck:
		h.ack = AckManual
	case h.batching():
		h.ack = AckOnReceipt
		h.acc = newAccumulator(o.batchSize)
	default:
		h.ack = AckAfterForward
	}
	return h, nil
}

// Queue returns the queue name the handler consumes.
func (h *Handler) Queue() string { return h.queue }

// BatchSize returns the configured batch size, 0 in single-message mode.
func (h *Handler) BatchSize() int { return h.batchSize }

// WaitPolicy returns the partial-batch policy.
func (h *Handler) WaitPolicy() WaitPolicy { return h.wait }

// AckStrategy returns how deliveries are acknowledged.
func (h *Handler) AckStrategy() AckStrategy { return h.ack }

// State returns the current subscription state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Running reports whether a live subscription is held.
func (h *Handler) Running() bool { return h.State() == Subscribed }

// Stopped reports whether the handler was pinned unsubscribed by Stop.
func (h *Handler) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Buffered returns the number of contents waiting in the batch buffer.
func (h *Handler) Buffered() int {
	if h.acc == nil {
		return 0
	}
	return h.acc.len()
}

func (h *Handler) String() string {
	return fmt.Sprintf("<handler queue=%s state=%s batch=%d wait=%s>", h.queue, h.State(), h.batchSize, h.wait)
}

// batchSize 1 behaves exactly like single-message mode.
func (h *Handler) batching() bool { return h.batchSize > 1 }

func (h *Handler) subscribable() bool {
	if h.when == nil {
		return true
	}
	return h.when()
}

// Evaluate reconciles the subscription with the predicate. It issues a
// transport call only on a state change.
func (h *Handler) Evaluate(ctx context.Context) error {
	want := h.subscribable()

	h.mu.Lock()
	defer h.mu.Unlock()
	want = want && !h.stopped
	switch {
	case want && h.state == Unsubscribed:
		return h.subscribeLocked(ctx)
	case !want && h.state == Subscribed:
		return h.unsubscribeLocked(ctx)
	}
	return nil
}

// Stop unsubscribes and keeps the handler unsubscribed until StartIfStopped.
func (h *Handler) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.state == Subscribed {
		return h.unsubscribeLocked(ctx)
	}
	return nil
}

// StartIfStopped clears a previous Stop and re-evaluates the predicate.
func (h *Handler) StartIfStopped(ctx context.Context) error {
	h.mu.Lock()
	h.stopped = false
	h.mu.Unlock()
	return h.Evaluate(ctx)
}

func (h *Handler) subscribeLocked(ctx context.Context) error {
	w := h.worker
	w.log().Info("subscribing", "queue", h.queue)
	if err := w.transport.Subscribe(ctx, h.queue, w.prefetch, h.onMessage); err != nil {
		return fmt.Errorf("jobmux: subscribe %q: %w", h.queue, err)
	}
	h.state = Subscribed
	return nil
}

func (h *Handler) unsubscribeLocked(ctx context.Context) error {
	w := h.worker
	w.log().Info("unsubscribing", "queue", h.queue)
	if err := w.transport.Unsubscribe(ctx, h.queue); err != nil {
		return fmt.Errorf("jobmux: unsubscribe %q: %w", h.queue, err)
	}
	h.state = Unsubscribed
	return nil
}

// onMessage bridges transport goroutines onto the reactor and blocks until
// the delivery has been processed.
func (h *Handler) onMessage(ctx context.Context, d Delivery) {
	if d.Queue == "" {
		d.Queue = h.queue
	}
	err := h.worker.post(ctx, true, func(rctx context.Context) error {
		return h.dispatch(rctx, d)
	})
	if err != nil {
		h.worker.log().Debug("delivery not processed", "queue", h.queue, "error", err)
	}
}

// dispatch runs on the reactor for every delivery.
func (h *Handler) dispatch(ctx context.Context, d Delivery) error {
	w := h.worker
	if w.closing.Load() {
		return nil
	}
	w.log().Debug("received", "queue", h.queue, "body", string(d.Body))

	env, err := w.codec.Decode(d.Body)
	switch {
	case err != nil:
		err = h.fail(ctx, err, d.Body, d.Token, true)
	case h.batching():
		err = h.receiveBatch(ctx, env, d)
	default:
		err = h.receiveOne(ctx, env, d)
	}
	if err != nil {
		return err
	}
	w.evaluateAll(ctx)
	return nil
}

func (h *Handler) receiveOne(ctx context.Context, env *Envelope, d Delivery) error {
	w := h.worker
	env.Headers = []any{d.Token}
	c := &jobContext{
		ctx:       ctx,
		queue:     h.queue,
		content:   env.Content,
		callbacks: slices.Clone(env.Callbacks),
		token:     d.Token,
		acker:     w.transport.Ack,
		publisher: w.publisher,
	}

	result, err := h.run(c)
	if err != nil {
		return h.fail(ctx, err, d.Body, d.Token, h.ack != AckManual && !c.isAcked())
	}
	if result != nil {
		content, err := encodeResult(result)
		if err != nil {
			return h.fail(ctx, err, d.Body, d.Token, h.ack != AckManual && !c.isAcked())
		}
		env.Content = content
	}
	if _, err := w.publisher.Forward(ctx, env); err != nil {
		return h.fail(ctx, err, d.Body, d.Token, h.ack != AckManual && !c.isAcked())
	}
	if h.ack == AckAfterForward && !c.isAcked() {
		w.ack(ctx, h.queue, d.Token)
	}
	return nil
}

// fail routes err to the error handler. Without one it returns a *JobError,
// which stops the worker, and nothing is acked.
func (h *Handler) fail(ctx context.Context, err error, raw []byte, token AckToken, ack bool) error {
	w := h.worker
	if ferr := w.alert(err, h.queue, raw, token); ferr != nil {
		return ferr
	}
	if ack {
		w.ack(ctx, h.queue, token)
	}
	return nil
}

// run wraps the job with global then handler middleware and invokes it.
func (h *Handler) run(c Context) (any, error) {
	mws := append(h.worker.globalMiddleware(), h.middlewares...)
	return applyMiddleware(h.job, mws)(c)
}

// release drops the subscription at shutdown and reports any partial batch.
func (h *Handler) release(ctx context.Context) {
	h.mu.Lock()
	if h.state == Subscribed {
		if err := h.unsubscribeLocked(ctx); err != nil {
			h.worker.log().Warn("unsubscribe on shutdown failed", "queue", h.queue, "error", err)
		}
	}
	h.mu.Unlock()
	if h.acc != nil {
		h.acc.cancelPoll()
		if n := h.acc.len(); n > 0 {
			h.worker.log().Warn("discarding partial batch", "queue", h.queue, "size", n)
		}
	}
}

// applyMiddleware wraps a job with middleware in reverse order.
// Given middleware [A, B, C], the call order is A -> B -> C -> job.
func applyMiddleware(job JobFunc, mws []MiddlewareFunc) JobFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		job = mws[i](job)
	}
	return job
}
