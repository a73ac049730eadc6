package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
)

const (
	defaultPrefetch     = 1
	defaultPollInterval = time.Second
	shutdownTimeout     = 5 * time.Second
)

// ErrorHandler receives decode and job failures. raw is the delivered body
// (for batches, the encoded batch envelope) and token the delivery's ack
// token, nil once acked.
type ErrorHandler func(err error, queue string, raw []byte, token AckToken)

// Worker runs handlers on a single reactor goroutine: deliveries, batch
// timers and ticks are processed one at a time, in arrival order.
type Worker struct {
	transport Transport
	codec     Codec
	publisher *Publisher
	registry  *Registry

	prefetch     int
	pollInterval time.Duration
	tick         time.Duration
	schedule     string

	mu          sync.RWMutex
	logger      *slog.Logger
	middlewares []MiddlewareFunc
	onError     ErrorHandler
	started     bool
	events      chan event
	done        chan struct{}

	closing atomic.Bool
}

type event struct {
	fn     func(ctx context.Context) error
	result chan error
	fatal  bool
}

type reactorKey struct{}

// Option configures a Worker.
type Option func(*Worker)

// WithCodec replaces the envelope codec.
func WithCodec(c Codec) Option {
	return func(w *Worker) { w.codec = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithPrefetch sets how many unacknowledged deliveries each subscription
// may hold. Defaults to 1.
func WithPrefetch(n int) Option {
	return func(w *Worker) { w.prefetch = n }
}

// WithPollInterval sets the spacing of WaitSeconds depth checks. Defaults to one second.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithTick re-evaluates every handler at a fixed interval, for predicates
// that depend on wall-clock or outside state.
func WithTick(d time.Duration) Option {
	return func(w *Worker) { w.tick = d }
}

// WithSchedule re-evaluates every handler on a cron expression.
func WithSchedule(expr string) Option {
	return func(w *Worker) { w.schedule = expr }
}

// New creates a Worker bound to the given Transport.
func New(t Transport, opts ...Option) *Worker {
	w := &Worker{
		transport:    t,
		codec:        JSONCodec{},
		registry:     NewRegistry(),
		prefetch:     defaultPrefetch,
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.prefetch <= 0 {
		w.prefetch = defaultPrefetch
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	w.logger = w.logger.With("component", "jobmux")
	w.publisher = NewPublisher(t, w.codec, w.logger)
	return w
}

// Registry returns the worker's handler registry.
func (w *Worker) Registry() *Registry { return w.registry }

// Publisher returns the producer used for enqueues and forwarding.
func (w *Worker) Publisher() *Publisher { return w.publisher }

// Use registers global middleware. Middleware is applied in registration
// order (first registered wraps outermost).
func (w *Worker) Use(m MiddlewareFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.middlewares = append(w.middlewares, m)
}

// OnError installs the global error handler. Without one, a failing job
// stops the worker.
func (w *Worker) OnError(fn ErrorHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = fn
}

// OnLog routes every log line to fn instead of the configured logger.
func (w *Worker) OnLog(fn func(message string)) {
	l := slog.New(newLineHandler(fn)).With("component", "jobmux")
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logger = l
	w.publisher.logger = l
}

// Job registers fn for queue. Registering on a running worker subscribes
// on the next reactor turn.
//
//	w.Job("do.many", func(c jobmux.Context) (any, error) {
//	    log.Printf("got %d messages", len(c.Batch()))
//	    return nil, nil
//	}, jobmux.BatchSize(10), jobmux.Wait(jobmux.WaitSeconds(2)))
func (w *Worker) Job(queue string, fn JobFunc, opts ...JobOption) (*Handler, error) {
	h, err := newHandler(w, queue, fn, opts...)
	if err != nil {
		return nil, err
	}
	w.registry.Add(h)
	if w.running() {
		_ = w.post(context.Background(), false, func(ctx context.Context) error {
			if err := h.Evaluate(ctx); err != nil {
				w.log().Warn("evaluate failed", "queue", queue, "error", err)
			}
			return nil
		})
	}
	return h, nil
}

// Remove stops h and discards it from the registry.
func (w *Worker) Remove(ctx context.Context, h *Handler) error {
	err := h.Stop(ctx)
	w.registry.Remove(h)
	return err
}

// Enqueue publishes payload to queues[0] with queues[1:] as its callbacks.
func (w *Worker) Enqueue(ctx context.Context, queues []string, payload any) error {
	return w.publisher.Enqueue(ctx, queues, payload)
}

// EnqueueOne publishes payload to a single queue.
func (w *Worker) EnqueueOne(ctx context.Context, queue string, payload any) error {
	return w.publisher.EnqueueOne(ctx, queue, payload)
}

// QueueDepth returns the number of messages waiting in queue.
func (w *Worker) QueueDepth(ctx context.Context, queue string) (int, error) {
	if w.transport == nil {
		return 0, ErrNoTransport
	}
	return w.transport.QueueDepth(ctx, queue)
}

// Do runs fn on the reactor and waits for it. Called from a job (or any
// context derived from the reactor) it runs inline.
func (w *Worker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(reactorKey{}) != nil {
		return fn(ctx)
	}
	return w.post(ctx, true, fn)
}

// Every runs fn on the reactor every d until ctx is cancelled or the
// worker stops. Errors are logged. The worker must already be started.
func (w *Worker) Every(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) {
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.post(ctx, false, func(rctx context.Context) error {
					if err := fn(rctx); err != nil {
						w.log().Warn("periodic task failed", "error", err)
					}
					return nil
				})
				if errors.Is(err, ErrNotRunning) {
					return
				}
			}
		}
	}()
}

// Start subscribes every eligible handler and processes deliveries until
// the context is cancelled (returning nil after draining) or a job error
// reaches no error handler (returning that *JobError).
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.transport == nil {
		w.mu.Unlock()
		return ErrNoTransport
	}
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	if w.schedule != "" && !gronx.IsValid(w.schedule) {
		w.mu.Unlock()
		return fmt.Errorf("jobmux: invalid schedule %q", w.schedule)
	}
	w.started = true
	w.events = make(chan event)
	w.done = make(chan struct{})
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(context.WithValue(ctx, reactorKey{}, true))
	defer cancel()
	defer close(w.done)

	w.log().Info("starting worker", "handlers", w.registry.Len(), "prefetch", w.prefetch)
	if w.tick > 0 {
		go w.runTicker(ctx)
	}
	if w.schedule != "" {
		go w.runSchedule(ctx)
	}

	w.evaluateAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return w.shutdown()
		case ev := <-w.events:
			err := ev.fn(ctx)
			if ev.result != nil {
				ev.result <- err
			}
			var jobErr *JobError
			if ev.fatal && errors.As(err, &jobErr) {
				w.log().Error("unhandled job error, stopping", "queue", jobErr.Queue, "error", jobErr.Err)
				if serr := w.shutdown(); serr != nil {
					w.log().Warn("shutdown failed", "error", serr)
				}
				return err
			}
		}
	}
}

// Closing reports whether the worker has begun shutting down.
func (w *Worker) Closing() bool { return w.closing.Load() }

func (w *Worker) shutdown() error {
	w.closing.Store(true)
	w.log().Info("stopping worker")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, h := range w.registry.Handlers() {
		h.release(ctx)
	}
	if err := w.transport.Close(); err != nil {
		return fmt.Errorf("jobmux: close transport: %w", err)
	}
	return nil
}

// post hands fn to the reactor. With wait it blocks until fn has run and
// returns its error. A *JobError returned by fn stops the worker.
func (w *Worker) post(ctx context.Context, wait bool, fn func(ctx context.Context) error) error {
	w.mu.RLock()
	events, done := w.events, w.done
	w.mu.RUnlock()
	if events == nil || w.closing.Load() {
		return ErrNotRunning
	}

	ev := event{fn: fn, fatal: true}
	if !wait {
		// may be called from the reactor itself, so never block on the send
		go func() {
			select {
			case events <- ev:
			case <-done:
			case <-ctx.Done():
			}
		}()
		return nil
	}
	ev.result = make(chan error, 1)
	select {
	case events <- ev:
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.result:
		return err
	case <-done:
		select {
		case err := <-ev.result:
			return err
		default:
			return ErrNotRunning
		}
	}
}

func (w *Worker) running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.started && !w.closing.Load()
}

func (w *Worker) runTicker(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.postEvaluate(ctx)
		}
	}
}

// runSchedule computes the next cron tick with gronx and sleeps until then.
func (w *Worker) runSchedule(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(w.schedule, time.Now(), false)
		if err != nil {
			w.log().Error("schedule next tick failed", "cron", w.schedule, "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			w.postEvaluate(ctx)
		}
	}
}

func (w *Worker) postEvaluate(ctx context.Context) {
	_ = w.post(ctx, false, func(rctx context.Context) error {
		w.evaluateAll(rctx)
		return nil
	})
}

func (w *Worker) evaluateAll(ctx context.Context) {
	if err := w.registry.EvaluateAll(ctx); err != nil {
		w.log().Warn("evaluate handlers", "error", err)
	}
}

// alert hands err to the error handler, or returns it as a *JobError when
// none is installed.
func (w *Worker) alert(err error, queue string, raw []byte, token AckToken) error {
	w.mu.RLock()
	fn := w.onError
	w.mu.RUnlock()
	if fn == nil {
		return &JobError{Queue: queue, Raw: raw, Err: err}
	}
	w.log().Warn("handler error", "queue", queue, "error", err)
	fn(err, queue, raw, token)
	return nil
}

func (w *Worker) ack(ctx context.Context, queue string, token AckToken) {
	if token == nil {
		return
	}
	if err := w.transport.Ack(ctx, token); err != nil {
		w.log().Warn("ack failed", "queue", queue, "error", err)
	}
}

func (w *Worker) log() *slog.Logger {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.logger
}

func (w *Worker) globalMiddleware() []MiddlewareFunc {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]MiddlewareFunc(nil), w.middlewares...)
}
