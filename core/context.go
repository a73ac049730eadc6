package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Context is the job context, inspired by echo.Context.
// It carries the envelope content (or the accumulated batch), exposes
// deserialization via Bind, and lets a job ack or enqueue further work.
type Context interface {
	// Context returns the underlying context.Context.
	Context() context.Context

	// SetContext replaces the underlying context.Context.
	// Useful for middleware that enriches the context with values or deadlines.
	SetContext(ctx context.Context)

	// Queue returns the queue the job is bound to.
	Queue() string

	// Content returns the raw envelope content. In batch mode it is the
	// JSON array of every buffered content, in arrival order.
	Content() json.RawMessage

	// Bind deserializes Content into v.
	Bind(v any) error

	// Batch returns the buffered contents in batch mode, nil otherwise.
	Batch() []json.RawMessage

	// Callbacks returns the queues the result will be forwarded through.
	Callbacks() []string

	// Ack acknowledges the delivery. Only handlers registered with
	// ManualAck need to call it; repeated calls are no-ops.
	Ack() error

	// Enqueue publishes payload to queues[0] with queues[1:] as its callbacks.
	Enqueue(queues []string, payload any) error

	// Set stores a key-value pair in the context store.
	// Used by middleware to pass data to downstream jobs.
	Set(key string, val any)

	// Get retrieves a value from the context store.
	Get(key string) (any, bool)
}

// JobFunc is the function signature for jobs. A non-nil result replaces the
// content forwarded to the next callback.
//
//	w.Job("math.incr", func(c jobmux.Context) (any, error) {
//	    var n int
//	    if err := c.Bind(&n); err != nil {
//	        return nil, err
//	    }
//	    return n + 1, nil
//	})
type JobFunc func(c Context) (any, error)

// MiddlewareFunc wraps a JobFunc to add cross-cutting behavior.
//
//	func MyMiddleware() jobmux.MiddlewareFunc {
//	    return func(next jobmux.JobFunc) jobmux.JobFunc {
//	        return func(c jobmux.Context) (any, error) {
//	            // before
//	            res, err := next(c)
//	            // after
//	            return res, err
//	        }
//	    }
//	}
type MiddlewareFunc func(JobFunc) JobFunc

// ---------------------------------------------------------------------------
// Default implementation
// ---------------------------------------------------------------------------

// NewContext builds a standalone Context for content, for testing jobs
// and middleware outside a Worker. batch may be nil.
func NewContext(ctx context.Context, queue string, content json.RawMessage, batch []json.RawMessage) Context {
	return &jobContext{ctx: ctx, queue: queue, content: content, batch: batch}
}

type jobContext struct {
	ctx       context.Context
	queue     string
	content   json.RawMessage
	batch     []json.RawMessage
	callbacks []string
	token     AckToken
	acker     func(context.Context, AckToken) error
	publisher *Publisher
	acked     bool
	store     map[string]any
	mu        sync.RWMutex
}

func (c *jobContext) Context() context.Context { return c.ctx }

func (c *jobContext) SetContext(ctx context.Context) { c.ctx = ctx }

func (c *jobContext) Queue() string { return c.queue }

func (c *jobContext) Content() json.RawMessage { return c.content }

func (c *jobContext) Batch() []json.RawMessage { return c.batch }

func (c *jobContext) Callbacks() []string { return c.callbacks }

func (c *jobContext) Bind(v any) error {
	if err := json.Unmarshal(c.content, v); err != nil {
		return fmt.Errorf("jobmux: bind: %w", err)
	}
	return nil
}

func (c *jobContext) Ack() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acked || c.token == nil || c.acker == nil {
		return nil
	}
	if err := c.acker(c.ctx, c.token); err != nil {
		return fmt.Errorf("jobmux: ack: %w", err)
	}
	c.acked = true
	return nil
}

func (c *jobContext) isAcked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.acked
}

func (c *jobContext) Enqueue(queues []string, payload any) error {
	if c.publisher == nil {
		return ErrNoTransport
	}
	return c.publisher.Enqueue(c.ctx, queues, payload)
}

func (c *jobContext) Set(key string, val any) {
	c.mu.Lock()
	if c.store == nil {
		c.store = make(map[string]any)
	}
	c.store[key] = val
	c.mu.Unlock()
}

func (c *jobContext) Get(key string) (any, bool) {
	c.mu.RLock()
	val, ok := c.store[key]
	c.mu.RUnlock()
	return val, ok
}

// encodeResult turns a job result into envelope content.
func encodeResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case json.RawMessage:
		return r, nil
	case []json.RawMessage:
		return marshalBatch(r)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jobmux: encode result: %w", err)
	}
	return data, nil
}

func marshalBatch(items []json.RawMessage) (json.RawMessage, error) {
	if items == nil {
		items = []json.RawMessage{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("jobmux: encode batch: %w", err)
	}
	return data, nil
}
