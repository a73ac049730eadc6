// Package jobmux provides the top-level API for the jobmux worker framework.
// It re-exports core types for convenience, so users can write:
//
//	w := jobmux.New(t)
//	w.Job("math.incr", incr)
//	w.Enqueue(ctx, []string{"math.incr", "math.double"}, 1)
//	w.Start(ctx)
package jobmux

import (
	"github.com/miladsoleymani/jobmux/core"
)

// Re-export core types at the package level for ergonomic usage.
type (
	Context        = core.Context
	JobFunc        = core.JobFunc
	MiddlewareFunc = core.MiddlewareFunc
	Transport      = core.Transport
	Delivery       = core.Delivery
	Envelope       = core.Envelope
	Worker         = core.Worker
	Handler        = core.Handler
	Option         = core.Option
	JobOption      = core.JobOption
	WaitPolicy     = core.WaitPolicy
	ErrorHandler   = core.ErrorHandler
	JobError       = core.JobError
)

// Partial-batch policies.
var (
	WaitNone         = core.WaitNone
	WaitIndefinitely = core.WaitIndefinitely
)

// New creates a new Worker bound to the given Transport.
func New(t Transport, opts ...Option) *Worker {
	return core.New(t, opts...)
}

// WaitSeconds returns a policy that flushes a partial batch once the queue
// stayed empty for n seconds.
func WaitSeconds(n int) WaitPolicy { return core.WaitSeconds(n) }

// When makes a handler consume only while fn returns true.
func When(fn func() bool) JobOption { return core.When(fn) }

// BatchSize accumulates n messages per job run.
func BatchSize(n int) JobOption { return core.BatchSize(n) }

// Wait sets the partial-batch policy.
func Wait(p WaitPolicy) JobOption { return core.Wait(p) }

// ManualAck leaves acknowledgment to the job.
func ManualAck() JobOption { return core.ManualAck() }

// FlushReasonKey is the Context store key holding why a batch was flushed.
const FlushReasonKey = core.FlushReasonKey

// Worker options.
var (
	WithCodec        = core.WithCodec
	WithLogger       = core.WithLogger
	WithPrefetch     = core.WithPrefetch
	WithPollInterval = core.WithPollInterval
	WithTick         = core.WithTick
	WithSchedule     = core.WithSchedule
)
