package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportClosed is returned when operations are attempted on a closed transport.
	ErrTransportClosed = errors.New("jobmux: transport is closed")

	// ErrNoTransport is returned when a worker is started without a transport.
	ErrNoTransport = errors.New("jobmux: transport is nil")

	// ErrAlreadyStarted is returned when Start is called on a running worker.
	ErrAlreadyStarted = errors.New("jobmux: worker already started")

	// ErrNotRunning is returned when a reactor operation is requested while the worker is stopped.
	ErrNotRunning = errors.New("jobmux: worker is not running")

	// ErrInvalidTarget is returned by Enqueue for a nil or empty queue target.
	ErrInvalidTarget = errors.New("jobmux: cannot enqueue an empty or nil name")

	// ErrWaitWithoutBatch is returned when a wait policy is configured without a batch size.
	ErrWaitWithoutBatch = errors.New("jobmux: wait requires a batch size")

	// ErrInvalidBatchSize is returned for a negative batch size.
	ErrInvalidBatchSize = errors.New("jobmux: batch size must be positive")

	// ErrManualAckBatch is returned when manual acknowledgment is combined with batching.
	ErrManualAckBatch = errors.New("jobmux: manual ack is not supported in batch mode")

	// ErrNoJob is returned when a handler is registered without a job function.
	ErrNoJob = errors.New("jobmux: job function is nil")

	// ErrBatchFailed wraps errors of a batch flush. The error handler then
	// receives the encoded batch envelope, whose content is the array of
	// members, and a nil token.
	ErrBatchFailed = errors.New("jobmux: batch failed")

	// ErrDecode wraps malformed envelope bytes.
	ErrDecode = errors.New("jobmux: decode envelope")

	// ErrNotSubscribed is returned by transports asked to unsubscribe or ack for an unknown queue.
	ErrNotSubscribed = errors.New("jobmux: queue is not subscribed")
)

// JobError is a decode or job failure that no error handler consumed.
// It stops the worker.
type JobError struct {
	Queue string
	Raw   []byte
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("jobmux: queue %q: %v", e.Queue, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
