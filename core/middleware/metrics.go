package middleware

import (
	"time"

	"github.com/miladsoleymani/jobmux/core"
)

// MetricsCollector is the interface that metrics backends must implement.
// This keeps the middleware decoupled from any specific metrics library.
type MetricsCollector interface {
	// JobProcessed records one job run. batchSize is 0 in single-message
	// mode, reason is the batch flush reason ("" for single messages) and
	// err is nil on success.
	JobProcessed(queue string, duration time.Duration, batchSize int, reason string, err error)
}

// Metrics returns middleware that reports job metrics to the given collector.
func Metrics(collector MetricsCollector) core.MiddlewareFunc {
	return func(next core.JobFunc) core.JobFunc {
		return func(c core.Context) (any, error) {
			start := time.Now()
			res, err := next(c)
			var reason string
			if v, ok := c.Get(core.FlushReasonKey); ok {
				reason, _ = v.(string)
			}
			collector.JobProcessed(c.Queue(), time.Since(start), len(c.Batch()), reason, err)
			return res, err
		}
	}
}
