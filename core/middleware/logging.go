package middleware

import (
	"log/slog"
	"time"

	"github.com/miladsoleymani/jobmux/core"
)

// Logging returns middleware that logs job duration and errors. A nil
// logger falls back to slog.Default().
func Logging(logger *slog.Logger) core.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next core.JobFunc) core.JobFunc {
		return func(c core.Context) (any, error) {
			start := time.Now()
			res, err := next(c)
			attrs := []any{"queue", c.Queue(), "elapsed", time.Since(start)}
			if n := len(c.Batch()); n > 0 {
				attrs = append(attrs, "batch", n)
			}
			if err != nil {
				logger.ErrorContext(c.Context(), "job failed", append(attrs, "error", err)...)
			} else {
				logger.InfoContext(c.Context(), "job done", attrs...)
			}
			return res, err
		}
	}
}
