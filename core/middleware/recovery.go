package middleware

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/miladsoleymani/jobmux/core"
)

// Recovery returns middleware that turns a panicking job into an error,
// logging the stack trace. A nil logger falls back to slog.Default().
func Recovery(logger *slog.Logger) core.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next core.JobFunc) core.JobFunc {
		return func(c core.Context) (res any, err error) {
			defer func() {
				if r := recover(); r != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					logger.Error("panic recovered", "queue", c.Queue(), "panic", r, "stack", string(buf[:n]))
					res, err = nil, fmt.Errorf("jobmux: panic recovered: %v", r)
				}
			}()
			return next(c)
		}
	}
}
