package core

import (
	"bytes"
	"log/slog"
	"sync"
)

// lineWriter hands each complete line written to it to fn.
type lineWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	fn  func(string)
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.buf.Write(p)
	for {
		line, err := lw.buf.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			lw.buf.Reset()
			lw.buf.WriteString(line)
			return len(p), nil
		}
		lw.fn(line[:len(line)-1])
	}
}

// newLineHandler renders records as logfmt text without timestamps, the
// callback owner decides how to stamp them.
func newLineHandler(fn func(string)) slog.Handler {
	return slog.NewTextHandler(&lineWriter{fn: fn}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	})
}
