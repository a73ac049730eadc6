package core_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/jobmux/core"
	"github.com/miladsoleymani/jobmux/internal/mock"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWorker(opts ...core.Option) (*core.Worker, *mock.Transport) {
	tr := mock.NewTransport()
	opts = append([]core.Option{core.WithLogger(quietLogger())}, opts...)
	return core.New(tr, opts...), tr
}

type running struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// start runs w in the background and stops it when the test ends.
func start(t *testing.T, w *core.Worker) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, done: make(chan struct{})}
	go func() {
		r.err = w.Start(ctx)
		close(r.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return r
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

func waitSubscribed(t *testing.T, tr *mock.Transport, queue string) {
	t.Helper()
	require.Eventually(t, func() bool { return tr.Subscribed(queue) }, time.Second, 2*time.Millisecond)
}

// waitRunning blocks until the reactor accepts work.
func waitRunning(t *testing.T, w *core.Worker) {
	t.Helper()
	require.Eventually(t, func() bool {
		return w.Do(context.Background(), func(context.Context) error { return nil }) == nil
	}, time.Second, 2*time.Millisecond)
}

func envelope(t *testing.T, content any, callbacks ...string) []byte {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	data, err := core.JSONCodec{}.Encode(&core.Envelope{Content: raw, Callbacks: callbacks})
	require.NoError(t, err)
	return data
}

// calls records job invocations.
type calls struct {
	mu      sync.Mutex
	content []string
	batches [][]string
	reasons []string
}

func (c *calls) job(result any) core.JobFunc {
	return func(ctx core.Context) (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.content = append(c.content, string(ctx.Content()))
		if b := ctx.Batch(); b != nil {
			items := make([]string, len(b))
			for i, item := range b {
				items[i] = string(item)
			}
			c.batches = append(c.batches, items)
		}
		if v, ok := ctx.Get(core.FlushReasonKey); ok {
			c.reasons = append(c.reasons, v.(string))
		}
		return result, nil
	}
}

func (c *calls) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.content)
}

func (c *calls) snapshot() (content []string, batches [][]string, reasons []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.content...), append([][]string(nil), c.batches...), append([]string(nil), c.reasons...)
}
