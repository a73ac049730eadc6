package deadletter_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/jobmux/core"
	"github.com/miladsoleymani/jobmux/deadletter"
	"github.com/miladsoleymani/jobmux/internal/mock"
	"github.com/miladsoleymani/jobmux/plugins/memory"
)

func openStore(t *testing.T) *deadletter.Store {
	t.Helper()
	s, err := deadletter.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_AddListGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id1, err := s.Add(ctx, "a", []byte(`{"content":1}`), errors.New("boom"))
	require.NoError(t, err)
	_, err = s.Add(ctx, "b", []byte(`{"content":2}`), errors.New("bang"))
	require.NoError(t, err)
	_, err = s.Add(ctx, "a", nil, nil)
	require.NoError(t, err)

	all, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, id1, all[0].ID)
	assert.Equal(t, "boom", all[0].Error)
	assert.JSONEq(t, `{"content":1}`, string(all[0].Body))
	assert.False(t, all[0].FailedAt.IsZero())

	onlyA, err := s.List(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)
	assert.Empty(t, onlyA[1].Body)

	limited, err := s.List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := s.Count(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := s.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "a", e.Queue)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, deadletter.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "missing"), deadletter.ErrNotFound)
}

func TestStore_Replay(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tr := mock.NewTransport()

	id, err := s.Add(ctx, "math.incr", []byte(`{"content":1,"callbacks":["math.print"]}`), errors.New("boom"))
	require.NoError(t, err)
	require.NoError(t, s.Replay(ctx, tr, id))

	out := tr.PublishedTo("math.incr")
	require.Len(t, out, 1)
	assert.JSONEq(t, `{"content":1,"callbacks":["math.print"]}`, string(out[0]))
	_, err = s.Get(ctx, id)
	require.ErrorIs(t, err, deadletter.ErrNotFound)
}

func TestStore_ReplayKeepsEntryOnPublishFailure(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tr := mock.NewTransport()
	tr.PublishErr = errors.New("down")

	id, err := s.Add(ctx, "q", []byte(`{"content":1}`), errors.New("boom"))
	require.NoError(t, err)
	require.ErrorIs(t, s.Replay(ctx, tr, id), tr.PublishErr)

	_, err = s.Get(ctx, id)
	require.NoError(t, err)
}

func TestStore_ReplayAll(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tr := mock.NewTransport()
	for _, q := range []string{"a", "a", "b"} {
		_, err := s.Add(ctx, q, []byte(`{"content":null}`), errors.New("x"))
		require.NoError(t, err)
	}

	n, err := s.ReplayAll(ctx, tr, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, tr.PublishedTo("a"), 2)

	left, err := s.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}

func TestErrorHook(t *testing.T) {
	s := openStore(t)
	hook := deadletter.ErrorHook(s, slog.New(slog.NewTextHandler(io.Discard, nil)))

	hook(errors.New("boom"), "q", []byte(`{"content":1}`), 7)

	entries, err := s.List(context.Background(), "q", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].Error)
}

func TestStore_ReplayBatchSplitsMembers(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tr := mock.NewTransport()

	id, err := s.AddBatch(ctx, "sum", []byte(`{"content":[1,{"n":2}],"callbacks":["print"]}`), errors.New("boom"))
	require.NoError(t, err)
	e, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, e.Batch)

	require.NoError(t, s.Replay(ctx, tr, id))
	out := tr.PublishedTo("sum")
	require.Len(t, out, 2)
	assert.JSONEq(t, `{"content":1,"callbacks":["print"]}`, string(out[0]))
	assert.JSONEq(t, `{"content":{"n":2},"callbacks":["print"]}`, string(out[1]))

	n, err := s.Count(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_ReplayBatchRejectsNonArray(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tr := mock.NewTransport()

	id, err := s.AddBatch(ctx, "sum", []byte(`{"content":1}`), errors.New("boom"))
	require.NoError(t, err)
	require.ErrorContains(t, s.Replay(ctx, tr, id), "not an array")
	assert.Empty(t, tr.PublishedTo("sum"))
}

func TestErrorHook_StoresBatchFailures(t *testing.T) {
	s := openStore(t)
	hook := deadletter.ErrorHook(s, slog.New(slog.NewTextHandler(io.Discard, nil)))

	hook(fmt.Errorf("%w: %w", core.ErrBatchFailed, errors.New("boom")), "q", []byte(`{"content":[1,2]}`), nil)
	hook(errors.New("single"), "q", []byte(`{"content":3}`), 1)

	entries, err := s.List(context.Background(), "q", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Batch)
	assert.False(t, entries[1].Batch)
}

// A failed batch replayed into a running worker comes back as its original
// members, not as one nested item.
func TestErrorHook_BatchReplayRestoresMembers(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := memory.New()
	w := core.New(tr, core.WithLogger(logger), core.WithPollInterval(200*time.Millisecond))
	w.OnError(deadletter.ErrorHook(s, logger))

	var (
		mu      sync.Mutex
		failed  bool
		batches [][]string
	)
	_, err := w.Job("letters", func(c core.Context) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		if !failed {
			failed = true
			return nil, errors.New("boom")
		}
		var got []string
		for _, item := range c.Batch() {
			got = append(got, string(item))
		}
		batches = append(batches, got)
		return nil, nil
	}, core.BatchSize(2), core.Wait(core.WaitSeconds(1)))
	require.NoError(t, err)
	snapshot := func() [][]string {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(batches)
	}

	require.NoError(t, w.EnqueueOne(ctx, "letters", "a"))
	require.NoError(t, w.EnqueueOne(ctx, "letters", "b"))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = w.Start(runCtx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		n, _ := s.Count(ctx, "letters")
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	replayed, err := s.ReplayAll(ctx, tr, "letters")
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)
	require.Eventually(t, func() bool { return len(snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.EnqueueOne(ctx, "letters", "c"))
	require.Eventually(t, func() bool { return len(snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, [][]string{{`"a"`, `"b"`}, {`"c"`}}, snapshot())
}
