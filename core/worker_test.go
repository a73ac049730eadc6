package core_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/jobmux/core"
)

func TestWorker_ForwardsResultToNextCallback(t *testing.T) {
	w, tr := newWorker()
	_, err := w.Job("math.incr", func(c core.Context) (any, error) {
		var n int
		if err := c.Bind(&n); err != nil {
			return nil, err
		}
		return n + 1, nil
	})
	require.NoError(t, err)

	start(t, w)
	waitSubscribed(t, tr, "math.incr")

	token, err := tr.Deliver(context.Background(), "math.incr", envelope(t, 1, "math.double", "math.print"))
	require.NoError(t, err)

	out := tr.PublishedTo("math.double")
	require.Len(t, out, 1)
	assert.JSONEq(t, `{"content":2,"callbacks":["math.print"]}`, string(out[0]))
	assert.Equal(t, []core.AckToken{token}, tr.Acked())
}

func TestWorker_NilResultForwardsContentUnchanged(t *testing.T) {
	w, tr := newWorker()
	_, err := w.Job("a", func(c core.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	start(t, w)
	waitSubscribed(t, tr, "a")
	_, err = tr.Deliver(context.Background(), "a", envelope(t, map[string]int{"x": 1}, "b"))
	require.NoError(t, err)

	out := tr.PublishedTo("b")
	require.Len(t, out, 1)
	assert.JSONEq(t, `{"content":{"x":1}}`, string(out[0]))
}

func TestWorker_LastHopPublishesNothing(t *testing.T) {
	w, tr := newWorker()
	_, err := w.Job("end", func(c core.Context) (any, error) { return "done", nil })
	require.NoError(t, err)

	start(t, w)
	waitSubscribed(t, tr, "end")
	token, err := tr.Deliver(context.Background(), "end", envelope(t, 1))
	require.NoError(t, err)

	assert.Empty(t, tr.Published())
	assert.Equal(t, []core.AckToken{token}, tr.Acked())
}

func TestWorker_EnqueueRejectsEmptyTarget(t *testing.T) {
	w, tr := newWorker()
	ctx := context.Background()

	require.ErrorIs(t, w.Enqueue(ctx, nil, 1), core.ErrInvalidTarget)
	require.ErrorIs(t, w.Enqueue(ctx, []string{}, 1), core.ErrInvalidTarget)
	require.ErrorIs(t, w.Enqueue(ctx, []string{"a", ""}, 1), core.ErrInvalidTarget)
	require.ErrorIs(t, w.EnqueueOne(ctx, "", 1), core.ErrInvalidTarget)
	assert.Empty(t, tr.Published())
}

func TestWorker_Enqueue(t *testing.T) {
	w, tr := newWorker()
	require.NoError(t, w.Enqueue(context.Background(), []string{"add.bread", "add.meat", "eat"}, map[string]string{"order": "blt"}))

	out := tr.PublishedTo("add.bread")
	require.Len(t, out, 1)
	assert.JSONEq(t, `{"content":{"order":"blt"},"callbacks":["add.meat","eat"]}`, string(out[0]))
}

func TestWorker_JobRegistrationErrors(t *testing.T) {
	w, _ := newWorker()
	noop := func(core.Context) (any, error) { return nil, nil }

	_, err := w.Job("q", noop, core.Wait(core.WaitIndefinitely))
	require.ErrorIs(t, err, core.ErrWaitWithoutBatch)

	_, err = w.Job("q", noop, core.WaitValue(3))
	require.ErrorIs(t, err, core.ErrWaitWithoutBatch)

	_, err = w.Job("q", noop, core.BatchSize(-1))
	require.ErrorIs(t, err, core.ErrInvalidBatchSize)

	_, err = w.Job("q", noop, core.BatchSize(5), core.ManualAck())
	require.ErrorIs(t, err, core.ErrManualAckBatch)

	_, err = w.Job("", noop)
	require.ErrorIs(t, err, core.ErrInvalidTarget)

	_, err = w.Job("q", nil)
	require.ErrorIs(t, err, core.ErrNoJob)

	_, err = w.Job("q", noop, core.BatchSize(2), core.WaitValue(-1))
	require.Error(t, err)

	assert.Zero(t, w.Registry().Len())
}

func TestWorker_WaitFalseWithoutBatchIsAllowed(t *testing.T) {
	w, _ := newWorker()
	h, err := w.Job("q", func(core.Context) (any, error) { return nil, nil }, core.WaitValue(false))
	require.NoError(t, err)
	assert.True(t, h.WaitPolicy().IsNone())
	assert.Equal(t, core.AckAfterForward, h.AckStrategy())
}

func TestWorker_ErrorHandlerReceivesFailureAndAcks(t *testing.T) {
	w, tr := newWorker()
	boom := errors.New("boom")
	type failure struct {
		err   error
		queue string
		raw   string
		token core.AckToken
	}
	var got []failure
	w.OnError(func(err error, queue string, raw []byte, token core.AckToken) {
		got = append(got, failure{err, queue, string(raw), token})
	})
	_, err := w.Job("q", func(core.Context) (any, error) { return nil, boom })
	require.NoError(t, err)

	r := start(t, w)
	waitSubscribed(t, tr, "q")
	body := envelope(t, 1, "next")
	token, err := tr.Deliver(context.Background(), "q", body)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].err, boom)
	assert.Equal(t, "q", got[0].queue)
	assert.Equal(t, string(body), got[0].raw)
	assert.Equal(t, token, got[0].token)
	assert.Equal(t, []core.AckToken{token}, tr.Acked())
	assert.Empty(t, tr.PublishedTo("next"))

	select {
	case <-r.done:
		t.Fatal("worker stopped on a handled error")
	default:
	}
}

func TestWorker_UnhandledErrorStopsWorker(t *testing.T) {
	w, tr := newWorker()
	boom := errors.New("boom")
	_, err := w.Job("q", func(core.Context) (any, error) { return nil, boom })
	require.NoError(t, err)

	r := start(t, w)
	waitSubscribed(t, tr, "q")
	_, err = tr.Deliver(context.Background(), "q", envelope(t, 1))
	require.NoError(t, err)

	err = r.wait(t)
	var jobErr *core.JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "q", jobErr.Queue)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, tr.Acked())
	assert.True(t, tr.IsClosed())
}

func TestWorker_DecodeErrorGoesToHandler(t *testing.T) {
	w, tr := newWorker()
	var got error
	w.OnError(func(err error, _ string, _ []byte, _ core.AckToken) { got = err })
	c := &calls{}
	_, err := w.Job("q", c.job(nil))
	require.NoError(t, err)

	start(t, w)
	waitSubscribed(t, tr, "q")
	token, err := tr.Deliver(context.Background(), "q", []byte(`[1,2]`))
	require.NoError(t, err)

	require.ErrorIs(t, got, core.ErrDecode)
	assert.Zero(t, c.count())
	assert.Equal(t, []core.AckToken{token}, tr.Acked())
}

func TestWorker_ManualAck(t *testing.T) {
	w, tr := newWorker()
	var ackNext atomic.Bool
	h, err := w.Job("q", func(c core.Context) (any, error) {
		if ackNext.Load() {
			assert.NoError(t, c.Ack())
			assert.NoError(t, c.Ack())
		}
		return nil, nil
	}, core.ManualAck())
	require.NoError(t, err)
	assert.Equal(t, core.AckManual, h.AckStrategy())

	start(t, w)
	waitSubscribed(t, tr, "q")

	_, err = tr.Deliver(context.Background(), "q", envelope(t, 1))
	require.NoError(t, err)
	assert.Empty(t, tr.Acked())

	ackNext.Store(true)
	token, err := tr.Deliver(context.Background(), "q", envelope(t, 2))
	require.NoError(t, err)
	assert.Equal(t, []core.AckToken{token}, tr.Acked())
}

func TestWorker_PredicateReevaluatedAfterEachMessage(t *testing.T) {
	w, tr := newWorker()
	var processed atomic.Int32
	_, err := w.Job("q", func(core.Context) (any, error) {
		processed.Add(1)
		return nil, nil
	}, core.When(func() bool { return processed.Load() < 2 }))
	require.NoError(t, err)

	start(t, w)
	waitSubscribed(t, tr, "q")

	_, err = tr.Deliver(context.Background(), "q", envelope(t, 1))
	require.NoError(t, err)
	assert.True(t, tr.Subscribed("q"))

	_, err = tr.Deliver(context.Background(), "q", envelope(t, 2))
	require.NoError(t, err)
	assert.False(t, tr.Subscribed("q"))
	assert.Equal(t, []string{"subscribe:q", "unsubscribe:q"}, tr.Calls())
}

func TestWorker_PredicateGatesOtherHandlers(t *testing.T) {
	w, tr := newWorker()
	var open atomic.Bool
	_, err := w.Job("gate", func(core.Context) (any, error) {
		open.Store(true)
		return nil, nil
	})
	require.NoError(t, err)
	_, err = w.Job("gated", func(core.Context) (any, error) { return nil, nil }, core.When(open.Load))
	require.NoError(t, err)

	start(t, w)
	waitSubscribed(t, tr, "gate")
	assert.False(t, tr.Subscribed("gated"))

	_, err = tr.Deliver(context.Background(), "gate", envelope(t, 1))
	require.NoError(t, err)
	assert.True(t, tr.Subscribed("gated"))
}

func TestWorker_TickReevaluates(t *testing.T) {
	w, tr := newWorker(core.WithTick(5 * time.Millisecond))
	var open atomic.Bool
	_, err := w.Job("q", func(core.Context) (any, error) { return nil, nil }, core.When(open.Load))
	require.NoError(t, err)

	start(t, w)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, tr.Subscribed("q"))

	open.Store(true)
	waitSubscribed(t, tr, "q")
}

func TestWorker_StartErrors(t *testing.T) {
	require.ErrorIs(t, core.New(nil).Start(context.Background()), core.ErrNoTransport)

	w, _ := newWorker()
	start(t, w)
	waitRunning(t, w)
	require.ErrorIs(t, w.Start(context.Background()), core.ErrAlreadyStarted)

	w2, _ := newWorker(core.WithSchedule("not a cron"))
	require.ErrorContains(t, w2.Start(context.Background()), "invalid schedule")
}

func TestWorker_GracefulShutdown(t *testing.T) {
	w, tr := newWorker()
	_, err := w.Job("q", func(core.Context) (any, error) { return nil, nil },
		core.BatchSize(10), core.Wait(core.WaitIndefinitely))
	require.NoError(t, err)

	r := start(t, w)
	waitSubscribed(t, tr, "q")
	_, err = tr.Deliver(context.Background(), "q", envelope(t, 1))
	require.NoError(t, err)

	r.cancel()
	require.NoError(t, r.wait(t))
	assert.True(t, tr.IsClosed())
	assert.False(t, tr.Subscribed("q"))
	assert.True(t, w.Closing())
}

func TestWorker_RegisterWhileRunningSubscribes(t *testing.T) {
	w, tr := newWorker()
	start(t, w)
	waitRunning(t, w)

	_, err := w.Job("late", func(core.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	waitSubscribed(t, tr, "late")
}

func TestWorker_DoRunsOnReactor(t *testing.T) {
	w, tr := newWorker()
	_, err := w.Job("q", func(c core.Context) (any, error) {
		// nested Do from a job runs inline instead of deadlocking
		return nil, w.Do(c.Context(), func(ctx context.Context) error {
			_, err := w.Job("added", func(core.Context) (any, error) { return nil, nil })
			return err
		})
	})
	require.NoError(t, err)

	start(t, w)
	waitSubscribed(t, tr, "q")

	var ran bool
	require.NoError(t, w.Do(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	_, err = tr.Deliver(context.Background(), "q", envelope(t, 1))
	require.NoError(t, err)
	waitSubscribed(t, tr, "added")
}

func TestWorker_DoWhenStopped(t *testing.T) {
	w, _ := newWorker()
	err := w.Do(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, core.ErrNotRunning)
}

func TestWorker_Every(t *testing.T) {
	w, _ := newWorker()
	start(t, w)
	waitRunning(t, w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var n atomic.Int32
	w.Every(ctx, 5*time.Millisecond, func(context.Context) error {
		n.Add(1)
		return nil
	})
	require.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, 2*time.Millisecond)
}

func TestWorker_StopAndRemove(t *testing.T) {
	w, tr := newWorker()
	h, err := w.Job("q", func(core.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	start(t, w)
	waitSubscribed(t, tr, "q")

	require.NoError(t, h.Stop(context.Background()))
	assert.True(t, h.Stopped())
	assert.False(t, tr.Subscribed("q"))

	// evaluation does not resubscribe a stopped handler
	require.NoError(t, w.Do(context.Background(), h.Evaluate))
	assert.False(t, tr.Subscribed("q"))

	require.NoError(t, h.StartIfStopped(context.Background()))
	assert.True(t, tr.Subscribed("q"))

	require.NoError(t, w.Remove(context.Background(), h))
	assert.False(t, tr.Subscribed("q"))
	assert.Zero(t, w.Registry().Len())
}

func TestWorker_MiddlewareOrder(t *testing.T) {
	w, tr := newWorker()
	var mu sync.Mutex
	var order []string
	mw := func(name string) core.MiddlewareFunc {
		return func(next core.JobFunc) core.JobFunc {
			return func(c core.Context) (any, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next(c)
			}
		}
	}
	w.Use(mw("global-1"))
	w.Use(mw("global-2"))
	_, err := w.Job("q", func(core.Context) (any, error) {
		mu.Lock()
		order = append(order, "job")
		mu.Unlock()
		return nil, nil
	}, core.Use(mw("local")))
	require.NoError(t, err)

	start(t, w)
	waitSubscribed(t, tr, "q")
	_, err = tr.Deliver(context.Background(), "q", envelope(t, 1))
	require.NoError(t, err)

	assert.Equal(t, []string{"global-1", "global-2", "local", "job"}, order)
}

func TestWorker_JobEnqueuesFollowUp(t *testing.T) {
	w, tr := newWorker()
	_, err := w.Job("q", func(c core.Context) (any, error) {
		return nil, c.Enqueue([]string{"side", "effect"}, "hello")
	})
	require.NoError(t, err)

	start(t, w)
	waitSubscribed(t, tr, "q")
	_, err = tr.Deliver(context.Background(), "q", envelope(t, 1))
	require.NoError(t, err)

	out := tr.PublishedTo("side")
	require.Len(t, out, 1)
	assert.JSONEq(t, `{"content":"hello","callbacks":["effect"]}`, string(out[0]))
}

func TestWorker_OnLog(t *testing.T) {
	w, tr := newWorker()
	var mu sync.Mutex
	var lines []string
	w.OnLog(func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})
	_, err := w.Job("q", func(core.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	start(t, w)
	waitSubscribed(t, tr, "q")
	_, err = tr.Deliver(context.Background(), "q", envelope(t, 1))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	all := strings.Join(lines, "\n")
	assert.Contains(t, all, `msg=subscribing`)
	assert.Contains(t, all, `msg=received`)
	assert.NotContains(t, all, "time=")
}
