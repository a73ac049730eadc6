package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/miladsoleymani/jobmux/admin"
	"github.com/miladsoleymani/jobmux/core"
	"github.com/miladsoleymani/jobmux/core/middleware"
	"github.com/miladsoleymani/jobmux/deadletter"
	"github.com/miladsoleymani/jobmux/metrics"
)

type relayOpts struct {
	batch int
	wait  string
}

func relayCmd() *cobra.Command {
	var o relayOpts
	cmd := &cobra.Command{
		Use:   "relay <from> <to>",
		Short: "Run a worker that forwards every message of one queue to another",
		Long: `Run a worker that consumes <from> and publishes every message to <to>.
With --batch the messages are grouped and published as JSON arrays.
Envelopes that carry callbacks still continue along them.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, args[0], args[1], o)
		},
	}
	cmd.Flags().IntVar(&o.batch, "batch", 1, "messages per batch")
	cmd.Flags().StringVar(&o.wait, "wait", "false", "partial batch policy: false, true or a number of intervals")
	return cmd
}

func parseWaitFlag(s string) (core.WaitPolicy, error) {
	switch s {
	case "false", "":
		return core.WaitNone, nil
	case "true":
		return core.WaitIndefinitely, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return core.WaitPolicy{}, fmt.Errorf("invalid --wait %q", s)
	}
	return core.ParseWait(n)
}

func runRelay(cmd *cobra.Command, from, to string, o relayOpts) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	wait, err := parseWaitFlag(o.wait)
	if err != nil {
		return err
	}

	t, err := openTransport(cfg)
	if err != nil {
		return err
	}

	opts := []core.Option{
		core.WithLogger(logger),
		core.WithPrefetch(cfg.Prefetch),
		core.WithPollInterval(cfg.PollInterval),
	}
	if cfg.Tick > 0 {
		opts = append(opts, core.WithTick(cfg.Tick))
	}
	if cfg.Schedule != "" {
		opts = append(opts, core.WithSchedule(cfg.Schedule))
	}
	w := core.New(t, opts...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector("jobmux")
	reg.MustRegister(collector)

	w.Use(middleware.Recovery(logger))
	w.Use(middleware.Logging(logger))
	w.Use(middleware.Metrics(collector))

	if cfg.DeadLetterPath != "" {
		store, err := deadletter.Open(cmd.Context(), cfg.DeadLetterPath)
		if err != nil {
			return err
		}
		defer store.Close()
		w.OnError(deadletter.ErrorHook(store, logger))
	}

	_, err = w.Job(from, func(c core.Context) (any, error) {
		if c.Batch() != nil {
			return nil, c.Enqueue([]string{to}, c.Batch())
		}
		return nil, c.Enqueue([]string{to}, c.Content())
	}, core.BatchSize(o.batch), core.Wait(wait))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if cfg.AdminAddr != "" {
		srv := &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           admin.NewServer(w, reg, collector, logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("admin server started", "addr", cfg.AdminAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server failed", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	logger.Info("relay started", "from", from, "to", to, "batch", o.batch, "wait", wait.String())
	return w.Start(ctx)
}
