package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/miladsoleymani/jobmux/core"
)

func enqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <queue>[,<callback>...] [json]",
		Short: "Publish a JSON payload to the first queue, chaining the rest as callbacks",
		Long: `Publish a JSON payload. The first queue receives the message and the
remaining comma separated names become its callbacks. Without a json
argument the payload is read from stdin.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runEnqueue,
	}
	return cmd
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	var raw []byte
	if len(args) == 2 {
		raw = []byte(args[1])
	} else {
		if raw, err = io.ReadAll(os.Stdin); err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
	}
	if !json.Valid(raw) {
		return fmt.Errorf("payload is not valid JSON")
	}

	t, err := openTransport(cfg)
	if err != nil {
		return err
	}
	defer t.Close()

	queues := strings.Split(args[0], ",")
	p := core.NewPublisher(t, nil, logger)
	if err := p.Enqueue(cmd.Context(), queues, json.RawMessage(raw)); err != nil {
		return err
	}
	logger.Info("enqueued", "queue", queues[0], "callbacks", queues[1:])
	return nil
}
