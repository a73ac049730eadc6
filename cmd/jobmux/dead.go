package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/miladsoleymani/jobmux/deadletter"
)

func deadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "Inspect and replay dead letters (requires JOBMUX_DEAD_LETTER_PATH)",
	}
	cmd.AddCommand(deadListCmd(), deadReplayCmd())
	return cmd
}

func openDeadLetters(cmd *cobra.Command, path string) (*deadletter.Store, error) {
	if path == "" {
		return nil, errors.New("JOBMUX_DEAD_LETTER_PATH is not set")
	}
	return deadletter.Open(cmd.Context(), path)
}

func deadListCmd() *cobra.Command {
	var (
		queue string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest last",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			store, err := openDeadLetters(cmd, cfg.DeadLetterPath)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(cmd.Context(), queue, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tQUEUE\tFAILED\tERROR")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Queue, e.FailedAt.Format(time.RFC3339), e.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "only entries of this queue")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries (0 for all)")
	return cmd
}

func deadReplayCmd() *cobra.Command {
	var queue string
	cmd := &cobra.Command{
		Use:   "replay [id]",
		Short: "Republish one dead letter, or all of them with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if len(args) == 0 && !all {
				return errors.New("give an entry id or --all")
			}
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			store, err := openDeadLetters(cmd, cfg.DeadLetterPath)
			if err != nil {
				return err
			}
			defer store.Close()
			t, err := openTransport(cfg)
			if err != nil {
				return err
			}
			defer t.Close()

			if len(args) == 1 {
				if err := store.Replay(cmd.Context(), t, args[0]); err != nil {
					return err
				}
				logger.Info("replayed", "id", args[0])
				return nil
			}
			n, err := store.ReplayAll(cmd.Context(), t, queue)
			logger.Info("replayed", "count", n, "queue", queue)
			return err
		},
	}
	cmd.Flags().Bool("all", false, "replay every entry")
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "with --all, only entries of this queue")
	return cmd
}
