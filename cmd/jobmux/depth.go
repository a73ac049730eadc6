package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func depthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "depth <queue>...",
		Short: "Print the number of messages waiting in each queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			t, err := openTransport(cfg)
			if err != nil {
				return err
			}
			defer t.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tDEPTH")
			for _, q := range args {
				n, err := t.QueueDepth(cmd.Context(), q)
				if err != nil {
					return fmt.Errorf("depth %q: %w", q, err)
				}
				fmt.Fprintf(tw, "%s\t%d\n", q, n)
			}
			return tw.Flush()
		},
	}
}
