package main

import (
	"fmt"

	"ralph/pkg/protocol"

	"github.com/spf13/cobra"
)

// newClearStuckCmd creates the "ralph clear-stuck" subcommand.
func newClearStuckCmd() *cobra.Command {
	var threshold int

	cmd := &cobra.Command{
		Use:   "clear-stuck",
		Short: "Fail running tasks older than the stuck threshold",
		Long: `Sweeps tasks that have been in the running state longer than the
threshold, marks them failed, and frees the busy slot of any worker
still claiming them. Use after a worker crash leaves tasks orphaned.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			msg := protocol.Message{
				Type:       protocol.MsgClearStuck,
				ClearStuck: &protocol.ClearStuckPayload{ThresholdMinutes: threshold},
			}

			ack, err := roundTrip(cmd.Context(), msg)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), ack.Detail)
			return nil
		},
	}

	cmd.Flags().IntVar(&threshold, "threshold", 30, "age in minutes before a running task counts as stuck")

	return cmd
}
