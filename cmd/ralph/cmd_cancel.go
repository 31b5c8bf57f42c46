package main

import (
	"fmt"

	"ralph/pkg/protocol"

	"github.com/spf13/cobra"
)

// newCancelCmd creates the "ralph cancel" subcommand.
func newCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or running task",
		Long: `Marks the task cancelled in the hub and forwards a TERMINATE to the
worker running it, if any. Cancellation of the agent subprocess is
best-effort; the task record transitions immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := protocol.Message{
				Type:   protocol.MsgCancel,
				Cancel: &protocol.CancelPayload{TaskID: args[0]},
			}

			ack, err := roundTrip(cmd.Context(), msg)
			if err != nil {
				return err
			}

			if ack.Detail != "" {
				fmt.Fprintln(cmd.OutOrStdout(), ack.Detail)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "task %s cancelled\n", args[0])
			}
			return nil
		},
	}

	return cmd
}
