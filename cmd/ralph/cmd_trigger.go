package main

import (
	"fmt"
	"os"
	"os/user"
	"strings"

	"ralph/pkg/protocol"

	"github.com/spf13/cobra"
)

// newTriggerCmd creates the "ralph trigger" subcommand.
func newTriggerCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "trigger <instruction...>",
		Short: "Dispatch a task to an idle worker",
		Long: `Sends a task to the hub, which routes it to the first idle worker
supporting the target project. Prints the assigned task ID and the
branch label the worker will use.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instruction := strings.Join(args, " ")

			msg := protocol.Message{
				Type: protocol.MsgTrigger,
				Trigger: &protocol.TriggerPayload{
					Project:     project,
					Instruction: instruction,
					RequestedBy: currentUser(),
				},
			}

			ack, err := roundTrip(cmd.Context(), msg)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "task %s dispatched (branch %s)\n", ack.TaskID, ack.Branch)
			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "target project identifier")

	return cmd
}

// currentUser returns the invoking user's name for task attribution.
func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "unknown"
}
