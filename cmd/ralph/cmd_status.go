package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"ralph/pkg/hub"
	"ralph/pkg/protocol"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "ralph status" subcommand.
func newStatusCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connected workers and task counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ack, err := roundTrip(cmd.Context(), protocol.Message{Type: protocol.MsgStatus})
			if err != nil {
				return err
			}

			if jsonOut {
				fmt.Fprintln(cmd.OutOrStdout(), ack.Detail)
				return nil
			}

			var snap hub.Snapshot
			if err := json.Unmarshal([]byte(ack.Detail), &snap); err != nil {
				return fmt.Errorf("unmarshal status: %w", err)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the raw JSON snapshot")

	return cmd
}

// printSnapshot renders the hub snapshot in a human-readable form.
func printSnapshot(w io.Writer, snap hub.Snapshot) {
	if len(snap.Workers) == 0 {
		fmt.Fprintln(w, "no workers connected")
	} else {
		fmt.Fprintf(w, "workers (%d):\n", len(snap.Workers))
		for _, ws := range snap.Workers {
			state := "idle"
			if ws.ActiveTaskID != "" {
				state = "busy on " + ws.ActiveTaskID
			}
			fmt.Fprintf(w, "  %s  %s  [%s]  %s\n", ws.ID, ws.Hostname, strings.Join(ws.Projects, ","), state)
		}
	}

	fmt.Fprintf(w, "terminal sessions: %d\n", snap.Sessions)

	if len(snap.ByStatus) > 0 {
		statuses := make([]string, 0, len(snap.ByStatus))
		for s := range snap.ByStatus {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)

		fmt.Fprintln(w, "tasks:")
		for _, s := range statuses {
			fmt.Fprintf(w, "  %-12s %d\n", s, snap.ByStatus[s])
		}
	}
}
