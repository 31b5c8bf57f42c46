package main

import (
	"encoding/json"
	"fmt"
	"time"

	"ralph/pkg/eventlog"

	"github.com/spf13/cobra"
)

// newLogsCmd creates the "ralph logs" subcommand.
func newLogsCmd() *cobra.Command {
	var (
		taskID    string
		workerID  string
		eventType string
		since     time.Duration
		limit     int
		jsonOut   bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the hub's persisted event log",
		Long: `Reads the event log straight from the hub database (read-only, safe
while the hub is running). Events are returned newest first.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dbPath := eventlog.DefaultDBPath()
			if paths, err := ResolvePaths(); err == nil {
				dbPath = paths.DBPath
			}

			reader, err := eventlog.NewReader(dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = reader.Close() }()

			opts := eventlog.QueryOpts{
				TaskID:    taskID,
				WorkerID:  workerID,
				EventType: eventType,
				Limit:     limit,
			}
			if since > 0 {
				after := time.Now().UTC().Add(-since)
				opts.After = &after
			}

			events, err := reader.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				for _, e := range events {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
				return nil
			}

			if len(events) == 0 {
				fmt.Fprintln(out, "no events")
				return nil
			}
			for _, e := range events {
				fmt.Fprintf(out, "%s  %-12s %-8s task=%s worker=%s %s\n",
					e.CreatedAt.Format(time.RFC3339), e.Type, e.Source, orDash(e.TaskID), orDash(e.WorkerID), e.Payload)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "filter by task ID")
	cmd.Flags().StringVar(&workerID, "worker", "", "filter by worker ID")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type (register, trigger, complete, ...)")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this age (e.g. 2h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit events as JSON lines")

	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
