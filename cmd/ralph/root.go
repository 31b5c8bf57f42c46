package main

import (
	"fmt"

	"ralph/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root ralph command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ralph",
		Short:         "Ralph remote task dispatch relay",
		Long:          "ralph coordinates remote execution workers: it dispatches\nautomated coding tasks, relays their event streams to observers,\nand multiplexes interactive terminal sessions.",
		Version:       fmt.Sprintf("ralph %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newHubCmd(),
		newWorkerCmd(),
		newTriggerCmd(),
		newCancelCmd(),
		newClearStuckCmd(),
		newStatusCmd(),
		newTermCmd(),
		newLogsCmd(),
	)

	return cmd
}
