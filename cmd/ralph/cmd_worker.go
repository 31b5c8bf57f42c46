package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ralph/pkg/worker"

	"github.com/spf13/cobra"
)

// newWorkerCmd creates the "ralph worker" subcommand.
func newWorkerCmd() *cobra.Command {
	var (
		socketPath string
		hostname   string
		projects   []string
		binary     string
		ceiling    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a Ralph worker in the foreground",
		Long: `Runs a Ralph worker: connects to the hub socket, registers its
supported projects, and executes one task at a time by spawning the
claude CLI in stream-json mode.

Projects are declared as name=dir pairs:

  ralph worker --project api=~/code/api --project web=~/code/web

The directory is where the agent subprocess runs for tasks targeting
that project.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(projects) == 0 {
				return fmt.Errorf("at least one --project name=dir is required")
			}

			names, dirs, err := parseProjects(projects)
			if err != nil {
				return err
			}

			if socketPath == "" {
				paths, err := ResolvePaths()
				if err != nil {
					return fmt.Errorf("resolve paths: %w", err)
				}
				socketPath = paths.SocketPath
			}

			cfg := worker.Config{
				SocketPath:  socketPath,
				Hostname:    hostname,
				Projects:    names,
				ProjectDirs: dirs,
				TaskCeiling: ceiling,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w, err := worker.New(cfg, &worker.ClaudeSpawner{Binary: binary})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worker connected to %s (projects: %s)\n",
				socketPath, strings.Join(names, ", "))
			return w.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "", "hub socket path (default: $RALPH_HOME/hub.sock)")
	cmd.Flags().StringVar(&hostname, "hostname", "", "identity reported to the hub (default: os hostname)")
	cmd.Flags().StringArrayVar(&projects, "project", nil, "supported project as name=dir (repeatable)")
	cmd.Flags().StringVar(&binary, "claude-binary", "", "agent CLI binary (default: claude)")
	cmd.Flags().DurationVar(&ceiling, "task-ceiling", 0, "wall-clock limit per task (default: 30m)")

	return cmd
}

// parseProjects splits name=dir pairs into the registration name list and
// the project-to-directory map.
func parseProjects(pairs []string) ([]string, map[string]string, error) {
	names := make([]string, 0, len(pairs))
	dirs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, dir, ok := strings.Cut(pair, "=")
		if !ok || name == "" || dir == "" {
			return nil, nil, fmt.Errorf("invalid --project %q: expected name=dir", pair)
		}
		if _, dup := dirs[name]; dup {
			return nil, nil, fmt.Errorf("duplicate --project name %q", name)
		}
		names = append(names, name)
		dirs[name] = dir
	}
	return names, dirs, nil
}
