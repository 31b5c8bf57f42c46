package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"ralph/pkg/hub"

	"github.com/spf13/cobra"
)

// newHubCmd creates the "ralph hub" subcommand.
func newHubCmd() *cobra.Command {
	var (
		socketPath string
		dbPath     string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the Ralph hub in the foreground",
		Long: `Runs the Ralph hub: listens on a unix socket for workers, observers,
and control connections, persists task state to SQLite, and relays
worker events to connected observers.

Stops gracefully on SIGINT/SIGTERM: workers receive a SHUTDOWN message
before the socket is closed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			if err := paths.ensureHome(); err != nil {
				return err
			}

			if socketPath == "" {
				socketPath = paths.SocketPath
			}
			if dbPath == "" {
				dbPath = paths.DBPath
			}
			if configPath == "" {
				configPath = paths.ConfigPath
			}

			base := hub.Config{
				SocketPath: socketPath,
				DBPath:     dbPath,
				HintsPath:  paths.HintsPath,
			}
			cfg, err := hub.LoadConfig(configPath, base)
			if err != nil {
				return fmt.Errorf("load config %s: %w", configPath, err)
			}

			db, err := openDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			hints := hub.NewHintsStore(cfg.HintsPath)
			if err := hints.Reload(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: load project hints: %v\n", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			h := hub.New(cfg, db, hints)
			fmt.Fprintf(cmd.OutOrStdout(), "hub listening on %s\n", cfg.SocketPath)
			return h.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "", "unix socket path (default: $RALPH_HOME/hub.sock)")
	cmd.Flags().StringVar(&dbPath, "db", "", "state database path (default: $RALPH_HOME/hub.db)")
	cmd.Flags().StringVar(&configPath, "config", "", "TOML config path (default: $RALPH_HOME/config.toml)")

	return cmd
}
