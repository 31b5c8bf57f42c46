package main

import (
	"fmt"
	"os"
	"path/filepath"

	"ralph/pkg/protocol"
)

// Paths holds all resolved ralph state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	RalphHome  string // ~/.ralph or RALPH_HOME
	SocketPath string // hub.sock or RALPH_SOCKET_PATH
	DBPath     string // hub.db or RALPH_DB_PATH
	ConfigPath string // config.toml (respects RALPH_HOME)
	HintsPath  string // projects.yaml (respects RALPH_HOME)
}

// ResolvePaths returns all ralph paths, respecting env var overrides.
// Environment variables:
//   - RALPH_HOME: base directory for all ralph state (default: ~/.ralph)
//   - RALPH_SOCKET_PATH: hub UDS socket (default: $RALPH_HOME/hub.sock)
//   - RALPH_DB_PATH: hub state database (default: $RALPH_HOME/hub.db)
func ResolvePaths() (*Paths, error) {
	home := os.Getenv("RALPH_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, protocol.RalphDir)
	}

	paths := &Paths{
		RalphHome:  home,
		SocketPath: filepath.Join(home, "hub.sock"),
		DBPath:     filepath.Join(home, "hub.db"),
		ConfigPath: filepath.Join(home, "config.toml"),
		HintsPath:  filepath.Join(home, "projects.yaml"),
	}
	if v := os.Getenv("RALPH_SOCKET_PATH"); v != "" {
		paths.SocketPath = v
	}
	if v := os.Getenv("RALPH_DB_PATH"); v != "" {
		paths.DBPath = v
	}
	return paths, nil
}

// ensureHome creates the ralph state directory if it does not exist.
func (p *Paths) ensureHome() error {
	if err := os.MkdirAll(p.RalphHome, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", p.RalphHome, err)
	}
	return nil
}
