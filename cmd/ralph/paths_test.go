package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePaths_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("RALPH_HOME", home)
	t.Setenv("RALPH_SOCKET_PATH", "")
	t.Setenv("RALPH_DB_PATH", "")

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if paths.RalphHome != home {
		t.Errorf("RalphHome = %q", paths.RalphHome)
	}
	if paths.SocketPath != filepath.Join(home, "hub.sock") {
		t.Errorf("SocketPath = %q", paths.SocketPath)
	}
	if paths.DBPath != filepath.Join(home, "hub.db") {
		t.Errorf("DBPath = %q", paths.DBPath)
	}
	if paths.ConfigPath != filepath.Join(home, "config.toml") {
		t.Errorf("ConfigPath = %q", paths.ConfigPath)
	}
	if paths.HintsPath != filepath.Join(home, "projects.yaml") {
		t.Errorf("HintsPath = %q", paths.HintsPath)
	}
}

func TestResolvePaths_EnvOverrides(t *testing.T) {
	t.Setenv("RALPH_HOME", t.TempDir())
	t.Setenv("RALPH_SOCKET_PATH", "/run/custom.sock")
	t.Setenv("RALPH_DB_PATH", "/var/lib/custom.db")

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if paths.SocketPath != "/run/custom.sock" || paths.DBPath != "/var/lib/custom.db" {
		t.Errorf("overrides ignored: %+v", paths)
	}
}

func TestEnsureHome(t *testing.T) {
	t.Parallel()
	target := filepath.Join(t.TempDir(), "nested", ".ralph")
	p := &Paths{RalphHome: target}
	if err := p.ensureHome(); err != nil {
		t.Fatalf("ensureHome: %v", err)
	}
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		t.Fatalf("home not created: %v", err)
	}
	// Second call on an existing directory is a no-op.
	if err := p.ensureHome(); err != nil {
		t.Errorf("ensureHome twice: %v", err)
	}
}
