package hub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// hintsFallbackPoll is the safety-net reload interval when file watching is
// unavailable or misses an event.
const hintsFallbackPoll = 60 * time.Second

// ProjectHints describes one project a worker can execute tasks for: where
// it lives on the worker and a free-text structure hint included with each
// dispatched instruction.
type ProjectHints struct {
	Dir   string `yaml:"dir,omitempty"`
	Hints string `yaml:"hints,omitempty"`
}

// hintsFile is the on-disk YAML shape of the hints store.
type hintsFile struct {
	Projects map[string]ProjectHints `yaml:"projects"`
}

// HintsStore holds per-project structure hints loaded from a YAML file.
// The file is optional: an absent or empty store answers every lookup with
// zero values.
type HintsStore struct {
	path string

	mu       sync.Mutex
	projects map[string]ProjectHints
}

// NewHintsStore creates a store for the given path and performs an initial
// best-effort load. A missing or unreadable file leaves the store empty.
func NewHintsStore(path string) *HintsStore {
	s := &HintsStore{path: path, projects: make(map[string]ProjectHints)}
	_ = s.Reload()
	return s
}

// Reload re-reads the hints file, replacing the in-memory table on success.
func (s *HintsStore) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read hints %s: %w", s.path, err)
	}
	var f hintsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse hints %s: %w", s.path, err)
	}

	s.mu.Lock()
	if f.Projects != nil {
		s.projects = f.Projects
	} else {
		s.projects = make(map[string]ProjectHints)
	}
	s.mu.Unlock()
	return nil
}

// For returns the hints for a project, or zero values when unknown.
func (s *HintsStore) For(project string) ProjectHints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projects[project]
}

// Watch reloads the store when the hints file changes. It watches the
// containing directory (editors replace files rather than rewriting them)
// and falls back to pure polling if fsnotify is unavailable. Blocks until
// ctx is cancelled.
func (s *HintsStore) Watch(ctx context.Context) {
	if s.path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.watchPoll(ctx)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		s.watchPoll(ctx)
		return
	}

	fallback := time.NewTicker(hintsFallbackPoll)
	defer fallback.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-watcher.Events:
			if filepath.Clean(ev.Name) == filepath.Clean(s.path) {
				_ = s.Reload()
			}
		case <-watcher.Errors:
			// Watch errors are not fatal; the fallback poll covers us.
		case <-fallback.C:
			_ = s.Reload()
		}
	}
}

// watchPoll is the fallback reload loop when fsnotify is unavailable.
func (s *HintsStore) watchPoll(ctx context.Context) {
	ticker := time.NewTicker(hintsFallbackPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Reload()
		}
	}
}
