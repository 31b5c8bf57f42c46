package hub

import (
	"fmt"
	"os"
	"time"

	"ralph/pkg/protocol"

	"github.com/pelletier/go-toml/v2"
)

// Config holds hub configuration.
type Config struct {
	SocketPath      string        // UDS socket path.
	DBPath          string        // SQLite database path.
	HintsPath       string        // projects.yaml path ("" disables hints).
	LivenessGrace   time.Duration // Worker silence tolerated before its task is failed.
	SettleDelay     time.Duration // Pause before injecting a terminal auto-command.
	ShutdownTimeout time.Duration // Graceful shutdown timeout.
	ObserverBuffer  int           // Per-observer event channel capacity.
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.LivenessGrace == 0 {
		out.LivenessGrace = protocol.LivenessGrace
	}
	if out.SettleDelay == 0 {
		out.SettleDelay = protocol.SettleDelay
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = 10 * time.Second
	}
	if out.ObserverBuffer == 0 {
		out.ObserverBuffer = 256
	}
	return out
}

// fileConfig is the on-disk TOML shape of the hub configuration. Durations
// are plain integers so the file stays hand-editable.
type fileConfig struct {
	SocketPath           string `toml:"socket_path"`
	DBPath               string `toml:"db_path"`
	HintsPath            string `toml:"hints_path"`
	LivenessGraceSeconds int    `toml:"liveness_grace_seconds"`
	SettleDelayMS        int    `toml:"settle_delay_ms"`
	ObserverBuffer       int    `toml:"observer_buffer"`
}

// LoadConfig reads a TOML config file and merges it over base. A missing
// file is not an error: base is returned unchanged.
func LoadConfig(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}

	out := base
	if fc.SocketPath != "" {
		out.SocketPath = fc.SocketPath
	}
	if fc.DBPath != "" {
		out.DBPath = fc.DBPath
	}
	if fc.HintsPath != "" {
		out.HintsPath = fc.HintsPath
	}
	if fc.LivenessGraceSeconds > 0 {
		out.LivenessGrace = time.Duration(fc.LivenessGraceSeconds) * time.Second
	}
	if fc.SettleDelayMS > 0 {
		out.SettleDelay = time.Duration(fc.SettleDelayMS) * time.Millisecond
	}
	if fc.ObserverBuffer > 0 {
		out.ObserverBuffer = fc.ObserverBuffer
	}
	return out, nil
}
