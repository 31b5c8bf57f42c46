package protocol

import "time"

// Directory and naming constants used throughout Ralph.
const (
	// RalphDir is the user-level state directory (e.g., ~/.ralph).
	RalphDir = ".ralph"

	// BranchPrefix is the git branch prefix for task branches.
	BranchPrefix = "ralph/"
)

// Timing defaults. The hub does not enforce TaskCeiling; the worker kills
// its own subprocess when the ceiling expires.
const (
	// TaskCeiling is the per-task wall-clock limit enforced by the worker.
	TaskCeiling = 30 * time.Minute

	// PingInterval is how often workers send PING to the hub.
	PingInterval = 10 * time.Second

	// LivenessGrace is how long the hub tolerates silence from a worker
	// before failing its task and dropping the connection.
	LivenessGrace = 45 * time.Second

	// SettleDelay is the pause between terminal session creation and the
	// injection of an auto-run command, allowing the remote shell prompt
	// to finish initializing. A timing heuristic, not a synchronization
	// guarantee.
	SettleDelay = 1500 * time.Millisecond

	// DefaultStuckThreshold is the clear-stuck sweep threshold.
	DefaultStuckThreshold = 30 * time.Minute
)

// BranchLabel derives the git branch name for a task ID. Only the first
// eight characters of the ID are used, matching the dashboard display.
func BranchLabel(taskID string) string {
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	return BranchPrefix + short
}
