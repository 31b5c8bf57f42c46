package worker

import (
	"fmt"
	"os/exec"
	"strings"
)

// gitOutcome summarises the state the subprocess left the checkout in:
// whether its changes were committed, and what the tip commit is. Purely
// informational, best-effort; returns "" when dir is not a git checkout.
func gitOutcome(dir string) string {
	status, err := gitRun(dir, "status", "--porcelain")
	if err != nil {
		return ""
	}

	tip, err := gitRun(dir, "log", "-1", "--oneline")
	if err != nil {
		tip = "no commits"
	}

	if status == "" {
		return "clean: " + tip
	}
	dirty := len(strings.Split(status, "\n"))
	return fmt.Sprintf("uncommitted changes (%d files), tip: %s", dirty, tip)
}

func gitRun(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...) //nolint:noctx // short-lived local query
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}
