package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// SpawnRequest describes one subprocess invocation.
type SpawnRequest struct {
	Instruction string // free-text task instruction
	Dir         string // working directory (project checkout)
	Branch      string // derived branch label, exported to the subprocess
}

// Process abstracts a running subprocess.
type Process interface {
	Wait() error
	Kill() error
}

// Spawner abstracts the coding-agent invocation for testing. The returned
// reader is the subprocess's stdout stream.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, io.ReadCloser, error)
}

// ClaudeSpawner is the production Spawner. It invokes the claude CLI in
// non-interactive mode with stream-json output, which the interpreter
// consumes line by line.
type ClaudeSpawner struct {
	Binary string // defaults to "claude"
}

// Spawn starts the subprocess. The context carries the wall-clock ceiling:
// when it expires the process is killed by exec.CommandContext.
func (s *ClaudeSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, io.ReadCloser, error) {
	binary := s.Binary
	if binary == "" {
		binary = "claude"
	}

	args := []string{
		"--output-format", "stream-json",
		"--print",
		"--verbose",
		req.Instruction,
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = req.Dir
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "RALPH_BRANCH="+req.Branch)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start %s: %w", binary, err)
	}
	return &cmdProcess{cmd: cmd}, stdout, nil
}

// cmdProcess wraps *exec.Cmd to implement the Process interface.
type cmdProcess struct {
	cmd *exec.Cmd
}

// Wait blocks until the subprocess exits.
func (p *cmdProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("subprocess wait: %w", err)
	}
	return nil
}

// Kill terminates the subprocess immediately.
func (p *cmdProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill subprocess: %w", err)
	}
	return nil
}
