package worker

import (
	"encoding/base64"
	"errors"
	"os"
	"os/exec"

	"ralph/pkg/protocol"

	"github.com/creack/pty"
)

// termOutputChunk is the PTY read buffer size. Each chunk becomes one
// TERM_OUTPUT message; raw bytes pass through unchanged.
const termOutputChunk = 4096

// ptySession is one interactive shell hosted for the hub.
type ptySession struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File
}

// handleTermCreate opens a shell in a PTY and starts pumping its output to
// the hub. The requested working directory falls back to the home directory
// when it does not exist on this machine.
func (w *Worker) handleTermCreate(p *protocol.TermCreatePayload) {
	if p == nil {
		return
	}

	cwd := p.Cwd
	if cwd == "" || !dirExists(cwd) {
		if home, err := os.UserHomeDir(); err == nil {
			cwd = home
		} else {
			cwd = "/"
		}
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}

	cmd := exec.Command(shell) //nolint:noctx // session lifetime is managed by close/exit, not a context
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		_ = w.send(protocol.Message{
			Type:       protocol.MsgTermClosed,
			TermClosed: &protocol.TermClosedPayload{SessionID: p.SessionID, ExitCode: -1},
		})
		return
	}

	s := &ptySession{id: p.SessionID, cmd: cmd, ptmx: ptmx}
	w.mu.Lock()
	w.sessions[p.SessionID] = s
	w.mu.Unlock()

	_ = w.send(protocol.Message{
		Type: protocol.MsgTermCreated,
		TermCreated: &protocol.TermCreatedPayload{
			SessionID: p.SessionID,
			Cwd:       cwd,
			Shell:     shell,
		},
	})

	go w.pumpTerminal(s)
}

// pumpTerminal copies PTY output to the hub until the shell exits, then
// reports closure and drops the session.
func (w *Worker) pumpTerminal(s *ptySession) {
	buf := make([]byte, termOutputChunk)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			_ = w.send(protocol.Message{
				Type: protocol.MsgTermOutput,
				TermOutput: &protocol.TermOutputPayload{
					SessionID: s.id,
					Data:      base64.StdEncoding.EncodeToString(buf[:n]),
				},
			})
		}
		if err != nil {
			break
		}
	}

	exitCode := 0
	if err := s.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	_ = s.ptmx.Close()

	w.mu.Lock()
	delete(w.sessions, s.id)
	w.mu.Unlock()

	_ = w.send(protocol.Message{
		Type:       protocol.MsgTermClosed,
		TermClosed: &protocol.TermClosedPayload{SessionID: s.id, ExitCode: exitCode},
	})
}

// handleTermInput writes keystrokes to the session's PTY, verbatim.
func (w *Worker) handleTermInput(p *protocol.TermInputPayload) {
	if p == nil {
		return
	}
	s := w.session(p.SessionID)
	if s == nil {
		return
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return
	}
	_, _ = s.ptmx.Write(data)
}

// handleTermResize applies new dimensions to the session's PTY.
func (w *Worker) handleTermResize(p *protocol.TermResizePayload) {
	if p == nil {
		return
	}
	s := w.session(p.SessionID)
	if s == nil {
		return
	}
	_ = pty.Setsize(s.ptmx, &pty.Winsize{
		Cols: uint16(p.Cols),
		Rows: uint16(p.Rows),
	})
}

// handleTermClose kills the session's shell. Closure is reported by
// pumpTerminal when the process actually exits.
func (w *Worker) handleTermClose(p *protocol.TermClosePayload) {
	if p == nil {
		return
	}
	s := w.session(p.SessionID)
	if s == nil {
		return
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

func (w *Worker) session(id string) *ptySession {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessions[id]
}

// closeAllSessions kills every hosted shell (hub shutdown or worker exit).
func (w *Worker) closeAllSessions() {
	w.mu.Lock()
	sessions := make([]*ptySession, 0, len(w.sessions))
	for _, s := range w.sessions {
		sessions = append(sessions, s)
	}
	w.mu.Unlock()

	for _, s := range sessions {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
