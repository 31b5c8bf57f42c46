// Package worker implements the Ralph worker agent. It connects to a hub
// over a unix socket, registers its hostname and project capabilities,
// executes at most one dispatched coding task at a time via a subprocess
// whose output stream it interprets, and hosts interactive pseudo-terminal
// sessions on request.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"ralph/pkg/protocol"
)

// Config holds worker configuration.
type Config struct {
	SocketPath   string            // hub socket path
	Hostname     string            // defaults to os.Hostname()
	Projects     []string          // supported project identifiers
	ProjectDirs  map[string]string // project → checkout directory
	TaskCeiling  time.Duration     // wall-clock limit per task (default 30m)
	PingInterval time.Duration     // liveness ping period
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Hostname == "" {
		if name, err := os.Hostname(); err == nil {
			out.Hostname = name
		} else {
			out.Hostname = "unknown"
		}
	}
	if out.TaskCeiling == 0 {
		out.TaskCeiling = protocol.TaskCeiling
	}
	if out.PingInterval == 0 {
		out.PingInterval = protocol.PingInterval
	}
	return out
}

// runningTask tracks the worker's single task slot.
type runningTask struct {
	id     string
	cancel context.CancelFunc
	proc   Process
}

// Worker is the Ralph worker agent.
type Worker struct {
	cfg     Config
	spawner Spawner

	mu       sync.Mutex
	conn     net.Conn
	enc      *json.Encoder
	task     *runningTask
	sessions map[string]*ptySession
}

// New creates a Worker connected to the hub at cfg.SocketPath.
func New(cfg Config, spawner Spawner) (*Worker, error) {
	conn, err := net.Dial("unix", cfg.SocketPath) //nolint:noctx // UDS connect is instant
	if err != nil {
		return nil, fmt.Errorf("connect to hub: %w", err)
	}
	return NewWithConn(cfg, conn, spawner), nil
}

// NewWithConn creates a Worker on a pre-established connection (for testing).
func NewWithConn(cfg Config, conn net.Conn, spawner Spawner) *Worker {
	return &Worker{
		cfg:      cfg.withDefaults(),
		spawner:  spawner,
		conn:     conn,
		enc:      json.NewEncoder(conn),
		sessions: make(map[string]*ptySession),
	}
}

// Run registers with the hub and processes messages until the connection
// drops, a SHUTDOWN arrives, or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	err := w.send(protocol.Message{
		Type: protocol.MsgRegister,
		Register: &protocol.RegisterPayload{
			Hostname: w.cfg.Hostname,
			Projects: w.cfg.Projects,
		},
	})
	if err != nil {
		return err
	}

	go w.pingLoop(ctx)

	scanner := bufio.NewScanner(w.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), interpreterMaxLine)
	msgCh := make(chan protocol.Message)
	errCh := make(chan error, 1)

	// Read messages in a goroutine so we can select on ctx.Done.
	go func() {
		for scanner.Scan() {
			var msg protocol.Message
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue // skip malformed messages
			}
			msgCh <- msg
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
		} else {
			errCh <- fmt.Errorf("connection closed")
		}
	}()

	defer func() {
		w.killTask()
		w.closeAllSessions()
		// Unblocks the reader goroutine; without this a ctx-cancel exit
		// would leave it parked on the connection forever.
		_ = w.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgCh:
			if done := w.handleMessage(ctx, msg); done {
				return nil
			}
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil //nolint:nilerr // context cancelled = clean shutdown
			}
			return err
		}
	}
}

// handleMessage processes one hub message. Returns true on SHUTDOWN.
func (w *Worker) handleMessage(ctx context.Context, msg protocol.Message) bool {
	switch msg.Type {
	case protocol.MsgTask:
		w.handleTask(ctx, msg.Task)
	case protocol.MsgTerminate:
		w.handleTerminate(msg.Terminate)
	case protocol.MsgShutdown:
		return true
	case protocol.MsgTermCreate:
		w.handleTermCreate(msg.TermCreate)
	case protocol.MsgTermInput:
		w.handleTermInput(msg.TermInput)
	case protocol.MsgTermResize:
		w.handleTermResize(msg.TermResize)
	case protocol.MsgTermClose:
		w.handleTermClose(msg.TermClose)
	}
	return false
}

// handleTask accepts a dispatch and runs it in the background. The hub's
// registry guarantees one task per worker; a task arriving while the slot
// is held is rejected with an error.
func (w *Worker) handleTask(ctx context.Context, p *protocol.TaskPayload) {
	if p == nil {
		return
	}
	w.mu.Lock()
	if w.task != nil {
		w.mu.Unlock()
		_ = w.send(protocol.Message{
			Type:  protocol.MsgError,
			Error: &protocol.ErrorPayload{TaskID: p.TaskID, Error: "worker already has an active task"},
		})
		return
	}
	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskCeiling)
	w.task = &runningTask{id: p.TaskID, cancel: cancel}
	w.mu.Unlock()

	go w.runTask(taskCtx, p)
}

// runTask spawns the subprocess, streams interpreted events to the hub, and
// reports the terminal outcome. On ceiling expiry the context kills the
// subprocess and the task is reported as an error.
func (w *Worker) runTask(ctx context.Context, p *protocol.TaskPayload) {
	defer w.clearTask()

	_ = w.send(protocol.Message{
		Type: protocol.MsgStart,
		Start: &protocol.StartPayload{
			TaskID:    p.TaskID,
			Project:   p.Project,
			StartTime: time.Now().UTC().Format(time.RFC3339),
		},
	})

	dir := w.cfg.ProjectDirs[p.Project]
	if dir == "" {
		dir = "."
	}

	proc, stdout, err := w.spawner.Spawn(ctx, SpawnRequest{
		Instruction: instruction(p),
		Dir:         dir,
		Branch:      p.Branch,
	})
	if err != nil {
		_ = w.send(protocol.Message{
			Type:  protocol.MsgError,
			Error: &protocol.ErrorPayload{TaskID: p.TaskID, Error: fmt.Sprintf("spawn failed: %v", err)},
		})
		return
	}

	w.mu.Lock()
	if w.task != nil && w.task.id == p.TaskID {
		w.task.proc = proc
	}
	w.mu.Unlock()

	interp := NewInterpreter(p.TaskID)
	_ = interp.Run(stdout, w.send)
	procErr := proc.Wait()

	if ctx.Err() == context.DeadlineExceeded {
		_ = w.send(protocol.Message{
			Type: protocol.MsgError,
			Error: &protocol.ErrorPayload{
				TaskID: p.TaskID,
				Error:  fmt.Sprintf("wall-clock ceiling exceeded (%s)", w.cfg.TaskCeiling),
			},
		})
		return
	}

	summary := interp.Summary(procErr == nil)
	summary.GitOutcome = gitOutcome(dir)
	_ = w.send(protocol.Message{Type: protocol.MsgComplete, Complete: summary})
}

// instruction renders the dispatched instruction, appending project
// structure hints when the hub provided them.
func instruction(p *protocol.TaskPayload) string {
	if p.Hints == "" {
		return p.Instruction
	}
	return p.Instruction + "\n\nProject structure:\n" + p.Hints
}

// handleTerminate kills the running subprocess, best-effort. The terminal
// COMPLETE/ERROR still flows from runTask when the process dies.
func (w *Worker) handleTerminate(p *protocol.TerminatePayload) {
	if p == nil {
		return
	}
	w.mu.Lock()
	t := w.task
	w.mu.Unlock()
	if t == nil || t.id != p.TaskID {
		return
	}
	t.cancel()
	if t.proc != nil {
		_ = t.proc.Kill()
	}
}

func (w *Worker) killTask() {
	w.mu.Lock()
	t := w.task
	w.mu.Unlock()
	if t == nil {
		return
	}
	t.cancel()
	if t.proc != nil {
		_ = t.proc.Kill()
	}
}

func (w *Worker) clearTask() {
	w.mu.Lock()
	if w.task != nil {
		w.task.cancel()
		w.task = nil
	}
	w.mu.Unlock()
}

// pingLoop sends liveness pings until ctx is cancelled.
func (w *Worker) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			active := ""
			if w.task != nil {
				active = w.task.id
			}
			w.mu.Unlock()
			_ = w.send(protocol.Message{
				Type: protocol.MsgPing,
				Ping: &protocol.PingPayload{ActiveTaskID: active},
			})
		}
	}
}

// send encodes and writes one message. The encoder is guarded because task,
// terminal, and ping goroutines all write to the single hub connection;
// this serialization preserves per-task event ordering on the wire.
func (w *Worker) send(msg protocol.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
