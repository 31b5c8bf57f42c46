// Package hub implements the Ralph coordinator: the central process that
// registers remote execution workers, dispatches at most one coding task per
// worker, relays the interpreted event stream to observing clients, and
// multiplexes interactive terminal sessions through the same worker
// connections.
//
// The hub listens on a single unix socket. The first message on a connection
// declares its role: REGISTER makes it a worker connection, OBSERVE makes it
// an observer, and any control message (TRIGGER, CANCEL, CLEAR_STUCK,
// STATUS, TERM_CREATE) makes it a short-lived control connection answered
// with an ACK. All traffic is newline-delimited JSON protocol.Message
// envelopes, so per-connection ordering is the transport's ordering.
package hub

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"ralph/pkg/protocol"
)

// maxLineBytes bounds a single protocol line. Tool payloads can carry large
// file excerpts.
const maxLineBytes = 1024 * 1024

// Hub is the central coordinator. The registry, task table, and session
// table are owned exclusively by the Hub and mutated only through its
// methods; there are no package-level registries.
type Hub struct {
	cfg   Config
	db    *sql.DB
	hints *HintsStore

	mu           sync.Mutex
	reg          *registry
	sessions     map[string]*termSession
	observers    map[int64]*observer
	nextObserver int64
	nextWorker   int64
	listener     net.Listener

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Hub. It does NOT start listening; call Run().
func New(cfg Config, db *sql.DB, hints *HintsStore) *Hub {
	resolved := cfg.withDefaults()
	if hints == nil {
		hints = NewHintsStore(resolved.HintsPath)
	}
	return &Hub{
		cfg:       resolved,
		db:        db,
		hints:     hints,
		reg:       newRegistry(),
		sessions:  make(map[string]*termSession),
		observers: make(map[int64]*observer),
		nowFunc:   time.Now,
	}
}

// Run starts the hub: it initializes the SQLite schema, listens on the unix
// socket, accepts connections, and monitors worker liveness. Blocks until
// ctx is cancelled, then shuts workers down and closes the listener.
func (h *Hub) Run(ctx context.Context) error {
	if _, err := h.db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	// Remove a stale socket from a previous run.
	_ = os.Remove(h.cfg.SocketPath)
	ln, err := net.Listen("unix", h.cfg.SocketPath) //nolint:noctx // UDS bind is instant
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", h.cfg.SocketPath, err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	go h.acceptLoop(ctx, ln)
	go h.livenessLoop(ctx)
	go h.hints.Watch(ctx)

	<-ctx.Done()

	// Tell workers we are going away, then drop everything.
	h.mu.Lock()
	for _, w := range h.reg.all() {
		_ = h.sendToWorker(w, protocol.Message{Type: protocol.MsgShutdown})
		_ = w.conn.Close()
	}
	for id := range h.observers {
		_ = h.observers[id].conn.Close()
	}
	h.mu.Unlock()

	_ = ln.Close()
	_ = os.Remove(h.cfg.SocketPath)
	return nil
}

// --- Connection handling ---

// acceptLoop accepts new connections until the listener closes.
func (h *Hub) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		go h.handleConn(ctx, conn)
	}
}

// handleConn reads the first message and routes the connection by role.
func (h *Hub) handleConn(ctx context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	if !scanner.Scan() {
		_ = conn.Close()
		return
	}
	var first protocol.Message
	if err := json.Unmarshal(scanner.Bytes(), &first); err != nil {
		_ = conn.Close()
		return
	}

	switch first.Type {
	case protocol.MsgRegister:
		h.runWorkerConn(ctx, conn, scanner, first.Register)
	case protocol.MsgObserve:
		h.runObserverConn(ctx, conn, scanner)
	default:
		h.handleControl(ctx, conn, first)
		_ = conn.Close()
	}
}

// runWorkerConn registers the worker and processes its messages until the
// connection drops. On disconnect the registry entry is removed and the
// worker's terminal sessions are closed; a task left behind is NOT failed
// here; a disconnected worker's task surfaces via the stuck-task sweep.
func (h *Hub) runWorkerConn(ctx context.Context, conn net.Conn, scanner *bufio.Scanner, reg *protocol.RegisterPayload) {
	if reg == nil {
		_ = conn.Close()
		return
	}

	h.mu.Lock()
	h.nextWorker++
	w := &workerEntry{
		id:       fmt.Sprintf("w-%d", h.nextWorker),
		hostname: reg.Hostname,
		projects: append([]string(nil), reg.Projects...),
		conn:     conn,
		encoder:  json.NewEncoder(conn),
		lastSeen: h.nowFunc(),
	}
	h.reg.add(w)
	h.mu.Unlock()

	_ = h.logEvent(ctx, "register", w.id, "", w.id,
		fmt.Sprintf(`{"hostname":%q,"projects":%d}`, reg.Hostname, len(reg.Projects)))

	defer func() {
		_ = conn.Close()
		h.mu.Lock()
		h.reg.remove(w.id)
		h.closeSessionsForWorker(w.id)
		h.mu.Unlock()
		_ = h.logEvent(context.Background(), "disconnect", w.id, "", w.id, "")
	}()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		h.mu.Lock()
		w.lastSeen = h.nowFunc()
		h.mu.Unlock()
		h.handleWorkerMessage(ctx, w.id, msg)
	}
}

// handleWorkerMessage dispatches one message from a worker connection. Each
// message is handled to completion before the next is read, so events for a
// single task reach observers in the order the worker emitted them.
func (h *Hub) handleWorkerMessage(ctx context.Context, workerID string, msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgStart:
		h.handleStart(ctx, workerID, msg.Start)
	case protocol.MsgInit:
		h.handleInit(ctx, workerID, msg.Init)
	case protocol.MsgTool:
		h.handleTool(ctx, workerID, msg.Tool)
	case protocol.MsgThought:
		h.handleThought(ctx, workerID, msg.Thought)
	case protocol.MsgProgress:
		h.handleProgress(ctx, workerID, msg.Progress)
	case protocol.MsgFile:
		h.handleFile(ctx, workerID, msg.File)
	case protocol.MsgComplete:
		h.handleComplete(ctx, workerID, msg.Complete)
	case protocol.MsgError:
		h.handleError(ctx, workerID, msg.Error)
	case protocol.MsgLog:
		h.handleLog(workerID, msg.Log)
	case protocol.MsgPing:
		// lastSeen was already refreshed by the read loop.
	case protocol.MsgTermCreated:
		h.handleTermCreated(ctx, workerID, msg.TermCreated)
	case protocol.MsgTermOutput:
		h.handleTermOutput(workerID, msg.TermOutput)
	case protocol.MsgTermClosed:
		h.handleTermClosed(ctx, workerID, msg.TermClosed)
	}
}

// runObserverConn streams relay events to the connection and accepts
// control messages from it (the dashboard triggers tasks and drives
// terminals over its observer connection). Control results surface as
// relayed events, not ACKs.
func (h *Hub) runObserverConn(ctx context.Context, conn net.Conn, scanner *bufio.Scanner) {
	o := h.addObserver(conn)
	defer func() {
		_ = conn.Close()
		h.removeObserver(o.id)
	}()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		switch msg.Type {
		case protocol.MsgTrigger:
			if msg.Trigger != nil {
				_, _, _ = h.Trigger(ctx, msg.Trigger.Project, msg.Trigger.Instruction, msg.Trigger.RequestedBy)
			}
		case protocol.MsgCancel:
			if msg.Cancel != nil {
				_ = h.Cancel(ctx, msg.Cancel.TaskID)
			}
		case protocol.MsgTermCreate:
			if msg.TermCreate != nil {
				_, _ = h.CreateSession(ctx, CreateSessionOptions{
					Cwd:         msg.TermCreate.Cwd,
					Title:       msg.TermCreate.Title,
					Preset:      msg.TermCreate.Preset,
					AutoCommand: msg.TermCreate.AutoCommand,
				})
			}
		case protocol.MsgTermInput:
			if msg.TermInput != nil {
				_ = h.SessionInput(msg.TermInput.SessionID, msg.TermInput.Data)
			}
		case protocol.MsgTermResize:
			if msg.TermResize != nil {
				_ = h.SessionResize(msg.TermResize.SessionID, msg.TermResize.Cols, msg.TermResize.Rows)
			}
		case protocol.MsgTermClose:
			if msg.TermClose != nil {
				_ = h.SessionClose(msg.TermClose.SessionID)
			}
		}
	}
}

// handleControl answers a short-lived control connection with a single ACK.
func (h *Hub) handleControl(ctx context.Context, conn net.Conn, msg protocol.Message) {
	ack := protocol.ACKPayload{OK: true}

	switch msg.Type {
	case protocol.MsgTrigger:
		if msg.Trigger == nil {
			ack = protocol.ACKPayload{Error: "missing trigger payload"}
			break
		}
		taskID, branch, err := h.Trigger(ctx, msg.Trigger.Project, msg.Trigger.Instruction, msg.Trigger.RequestedBy)
		if err != nil {
			ack = protocol.ACKPayload{Error: err.Error()}
			break
		}
		ack.TaskID = taskID
		ack.Branch = branch

	case protocol.MsgCancel:
		if msg.Cancel == nil {
			ack = protocol.ACKPayload{Error: "missing cancel payload"}
			break
		}
		if err := h.Cancel(ctx, msg.Cancel.TaskID); err != nil {
			ack = protocol.ACKPayload{Error: err.Error()}
		}

	case protocol.MsgClearStuck:
		threshold := protocol.DefaultStuckThreshold
		if msg.ClearStuck != nil && msg.ClearStuck.ThresholdMinutes > 0 {
			threshold = time.Duration(msg.ClearStuck.ThresholdMinutes) * time.Minute
		}
		n, err := h.ClearStuck(ctx, threshold)
		if err != nil {
			ack = protocol.ACKPayload{Error: err.Error()}
			break
		}
		ack.Detail = fmt.Sprintf("cleared %d stuck tasks", n)

	case protocol.MsgStatus:
		snap, err := h.Snapshot(ctx)
		if err != nil {
			ack = protocol.ACKPayload{Error: err.Error()}
			break
		}
		data, err := json.Marshal(snap)
		if err != nil {
			ack = protocol.ACKPayload{Error: err.Error()}
			break
		}
		ack.Detail = string(data)

	case protocol.MsgTermCreate:
		if msg.TermCreate == nil {
			ack = protocol.ACKPayload{Error: "missing term_create payload"}
			break
		}
		id, err := h.CreateSession(ctx, CreateSessionOptions{
			Cwd:         msg.TermCreate.Cwd,
			Title:       msg.TermCreate.Title,
			Preset:      msg.TermCreate.Preset,
			AutoCommand: msg.TermCreate.AutoCommand,
		})
		if err != nil {
			ack = protocol.ACKPayload{Error: err.Error()}
			break
		}
		ack.Detail = id

	default:
		ack = protocol.ACKPayload{Error: fmt.Sprintf("unknown control message %q", msg.Type)}
	}

	data, err := json.Marshal(protocol.Message{Type: protocol.MsgACK, ACK: &ack})
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// --- Liveness monitoring ---

// livenessLoop drops workers that have gone silent past the grace period
// and fails the task they were holding. Deliberate deviation from the
// sweep-only recovery model: a silently-dead worker would otherwise be
// indistinguishable from a busy one until an administrator intervened. The
// manual sweep remains as the fallback for disconnects.
func (h *Hub) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.LivenessGrace / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkLiveness(ctx)
		}
	}
}

// checkLiveness finds workers beyond the grace period, removes them, and
// fails their tasks.
func (h *Hub) checkLiveness(ctx context.Context) {
	now := h.nowFunc()

	h.mu.Lock()
	type deadWorker struct {
		id     string
		taskID string
	}
	var dead []deadWorker
	for _, w := range h.reg.all() {
		if now.Sub(w.lastSeen) > h.cfg.LivenessGrace {
			dead = append(dead, deadWorker{id: w.id, taskID: w.taskID()})
			_ = w.conn.Close()
			h.reg.remove(w.id)
			h.closeSessionsForWorker(w.id)
		}
	}
	h.mu.Unlock()

	for _, d := range dead {
		_ = h.logEvent(ctx, "liveness_timeout", "hub", d.taskID, d.id, "")
		if d.taskID != "" {
			h.failTask(ctx, d.taskID, d.id, "worker unresponsive")
		}
	}
}

// --- Send helper ---

// sendToWorker sends a message to a tracked worker. Caller must hold h.mu.
func (h *Hub) sendToWorker(w *workerEntry, msg protocol.Message) error {
	if err := w.encoder.Encode(msg); err != nil {
		return fmt.Errorf("write to worker %s: %w", w.id, err)
	}
	return nil
}

// ConnectedWorkers returns the number of currently connected workers.
func (h *Hub) ConnectedWorkers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg.len()
}
