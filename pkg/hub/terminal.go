package hub

import (
	"context"
	"encoding/base64"
	"time"

	"ralph/pkg/protocol"

	"github.com/google/uuid"
)

// termSession is one interactive pseudo-terminal bound to a worker. Sessions
// exist only in hub memory: they die with the hub, an explicit close, or the
// remote shell exiting, whichever comes first.
type termSession struct {
	id          string
	workerID    string
	title       string
	preset      string
	autoCommand string
	createdAt   time.Time
}

// CreateSessionOptions carries the optional settings for a new terminal
// session.
type CreateSessionOptions struct {
	Cwd         string
	Title       string
	Preset      string
	AutoCommand string
}

// CreateSession opens a terminal session on the first-connected worker.
// Routing is deliberately not project-aware and there is no cap on sessions
// per worker. The session ID is returned immediately; shell readiness
// arrives later as a term_created relay event.
func (h *Hub) CreateSession(ctx context.Context, opts CreateSessionOptions) (string, error) {
	h.mu.Lock()
	w := h.reg.first()
	if w == nil {
		h.mu.Unlock()
		return "", &protocol.NoWorkersError{}
	}

	id := uuid.NewString()
	h.sessions[id] = &termSession{
		id:          id,
		workerID:    w.id,
		title:       opts.Title,
		preset:      opts.Preset,
		autoCommand: opts.AutoCommand,
		createdAt:   h.nowFunc(),
	}
	err := h.sendToWorker(w, protocol.Message{
		Type: protocol.MsgTermCreate,
		TermCreate: &protocol.TermCreatePayload{
			SessionID:   id,
			Cwd:         opts.Cwd,
			Title:       opts.Title,
			Preset:      opts.Preset,
			AutoCommand: opts.AutoCommand,
		},
	})
	if err != nil {
		delete(h.sessions, id)
		h.mu.Unlock()
		return "", err
	}
	h.mu.Unlock()

	_ = h.logEvent(ctx, "term_create", "hub", "", w.id, id)
	return id, nil
}

// SessionInput routes keystrokes (base64) verbatim to the owning worker.
func (h *Hub) SessionInput(sessionID, data string) error {
	return h.routeToSession(sessionID, func(s *termSession) protocol.Message {
		return protocol.Message{
			Type:      protocol.MsgTermInput,
			TermInput: &protocol.TermInputPayload{SessionID: sessionID, Data: data},
		}
	})
}

// SessionResize routes new dimensions to the owning worker. No validation:
// the worker's PTY is the authority on what sizes are acceptable.
func (h *Hub) SessionResize(sessionID string, cols, rows int) error {
	return h.routeToSession(sessionID, func(s *termSession) protocol.Message {
		return protocol.Message{
			Type:       protocol.MsgTermResize,
			TermResize: &protocol.TermResizePayload{SessionID: sessionID, Cols: cols, Rows: rows},
		}
	})
}

// SessionClose asks the owning worker to kill the session's shell. The
// session entry is dropped when the worker reports TERM_CLOSED.
func (h *Hub) SessionClose(sessionID string) error {
	return h.routeToSession(sessionID, func(s *termSession) protocol.Message {
		return protocol.Message{
			Type:      protocol.MsgTermClose,
			TermClose: &protocol.TermClosePayload{SessionID: sessionID},
		}
	})
}

// routeToSession builds and sends a message to the worker owning sessionID.
func (h *Hub) routeToSession(sessionID string, build func(*termSession) protocol.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return &protocol.SessionNotFoundError{SessionID: sessionID}
	}
	w := h.reg.get(s.workerID)
	if w == nil {
		return &protocol.WorkerGoneError{WorkerID: s.workerID}
	}
	return h.sendToWorker(w, build(s))
}

// --- Worker-side terminal notifications ---

// handleTermCreated broadcasts shell readiness and, if the session has an
// auto-run command, schedules it after the settle delay. The delay lets the
// remote prompt finish initializing; it is a timing heuristic, not a
// synchronization guarantee.
func (h *Hub) handleTermCreated(ctx context.Context, workerID string, p *protocol.TermCreatedPayload) {
	if p == nil {
		return
	}
	h.broadcast(protocol.RelayEvent{
		Kind:      protocol.RelayTermCreated,
		SessionID: p.SessionID,
	})

	h.mu.Lock()
	s, ok := h.sessions[p.SessionID]
	autoCommand := ""
	if ok {
		autoCommand = s.autoCommand
	}
	h.mu.Unlock()

	if autoCommand == "" {
		return
	}
	data := base64.StdEncoding.EncodeToString([]byte(autoCommand + "\n"))
	time.AfterFunc(h.cfg.SettleDelay, func() {
		_ = h.SessionInput(p.SessionID, data)
	})
}

func (h *Hub) handleTermOutput(workerID string, p *protocol.TermOutputPayload) {
	if p == nil {
		return
	}
	h.broadcast(protocol.RelayEvent{
		Kind:      protocol.RelayTermOutput,
		SessionID: p.SessionID,
		Data:      p.Data,
	})
}

func (h *Hub) handleTermClosed(ctx context.Context, workerID string, p *protocol.TermClosedPayload) {
	if p == nil {
		return
	}
	h.mu.Lock()
	delete(h.sessions, p.SessionID)
	h.mu.Unlock()

	_ = h.logEvent(ctx, "term_closed", workerID, "", workerID, p.SessionID)
	h.broadcast(protocol.RelayEvent{
		Kind:      protocol.RelayTermClosed,
		SessionID: p.SessionID,
		ExitCode:  p.ExitCode,
	})
}

// closeSessionsForWorker drops all sessions owned by a disconnected worker
// and broadcasts their closure. Caller must hold h.mu.
func (h *Hub) closeSessionsForWorker(workerID string) {
	for id, s := range h.sessions {
		if s.workerID != workerID {
			continue
		}
		delete(h.sessions, id)
		h.broadcastLocked(protocol.RelayEvent{
			Kind:      protocol.RelayTermClosed,
			SessionID: id,
			ExitCode:  -1,
		})
	}
}
