package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ralph/pkg/protocol"

	"github.com/google/uuid"
)

// sqliteTimeLayout matches SQLite's datetime('now') output (UTC).
const sqliteTimeLayout = "2006-01-02 15:04:05"

// --- Trigger / cancel / sweep (caller-facing operations) ---

// Trigger validates the request against the registry, persists a pending
// task, claims the chosen worker's slot, and sends the instruction. The
// task ID and branch label are returned synchronously; execution progress
// arrives later as relayed worker events. On a validation error no state
// is mutated and no task row is written.
func (h *Hub) Trigger(ctx context.Context, project, instruction, requestedBy string) (taskID, branch string, err error) {
	h.mu.Lock()
	if h.reg.len() == 0 {
		h.mu.Unlock()
		return "", "", &protocol.NoWorkersError{}
	}
	w, busy := h.reg.findIdleFor(project)
	if w == nil {
		h.mu.Unlock()
		return "", "", &protocol.NoCapableIdleWorkerError{Project: project, Busy: busy}
	}

	taskID = uuid.NewString()
	branch = protocol.BranchLabel(taskID)
	// Claim under the same lock as the idle check so two concurrent
	// triggers cannot share a worker.
	w.claim(taskID)
	workerID := w.id
	h.mu.Unlock()

	if err := h.insertTask(ctx, taskID, project, instruction, requestedBy, branch, workerID); err != nil {
		h.mu.Lock()
		if w := h.reg.get(workerID); w != nil && w.taskID() == taskID {
			w.release()
		}
		h.mu.Unlock()
		return "", "", err
	}

	_ = h.setTaskStatus(ctx, taskID, protocol.TaskDispatching)
	_ = h.logEvent(ctx, "trigger", requestedBy, taskID, workerID,
		fmt.Sprintf(`{"project":%q}`, project))

	hints := h.hints.For(project)
	msg := protocol.Message{
		Type: protocol.MsgTask,
		Task: &protocol.TaskPayload{
			TaskID:      taskID,
			Project:     project,
			Instruction: instruction,
			Branch:      branch,
			Hints:       hints.Hints,
		},
	}

	h.mu.Lock()
	var sendErr error
	if w := h.reg.get(workerID); w != nil {
		sendErr = h.sendToWorker(w, msg)
	} else {
		sendErr = &protocol.WorkerGoneError{WorkerID: workerID}
	}
	h.mu.Unlock()

	if sendErr != nil {
		h.failTask(ctx, taskID, workerID, fmt.Sprintf("dispatch failed: %v", sendErr))
		return "", "", fmt.Errorf("send task to worker %s: %w", workerID, sendErr)
	}
	return taskID, branch, nil
}

// Cancel forwards a terminate signal to the worker running the task (if it
// is still connected) and marks the task cancelled immediately, regardless
// of whether the subprocess actually stops. Best-effort, not transactional.
func (h *Hub) Cancel(ctx context.Context, taskID string) error {
	res, err := h.db.ExecContext(ctx,
		`UPDATE tasks SET status='cancelled', updated_at=datetime('now')
		 WHERE id=? AND status NOT IN ('completed','failed','cancelled')`, taskID)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &protocol.TaskNotFoundError{TaskID: taskID}
	}

	h.mu.Lock()
	if w := h.reg.byTask(taskID); w != nil {
		_ = h.sendToWorker(w, protocol.Message{
			Type:      protocol.MsgTerminate,
			Terminate: &protocol.TerminatePayload{TaskID: taskID},
		})
		w.release()
	}
	h.mu.Unlock()

	_ = h.logEvent(ctx, "cancel", "hub", taskID, "", "")
	h.broadcast(protocol.RelayEvent{Kind: protocol.RelayLog, TaskID: taskID, Content: "task cancelled"})
	return nil
}

// ClearStuck force-fails every running task whose last update is older than
// threshold, with reason "timeout-or-cleared", and frees any worker slot
// still holding one of those tasks. This sweep is the only recovery path
// for a worker that disconnects mid-task.
func (h *Hub) ClearStuck(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := h.nowFunc().UTC().Add(-threshold).Format(sqliteTimeLayout)

	rows, err := h.db.QueryContext(ctx,
		`SELECT id FROM tasks WHERE status='running' AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("query stuck tasks: %w", err)
	}
	var stuck []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan stuck task: %w", err)
		}
		stuck = append(stuck, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate stuck tasks: %w", err)
	}

	for _, id := range stuck {
		_, _ = h.db.ExecContext(ctx,
			`UPDATE tasks SET status='failed', error='timeout-or-cleared', updated_at=datetime('now')
			 WHERE id=? AND status='running'`, id)

		h.mu.Lock()
		if w := h.reg.byTask(id); w != nil {
			w.release()
		}
		h.mu.Unlock()

		_ = h.logEvent(ctx, "cleared_stuck", "hub", id, "", "")
		h.broadcast(protocol.RelayEvent{Kind: protocol.RelayError, TaskID: id, Content: "timeout-or-cleared"})
	}
	return len(stuck), nil
}

// --- Worker event handlers (driven by the per-connection loop) ---

func (h *Hub) handleStart(ctx context.Context, workerID string, p *protocol.StartPayload) {
	if p == nil {
		return
	}
	_ = h.setTaskStatus(ctx, p.TaskID, protocol.TaskRunning)
	_ = h.logEvent(ctx, "start", workerID, p.TaskID, workerID, "")
	h.broadcast(protocol.RelayEvent{Kind: protocol.RelayLog, TaskID: p.TaskID, Content: "task started"})
}

func (h *Hub) handleInit(ctx context.Context, workerID string, p *protocol.InitPayload) {
	if p == nil {
		return
	}
	_ = h.touchTask(ctx, p.TaskID)
	_ = h.logEvent(ctx, "init", workerID, p.TaskID, workerID,
		fmt.Sprintf(`{"model":%q}`, p.Model))
	h.broadcast(protocol.RelayEvent{
		Kind:      protocol.RelayInit,
		TaskID:    p.TaskID,
		SessionID: p.SessionID,
		Model:     p.Model,
	})
}

func (h *Hub) handleTool(ctx context.Context, workerID string, p *protocol.ToolPayload) {
	if p == nil {
		return
	}
	_ = h.touchTask(ctx, p.TaskID)
	h.broadcast(protocol.RelayEvent{
		Kind:    protocol.RelayTool,
		TaskID:  p.TaskID,
		Tool:    p.Tool,
		File:    p.File,
		Elapsed: p.Elapsed,
	})
}

func (h *Hub) handleThought(ctx context.Context, workerID string, p *protocol.ThoughtPayload) {
	if p == nil {
		return
	}
	_ = h.touchTask(ctx, p.TaskID)
	h.broadcast(protocol.RelayEvent{
		Kind:    protocol.RelayThought,
		TaskID:  p.TaskID,
		Content: p.Content,
		Elapsed: p.Elapsed,
	})
}

func (h *Hub) handleProgress(ctx context.Context, workerID string, p *protocol.ProgressPayload) {
	if p == nil {
		return
	}
	_ = h.touchTask(ctx, p.TaskID)
	h.broadcast(protocol.RelayEvent{
		Kind:      protocol.RelayProgress,
		TaskID:    p.TaskID,
		Turns:     p.Turns,
		TokensIn:  p.TokensIn,
		TokensOut: p.TokensOut,
		Elapsed:   p.Elapsed,
	})
}

func (h *Hub) handleFile(ctx context.Context, workerID string, p *protocol.FilePayload) {
	if p == nil {
		return
	}
	_ = h.touchTask(ctx, p.TaskID)
	h.broadcast(protocol.RelayEvent{
		Kind:   protocol.RelayFile,
		TaskID: p.TaskID,
		File:   p.Path,
		Lines:  p.Lines,
	})
}

// handleComplete writes the terminal status and result exactly once. A
// second COMPLETE for an already-terminal task is a no-op: the guarded
// UPDATE touches zero rows, no slot is released, nothing is relayed.
func (h *Hub) handleComplete(ctx context.Context, workerID string, p *protocol.CompletePayload) {
	if p == nil {
		return
	}
	status := protocol.TaskCompleted
	if !p.Success {
		status = protocol.TaskFailed
	}

	res, err := h.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, duration_seconds=?, turns=?, cost_usd=?,
		        files_read=?, files_written=?, files_edited=?, git_outcome=?,
		        updated_at=datetime('now')
		 WHERE id=? AND status NOT IN ('completed','failed','cancelled')`,
		string(status), p.DurationSeconds, p.Turns, p.CostUSD,
		jsonList(p.FilesRead), jsonList(p.FilesWritten), jsonList(p.FilesEdited), p.GitOutcome,
		p.TaskID)
	if err != nil {
		_ = h.logEvent(ctx, "complete_error", workerID, p.TaskID, workerID, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return
	}

	h.mu.Lock()
	if w := h.reg.get(workerID); w != nil && w.taskID() == p.TaskID {
		w.release()
	}
	h.mu.Unlock()

	_ = h.logEvent(ctx, "complete", workerID, p.TaskID, workerID,
		fmt.Sprintf(`{"success":%t,"turns":%d}`, p.Success, p.Turns))
	h.broadcast(protocol.RelayEvent{
		Kind:            protocol.RelayComplete,
		TaskID:          p.TaskID,
		Success:         p.Success,
		DurationSeconds: p.DurationSeconds,
		Turns:           p.Turns,
		CostUSD:         p.CostUSD,
	})
}

// handleLog relays degraded stream output (malformed or unrecognized lines)
// without touching task state.
func (h *Hub) handleLog(workerID string, p *protocol.LogPayload) {
	if p == nil {
		return
	}
	h.broadcast(protocol.RelayEvent{
		Kind:    protocol.RelayLog,
		TaskID:  p.TaskID,
		Content: p.Content,
	})
}

func (h *Hub) handleError(ctx context.Context, workerID string, p *protocol.ErrorPayload) {
	if p == nil {
		return
	}
	h.failTask(ctx, p.TaskID, workerID, p.Error)
}

// failTask marks a task failed (if not already terminal), frees the owning
// worker's slot, and relays the error.
func (h *Hub) failTask(ctx context.Context, taskID, workerID, reason string) {
	res, err := h.db.ExecContext(ctx,
		`UPDATE tasks SET status='failed', error=?, updated_at=datetime('now')
		 WHERE id=? AND status NOT IN ('completed','failed','cancelled')`, reason, taskID)
	if err != nil {
		_ = h.logEvent(ctx, "fail_error", workerID, taskID, workerID, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return
	}

	h.mu.Lock()
	if w := h.reg.get(workerID); w != nil && w.taskID() == taskID {
		w.release()
	}
	h.mu.Unlock()

	_ = h.logEvent(ctx, "error", workerID, taskID, workerID, reason)
	h.broadcast(protocol.RelayEvent{Kind: protocol.RelayError, TaskID: taskID, Content: reason})
}

// --- Snapshot ---

// WorkerSnapshot describes one connected worker for status reporting.
type WorkerSnapshot struct {
	ID           string   `json:"id"`
	Hostname     string   `json:"hostname"`
	Projects     []string `json:"projects"`
	ActiveTaskID string   `json:"active_task_id,omitempty"`
}

// Snapshot summarises the hub for the status command and robot-mode
// dashboards.
type Snapshot struct {
	Workers  []WorkerSnapshot `json:"workers"`
	Sessions int              `json:"sessions"`
	ByStatus map[string]int   `json:"tasks_by_status"`
}

// Snapshot returns the current workers, session count, and task counts.
func (h *Hub) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{ByStatus: make(map[string]int)}

	h.mu.Lock()
	for _, w := range h.reg.all() {
		snap.Workers = append(snap.Workers, WorkerSnapshot{
			ID:           w.id,
			Hostname:     w.hostname,
			Projects:     append([]string(nil), w.projects...),
			ActiveTaskID: w.taskID(),
		})
	}
	snap.Sessions = len(h.sessions)
	h.mu.Unlock()

	rows, err := h.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return snap, fmt.Errorf("query task counts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return snap, fmt.Errorf("scan task count: %w", err)
		}
		snap.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("iterate task counts: %w", err)
	}
	return snap, nil
}

// --- SQLite helpers ---

func (h *Hub) insertTask(ctx context.Context, id, project, instruction, requestedBy, branch, workerID string) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO tasks (id, project, instruction, requested_by, branch, status, worker_id)
		 VALUES (?, ?, ?, ?, ?, 'pending', ?)`,
		id, project, instruction, requestedBy, branch, workerID)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (h *Hub) setTaskStatus(ctx context.Context, id string, status protocol.TaskStatus) error {
	_, err := h.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, updated_at=datetime('now')
		 WHERE id=? AND status NOT IN ('completed','failed','cancelled')`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("set task %s status: %w", id, err)
	}
	return nil
}

func (h *Hub) touchTask(ctx context.Context, id string) error {
	_, err := h.db.ExecContext(ctx,
		`UPDATE tasks SET updated_at=datetime('now') WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("touch task %s: %w", id, err)
	}
	return nil
}

func (h *Hub) logEvent(ctx context.Context, evType, source, taskID, workerID, payload string) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_id, worker_id, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, source, taskID, workerID, payload)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// jsonList marshals a string slice for a TEXT column, defaulting to "[]".
func jsonList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}
