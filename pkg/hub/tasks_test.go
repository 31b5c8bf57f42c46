package hub //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"ralph/pkg/protocol"
)

func TestTrigger_NoWorkers(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})

	_, _, err := h.Trigger(context.Background(), "api", "do something", "alice")
	var noWorkers *protocol.NoWorkersError
	if !errors.As(err, &noWorkers) {
		t.Fatalf("expected NoWorkersError, got %v", err)
	}
	if err.Error() != "No Ralph workers connected. Start a worker and try again." {
		t.Errorf("unexpected message %q", err.Error())
	}
	// Validation failures leave no task row behind.
	if n := countTasks(t, h); n != 0 {
		t.Errorf("expected 0 tasks, found %d", n)
	}
}

func TestTrigger_NoCapableWorker(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	addWorker(h, "api")

	_, _, err := h.Trigger(context.Background(), "web", "do something", "alice")
	var noIdle *protocol.NoCapableIdleWorkerError
	if !errors.As(err, &noIdle) {
		t.Fatalf("expected NoCapableIdleWorkerError, got %v", err)
	}
	if noIdle.Busy {
		t.Error("no capable worker exists, Busy should be false")
	}
	if !strings.Contains(err.Error(), "no connected worker supports project web") {
		t.Errorf("unexpected message %q", err.Error())
	}
	if n := countTasks(t, h); n != 0 {
		t.Errorf("expected 0 tasks, found %d", n)
	}
}

func TestTrigger_CapableWorkerBusy(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	w, _ := addWorker(h, "api")
	w.claim("task-elsewhere")

	_, _, err := h.Trigger(context.Background(), "api", "do something", "alice")
	var noIdle *protocol.NoCapableIdleWorkerError
	if !errors.As(err, &noIdle) {
		t.Fatalf("expected NoCapableIdleWorkerError, got %v", err)
	}
	if !noIdle.Busy {
		t.Error("capable worker is busy, Busy should be true")
	}
	if !strings.Contains(err.Error(), "all workers for project api are busy") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestTrigger_DispatchesToIdleWorker(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	w, mc := addWorker(h, "api", "web")

	taskID, branch, err := h.Trigger(context.Background(), "web", "add pagination", "alice")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if branch != protocol.BranchLabel(taskID) {
		t.Errorf("branch %q does not match task %s", branch, taskID)
	}
	if w.taskID() != taskID {
		t.Errorf("worker slot holds %q, want %q", w.taskID(), taskID)
	}

	status, _ := taskRow(t, h, taskID)
	if status != "dispatching" {
		t.Errorf("expected dispatching, got %q", status)
	}

	msgs := mc.messages(t)
	if len(msgs) != 1 || msgs[0].Type != protocol.MsgTask || msgs[0].Task == nil {
		t.Fatalf("expected a single TASK message, got %+v", msgs)
	}
	task := msgs[0].Task
	if task.TaskID != taskID || task.Project != "web" || task.Instruction != "add pagination" || task.Branch != branch {
		t.Errorf("unexpected task payload: %+v", task)
	}
}

// The first capable idle worker wins. With two idle workers both supporting
// the project, two triggers land on distinct workers.
func TestTrigger_FirstMatchRouting(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	w1, _ := addWorker(h, "api")
	w2, _ := addWorker(h, "api")

	id1, _, err := h.Trigger(context.Background(), "api", "first", "alice")
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	id2, _, err := h.Trigger(context.Background(), "api", "second", "alice")
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}

	if w1.taskID() != id1 {
		t.Errorf("first registered worker should hold the first task, got %q", w1.taskID())
	}
	if w2.taskID() != id2 {
		t.Errorf("second worker should hold the second task, got %q", w2.taskID())
	}
}

// A write failure after the claim fails the task and releases the slot so
// the worker is usable again.
func TestTrigger_SendFailureFailsTask(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	w, mc := addWorker(h, "api")
	_ = mc.Close() // every subsequent write errors

	_, _, err := h.Trigger(context.Background(), "api", "doomed", "alice")
	if err == nil {
		t.Fatal("expected trigger error")
	}
	if w.taskID() != "" {
		t.Errorf("worker slot not released, holds %q", w.taskID())
	}

	var id, status, errMsg string
	row := h.db.QueryRow(`SELECT id, status, error FROM tasks`)
	if err := row.Scan(&id, &status, &errMsg); err != nil {
		t.Fatalf("read task row: %v", err)
	}
	if status != "failed" || !strings.HasPrefix(errMsg, "dispatch failed:") {
		t.Errorf("expected failed/dispatch failed, got %s/%q", status, errMsg)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	w, mc := addWorker(h, "api")

	taskID, _, err := h.Trigger(context.Background(), "api", "cancel me", "alice")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	if err := h.Cancel(context.Background(), taskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	status, _ := taskRow(t, h, taskID)
	if status != "cancelled" {
		t.Errorf("expected cancelled, got %q", status)
	}
	if w.taskID() != "" {
		t.Errorf("worker slot not released, holds %q", w.taskID())
	}

	msgs := mc.messages(t)
	last := msgs[len(msgs)-1]
	if last.Type != protocol.MsgTerminate || last.Terminate == nil || last.Terminate.TaskID != taskID {
		t.Errorf("expected TERMINATE for %s, got %+v", taskID, last)
	}
}

func TestCancel_UnknownTask(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})

	err := h.Cancel(context.Background(), "no-such-task")
	var notFound *protocol.TaskNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected TaskNotFoundError, got %v", err)
	}
}

// Cancelling a task that already finished reports not-found; the guarded
// UPDATE skips terminal rows.
func TestCancel_TerminalTask(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	addWorker(h, "api")

	taskID, _, err := h.Trigger(context.Background(), "api", "finish fast", "alice")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	h.handleComplete(context.Background(), "w-1", &protocol.CompletePayload{TaskID: taskID, Success: true})

	err = h.Cancel(context.Background(), taskID)
	var notFound *protocol.TaskNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected TaskNotFoundError for terminal task, got %v", err)
	}
	status, _ := taskRow(t, h, taskID)
	if status != "completed" {
		t.Errorf("terminal status clobbered: %q", status)
	}
}

func TestHandleComplete_Failure(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	w, _ := addWorker(h, "api")

	taskID, _, err := h.Trigger(context.Background(), "api", "break", "alice")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	h.handleComplete(context.Background(), w.id, &protocol.CompletePayload{
		TaskID: taskID, Success: false, DurationSeconds: 3, Turns: 1,
	})

	status, _ := taskRow(t, h, taskID)
	if status != "failed" {
		t.Errorf("expected failed, got %q", status)
	}
	if w.taskID() != "" {
		t.Errorf("worker slot not released, holds %q", w.taskID())
	}
}

// A COMPLETE arriving after cancellation must not resurrect the task.
func TestHandleComplete_AfterCancelIsNoop(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	w, _ := addWorker(h, "api")

	taskID, _, err := h.Trigger(context.Background(), "api", "race", "alice")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := h.Cancel(context.Background(), taskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	h.handleComplete(context.Background(), w.id, &protocol.CompletePayload{TaskID: taskID, Success: true})
	status, _ := taskRow(t, h, taskID)
	if status != "cancelled" {
		t.Errorf("cancelled task overwritten: %q", status)
	}
}

// A duplicate COMPLETE for an already-terminal task is absorbed: the
// persisted result keeps the first report, the slot is not re-released,
// and observers see exactly one completion event.
func TestHandleComplete_DuplicateIsNoop(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{ObserverBuffer: 8})
	w, _ := addWorker(h, "api")

	o := &observer{id: 1, ch: make(chan protocol.RelayEvent, 8)}
	h.mu.Lock()
	h.observers[o.id] = o
	h.mu.Unlock()

	taskID, _, err := h.Trigger(context.Background(), "api", "finish once", "alice")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	h.handleComplete(context.Background(), w.id, &protocol.CompletePayload{
		TaskID: taskID, Success: true, Turns: 3,
	})

	// The freed worker picks up a new task; the duplicate below must not
	// release this slot.
	nextID, _, err := h.Trigger(context.Background(), "api", "next", "alice")
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}

	h.handleComplete(context.Background(), w.id, &protocol.CompletePayload{
		TaskID: taskID, Success: false, Turns: 99,
	})

	status, _ := taskRow(t, h, taskID)
	if status != "completed" {
		t.Errorf("duplicate overwrote status: %q", status)
	}
	var turns int
	if err := h.db.QueryRow(`SELECT turns FROM tasks WHERE id=?`, taskID).Scan(&turns); err != nil {
		t.Fatalf("read turns: %v", err)
	}
	if turns != 3 {
		t.Errorf("duplicate overwrote turns: %d", turns)
	}
	if w.taskID() != nextID {
		t.Errorf("duplicate released the slot, holds %q", w.taskID())
	}

	completes := 0
	for drained := false; !drained; {
		select {
		case ev := <-o.ch:
			if ev.Kind == protocol.RelayComplete {
				completes++
			}
		default:
			drained = true
		}
	}
	if completes != 1 {
		t.Errorf("expected exactly one complete event, got %d", completes)
	}
}

func TestHandleComplete_RecordsResult(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	w, _ := addWorker(h, "api")

	taskID, _, err := h.Trigger(context.Background(), "api", "measure", "alice")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	h.handleComplete(context.Background(), w.id, &protocol.CompletePayload{
		TaskID:          taskID,
		Success:         true,
		DurationSeconds: 42.5,
		Turns:           7,
		CostUSD:         1.25,
		FilesRead:       []string{"a.go", "b.go"},
		FilesWritten:    []string{"c.go"},
		GitOutcome:      "pushed",
	})

	var turns int
	var cost float64
	var filesRead, filesWritten, filesEdited, gitOutcome string
	err = h.db.QueryRow(
		`SELECT turns, cost_usd, files_read, files_written, files_edited, git_outcome FROM tasks WHERE id=?`,
		taskID).Scan(&turns, &cost, &filesRead, &filesWritten, &filesEdited, &gitOutcome)
	if err != nil {
		t.Fatalf("read result columns: %v", err)
	}
	if turns != 7 || cost != 1.25 || gitOutcome != "pushed" {
		t.Errorf("unexpected result: turns=%d cost=%v git=%q", turns, cost, gitOutcome)
	}
	if filesRead != `["a.go","b.go"]` || filesWritten != `["c.go"]` || filesEdited != "[]" {
		t.Errorf("unexpected file lists: %q %q %q", filesRead, filesWritten, filesEdited)
	}
}

func TestHandleError_FailsTaskAndReleases(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	w, _ := addWorker(h, "api")

	taskID, _, err := h.Trigger(context.Background(), "api", "explode", "alice")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	h.handleError(context.Background(), w.id, &protocol.ErrorPayload{TaskID: taskID, Error: "spawn failed: exec: claude not found"})

	status, errMsg := taskRow(t, h, taskID)
	if status != "failed" || errMsg != "spawn failed: exec: claude not found" {
		t.Errorf("got %s/%q", status, errMsg)
	}
	if w.taskID() != "" {
		t.Errorf("worker slot not released, holds %q", w.taskID())
	}
}

func TestClearStuck(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	w, _ := addWorker(h, "api")

	staleID, _, err := h.Trigger(context.Background(), "api", "stall", "alice")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	h.handleStart(context.Background(), w.id, &protocol.StartPayload{TaskID: staleID})

	// Backdate the running task far past any threshold.
	_, err = h.db.Exec(`UPDATE tasks SET updated_at='2000-01-01 00:00:00' WHERE id=?`, staleID)
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := h.ClearStuck(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("clear stuck: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cleared, got %d", n)
	}

	status, errMsg := taskRow(t, h, staleID)
	if status != "failed" || errMsg != "timeout-or-cleared" {
		t.Errorf("got %s/%q", status, errMsg)
	}
	if w.taskID() != "" {
		t.Errorf("worker slot not released, holds %q", w.taskID())
	}
}

// Only running tasks are swept. Fresh running tasks and tasks in other
// states stay put.
func TestClearStuck_LeavesFreshAndNonRunning(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	addWorker(h, "api")
	addWorker(h, "api")

	freshID, _, err := h.Trigger(context.Background(), "api", "fresh", "alice")
	if err != nil {
		t.Fatalf("trigger fresh: %v", err)
	}
	h.handleStart(context.Background(), "w-1", &protocol.StartPayload{TaskID: freshID})

	dispatchingID, _, err := h.Trigger(context.Background(), "api", "not started", "alice")
	if err != nil {
		t.Fatalf("trigger dispatching: %v", err)
	}
	// Backdate the dispatching task too; only 'running' rows qualify.
	_, err = h.db.Exec(`UPDATE tasks SET updated_at='2000-01-01 00:00:00' WHERE id=?`, dispatchingID)
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := h.ClearStuck(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("clear stuck: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 cleared, got %d", n)
	}
	if status, _ := taskRow(t, h, freshID); status != "running" {
		t.Errorf("fresh task swept: %q", status)
	}
	if status, _ := taskRow(t, h, dispatchingID); status != "dispatching" {
		t.Errorf("dispatching task swept: %q", status)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	w, _ := addWorker(h, "api")
	addWorker(h, "web")

	taskID, _, err := h.Trigger(context.Background(), "api", "count me", "alice")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	h.mu.Lock()
	h.sessions["s-1"] = &termSession{id: "s-1", workerID: w.id}
	h.mu.Unlock()

	snap, err := h.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(snap.Workers))
	}
	if snap.Workers[0].ActiveTaskID != taskID {
		t.Errorf("expected first worker busy on %s, got %q", taskID, snap.Workers[0].ActiveTaskID)
	}
	if snap.Workers[1].ActiveTaskID != "" {
		t.Errorf("expected second worker idle, got %q", snap.Workers[1].ActiveTaskID)
	}
	if snap.Sessions != 1 {
		t.Errorf("expected 1 session, got %d", snap.Sessions)
	}
	if snap.ByStatus["dispatching"] != 1 {
		t.Errorf("unexpected task counts: %v", snap.ByStatus)
	}
}

func TestJSONList(t *testing.T) {
	t.Parallel()
	if got := jsonList(nil); got != "[]" {
		t.Errorf("nil: got %q", got)
	}
	if got := jsonList([]string{"x"}); got != `["x"]` {
		t.Errorf("one item: got %q", got)
	}
}

var _ net.Conn = (*mockConn)(nil)
