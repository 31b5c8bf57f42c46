package protocol

import "fmt"

// NoWorkersError is returned by Trigger when the registry is empty.
type NoWorkersError struct{}

func (e *NoWorkersError) Error() string {
	return "No Ralph workers connected. Start a worker and try again."
}

// NoCapableIdleWorkerError is returned by Trigger when no connected worker
// both supports the project and has a free task slot.
type NoCapableIdleWorkerError struct {
	Project string
	Busy    bool // true if a capable worker exists but is occupied
}

func (e *NoCapableIdleWorkerError) Error() string {
	if e.Busy {
		return fmt.Sprintf("all workers for project %s are busy", e.Project)
	}
	return fmt.Sprintf("no connected worker supports project %s", e.Project)
}

// TaskNotFoundError reports a lookup of an unknown task ID.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// SessionNotFoundError reports a terminal operation on an unknown session.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("terminal session %s not found", e.SessionID)
}

// WorkerGoneError reports that the worker owning a task or session has
// disconnected.
type WorkerGoneError struct {
	WorkerID string
}

func (e *WorkerGoneError) Error() string {
	return fmt.Sprintf("worker %s is no longer connected", e.WorkerID)
}
