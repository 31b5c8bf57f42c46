package protocol

// TaskStatus is the lifecycle state of a dispatched task.
type TaskStatus string

// Task lifecycle states. A task moves strictly forward:
// pending → dispatching → running → completed|failed|cancelled.
const (
	TaskPending     TaskStatus = "pending"
	TaskDispatching TaskStatus = "dispatching"
	TaskRunning     TaskStatus = "running"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// Terminal reports whether s is one of the three terminal states.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Task represents a row in the tasks SQLite table.
type Task struct {
	ID              string     `json:"id"`
	Project         string     `json:"project"`
	Instruction     string     `json:"instruction"`
	RequestedBy     string     `json:"requested_by"`
	Branch          string     `json:"branch"`
	Status          TaskStatus `json:"status"`
	WorkerID        string     `json:"worker_id"`
	Error           string     `json:"error"`
	DurationSeconds float64    `json:"duration_seconds"`
	Turns           int        `json:"turns"`
	CostUSD         float64    `json:"cost_usd"`
	FilesRead       []string   `json:"files_read"`
	FilesWritten    []string   `json:"files_written"`
	FilesEdited     []string   `json:"files_edited"`
	GitOutcome      string     `json:"git_outcome"`
	CreatedAt       string     `json:"created_at"`
	UpdatedAt       string     `json:"updated_at"`
}

// Event represents a row in the events SQLite table.
// Tracks all hub/worker lifecycle events.
type Event struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	TaskID    string `json:"task_id"`
	WorkerID  string `json:"worker_id"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}
