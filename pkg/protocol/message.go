// Package protocol defines the wire format shared by the Ralph hub and its
// workers and observers: the line-delimited JSON message envelope, the relay
// event vocabulary broadcast to observers, typed errors, and the SQLite
// schema for the hub's runtime database.
package protocol

// MessageType identifies the payload carried by a Message envelope.
type MessageType string

// Worker → hub message types.
const (
	MsgRegister MessageType = "REGISTER" // first message on a worker connection
	MsgStart    MessageType = "START"    // subprocess spawned, task is running
	MsgInit     MessageType = "INIT"     // subprocess session established
	MsgTool     MessageType = "TOOL"     // tool invocation observed in the stream
	MsgThought  MessageType = "THOUGHT"  // substantial text block from the model
	MsgProgress MessageType = "PROGRESS" // turn counters update
	MsgFile     MessageType = "FILE"     // file read observed with a line count
	MsgComplete MessageType = "COMPLETE" // task finished (success or failure)
	MsgError    MessageType = "ERROR"    // task aborted with an error
	MsgPing     MessageType = "PING"     // liveness signal
	MsgLog      MessageType = "LOG"      // raw or unrecognized stream output
)

// Hub → worker message types.
const (
	MsgTask      MessageType = "TASK"      // dispatch a task to the worker
	MsgTerminate MessageType = "TERMINATE" // best-effort cancel of the running task
	MsgShutdown  MessageType = "SHUTDOWN"  // hub is shutting down
)

// Terminal session message types (both directions).
const (
	MsgTermCreate  MessageType = "TERM_CREATE"  // hub → worker: open a session
	MsgTermCreated MessageType = "TERM_CREATED" // worker → hub: shell is up
	MsgTermInput   MessageType = "TERM_INPUT"   // hub → worker: keystrokes
	MsgTermOutput  MessageType = "TERM_OUTPUT"  // worker → hub: terminal bytes
	MsgTermResize  MessageType = "TERM_RESIZE"  // hub → worker: new dimensions
	MsgTermClose   MessageType = "TERM_CLOSE"   // hub → worker: kill the shell
	MsgTermClosed  MessageType = "TERM_CLOSED"  // worker → hub: shell exited
)

// Observer and control message types.
const (
	MsgObserve    MessageType = "OBSERVE"     // first message on an observer connection
	MsgEvent      MessageType = "EVENT"       // hub → observer: relayed event
	MsgTrigger    MessageType = "TRIGGER"     // control: dispatch a task
	MsgCancel     MessageType = "CANCEL"      // control: cancel a task
	MsgClearStuck MessageType = "CLEAR_STUCK" // control: run the stuck-task sweep
	MsgStatus     MessageType = "STATUS"      // control: snapshot request
	MsgACK        MessageType = "ACK"         // hub → control: response
)

// Message is the envelope for all hub/worker/observer traffic. Exactly one
// payload pointer is set, matching Type. Messages are written as a single
// JSON document followed by a newline.
type Message struct {
	Type MessageType `json:"type"`

	Register    *RegisterPayload    `json:"register,omitempty"`
	Task        *TaskPayload        `json:"task,omitempty"`
	Terminate   *TerminatePayload   `json:"terminate,omitempty"`
	Start       *StartPayload       `json:"start,omitempty"`
	Init        *InitPayload        `json:"init,omitempty"`
	Tool        *ToolPayload        `json:"tool,omitempty"`
	Thought     *ThoughtPayload     `json:"thought,omitempty"`
	Progress    *ProgressPayload    `json:"progress,omitempty"`
	File        *FilePayload        `json:"file,omitempty"`
	Complete    *CompletePayload    `json:"complete,omitempty"`
	Error       *ErrorPayload       `json:"error,omitempty"`
	Ping        *PingPayload        `json:"ping,omitempty"`
	Log         *LogPayload         `json:"log,omitempty"`
	TermCreate  *TermCreatePayload  `json:"term_create,omitempty"`
	TermCreated *TermCreatedPayload `json:"term_created,omitempty"`
	TermInput   *TermInputPayload   `json:"term_input,omitempty"`
	TermOutput  *TermOutputPayload  `json:"term_output,omitempty"`
	TermResize  *TermResizePayload  `json:"term_resize,omitempty"`
	TermClose   *TermClosePayload   `json:"term_close,omitempty"`
	TermClosed  *TermClosedPayload  `json:"term_closed,omitempty"`
	Observe     *ObservePayload     `json:"observe,omitempty"`
	Event       *RelayEvent         `json:"event,omitempty"`
	Trigger     *TriggerPayload     `json:"trigger,omitempty"`
	Cancel      *CancelPayload      `json:"cancel,omitempty"`
	ClearStuck  *ClearStuckPayload  `json:"clear_stuck,omitempty"`
	ACK         *ACKPayload         `json:"ack,omitempty"`
}

// RegisterPayload announces a worker: its hostname and the projects it can
// execute tasks for. Sent once, as the first message on the connection.
type RegisterPayload struct {
	Hostname     string   `json:"hostname"`
	Projects     []string `json:"projects"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// TaskPayload dispatches a task to a worker.
type TaskPayload struct {
	TaskID      string `json:"task_id"`
	Project     string `json:"project"`
	Instruction string `json:"instruction"`
	Branch      string `json:"branch"`
	Hints       string `json:"hints,omitempty"` // project structure hints
}

// TerminatePayload asks a worker to kill its running subprocess.
type TerminatePayload struct {
	TaskID string `json:"task_id"`
}

// StartPayload reports that the worker spawned the subprocess.
type StartPayload struct {
	TaskID    string `json:"task_id"`
	Project   string `json:"project"`
	StartTime string `json:"start_time"` // RFC 3339
}

// InitPayload reports the subprocess session identity.
type InitPayload struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

// ToolPayload reports a tool invocation observed in the subprocess stream.
type ToolPayload struct {
	TaskID  string  `json:"task_id"`
	Tool    string  `json:"tool"`
	File    string  `json:"file,omitempty"`
	Elapsed float64 `json:"elapsed"` // seconds since task start
}

// ThoughtPayload carries a substantial text block emitted by the model.
type ThoughtPayload struct {
	TaskID  string  `json:"task_id"`
	Content string  `json:"content"`
	Elapsed float64 `json:"elapsed"`
}

// ProgressPayload carries running counters for a task.
type ProgressPayload struct {
	TaskID    string  `json:"task_id"`
	Turns     int     `json:"turns"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	Elapsed   float64 `json:"elapsed"`
}

// FilePayload reports a file read observed in a tool result.
type FilePayload struct {
	TaskID string `json:"task_id"`
	Path   string `json:"path,omitempty"`
	Lines  int    `json:"lines"`
}

// CompletePayload is the terminal report for a task.
type CompletePayload struct {
	TaskID          string   `json:"task_id"`
	Success         bool     `json:"success"`
	DurationSeconds float64  `json:"duration_seconds"`
	Turns           int      `json:"turns"`
	CostUSD         float64  `json:"cost_usd"`
	FilesRead       []string `json:"files_read,omitempty"`
	FilesWritten    []string `json:"files_written,omitempty"`
	FilesEdited     []string `json:"files_edited,omitempty"`
	GitOutcome      string   `json:"git_outcome,omitempty"`
}

// ErrorPayload reports a task-level failure.
type ErrorPayload struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// LogPayload carries a raw stream line that could not be interpreted, or a
// note about an unrecognized event kind. Degraded output, never an error.
type LogPayload struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
}

// PingPayload is the worker liveness signal. ActiveTaskID is informational;
// the hub's registry remains the source of truth for occupancy.
type PingPayload struct {
	ActiveTaskID string `json:"active_task_id,omitempty"`
}

// TermCreatePayload opens a terminal session on a worker.
type TermCreatePayload struct {
	SessionID   string `json:"session_id"`
	Cwd         string `json:"cwd,omitempty"`
	Title       string `json:"title,omitempty"`
	Preset      string `json:"preset,omitempty"`
	AutoCommand string `json:"auto_command,omitempty"`
}

// TermCreatedPayload acknowledges that the shell is running.
type TermCreatedPayload struct {
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd"` // resolved working directory
	Shell     string `json:"shell,omitempty"`
}

// TermInputPayload carries keystrokes for a session. Data is base64.
type TermInputPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// TermOutputPayload carries terminal output bytes. Data is base64.
type TermOutputPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// TermResizePayload carries new terminal dimensions.
type TermResizePayload struct {
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// TermClosePayload asks the worker to kill a session's shell.
type TermClosePayload struct {
	SessionID string `json:"session_id"`
}

// TermClosedPayload reports that a session's shell exited.
type TermClosedPayload struct {
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
}

// ObservePayload marks a connection as an observer. Empty for now; kept as
// a struct so future options (filtering, replay) have a home.
type ObservePayload struct{}

// TriggerPayload requests a task dispatch.
type TriggerPayload struct {
	Project     string `json:"project"`
	Instruction string `json:"instruction"`
	RequestedBy string `json:"requested_by"`
}

// CancelPayload requests a best-effort task cancellation.
type CancelPayload struct {
	TaskID string `json:"task_id"`
}

// ClearStuckPayload requests the stuck-task sweep.
type ClearStuckPayload struct {
	ThresholdMinutes int `json:"threshold_minutes"`
}

// ACKPayload is the hub's response on a control connection.
type ACKPayload struct {
	OK     bool   `json:"ok"`
	TaskID string `json:"task_id,omitempty"`
	Branch string `json:"branch,omitempty"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}
