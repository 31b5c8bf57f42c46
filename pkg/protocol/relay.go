package protocol

// RelayKind classifies a RelayEvent.
type RelayKind string

// Relay event kinds. Task events carry TaskID; terminal events carry
// SessionID. Log events may carry either.
const (
	RelayInit     RelayKind = "init"
	RelayTool     RelayKind = "tool"
	RelayThought  RelayKind = "thought"
	RelayProgress RelayKind = "progress"
	RelayFile     RelayKind = "file"
	RelayComplete RelayKind = "complete"
	RelayError    RelayKind = "error"
	RelayLog      RelayKind = "log"

	RelayTermCreated RelayKind = "term_created"
	RelayTermOutput  RelayKind = "term_output"
	RelayTermClosed  RelayKind = "term_closed"
)

// RelayEvent is the ephemeral envelope broadcast to observers. It is never
// persisted; an observer that connects mid-task sees only events from that
// point forward. Fields beyond Kind/TaskID/SessionID are populated per kind.
type RelayEvent struct {
	Kind      RelayKind `json:"kind"`
	TaskID    string    `json:"task_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`

	// init
	Model string `json:"model,omitempty"`

	// tool
	Tool string `json:"tool,omitempty"`
	File string `json:"file,omitempty"`

	// thought, log, error
	Content string `json:"content,omitempty"`

	// progress
	Turns     int   `json:"turns,omitempty"`
	TokensIn  int64 `json:"tokens_in,omitempty"`
	TokensOut int64 `json:"tokens_out,omitempty"`

	// file
	Lines int `json:"lines,omitempty"`

	// complete
	Success         bool    `json:"success,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	CostUSD         float64 `json:"cost_usd,omitempty"`

	// terminal output (base64) and closure
	Data     string `json:"data,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`

	// elapsed seconds since task start, where the worker reported one
	Elapsed float64 `json:"elapsed,omitempty"`
}
