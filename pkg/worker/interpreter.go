package worker

import (
	"bufio"
	"encoding/json"
	"io"
	"regexp"
	"strings"
	"time"

	"ralph/pkg/protocol"
)

// thoughtMinLength is the minimum text-block length relayed as a THOUGHT.
// Shorter blocks (acknowledgements, one-liners) are suppressed as noise.
const thoughtMinLength = 80

// interpreterMaxLine bounds a single stream line. Tool results can embed
// large file contents.
const interpreterMaxLine = 1024 * 1024

// Interpreter accumulates per-task running state from the subprocess's
// newline-delimited JSON stream and translates raw events into the relay
// vocabulary. Parsing is deliberately tolerant: a malformed line becomes an
// opaque log message and processing continues, so one corrupt line never
// aborts an otherwise-successful task.
type Interpreter struct {
	taskID  string
	start   time.Time
	nowFunc func() time.Time

	turns     int
	tokensIn  int64
	tokensOut int64
	costUSD   float64
	duration  float64 // authoritative, from the final result event
	sessionID string
	model     string

	filesRead    []string
	filesWritten []string
	filesEdited  []string
	seenRead     map[string]bool
	seenWritten  map[string]bool
	seenEdited   map[string]bool

	// pendingFiles queues the file path of each tool_use until its
	// tool_result arrives, pairing results with calls in stream order.
	pendingFiles []string
}

// NewInterpreter creates an interpreter for one task.
func NewInterpreter(taskID string) *Interpreter {
	it := &Interpreter{
		taskID:      taskID,
		nowFunc:     time.Now,
		seenRead:    make(map[string]bool),
		seenWritten: make(map[string]bool),
		seenEdited:  make(map[string]bool),
	}
	it.start = it.nowFunc()
	return it
}

// Run consumes the stream until EOF, sending each produced message. Send
// errors abort the run; parse problems never do.
func (it *Interpreter) Run(r io.Reader, send func(protocol.Message) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), interpreterMaxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		for _, msg := range it.HandleLine(line) {
			if err := send(msg); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

// streamLine is the common envelope of a stream-json line.
type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`

	Message *struct {
		Content []contentBlock `json:"content"`
		Usage   *struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`

	// result fields
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
	DurationMS   float64 `json:"duration_ms"`
}

// contentBlock is one block inside an assistant or user message.
type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`    // tool_use
	Input   json.RawMessage `json:"input"`   // tool_use
	Content json.RawMessage `json:"content"` // tool_result: string or block list
}

// HandleLine interprets a single line, returning zero or more messages for
// the hub. Malformed JSON is forwarded as a raw log line; unknown event
// kinds produce a log message and are otherwise ignored.
func (it *Interpreter) HandleLine(line []byte) []protocol.Message {
	var ev streamLine
	if err := json.Unmarshal(line, &ev); err != nil {
		return []protocol.Message{it.logMessage(string(line))}
	}

	switch ev.Type {
	case "system":
		return it.handleSystem(ev)
	case "assistant":
		return it.handleAssistant(ev)
	case "user":
		return it.handleUser(ev)
	case "result":
		return it.handleResult(ev)
	default:
		return []protocol.Message{it.logMessage("unknown event kind: " + ev.Type)}
	}
}

func (it *Interpreter) handleSystem(ev streamLine) []protocol.Message {
	it.sessionID = ev.SessionID
	it.model = ev.Model
	return []protocol.Message{{
		Type: protocol.MsgInit,
		Init: &protocol.InitPayload{
			TaskID:    it.taskID,
			SessionID: ev.SessionID,
			Model:     ev.Model,
		},
	}}
}

func (it *Interpreter) handleAssistant(ev streamLine) []protocol.Message {
	if ev.Message == nil {
		return nil
	}
	if ev.Message.Usage != nil {
		it.tokensIn += ev.Message.Usage.InputTokens
		it.tokensOut += ev.Message.Usage.OutputTokens
	}

	var out []protocol.Message
	for _, block := range ev.Message.Content {
		switch block.Type {
		case "tool_use":
			file := extractFilePath(block.Input)
			it.classifyTool(block.Name, file)
			it.pendingFiles = append(it.pendingFiles, file)
			out = append(out, protocol.Message{
				Type: protocol.MsgTool,
				Tool: &protocol.ToolPayload{
					TaskID:  it.taskID,
					Tool:    block.Name,
					File:    file,
					Elapsed: it.elapsed(),
				},
			})
		case "text":
			if len(block.Text) < thoughtMinLength {
				continue
			}
			out = append(out, protocol.Message{
				Type: protocol.MsgThought,
				Thought: &protocol.ThoughtPayload{
					TaskID:  it.taskID,
					Content: block.Text,
					Elapsed: it.elapsed(),
				},
			})
		}
	}
	return out
}

func (it *Interpreter) handleUser(ev streamLine) []protocol.Message {
	it.turns++
	out := []protocol.Message{{
		Type: protocol.MsgProgress,
		Progress: &protocol.ProgressPayload{
			TaskID:    it.taskID,
			Turns:     it.turns,
			TokensIn:  it.tokensIn,
			TokensOut: it.tokensOut,
			Elapsed:   it.elapsed(),
		},
	}}

	if ev.Message == nil {
		return out
	}
	for _, block := range ev.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		path := it.nextPendingFile()
		if lines := countFileLines(toolResultText(block.Content)); lines > 0 {
			out = append(out, protocol.Message{
				Type: protocol.MsgFile,
				File: &protocol.FilePayload{TaskID: it.taskID, Path: path, Lines: lines},
			})
		}
	}
	return out
}

// nextPendingFile pops the path queued for the oldest outstanding tool
// call. Every tool_result consumes one entry, file-read or not.
func (it *Interpreter) nextPendingFile() string {
	if len(it.pendingFiles) == 0 {
		return ""
	}
	path := it.pendingFiles[0]
	it.pendingFiles = it.pendingFiles[1:]
	return path
}

func (it *Interpreter) handleResult(ev streamLine) []protocol.Message {
	// Final values are authoritative: they override the running estimates.
	it.costUSD = ev.TotalCostUSD
	if ev.NumTurns > 0 {
		it.turns = ev.NumTurns
	}
	if ev.DurationMS > 0 {
		it.duration = ev.DurationMS / 1000.0
	}
	return nil
}

// Summary snapshots the accumulated state into a COMPLETE payload.
func (it *Interpreter) Summary(success bool) *protocol.CompletePayload {
	duration := it.duration
	if duration == 0 {
		duration = it.elapsed()
	}
	return &protocol.CompletePayload{
		TaskID:          it.taskID,
		Success:         success,
		DurationSeconds: duration,
		Turns:           it.turns,
		CostUSD:         it.costUSD,
		FilesRead:       it.filesRead,
		FilesWritten:    it.filesWritten,
		FilesEdited:     it.filesEdited,
	}
}

func (it *Interpreter) elapsed() float64 {
	return it.nowFunc().Sub(it.start).Seconds()
}

func (it *Interpreter) logMessage(content string) protocol.Message {
	return protocol.Message{
		Type: protocol.MsgLog,
		Log:  &protocol.LogPayload{TaskID: it.taskID, Content: content},
	}
}

// classifyTool sorts a touched path into the read/written/edited sets,
// deduplicating by path within each set.
func (it *Interpreter) classifyTool(tool, file string) {
	if file == "" {
		return
	}
	switch tool {
	case "Read", "Grep", "Glob", "NotebookRead":
		if !it.seenRead[file] {
			it.seenRead[file] = true
			it.filesRead = append(it.filesRead, file)
		}
	case "Write":
		if !it.seenWritten[file] {
			it.seenWritten[file] = true
			it.filesWritten = append(it.filesWritten, file)
		}
	case "Edit", "MultiEdit", "NotebookEdit":
		if !it.seenEdited[file] {
			it.seenEdited[file] = true
			it.filesEdited = append(it.filesEdited, file)
		}
	}
}

// extractFilePath pulls a file-path-like field from a tool input, checking
// file_path, then path, then pattern. First match wins.
func extractFilePath(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
		Pattern  string `json:"pattern"`
	}
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	switch {
	case fields.FilePath != "":
		return fields.FilePath
	case fields.Path != "":
		return fields.Path
	default:
		return fields.Pattern
	}
}

// toolResultText flattens a tool_result content field, which is either a
// plain string or a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// fileReadPattern matches the numbered-line format of a file-read result
// ("     1→package worker").
var fileReadPattern = regexp.MustCompile(`^\s*1→`)

// countFileLines returns the line count of a file-read tool result, or 0
// when the text does not look like one.
func countFileLines(text string) int {
	if text == "" || !fileReadPattern.MatchString(text) {
		return 0
	}
	return strings.Count(strings.TrimRight(text, "\n"), "\n") + 1
}
