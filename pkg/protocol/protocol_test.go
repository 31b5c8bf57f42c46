package protocol //nolint:testpackage // keep test helpers close to the table definitions

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestTaskStatusTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{TaskPending, false},
		{TaskDispatching, false},
		{TaskRunning, false},
		{TaskCompleted, true},
		{TaskFailed, true},
		{TaskCancelled, true},
		{TaskStatus("bogus"), false},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestBranchLabel(t *testing.T) {
	t.Parallel()
	if got := BranchLabel("5e1f8c2a-9d41-4a7e-b1f9-0c88aa71d210"); got != "ralph/5e1f8c2a" {
		t.Errorf("long ID: %q", got)
	}
	if got := BranchLabel("abc"); got != "ralph/abc" {
		t.Errorf("short ID: %q", got)
	}
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{&NoWorkersError{}, "No Ralph workers connected. Start a worker and try again."},
		{&NoCapableIdleWorkerError{Project: "api"}, "no connected worker supports project api"},
		{&NoCapableIdleWorkerError{Project: "api", Busy: true}, "all workers for project api are busy"},
		{&TaskNotFoundError{TaskID: "t-1"}, "task t-1 not found"},
		{&SessionNotFoundError{SessionID: "s-1"}, "terminal session s-1 not found"},
		{&WorkerGoneError{WorkerID: "w-1"}, "worker w-1 is no longer connected"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
}

func TestErrorTypesMatchWithAs(t *testing.T) {
	t.Parallel()
	var busy *NoCapableIdleWorkerError
	err := error(&NoCapableIdleWorkerError{Project: "web", Busy: true})
	if !errors.As(err, &busy) || !busy.Busy {
		t.Fatalf("errors.As failed for %v", err)
	}
}

// One envelope per message type: the wire format carries the type tag plus
// exactly one populated payload pointer, everything else omitted.
func TestMessageEnvelope(t *testing.T) {
	t.Parallel()
	msg := Message{
		Type: MsgTask,
		Task: &TaskPayload{TaskID: "t-1", Project: "api", Instruction: "go", Branch: "ralph/t-1"},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal into map: %v", err)
	}
	if len(raw) != 2 {
		t.Errorf("expected only type and task keys, got %v", raw)
	}

	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Type != MsgTask || back.Task == nil || back.Task.TaskID != "t-1" {
		t.Errorf("round trip lost data: %+v", back)
	}
	if back.Complete != nil || back.Register != nil {
		t.Errorf("unrelated payloads populated: %+v", back)
	}
}
