package hub //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"ralph/pkg/protocol"
)

func TestCreateSession_NoWorkers(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})

	_, err := h.CreateSession(context.Background(), CreateSessionOptions{})
	var noWorkers *protocol.NoWorkersError
	if !errors.As(err, &noWorkers) {
		t.Fatalf("expected NoWorkersError, got %v", err)
	}
}

// Sessions always land on the first-connected worker, even when it is busy.
func TestCreateSession_RoutesToFirstWorker(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	w1, mc1 := addWorker(h, "api")
	w1.claim("some-task")
	_, mc2 := addWorker(h, "web")

	id, err := h.CreateSession(context.Background(), CreateSessionOptions{
		Cwd: "/srv/app", Title: "debug", Preset: "htop",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	msgs := mc1.messages(t)
	if len(msgs) != 1 || msgs[0].Type != protocol.MsgTermCreate || msgs[0].TermCreate == nil {
		t.Fatalf("expected TERM_CREATE on first worker, got %+v", msgs)
	}
	tc := msgs[0].TermCreate
	if tc.SessionID != id || tc.Cwd != "/srv/app" || tc.Title != "debug" || tc.Preset != "htop" {
		t.Errorf("unexpected payload: %+v", tc)
	}
	if got := mc2.messages(t); len(got) != 0 {
		t.Errorf("second worker received %d messages", len(got))
	}

	h.mu.Lock()
	s := h.sessions[id]
	h.mu.Unlock()
	if s == nil || s.workerID != w1.id {
		t.Errorf("session not tracked on first worker: %+v", s)
	}
}

// Repeated creates against the same worker yield distinct session IDs,
// each tracked independently.
func TestCreateSession_UniqueIDs(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	addWorker(h, "api")

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id, err := h.CreateSession(context.Background(), CreateSessionOptions{})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("duplicate session ID %s", id)
		}
		seen[id] = true
	}

	h.mu.Lock()
	tracked := len(h.sessions)
	h.mu.Unlock()
	if tracked != 5 {
		t.Errorf("expected 5 tracked sessions, got %d", tracked)
	}
}

func TestSessionInput_UnknownSession(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	addWorker(h, "api")

	err := h.SessionInput("no-such-session", "aGk=")
	var notFound *protocol.SessionNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected SessionNotFoundError, got %v", err)
	}
}

func TestSessionRouting(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	_, mc := addWorker(h, "api")

	id, err := h.CreateSession(context.Background(), CreateSessionOptions{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := h.SessionInput(id, "bHMK"); err != nil {
		t.Fatalf("input: %v", err)
	}
	if err := h.SessionResize(id, 120, 40); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if err := h.SessionClose(id); err != nil {
		t.Fatalf("close: %v", err)
	}

	msgs := mc.messages(t)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[1].Type != protocol.MsgTermInput || msgs[1].TermInput.Data != "bHMK" {
		t.Errorf("unexpected input message: %+v", msgs[1])
	}
	if msgs[2].Type != protocol.MsgTermResize || msgs[2].TermResize.Cols != 120 || msgs[2].TermResize.Rows != 40 {
		t.Errorf("unexpected resize message: %+v", msgs[2])
	}
	if msgs[3].Type != protocol.MsgTermClose || msgs[3].TermClose.SessionID != id {
		t.Errorf("unexpected close message: %+v", msgs[3])
	}
}

// SessionClose only requests closure; the entry goes away when the worker
// reports TERM_CLOSED.
func TestHandleTermClosed_RemovesSession(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{})
	w, _ := addWorker(h, "api")

	id, err := h.CreateSession(context.Background(), CreateSessionOptions{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	h.handleTermClosed(context.Background(), w.id, &protocol.TermClosedPayload{SessionID: id, ExitCode: 0})

	h.mu.Lock()
	_, ok := h.sessions[id]
	h.mu.Unlock()
	if ok {
		t.Error("session still tracked after TERM_CLOSED")
	}

	err = h.SessionInput(id, "aGk=")
	var notFound *protocol.SessionNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected SessionNotFoundError after close, got %v", err)
	}
}

// A worker disconnect closes its sessions with exit code -1 relayed to
// observers.
func TestCloseSessionsForWorker(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{ObserverBuffer: 8})
	w, _ := addWorker(h, "api")

	id, err := h.CreateSession(context.Background(), CreateSessionOptions{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	// Observer without a writer goroutine; we read the channel directly.
	o := &observer{id: 99, ch: make(chan protocol.RelayEvent, 8)}
	h.mu.Lock()
	h.observers[o.id] = o
	h.mu.Unlock()

	h.mu.Lock()
	h.closeSessionsForWorker(w.id)
	h.mu.Unlock()

	select {
	case ev := <-o.ch:
		if ev.Kind != protocol.RelayTermClosed || ev.SessionID != id || ev.ExitCode != -1 {
			t.Errorf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("no term_closed event relayed")
	}

	h.mu.Lock()
	remaining := len(h.sessions)
	h.mu.Unlock()
	if remaining != 0 {
		t.Errorf("%d sessions left after worker cleanup", remaining)
	}
}

// An auto-run command is injected as input after the settle delay, with a
// trailing newline, base64-encoded.
func TestHandleTermCreated_AutoCommand(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{SettleDelay: 5 * time.Millisecond})
	w, mc := addWorker(h, "api")

	id, err := h.CreateSession(context.Background(), CreateSessionOptions{AutoCommand: "make test"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	h.handleTermCreated(context.Background(), w.id, &protocol.TermCreatedPayload{SessionID: id})

	want := base64.StdEncoding.EncodeToString([]byte("make test\n"))
	waitFor(t, 2*time.Second, func() bool {
		for _, msg := range mc.messages(t) {
			if msg.Type == protocol.MsgTermInput && msg.TermInput != nil && msg.TermInput.Data == want {
				return true
			}
		}
		return false
	}, "auto-command injection")
}

func TestHandleTermCreated_NoAutoCommand(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, Config{SettleDelay: time.Millisecond})
	w, mc := addWorker(h, "api")

	id, err := h.CreateSession(context.Background(), CreateSessionOptions{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	h.handleTermCreated(context.Background(), w.id, &protocol.TermCreatedPayload{SessionID: id})

	time.Sleep(20 * time.Millisecond)
	for _, msg := range mc.messages(t) {
		if msg.Type == protocol.MsgTermInput {
			t.Fatalf("unexpected input injected: %+v", msg)
		}
	}
}
