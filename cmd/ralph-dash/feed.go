package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"

	"ralph/pkg/hub"
	"ralph/pkg/protocol"

	tea "github.com/charmbracelet/bubbletea"
)

// defaultSocketPath returns the hub socket path from env or default.
func defaultSocketPath() string {
	if v := os.Getenv("RALPH_SOCKET_PATH"); v != "" {
		return v
	}
	if v := os.Getenv("RALPH_HOME"); v != "" {
		return filepath.Join(v, "hub.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, protocol.RalphDir, "hub.sock")
}

// eventFeed owns the observer connection to the hub. Events are pushed
// onto ch by a reader goroutine; the model pulls them one at a time via
// waitForEvent.
type eventFeed struct {
	conn net.Conn
	ch   chan protocol.RelayEvent
}

// connectFeed dials the hub and registers as an observer. Returns nil if
// the hub is unreachable; the dashboard then shows offline and retries on
// the next tick.
func connectFeed(sockPath string) *eventFeed {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil
	}

	msg := protocol.Message{Type: protocol.MsgObserve, Observe: &protocol.ObservePayload{}}
	data, err := json.Marshal(msg)
	if err != nil {
		_ = conn.Close()
		return nil
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		_ = conn.Close()
		return nil
	}

	f := &eventFeed{conn: conn, ch: make(chan protocol.RelayEvent, 256)}
	go f.readLoop()
	return f
}

// readLoop decodes event frames until the connection drops, then closes
// the channel so the model learns the feed is gone.
func (f *eventFeed) readLoop() {
	defer close(f.ch)
	scanner := bufio.NewScanner(f.conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Type != protocol.MsgEvent || msg.Event == nil {
			continue
		}
		f.ch <- *msg.Event
	}
}

func (f *eventFeed) close() {
	_ = f.conn.Close()
}

// feedEventMsg carries one relayed event into the Bubble Tea loop.
type feedEventMsg protocol.RelayEvent

// feedClosedMsg signals that the observer connection dropped.
type feedClosedMsg struct{}

// waitForEvent returns a command that blocks on the feed channel.
func waitForEvent(f *eventFeed) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-f.ch
		if !ok {
			return feedClosedMsg{}
		}
		return feedEventMsg(ev)
	}
}

// snapshotMsg carries a hub status snapshot. nil means the hub is offline.
type snapshotMsg *hub.Snapshot

// fetchSnapshotCmd queries the hub over a short-lived control connection.
func fetchSnapshotCmd() tea.Cmd {
	return func() tea.Msg {
		snap, _ := fetchSnapshot(context.Background(), defaultSocketPath())
		return snapshotMsg(snap)
	}
}

// fetchSnapshot sends a STATUS control message and parses the ACK detail.
func fetchSnapshot(ctx context.Context, sockPath string) (*hub.Snapshot, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", sockPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	msg := protocol.Message{Type: protocol.MsgStatus}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return nil, scanner.Err()
	}

	var ack protocol.Message
	if err := json.Unmarshal(scanner.Bytes(), &ack); err != nil {
		return nil, err
	}
	if ack.Type != protocol.MsgACK || ack.ACK == nil || !ack.ACK.OK {
		return nil, nil
	}

	var snap hub.Snapshot
	if err := json.Unmarshal([]byte(ack.ACK.Detail), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
