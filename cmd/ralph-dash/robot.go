package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
)

// runRobotMode streams relayed events to w as JSON lines until the hub
// connection drops or the process receives SIGINT/SIGTERM. Each line is
// one RelayEvent; terminal output chunks are included so robot consumers
// can reconstruct sessions.
func runRobotMode(w io.Writer) error {
	sockPath := defaultSocketPath()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return fmt.Errorf("connect to hub at %s: %w", sockPath, err)
	}
	defer conn.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		_ = conn.Close()
	}()

	if _, err := conn.Write([]byte(`{"type":"OBSERVE","observe":{}}` + "\n")); err != nil {
		return fmt.Errorf("register as observer: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	enc := json.NewEncoder(w)
	for scanner.Scan() {
		var msg struct {
			Type  string          `json:"type"`
			Event json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Type != "EVENT" || msg.Event == nil {
			continue
		}
		if err := enc.Encode(msg.Event); err != nil {
			return err
		}
	}
	// A closed connection after a signal is a clean exit.
	return nil
}
