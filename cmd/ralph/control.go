package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"

	"ralph/pkg/protocol"
)

// dialHub connects to the hub UDS socket.
func dialHub(ctx context.Context, sockPath string) (net.Conn, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("connect to hub: %w", err)
	}
	return conn, nil
}

// sendControl marshals and sends a control message on the connection.
func sendControl(conn net.Conn, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	data = append(data, '\n')

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// readACK reads and parses the ACK response from the hub.
func readACK(conn net.Conn) (*protocol.ACKPayload, error) {
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read ack: %w", err)
		}
		return nil, fmt.Errorf("no ack received")
	}

	var ack protocol.Message
	if err := json.Unmarshal(scanner.Bytes(), &ack); err != nil {
		return nil, fmt.Errorf("unmarshal ack: %w", err)
	}

	if ack.Type != protocol.MsgACK {
		return nil, fmt.Errorf("unexpected response type: %s", ack.Type)
	}

	if ack.ACK == nil {
		return nil, fmt.Errorf("ack payload is nil")
	}

	if !ack.ACK.OK {
		if ack.ACK.Error != "" {
			return nil, fmt.Errorf("%s", ack.ACK.Error)
		}
		return nil, fmt.Errorf("request failed: %s", ack.ACK.Detail)
	}

	return ack.ACK, nil
}

// roundTrip dials the hub, sends a single control message, and waits for
// the ACK. Control connections are short-lived; the hub closes its end
// after replying.
func roundTrip(ctx context.Context, msg protocol.Message) (*protocol.ACKPayload, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}

	conn, err := dialHub(ctx, paths.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	defer conn.Close()

	if err := sendControl(conn, msg); err != nil {
		return nil, err
	}

	return readACK(conn)
}
