package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"ralph/pkg/protocol"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// newTermCmd creates the "ralph term" subcommand group.
func newTermCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "term",
		Short: "Manage terminal sessions on workers",
		Long: `Subcommands for opening and driving shell sessions hosted by connected
workers. Output from every session is relayed to all observers; input
travels back to the worker's pty.`,
	}

	cmd.AddCommand(newTermCreateCmd())
	cmd.AddCommand(newTermAttachCmd())
	cmd.AddCommand(newTermCloseCmd())
	return cmd
}

// newTermCreateCmd creates the "ralph term create" subcommand.
func newTermCreateCmd() *cobra.Command {
	var (
		cwd     string
		title   string
		preset  string
		command string
		attach  bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a shell session on a connected worker",
		Long: `Asks the hub to open a pty-backed shell on the first connected worker.
With --command, the hub types the command into the shell once it has
settled. With --attach, the new session is attached immediately.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			msg := protocol.Message{
				Type: protocol.MsgTermCreate,
				TermCreate: &protocol.TermCreatePayload{
					Cwd:         cwd,
					Title:       title,
					Preset:      preset,
					AutoCommand: command,
				},
			}

			ack, err := roundTrip(cmd.Context(), msg)
			if err != nil {
				return err
			}

			sessionID := ack.Detail
			fmt.Fprintf(cmd.OutOrStdout(), "session %s created\n", sessionID)

			if attach {
				return attachSession(cmd.Context(), sessionID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for the shell")
	cmd.Flags().StringVar(&title, "title", "", "session title shown on dashboards")
	cmd.Flags().StringVar(&preset, "preset", "", "named session preset")
	cmd.Flags().StringVarP(&command, "command", "c", "", "command typed into the shell after it settles")
	cmd.Flags().BoolVarP(&attach, "attach", "a", false, "attach to the session after creating it")

	return cmd
}

// newTermAttachCmd creates the "ralph term attach" subcommand.
func newTermAttachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach the local terminal to a session",
		Long: `Puts the local terminal in raw mode and bridges it to the worker's
pty: keystrokes are forwarded as input, session output is written to
stdout. Detach with Ctrl-C; the remote shell keeps running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return attachSession(cmd.Context(), args[0])
		},
	}

	return cmd
}

// newTermCloseCmd creates the "ralph term close" subcommand.
func newTermCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <session-id>",
		Short: "Terminate a session's shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			conn, err := dialHub(cmd.Context(), paths.SocketPath)
			if err != nil {
				return fmt.Errorf("dial hub: %w", err)
			}
			defer conn.Close()

			// Session input and closure travel over an observer connection;
			// there is no ACK for them.
			if err := sendControl(conn, protocol.Message{Type: protocol.MsgObserve, Observe: &protocol.ObservePayload{}}); err != nil {
				return err
			}
			if err := sendControl(conn, protocol.Message{
				Type:      protocol.MsgTermClose,
				TermClose: &protocol.TermClosePayload{SessionID: args[0]},
			}); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "close requested for session %s\n", args[0])
			return nil
		},
	}

	return cmd
}

// attachSession bridges the local terminal to a worker pty over an
// observer connection. Events for other sessions and tasks are ignored.
func attachSession(ctx context.Context, sessionID string) error {
	paths, err := ResolvePaths()
	if err != nil {
		return err
	}

	conn, err := dialHub(ctx, paths.SocketPath)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	defer conn.Close()

	if err := sendControl(conn, protocol.Message{Type: protocol.MsgObserve, Observe: &protocol.ObservePayload{}}); err != nil {
		return err
	}

	stdinFd := int(os.Stdin.Fd())
	var oldState *term.State
	if term.IsTerminal(stdinFd) {
		oldState, err = term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState) //nolint:errcheck
	}

	// Restore the terminal and drop the connection on Ctrl-C. In raw mode
	// the interrupt arrives as a byte on stdin, so watch for 0x03 there too.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		if oldState != nil {
			_ = term.Restore(stdinFd, oldState)
		}
		_ = conn.Close()
	}()

	sendResize := func() {
		cols, rows, sizeErr := term.GetSize(stdinFd)
		if sizeErr != nil {
			return
		}
		_ = sendControl(conn, protocol.Message{
			Type:       protocol.MsgTermResize,
			TermResize: &protocol.TermResizePayload{SessionID: sessionID, Cols: cols, Rows: rows},
		})
	}
	if oldState != nil {
		sendResize()
		winchCh := make(chan os.Signal, 1)
		signal.Notify(winchCh, syscall.SIGWINCH)
		defer signal.Stop(winchCh)
		go func() {
			for range winchCh {
				sendResize()
			}
		}()
	}

	go forwardStdin(conn, sessionID, oldState, stdinFd)

	return pumpSessionOutput(conn, sessionID)
}

// forwardStdin reads local keystrokes and relays them as session input.
// Ctrl-C detaches when the terminal is in raw mode.
func forwardStdin(conn net.Conn, sessionID string, oldState *term.State, stdinFd int) {
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if oldState != nil && n == 1 && buf[0] == 0x03 {
				_ = term.Restore(stdinFd, oldState)
				_ = conn.Close()
				return
			}
			_ = sendControl(conn, protocol.Message{
				Type: protocol.MsgTermInput,
				TermInput: &protocol.TermInputPayload{
					SessionID: sessionID,
					Data:      base64.StdEncoding.EncodeToString(buf[:n]),
				},
			})
		}
		if err != nil {
			return
		}
	}
}

// pumpSessionOutput writes relayed output for the session to stdout until
// the session closes or the connection drops.
func pumpSessionOutput(conn net.Conn, sessionID string) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Type != protocol.MsgEvent || msg.Event == nil || msg.Event.SessionID != sessionID {
			continue
		}
		switch msg.Event.Kind {
		case protocol.RelayTermOutput:
			data, err := base64.StdEncoding.DecodeString(msg.Event.Data)
			if err != nil {
				continue
			}
			_, _ = os.Stdout.Write(data)
		case protocol.RelayTermClosed:
			fmt.Printf("\r\nsession closed (exit code %d)\r\n", msg.Event.ExitCode)
			return nil
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		// conn.Close from the signal handler surfaces as a net error here.
		return nil
	}
	return nil
}
