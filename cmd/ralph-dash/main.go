// Package main implements the ralph-dash live dashboard.
package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

func main() {
	// Robot mode when stdout is not a terminal: emit the relayed event
	// stream as JSON lines so scripts and other agents can consume it.
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		if err := runRobotMode(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error streaming events: %v\n", err)
			os.Exit(1)
		}
		return
	}

	p := tea.NewProgram(newModel(), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
