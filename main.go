// kaggle-chatbot - terminal client and relay for a Kaggle-hosted,
// OpenAI-compatible endpoint.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"os"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kavindamihiran/Kaggle-chatbot/internal/cli"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/dispatch"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/relay"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/tui"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Global program reference for async streaming
var (
	programRef *tea.Program
	programMu  sync.Mutex
)

func init() {
	// Sync version info with cli package
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args := cli.Parse()
	if cmd == cli.CmdTUI {
		runTUI(args)
		return
	}
	cli.Run(cmd, args)
}

// runTUI wires the queue, upstream client, and chat model together and runs
// the Bubble Tea program until the user quits.
func runTUI(args cli.Args) {
	if args.Verbose {
		relay.Verbose = true
	}

	cfg := cli.LoadConfig()
	store := cli.OpenStore()
	if store != nil {
		defer store.Close()
	}

	client := cli.BuildClient(cfg, store, args)
	queue := dispatch.NewQueue(client)

	m := tui.New(tui.Options{
		Queue:    queue,
		Client:   client,
		Theme:    cfg.UI.Theme,
		WordWrap: cfg.UI.WordWrap,
	})

	p := tea.NewProgram(
		m,
		tea.WithAltScreen(),       // Use alternate screen buffer
		tea.WithMouseCellMotion(), // Enable mouse support for viewport scrolling
	)

	// Store program reference for async streaming
	programMu.Lock()
	programRef = p
	programMu.Unlock()

	// The queue settles exchanges on its worker goroutine; Send is the only
	// safe way back into the program loop from there.
	queue.SetNotify(func(ev dispatch.Event) {
		programMu.Lock()
		prog := programRef
		programMu.Unlock()
		if prog != nil {
			prog.Send(tui.QueueEventMsg{Event: ev})
		}
	})

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running kaggle-chatbot: %v\n", err)
		os.Exit(1)
	}

	programMu.Lock()
	programRef = nil
	programMu.Unlock()
}
