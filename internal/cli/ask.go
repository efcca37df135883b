// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - One-shot question command.
//
// Command: ask
// Short:   Ask a single question and print the answer
//
// Examples:
//   kaggle-chatbot ask "What is a goroutine?"
//   kaggle-chatbot ask --aggregate "Summarize the trade-offs"
//   kaggle-chatbot ask --url https://brave-lion-42.loca.lt "Hello"
//   cat notes.md | kaggle-chatbot ask
//
// On a TTY the reply is collected and rendered as markdown. On a pipe the
// frames stream through unmodified, so `ask` composes with other tools.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kavindamihiran/Kaggle-chatbot/internal/relay"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/render"
)

// streamToStdout prints one decoded frame directly to stdout.
func streamToStdout(token string) {
	fmt.Print(token)
}

// displayResponse prints a completed reply, markdown-rendered on a TTY.
func displayResponse(r *render.Renderer, response string) {
	if IsStdoutTTY() {
		fmt.Print(r.Render(response))
		return
	}
	fmt.Print(response)
}

// readStdinQuestion reads piped stdin as the question text. Returns ""
// when stdin is a terminal.
func readStdinQuestion() string {
	stat, err := os.Stdin.Stat()
	if err != nil || (stat.Mode()&os.ModeCharDevice) != 0 {
		return ""
	}
	data, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// HandleAsk handles the "ask" command.
func HandleAsk(args Args) error {
	if args.Verbose {
		relay.Verbose = true
	}

	question := args.Query
	if question == "" {
		question = readStdinQuestion()
	}
	if question == "" {
		return usageErrorf("no question provided. Usage: kaggle-chatbot ask \"your question\"")
	}

	cfg := LoadConfig()
	store := OpenStore()
	if store != nil {
		defer store.Close()
	}

	client := BuildClient(cfg, store, args)
	if !client.Configured() {
		return relay.ErrConfigMissing
	}

	// On a TTY the frames are collected and the finished reply rendered;
	// Exchange returns the full text in both modes. On a pipe each frame
	// goes straight out so downstream consumers see tokens as they land.
	useMarkdown := IsStdoutTTY()
	var onFrame relay.FrameFunc
	if !useMarkdown {
		onFrame = streamToStdout
	}

	messages := []relay.ChatMessage{relay.NewUserMessage(question)}

	start := time.Now()
	reply, err := client.Exchange(context.Background(), messages, onFrame)
	if err != nil {
		return err
	}

	if useMarkdown {
		displayResponse(newRenderer(cfg), reply)
	} else if !strings.HasSuffix(reply, "\n") {
		fmt.Println()
	}

	if !args.Quiet && IsStderrTTY() {
		fmt.Fprintf(os.Stderr, "%s\n",
			DimStyle.Render(fmt.Sprintf("[%s | %s | %s]",
				client.Model(),
				client.GetMode(),
				time.Since(start).Round(100*time.Millisecond))))
	}

	return nil
}
