// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat REPL.
//
// USABILITY: Markdown rendering and history for better CLI experience
//
// Command: chat
// Short:   Start an interactive chat session
//
// Examples:
//   kaggle-chatbot chat                     Chat with the configured endpoint
//   kaggle-chatbot chat --model qwen2.5     Use a specific model
//   kaggle-chatbot chat --aggregate         Whole replies instead of streaming
//
// Interactive Commands (during chat):
//   /help, /h           Show available commands
//   /clear, /c          Clear the conversation
//   /mode [m]           Show or switch delivery mode (stream, aggregate)
//   /status, /s         Show session status
//   /history            Show the conversation so far
//   /quit, /q           Exit chat
//   Ctrl+C              Cancel the reply in progress
//   Ctrl+D              Exit chat
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"

	"github.com/kavindamihiran/Kaggle-chatbot/internal/config"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/dispatch"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/relay"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/render"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/settings"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/util"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	// Prompt style
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	// Welcome banner style
	welcomeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("141")).
			Bold(true)

	// Info style
	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	// Command feedback style
	commandStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	// Session summary header
	summaryHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("39")).
				Bold(true)
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ChatCLI provides input history and line editing for interactive chat.
// USABILITY: Supports arrow keys for history navigation and line editing.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a new ChatCLI with input history support.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	cli := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	cli.LoadHistory()
	return cli
}

// LoadHistory loads input history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
// Supports history navigation with arrow keys.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists input history with owner-only permissions.
func (c *ChatCLI) SaveHistory() {
	if err := config.EnsureConfigDir(); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

// Close saves history and closes the liner.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// =============================================================================
// SESSION STATE
// =============================================================================

// ChatSession holds the state for an interactive chat session. The queue
// owns the conversation; the session only tracks presentation concerns.
type ChatSession struct {
	Queue    *dispatch.Queue
	Client   *relay.Client
	Renderer *render.Renderer
	Cfg      *config.Config
	Store    *settings.Store

	Quiet    bool
	Markdown bool // render completed replies when stdout is a TTY

	StartTime time.Time
	Exchanges int
	Failures  int

	// Input history handler
	InputCLI *ChatCLI

	// settled receives the terminal event of each exchange; the REPL
	// blocks on it between submit and next prompt.
	settled chan dispatch.Event
}

// NewChatSession creates a new chat session wired to the dispatch queue.
func NewChatSession(args Args) *ChatSession {
	if args.Verbose {
		relay.Verbose = true
	}

	cfg := LoadConfig()
	store := OpenStore()
	client := BuildClient(cfg, store, args)

	session := &ChatSession{
		Queue:     dispatch.NewQueue(client),
		Client:    client,
		Renderer:  newRenderer(cfg),
		Cfg:       cfg,
		Store:     store,
		Quiet:     args.Quiet,
		Markdown:  IsStdoutTTY(),
		StartTime: time.Now(),
		InputCLI:  NewChatCLI(),
		settled:   make(chan dispatch.Event, 4),
	}

	session.wireNotify()
	return session
}

// wireNotify routes queue events into the REPL. Markdown is fixed for the
// session, so the callback can read it without synchronization.
func (s *ChatSession) wireNotify() {
	s.Queue.SetNotify(func(ev dispatch.Event) {
		switch ev.Kind {
		case dispatch.EventContentGrown:
			if !s.Markdown {
				streamToStdout(ev.Delta)
			}
		case dispatch.EventExchangeSettled:
			s.settled <- ev
		}
	})
}

// Close releases the session's resources and saves input history.
func (s *ChatSession) Close() {
	s.InputCLI.Close()
	if s.Store != nil {
		s.Store.Close()
	}
}

// =============================================================================
// CHAT HANDLER
// =============================================================================

// HandleChat runs the interactive chat REPL.
func HandleChat(args Args) error {
	session := NewChatSession(args)
	defer session.Close()

	if !session.Client.Configured() {
		return relay.ErrConfigMissing
	}

	if !session.Quiet {
		printWelcome(session)
	}

	// Ctrl+C at the prompt is absorbed by liner; Ctrl+C while a reply is
	// in flight arrives as SIGINT and cancels the active exchange.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		for range sigChan {
			session.Queue.CancelActive()
		}
	}()

	for {
		input, err := session.InputCLI.ReadInput(promptStyle.Render("you> "))
		if err != nil {
			// ErrPromptAborted (Ctrl+C) or EOF (Ctrl+D): exit gracefully.
			fmt.Println()
			printExitSummary(session)
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldContinue, err := handleSlashCommand(input, session)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("[Error]"), err)
			}
			if !shouldContinue {
				printExitSummary(session)
				return nil
			}
			continue
		}

		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			printExitSummary(session)
			return nil
		}

		if err := session.processMessage(input); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		}
	}
}

// =============================================================================
// MESSAGE PROCESSING
// =============================================================================

// processMessage submits one prompt and blocks until its exchange settles.
// In plain mode the frames were already streamed by the notify callback;
// in markdown mode the finished reply is rendered here.
func (s *ChatSession) processMessage(input string) error {
	start := time.Now()

	fmt.Println() // space before the reply

	if err := s.Queue.Submit(input); err != nil {
		return err
	}

	ev := <-s.settled
	s.Exchanges++

	reply := s.lastAssistantContent()

	if s.Markdown {
		if reply != "" {
			fmt.Print(s.Renderer.Render(reply))
		}
	} else {
		// The failure marker lives only in the transcript; plain mode
		// streamed raw frames, so surface the failure on stderr.
		switch {
		case ev.Err == nil:
			fmt.Println()
		case errors.Is(ev.Err, context.Canceled):
			fmt.Fprintln(os.Stderr, "\n"+WarningStyle.Render("[Canceled]"))
		default:
			fmt.Fprintf(os.Stderr, "\n%s %s\n", ErrorStyle.Render("[Error]"), relay.UserMessage(ev.Err))
		}
	}

	if ev.Err != nil && !errors.Is(ev.Err, context.Canceled) {
		s.Failures++
	}

	fmt.Println()

	if !s.Quiet {
		s.showBriefStats(util.RuneLen(reply), time.Since(start))
	}
	return nil
}

// lastAssistantContent returns the content of the newest assistant turn.
func (s *ChatSession) lastAssistantContent() string {
	turns := s.Queue.Snapshot()
	if len(turns) == 0 {
		return ""
	}
	last := turns[len(turns)-1]
	if last.Role != dispatch.RoleAssistant {
		return ""
	}
	return last.Content
}

// showBriefStats shows a one-line summary after each reply.
func (s *ChatSession) showBriefStats(chars int, elapsed time.Duration) {
	fmt.Fprintf(os.Stderr, "%s %s | %d chars | %s\n",
		infoStyle.Render("[Stats]"),
		commandStyle.Render(s.Client.GetMode().String()),
		chars,
		elapsed.Round(time.Millisecond))
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand processes slash commands.
// Returns (shouldContinue, error) where shouldContinue=false means exit.
func handleSlashCommand(cmd string, session *ChatSession) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return true, nil
	}

	command := strings.ToLower(parts[0])
	args := parts[1:]

	switch command {
	case "/help", "/h", "/?":
		printHelp()
		return true, nil

	case "/clear", "/c":
		session.Queue.Clear()
		fmt.Println(commandStyle.Render("[Conversation cleared]"))
		return true, nil

	case "/mode", "/m":
		return handleModeCommand(session, args)

	case "/status", "/s":
		printStatus(session)
		return true, nil

	case "/history":
		printHistory(session)
		return true, nil

	case "/quit", "/q", "/exit":
		return false, nil

	case "/":
		printHelp()
		return true, nil

	default:
		if match := suggestFrom(command, slashCommands); match != "" {
			return true, fmt.Errorf("unknown command: %s (did you mean %s?)", command, match)
		}
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
}

// handleModeCommand shows or switches the delivery mode.
func handleModeCommand(session *ChatSession, args []string) (bool, error) {
	if len(args) == 0 {
		fmt.Printf("%s Delivery mode: %s\n",
			infoStyle.Render("[Mode]"),
			commandStyle.Render(session.Client.GetMode().String()))
		return true, nil
	}

	switch strings.ToLower(args[0]) {
	case "stream", "streaming":
		session.Client.WithMode(relay.ModeStreaming)
	case "aggregate", "agg":
		session.Client.WithMode(relay.ModeAggregate)
	default:
		return true, fmt.Errorf("unknown mode: %s (stream or aggregate)", args[0])
	}

	fmt.Printf("%s Switched to %s delivery\n",
		commandStyle.Render("[OK]"),
		session.Client.GetMode())
	return true, nil
}

// =============================================================================
// DISPLAY FUNCTIONS
// =============================================================================

// printWelcome prints the welcome banner.
func printWelcome(session *ChatSession) {
	fmt.Println()
	fmt.Println(welcomeStyle.Render("kaggle-chatbot interactive chat"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 31)))
	fmt.Printf("%s %s\n",
		infoStyle.Render("Endpoint:"),
		commandStyle.Render(session.Client.BaseURL()))
	fmt.Printf("%s %s\n",
		infoStyle.Render("Model:"),
		commandStyle.Render(session.Client.Model()))
	fmt.Printf("%s %s\n",
		infoStyle.Render("Mode:"),
		commandStyle.Render(session.Client.GetMode().String()))
	fmt.Println()
	fmt.Println(infoStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
	fmt.Println()
}

// printHelp prints available commands.
func printHelp() {
	fmt.Println()
	fmt.Println(summaryHeaderStyle.Render("Available Commands"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 20)))
	fmt.Println()

	commands := []struct {
		cmd  string
		desc string
	}{
		{"/help, /h", "Show this help"},
		{"/clear, /c", "Clear the conversation"},
		{"/mode [m]", "Show or switch delivery mode"},
		{"/status, /s", "Show session status"},
		{"/history", "Show the conversation so far"},
		{"/quit, /q", "Exit chat"},
	}

	for _, c := range commands {
		fmt.Printf("  %s  %s\n",
			commandStyle.Render(util.PadRight(c.cmd, 15)),
			infoStyle.Render(c.desc))
	}

	fmt.Println()
	fmt.Println(infoStyle.Render("Tip: Ctrl+C cancels the reply in progress, Ctrl+D exits"))
	fmt.Println()
}

// printStatus prints session status.
func printStatus(session *ChatSession) {
	elapsed := time.Since(session.StartTime).Round(time.Second)
	turns := session.Queue.Snapshot()

	fmt.Println()
	fmt.Println(summaryHeaderStyle.Render("Session Status"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 20)))
	fmt.Println()

	fmt.Printf("  %s %s\n",
		infoStyle.Render("Endpoint:"),
		commandStyle.Render(session.Client.BaseURL()))
	fmt.Printf("  %s %s\n",
		infoStyle.Render("Model:"),
		commandStyle.Render(session.Client.Model()))
	fmt.Printf("  %s %s\n",
		infoStyle.Render("Mode:"),
		commandStyle.Render(session.Client.GetMode().String()))
	fmt.Printf("  %s %s\n",
		infoStyle.Render("API key:"),
		session.Client.APIKeyMasked())
	fmt.Printf("  %s %s\n",
		infoStyle.Render("Duration:"),
		elapsed.String())
	fmt.Printf("  %s %d turns\n",
		infoStyle.Render("History:"),
		len(turns))
	fmt.Printf("  %s %d queued\n",
		infoStyle.Render("Pending:"),
		session.Queue.PendingLen())
	fmt.Printf("  %s %d (%d failed)\n",
		infoStyle.Render("Exchanges:"),
		session.Exchanges,
		session.Failures)
	fmt.Println()
}

// printHistory prints the conversation so far.
func printHistory(session *ChatSession) {
	turns := session.Queue.Snapshot()
	if len(turns) == 0 {
		fmt.Println(infoStyle.Render("[No messages yet]"))
		return
	}

	fmt.Println()
	fmt.Println(summaryHeaderStyle.Render("Conversation History"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 25)))
	fmt.Println()

	for i, turn := range turns {
		role := "You"
		roleStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
		if turn.Role == dispatch.RoleAssistant {
			role = "AI"
			roleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
		}

		content := strings.ReplaceAll(turn.Content, "\n", " ")
		content = util.TruncateWidth(content, 100)

		fmt.Printf("  %d. %s: %s\n", i+1, roleStyle.Render(role), content)
	}

	fmt.Println()
}

// printExitSummary prints the session summary on exit.
func printExitSummary(session *ChatSession) {
	if session.Exchanges == 0 {
		fmt.Println(infoStyle.Render("Goodbye!"))
		return
	}

	elapsed := time.Since(session.StartTime).Round(time.Second)

	fmt.Println()
	fmt.Println(summaryHeaderStyle.Render("Session Summary"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 15)))

	fmt.Printf("  %s %d (%d failed)\n",
		infoStyle.Render("Exchanges:"),
		session.Exchanges,
		session.Failures)
	fmt.Printf("  %s %d turns\n",
		infoStyle.Render("History:"),
		len(session.Queue.Snapshot()))
	fmt.Printf("  %s %s\n",
		infoStyle.Render("Duration:"),
		elapsed.String())

	fmt.Println()
	fmt.Println(infoStyle.Render("Goodbye!"))
}
