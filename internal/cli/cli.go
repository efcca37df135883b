// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Argument parsing and command dispatch for kaggle-chatbot.
package cli

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdTUI Command = iota
	CmdChat
	CmdAsk
	CmdServe
	CmdStatus
	CmdConfig
	CmdSetup
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	URL       string // one-invocation upstream override
	Model     string // one-invocation model override
	Aggregate bool   // request the whole reply at once instead of streaming
	Quiet     bool
	Verbose   bool

	// Command-specific
	Query     string // ask: the question text
	ConfigKey string // config set: dot-notation key
	ConfigVal string // config set: value

	// Raw args remaining after flag parsing
	Raw []string
}

const usageText = `kaggle-chatbot - chat with an OpenAI-compatible endpoint hosted on Kaggle

The endpoint is typically a notebook serving /v1/chat/completions through an
ephemeral localtunnel URL. Configure it once with setup, then chat from the
terminal or the browser.

Usage:
  kaggle-chatbot                       Start the terminal UI (default)
  kaggle-chatbot chat                  Interactive chat REPL
  kaggle-chatbot ask "question"        Ask a single question
  kaggle-chatbot serve                 Serve the browser client API
  kaggle-chatbot status, s             Show endpoint status
  kaggle-chatbot config [show|set|path|reset]  Configuration
  kaggle-chatbot setup                 First-run wizard
  kaggle-chatbot version               Show version
  kaggle-chatbot help                  Show this help

Global Flags:
  --url URL       Override the endpoint URL for this invocation
  -m, --model NAME  Override the model identifier
  --aggregate     Deliver the reply in one piece instead of streaming
  -q, --quiet     Minimal output
  -v, --verbose   Log request and response metadata to stderr

Config Commands:
  kaggle-chatbot config show           Show current configuration
  kaggle-chatbot config set KEY VALUE  Set a value (dot notation)
  kaggle-chatbot config path           Print the config file path
  kaggle-chatbot config reset          Restore defaults

Interactive Commands (during chat):
  /help, /h       Show available commands
  /clear, /c      Clear the conversation
  /mode [m]       Show or switch delivery mode (stream, aggregate)
  /status, /s     Show session status
  /history        Show the conversation so far
  /quit, /q       Exit chat
  Ctrl+C          Cancel the reply in progress
  Ctrl+D          Exit chat

Examples:
  kaggle-chatbot setup
  kaggle-chatbot ask "What is a goroutine?"
  kaggle-chatbot ask --url https://brave-lion-42.loca.lt "Summarize this"
  kaggle-chatbot chat --model llama-3-8b-instruct
  kaggle-chatbot serve
  kaggle-chatbot config set upstream.base_url https://brave-lion-42.loca.lt
  kaggle-chatbot config set limits.overall_seconds 55

Version: %s
`

// PrintUsage prints the usage/help text.
func PrintUsage() {
	fmt.Printf(usageText, Version)
}

// PrintVersion prints version information.
func PrintVersion() {
	fmt.Printf("kaggle-chatbot version %s\n", Version)
	fmt.Printf("  Git commit: %s\n", GitCommit)
	fmt.Printf("  Build date: %s\n", BuildDate)
	fmt.Printf("  Go version: %s\n", runtime.Version())
}

// Parse parses command-line arguments and returns the command and args.
func Parse() (Command, Args) {
	return parseArgs(os.Args[1:])
}

// parseArgs is the testable core of Parse.
func parseArgs(argv []string) (Command, Args) {
	remaining, parsed := parseGlobalFlags(argv)

	if len(remaining) == 0 {
		return CmdTUI, parsed
	}

	cmd := strings.ToLower(remaining[0])
	remaining = remaining[1:]
	parsed.Raw = remaining

	switch cmd {
	case "tui":
		return CmdTUI, parsed

	case "chat":
		return CmdChat, parsed

	case "ask":
		parseAskArgs(&parsed, remaining)
		return CmdAsk, parsed

	case "serve", "server":
		return CmdServe, parsed

	case "status", "s":
		return CmdStatus, parsed

	case "config":
		parseConfigArgs(&parsed, remaining)
		return CmdConfig, parsed

	case "setup", "init":
		return CmdSetup, parsed

	case "version", "--version":
		return CmdVersion, parsed

	case "help", "-h", "--help":
		return CmdHelp, parsed

	default:
		// Unknown command: treat the whole line as a question. This makes
		// `kaggle-chatbot what is a monad` work without quoting.
		parsed.Raw = append([]string{cmd}, remaining...)
		parseAskArgs(&parsed, parsed.Raw)
		return CmdAsk, parsed
	}
}

// parseGlobalFlags extracts global flags from args and returns remaining args.
func parseGlobalFlags(args []string) ([]string, Args) {
	var remaining []string
	var parsed Args

	i := 0
	for i < len(args) {
		arg := args[i]

		switch arg {
		case "--aggregate", "--no-stream":
			parsed.Aggregate = true
		case "-q", "--quiet":
			parsed.Quiet = true
		case "-v", "--verbose":
			parsed.Verbose = true
		case "--url", "-u":
			if i+1 < len(args) {
				i++
				parsed.URL = args[i]
			}
		case "--model", "-m":
			if i+1 < len(args) {
				i++
				parsed.Model = args[i]
			}
		default:
			switch {
			case strings.HasPrefix(arg, "--url="):
				parsed.URL = strings.TrimPrefix(arg, "--url=")
			case strings.HasPrefix(arg, "--model="):
				parsed.Model = strings.TrimPrefix(arg, "--model=")
			default:
				remaining = append(remaining, arg)
			}
		}
		i++
	}

	return remaining, parsed
}

// parseAskArgs joins the non-flag arguments into the question text.
func parseAskArgs(args *Args, remaining []string) {
	var query []string
	for _, arg := range remaining {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		query = append(query, arg)
	}
	args.Query = strings.Join(query, " ")
}

// parseConfigArgs captures the key and value positions after the subcommand.
// The subcommand itself stays in Raw[0].
func parseConfigArgs(args *Args, remaining []string) {
	if len(remaining) > 1 {
		args.ConfigKey = remaining[1]
	}
	if len(remaining) > 2 {
		args.ConfigVal = remaining[2]
	}
}

// =============================================================================
// COMMAND WRAPPERS
// =============================================================================

// Run executes the parsed command and exits the process on error with a
// taxonomy-specific exit code.
func Run(cmd Command, args Args) {
	var err error

	switch cmd {
	case CmdChat:
		err = HandleChat(args)
	case CmdAsk:
		err = HandleAsk(args)
	case CmdServe:
		err = HandleServe(args)
	case CmdStatus:
		err = HandleStatus(args)
	case CmdConfig:
		err = HandleConfig(args)
	case CmdSetup:
		err = HandleSetup(args)
	case CmdVersion:
		PrintVersion()
	case CmdHelp:
		PrintUsage()
	default:
		PrintUsage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(GetExitCode(err))
	}
}
