// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the kaggle-chatbot command-line surface.
//
// Commands:
//   - (default)  Terminal chat UI
//   - chat       Line-oriented REPL with input history
//   - ask        One-shot question, answer to stdout
//   - serve      HTTP API for the browser client
//   - status     Endpoint configuration and reachability
//   - config     Show and edit the TOML configuration
//   - setup      First-run wizard
//
// Parsing is hand-rolled: Parse returns a Command constant plus an Args
// struct, and each Handle* function executes one command. Output styling
// degrades to plain text on non-TTY stdout and honors NO_COLOR.
package cli
