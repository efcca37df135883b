// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// helpers.go - Shared wiring used across the CLI commands.
//
// Every chat-like command builds its upstream client the same way:
// config file values first, then the settings store, then per-invocation
// flags. Keeping that in one place keeps the precedence honest. The
// wiring helpers are exported because main wires the TUI with the same
// precedence.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/kavindamihiran/Kaggle-chatbot/internal/config"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/render"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/relay"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/settings"
)

// LoadConfig loads the TOML configuration, falling back to defaults with a
// warning when the file is unreadable.
func LoadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
		cfg = config.Default()
	}
	return cfg
}

// OpenStore opens the settings store, returning nil when unavailable.
// Commands degrade to config-file values; only setup hard-requires it.
func OpenStore() *settings.Store {
	path, err := settings.DefaultPath()
	if err != nil {
		return nil
	}
	store, err := settings.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: settings store unavailable: %v\n", err)
		return nil
	}
	return store
}

// BuildClient assembles the upstream client. Precedence, lowest to highest:
// config file, settings store, command-line flags. The aggregate flag wins
// over any stored mode.
func BuildClient(cfg *config.Config, store *settings.Store, args Args) *relay.Client {
	baseURL := cfg.Upstream.BaseURL
	apiKey := cfg.Upstream.APIKey
	model := cfg.Upstream.Model
	mode := cfg.Upstream.Mode

	if store != nil {
		if v, err := store.Get(settings.KeyBaseURL); err == nil && v != "" {
			baseURL = v
		}
		if v, err := store.GetSecret(settings.KeyAPIKey); err == nil && v != "" {
			apiKey = v
		}
		if v, err := store.Get(settings.KeyModel); err == nil && v != "" {
			model = v
		}
		if v, err := store.Get(settings.KeyMode); err == nil && v != "" {
			mode = v
		}
	}

	if args.URL != "" {
		baseURL = args.URL
	}
	if args.Model != "" {
		model = args.Model
	}

	client := relay.New().
		WithBaseURL(baseURL).
		WithAPIKey(apiKey).
		WithModel(model).
		WithMode(relay.ParseMode(mode)).
		WithTimeout(time.Duration(cfg.Limits.OverallSeconds) * time.Second).
		WithStallTimeout(time.Duration(cfg.Limits.StallSeconds) * time.Second).
		WithMaxTokens(cfg.Limits.MaxTokens).
		WithTemperature(cfg.Limits.Temperature)

	if args.Aggregate {
		client.WithMode(relay.ModeAggregate)
	}
	return client
}

// newRenderer builds the markdown renderer from UI config. A zero word wrap
// tracks the terminal, capped at the render default so ultra-wide terminals
// stay readable.
func newRenderer(cfg *config.Config) *render.Renderer {
	wrap := cfg.UI.WordWrap
	if wrap <= 0 {
		wrap = GetTerminalWidth() - 2
		if wrap > render.DefaultWordWrap {
			wrap = render.DefaultWordWrap
		}
	}
	return render.New(cfg.UI.Theme, wrap)
}
