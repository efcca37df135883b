// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for kaggle-chatbot.
//
// Supports TOML configuration with sensible defaults, environment variable
// overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - UpstreamConfig: OpenAI-compatible endpoint settings
//   - LimitsConfig: Deadlines and token budget for every exchange
//   - ServerConfig: Listen address and middleware settings for `serve`
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (KAGGLE_CHATBOT_*)
//   - ~/.kaggle-chatbot/config.toml
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Access settings:
//
//	model := cfg.Upstream.Model
//	overall := cfg.Limits.OverallSeconds
package config
