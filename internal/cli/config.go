// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - Config command implementation.
//
// CLI: Comprehensive help and examples for all commands
//
// Command: config [subcommand]
// Short:   View and modify configuration
//
// Subcommands:
//   show (default)      Display current configuration
//   set <key> <value>   Set a configuration value
//   path                Show configuration file path
//   reset               Reset to default configuration
//
// Examples:
//   kaggle-chatbot config                 Show current config (default)
//   kaggle-chatbot config show            Show current configuration
//   kaggle-chatbot config set upstream.base_url https://brave-lion-42.loca.lt
//   kaggle-chatbot config set upstream.model llama-3-8b-instruct
//   kaggle-chatbot config set limits.overall_seconds 55
//   kaggle-chatbot config set ui.theme dark
//   kaggle-chatbot config path            Show config file location
//   kaggle-chatbot config reset           Reset to defaults
//
// Values set through the browser client live in the settings store and
// override the file; `config show` lists both layers.
package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kavindamihiran/Kaggle-chatbot/internal/config"
)

// HandleConfig dispatches the config subcommands.
func HandleConfig(args Args) error {
	sub := "show"
	if len(args.Raw) > 0 {
		sub = strings.ToLower(args.Raw[0])
	}

	switch sub {
	case "show":
		return handleConfigShow(args)
	case "set":
		return handleConfigSet(args)
	case "path":
		return handleConfigPath()
	case "reset":
		return handleConfigReset(args)
	default:
		if match := suggestFrom(sub, configSubcommands); match != "" {
			return usageErrorf("unknown config subcommand: %s (did you mean %q?)", sub, match)
		}
		return usageErrorf("unknown config subcommand: %s (expected show, set, path or reset)", sub)
	}
}

// handleConfigShow prints the file configuration and any store overrides.
func handleConfigShow(args Args) error {
	cfg := LoadConfig()

	fmt.Println()
	fmt.Println(TitleStyle.Render("kaggle-chatbot configuration"))
	fmt.Println(RenderSeparator(0))

	fmt.Println(SectionStyle.Render("[upstream]"))
	printField("base_url:", valueOrNone(cfg.Upstream.BaseURL))
	printField("api_key:", maskAPIKey(cfg.Upstream.APIKey))
	printField("model:", cfg.Upstream.Model)
	printField("mode:", cfg.Upstream.Mode)

	fmt.Println(SectionStyle.Render("[server]"))
	printField("host:", cfg.Server.Host)
	printField("port:", strconv.Itoa(cfg.Server.Port))
	printField("rate_limit:", fmt.Sprintf("%d/min", cfg.Server.RateLimitPerMin))
	printField("origins:", strings.Join(cfg.Server.AllowedOrigins, ", "))
	if len(cfg.Server.TrustedProxies) > 0 {
		printField("proxies:", strings.Join(cfg.Server.TrustedProxies, ", "))
	}

	fmt.Println(SectionStyle.Render("[limits]"))
	printField("overall:", fmt.Sprintf("%ds", cfg.Limits.OverallSeconds))
	printField("stall:", fmt.Sprintf("%ds", cfg.Limits.StallSeconds))
	printField("max_tokens:", strconv.Itoa(cfg.Limits.MaxTokens))
	printField("temperature:", fmt.Sprintf("%.2f", cfg.Limits.Temperature))

	fmt.Println(SectionStyle.Render("[ui]"))
	printField("theme:", cfg.UI.Theme)
	printField("word_wrap:", strconv.Itoa(cfg.UI.WordWrap))

	// The settings store wins over the file at runtime; surface any
	// overrides so `show` explains what a command will actually use.
	if store := OpenStore(); store != nil {
		defer store.Close()
		if snap, err := store.Snapshot(); err == nil {
			if snap.BaseURL != "" || snap.Model != "" || snap.Mode != "" || snap.HasAPIKey {
				fmt.Println(SectionStyle.Render("[settings overrides]"))
				if snap.BaseURL != "" {
					printField("base_url:", snap.BaseURL)
				}
				if snap.Model != "" {
					printField("model:", snap.Model)
				}
				if snap.Mode != "" {
					printField("mode:", snap.Mode)
				}
				if snap.HasAPIKey {
					printField("api_key:", "(set)")
				}
			}
		}
	}

	fmt.Println()
	return nil
}

// handleConfigSet sets one configuration value by dot-notation key.
func handleConfigSet(args Args) error {
	if args.ConfigKey == "" || args.ConfigVal == "" {
		return usageErrorf("usage: kaggle-chatbot config set KEY VALUE")
	}

	cfg := LoadConfig()

	if err := cfg.Set(args.ConfigKey, args.ConfigVal); err != nil {
		fmt.Fprintf(os.Stderr, "%s valid keys:\n", ErrorStyle.Render("Error:"))
		for _, key := range config.GetAllKeys() {
			fmt.Fprintf(os.Stderr, "  %s\n", DimStyle.Render(key))
		}
		return fmt.Errorf("set %s: %w", args.ConfigKey, err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid value for %s: %w", args.ConfigKey, err)
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	display := args.ConfigVal
	if strings.Contains(args.ConfigKey, "api_key") {
		display = maskAPIKey(args.ConfigVal)
	}
	fmt.Printf("%s %s = %s\n", SuccessStyle.Render("[OK]"), args.ConfigKey, display)
	return nil
}

// handleConfigPath prints the config file location.
func handleConfigPath() error {
	path, err := config.ConfigPath()
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	fmt.Println(path)
	return nil
}

// handleConfigReset writes the default configuration back to disk.
func handleConfigReset(args Args) error {
	if !args.Quiet && CanPrompt() {
		if !promptYesNo("Reset configuration to defaults?", false) {
			fmt.Println(DimStyle.Render("Reset canceled."))
			return nil
		}
	}

	if err := config.Save(config.Default()); err != nil {
		return fmt.Errorf("reset config: %w", err)
	}
	config.SetGlobal(config.Default())

	fmt.Printf("%s configuration reset to defaults\n", SuccessStyle.Render("[OK]"))
	return nil
}

// maskAPIKey masks an API key for display, keeping short prefix and suffix.
func maskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
