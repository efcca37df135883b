// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// setup.go - Interactive first-run wizard.
//
// SECURITY: API keys are read without echo and stored encrypted
//
// Command: setup
// Short:   Configure the upstream endpoint interactively
//
// Examples:
//   kaggle-chatbot setup       Walk through URL, key, model and mode
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/kavindamihiran/Kaggle-chatbot/internal/relay"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/settings"
)

// =============================================================================
// SETUP COMMAND
// =============================================================================

// HandleSetup walks the user through configuring the upstream endpoint and
// persists the answers in the settings store.
func HandleSetup(args Args) error {
	if err := RequiresTTY("setup"); err != nil {
		return err
	}

	cfg := LoadConfig()
	store := OpenStore()
	if store == nil {
		return fmt.Errorf("settings store unavailable; check permissions on the config directory")
	}
	defer store.Close()

	printSetupBanner()

	// Current effective values seed the prompts so re-running setup only
	// changes what the user types.
	curURL := store.GetDefault(settings.KeyBaseURL, cfg.Upstream.BaseURL)
	curModel := store.GetDefault(settings.KeyModel, cfg.Upstream.Model)
	curMode := store.GetDefault(settings.KeyMode, cfg.Upstream.Mode)

	baseURL, err := promptInputWithDefault("Tunnel URL (e.g. https://shiny-lamp.loca.lt)", curURL)
	if err != nil {
		return err
	}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return usageErrorf("a tunnel URL is required; run the Kaggle notebook to obtain one")
	}

	apiKey, err := promptSecure("API key (blank keeps the current one): ")
	if err != nil {
		return err
	}

	model, err := promptInputWithDefault("Model", curModel)
	if err != nil {
		return err
	}

	defaultIdx := 0
	if relay.ParseMode(curMode) == relay.ModeAggregate {
		defaultIdx = 1
	}
	modeIdx, err := promptChoice("Delivery mode:", []string{
		"streaming (tokens as they arrive)",
		"aggregate (whole replies)",
	}, defaultIdx)
	if err != nil {
		return err
	}
	mode := relay.ModeStreaming
	if modeIdx == 1 {
		mode = relay.ModeAggregate
	}

	// Probe with the answers before persisting anything.
	client := relay.New().
		WithBaseURL(baseURL).
		WithModel(model).
		WithMode(mode)
	if apiKey != "" {
		client.WithAPIKey(apiKey)
	} else if current, err := store.GetSecret(settings.KeyAPIKey); err == nil {
		client.WithAPIKey(current)
	}

	fmt.Println()
	fmt.Print(DimStyle.Render("Probing endpoint... "))
	if probeErr := client.Probe(context.Background()); probeErr == nil {
		fmt.Println(SuccessStyle.Render("[OK]"))
	} else {
		fmt.Println(ErrorStyle.Render("[FAIL]"))
		fmt.Printf("  %s\n", WarningStyle.Render(relay.UserMessage(probeErr)))
		if !promptYesNo("Save these settings anyway?", true) {
			fmt.Println(DimStyle.Render("Setup canceled; nothing saved."))
			return nil
		}
	}

	if err := store.Set(settings.KeyBaseURL, baseURL); err != nil {
		return fmt.Errorf("save base URL: %w", err)
	}
	if err := store.Set(settings.KeyModel, model); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	if err := store.Set(settings.KeyMode, mode.String()); err != nil {
		return fmt.Errorf("save mode: %w", err)
	}
	if apiKey != "" {
		if err := store.SetSecret(settings.KeyAPIKey, apiKey); err != nil {
			return fmt.Errorf("save API key: %w", err)
		}
	}

	fmt.Println()
	if path, err := settings.DefaultPath(); err == nil {
		fmt.Printf("%s Settings saved to %s\n", SuccessStyle.Render("[OK]"), path)
	} else {
		fmt.Printf("%s Settings saved\n", SuccessStyle.Render("[OK]"))
	}
	fmt.Println(DimStyle.Render(`Try: kaggle-chatbot ask "hello"`))
	return nil
}

// printSetupBanner prints the wizard header.
func printSetupBanner() {
	fmt.Println()
	fmt.Println(TitleStyle.Render("kaggle-chatbot setup"))
	fmt.Println(DimStyle.Render("Point the client at the OpenAI-compatible endpoint from your"))
	fmt.Println(DimStyle.Render("Kaggle notebook. Press Enter to keep the value in brackets."))
	fmt.Println()
}

// =============================================================================
// PROMPT HELPERS
// =============================================================================

// inputMutex serializes access to stdin across prompts.
var inputMutex sync.Mutex

// setupPromptInput reads a line of input from stdin.
func setupPromptInput(prompt string) (string, error) {
	inputMutex.Lock()
	defer inputMutex.Unlock()

	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// promptSecure reads input without echoing, for API keys.
func promptSecure(prompt string) (string, error) {
	inputMutex.Lock()
	defer inputMutex.Unlock()

	fmt.Print(prompt)
	byteKey, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(byteKey)), nil
}

// promptInputWithDefault reads input, returning the default when empty.
func promptInputWithDefault(prompt, defaultValue string) (string, error) {
	display := prompt
	if defaultValue != "" {
		display = fmt.Sprintf("%s [%s]", prompt, defaultValue)
	}
	input, err := setupPromptInput(display + ": ")
	if err != nil {
		return "", err
	}
	if input == "" {
		return defaultValue, nil
	}
	return input, nil
}

// promptYesNo asks a yes/no question.
func promptYesNo(prompt string, defaultYes bool) bool {
	suffix := " [Y/n]: "
	if !defaultYes {
		suffix = " [y/N]: "
	}
	input, err := setupPromptInput(prompt + suffix)
	if err != nil {
		return defaultYes
	}
	input = strings.ToLower(input)
	if input == "" {
		return defaultYes
	}
	return input == "y" || input == "yes"
}

// promptChoice presents numbered options and returns the chosen index.
func promptChoice(prompt string, options []string, defaultIdx int) (int, error) {
	fmt.Println(prompt)
	for i, opt := range options {
		marker := " "
		if i == defaultIdx {
			marker = "*"
		}
		fmt.Printf("  %s %d) %s\n", marker, i+1, opt)
	}

	input, err := setupPromptInput(fmt.Sprintf("Choice [%d]: ", defaultIdx+1))
	if err != nil {
		return defaultIdx, err
	}
	if input == "" {
		return defaultIdx, nil
	}

	n, err := strconv.Atoi(input)
	if err != nil || n < 1 || n > len(options) {
		return defaultIdx, fmt.Errorf("invalid choice: %s", input)
	}
	return n - 1, nil
}
