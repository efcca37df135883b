// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// status.go - Status command implementation.
//
// CLI: Comprehensive help and examples for all commands
//
// Command: status
// Short:   Show configuration and endpoint reachability
// Aliases: s
//
// Examples:
//   kaggle-chatbot status         Show effective settings and probe the endpoint
//   kaggle-chatbot s              Show status (short alias)
//
// Status Sections:
//   Endpoint:      Effective URL, model, delivery mode, masked API key
//   Limits:        Overall and stall deadlines, token cap, temperature
//   Paths:         Config file and settings store locations
//   Connectivity:  Probe result with classified failure on error
package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kavindamihiran/Kaggle-chatbot/internal/config"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/relay"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/settings"
)

// HandleStatus prints the effective configuration and probes the endpoint.
func HandleStatus(args Args) error {
	if args.Verbose {
		relay.Verbose = true
	}

	cfg := LoadConfig()
	store := OpenStore()
	if store != nil {
		defer store.Close()
	}
	client := BuildClient(cfg, store, args)

	fmt.Println()
	fmt.Println(TitleStyle.Render("kaggle-chatbot status"))
	fmt.Println(RenderSeparator(0))

	fmt.Println(SectionStyle.Render("Endpoint"))
	printField("URL:", valueOrNone(client.BaseURL()))
	printField("Model:", client.Model())
	printField("Mode:", client.GetMode().String())
	printField("API key:", client.APIKeyMasked())

	fmt.Println(SectionStyle.Render("Limits"))
	printField("Overall:", fmt.Sprintf("%ds", cfg.Limits.OverallSeconds))
	printField("Stall:", fmt.Sprintf("%ds", cfg.Limits.StallSeconds))
	printField("Max tokens:", strconv.Itoa(cfg.Limits.MaxTokens))
	printField("Temperature:", fmt.Sprintf("%.2f", cfg.Limits.Temperature))

	fmt.Println(SectionStyle.Render("Paths"))
	if p, err := config.ConfigPath(); err == nil {
		printField("Config:", p)
	}
	if p, err := settings.DefaultPath(); err == nil {
		printField("Settings:", p)
	}

	fmt.Println(SectionStyle.Render("Connectivity"))
	if !client.Configured() {
		fmt.Printf("  %s %s\n",
			RenderStatus("warn"),
			DimStyle.Render("no endpoint configured; run kaggle-chatbot setup"))
	} else {
		start := time.Now()
		err := client.Probe(context.Background())
		latency := time.Since(start).Round(time.Millisecond)
		if err == nil {
			fmt.Printf("  %s reachable in %s\n", RenderStatus("ok"), latency)
		} else {
			fmt.Printf("  %s %s\n", RenderStatus("fail"), relay.UserMessage(err))
			fmt.Printf("  %s\n", DimStyle.Render("class: "+relay.TypeOf(err).String()))
		}
	}

	fmt.Println()
	return nil
}

// printField prints an aligned label/value row.
func printField(label, value string) {
	fmt.Printf("  %s%s\n", LabelStyle.Render(label), ValueStyle.Render(value))
}

// valueOrNone substitutes a placeholder for empty values.
func valueOrNone(v string) string {
	if v == "" {
		return "(not set)"
	}
	return v
}
