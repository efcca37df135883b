// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - Relay HTTP server command.
//
// RELIABILITY: Graceful shutdown and live config reload for long sessions
//
// Command: serve
// Short:   Run the browser-facing relay server
//
// Examples:
//   kaggle-chatbot serve                       Serve on the configured address
//   kaggle-chatbot serve --url https://x.loca.lt   Override the upstream URL
//   kaggle-chatbot serve --aggregate           Default to whole-reply delivery
package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kavindamihiran/Kaggle-chatbot/internal/config"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/relay"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/server"
)

// shutdownGrace bounds how long in-flight exchanges may run after SIGINT.
const shutdownGrace = 10 * time.Second

// HandleServe runs the relay HTTP server until interrupted.
func HandleServe(args Args) error {
	if args.Verbose {
		relay.Verbose = true
	}

	cfg := LoadConfig()
	store := OpenStore()
	if store != nil {
		defer store.Close()
	}

	server.Version = Version
	server.SetTrustedProxies(cfg.Server.TrustedProxies)

	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		RateLimitPerMin: cfg.Server.RateLimitPerMin,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}).
		WithUpstream(upstreamFromConfig(cfg, args)).
		WithSettings(store)

	// Tunnel URLs rotate every few hours. Watching the config file lets a
	// running server pick up the new endpoint without a restart.
	if path, err := config.ConfigPath(); err == nil {
		watcher, werr := config.NewWatcher(path, config.DefaultWatchDebounce, func(next *config.Config) {
			config.SetGlobal(next)
			server.SetTrustedProxies(next.Server.TrustedProxies)
			srv.WithUpstream(upstreamFromConfig(next, args))
			log.Printf("CONFIG_RELOAD | base_url=%s model=%s", next.Upstream.BaseURL, next.Upstream.Model)
		})
		if werr == nil {
			if werr = watcher.Watch(); werr == nil {
				defer watcher.Close()
			}
		}
		if werr != nil {
			fmt.Fprintf(os.Stderr, "%s config watch disabled: %v\n", WarningStyle.Render("Warning:"), werr)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	if !args.Quiet {
		printServeBanner(cfg, srv.Addr(), args)
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	if !args.Quiet {
		fmt.Fprintln(os.Stderr, "\n"+DimStyle.Render("Shutting down..."))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-errCh
	return nil
}

// upstreamFromConfig builds the server's static upstream defaults. The
// settings store layers on top per request; command-line flags win over
// the file here.
func upstreamFromConfig(cfg *config.Config, args Args) server.Upstream {
	up := server.Upstream{
		BaseURL:      cfg.Upstream.BaseURL,
		APIKey:       cfg.Upstream.APIKey,
		Model:        cfg.Upstream.Model,
		Mode:         relay.ParseMode(cfg.Upstream.Mode),
		Timeout:      time.Duration(cfg.Limits.OverallSeconds) * time.Second,
		StallTimeout: time.Duration(cfg.Limits.StallSeconds) * time.Second,
		MaxTokens:    cfg.Limits.MaxTokens,
		Temperature:  cfg.Limits.Temperature,
	}
	if args.URL != "" {
		up.BaseURL = args.URL
	}
	if args.Model != "" {
		up.Model = args.Model
	}
	if args.Aggregate {
		up.Mode = relay.ModeAggregate
	}
	return up
}

// printServeBanner prints the startup banner.
func printServeBanner(cfg *config.Config, addr string, args Args) {
	upstream := cfg.Upstream.BaseURL
	if args.URL != "" {
		upstream = args.URL
	}
	if upstream == "" {
		upstream = "(not configured)"
	}

	model := cfg.Upstream.Model
	if args.Model != "" {
		model = args.Model
	}

	fmt.Println()
	fmt.Println(TitleStyle.Render("kaggle-chatbot relay server"))
	fmt.Printf("  %s%s\n", LabelStyle.Render("Listen:"), ValueStyle.Render("http://"+addr))
	fmt.Printf("  %s%s\n", LabelStyle.Render("Upstream:"), ValueStyle.Render(upstream))
	fmt.Printf("  %s%s\n", LabelStyle.Render("Model:"), ValueStyle.Render(model))
	fmt.Printf("  %s%s\n", LabelStyle.Render("Endpoints:"), ValueStyle.Render("POST /api/chat  GET|PUT /api/settings  GET /health"))
	fmt.Println()
	fmt.Println(DimStyle.Render("Press Ctrl+C to stop"))
	fmt.Println()
}
