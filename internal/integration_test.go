// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package internal provides integration tests for the complete relay system.
//
// These tests verify end-to-end functionality including:
// - Chat pipeline: dispatch queue through relay client to a fake upstream
// - Conversation history carried across exchanges
// - Tunnel expiry classification surfacing through the queue
// - Server relay: POST /api/chat against a fake upstream
// - Settings persistence through the HTTP surface
// - Client wiring precedence (config file, settings store, flags)
package internal

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kavindamihiran/Kaggle-chatbot/internal/cli"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/config"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/dispatch"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/relay"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/server"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/settings"
)

// =============================================================================
// TEST UTILITIES
// =============================================================================

// upstreamCall records one request the fake upstream saw.
type upstreamCall struct {
	Messages []relay.ChatMessage
	Stream   bool
}

// fakeUpstream is an OpenAI-compatible completions endpoint that echoes the
// last user message back as a short SSE stream and records every call.
type fakeUpstream struct {
	mu    sync.Mutex
	calls []upstreamCall
	ts    *httptest.Server
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()

	f := &fakeUpstream{}
	f.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []relay.ChatMessage `json:"messages"`
			Stream   bool                `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.calls = append(f.calls, upstreamCall{Messages: req.Messages, Stream: req.Stream})
		f.mu.Unlock()

		reply := "echo: " + req.Messages[len(req.Messages)-1].Content
		if !req.Stream {
			fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, reply)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, word := range strings.SplitAfter(reply, " ") {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", word)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fakeUpstream) URL() string { return f.ts.URL }

func (f *fakeUpstream) Calls() []upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]upstreamCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// newExpiredTunnel serves the localtunnel interstitial page regardless of
// status code, the failure shape of a rotated tunnel URL.
func newExpiredTunnel(t *testing.T) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "<!DOCTYPE html><html><body>Tunnel abc.loca.lt not found</body></html>")
	}))
	t.Cleanup(ts.Close)
	return ts
}

// newQueueClient builds a relay client against base and a queue around it,
// collecting queue events on a channel.
func newQueueClient(base string) (*dispatch.Queue, chan dispatch.Event) {
	client := relay.New().
		WithBaseURL(base).
		WithAPIKey("sk-test").
		WithModel("test-model")

	q := dispatch.NewQueue(client)
	events := make(chan dispatch.Event, 128)
	q.SetNotify(func(ev dispatch.Event) { events <- ev })
	return q, events
}

// awaitSettles blocks until n exchanges settle, returning their events.
func awaitSettles(t *testing.T, events chan dispatch.Event, n int) []dispatch.Event {
	t.Helper()

	var settles []dispatch.Event
	deadline := time.After(5 * time.Second)
	for len(settles) < n {
		select {
		case ev := <-events:
			if ev.Kind == dispatch.EventExchangeSettled {
				settles = append(settles, ev)
			}
		case <-deadline:
			t.Fatalf("settled %d of %d exchanges before deadline", len(settles), n)
		}
	}
	return settles
}

// =============================================================================
// CHAT PIPELINE
// =============================================================================

// TestPipeline_SingleExchange drives one prompt from the queue through the
// relay client to a fake upstream and back into the transcript.
func TestPipeline_SingleExchange(t *testing.T) {
	up := newFakeUpstream(t)
	q, events := newQueueClient(up.URL())

	if err := q.Submit("hello world"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	settles := awaitSettles(t, events, 1)
	if settles[0].Err != nil {
		t.Fatalf("exchange settled with error: %v", settles[0].Err)
	}

	turns := q.Snapshot()
	if len(turns) != 2 {
		t.Fatalf("transcript = %d turns, expected 2", len(turns))
	}
	if turns[0].Role != dispatch.RoleUser || turns[0].Content != "hello world" {
		t.Errorf("turn 0 = %s %q", turns[0].Role, turns[0].Content)
	}
	if turns[1].Role != dispatch.RoleAssistant || turns[1].Content != "echo: hello world" {
		t.Errorf("turn 1 = %s %q", turns[1].Role, turns[1].Content)
	}
}

// TestPipeline_HistoryCarriedForward verifies the second exchange sends the
// settled first exchange as context, preamble included.
func TestPipeline_HistoryCarriedForward(t *testing.T) {
	up := newFakeUpstream(t)
	q, events := newQueueClient(up.URL())

	if err := q.Submit("first"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	awaitSettles(t, events, 1)
	if err := q.Submit("second"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	awaitSettles(t, events, 1)

	calls := up.Calls()
	if len(calls) != 2 {
		t.Fatalf("upstream saw %d calls, expected 2", len(calls))
	}
	// system + user
	if got := len(calls[0].Messages); got != 2 {
		t.Errorf("first call carried %d messages, expected 2", got)
	}
	// system + user + assistant + user
	if got := len(calls[1].Messages); got != 4 {
		t.Fatalf("second call carried %d messages, expected 4", got)
	}
	if calls[1].Messages[0].Role != "system" {
		t.Errorf("messages[0].Role = %q, expected the system preamble", calls[1].Messages[0].Role)
	}
	if calls[1].Messages[2].Content != "echo: first" {
		t.Errorf("messages[2] = %q, expected the settled first reply", calls[1].Messages[2].Content)
	}
	if calls[1].Messages[3].Content != "second" {
		t.Errorf("messages[3] = %q, expected the new prompt", calls[1].Messages[3].Content)
	}
}

// TestPipeline_SubmissionOrderPreserved submits a burst up front and checks
// the attempts land upstream in submission order.
func TestPipeline_SubmissionOrderPreserved(t *testing.T) {
	up := newFakeUpstream(t)
	q, events := newQueueClient(up.URL())

	prompts := []string{"one", "two", "three", "four"}
	for _, p := range prompts {
		if err := q.Submit(p); err != nil {
			t.Fatalf("Submit(%q) error = %v", p, err)
		}
	}
	awaitSettles(t, events, len(prompts))

	calls := up.Calls()
	if len(calls) != len(prompts) {
		t.Fatalf("upstream saw %d calls, expected %d", len(calls), len(prompts))
	}
	for i, p := range prompts {
		last := calls[i].Messages[len(calls[i].Messages)-1]
		if last.Content != p {
			t.Errorf("call %d prompt = %q, expected %q", i, last.Content, p)
		}
	}
}

// TestPipeline_ExpiredTunnelClassified points the client at a tunnel
// interstitial and checks the taxonomy member survives to the transcript.
func TestPipeline_ExpiredTunnelClassified(t *testing.T) {
	ts := newExpiredTunnel(t)
	q, events := newQueueClient(ts.URL)

	if err := q.Submit("anyone there?"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	settles := awaitSettles(t, events, 1)

	if got := relay.TypeOf(settles[0].Err); got != relay.ErrTypeGatewayExpired {
		t.Fatalf("TypeOf(err) = %v, expected gateway_expired", got)
	}
	turns := q.Snapshot()
	if len(turns) != 2 || !strings.HasPrefix(turns[1].Content, "⚠ ") {
		t.Errorf("failed turn = %q, expected the failure marker", turns[1].Content)
	}
}

// TestPipeline_FailureDoesNotBlockNext runs a failed exchange into an expired
// tunnel, then a healthy one, on the same queue.
func TestPipeline_FailureDoesNotBlockNext(t *testing.T) {
	bad := newExpiredTunnel(t)
	good := newFakeUpstream(t)

	client := relay.New().WithBaseURL(bad.URL).WithAPIKey("sk-test")
	q := dispatch.NewQueue(client)
	events := make(chan dispatch.Event, 128)
	q.SetNotify(func(ev dispatch.Event) { events <- ev })

	if err := q.Submit("doomed"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	settles := awaitSettles(t, events, 1)
	if settles[0].Err == nil {
		t.Fatal("exchange against the expired tunnel settled clean")
	}

	client.WithBaseURL(good.URL())
	if err := q.Submit("alive?"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	settles = awaitSettles(t, events, 1)
	if settles[0].Err != nil {
		t.Fatalf("follow-up exchange failed: %v", settles[0].Err)
	}

	turns := q.Snapshot()
	if len(turns) != 4 {
		t.Fatalf("transcript = %d turns, expected 4", len(turns))
	}
	if turns[3].Content != "echo: alive?" {
		t.Errorf("turn 3 = %q", turns[3].Content)
	}
}

// =============================================================================
// SERVER RELAY
// =============================================================================

// newRelayServer builds the HTTP surface over a fake upstream and serves it.
func newRelayServer(t *testing.T, upstreamURL string, mode relay.Mode) *httptest.Server {
	t.Helper()

	srv := server.New(server.Config{RateLimitPerMin: 10000}).
		WithUpstream(server.Upstream{
			BaseURL: upstreamURL,
			APIKey:  "sk-test",
			Model:   "test-model",
			Mode:    mode,
		})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// TestServer_ChatStreaming exercises POST /api/chat end to end in streaming
// mode: the chunked plain-text body is the reply.
func TestServer_ChatStreaming(t *testing.T) {
	up := newFakeUpstream(t)
	ts := newRelayServer(t, up.URL(), relay.ModeStreaming)

	resp, err := http.Post(ts.URL+"/api/chat", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"ping"}]}`))
	if err != nil {
		t.Fatalf("POST /api/chat error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, expected 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, expected text/plain", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != "echo: ping" {
		t.Errorf("body = %q, expected %q", body, "echo: ping")
	}
}

// TestServer_ChatAggregate exercises the aggregate JSON shape.
func TestServer_ChatAggregate(t *testing.T) {
	up := newFakeUpstream(t)
	ts := newRelayServer(t, up.URL(), relay.ModeAggregate)

	resp, err := http.Post(ts.URL+"/api/chat", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"ping"}]}`))
	if err != nil {
		t.Fatalf("POST /api/chat error = %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if out.Content != "echo: ping" {
		t.Errorf("content = %q, expected %q", out.Content, "echo: ping")
	}
}

// TestServer_ExpiredTunnelMapsTo502 verifies the gateway taxonomy member maps
// to 502 on the HTTP surface.
func TestServer_ExpiredTunnelMapsTo502(t *testing.T) {
	bad := newExpiredTunnel(t)
	ts := newRelayServer(t, bad.URL, relay.ModeStreaming)

	resp, err := http.Post(ts.URL+"/api/chat", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"ping"}]}`))
	if err != nil {
		t.Fatalf("POST /api/chat error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, expected 502", resp.StatusCode)
	}
}

// TestServer_SettingsRoundTrip writes settings over PUT and reads the masked
// view back over GET.
func TestServer_SettingsRoundTrip(t *testing.T) {
	store, err := settings.Open(t.TempDir() + "/settings.db")
	if err != nil {
		t.Fatalf("Open settings: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := server.New(server.Config{RateLimitPerMin: 10000}).WithSettings(store)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	put, err := http.NewRequest(http.MethodPut, ts.URL+"/api/settings",
		strings.NewReader(`{"base_url":"https://shiny-lamp.loca.lt","api_key":"sk-secret-123456","model":"gpt-4"}`))
	if err != nil {
		t.Fatal(err)
	}
	put.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(put)
	if err != nil {
		t.Fatalf("PUT /api/settings error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d, expected 200", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/settings")
	if err != nil {
		t.Fatalf("GET /api/settings error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "shiny-lamp.loca.lt") {
		t.Errorf("GET body = %s, missing stored base URL", body)
	}
	if strings.Contains(string(body), "sk-secret-123456") {
		t.Errorf("GET body echoes the credential in full: %s", body)
	}

	// The credential must be encrypted at rest, not merely masked on read.
	raw, err := store.Get(settings.KeyAPIKey)
	if err != nil {
		t.Fatalf("reading stored credential: %v", err)
	}
	if strings.Contains(raw, "sk-secret-123456") {
		t.Error("credential stored in plaintext")
	}
	plain, err := store.GetSecret(settings.KeyAPIKey)
	if err != nil || plain != "sk-secret-123456" {
		t.Errorf("GetSecret = %q, %v", plain, err)
	}
}

// =============================================================================
// CLIENT WIRING
// =============================================================================

// TestWiring_PrecedenceFlagsOverStoreOverConfig checks the documented layering
// of upstream configuration.
func TestWiring_PrecedenceFlagsOverStoreOverConfig(t *testing.T) {
	store, err := settings.Open(t.TempDir() + "/settings.db")
	if err != nil {
		t.Fatalf("Open settings: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Upstream.BaseURL = "https://config.example"
	cfg.Upstream.Model = "config-model"

	if err := store.Set(settings.KeyBaseURL, "https://store.example"); err != nil {
		t.Fatal(err)
	}

	// Store overrides config.
	client := cli.BuildClient(cfg, store, cli.Args{})
	if got := client.BaseURL(); !strings.Contains(got, "store.example") {
		t.Errorf("BaseURL = %q, expected the store value to win over config", got)
	}
	if got := client.Model(); got != "config-model" {
		t.Errorf("Model = %q, expected the config value with no store override", got)
	}

	// Flags override both.
	client = cli.BuildClient(cfg, store, cli.Args{URL: "https://flag.example", Aggregate: true})
	if got := client.BaseURL(); !strings.Contains(got, "flag.example") {
		t.Errorf("BaseURL = %q, expected the flag value to win", got)
	}
	if client.GetMode() != relay.ModeAggregate {
		t.Error("aggregate flag did not switch the mode")
	}
}
