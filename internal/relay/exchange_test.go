// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// sseHandler writes pre-baked SSE lines with a flush after each, simulating
// an upstream that streams chunk by chunk.
func sseHandler(t *testing.T, lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer must support flushing")
			return
		}
		for _, line := range lines {
			fmt.Fprint(w, line)
			flusher.Flush()
		}
	}
}

func chunkLine(content string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
}

// =============================================================================
// STREAMING EXCHANGE TESTS
// =============================================================================

// TestStreamExchange verifies frames arrive in order and aggregate into the
// complete reply.
func TestStreamExchange(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		chunkLine("Hi"),
		chunkLine(" there"),
		"data: [DONE]\n\n",
	}))
	defer server.Close()

	client := New().WithBaseURL(server.URL)

	var frames []string
	reply, err := client.Exchange(context.Background(), []ChatMessage{NewUserMessage("hello")}, func(text string) {
		frames = append(frames, text)
	})
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if reply != "Hi there" {
		t.Errorf("Reply = %q, expected 'Hi there'", reply)
	}
	if len(frames) != 2 || frames[0] != "Hi" || frames[1] != " there" {
		t.Errorf("Frames = %v, expected [Hi,  there]", frames)
	}
}

// TestStreamExchangeStopsAtSentinel verifies bytes after [DONE] are never
// decoded, even when they are valid chunks already buffered.
func TestStreamExchangeStopsAtSentinel(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		chunkLine("real"),
		"data: [DONE]\n\n" + chunkLine("SHOULD NOT APPEAR"),
	}))
	defer server.Close()

	client := New().WithBaseURL(server.URL)

	var frames []string
	reply, err := client.Exchange(context.Background(), []ChatMessage{NewUserMessage("q")}, func(text string) {
		frames = append(frames, text)
	})
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if reply != "real" {
		t.Errorf("Reply = %q, expected only pre-sentinel content", reply)
	}
	if len(frames) != 1 {
		t.Errorf("Got %d frames, expected 1 (post-sentinel chunks must be discarded)", len(frames))
	}
}

// TestStreamExchangeSkipsMalformedChunks verifies undecodable payload lines
// are skipped without ending the exchange.
func TestStreamExchangeSkipsMalformedChunks(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		chunkLine("first"),
		"data: {not valid json\n\n",
		chunkLine(" second"),
		"data: [DONE]\n\n",
	}))
	defer server.Close()

	client := New().WithBaseURL(server.URL)
	reply, err := client.Exchange(context.Background(), []ChatMessage{NewUserMessage("q")}, nil)
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if reply != "first second" {
		t.Errorf("Reply = %q, expected malformed line skipped", reply)
	}
}

// TestStreamExchangeEmptyResponse verifies a stream that ends without any
// content reports the empty response class.
func TestStreamExchangeEmptyResponse(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{"data: [DONE]\n\n"}))
	defer server.Close()

	client := New().WithBaseURL(server.URL)
	_, err := client.Exchange(context.Background(), []ChatMessage{NewUserMessage("q")}, nil)
	if !IsEmptyResponse(err) {
		t.Errorf("Expected empty response error, got %v", err)
	}
}

// TestStreamExchangeGatewayExpired verifies a success status carrying
// markup classifies as an expired tunnel.
func TestStreamExchangeGatewayExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "<html><body>This tunnel has expired</body></html>")
	}))
	defer server.Close()

	client := New().WithBaseURL(server.URL)
	_, err := client.Exchange(context.Background(), []ChatMessage{NewUserMessage("q")}, nil)
	if !IsGatewayExpired(err) {
		t.Errorf("Expected gateway expired, got %v", err)
	}
}

// TestStreamExchangeUpstreamError verifies non-success statuses pass
// through with the upstream's own status and message.
func TestStreamExchangeUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer server.Close()

	client := New().WithBaseURL(server.URL)
	_, err := client.Exchange(context.Background(), []ChatMessage{NewUserMessage("q")}, nil)
	if TypeOf(err) != ErrTypeUpstreamHTTP {
		t.Fatalf("Expected upstream HTTP error, got %v", err)
	}
	if UpstreamStatus(err) != http.StatusTooManyRequests {
		t.Errorf("UpstreamStatus = %d, expected 429", UpstreamStatus(err))
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("Error %q should carry the upstream message", err.Error())
	}
}

// TestStreamExchangeUnreachable verifies transport failures before any
// response classify as unreachable.
func TestStreamExchangeUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := New().WithBaseURL(server.URL)
	_, err := client.Exchange(context.Background(), []ChatMessage{NewUserMessage("q")}, nil)
	if !IsUnreachable(err) {
		t.Errorf("Expected unreachable, got %v", err)
	}
}

// TestStreamExchangeStall verifies the watchdog ends an exchange whose
// upstream goes quiet mid-stream, preserving the partial content.
func TestStreamExchangeStall(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, chunkLine("partial"))
		flusher.Flush()
		// Go quiet until the test finishes.
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	client := New().
		WithBaseURL(server.URL).
		WithStallTimeout(80 * time.Millisecond).
		WithTimeout(5 * time.Second)

	start := time.Now()
	_, err := client.Exchange(context.Background(), []ChatMessage{NewUserMessage("q")}, nil)
	elapsed := time.Since(start)

	if !IsStalled(err) {
		t.Fatalf("Expected stalled, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Stall detection took %v, watchdog did not fire", elapsed)
	}

	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatal("Stall should preserve partial content in a StreamError")
	}
	if streamErr.Partial != "partial" {
		t.Errorf("Partial = %q, expected content received before the stall", streamErr.Partial)
	}
}

// TestStreamExchangeOverallTimeout verifies the overall deadline ends an
// exchange that keeps streaming but never finishes.
func TestStreamExchangeOverallTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 200; i++ {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			fmt.Fprint(w, chunkLine("tok "))
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer server.Close()

	client := New().
		WithBaseURL(server.URL).
		WithTimeout(150 * time.Millisecond).
		WithStallTimeout(2 * time.Second)

	_, err := client.Exchange(context.Background(), []ChatMessage{NewUserMessage("q")}, nil)
	if !IsTimeout(err) {
		t.Errorf("Expected timeout, got %v", err)
	}
}

// TestStreamExchangeCallerCancel verifies caller cancellation surfaces as
// context.Canceled, not as an upstream failure class.
func TestStreamExchangeCallerCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, chunkLine("before cancel"))
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := New().WithBaseURL(server.URL)

	_, err := client.Exchange(ctx, []ChatMessage{NewUserMessage("q")}, func(text string) {
		cancel()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if TypeOf(err) != ErrTypeUnknown {
		t.Errorf("Caller cancel should not classify as an upstream failure, got %v", TypeOf(err))
	}
}

// TestStreamExchangeRequestShape verifies the wire request: fixed preamble
// first, transcript verbatim, fixed generation parameters, bypass header.
func TestStreamExchangeRequestShape(t *testing.T) {
	type seenRequest struct {
		body   ChatRequest
		bypass string
		bearer string
	}
	seenCh := make(chan seenRequest, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Path = %q, expected /v1/chat/completions", r.URL.Path)
		}
		var seen seenRequest
		seen.bypass = r.Header.Get(bypassHeader)
		seen.bearer = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &seen.body); err != nil {
			t.Errorf("Request body not decodable: %v", err)
		}
		seenCh <- seen
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, chunkLine("ok")+"data: [DONE]\n\n")
	}))
	defer server.Close()

	client := New().WithBaseURL(server.URL).WithAPIKey("tok-123")
	transcript := []ChatMessage{
		NewUserMessage("first question"),
		NewAssistantMessage("first answer"),
		NewUserMessage("second question"),
	}
	if _, err := client.Exchange(context.Background(), transcript, nil); err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}

	seen := <-seenCh
	captured := seen.body
	if seen.bypass != bypassValue {
		t.Errorf("Bypass header = %q, expected %q on every request", seen.bypass, bypassValue)
	}
	if seen.bearer != "Bearer tok-123" {
		t.Errorf("Authorization = %q, expected bearer credential", seen.bearer)
	}
	if !captured.Stream {
		t.Error("Streaming exchange must set stream=true")
	}
	if captured.Model != DefaultModel {
		t.Errorf("Model = %q, expected %q", captured.Model, DefaultModel)
	}
	if captured.MaxTokens != DefaultMaxTokens {
		t.Errorf("MaxTokens = %d, expected %d", captured.MaxTokens, DefaultMaxTokens)
	}
	if captured.Temperature != DefaultTemperature {
		t.Errorf("Temperature = %v, expected %v", captured.Temperature, DefaultTemperature)
	}

	if len(captured.Messages) != len(transcript)+1 {
		t.Fatalf("Got %d messages, expected transcript plus preamble", len(captured.Messages))
	}
	if captured.Messages[0].Role != "system" || captured.Messages[0].Content != SystemPreamble {
		t.Errorf("First message = %+v, expected the fixed system preamble", captured.Messages[0])
	}
	for i, msg := range transcript {
		if captured.Messages[i+1] != msg {
			t.Errorf("Message %d = %+v, expected %+v verbatim", i+1, captured.Messages[i+1], msg)
		}
	}
}

// =============================================================================
// AGGREGATE EXCHANGE TESTS
// =============================================================================

// TestAggregateExchange verifies the non-streaming strategy delivers the
// reply as one final frame.
func TestAggregateExchange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		if req.Stream {
			t.Error("Aggregate exchange must set stream=false")
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "chatcmpl-1",
			"model": "gpt-3.5-turbo",
			"choices": [{
				"message": {"role": "assistant", "content": "The answer."},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}
		}`)
	}))
	defer server.Close()

	client := New().WithBaseURL(server.URL).WithMode(ModeAggregate)

	var frames []string
	reply, err := client.Exchange(context.Background(), []ChatMessage{NewUserMessage("q")}, func(text string) {
		frames = append(frames, text)
	})
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if reply != "The answer." {
		t.Errorf("Reply = %q, expected 'The answer.'", reply)
	}
	if len(frames) != 1 || frames[0] != "The answer." {
		t.Errorf("Frames = %v, expected exactly one final frame", frames)
	}
}

// TestAggregateExchangeEmptyResponse verifies whitespace-only content
// classifies as empty.
func TestAggregateExchangeEmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"  "},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	client := New().WithBaseURL(server.URL).WithMode(ModeAggregate)
	_, err := client.Exchange(context.Background(), []ChatMessage{NewUserMessage("q")}, nil)
	if !IsEmptyResponse(err) {
		t.Errorf("Expected empty response, got %v", err)
	}
}

// TestAggregateExchangeGatewayExpired verifies interstitial detection on
// the aggregate path.
func TestAggregateExchangeGatewayExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<!DOCTYPE html><html><body>restart your tunnel</body></html>")
	}))
	defer server.Close()

	client := New().WithBaseURL(server.URL).WithMode(ModeAggregate)
	_, err := client.Exchange(context.Background(), []ChatMessage{NewUserMessage("q")}, nil)
	if !IsGatewayExpired(err) {
		t.Errorf("Expected gateway expired, got %v", err)
	}
}

// TestAggregateExchangeUndecodableBody verifies a success response that is
// neither markup nor valid JSON classifies as empty rather than crashing.
func TestAggregateExchangeUndecodableBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, "not json at all")
	}))
	defer server.Close()

	client := New().WithBaseURL(server.URL).WithMode(ModeAggregate)
	_, err := client.Exchange(context.Background(), []ChatMessage{NewUserMessage("q")}, nil)
	if !IsEmptyResponse(err) {
		t.Errorf("Expected empty response classification, got %v", err)
	}
}

// =============================================================================
// BENCHMARK TESTS
// =============================================================================

// BenchmarkStreamDecode benchmarks SSE decode throughput over a pre-baked
// 100-chunk stream.
func BenchmarkStreamDecode(b *testing.B) {
	var sb strings.Builder
	for i := 0; i < 100; i++ {
		sb.WriteString(chunkLine("token "))
	}
	sb.WriteString("data: [DONE]\n\n")
	payload := sb.String()

	client := New().WithBaseURL("https://unused.example")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		watchdog := time.AfterFunc(time.Hour, func() {})
		acc := NewStreamAccumulator()
		if err := client.processStream(context.Background(), strings.NewReader(payload), watchdog, acc, nil); err != nil {
			b.Fatal(err)
		}
		watchdog.Stop()
	}
}
