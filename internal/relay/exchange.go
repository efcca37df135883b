// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// =============================================================================
// EXCHANGER
// =============================================================================

// Exchanger runs one transcript exchange against the upstream. Implementations
// deliver text increments through onFrame in arrival order and return the
// complete reply. Every error is classified into the package taxonomy.
type Exchanger interface {
	Configured() bool
	Exchange(ctx context.Context, messages []ChatMessage, onFrame FrameFunc) (string, error)
}

// Exchange performs a single POST to the completions endpoint and decodes
// the reply with the configured strategy. The transcript is forwarded
// verbatim behind the fixed system preamble; generation parameters are
// fixed at construction.
func (c *Client) Exchange(ctx context.Context, messages []ChatMessage, onFrame FrameFunc) (string, error) {
	if !c.Configured() {
		return "", ErrConfigMissing
	}

	full := make([]ChatMessage, 0, len(messages)+1)
	full = append(full, NewSystemMessage(SystemPreamble))
	full = append(full, messages...)

	if c.mode == ModeAggregate {
		return c.aggregateExchange(ctx, full, onFrame)
	}
	return c.streamExchange(ctx, full, onFrame)
}

// newCompletionsRequest builds the POST both strategies send.
func (c *Client) newCompletionsRequest(ctx context.Context, messages []ChatMessage, streaming bool) (*http.Request, error) {
	reqBody := ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Stream:      streaming,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnreachable, Message: "failed to create request", Cause: err}
	}
	c.setHeaders(req, streaming)
	return req, nil
}

// =============================================================================
// AGGREGATE STRATEGY
// =============================================================================

// aggregateExchange waits for the complete JSON response and delivers it as
// one final frame.
func (c *Client) aggregateExchange(ctx context.Context, messages []ChatMessage, onFrame FrameFunc) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newCompletionsRequest(ctx, messages, false)
	if err != nil {
		return "", err
	}

	logRequest(ModeAggregate, req.URL.String())
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()
	logResponse(resp.StatusCode, time.Since(start))

	body, err := readResponse(resp.Body)
	if err != nil {
		return "", &ClientError{Type: ErrTypeUnreachable, Message: "failed to read response", Cause: err}
	}

	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", handleErrorResponse(resp.StatusCode, contentType, body)
	}
	// A success status carrying markup is the tunnel interstitial, not a
	// model reply.
	if isMarkupContentType(contentType) || looksLikeHTML(body) {
		return "", ErrGatewayExpired
	}

	var result ChatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &ClientError{Type: ErrTypeEmptyResponse, Message: "response could not be decoded", Cause: err}
	}

	content := result.GetContent()
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyResponse
	}

	if onFrame != nil {
		onFrame(content)
	}
	return content, nil
}

// =============================================================================
// STREAMING STRATEGY
// =============================================================================

// streamExchange decodes SSE events as they arrive. Two independent
// deadlines bound it: the overall exchange timeout, and a stall watchdog
// that is reset on every decoded event and cancels the read when the gap
// between events grows too long.
func (c *Client) streamExchange(ctx context.Context, messages []ChatMessage, onFrame FrameFunc) (string, error) {
	overallCtx, cancelOverall := context.WithTimeout(ctx, c.timeout)
	defer cancelOverall()

	streamCtx, cancelStream := context.WithCancel(overallCtx)
	defer cancelStream()

	req, err := c.newCompletionsRequest(streamCtx, messages, true)
	if err != nil {
		return "", err
	}

	logRequest(ModeStreaming, req.URL.String())
	start := time.Now()

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()
	logResponse(resp.StatusCode, time.Since(start))

	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := readResponse(resp.Body)
		return "", handleErrorResponse(resp.StatusCode, contentType, body)
	}
	if isMarkupContentType(contentType) {
		return "", ErrGatewayExpired
	}

	// The watchdog cancels the stream context when no event arrives within
	// the stall window. The flag distinguishes its cancellation from the
	// overall deadline and from caller cancellation.
	var stalled atomic.Bool
	watchdog := time.AfterFunc(c.stallTimeout, func() {
		stalled.Store(true)
		cancelStream()
	})
	defer watchdog.Stop()

	acc := NewStreamAccumulator()
	streamErr := c.processStream(streamCtx, resp.Body, watchdog, acc, onFrame)

	// The sentinel ends the logical stream, but tunnels keep the
	// connection open past it. Cancel the transport read now instead of
	// waiting for the server to hang up.
	watchdog.Stop()
	cancelStream()

	if streamErr != nil {
		switch {
		case stalled.Load():
			return "", &StreamError{Partial: acc.Content(), Err: ErrStalled}
		case overallCtx.Err() == context.DeadlineExceeded:
			return "", &StreamError{Partial: acc.Content(), Err: ErrTimeout}
		case ctx.Err() == context.Canceled:
			return "", ctx.Err()
		default:
			return "", &StreamError{
				Partial: acc.Content(),
				Err:     &ClientError{Type: ErrTypeUnreachable, Message: "stream read failed", Cause: streamErr},
			}
		}
	}

	content := acc.Content()
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}

// processStream decodes events until the done sentinel, a finish reason,
// clean EOF, or a read failure. Malformed payload lines are skipped. The
// watchdog is reset on every complete event, decodable or not, since any
// complete line proves the upstream is alive.
func (c *Client) processStream(ctx context.Context, body io.Reader, watchdog *time.Timer, acc *StreamAccumulator, onFrame FrameFunc) error {
	reader := newSSEReader(body)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, err := reader.readEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		watchdog.Reset(c.stallTimeout)

		// Logical end of stream. Return without touching the bytes that
		// may follow.
		if bytes.Equal(data, doneSentinel) {
			return nil
		}

		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}

		if content := chunk.GetContent(); content != "" {
			acc.Add(content)
			if onFrame != nil {
				onFrame(content)
			}
		}

		if chunk.IsDone() {
			return nil
		}
	}
}
