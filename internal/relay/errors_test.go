// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// =============================================================================
// ERROR CLASSIFICATION TESTS
// =============================================================================

// TestTypeOf verifies type extraction through wrap chains.
func TestTypeOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorType
	}{
		{name: "nil", err: nil, expected: ErrTypeUnknown},
		{name: "plain error", err: errors.New("boom"), expected: ErrTypeUnknown},
		{name: "sentinel", err: ErrGatewayExpired, expected: ErrTypeGatewayExpired},
		{name: "wrapped sentinel", err: fmt.Errorf("exchange: %w", ErrTimeout), expected: ErrTypeTimeout},
		{name: "stream error wrapping sentinel", err: &StreamError{Partial: "x", Err: ErrStalled}, expected: ErrTypeStalled},
		{name: "upstream status", err: upstreamHTTPError(500, "boom"), expected: ErrTypeUpstreamHTTP},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := TypeOf(tc.err); got != tc.expected {
				t.Errorf("TypeOf() = %v, expected %v", got, tc.expected)
			}
		})
	}
}

// TestSentinelHelpers verifies the Is* helpers match their own class and
// nothing else.
func TestSentinelHelpers(t *testing.T) {
	if !IsConfigMissing(ErrConfigMissing) {
		t.Error("IsConfigMissing should match its sentinel")
	}
	if !IsUnreachable(fmt.Errorf("wrapped: %w", ErrUnreachable)) {
		t.Error("IsUnreachable should match through wrapping")
	}
	if !IsTimeout(ErrTimeout) {
		t.Error("IsTimeout should match its sentinel")
	}
	if !IsStalled(&StreamError{Err: ErrStalled}) {
		t.Error("IsStalled should match through StreamError")
	}
	if !IsGatewayExpired(ErrGatewayExpired) {
		t.Error("IsGatewayExpired should match its sentinel")
	}
	if !IsEmptyResponse(ErrEmptyResponse) {
		t.Error("IsEmptyResponse should match its sentinel")
	}

	if IsTimeout(ErrStalled) {
		t.Error("IsTimeout should not match a stall")
	}
	if IsGatewayExpired(errors.New("random")) {
		t.Error("IsGatewayExpired should not match unclassified errors")
	}
}

// TestUpstreamStatus verifies status extraction for pass-through errors.
func TestUpstreamStatus(t *testing.T) {
	err := upstreamHTTPError(429, "slow down")
	if got := UpstreamStatus(err); got != 429 {
		t.Errorf("UpstreamStatus() = %d, expected 429", got)
	}
	if got := UpstreamStatus(ErrTimeout); got != 0 {
		t.Errorf("UpstreamStatus() on timeout = %d, expected 0", got)
	}
	if got := UpstreamStatus(nil); got != 0 {
		t.Errorf("UpstreamStatus(nil) = %d, expected 0", got)
	}
}

// TestClientErrorFormatting verifies Error() output with and without cause.
func TestClientErrorFormatting(t *testing.T) {
	bare := &ClientError{Type: ErrTypeUnreachable, Message: "cannot connect"}
	if bare.Error() != "cannot connect" {
		t.Errorf("Error() = %q, expected bare message", bare.Error())
	}

	caused := &ClientError{Type: ErrTypeUnreachable, Message: "cannot connect", Cause: errors.New("refused")}
	if caused.Error() != "cannot connect: refused" {
		t.Errorf("Error() = %q, expected message with cause", caused.Error())
	}
	if errors.Unwrap(caused) == nil {
		t.Error("Unwrap should expose the cause")
	}
}

// TestStreamErrorPreservesPartial verifies partial content survives the
// error path.
func TestStreamErrorPreservesPartial(t *testing.T) {
	err := &StreamError{Partial: "half a reply", Err: ErrStalled}

	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatal("errors.As should find StreamError")
	}
	if streamErr.Partial != "half a reply" {
		t.Errorf("Partial = %q, expected preserved content", streamErr.Partial)
	}
	if !IsStalled(err) {
		t.Error("Classification should pass through StreamError")
	}
}

// =============================================================================
// USER MESSAGE TESTS
// =============================================================================

// TestUserMessage verifies each class renders an actionable message.
func TestUserMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{name: "config missing", err: ErrConfigMissing, contains: "No endpoint configured"},
		{name: "unreachable", err: ErrUnreachable, contains: "Cannot reach"},
		{name: "timeout", err: ErrTimeout, contains: "timed out"},
		{name: "stalled", err: ErrStalled, contains: "stalled"},
		{name: "gateway expired", err: ErrGatewayExpired, contains: "expired"},
		{name: "empty response", err: ErrEmptyResponse, contains: "empty response"},
		{name: "upstream http", err: upstreamHTTPError(503, "overloaded"), contains: "HTTP 503"},
		{name: "unknown", err: errors.New("odd failure"), contains: "odd failure"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := UserMessage(tc.err)
			if !strings.Contains(msg, tc.contains) {
				t.Errorf("UserMessage() = %q, expected to contain %q", msg, tc.contains)
			}
		})
	}
}
