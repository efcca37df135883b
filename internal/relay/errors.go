// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents a classified failure of an exchange with the
// upstream endpoint.
type ClientError struct {
	Type    ErrorType
	Message string
	Status  int // upstream HTTP status, set for ErrTypeUpstreamHTTP only
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes exchange failures for handling.
// Every failure an exchange can produce maps to exactly one of these.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeConfigMissing
	ErrTypeUnreachable
	ErrTypeTimeout
	ErrTypeStalled
	ErrTypeGatewayExpired
	ErrTypeUpstreamHTTP
	ErrTypeEmptyResponse
)

// String returns the stable name of the error type, used in logs and
// status output.
func (t ErrorType) String() string {
	switch t {
	case ErrTypeConfigMissing:
		return "config_missing"
	case ErrTypeUnreachable:
		return "unreachable"
	case ErrTypeTimeout:
		return "timeout"
	case ErrTypeStalled:
		return "stalled"
	case ErrTypeGatewayExpired:
		return "gateway_expired"
	case ErrTypeUpstreamHTTP:
		return "upstream_http"
	case ErrTypeEmptyResponse:
		return "empty_response"
	default:
		return "unknown"
	}
}

// Sentinel errors for easy checking.
var (
	ErrConfigMissing  = &ClientError{Type: ErrTypeConfigMissing, Message: "no upstream URL configured"}
	ErrUnreachable    = &ClientError{Type: ErrTypeUnreachable, Message: "upstream unreachable"}
	ErrTimeout        = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrStalled        = &ClientError{Type: ErrTypeStalled, Message: "stream stalled"}
	ErrGatewayExpired = &ClientError{Type: ErrTypeGatewayExpired, Message: "tunnel link expired"}
	ErrEmptyResponse  = &ClientError{Type: ErrTypeEmptyResponse, Message: "upstream returned no content"}
)

// upstreamHTTPError builds the pass-through error for a non-success upstream
// status. The status survives so delivery surfaces can forward it.
func upstreamHTTPError(status int, message string) *ClientError {
	if message == "" {
		message = fmt.Sprintf("upstream returned status %d", status)
	}
	return &ClientError{Type: ErrTypeUpstreamHTTP, Message: message, Status: status}
}

// TypeOf extracts the error type from any error in a wrap chain.
// Returns ErrTypeUnknown for nil or unclassified errors.
func TypeOf(err error) ErrorType {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type
	}
	return ErrTypeUnknown
}

// UpstreamStatus returns the upstream HTTP status carried by err, or 0 when
// err is not an upstream status error.
func UpstreamStatus(err error) int {
	var clientErr *ClientError
	if errors.As(err, &clientErr) && clientErr.Type == ErrTypeUpstreamHTTP {
		return clientErr.Status
	}
	return 0
}

// IsConfigMissing checks if an error means no endpoint is configured.
func IsConfigMissing(err error) bool {
	return TypeOf(err) == ErrTypeConfigMissing || errors.Is(err, ErrConfigMissing)
}

// IsUnreachable checks if an error is a connection establishment failure.
func IsUnreachable(err error) bool {
	return TypeOf(err) == ErrTypeUnreachable || errors.Is(err, ErrUnreachable)
}

// IsTimeout checks if an error is an overall deadline expiry.
func IsTimeout(err error) bool {
	return TypeOf(err) == ErrTypeTimeout || errors.Is(err, ErrTimeout)
}

// IsStalled checks if an error is a mid-stream stall.
func IsStalled(err error) bool {
	return TypeOf(err) == ErrTypeStalled || errors.Is(err, ErrStalled)
}

// IsGatewayExpired checks if an error means the tunnel served an
// interstitial page instead of the upstream.
func IsGatewayExpired(err error) bool {
	return TypeOf(err) == ErrTypeGatewayExpired || errors.Is(err, ErrGatewayExpired)
}

// IsEmptyResponse checks if an exchange completed without producing text.
func IsEmptyResponse(err error) bool {
	return TypeOf(err) == ErrTypeEmptyResponse || errors.Is(err, ErrEmptyResponse)
}

// =============================================================================
// USER-FACING MESSAGES
// =============================================================================

// UserMessage renders an exchange error as a short actionable message for
// display surfaces. Falls back to the raw error text for unknown types.
func UserMessage(err error) string {
	switch TypeOf(err) {
	case ErrTypeConfigMissing:
		return "No endpoint configured. Run setup or set the tunnel URL first."
	case ErrTypeUnreachable:
		return "Cannot reach the endpoint. Check that the notebook tunnel is up."
	case ErrTypeTimeout:
		return "The request timed out. The notebook may be overloaded."
	case ErrTypeStalled:
		return "The response stream stalled. Try again."
	case ErrTypeGatewayExpired:
		return "The tunnel link has expired. Restart the tunnel and update the URL."
	case ErrTypeEmptyResponse:
		return "The model returned an empty response. Try rephrasing."
	case ErrTypeUpstreamHTTP:
		var clientErr *ClientError
		if errors.As(err, &clientErr) {
			return fmt.Sprintf("The endpoint returned an error (HTTP %d): %s", clientErr.Status, clientErr.Message)
		}
		return "The endpoint returned an error."
	default:
		if err != nil {
			return err.Error()
		}
		return "Unknown error."
	}
}
