// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Exit codes and usage errors for the CLI commands.
//
// Every command handler returns an error; Run maps it to a process exit
// code so scripts can distinguish a bad invocation from a dead tunnel.
package cli

import (
	"errors"
	"fmt"

	"github.com/kavindamihiran/Kaggle-chatbot/internal/relay"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates a configuration or settings problem
	ExitConfigError = 3
	// ExitAuthError indicates the upstream rejected the credential
	ExitAuthError = 4
	// ExitNetworkError indicates the endpoint could not be reached
	ExitNetworkError = 5
	// ExitTimeoutError indicates an exchange deadline expired
	ExitTimeoutError = 8
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError reports a bad invocation: missing arguments, unknown
// subcommands, malformed values.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string {
	return e.Message
}

// usageErrorf builds a UsageError from a format string.
func usageErrorf(format string, args ...interface{}) error {
	return &UsageError{Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// GetExitCode determines the exit code for an error. Exchange failures map
// through the relay error taxonomy; everything else is a general error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usageErr *UsageError
	if errors.As(err, &usageErr) {
		return ExitUsageError
	}

	var ttyErr *TTYRequiredError
	if errors.As(err, &ttyErr) {
		return ExitUsageError
	}

	switch relay.TypeOf(err) {
	case relay.ErrTypeConfigMissing:
		return ExitConfigError
	case relay.ErrTypeUnreachable, relay.ErrTypeGatewayExpired:
		return ExitNetworkError
	case relay.ErrTypeTimeout, relay.ErrTypeStalled:
		return ExitTimeoutError
	case relay.ErrTypeUpstreamHTTP:
		status := relay.UpstreamStatus(err)
		if status == 401 || status == 403 {
			return ExitAuthError
		}
		return ExitGeneralError
	}

	return ExitGeneralError
}
