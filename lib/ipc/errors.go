// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"errors"
	"fmt"
)

// Code is a stable error code shared across the channel, the ledger,
// and log output. Codes name outcomes, not Go error types, so both
// processes and the audit trail agree on what went wrong.
type Code string

const (
	// CodeVersionMismatch means the peer speaks a different protocol
	// version. Returned during handshake, never retried.
	CodeVersionMismatch Code = "version_mismatch"

	// CodeUnauthorized means the auth token or client name was
	// rejected. Returned during handshake or on a per-message check.
	CodeUnauthorized Code = "unauthorized"

	// CodeOversizedPayload means a message exceeded the configured
	// maximum and the sender did not opt into chunking.
	CodeOversizedPayload Code = "oversized_payload"

	// CodeInvalidPayload means a payload failed schema validation or
	// chunk reassembly.
	CodeInvalidPayload Code = "invalid_payload"

	// CodeSanitizeBlock means content failed sanitization or the
	// prompt allowlist before egress.
	CodeSanitizeBlock Code = "sanitize_block"

	// CodeTimeout means a bounded wait elapsed. Retryable.
	CodeTimeout Code = "timeout"

	// CodeCircuitOpen means the circuit breaker rejected the call
	// without attempting I/O.
	CodeCircuitOpen Code = "circuit_open"

	// CodePolicyDenied means the policy engine or the user rejected
	// the step.
	CodePolicyDenied Code = "policy_denied"

	// CodeExecutionFailed means a command ran and exited non-zero.
	CodeExecutionFailed Code = "execution_failed"

	// CodeCanceled means the work was canceled before completion.
	CodeCanceled Code = "canceled"
)

// Error is the taxonomy error carried across the channel and surfaced
// to callers. It always names its code and, when one exists, the
// originating request so ledger and logs can be cross-referenced.
type Error struct {
	// Code is the stable taxonomy code.
	Code Code `cbor:"code" json:"code"`

	// RequestID is the correlation key of the exchange that failed.
	// Empty when the failure happened before a request existed.
	RequestID string `cbor:"request_id,omitempty" json:"request_id,omitempty"`

	// Message is the human-readable detail.
	Message string `cbor:"message" json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (request_id=%s)", e.Code, e.Message, e.RequestID)
}

// NewError builds a taxonomy error.
func NewError(code Code, requestID, format string, args ...any) *Error {
	return &Error{Code: code, RequestID: requestID, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err, or "" when err carries
// none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether a channel-level retry can help. Only
// transport-shaped failures qualify: timeouts and codeless transport
// errors. Handshake rejections, policy outcomes, and validation
// failures are deterministic and retrying them would only repeat the
// answer.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout:
		return true
	case "":
		return err != nil
	}
	return false
}
