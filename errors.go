package agentgate

import (
	"errors"
	"fmt"
)

// Error is the error type returned by all Client operations.
//
// Two families share it, distinguished by the Connectivity flag: API errors,
// where the service answered with a non-success status (StatusCode, ErrorType
// and Response carry what the server said), and connectivity errors, where no
// usable response was obtained (connection refused, timeout, undecodable
// body). Only connectivity errors trigger the RequestApprovalSafe fallback.
type Error struct {
	// Message is the human-readable error description
	Message string

	// StatusCode is the HTTP status code (0 when no response was received)
	StatusCode int

	// ErrorType is the machine-readable error type reported by the server
	ErrorType string

	// Response is the parsed error body, when one was received
	Response map[string]any

	// Connectivity marks failures where no usable response was obtained
	Connectivity bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap implements error unwrapping
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsConnectivityError reports whether err is an agentgate error caused by
// failure to reach the service rather than by a server verdict. Errors with
// an HTTP status, 401 or 500 alike, are not connectivity errors.
func IsConnectivityError(err error) bool {
	var gateErr *Error
	if errors.As(err, &gateErr) {
		return gateErr.Connectivity
	}
	return false
}

// newConnectivityError wraps a transport-level failure.
func newConnectivityError(message string, cause error) *Error {
	return &Error{
		Message:      message,
		Connectivity: true,
		Cause:        cause,
	}
}

// newStatusError builds the error for a non-success response. The server's
// error envelope is {"error": {"message": ..., "type": ...}}; when the body
// is absent or malformed the message falls back to "HTTP <status>".
func newStatusError(statusCode int, body map[string]any) *Error {
	gateErr := &Error{
		Message:    fmt.Sprintf("HTTP %d", statusCode),
		StatusCode: statusCode,
		Response:   body,
	}
	if detail, ok := body["error"].(map[string]any); ok {
		if msg, ok := detail["message"].(string); ok && msg != "" {
			gateErr.Message = msg
		}
		if typ, ok := detail["type"].(string); ok {
			gateErr.ErrorType = typ
		}
	}
	return gateErr
}
