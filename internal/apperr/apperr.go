// Package apperr maps internal errors to the stable codes and messages
// that are safe to show to clients.
package apperr

import (
	"errors"
)

// Code is a stable, machine-readable error identifier sent to clients.
type Code string

const (
	CodeSpawnFailed       Code = "spawn_failed"
	CodeShellUnavailable  Code = "shell_unavailable"
	CodeSessionNotFound   Code = "session_not_found"
	CodeSessionPaused     Code = "session_paused"
	CodeSessionTerminated Code = "session_terminated"
	CodeShellWriteFailed  Code = "shell_write_failed"
	CodeTransportError    Code = "transport_error"
	CodeInvalidMessage    Code = "invalid_message"
	CodeRateLimited       Code = "rate_limited"
	CodeUnauthorized      Code = "unauthorized"
	CodeSuperseded        Code = "superseded"
	CodeInternal          Code = "internal"
)

var messages = map[Code]string{
	CodeSpawnFailed:       "The shell process could not be started.",
	CodeShellUnavailable:  "The requested shell is not available on this host.",
	CodeSessionNotFound:   "Session not found.",
	CodeSessionPaused:     "The session is restarting its shell; retry shortly.",
	CodeSessionTerminated: "The session has ended.",
	CodeShellWriteFailed:  "The shell process is not accepting input.",
	CodeTransportError:    "The connection failed.",
	CodeInvalidMessage:    "The message could not be understood.",
	CodeRateLimited:       "Too many messages; slow down.",
	CodeUnauthorized:      "Authentication required.",
	CodeSuperseded:        "The session was attached from another connection.",
	CodeInternal:          "Internal error.",
}

// Message returns the fixed human-readable text for a code.
func Message(code Code) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return messages[CodeInternal]
}

// Coded is implemented by errors that know their client-facing code.
type Coded interface {
	error
	Code() Code
}

// Error is a sentinel-style error carrying a code. Use New to declare
// package-level sentinels and compare them with errors.Is.
type Error struct {
	code Code
	text string
}

// New returns a coded error. The text is for logs only.
func New(code Code, text string) *Error {
	return &Error{code: code, text: text}
}

func (e *Error) Error() string { return e.text }

// Code returns the client-facing code.
func (e *Error) Code() Code { return e.code }

// CodeOf walks the error chain and returns the first code found, or
// CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeInternal
}

// Public returns the code and message to surface for err. Internal
// details of err never appear in the message.
func Public(err error) (Code, string) {
	code := CodeOf(err)
	return code, Message(code)
}
