// Package protocol defines the JSON messages exchanged between clients
// and the relay. Every message is an object with a "type" field; binary
// payloads are base64 strings so raw terminal bytes survive the trip.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gluk-w/claworc/shellrelay/internal/apperr"
)

// Type identifies a message.
type Type string

// Client to server.
const (
	TypeExecuteCommand Type = "execute_command"
	TypeInput          Type = "input"
	TypeResize         Type = "resize"
	TypeAttach         Type = "attach"
	TypeCreate         Type = "create"
	TypeDetach         Type = "detach"
	TypePing           Type = "ping"
)

// Server to client.
const (
	TypeOutput          Type = "output"
	TypeError           Type = "error"
	TypeProcessEnded    Type = "process_ended"
	TypeProcessRestart  Type = "process_restarted"
	TypeSessionInfo     Type = "session_info"
	TypeCommandAccepted Type = "command_accepted"
	TypePong            Type = "pong"
)

// MaxMessageSize bounds one inbound message.
const MaxMessageSize = 64 * 1024

// MaxCommandLength bounds the text of one execute_command.
const MaxCommandLength = 16 * 1024

// Message is the union of all message fields. Unused fields are omitted.
type Message struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// execute_command
	Command string `json:"command,omitempty"`
	// input, output
	Data []byte `json:"data,omitempty"`
	// resize, create
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	// attach
	LastSeenSequence *uint64 `json:"lastSeenSequence,omitempty"`
	// create
	Name             string            `json:"name,omitempty"`
	ShellKind        string            `json:"shellKind,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	Env              map[string]string `json:"env,omitempty"`

	// output, process_ended, process_restarted
	Sequence  uint64     `json:"sequence,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	// session_info
	Status string `json:"status,omitempty"`
	// command_accepted
	CommandSequence uint64 `json:"commandSequence,omitempty"`
	// error
	Code    apperr.Code `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = apperr.New(apperr.CodeInvalidMessage, "invalid message")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Decode parses and validates one client message.
func Decode(b []byte) (Message, error) {
	if len(b) > MaxMessageSize {
		return Message{}, invalid("message of %d bytes exceeds limit", len(b))
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, invalid("decode: %v", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks the fields a client message of m.Type requires.
func (m Message) Validate() error {
	switch m.Type {
	case TypeExecuteCommand:
		if m.SessionID == "" {
			return invalid("execute_command without sessionId")
		}
		if m.Command == "" {
			return invalid("execute_command without command")
		}
		if len(m.Command) > MaxCommandLength {
			return invalid("command too long")
		}
	case TypeInput:
		if m.SessionID == "" {
			return invalid("input without sessionId")
		}
		if len(m.Data) == 0 {
			return invalid("input without data")
		}
	case TypeResize:
		if m.SessionID == "" {
			return invalid("resize without sessionId")
		}
		if m.Rows == 0 || m.Cols == 0 {
			return invalid("resize needs rows and cols")
		}
	case TypeAttach, TypeDetach:
		if m.SessionID == "" {
			return invalid("%s without sessionId", m.Type)
		}
	case TypeCreate, TypePing:
	case "":
		return invalid("missing type")
	default:
		return invalid("unknown type %q", m.Type)
	}
	return nil
}

// Encode marshals m.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return b, nil
}

// ErrorMessage builds the error message for err. Only the public code
// and its fixed text are sent.
func ErrorMessage(sessionID string, err error) Message {
	code, text := apperr.Public(err)
	return Message{Type: TypeError, SessionID: sessionID, Code: code, Message: text}
}

// CodeMessage builds an error message for a known code.
func CodeMessage(sessionID string, code apperr.Code) Message {
	return Message{Type: TypeError, SessionID: sessionID, Code: code, Message: apperr.Message(code)}
}

// IsInvalid reports whether err is a validation failure.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalid) }
