// Package transport carries protocol messages between clients and the
// relay. The primary transport is a WebSocket with one JSON message per
// text frame. The fallback is a plain TCP connection multiplexed with
// yamux, one stream per client connection and one JSON message per line.
package transport

import (
	"context"
	"errors"

	"github.com/gluk-w/claworc/shellrelay/internal/apperr"
	"github.com/gluk-w/claworc/shellrelay/internal/protocol"
)

// ErrClosed is returned by reads and writes on a closed connection.
var ErrClosed = apperr.New(apperr.CodeTransportError, "transport closed")

// Conn is an ordered, reliable, message-oriented channel to one client.
// ReadMessage must not be called concurrently; WriteMessage and Close
// may be called from any goroutine.
type Conn interface {
	// ReadMessage returns the next raw inbound message.
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, m protocol.Message) error
	// Close ends the connection. A non-empty code tells the client why.
	Close(code apperr.Code) error
	// Name identifies the transport and peer for logs.
	Name() string
}

// Transport error codes are surfaced in WebSocket close frames.
var closeStatus = map[apperr.Code]int{
	apperr.CodeSessionNotFound:   4004,
	apperr.CodeUnauthorized:      4401,
	apperr.CodeSuperseded:        4409,
	apperr.CodeRateLimited:       4429,
	apperr.CodeSessionTerminated: 4410,
	apperr.CodeInternal:          4500,
}

// IsClosed reports whether err means the peer or we closed the
// connection.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled)
}
