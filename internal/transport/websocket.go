package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/gluk-w/claworc/shellrelay/internal/apperr"
	"github.com/gluk-w/claworc/shellrelay/internal/protocol"
)

// WebSocket is a Conn over a coder/websocket connection.
type WebSocket struct {
	conn   *websocket.Conn
	remote string
}

// Accept upgrades an HTTP request to a WebSocket Conn.
func Accept(w http.ResponseWriter, r *http.Request, originPatterns []string) (*WebSocket, error) {
	opts := &websocket.AcceptOptions{OriginPatterns: originPatterns}
	if len(originPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("accept websocket: %w", err)
	}
	return NewWebSocket(c, r.RemoteAddr), nil
}

// NewWebSocket wraps an established connection.
func NewWebSocket(c *websocket.Conn, remote string) *WebSocket {
	c.SetReadLimit(protocol.MaxMessageSize)
	return &WebSocket{conn: c, remote: remote}
}

func (ws *WebSocket) Name() string { return "websocket " + ws.remote }

func (ws *WebSocket) ReadMessage(ctx context.Context) ([]byte, error) {
	_, b, err := ws.conn.Read(ctx)
	if err != nil {
		return nil, wsErr(err)
	}
	return b, nil
}

func (ws *WebSocket) WriteMessage(ctx context.Context, m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := ws.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return wsErr(err)
	}
	return nil
}

func (ws *WebSocket) Close(code apperr.Code) error {
	if code == "" {
		return ws.conn.Close(websocket.StatusNormalClosure, "")
	}
	status, ok := closeStatus[code]
	if !ok {
		status = int(websocket.StatusPolicyViolation)
	}
	return ws.conn.Close(websocket.StatusCode(status), string(code))
}

func wsErr(err error) error {
	if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

// CloseCode returns the relay error code carried in a close frame, or "".
func CloseCode(err error) apperr.Code {
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Code >= 4000 {
		return apperr.Code(ce.Reason)
	}
	return ""
}
