// Package client is a reconnecting WebSocket client for one session.
//
// The client remembers the highest output sequence it has delivered and
// reattaches with it after a dropped connection, so the server replays
// exactly what was missed. Anything at or below that sequence is dropped
// as a duplicate. Reattach attempts back off exponentially
// (500ms doubling to 30s) and the delay resets after a successful attach.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/gluk-w/claworc/shellrelay/internal/apperr"
	"github.com/gluk-w/claworc/shellrelay/internal/protocol"
	"github.com/gluk-w/claworc/shellrelay/internal/transport"
)

// Reattach backoff. Package-level vars so tests can override.
var (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// ErrNotConnected is returned by Send while no connection is up.
var ErrNotConnected = errors.New("client not connected")

// EventType names a connection state change.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnecting EventType = "reconnecting"
)

// Event reports a connection state change.
type Event struct {
	Type    EventType
	Attempt int
	Delay   time.Duration
	Err     error
}

// Options configures a Client.
type Options struct {
	// BaseURL is the relay's HTTP address, e.g. "http://localhost:8000".
	BaseURL   string
	SessionID string
	Token     string
	// LastSeen resumes after this sequence on the first attach.
	LastSeen uint64
	// OnMessage receives every server message except duplicates. It is
	// called from the read goroutine.
	OnMessage func(protocol.Message)
	OnEvent   func(Event)
	// HTTPClient is used for the WebSocket handshake.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client keeps one session attached across connection failures.
type Client struct {
	opts     Options
	logger   *zap.Logger
	lastSeen atomic.Uint64

	mu   sync.Mutex
	conn *transport.WebSocket
}

// New returns a client; call Run to connect.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{opts: opts, logger: logger.Named("client")}
	c.lastSeen.Store(opts.LastSeen)
	return c
}

// LastSeen returns the highest sequence delivered so far.
func (c *Client) LastSeen() uint64 { return c.lastSeen.Load() }

// Run connects and reattaches until ctx is done or the server ends the
// session. It returns nil when ctx is cancelled and an error carrying an
// apperr code when the server refused or closed the session for good.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	attempt := 0
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			attempt = 0
			backoff = initialBackoff
			c.setConn(conn)
			c.emit(Event{Type: EventConnected})
			err = c.readLoop(ctx, conn)
			c.setConn(nil)
			_ = conn.Close("")
			c.emit(Event{Type: EventDisconnected, Err: err})
		}
		if ctx.Err() != nil {
			return nil
		}
		if isFinal(err) {
			return err
		}

		attempt++
		c.logger.Info("reattaching",
			zap.String("session_id", c.opts.SessionID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", backoff),
			zap.Uint64("last_seen", c.LastSeen()),
			zap.Error(err))
		c.emit(Event{Type: EventReconnecting, Attempt: attempt, Delay: backoff, Err: err})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// isFinal reports whether reattaching cannot help.
func isFinal(err error) bool {
	switch apperr.CodeOf(err) {
	case apperr.CodeSessionNotFound, apperr.CodeSessionTerminated,
		apperr.CodeUnauthorized, apperr.CodeSuperseded:
		return true
	}
	return false
}

// AttachURL returns the WebSocket URL for a session resuming after
// lastSeen.
func AttachURL(base, sessionID string, lastSeen uint64) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = u.Path + "/api/v1/sessions/" + url.PathEscape(sessionID) + "/ws"
	q := u.Query()
	q.Set("last_seen", strconv.FormatUint(lastSeen, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) (*transport.WebSocket, error) {
	target, err := AttachURL(c.opts.BaseURL, c.opts.SessionID, c.LastSeen())
	if err != nil {
		return nil, err
	}
	opts := &websocket.DialOptions{HTTPClient: c.opts.HTTPClient}
	if c.opts.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.opts.Token}}
	}
	wc, resp, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, apperr.New(apperr.CodeUnauthorized, "attach rejected")
			case http.StatusNotFound:
				return nil, apperr.New(apperr.CodeSessionNotFound, "attach rejected")
			}
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return transport.NewWebSocket(wc, target), nil
}

func (c *Client) readLoop(ctx context.Context, conn *transport.WebSocket) error {
	for {
		raw, err := conn.ReadMessage(ctx)
		if err != nil {
			if code := transport.CloseCode(err); code != "" {
				return apperr.New(code, "connection closed by server")
			}
			return err
		}
		var m protocol.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			c.logger.Debug("undecodable server message", zap.Error(err))
			continue
		}
		if carriesSequence(m.Type) {
			if m.Sequence <= c.LastSeen() {
				continue
			}
			c.lastSeen.Store(m.Sequence)
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(m)
		}
		if m.Type == protocol.TypeError && isFinal(apperr.New(m.Code, "")) {
			return apperr.New(m.Code, m.Message)
		}
	}
}

func carriesSequence(t protocol.Type) bool {
	switch t {
	case protocol.TypeOutput, protocol.TypeProcessEnded, protocol.TypeProcessRestart:
		return true
	}
	return false
}

// Send writes a message on the current connection.
func (c *Client) Send(ctx context.Context, m protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if m.SessionID == "" {
		m.SessionID = c.opts.SessionID
	}
	return conn.WriteMessage(ctx, m)
}

// Execute submits a command line.
func (c *Client) Execute(ctx context.Context, command string) error {
	return c.Send(ctx, protocol.Message{Type: protocol.TypeExecuteCommand, Command: command})
}

// Input sends raw keystrokes.
func (c *Client) Input(ctx context.Context, data []byte) error {
	return c.Send(ctx, protocol.Message{Type: protocol.TypeInput, Data: data})
}

// Resize changes the terminal size.
func (c *Client) Resize(ctx context.Context, rows, cols uint16) error {
	return c.Send(ctx, protocol.Message{Type: protocol.TypeResize, Rows: rows, Cols: cols})
}

func (c *Client) setConn(conn *transport.WebSocket) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) emit(ev Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}
