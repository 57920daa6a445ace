package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/gluk-w/claworc/shellrelay/internal/apperr"
	"github.com/gluk-w/claworc/shellrelay/internal/protocol"
)

// Hello is the first line on every fallback stream.
type Hello struct {
	Token string `json:"token"`
}

// HelloReply answers a Hello. Code is empty on success.
type HelloReply struct {
	UserID string      `json:"userId,omitempty"`
	Code   apperr.Code `json:"code,omitempty"`
}

// AuthFunc resolves a bearer token to a user ID.
type AuthFunc func(ctx context.Context, token string) (string, error)

// Handler serves one authenticated client connection.
type Handler func(ctx context.Context, userID string, c Conn)

const helloTimeout = 10 * time.Second

// Stream is a Conn over one yamux stream carrying newline-delimited JSON.
type Stream struct {
	stream net.Conn
	reader *bufio.Reader
	name   string

	wmu       sync.Mutex
	closeOnce sync.Once
}

// NewStream wraps a stream (or any net.Conn).
func NewStream(c net.Conn) *Stream {
	return &Stream{
		stream: c,
		reader: bufio.NewReaderSize(c, 4096),
		name:   "yamux " + c.RemoteAddr().String(),
	}
}

func (s *Stream) Name() string { return s.name }

// ReadMessage returns the next line. Lines longer than
// protocol.MaxMessageSize fail the connection.
func (s *Stream) ReadMessage(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = s.stream.SetReadDeadline(dl)
	} else {
		_ = s.stream.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = s.stream.SetReadDeadline(time.Now()) })
	defer stop()

	var line []byte
	for {
		chunk, isPrefix, err := s.reader.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, streamErr(err)
		}
		line = append(line, chunk...)
		if len(line) > protocol.MaxMessageSize {
			return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrClosed, protocol.MaxMessageSize)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func (s *Stream) WriteMessage(ctx context.Context, m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return s.writeLine(ctx, b)
}

func (s *Stream) writeLine(ctx context.Context, b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.stream.SetWriteDeadline(dl)
	} else {
		_ = s.stream.SetWriteDeadline(time.Time{})
	}
	if _, err := s.stream.Write(append(b, '\n')); err != nil {
		return streamErr(err)
	}
	return nil
}

// Close sends a final error line for code, if any, and closes the stream.
func (s *Stream) Close(code apperr.Code) error {
	var err error
	s.closeOnce.Do(func() {
		if code != "" {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = s.WriteMessage(ctx, protocol.CodeMessage("", code))
			cancel()
		}
		err = s.stream.Close()
	})
	return err
}

func streamErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, yamux.ErrStreamClosed) ||
		errors.Is(err, yamux.ErrSessionShutdown) || errors.Is(err, yamux.ErrConnectionReset) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

// FallbackServer accepts TCP connections, runs a yamux server session on
// each and hands every authenticated stream to a Handler.
type FallbackServer struct {
	Auth    AuthFunc
	Handler Handler
	Logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[*yamux.Session]struct{}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (fs *FallbackServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return fs.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or ln fails.
func (fs *FallbackServer) Serve(ctx context.Context, ln net.Listener) error {
	logger := fs.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("fallback")

	fs.mu.Lock()
	fs.listener = ln
	fs.sessions = make(map[*yamux.Session]struct{})
	fs.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
		fs.mu.Lock()
		for s := range fs.sessions {
			s.Close()
		}
		fs.mu.Unlock()
	}()

	logger.Info("fallback transport listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go fs.serveConn(ctx, conn, logger)
	}
}

func (fs *FallbackServer) serveConn(ctx context.Context, conn net.Conn, logger *zap.Logger) {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	session, err := yamux.Server(conn, cfg)
	if err != nil {
		logger.Warn("yamux server", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		conn.Close()
		return
	}

	fs.mu.Lock()
	fs.sessions[session] = struct{}{}
	fs.mu.Unlock()
	defer func() {
		fs.mu.Lock()
		delete(fs.sessions, session)
		fs.mu.Unlock()
		session.Close()
	}()

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			if !errors.Is(err, yamux.ErrSessionShutdown) && !errors.Is(err, io.EOF) {
				logger.Warn("accept stream", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}
		go fs.serveStream(ctx, stream, logger)
	}
}

func (fs *FallbackServer) serveStream(ctx context.Context, stream *yamux.Stream, logger *zap.Logger) {
	c := NewStream(stream)

	hctx, cancel := context.WithTimeout(ctx, helloTimeout)
	line, err := c.ReadMessage(hctx)
	cancel()
	if err != nil {
		c.Close("")
		return
	}
	var hello Hello
	if err := json.Unmarshal(line, &hello); err != nil {
		c.Close(apperr.CodeInvalidMessage)
		return
	}

	userID := ""
	if fs.Auth != nil {
		userID, err = fs.Auth(ctx, hello.Token)
		if err != nil {
			b, _ := json.Marshal(HelloReply{Code: apperr.CodeUnauthorized})
			_ = c.writeLine(ctx, b)
			c.Close("")
			return
		}
	}
	b, _ := json.Marshal(HelloReply{UserID: userID})
	if err := c.writeLine(ctx, b); err != nil {
		c.Close("")
		return
	}

	fs.Handler(ctx, userID, c)
}

// DialFallback connects to a fallback server, opens one stream and
// performs the hello exchange. Closing the returned Conn does not close
// the session; close both when done.
func DialFallback(ctx context.Context, addr, token string) (*yamux.Session, *Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	session, err := yamux.Client(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("yamux client: %w", err)
	}
	raw, err := session.OpenStream()
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("open stream: %w", err)
	}
	s := NewStream(raw)

	b, _ := json.Marshal(Hello{Token: token})
	if err := s.writeLine(ctx, b); err != nil {
		session.Close()
		return nil, nil, err
	}
	line, err := s.ReadMessage(ctx)
	if err != nil {
		session.Close()
		return nil, nil, err
	}
	var reply HelloReply
	if err := json.Unmarshal(line, &reply); err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("hello reply: %w", err)
	}
	if reply.Code != "" {
		session.Close()
		return nil, nil, apperr.New(reply.Code, "fallback hello rejected")
	}
	return session, s, nil
}
