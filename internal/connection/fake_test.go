package connection

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gluk-w/claworc/shellrelay/internal/apperr"
	"github.com/gluk-w/claworc/shellrelay/internal/protocol"
	"github.com/gluk-w/claworc/shellrelay/internal/shell"
	"github.com/gluk-w/claworc/shellrelay/internal/transport"
)

// pipeConn is an in-memory transport. The test plays the client through
// send and next.
type pipeConn struct {
	name   string
	in     chan []byte
	out    chan protocol.Message
	closed chan struct{}

	// closeOnCancel makes a write interrupted by its context close the
	// connection, as a websocket does.
	closeOnCancel bool

	once sync.Once
	mu   sync.Mutex
	code apperr.Code
}

func newPipeConn(name string) *pipeConn {
	return &pipeConn{
		name:   name,
		in:     make(chan []byte, 64),
		out:    make(chan protocol.Message, 1024),
		closed: make(chan struct{}),
	}
}

// newStrictConn returns a pipeConn whose writes block until the test
// reads them and whose interrupted writes close the connection.
func newStrictConn(name string) *pipeConn {
	c := newPipeConn(name)
	c.out = make(chan protocol.Message)
	c.closeOnCancel = true
	return c
}

func (c *pipeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *pipeConn) Name() string { return c.name }

func (c *pipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) WriteMessage(ctx context.Context, m protocol.Message) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	select {
	case c.out <- m:
		return nil
	case <-c.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		if c.closeOnCancel {
			_ = c.Close("")
		}
		return ctx.Err()
	}
}

func (c *pipeConn) Close(code apperr.Code) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.code = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *pipeConn) closeCode() apperr.Code {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *pipeConn) send(t *testing.T, m protocol.Message) {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	c.in <- b
}

// next returns the next message the server sent.
func (c *pipeConn) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-c.out:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message from server")
		return protocol.Message{}
	}
}

// until reads messages until match returns true and returns all of them.
func (c *pipeConn) until(t *testing.T, match func(protocol.Message) bool) []protocol.Message {
	t.Helper()
	var got []protocol.Message
	for {
		m := c.next(t)
		got = append(got, m)
		if match(m) {
			return got
		}
	}
}

func ofType(typ protocol.Type) func(protocol.Message) bool {
	return func(m protocol.Message) bool { return m.Type == typ }
}

// echoProc is an in-memory shell that prints back whatever it is sent.
type echoProc struct {
	pid  int
	spec shell.Spec
	r    *io.PipeReader
	w    *io.PipeWriter
	done chan struct{}

	mu       sync.Mutex
	exited   bool
	status   shell.ExitStatus
	failNext error
}

func (p *echoProc) PID() int         { return p.pid }
func (p *echoProc) Kind() shell.Kind { return p.spec.Kind }

func (p *echoProc) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *echoProc) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return 0, shell.ErrProcessExited
	}
	if err := p.failNext; err != nil {
		p.failNext = nil
		p.mu.Unlock()
		return 0, err
	}
	p.mu.Unlock()
	out := append([]byte(nil), b...)
	go func() { _, _ = p.w.Write(out) }()
	return len(b), nil
}

func (p *echoProc) Resize(uint16, uint16) error { return nil }

func (p *echoProc) exit(st shell.ExitStatus) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.status = st
	p.mu.Unlock()
	p.w.Close()
	close(p.done)
}

func (p *echoProc) kill() { p.exit(shell.ExitStatus{Code: -1, Signaled: true}) }

func (p *echoProc) Terminate(time.Duration) error {
	p.kill()
	return nil
}

func (p *echoProc) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *echoProc) Done() <-chan struct{} { return p.done }

func (p *echoProc) ExitStatus() shell.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *echoProc) failNextWrite(err error) {
	p.mu.Lock()
	p.failNext = err
	p.mu.Unlock()
}

// echoBackend starts echoProcs and remembers them.
type echoBackend struct {
	mu    sync.Mutex
	procs []*echoProc
}

func (b *echoBackend) Available() error { return nil }

func (b *echoBackend) Start(_ context.Context, spec shell.Spec) (shell.Process, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, w := io.Pipe()
	p := &echoProc{pid: 2000 + len(b.procs), spec: spec, r: r, w: w, done: make(chan struct{})}
	b.procs = append(b.procs, p)
	return p, nil
}

func (b *echoBackend) last() *echoProc {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.procs[len(b.procs)-1]
}

func (b *echoBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.procs)
}
