// Package connection binds client transports to sessions and keeps
// sessions healthy.
//
// A connection attaches to one session at a time. Attaching replays
// output after the client's last seen sequence and then streams live
// output. A session has at most one binding: attaching from a second
// connection closes the first with a superseded error and leaves the
// session and its process untouched. Losing a transport only detaches.
//
// The Manager also recovers sessions whose shell died: it respawns the
// process up to MaxRecoveries times, and terminates the session when the
// shell exited cleanly or the budget is spent. A shell that stays up for
// RecoveryWindow after its last recovery gets the full budget back.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gluk-w/claworc/shellrelay/internal/apperr"
	"github.com/gluk-w/claworc/shellrelay/internal/metrics"
	"github.com/gluk-w/claworc/shellrelay/internal/protocol"
	"github.com/gluk-w/claworc/shellrelay/internal/session"
	"github.com/gluk-w/claworc/shellrelay/internal/shell"
	"github.com/gluk-w/claworc/shellrelay/internal/stream"
	"github.com/gluk-w/claworc/shellrelay/internal/transport"
)

// State is the connection state of a session.
type State string

const (
	StateDetached   State = "detached"
	StateAttaching  State = "attaching"
	StateAttached   State = "attached"
	StateRecovering State = "recovering"
)

// Defaults for Options fields left zero.
const (
	DefaultMaxRecoveries  = 3
	DefaultRecoveryWindow = 10 * time.Minute
	// DefaultRateLimit is messages per second per connection; the burst
	// absorbs pastes.
	DefaultRateLimit = 200
	DefaultRateBurst = 200

	writeTimeout = 10 * time.Second
)

// ErrRecoveryExhausted is returned when a session has used its recovery
// budget.
var ErrRecoveryExhausted = errors.New("recovery budget exhausted")

var errNotAttached = fmt.Errorf("%w: attach to the session first", protocol.ErrInvalid)

// Options configures a Manager.
type Options struct {
	Registry       *session.Registry
	MaxRecoveries  int
	RecoveryWindow time.Duration
	RateLimit      rate.Limit
	RateBurst      int
	// DefaultKind is used by create messages that name no shell kind.
	DefaultKind shell.Kind
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

type binding struct {
	sessionID string
	conn      transport.Conn
	cancel    context.CancelFunc
	done      chan struct{}

	mu    sync.Mutex
	state State
}

func (b *binding) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *binding) getState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

type recovery struct {
	attempts   int
	inProgress bool
	lastAt     time.Time
}

// Manager owns connection bindings and session recovery.
type Manager struct {
	reg            *session.Registry
	maxRecoveries  int
	recoveryWindow time.Duration
	now            func() time.Time
	rateLimit      rate.Limit
	rateBurst      int
	defaultKind    shell.Kind
	metrics        *metrics.Metrics
	logger         *zap.Logger

	mu         sync.Mutex
	bindings   map[string]*binding
	recoveries map[string]*recovery
}

// NewManager returns a Manager for reg.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		reg:            opts.Registry,
		maxRecoveries:  opts.MaxRecoveries,
		recoveryWindow: opts.RecoveryWindow,
		now:            time.Now,
		rateLimit:      opts.RateLimit,
		rateBurst:      opts.RateBurst,
		defaultKind:    opts.DefaultKind,
		metrics:        opts.Metrics,
		logger:         logger.Named("connection"),
		bindings:       make(map[string]*binding),
		recoveries:     make(map[string]*recovery),
	}
	if m.maxRecoveries <= 0 {
		m.maxRecoveries = DefaultMaxRecoveries
	}
	if m.recoveryWindow <= 0 {
		m.recoveryWindow = DefaultRecoveryWindow
	}
	if m.rateLimit <= 0 {
		m.rateLimit = DefaultRateLimit
	}
	if m.rateBurst <= 0 {
		m.rateBurst = DefaultRateBurst
	}
	return m
}

// State returns the connection state of a session.
func (m *Manager) State(sessionID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.recoveries[sessionID]; r != nil && r.inProgress {
		return StateRecovering
	}
	if b := m.bindings[sessionID]; b != nil {
		return b.getState()
	}
	return StateDetached
}

// Serve runs one client connection until the transport fails or ctx is
// done. The connection must attach (or create) before anything else.
// Transport failures only detach; the session keeps running.
func (m *Manager) Serve(ctx context.Context, userID string, conn transport.Conn) error {
	return m.serve(ctx, userID, conn, nil)
}

// ServeSession is Serve for a connection that was opened for one session:
// it attaches to sessionID after sequence after before reading anything.
func (m *Manager) ServeSession(ctx context.Context, userID string, conn transport.Conn, sessionID string, after uint64) error {
	return m.serve(ctx, userID, conn, &protocol.Message{
		Type:             protocol.TypeAttach,
		SessionID:        sessionID,
		LastSeenSequence: &after,
	})
}

func (m *Manager) serve(ctx context.Context, userID string, conn transport.Conn, initial *protocol.Message) error {
	m.metrics.IncConnections()
	defer m.metrics.DecConnections()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := m.logger.With(zap.String("user", userID), zap.String("conn", conn.Name()))
	log.Debug("connection opened")

	limiter := rate.NewLimiter(m.rateLimit, m.rateBurst)
	var bound *binding
	defer func() {
		if bound != nil {
			m.unbind(bound)
		}
		log.Debug("connection closed")
	}()

	next := initial
	for {
		var msg protocol.Message
		if next != nil {
			msg, next = *next, nil
		} else {
			raw, err := conn.ReadMessage(ctx)
			if err != nil {
				if transport.IsClosed(err) || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read from %s: %w", conn.Name(), err)
			}
			if !limiter.Allow() {
				m.send(ctx, conn, protocol.CodeMessage("", apperr.CodeRateLimited))
				continue
			}
			msg, err = protocol.Decode(raw)
			if err != nil {
				log.Debug("invalid message", zap.Error(err))
				m.send(ctx, conn, protocol.ErrorMessage("", err))
				continue
			}
			m.metrics.RecordMessage("in", string(msg.Type))
		}

		switch msg.Type {
		case protocol.TypePing:
			m.send(ctx, conn, protocol.Message{Type: protocol.TypePong})

		case protocol.TypeCreate:
			s, err := m.reg.Create(ctx, m.createConfig(msg))
			if err != nil {
				log.Warn("create session", zap.Error(err))
				m.send(ctx, conn, protocol.ErrorMessage("", err))
				continue
			}
			log.Info("session created over connection", zap.String("session_id", s.ID()))
			b, err := m.attach(ctx, conn, s.ID(), 0, bound)
			if err != nil {
				m.send(ctx, conn, protocol.ErrorMessage(s.ID(), err))
				continue
			}
			bound = b

		case protocol.TypeAttach:
			var after uint64
			if msg.LastSeenSequence != nil {
				after = *msg.LastSeenSequence
			}
			b, err := m.attach(ctx, conn, msg.SessionID, after, bound)
			if err != nil {
				m.send(ctx, conn, protocol.ErrorMessage(msg.SessionID, err))
				continue
			}
			bound = b

		case protocol.TypeDetach:
			if bound != nil && bound.sessionID == msg.SessionID {
				m.unbind(bound)
				bound = nil
			}

		default:
			if bound == nil || bound.sessionID != msg.SessionID {
				m.send(ctx, conn, protocol.ErrorMessage(msg.SessionID, errNotAttached))
				continue
			}
			m.handleSessionMessage(ctx, conn, msg)
		}
	}
}

func (m *Manager) createConfig(msg protocol.Message) session.Config {
	kind := m.defaultKind
	if msg.ShellKind != "" {
		if k, err := shell.ParseKind(msg.ShellKind); err == nil {
			kind = k
		}
	}
	return session.Config{
		Name:    msg.Name,
		Kind:    kind,
		WorkDir: msg.WorkingDirectory,
		Env:     msg.Env,
		Rows:    msg.Rows,
		Cols:    msg.Cols,
	}
}

func (m *Manager) handleSessionMessage(ctx context.Context, conn transport.Conn, msg protocol.Message) {
	id := msg.SessionID
	switch msg.Type {
	case protocol.TypeExecuteCommand:
		rec, err := m.execute(ctx, id, msg.Command)
		if err != nil {
			m.send(ctx, conn, protocol.ErrorMessage(id, err))
			return
		}
		m.send(ctx, conn, protocol.Message{
			Type:            protocol.TypeCommandAccepted,
			SessionID:       id,
			CommandSequence: rec.Sequence,
		})

	case protocol.TypeInput:
		err := m.reg.Input(ctx, id, msg.Data)
		var werr *session.WriteError
		if errors.As(err, &werr) {
			go m.recoverOrTerminate(context.WithoutCancel(ctx), id, true)
		}
		if err != nil {
			m.send(ctx, conn, protocol.ErrorMessage(id, err))
		}

	case protocol.TypeResize:
		if err := m.reg.Resize(ctx, id, msg.Rows, msg.Cols); err != nil {
			m.send(ctx, conn, protocol.ErrorMessage(id, err))
		}
	}
}

// Execute runs a command on behalf of a caller that holds no binding,
// such as the HTTP API, with the same recovery as attached clients.
func (m *Manager) Execute(ctx context.Context, id, text string) (session.CommandRecord, error) {
	return m.execute(ctx, id, text)
}

// execute runs a command. A shell write failure triggers one recovery and
// a single retry; if that fails too the session is terminated.
func (m *Manager) execute(ctx context.Context, id, text string) (session.CommandRecord, error) {
	rec, err := m.reg.Execute(ctx, id, text)
	var werr *session.WriteError
	if !errors.As(err, &werr) {
		return rec, err
	}

	m.logger.Warn("shell write failed, recovering", zap.String("session_id", id), zap.Error(err))
	if rerr := m.recover(ctx, id, true); rerr == nil {
		rec, err = m.reg.Execute(ctx, id, text)
		if err == nil {
			return rec, nil
		}
	} else {
		m.logger.Warn("recovery after write failure", zap.String("session_id", id), zap.Error(rerr))
	}
	_ = m.reg.TerminateWithReason(context.WithoutCancel(ctx), id, "write_failed")
	return session.CommandRecord{}, werr
}

// attach binds conn to a session, replacing any existing binding, and
// starts delivering output after sequence after.
func (m *Manager) attach(ctx context.Context, conn transport.Conn, id string, after uint64, prev *binding) (*binding, error) {
	s, err := m.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		m.unbind(prev)
	}
	sub, err := m.reg.Subscribe(id, after)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithCancel(ctx)
	b := &binding{sessionID: id, conn: conn, cancel: cancel, done: make(chan struct{}), state: StateAttaching}

	m.mu.Lock()
	old := m.bindings[id]
	m.bindings[id] = b
	m.mu.Unlock()
	if old != nil {
		m.logger.Info("binding superseded", zap.String("session_id", id), zap.String("old", old.conn.Name()))
		old.cancel()
		_ = old.conn.Close(apperr.CodeSuperseded)
	}
	m.reg.SetAttached(id, true)

	info := s.Info()
	if err := m.write(ctx, conn, protocol.Message{
		Type:      protocol.TypeSessionInfo,
		SessionID: id,
		ShellKind: string(info.Kind),
		Status:    string(info.Status),
		Name:      info.Name,
		Sequence:  info.OutputSequence,
	}); err != nil {
		close(b.done)
		m.unbind(b)
		return nil, err
	}
	b.setState(StateAttached)

	go m.deliver(dctx, b, sub)
	m.logger.Info("attached",
		zap.String("session_id", id),
		zap.String("conn", conn.Name()),
		zap.Uint64("after", after))
	return b, nil
}

// unbind removes b if it is still the session's binding and waits for
// its delivery to stop, so the connection can be reused.
func (m *Manager) unbind(b *binding) {
	b.cancel()
	<-b.done
	m.mu.Lock()
	current := m.bindings[b.sessionID] == b
	if current {
		delete(m.bindings, b.sessionID)
	}
	m.mu.Unlock()
	if current {
		m.reg.SetAttached(b.sessionID, false)
	}
	b.setState(StateDetached)
}

// deliver streams chunks to the binding's transport until the
// subscription ends or the binding is cancelled. Cancelling the binding
// stops delivery between chunks; a write in flight is left to finish,
// since an interrupted websocket write tears down the connection.
func (m *Manager) deliver(ctx context.Context, b *binding, sub *stream.Subscription) {
	defer close(b.done)
	wctx := context.WithoutCancel(ctx)
	for {
		c, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrClosed) {
				m.send(wctx, b.conn, protocol.CodeMessage(b.sessionID, apperr.CodeSessionTerminated))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err := m.write(wctx, b.conn, chunkMessage(b.sessionID, c)); err != nil {
			if ctx.Err() == nil {
				m.logger.Debug("delivery failed, detaching",
					zap.String("session_id", b.sessionID), zap.Error(err))
				_ = b.conn.Close("")
			}
			return
		}
	}
}

func chunkMessage(id string, c stream.Chunk) protocol.Message {
	ts := c.Timestamp
	m := protocol.Message{SessionID: id, Sequence: c.Sequence, Timestamp: &ts}
	switch c.Kind {
	case stream.ChunkProcessEnded:
		code := c.ExitCode
		m.Type = protocol.TypeProcessEnded
		m.ExitCode = &code
	case stream.ChunkProcessRestarted:
		m.Type = protocol.TypeProcessRestart
		m.Data = c.Data
	default:
		m.Type = protocol.TypeOutput
		m.Data = c.Data
	}
	return m
}

func (m *Manager) write(ctx context.Context, conn transport.Conn, msg protocol.Message) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.WriteMessage(wctx, msg); err != nil {
		return err
	}
	m.metrics.RecordMessage("out", string(msg.Type))
	return nil
}

// send writes msg and ignores failures; a broken transport surfaces on
// the next read.
func (m *Manager) send(ctx context.Context, conn transport.Conn, msg protocol.Message) {
	_ = m.write(ctx, conn, msg)
}

// CloseAll detaches every connection with a normal close so clients
// reattach later. Call it before shutting the registry down.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		all = append(all, b)
	}
	m.mu.Unlock()
	for _, b := range all {
		b.cancel()
		_ = b.conn.Close("")
		<-b.done
	}
}
