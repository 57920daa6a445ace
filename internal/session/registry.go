package session

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gluk-w/claworc/shellrelay/internal/logging"
	"github.com/gluk-w/claworc/shellrelay/internal/metrics"
	"github.com/gluk-w/claworc/shellrelay/internal/shell"
	"github.com/gluk-w/claworc/shellrelay/internal/stream"
)

// Defaults for Options fields left zero.
const (
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultTerminateGrace = 3 * time.Second

	eventBuffer = 256
	saveTimeout = 5 * time.Second
)

// restartBanner is written into the stream when a shell is respawned.
var restartBanner = []byte("\r\n[process restarted]\r\n")

// Spawner starts shell processes. *shell.Launcher implements it.
type Spawner interface {
	Spawn(ctx context.Context, spec shell.Spec) (shell.Process, error)
	HostDefault() shell.Kind
}

// Options configures a Registry.
type Options struct {
	Spawner  Spawner
	Store    Store
	Redactor Redactor
	Stream   stream.Config
	// IdleTimeout is how long a detached session may go without activity
	// before CleanupIdle terminates it. Negative disables the sweep.
	IdleTimeout    time.Duration
	TerminateGrace time.Duration
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// Registry owns every live session. It is passed by reference to the
// components that need it; there is no package-level session map.
type Registry struct {
	spawner     Spawner
	store       Store
	redactor    Redactor
	streamCfg   stream.Config
	idleTimeout time.Duration
	grace       time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	// tombstones remembers recently terminated IDs so repeated Terminate
	// calls succeed and input gets session_terminated.
	tombstones map[string]time.Time

	events chan Event
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idle := opts.IdleTimeout
	if idle == 0 {
		idle = DefaultIdleTimeout
	}
	grace := opts.TerminateGrace
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	return &Registry{
		spawner:     opts.Spawner,
		store:       opts.Store,
		redactor:    opts.Redactor,
		streamCfg:   opts.Stream,
		idleTimeout: idle,
		grace:       grace,
		metrics:     opts.Metrics,
		logger:      logger.Named("session"),
		sessions:    make(map[string]*Session),
		tombstones:  make(map[string]time.Time),
		events:      make(chan Event, eventBuffer),
	}
}

// Events delivers lifecycle events. Events are dropped when the buffer
// is full.
func (r *Registry) Events() <-chan Event { return r.events }

func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("event dropped", zap.String("type", string(ev.Type)), zap.String("session_id", ev.SessionID))
	}
}

// Create spawns a shell and registers a new session for it. When the
// requested kind is unavailable the host default kind is used instead and
// reported in the returned session's Info. A spawn failure leaves nothing
// registered.
func (r *Registry) Create(ctx context.Context, cfg Config) (*Session, error) {
	cfg.Rows, cfg.Cols = shell.ClampSize(cfg.Rows, cfg.Cols)
	if cfg.WorkDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.WorkDir = home
		}
	}
	cfg.Name = strings.TrimSpace(cfg.Name)

	kind := cfg.Kind
	if kind == "" {
		kind = r.spawner.HostDefault()
	}
	proc, err := r.spawn(ctx, shell.Spec{
		Kind:    kind,
		Command: cfg.Command,
		WorkDir: cfg.WorkDir,
		Env:     cfg.Env,
		Rows:    cfg.Rows,
		Cols:    cfg.Cols,
	})
	if err != nil {
		return nil, err
	}

	if proc.Kind() != kind {
		cfg.Command = nil
	}
	id := uuid.New().String()
	if cfg.Name == "" {
		cfg.Name = "shell-" + id[:8]
	}
	s := newSession(id, cfg, proc.Kind(), time.Now())
	s.pipeline = r.newPipeline(s, 0)

	s.mu.Lock()
	s.status = StatusActive
	s.gen = r.startIngest(s, proc)
	info := s.infoLocked()
	s.mu.Unlock()

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.saveSession(info)
	r.metrics.SessionCreated(string(info.Kind), false)
	r.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("name", logging.Sanitize(cfg.Name)),
		zap.String("kind", string(info.Kind)),
		zap.Int("pid", proc.PID()))
	return s, nil
}

// spawn starts a process of spec.Kind, falling back to the host default
// kind when that one is unavailable.
func (r *Registry) spawn(ctx context.Context, spec shell.Spec) (shell.Process, error) {
	proc, err := r.spawner.Spawn(ctx, spec)
	if err == nil || !errors.Is(err, shell.ErrShellUnavailable) {
		return proc, err
	}
	fallback := r.spawner.HostDefault()
	if fallback == spec.Kind {
		return nil, err
	}
	r.logger.Warn("shell kind unavailable, using host default",
		zap.String("requested", string(spec.Kind)),
		zap.String("kind", string(fallback)),
		zap.Error(err))
	spec.Kind = fallback
	// The requested command belonged to the unavailable kind.
	spec.Command = nil
	return r.spawner.Spawn(ctx, spec)
}

func (r *Registry) newPipeline(s *Session, startSeq uint64) *stream.Pipeline {
	var st stream.Store
	if r.store != nil {
		st = r.store
	}
	var red stream.Redactor
	if r.redactor != nil {
		red = r.redactor
	}
	return stream.New(s.id, stream.Options{
		Config:        r.streamCfg,
		Redactor:      red,
		Store:         st,
		Logger:        r.logger,
		StartSequence: startSeq,
		OnChunk: func(c stream.Chunk) {
			s.touch()
			r.metrics.RecordChunk(string(c.Kind), len(c.Data), c.Redacted)
		},
	})
}

// startIngest runs the pipeline over proc until the process ends or the
// generation is cancelled. Called with s.mu held.
func (r *Registry) startIngest(s *Session, proc shell.Process) *generation {
	ctx, cancel := context.WithCancel(context.Background())
	g := &generation{proc: proc, cancel: cancel, done: make(chan struct{})}
	s.endedEmitted = false

	go func() {
		defer close(g.done)
		err := s.pipeline.Run(ctx, proc)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Debug("ingest ended", zap.String("session_id", s.id), zap.Error(err))
		}
		select {
		case <-proc.Done():
		case <-ctx.Done():
			return
		}

		st := proc.ExitStatus()
		s.mu.Lock()
		if s.gen != g || s.status == StatusTerminated {
			s.mu.Unlock()
			return
		}
		rec := s.emitEndedLocked(st)
		s.mu.Unlock()
		r.saveCommand(rec)

		r.logger.Info("shell process exited",
			zap.String("session_id", s.id),
			zap.Int("pid", proc.PID()),
			zap.Int("exit_code", st.Code),
			zap.Bool("signaled", st.Signaled))
		r.emit(Event{Type: EventProcessExited, SessionID: s.id, Exit: st})
	}()
	return g
}

// lookup returns the live session for id, ErrSessionTerminated for a
// recently terminated one, or ErrSessionNotFound.
func (r *Registry) lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if _, ok := r.tombstones[id]; ok {
		return nil, ErrSessionTerminated
	}
	return nil, ErrSessionNotFound
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns snapshots of all live sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Execute writes text as one command line and records it. The command
// sequence is assigned only after the write succeeds, so failed writes
// never consume a number.
func (r *Registry) Execute(ctx context.Context, id, text string) (CommandRecord, error) {
	s, err := r.lookup(id)
	if err != nil {
		return CommandRecord{}, err
	}

	if err := s.acquireWrite(ctx); err != nil {
		return CommandRecord{}, err
	}
	defer s.releaseWrite()

	proc, kind, err := s.writable()
	if err != nil {
		return CommandRecord{}, err
	}
	line := strings.TrimRight(text, "\r\n") + lineTerminator(kind)
	if _, err := proc.Write([]byte(line)); err != nil {
		return CommandRecord{}, &WriteError{SessionID: id, Err: err}
	}

	s.mu.Lock()
	now := time.Now()
	prev := s.completePendingLocked(now, nil)
	s.cmdSeq++
	rec := CommandRecord{
		SessionID:   id,
		Sequence:    s.cmdSeq,
		Text:        strings.TrimRight(text, "\r\n"),
		SubmittedAt: now,
	}
	if r.redactor != nil {
		rec.Text, rec.Redacted = r.redactor.Filter(rec.Text)
	}
	pending := rec
	s.pending = &pending
	s.touch()
	s.mu.Unlock()

	r.saveCommand(prev)
	r.saveCommand(&rec)
	r.metrics.RecordCommand(rec.Redacted)
	return rec, nil
}

// Input writes raw keystrokes to the shell without recording a command.
func (r *Registry) Input(ctx context.Context, id string, raw []byte) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := s.acquireWrite(ctx); err != nil {
		return err
	}
	defer s.releaseWrite()

	proc, _, err := s.writable()
	if err != nil {
		return err
	}
	if _, err := proc.Write(raw); err != nil {
		return &WriteError{SessionID: id, Err: err}
	}
	s.touch()
	return nil
}

// Resize changes the terminal geometry. Dimensions are clamped and kept
// for respawns.
func (r *Registry) Resize(ctx context.Context, id string, rows, cols uint16) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	rows, cols = shell.ClampSize(rows, cols)

	s.mu.Lock()
	defer s.mu.Unlock()
	proc, err := s.writableLocked()
	if err != nil {
		return err
	}
	if err := proc.Resize(rows, cols); err != nil {
		return &WriteError{SessionID: id, Err: err}
	}
	s.cfg.Rows, s.cfg.Cols = rows, cols
	return nil
}

// Subscribe returns a cursor over the session's output after sequence
// after.
func (r *Registry) Subscribe(id string, after uint64) (*stream.Subscription, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.pipeline.Subscribe(after), nil
}

// SetAttached records whether a client is bound to the session.
func (r *Registry) SetAttached(id string, attached bool) {
	s, err := r.lookup(id)
	if err != nil {
		return
	}
	s.attached.Store(attached)
	s.touch()
}

// Terminate ends the session. It is idempotent and safe to call
// concurrently; every caller returns after the single teardown finished.
func (r *Registry) Terminate(ctx context.Context, id string) error {
	return r.terminate(ctx, id, "user")
}

func (r *Registry) terminate(ctx context.Context, id, reason string) error {
	s, err := r.lookup(id)
	if errors.Is(err, ErrSessionTerminated) {
		return nil
	}
	if err != nil {
		return err
	}
	s.terminateOnce.Do(func() {
		go r.teardown(s, reason, true)
	})
	select {
	case <-s.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown stops the process and the pipeline. When final is false the
// session is kept active in the store so Restore brings it back.
func (r *Registry) teardown(s *Session, reason string, final bool) {
	defer close(s.terminated)

	s.mu.Lock()
	s.status = StatusTerminated
	g := s.gen
	s.mu.Unlock()

	var st shell.ExitStatus
	if g != nil {
		g.cancel()
		if err := g.proc.Terminate(r.grace); err != nil {
			r.logger.Warn("terminate shell process", zap.String("session_id", s.id), zap.Error(err))
		}
		<-g.done
		st = g.proc.ExitStatus()
	}

	s.mu.Lock()
	var rec *CommandRecord
	if g != nil {
		rec = s.emitEndedLocked(st)
	}
	s.mu.Unlock()
	r.saveCommand(rec)
	s.pipeline.Close()

	s.mu.Lock()
	info := s.infoLocked()
	s.mu.Unlock()
	if !final {
		info.Status = StatusActive
	}
	r.saveSession(info)

	r.mu.Lock()
	delete(r.sessions, s.id)
	r.tombstones[s.id] = time.Now()
	r.mu.Unlock()

	r.metrics.SessionTerminated(reason)
	r.logger.Info("session terminated",
		zap.String("session_id", s.id),
		zap.String("reason", reason))
	r.emit(Event{Type: EventTerminated, SessionID: s.id, Exit: st})
}

// TerminateWithReason is Terminate with a reason for logs and metrics,
// used by the recovery and idle paths.
func (r *Registry) TerminateWithReason(ctx context.Context, id, reason string) error {
	return r.terminate(ctx, id, reason)
}

// Respawn replaces the session's shell process with a new one started
// from the original configuration. The output sequence continues and a
// process_restarted chunk marks the switch.
func (r *Registry) Respawn(ctx context.Context, id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.status == StatusTerminated {
		s.mu.Unlock()
		return ErrSessionTerminated
	}
	if s.respawning {
		s.mu.Unlock()
		return ErrSessionPaused
	}
	s.respawning = true
	s.status = StatusPaused
	old := s.gen
	s.mu.Unlock()

	if old != nil {
		old.cancel()
		_ = old.proc.Terminate(r.grace)
		<-old.done
	}

	s.mu.Lock()
	var rec *CommandRecord
	if old != nil {
		rec = s.emitEndedLocked(old.proc.ExitStatus())
	}
	spec := s.specLocked()
	s.mu.Unlock()
	r.saveCommand(rec)

	proc, err := r.spawn(ctx, spec)

	s.mu.Lock()
	s.respawning = false
	if err != nil {
		s.mu.Unlock()
		r.logger.Warn("respawn failed", zap.String("session_id", id), zap.Error(err))
		return err
	}
	if s.status == StatusTerminated {
		s.mu.Unlock()
		_ = proc.Terminate(r.grace)
		return ErrSessionTerminated
	}
	if proc.Kind() != s.kind {
		s.kind = proc.Kind()
		s.cfg.Command = nil
	}
	s.pipeline.Emit(stream.ChunkProcessRestarted, restartBanner, 0)
	s.gen = r.startIngest(s, proc)
	s.status = StatusActive
	info := s.infoLocked()
	s.mu.Unlock()

	r.saveSession(info)
	r.logger.Info("shell respawned",
		zap.String("session_id", id),
		zap.Int("pid", proc.PID()),
		zap.String("dir", spec.WorkDir))
	return nil
}

// CleanupIdle terminates detached sessions idle for longer than the idle
// timeout and forgets old tombstones. It returns how many sessions it
// terminated.
func (r *Registry) CleanupIdle(ctx context.Context, now time.Time) int {
	if r.idleTimeout < 0 {
		return 0
	}
	cutoff := now.Add(-r.idleTimeout)

	r.mu.Lock()
	var idle []string
	for id, s := range r.sessions {
		if !s.attached.Load() && s.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	for id, at := range r.tombstones {
		if at.Before(cutoff) {
			delete(r.tombstones, id)
		}
	}
	r.mu.Unlock()

	for _, id := range idle {
		r.logger.Info("cleaning up idle session", zap.String("session_id", id))
		if err := r.terminate(ctx, id, "idle"); err != nil {
			r.logger.Warn("idle cleanup", zap.String("session_id", id), zap.Error(err))
		}
	}
	return len(idle)
}

// Restore re-registers sessions that were active when the process last
// stopped and starts a fresh shell for each. Returns how many sessions
// came back.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	infos, err := r.store.LoadActiveSessions(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, info := range infos {
		r.mu.RLock()
		_, exists := r.sessions[info.ID]
		r.mu.RUnlock()
		if exists {
			continue
		}

		cfg := Config{
			Name:    info.Name,
			Kind:    info.Kind,
			Command: info.Command,
			WorkDir: info.WorkDir,
			Env:     info.Env,
			Rows:    info.Rows,
			Cols:    info.Cols,
		}
		cfg.Rows, cfg.Cols = shell.ClampSize(cfg.Rows, cfg.Cols)
		s := newSession(info.ID, cfg, info.Kind, info.CreatedAt)
		s.cmdSeq = info.CommandSequence
		s.pipeline = r.newPipeline(s, info.OutputSequence)

		r.mu.Lock()
		r.sessions[info.ID] = s
		r.mu.Unlock()
		r.metrics.SessionCreated(string(info.Kind), true)

		if err := r.Respawn(ctx, info.ID); err != nil {
			r.logger.Warn("restore session failed",
				zap.String("session_id", info.ID), zap.Error(err))
			_ = r.terminate(ctx, info.ID, "restore_failed")
			continue
		}
		restored++
		r.logger.Info("session restored",
			zap.String("session_id", info.ID),
			zap.Uint64("sequence", info.OutputSequence))
	}
	return restored, nil
}

// Shutdown stops every session's process and flushes its output. The
// sessions stay active in the store so the next start restores them.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.terminateOnce.Do(func() { go r.teardown(s, "shutdown", false) })
			select {
			case <-s.terminated:
			case <-ctx.Done():
			}
		}(s)
	}
	wg.Wait()
}

func (r *Registry) saveSession(info Info) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.store.SaveSession(ctx, info); err != nil {
		r.metrics.IncPersistErrors()
		r.logger.Warn("save session failed", zap.String("session_id", info.ID), zap.Error(err))
	}
}

func (r *Registry) saveCommand(rec *CommandRecord) {
	if r.store == nil || rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.store.SaveCommand(ctx, *rec); err != nil {
		r.metrics.IncPersistErrors()
		r.logger.Warn("save command failed",
			zap.String("session_id", rec.SessionID),
			zap.Uint64("sequence", rec.Sequence),
			zap.Error(err))
	}
}
