package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/claworc/shellrelay/internal/apperr"
	"github.com/gluk-w/claworc/shellrelay/internal/shell"
	"github.com/gluk-w/claworc/shellrelay/internal/stream"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusActive means the shell process is running and accepts input.
	StatusActive Status = "active"
	// StatusPaused means the shell is being (re)spawned. Input is rejected.
	StatusPaused Status = "paused"
	// StatusTerminated means the session has ended for good.
	StatusTerminated Status = "terminated"
)

var (
	ErrSessionNotFound   = apperr.New(apperr.CodeSessionNotFound, "session not found")
	ErrSessionPaused     = apperr.New(apperr.CodeSessionPaused, "session is paused")
	ErrSessionTerminated = apperr.New(apperr.CodeSessionTerminated, "session is terminated")
)

// WriteError reports that the shell process did not accept input.
type WriteError struct {
	SessionID string
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to session %s: %v", e.SessionID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Code implements apperr.Coded.
func (e *WriteError) Code() apperr.Code { return apperr.CodeShellWriteFailed }

// Config describes a session to create.
type Config struct {
	Name    string
	Kind    shell.Kind
	Command []string
	WorkDir string
	Env     map[string]string
	Rows    uint16
	Cols    uint16
}

// Info is a point-in-time view of a session. It is also the record
// persisted through Store.SaveSession.
type Info struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Kind            shell.Kind        `json:"shellKind"`
	Command         []string          `json:"command,omitempty"`
	WorkDir         string            `json:"workingDirectory"`
	Env             map[string]string `json:"-"`
	Rows            uint16            `json:"rows"`
	Cols            uint16            `json:"cols"`
	Status          Status            `json:"status"`
	PID             int               `json:"pid,omitempty"`
	Attached        bool              `json:"attached"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastActivity    time.Time         `json:"lastActivity"`
	OutputSequence  uint64            `json:"outputSequence"`
	CommandSequence uint64            `json:"commandSequence"`
}

// CommandRecord is one command submitted to a session.
type CommandRecord struct {
	SessionID   string        `json:"sessionId"`
	Sequence    uint64        `json:"sequence"`
	Text        string        `json:"command"`
	Redacted    bool          `json:"redacted"`
	SubmittedAt time.Time     `json:"submittedAt"`
	Completed   bool          `json:"completed"`
	Duration    time.Duration `json:"durationNs,omitempty"`
	ExitCode    *int          `json:"exitCode,omitempty"`
}

// Store persists sessions, commands and output. Implementations must be
// safe for concurrent use.
type Store interface {
	stream.Store
	SaveSession(ctx context.Context, info Info) error
	SaveCommand(ctx context.Context, rec CommandRecord) error
	// LoadActiveSessions returns sessions whose last saved status is not
	// terminated, with OutputSequence and CommandSequence set to the
	// highest persisted values.
	LoadActiveSessions(ctx context.Context) ([]Info, error)
}

// Redactor filters secrets out of command text and output.
type Redactor interface {
	stream.Redactor
	Filter(text string) (string, bool)
}

// EventType names a lifecycle event.
type EventType string

const (
	// EventProcessExited is sent when a shell process dies on its own.
	EventProcessExited EventType = "process_exited"
	// EventTerminated is sent after a session has been torn down.
	EventTerminated EventType = "terminated"
)

// Event is a lifecycle notification for the connection layer.
type Event struct {
	Type      EventType
	SessionID string
	Exit      shell.ExitStatus
}

// generation is one shell process and the ingest loop reading it.
type generation struct {
	proc   shell.Process
	cancel context.CancelFunc
	done   chan struct{}
}

// Session is one shell session. Fields below mu are guarded by it; mu is
// never held across a write to the shell. Writers are serialized by
// writeGate instead, so a stalled write blocks only other writers.
type Session struct {
	id        string
	createdAt time.Time
	pipeline  *stream.Pipeline

	// lastActivity is unix nanos, updated from the output path without mu.
	lastActivity atomic.Int64
	attached     atomic.Bool

	writeGate chan struct{}

	mu           sync.Mutex
	cfg          Config
	kind         shell.Kind
	status       Status
	gen          *generation
	respawning   bool
	endedEmitted bool
	cmdSeq       uint64
	pending      *CommandRecord

	terminateOnce sync.Once
	terminated    chan struct{}
}

func newSession(id string, cfg Config, kind shell.Kind, createdAt time.Time) *Session {
	s := &Session{
		id:         id,
		cfg:        cfg,
		kind:       kind,
		createdAt:  createdAt,
		status:     StatusPaused,
		writeGate:  make(chan struct{}, 1),
		terminated: make(chan struct{}),
	}
	s.touch()
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity returns the time of the last input, output or attach.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Alive reports whether the current shell process is running.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != nil && s.gen.proc.Alive()
}

// ExitStatus returns the exit status of the current shell process, valid
// once Alive is false.
func (s *Session) ExitStatus() shell.ExitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == nil {
		return shell.ExitStatus{}
	}
	return s.gen.proc.ExitStatus()
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	info := Info{
		ID:              s.id,
		Name:            s.cfg.Name,
		Kind:            s.kind,
		Command:         s.cfg.Command,
		WorkDir:         s.cfg.WorkDir,
		Env:             s.cfg.Env,
		Rows:            s.cfg.Rows,
		Cols:            s.cfg.Cols,
		Status:          s.status,
		Attached:        s.attached.Load(),
		CreatedAt:       s.createdAt,
		LastActivity:    s.LastActivity(),
		OutputSequence:  s.pipeline.Sequence(),
		CommandSequence: s.cmdSeq,
	}
	if s.gen != nil && s.gen.proc.Alive() {
		info.PID = s.gen.proc.PID()
	}
	return info
}

func (s *Session) specLocked() shell.Spec {
	return shell.Spec{
		Kind:    s.kind,
		Command: s.cfg.Command,
		WorkDir: s.cfg.WorkDir,
		Env:     s.cfg.Env,
		Rows:    s.cfg.Rows,
		Cols:    s.cfg.Cols,
	}
}

// acquireWrite takes the session's write slot. It gives up when ctx ends
// or the session is torn down.
func (s *Session) acquireWrite(ctx context.Context) error {
	select {
	case s.writeGate <- struct{}{}:
		return nil
	case <-s.terminated:
		return ErrSessionTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) releaseWrite() { <-s.writeGate }

// writable returns the process to write to and its kind.
func (s *Session) writable() (shell.Process, shell.Kind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, err := s.writableLocked()
	return proc, s.kind, err
}

// writableLocked returns the process to write to, or why there is none.
func (s *Session) writableLocked() (shell.Process, error) {
	switch s.status {
	case StatusTerminated:
		return nil, ErrSessionTerminated
	case StatusPaused:
		return nil, ErrSessionPaused
	}
	if s.gen == nil {
		return nil, ErrSessionPaused
	}
	return s.gen.proc, nil
}

// emitEndedLocked appends the process_ended chunk for the current
// generation once. It returns the command it completed, if any.
func (s *Session) emitEndedLocked(st shell.ExitStatus) *CommandRecord {
	if s.endedEmitted {
		return nil
	}
	s.endedEmitted = true
	s.pipeline.Emit(stream.ChunkProcessEnded, nil, st.Code)
	return s.completePendingLocked(time.Now(), &st)
}

// completePendingLocked marks the last submitted command complete and
// returns it for saving, or nil.
func (s *Session) completePendingLocked(now time.Time, st *shell.ExitStatus) *CommandRecord {
	if s.pending == nil {
		return nil
	}
	rec := s.pending
	s.pending = nil
	rec.Completed = true
	rec.Duration = now.Sub(rec.SubmittedAt)
	if st != nil && st.Exited {
		code := st.Code
		rec.ExitCode = &code
	}
	return rec
}

// lineTerminator is what a shell of kind expects after a command.
func lineTerminator(kind shell.Kind) string {
	if kind == shell.KindWindowsConsole {
		return "\r\n"
	}
	return "\n"
}
