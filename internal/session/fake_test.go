package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gluk-w/claworc/shellrelay/internal/shell"
	"github.com/gluk-w/claworc/shellrelay/internal/stream"
)

// fakeProc is an in-memory shell: writes are echoed back as output.
type fakeProc struct {
	pid  int
	kind shell.Kind
	spec shell.Spec

	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	written  []byte
	failNext error
	exited   bool
	status   shell.ExitStatus
	done     chan struct{}
	echo     bool
	// holdWrite, when set, stalls Write until it is closed or the
	// process exits.
	holdWrite chan struct{}
	// holdTerminate, when set, delays Terminate until it is closed.
	holdTerminate chan struct{}
}

func newFakeProc(pid int, spec shell.Spec) *fakeProc {
	r, w := io.Pipe()
	return &fakeProc{pid: pid, kind: spec.Kind, spec: spec, r: r, w: w, done: make(chan struct{}), echo: true}
}

func (p *fakeProc) PID() int         { return p.pid }
func (p *fakeProc) Kind() shell.Kind { return p.kind }

func (p *fakeProc) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *fakeProc) Write(b []byte) (int, error) {
	p.mu.Lock()
	if hold := p.holdWrite; hold != nil {
		p.mu.Unlock()
		select {
		case <-hold:
		case <-p.done:
		}
		p.mu.Lock()
	}
	if p.exited {
		p.mu.Unlock()
		return 0, shell.ErrProcessExited
	}
	if err := p.failNext; err != nil {
		p.failNext = nil
		p.mu.Unlock()
		return 0, err
	}
	p.written = append(p.written, b...)
	echo := p.echo
	p.mu.Unlock()
	if echo {
		go p.emit(string(b))
	}
	return len(b), nil
}

// emit writes output as if the shell printed it.
func (p *fakeProc) emit(s string) {
	_, _ = p.w.Write([]byte(s))
}

func (p *fakeProc) Resize(rows, cols uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return shell.ErrProcessExited
	}
	p.spec.Rows, p.spec.Cols = rows, cols
	return nil
}

func (p *fakeProc) exit(st shell.ExitStatus) {
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

func (p *fakeProc) Terminate(time.Duration) error {
	p.mu.Lock()
	hold := p.holdTerminate
	p.mu.Unlock()
	if hold != nil {
		<-hold
	}
	p.exit(shell.ExitStatus{Exited: true, Code: -1, Signaled: true})
	return nil
}

func (p *fakeProc) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) ExitStatus() shell.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *fakeProc) writtenString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.written)
}

type fakeSpawner struct {
	mu          sync.Mutex
	procs       []*fakeProc
	unavailable map[shell.Kind]bool
	fail        error
}

func (f *fakeSpawner) Spawn(ctx context.Context, spec shell.Spec) (shell.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable[spec.Kind] {
		return nil, &shell.SpawnError{Kind: spec.Kind, Err: shell.ErrShellUnavailable}
	}
	if f.fail != nil {
		return nil, &shell.SpawnError{Kind: spec.Kind, Err: f.fail}
	}
	p := newFakeProc(1000+len(f.procs), spec)
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeSpawner) HostDefault() shell.Kind { return shell.KindPOSIX }

func (f *fakeSpawner) last() *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[len(f.procs)-1]
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeSpawner) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

type memStore struct {
	mu       sync.Mutex
	sessions map[string]Info
	commands []CommandRecord
	chunks   map[string][]stream.Chunk
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]Info{}, chunks: map[string][]stream.Chunk{}}
}

func (m *memStore) SaveSession(_ context.Context, info Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[info.ID] = info
	return nil
}

func (m *memStore) SaveCommand(_ context.Context, rec CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.commands {
		if c.SessionID == rec.SessionID && c.Sequence == rec.Sequence {
			m.commands[i] = rec
			return nil
		}
	}
	m.commands = append(m.commands, rec)
	return nil
}

func (m *memStore) LoadActiveSessions(context.Context) ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Info
	for _, info := range m.sessions {
		if info.Status == StatusTerminated {
			continue
		}
		for _, c := range m.chunks[info.ID] {
			if c.Sequence > info.OutputSequence {
				info.OutputSequence = c.Sequence
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func (m *memStore) SaveOutputBatch(_ context.Context, id string, _, _ uint64, chunks []stream.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[id] = append(m.chunks[id], chunks...)
	return nil
}

func (m *memStore) LoadOutputSince(_ context.Context, id string, after uint64) ([]stream.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []stream.Chunk
	for _, c := range m.chunks[id] {
		if c.Sequence > after {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) session(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sessions[id]
	return info, ok
}

func (m *memStore) commandList() []CommandRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CommandRecord(nil), m.commands...)
}

var errBrokenPipe = errors.New("broken pipe")
