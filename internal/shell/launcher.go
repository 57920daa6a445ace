package shell

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Backend starts processes of one kind.
type Backend interface {
	// Available returns nil when the backend can start processes on this
	// host, or the reason it cannot.
	Available() error
	Start(ctx context.Context, spec Spec) (Process, error)
}

// Options configures a Launcher.
type Options struct {
	// AllowedShells is the command allow-list. Nil uses DefaultAllowedShells.
	AllowedShells []string
	// BridgeCommand is the executable (plus arguments) that hosts
	// subsystem-bridge shells, e.g. "wsl.exe -d Ubuntu".
	BridgeCommand string
	Logger        *zap.Logger
}

// Launcher spawns shell processes through the backend registered for
// each kind.
type Launcher struct {
	mu       sync.RWMutex
	backends map[Kind]Backend
	allowed  []string
	logger   *zap.Logger
}

// NewLauncher returns a launcher with the backends this host supports.
func NewLauncher(opts Options) *Launcher {
	l := NewEmptyLauncher(opts)
	for kind, b := range hostBackends(opts) {
		l.backends[kind] = b
	}
	return l
}

// NewEmptyLauncher returns a launcher with no backends registered.
func NewEmptyLauncher(opts Options) *Launcher {
	allowed := opts.AllowedShells
	if allowed == nil {
		allowed = DefaultAllowedShells
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		backends: make(map[Kind]Backend),
		allowed:  allowed,
		logger:   logger.Named("shell"),
	}
}

// Register installs or replaces the backend for kind.
func (l *Launcher) Register(kind Kind, b Backend) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backends[kind] = b
}

// Available reports whether kind can be spawned on this host.
func (l *Launcher) Available(kind Kind) bool {
	l.mu.RLock()
	b, ok := l.backends[kind]
	l.mu.RUnlock()
	return ok && b.Available() == nil
}

// HostDefault returns the kind to fall back to when a requested kind is
// unavailable.
func (l *Launcher) HostDefault() Kind {
	if l.Available(hostDefaultKind) {
		return hostDefaultKind
	}
	for _, k := range Kinds {
		if l.Available(k) {
			return k
		}
	}
	return hostDefaultKind
}

// Spawn starts a process of spec.Kind (the host default when empty).
// All failures are *SpawnError; an unavailable kind wraps
// ErrShellUnavailable.
func (l *Launcher) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if spec.Kind == "" {
		spec.Kind = l.HostDefault()
	}

	l.mu.RLock()
	b, ok := l.backends[spec.Kind]
	l.mu.RUnlock()
	if !ok {
		return nil, &SpawnError{Kind: spec.Kind, Err: ErrShellUnavailable}
	}
	if err := b.Available(); err != nil {
		return nil, &SpawnError{Kind: spec.Kind, Err: fmt.Errorf("%w: %v", ErrShellUnavailable, err)}
	}
	if err := ValidateCommand(spec.Command, l.allowed); err != nil {
		return nil, &SpawnError{Kind: spec.Kind, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Kind: spec.Kind, Err: err}
	}

	spec.Rows, spec.Cols = ClampSize(spec.Rows, spec.Cols)
	proc, err := b.Start(ctx, spec)
	if err != nil {
		return nil, &SpawnError{Kind: spec.Kind, Err: err}
	}

	l.logger.Info("shell started",
		zap.String("kind", string(proc.Kind())),
		zap.Int("pid", proc.PID()),
		zap.String("dir", spec.WorkDir))
	return proc, nil
}

// firstAvailable returns the first allowed candidate found on PATH.
func firstAvailable(allowed []string, candidates ...string) string {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if ValidateCommand([]string{c}, allowed) != nil {
			continue
		}
		if _, err := exec.LookPath(c); err == nil {
			return c
		}
	}
	return ""
}

// bridgeArgv splits a configured bridge command line.
func bridgeArgv(cmd string) []string {
	return strings.Fields(cmd)
}
