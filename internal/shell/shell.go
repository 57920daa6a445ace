package shell

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gluk-w/claworc/shellrelay/internal/apperr"
)

// Kind identifies how a shell process and its terminal are created.
type Kind string

const (
	KindPOSIX           Kind = "posix"
	KindWindowsConsole  Kind = "windows-console"
	KindSubsystemBridge Kind = "subsystem-bridge"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindPOSIX, KindWindowsConsole, KindSubsystemBridge}

// ParseKind validates a kind name. The empty string is accepted and means
// "host default".
func ParseKind(s string) (Kind, error) {
	if s == "" {
		return "", nil
	}
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown shell kind %q", s)
}

// Terminal geometry bounds.
const (
	DefaultRows uint16 = 24
	DefaultCols uint16 = 80
	MaxRows     uint16 = 200
	MaxCols     uint16 = 500
)

// ClampSize replaces zero dimensions with the defaults and caps the rest.
func ClampSize(rows, cols uint16) (uint16, uint16) {
	if rows == 0 {
		rows = DefaultRows
	}
	if cols == 0 {
		cols = DefaultCols
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	return rows, cols
}

// Spec describes a shell to start.
type Spec struct {
	Kind Kind
	// Command is the shell and its arguments. Empty selects the backend's
	// default shell.
	Command []string
	WorkDir string
	Env     map[string]string
	Rows    uint16
	Cols    uint16
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Exited   bool
	Code     int
	Signaled bool
}

// Clean reports whether the process exited on its own with status 0.
func (s ExitStatus) Clean() bool {
	return s.Exited && !s.Signaled && s.Code == 0
}

// Process is a running shell attached to a terminal. Write and Resize
// may be called concurrently with Read; callers serialize writes.
type Process interface {
	PID() int
	Kind() Kind
	// Read returns terminal output. It returns io.EOF once the terminal
	// has closed and all buffered output has been read.
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(rows, cols uint16) error
	// Terminate asks the process to exit and kills it after grace.
	// It is idempotent and releases the terminal handle.
	Terminate(grace time.Duration) error
	Alive() bool
	Done() <-chan struct{}
	ExitStatus() ExitStatus
}

// ErrShellUnavailable is returned when no backend for the requested kind
// exists on this host.
var ErrShellUnavailable = errors.New("shell kind unavailable on this host")

// ErrProcessExited is returned by Write and Resize after the process has
// ended.
var ErrProcessExited = errors.New("shell process has exited")

// SpawnError reports a failed spawn. It is fatal to the create call.
type SpawnError struct {
	Kind Kind
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s shell: %v", e.Kind, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Code implements apperr.Coded.
func (e *SpawnError) Code() apperr.Code {
	if errors.Is(e.Err, ErrShellUnavailable) {
		return apperr.CodeShellUnavailable
	}
	return apperr.CodeSpawnFailed
}

// DefaultAllowedShells is the allow-list used when none is configured.
var DefaultAllowedShells = []string{
	"/bin/bash",
	"/bin/sh",
	"/bin/zsh",
	"/usr/bin/bash",
	"/usr/bin/zsh",
	"cmd.exe",
	"powershell.exe",
	"pwsh.exe",
}

// ValidateCommand checks that argv[0] is in allowed and that no argument
// carries shell metacharacters. An empty command is accepted and means
// the backend default.
func ValidateCommand(argv []string, allowed []string) error {
	if len(argv) == 0 {
		return nil
	}
	ok := false
	for _, a := range allowed {
		// Bare names like "cmd.exe" match any path ending in that name.
		if argv[0] == a || (!strings.ContainsAny(a, `/\`) && strings.EqualFold(filepath.Base(argv[0]), a)) {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("shell %q is not in the allowed list", argv[0])
	}
	for _, arg := range argv[1:] {
		if i := strings.IndexAny(arg, ";&|$`(){}<>\n\\\"'!"); i >= 0 {
			return fmt.Errorf("shell argument %q contains forbidden character %q", arg, string(arg[i]))
		}
	}
	return nil
}

// MergeEnv overlays overrides on base (KEY=VALUE form) and forces TERM.
// Keys are sorted for overrides so the result is deterministic.
func MergeEnv(base []string, overrides map[string]string) ([]string, error) {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if k == "" || strings.ContainsAny(k, "=\x00") || strings.ContainsRune(overrides[k], 0) {
			return nil, fmt.Errorf("invalid environment override %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	set := map[string]bool{"TERM": true}
	for _, k := range keys {
		set[k] = true
	}
	out := make([]string, 0, len(base)+len(keys)+1)
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if set[k] {
			continue
		}
		out = append(out, kv)
	}
	term := "xterm-256color"
	if v, ok := overrides["TERM"]; ok && v != "" {
		term = v
	}
	out = append(out, "TERM="+term)
	for _, k := range keys {
		if k == "TERM" {
			continue
		}
		out = append(out, k+"="+overrides[k])
	}
	return out, nil
}
