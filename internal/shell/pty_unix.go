//go:build !windows

package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const hostDefaultKind = KindPOSIX

// killWait bounds how long Terminate waits for the process to be reaped
// after SIGKILL.
const killWait = 2 * time.Second

func hostBackends(opts Options) map[Kind]Backend {
	allowed := opts.AllowedShells
	if allowed == nil {
		allowed = DefaultAllowedShells
	}
	return map[Kind]Backend{
		KindPOSIX:           &posixBackend{allowed: allowed},
		KindSubsystemBridge: &bridgeBackend{argv: bridgeArgv(opts.BridgeCommand)},
	}
}

// posixBackend runs allowed POSIX shells on a pseudo-terminal.
type posixBackend struct {
	allowed []string
}

func (b *posixBackend) Available() error {
	if b.defaultShell() == "" {
		return errors.New("no allowed shell found on PATH")
	}
	return nil
}

func (b *posixBackend) defaultShell() string {
	return firstAvailable(b.allowed, os.Getenv("SHELL"), "/bin/bash", "/bin/zsh", "/bin/sh")
}

func (b *posixBackend) Start(_ context.Context, spec Spec) (Process, error) {
	argv := spec.Command
	if len(argv) == 0 {
		argv = []string{b.defaultShell()}
	}
	return startPTY(KindPOSIX, argv, spec)
}

// bridgeBackend runs a bridge executable (and the requested shell as its
// arguments) on a pseudo-terminal.
type bridgeBackend struct {
	argv []string
}

func (b *bridgeBackend) Available() error {
	if len(b.argv) == 0 {
		return errors.New("no bridge command configured")
	}
	if _, err := exec.LookPath(b.argv[0]); err != nil {
		return fmt.Errorf("bridge command %q: %w", b.argv[0], err)
	}
	return nil
}

func (b *bridgeBackend) Start(_ context.Context, spec Spec) (Process, error) {
	argv := append(append([]string(nil), b.argv...), spec.Command...)
	return startPTY(KindSubsystemBridge, argv, spec)
}

// ptyProcess is a process whose controlling terminal is a pty slave; the
// master side is held here.
type ptyProcess struct {
	kind Kind
	cmd  *exec.Cmd
	ptmx *os.File

	// closed is set by Terminate. Writers never hold a lock Terminate
	// needs, so a write stuck on a full terminal cannot delay the kill.
	closed atomic.Bool

	done     chan struct{}
	status   ExitStatus
	termOnce sync.Once
	termErr  error
}

func startPTY(kind Kind, argv []string, spec Spec) (*ptyProcess, error) {
	env, err := MergeEnv(os.Environ(), spec.Env)
	if err != nil {
		return nil, err
	}
	if spec.WorkDir != "" {
		fi, err := os.Stat(spec.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		if !fi.IsDir() {
			return nil, fmt.Errorf("working directory %q is not a directory", spec.WorkDir)
		}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = env

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: spec.Rows, Cols: spec.Cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	ptmx, err := pollable(f)
	f.Close()
	if err != nil {
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		_ = cmd.Wait()
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p := &ptyProcess{
		kind: kind,
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

// pollable returns a non-blocking duplicate of the pty master. The runtime
// poller owns it, so Close interrupts a Read or Write blocked on it.
func pollable(f *os.File) (*os.File, error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}

func (p *ptyProcess) wait() {
	_ = p.cmd.Wait()
	st := ExitStatus{Exited: true, Code: -1}
	if ps := p.cmd.ProcessState; ps != nil {
		st.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signaled = true
		}
	}
	p.status = st
	close(p.done)
}

func (p *ptyProcess) PID() int   { return p.cmd.Process.Pid }
func (p *ptyProcess) Kind() Kind { return p.kind }

func (p *ptyProcess) Read(b []byte) (int, error) {
	n, err := p.ptmx.Read(b)
	if err != nil {
		// Linux reports a hung-up slave as EIO.
		if errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) {
			err = io.EOF
		}
	}
	return n, err
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	if p.closed.Load() || !p.Alive() {
		return 0, ErrProcessExited
	}
	n, err := p.ptmx.Write(b)
	if err != nil && p.closed.Load() {
		err = ErrProcessExited
	}
	return n, err
}

func (p *ptyProcess) Resize(rows, cols uint16) error {
	if p.closed.Load() || !p.Alive() {
		return ErrProcessExited
	}
	rows, cols = ClampSize(rows, cols)
	// Fd would switch the master back to blocking mode.
	rc, err := p.ptmx.SyscallConn()
	if err != nil {
		return err
	}
	var ioErr error
	if err := rc.Control(func(fd uintptr) {
		ioErr = unix.IoctlSetWinsize(int(fd), unix.TIOCSWINSZ, &unix.Winsize{Row: rows, Col: cols})
	}); err != nil {
		return err
	}
	return ioErr
}

func (p *ptyProcess) Terminate(grace time.Duration) error {
	p.termOnce.Do(func() {
		p.closed.Store(true)

		if p.Alive() {
			// The shell leads its own session, so its pid is the group id.
			pgid := -p.cmd.Process.Pid
			_ = unix.Kill(pgid, unix.SIGHUP)
			select {
			case <-p.done:
			case <-time.After(grace):
				_ = unix.Kill(pgid, unix.SIGKILL)
				select {
				case <-p.done:
				case <-time.After(killWait):
				}
			}
		}
		p.termErr = p.ptmx.Close()
	})
	return p.termErr
}

func (p *ptyProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *ptyProcess) Done() <-chan struct{} { return p.done }

func (p *ptyProcess) ExitStatus() ExitStatus {
	select {
	case <-p.done:
		return p.status
	default:
		return ExitStatus{}
	}
}
