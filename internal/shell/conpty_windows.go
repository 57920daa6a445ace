//go:build windows

package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf16"
	"unsafe"

	"golang.org/x/sys/windows"
)

const hostDefaultKind = KindWindowsConsole

func hostBackends(opts Options) map[Kind]Backend {
	allowed := opts.AllowedShells
	if allowed == nil {
		allowed = DefaultAllowedShells
	}
	bridge := bridgeArgv(opts.BridgeCommand)
	if len(bridge) == 0 {
		bridge = []string{"wsl.exe"}
	}
	return map[Kind]Backend{
		KindWindowsConsole:  &consoleBackend{allowed: allowed},
		KindSubsystemBridge: &bridgeBackend{argv: bridge},
	}
}

func conptySupported() error {
	if err := windows.NewLazySystemDLL("kernel32.dll").NewProc("CreatePseudoConsole").Find(); err != nil {
		return errors.New("pseudo console API not available (requires Windows 10 1809 or later)")
	}
	return nil
}

type consoleBackend struct {
	allowed []string
}

func (b *consoleBackend) Available() error { return conptySupported() }

func (b *consoleBackend) Start(_ context.Context, spec Spec) (Process, error) {
	argv := spec.Command
	if len(argv) == 0 {
		sh := firstAvailable(b.allowed, "pwsh.exe", "powershell.exe", os.Getenv("COMSPEC"), "cmd.exe")
		if sh == "" {
			return nil, errors.New("no allowed console shell found")
		}
		argv = []string{sh}
	}
	return startConPTY(KindWindowsConsole, argv, spec)
}

type bridgeBackend struct {
	argv []string
}

func (b *bridgeBackend) Available() error {
	if err := conptySupported(); err != nil {
		return err
	}
	if _, err := exec.LookPath(b.argv[0]); err != nil {
		return fmt.Errorf("bridge command %q: %w", b.argv[0], err)
	}
	return nil
}

func (b *bridgeBackend) Start(_ context.Context, spec Spec) (Process, error) {
	argv := append(append([]string(nil), b.argv...), spec.Command...)
	return startConPTY(KindSubsystemBridge, argv, spec)
}

// conptyProcess is a process attached to a Windows pseudo console.
type conptyProcess struct {
	kind Kind
	pid  int
	proc windows.Handle
	hpc  windows.Handle
	in   *os.File
	out  *os.File

	closed   atomic.Bool
	closeHPC sync.Once
	done     chan struct{}
	status   ExitStatus
	termOnce sync.Once
}

func startConPTY(kind Kind, argv []string, spec Spec) (*conptyProcess, error) {
	env, err := MergeEnv(os.Environ(), spec.Env)
	if err != nil {
		return nil, err
	}

	var inRead, inWrite, outRead, outWrite windows.Handle
	if err := windows.CreatePipe(&inRead, &inWrite, nil, 0); err != nil {
		return nil, fmt.Errorf("create input pipe: %w", err)
	}
	if err := windows.CreatePipe(&outRead, &outWrite, nil, 0); err != nil {
		windows.CloseHandle(inRead)
		windows.CloseHandle(inWrite)
		return nil, fmt.Errorf("create output pipe: %w", err)
	}

	var hpc windows.Handle
	size := windows.Coord{X: int16(spec.Cols), Y: int16(spec.Rows)}
	err = windows.CreatePseudoConsole(size, inRead, outWrite, 0, &hpc)
	// The console holds its own references to these ends.
	windows.CloseHandle(inRead)
	windows.CloseHandle(outWrite)
	if err != nil {
		windows.CloseHandle(inWrite)
		windows.CloseHandle(outRead)
		return nil, fmt.Errorf("create pseudo console: %w", err)
	}

	fail := func(err error) (*conptyProcess, error) {
		windows.ClosePseudoConsole(hpc)
		windows.CloseHandle(inWrite)
		windows.CloseHandle(outRead)
		return nil, err
	}

	attrs, err := windows.NewProcThreadAttributeList(1)
	if err != nil {
		return fail(fmt.Errorf("attribute list: %w", err))
	}
	defer attrs.Delete()
	if err := attrs.Update(windows.PROC_THREAD_ATTRIBUTE_PSEUDOCONSOLE, unsafe.Pointer(hpc), unsafe.Sizeof(hpc)); err != nil {
		return fail(fmt.Errorf("attach pseudo console: %w", err))
	}

	si := new(windows.StartupInfoEx)
	si.StartupInfo.Cb = uint32(unsafe.Sizeof(*si))
	si.StartupInfo.Flags |= windows.STARTF_USESTDHANDLES
	si.ProcThreadAttributeList = attrs.List()

	cmdLine, err := windows.UTF16PtrFromString(windows.ComposeCommandLine(argv))
	if err != nil {
		return fail(err)
	}
	var dir *uint16
	if spec.WorkDir != "" {
		if dir, err = windows.UTF16PtrFromString(spec.WorkDir); err != nil {
			return fail(err)
		}
	}
	envBlock := utf16.Encode([]rune(strings.Join(env, "\x00") + "\x00\x00"))

	var pi windows.ProcessInformation
	flags := uint32(windows.EXTENDED_STARTUPINFO_PRESENT | windows.CREATE_UNICODE_ENVIRONMENT)
	if err := windows.CreateProcess(nil, cmdLine, nil, nil, false, flags, &envBlock[0], dir, &si.StartupInfo, &pi); err != nil {
		return fail(fmt.Errorf("create process %q: %w", argv[0], err))
	}
	windows.CloseHandle(pi.Thread)

	p := &conptyProcess{
		kind: kind,
		pid:  int(pi.ProcessId),
		proc: pi.Process,
		hpc:  hpc,
		in:   os.NewFile(uintptr(inWrite), "conpty-in"),
		out:  os.NewFile(uintptr(outRead), "conpty-out"),
		done: make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *conptyProcess) wait() {
	_, _ = windows.WaitForSingleObject(p.proc, windows.INFINITE)
	var code uint32
	st := ExitStatus{Exited: true, Code: -1}
	if err := windows.GetExitCodeProcess(p.proc, &code); err == nil {
		st.Code = int(code)
	}
	p.status = st
	close(p.done)
	// The output pipe only reaches EOF once the console is closed.
	p.closeConsole()
}

func (p *conptyProcess) closeConsole() {
	p.closeHPC.Do(func() { windows.ClosePseudoConsole(p.hpc) })
}

func (p *conptyProcess) PID() int   { return p.pid }
func (p *conptyProcess) Kind() Kind { return p.kind }

func (p *conptyProcess) Read(b []byte) (int, error) {
	n, err := p.out.Read(b)
	if err != nil && (errors.Is(err, windows.ERROR_BROKEN_PIPE) || errors.Is(err, os.ErrClosed)) {
		err = io.EOF
	}
	return n, err
}

func (p *conptyProcess) Write(b []byte) (int, error) {
	if p.closed.Load() || !p.Alive() {
		return 0, ErrProcessExited
	}
	return p.in.Write(b)
}

func (p *conptyProcess) Resize(rows, cols uint16) error {
	if p.closed.Load() || !p.Alive() {
		return ErrProcessExited
	}
	rows, cols = ClampSize(rows, cols)
	return windows.ResizePseudoConsole(p.hpc, windows.Coord{X: int16(cols), Y: int16(rows)})
}

func (p *conptyProcess) Terminate(grace time.Duration) error {
	p.termOnce.Do(func() {
		p.closed.Store(true)

		// Closing the console sends CTRL_CLOSE_EVENT to attached clients.
		p.closeConsole()
		select {
		case <-p.done:
		case <-time.After(grace):
			_ = windows.TerminateProcess(p.proc, 1)
			<-p.done
		}
		p.in.Close()
		p.out.Close()
		windows.CloseHandle(p.proc)
	})
	return nil
}

func (p *conptyProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *conptyProcess) Done() <-chan struct{} { return p.done }

func (p *conptyProcess) ExitStatus() ExitStatus {
	select {
	case <-p.done:
		return p.status
	default:
		return ExitStatus{}
	}
}
