//go:build !windows

package shell

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// outputCollector drains a process in the background.
type outputCollector struct {
	mu  sync.Mutex
	buf bytes.Buffer
	eof chan struct{}
}

func collect(p Process) *outputCollector {
	c := &outputCollector{eof: make(chan struct{})}
	go func() {
		defer close(c.eof)
		b := make([]byte, 4096)
		for {
			n, err := p.Read(b)
			if n > 0 {
				c.mu.Lock()
				c.buf.Write(b[:n])
				c.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return c
}

func (c *outputCollector) waitFor(t *testing.T, substr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return strings.Contains(c.buf.String(), substr)
	}, 5*time.Second, 10*time.Millisecond, "output never contained %q", substr)
}

func spawnSh(t *testing.T, spec Spec) Process {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	l := NewLauncher(Options{})
	spec.Kind = KindPOSIX
	spec.Command = []string{"/bin/sh"}
	p, err := l.Spawn(context.Background(), spec)
	require.NoError(t, err)
	t.Cleanup(func() { p.Terminate(time.Second) })
	return p
}

func TestPTY_EchoAndExit(t *testing.T) {
	p := spawnSh(t, Spec{})
	out := collect(p)

	assert.Equal(t, KindPOSIX, p.Kind())
	assert.Greater(t, p.PID(), 0)
	assert.True(t, p.Alive())

	_, err := p.Write([]byte("echo hi-$((40+2))\n"))
	require.NoError(t, err)
	out.waitFor(t, "hi-42")

	_, err = p.Write([]byte("exit 3\n"))
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.False(t, p.Alive())
	st := p.ExitStatus()
	assert.True(t, st.Exited)
	assert.Equal(t, 3, st.Code)
	assert.False(t, st.Clean())

	select {
	case <-out.eof:
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not reach EOF")
	}

	_, err = p.Write([]byte("echo again\n"))
	assert.ErrorIs(t, err, ErrProcessExited)
}

func TestPTY_WorkDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	p := spawnSh(t, Spec{WorkDir: dir, Env: map[string]string{"RELAY_TEST": "marker-7"}})
	out := collect(p)

	_, err := p.Write([]byte("pwd; echo $RELAY_TEST; echo $TERM\n"))
	require.NoError(t, err)
	out.waitFor(t, "marker-7")
	out.waitFor(t, "xterm-256color")
	// macOS prefixes temp dirs with /private, so match as a substring.
	out.waitFor(t, dir)
}

func TestPTY_Resize(t *testing.T) {
	p := spawnSh(t, Spec{Rows: 30, Cols: 100})
	out := collect(p)

	_, err := p.Write([]byte("stty size\n"))
	require.NoError(t, err)
	out.waitFor(t, "30 100")

	require.NoError(t, p.Resize(45, 132))
	_, err = p.Write([]byte("stty size\n"))
	require.NoError(t, err)
	out.waitFor(t, "45 132")
}

func TestPTY_TerminateIsIdempotent(t *testing.T) {
	p := spawnSh(t, Spec{})
	out := collect(p)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Terminate(200 * time.Millisecond)
		}()
	}
	wg.Wait()

	assert.False(t, p.Alive())
	select {
	case <-out.eof:
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not finish after terminate")
	}
	assert.NoError(t, p.Terminate(time.Millisecond))
}

func TestPTY_TerminateUnblocksStalledWrite(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	p, err := NewLauncher(Options{}).Spawn(context.Background(), Spec{
		Kind:    KindPOSIX,
		Command: []string{"/bin/sh", "-c", "sleep 100"},
	})
	require.NoError(t, err)
	collect(p)

	// sleep never reads stdin, so this write fills the terminal and stalls.
	written := make(chan error, 1)
	go func() {
		_, err := p.Write(bytes.Repeat([]byte("x"), 2<<20))
		written <- err
	}()
	time.Sleep(200 * time.Millisecond)

	terminated := make(chan struct{})
	go func() {
		p.Terminate(100 * time.Millisecond)
		close(terminated)
	}()
	select {
	case <-terminated:
	case <-time.After(5 * time.Second):
		t.Fatal("terminate waited on the stalled write")
	}
	assert.False(t, p.Alive())

	select {
	case <-written:
	case <-time.After(5 * time.Second):
		t.Fatal("write still blocked after terminate")
	}
	_, err = p.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrProcessExited)
}

func TestPTY_OutOfBandKill(t *testing.T) {
	p := spawnSh(t, Spec{})
	out := collect(p)

	require.NoError(t, syscall.Kill(p.PID(), syscall.SIGKILL))

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not die")
	}
	assert.False(t, p.Alive())
	assert.True(t, p.ExitStatus().Signaled)

	select {
	case <-out.eof:
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not reach EOF")
	}
}

func TestPTY_ReadReturnsEOF(t *testing.T) {
	p := spawnSh(t, Spec{})
	_, err := p.Write([]byte("exit 0\n"))
	require.NoError(t, err)

	b := make([]byte, 1024)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err = p.Read(b)
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, io.EOF)
	<-p.Done()
	assert.True(t, p.ExitStatus().Clean())
}

func TestBridgeBackend_Unconfigured(t *testing.T) {
	l := NewLauncher(Options{})
	assert.False(t, l.Available(KindSubsystemBridge))
	assert.False(t, l.Available(KindWindowsConsole))
	assert.Equal(t, KindPOSIX, l.HostDefault())
}

func TestBridgeBackend_RunsThroughBridge(t *testing.T) {
	if _, err := os.Stat("/usr/bin/env"); err != nil {
		t.Skip("/usr/bin/env not available")
	}
	l := NewLauncher(Options{BridgeCommand: "/usr/bin/env BRIDGED=yes"})
	require.True(t, l.Available(KindSubsystemBridge))

	p, err := l.Spawn(context.Background(), Spec{Kind: KindSubsystemBridge, Command: []string{"/bin/sh"}})
	require.NoError(t, err)
	defer p.Terminate(time.Second)
	out := collect(p)

	assert.Equal(t, KindSubsystemBridge, p.Kind())
	_, err = p.Write([]byte("echo bridged=$BRIDGED\n"))
	require.NoError(t, err)
	out.waitFor(t, "bridged=yes")
}
