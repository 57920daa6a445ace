package shell

import (
	"context"
	"errors"
	"testing"

	"github.com/gluk-w/claworc/shellrelay/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCommand(t *testing.T) {
	allowed := []string{"/bin/bash", "/bin/sh", "cmd.exe"}

	tests := []struct {
		name    string
		argv    []string
		wantErr bool
	}{
		{"empty means default", nil, false},
		{"exact match", []string{"/bin/sh"}, false},
		{"with safe args", []string{"/bin/bash", "--login"}, false},
		{"bare name matches path", []string{`C:\Windows\System32\cmd.exe`}, false},
		{"not allowed", []string{"/usr/bin/python3"}, true},
		{"path name does not match base", []string{"/tmp/bash"}, true},
		{"metachar in arg", []string{"/bin/sh", "-c", "rm -rf /; echo"}, true},
		{"subshell in arg", []string{"/bin/bash", "$(id)"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCommand(tt.argv, allowed)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClampSize(t *testing.T) {
	tests := []struct {
		rows, cols         uint16
		wantRows, wantCols uint16
	}{
		{0, 0, DefaultRows, DefaultCols},
		{40, 120, 40, 120},
		{1000, 1000, MaxRows, MaxCols},
	}
	for _, tt := range tests {
		r, c := ClampSize(tt.rows, tt.cols)
		assert.Equal(t, tt.wantRows, r)
		assert.Equal(t, tt.wantCols, c)
	}
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "TERM=dumb", "HOME=/root", "LANG=C"}

	env, err := MergeEnv(base, map[string]string{"LANG": "en_US.UTF-8", "FOO": "bar"})
	require.NoError(t, err)
	assert.Contains(t, env, "PATH=/usr/bin")
	assert.Contains(t, env, "TERM=xterm-256color")
	assert.Contains(t, env, "LANG=en_US.UTF-8")
	assert.Contains(t, env, "FOO=bar")
	assert.NotContains(t, env, "TERM=dumb")
	assert.NotContains(t, env, "LANG=C")

	_, err = MergeEnv(base, map[string]string{"BAD=KEY": "x"})
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("subsystem-bridge")
	require.NoError(t, err)
	assert.Equal(t, KindSubsystemBridge, k)

	k, err = ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, Kind(""), k)

	_, err = ParseKind("fish")
	assert.Error(t, err)
}

func TestLauncher_UnregisteredKindIsUnavailable(t *testing.T) {
	l := NewEmptyLauncher(Options{})

	_, err := l.Spawn(context.Background(), Spec{Kind: KindWindowsConsole})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShellUnavailable))

	var se *SpawnError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindWindowsConsole, se.Kind)
	assert.Equal(t, apperr.CodeShellUnavailable, apperr.CodeOf(err))
}

type brokenBackend struct{}

func (brokenBackend) Available() error { return errors.New("not installed") }
func (brokenBackend) Start(context.Context, Spec) (Process, error) {
	return nil, errors.New("unreachable")
}

func TestLauncher_BackendReportsUnavailable(t *testing.T) {
	l := NewEmptyLauncher(Options{})
	l.Register(KindSubsystemBridge, brokenBackend{})

	assert.False(t, l.Available(KindSubsystemBridge))
	_, err := l.Spawn(context.Background(), Spec{Kind: KindSubsystemBridge})
	assert.True(t, errors.Is(err, ErrShellUnavailable))
}

func TestLauncher_RejectsDisallowedCommand(t *testing.T) {
	l := NewLauncher(Options{AllowedShells: []string{"/bin/sh"}})

	_, err := l.Spawn(context.Background(), Spec{Kind: KindPOSIX, Command: []string{"/usr/bin/env"}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrShellUnavailable))
	assert.Equal(t, apperr.CodeSpawnFailed, apperr.CodeOf(err))
}

func TestExitStatus_Clean(t *testing.T) {
	assert.True(t, ExitStatus{Exited: true, Code: 0}.Clean())
	assert.False(t, ExitStatus{Exited: true, Code: 1}.Clean())
	assert.False(t, ExitStatus{Exited: true, Code: -1, Signaled: true}.Clean())
	assert.False(t, ExitStatus{}.Clean())
}
