package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/claworc/shellrelay/internal/shell"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SHELLRELAY_AUTH_DISABLED", "true")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8000", s.ListenAddr)
	assert.Equal(t, 8*time.Millisecond, s.BatchInterval)
	assert.Equal(t, 30*time.Minute, s.IdleTimeout)
	assert.Equal(t, 3*time.Second, s.TerminateGrace)
	assert.Equal(t, 3, s.MaxRecoveries)
	assert.Equal(t, 10*time.Minute, s.RecoveryWindow)
	assert.Equal(t, 168*time.Hour, s.OutputRetention)

	batch, err := s.BatchMaxBytes()
	require.NoError(t, err)
	assert.Equal(t, 32*1024, batch)
	window, err := s.WindowBytes()
	require.NoError(t, err)
	assert.Equal(t, 1024*1024, window)
	assert.Equal(t, shell.Kind(""), s.ShellKind())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SHELLRELAY_API_TOKENS", "alice:$2a$12$abc, ,bob:$2a$12$def")
	t.Setenv("SHELLRELAY_WINDOW_SIZE", "4m")
	t.Setenv("SHELLRELAY_DEFAULT_SHELL_KIND", "posix")
	t.Setenv("SHELLRELAY_ALLOWED_SHELLS", "bash,zsh")
	t.Setenv("SHELLRELAY_PROBE_INTERVAL", "500ms")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice:$2a$12$abc", "bob:$2a$12$def"}, s.Tokens())
	window, err := s.WindowBytes()
	require.NoError(t, err)
	assert.Equal(t, 4*1024*1024, window)
	assert.Equal(t, shell.KindPOSIX, s.ShellKind())
	assert.Equal(t, []string{"bash", "zsh"}, s.AllowedShells)
	assert.Equal(t, 500*time.Millisecond, s.ProbeInterval)
}

func TestValidate(t *testing.T) {
	base := func() Settings {
		return Settings{
			AuthDisabled:  true,
			BatchInterval: time.Millisecond,
			BatchMaxSize:  "32KiB",
			WindowSize:    "1MiB",
			WindowChunks:  10,
			ProbeInterval: time.Second,
		}
	}
	tests := []struct {
		name   string
		mutate func(*Settings)
		errMsg string
	}{
		{"valid", func(*Settings) {}, ""},
		{"bad size", func(s *Settings) { s.WindowSize = "lots" }, "WINDOW_SIZE"},
		{"zero size", func(s *Settings) { s.BatchMaxSize = "0" }, "BATCH_MAX_SIZE"},
		{"bad kind", func(s *Settings) { s.DefaultShellKind = "fish" }, "DEFAULT_SHELL_KIND"},
		{"no tokens", func(s *Settings) { s.AuthDisabled = false }, "API_TOKENS"},
		{"negative recoveries", func(s *Settings) { s.MaxRecoveries = -1 }, "MAX_RECOVERIES"},
		{"zero probe", func(s *Settings) { s.ProbeInterval = 0 }, "PROBE_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mutate(&s)
			err := s.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
