// Package config loads relay settings from SHELLRELAY_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"

	"github.com/gluk-w/claworc/shellrelay/internal/shell"
)

const envPrefix = "SHELLRELAY"

type Settings struct {
	ListenAddr     string   `envconfig:"LISTEN_ADDR" default:":8000"`
	FallbackAddr   string   `envconfig:"FALLBACK_ADDR" default:""`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`
	DatabasePath   string   `envconfig:"DATABASE_PATH" default:"/app/data/shellrelay.db"`

	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogDevelopment bool   `envconfig:"LOG_DEVELOPMENT" default:"false"`
	LogPath        string `envconfig:"LOG_PATH" default:""`

	AuthDisabled bool     `envconfig:"AUTH_DISABLED" default:"false"`
	APITokens    []string `envconfig:"API_TOKENS" default:""`

	// Shell settings
	DefaultShellKind string   `envconfig:"DEFAULT_SHELL_KIND" default:""`
	AllowedShells    []string `envconfig:"ALLOWED_SHELLS" default:""`
	BridgeCommand    string   `envconfig:"BRIDGE_COMMAND" default:""`

	// Output streaming. Sizes take human-readable values such as "32KiB".
	BatchInterval time.Duration `envconfig:"BATCH_INTERVAL" default:"8ms"`
	BatchMaxSize  string        `envconfig:"BATCH_MAX_SIZE" default:"32KiB"`
	WindowSize    string        `envconfig:"WINDOW_SIZE" default:"1MiB"`
	WindowChunks  int           `envconfig:"WINDOW_CHUNKS" default:"4096"`

	// Session lifecycle
	IdleTimeout    time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`
	TerminateGrace time.Duration `envconfig:"TERMINATE_GRACE" default:"3s"`
	ProbeInterval  time.Duration `envconfig:"PROBE_INTERVAL" default:"2s"`
	MaxRecoveries  int           `envconfig:"MAX_RECOVERIES" default:"3"`
	RecoveryWindow time.Duration `envconfig:"RECOVERY_WINDOW" default:"10m"`

	RedactionPatternsFile string        `envconfig:"REDACTION_PATTERNS_FILE" default:""`
	OutputEncryptionKey   string        `envconfig:"OUTPUT_ENCRYPTION_KEY" default:""`
	OutputRetention       time.Duration `envconfig:"OUTPUT_RETENTION" default:"168h"`
}

// Load reads the environment and validates the result.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks values envconfig cannot.
func (s Settings) Validate() error {
	var errs []error
	if _, err := s.BatchMaxBytes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.WindowBytes(); err != nil {
		errs = append(errs, err)
	}
	if s.DefaultShellKind != "" {
		if _, err := shell.ParseKind(s.DefaultShellKind); err != nil {
			errs = append(errs, fmt.Errorf("DEFAULT_SHELL_KIND: %w", err))
		}
	}
	if s.BatchInterval <= 0 {
		errs = append(errs, errors.New("BATCH_INTERVAL must be positive"))
	}
	if s.WindowChunks <= 0 {
		errs = append(errs, errors.New("WINDOW_CHUNKS must be positive"))
	}
	if s.ProbeInterval <= 0 {
		errs = append(errs, errors.New("PROBE_INTERVAL must be positive"))
	}
	if s.MaxRecoveries < 0 {
		errs = append(errs, errors.New("MAX_RECOVERIES must not be negative"))
	}
	if s.TerminateGrace < 0 {
		errs = append(errs, errors.New("TERMINATE_GRACE must not be negative"))
	}
	if !s.AuthDisabled && len(s.Tokens()) == 0 {
		errs = append(errs, errors.New("API_TOKENS is required unless AUTH_DISABLED is set"))
	}
	return errors.Join(errs...)
}

// BatchMaxBytes parses BATCH_MAX_SIZE.
func (s Settings) BatchMaxBytes() (int, error) {
	return parseSize("BATCH_MAX_SIZE", s.BatchMaxSize)
}

// WindowBytes parses WINDOW_SIZE.
func (s Settings) WindowBytes() (int, error) {
	return parseSize("WINDOW_SIZE", s.WindowSize)
}

// Tokens returns the non-empty API_TOKENS entries.
func (s Settings) Tokens() []string {
	var out []string
	for _, t := range s.APITokens {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ShellKind returns the configured default kind, or "" for the host
// default.
func (s Settings) ShellKind() shell.Kind {
	if s.DefaultShellKind == "" {
		return ""
	}
	k, _ := shell.ParseKind(s.DefaultShellKind)
	return k
}

func parseSize(name, v string) (int, error) {
	n, err := units.RAMInBytes(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return int(n), nil
}
