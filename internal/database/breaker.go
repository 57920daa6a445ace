package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/gluk-w/claworc/shellrelay/internal/session"
	"github.com/gluk-w/claworc/shellrelay/internal/stream"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// ErrUnavailable wraps calls rejected while the breaker is open.
var ErrUnavailable = errors.New("store unavailable")

// BreakerConfig configures the circuit breaker in front of the store.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a probe is let through.
	Timeout time.Duration
	// Interval clears failure counts while closed. Zero keeps them until
	// the circuit opens.
	Interval time.Duration
}

// Guarded wraps a Store with a circuit breaker. While the database is
// failing, calls fail fast with ErrUnavailable instead of piling up behind
// it; callers log and carry on, and the stream pipeline keeps unsaved
// output in memory until the store recovers.
type Guarded struct {
	inner   *Store
	breaker *gobreaker.CircuitBreaker[any]
	logger  *zap.Logger
}

var _ session.Store = (*Guarded)(nil)

// NewGuarded wraps inner. Zero config fields take defaults.
func NewGuarded(inner *Store, cfg BreakerConfig, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("database")
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Callers cancelling is not a database failure.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrNotFound)
		},
	})
	return &Guarded{inner: inner, breaker: cb, logger: logger}
}

// State returns the breaker state for health reporting.
func (g *Guarded) State() gobreaker.State { return g.breaker.State() }

// Inner returns the wrapped store.
func (g *Guarded) Inner() *Store { return g.inner }

func (g *Guarded) exec(fn func() (any, error)) (any, error) {
	v, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return v, err
}

func (g *Guarded) do(fn func() error) error {
	_, err := g.exec(func() (any, error) { return nil, fn() })
	return err
}

func (g *Guarded) SaveSession(ctx context.Context, info session.Info) error {
	return g.do(func() error { return g.inner.SaveSession(ctx, info) })
}

func (g *Guarded) SaveCommand(ctx context.Context, rec session.CommandRecord) error {
	return g.do(func() error { return g.inner.SaveCommand(ctx, rec) })
}

func (g *Guarded) SaveOutputBatch(ctx context.Context, sessionID string, first, last uint64, chunks []stream.Chunk) error {
	return g.do(func() error { return g.inner.SaveOutputBatch(ctx, sessionID, first, last, chunks) })
}

func (g *Guarded) LoadOutputSince(ctx context.Context, sessionID string, after uint64) ([]stream.Chunk, error) {
	v, err := g.exec(func() (any, error) { return g.inner.LoadOutputSince(ctx, sessionID, after) })
	if err != nil {
		return nil, err
	}
	return v.([]stream.Chunk), nil
}

func (g *Guarded) LoadActiveSessions(ctx context.Context) ([]session.Info, error) {
	v, err := g.exec(func() (any, error) { return g.inner.LoadActiveSessions(ctx) })
	if err != nil {
		return nil, err
	}
	return v.([]session.Info), nil
}

func (g *Guarded) LoadSession(ctx context.Context, id string) (session.Info, error) {
	v, err := g.exec(func() (any, error) { return g.inner.LoadSession(ctx, id) })
	if err != nil {
		return session.Info{}, err
	}
	return v.(session.Info), nil
}

func (g *Guarded) ListCommands(ctx context.Context, sessionID string, limit int) ([]session.CommandRecord, error) {
	v, err := g.exec(func() (any, error) { return g.inner.ListCommands(ctx, sessionID, limit) })
	if err != nil {
		return nil, err
	}
	return v.([]session.CommandRecord), nil
}

func (g *Guarded) PurgeOutputBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	v, err := g.exec(func() (any, error) { return g.inner.PurgeOutputBefore(ctx, cutoff) })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}
