package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobTimeout = 5 * time.Minute

type idleSweeper interface {
	CleanupIdle(ctx context.Context, now time.Time) int
}

type prober interface {
	Probe(ctx context.Context) int
}

type outputPurger interface {
	PurgeOutputBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// jobs is the periodic maintenance run by the serve command.
type jobs struct {
	sessions  idleSweeper
	health    prober
	store     outputPurger
	retention time.Duration
	logger    *zap.Logger
}

func (j *jobs) sweepIdle(ctx context.Context) {
	if n := j.sessions.CleanupIdle(ctx, time.Now()); n > 0 {
		j.logger.Info("idle sessions terminated", zap.Int("count", n))
	}
}

func (j *jobs) probe(ctx context.Context) {
	if n := j.health.Probe(ctx); n > 0 {
		j.logger.Info("dead shells found by probe", zap.Int("count", n))
	}
}

func (j *jobs) purgeOutput(ctx context.Context, now time.Time) {
	n, err := j.store.PurgeOutputBefore(ctx, now.Add(-j.retention))
	if err != nil {
		j.logger.Warn("purge output", zap.Error(err))
		return
	}
	if n > 0 {
		j.logger.Info("old output purged", zap.Int64("batches", n), zap.Duration("retention", j.retention))
	}
}

// schedule adds the jobs to c. Each run gets its own timeout derived
// from ctx.
func (j *jobs) schedule(ctx context.Context, c *cron.Cron, probeInterval time.Duration) error {
	add := func(spec, name string, fn func(context.Context)) error {
		_, err := c.AddFunc(spec, func() {
			jctx, cancel := context.WithTimeout(ctx, jobTimeout)
			defer cancel()
			fn(jctx)
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		return nil
	}

	if err := add("@every 1m", "idle sweep", j.sweepIdle); err != nil {
		return err
	}
	if err := add("@every "+probeInterval.String(), "health probe", j.probe); err != nil {
		return err
	}
	if j.store != nil && j.retention > 0 {
		if err := add("@hourly", "output purge", func(ctx context.Context) { j.purgeOutput(ctx, time.Now()) }); err != nil {
			return err
		}
	}
	return nil
}

// cronLogger routes cron's own messages to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

// newCron returns a scheduler that recovers panicking jobs and skips a
// run while the previous one is still going.
func newCron(logger *zap.Logger) *cron.Cron {
	cl := cronLogger{s: logger.Named("cron").Sugar()}
	return cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}
