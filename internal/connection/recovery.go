package connection

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/gluk-w/claworc/shellrelay/internal/session"
	"github.com/gluk-w/claworc/shellrelay/internal/shell"
)

// Run consumes registry events until ctx is done. Process exits are
// handled the same way the probe handles them.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()
	events := m.reg.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Type {
			case session.EventProcessExited:
				wg.Add(1)
				go func() {
					defer wg.Done()
					m.handleExit(ctx, ev.SessionID, ev.Exit)
				}()
			case session.EventTerminated:
				m.forget(ev.SessionID)
			}
		}
	}
}

// Probe checks every active session and handles the ones whose process
// has died. It returns the number of sessions found dead.
func (m *Manager) Probe(ctx context.Context) int {
	dead := 0
	for _, info := range m.reg.List() {
		if info.Status != session.StatusActive {
			continue
		}
		s, err := m.reg.Get(info.ID)
		if err != nil || s.Alive() {
			continue
		}
		dead++
		m.handleExit(ctx, info.ID, s.ExitStatus())
	}
	return dead
}

// handleExit terminates a session whose shell exited cleanly and
// recovers one that died any other way.
func (m *Manager) handleExit(ctx context.Context, id string, st shell.ExitStatus) {
	log := m.logger.With(zap.String("session_id", id))
	if st.Clean() {
		log.Info("shell exited cleanly, terminating session")
		if err := m.reg.TerminateWithReason(ctx, id, "exited"); err != nil {
			log.Warn("terminate after exit", zap.Error(err))
		}
		return
	}
	log.Info("shell died, recovering",
		zap.Int("exit_code", st.Code),
		zap.Bool("signaled", st.Signaled))
	m.recoverOrTerminate(ctx, id, false)
}

// recoverOrTerminate respawns a session's shell and terminates the
// session when that is not possible.
func (m *Manager) recoverOrTerminate(ctx context.Context, id string, force bool) {
	err := m.recover(ctx, id, force)
	switch {
	case err == nil,
		errors.Is(err, session.ErrSessionPaused),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionTerminated):
		return
	}
	reason := "recovery_failed"
	if errors.Is(err, ErrRecoveryExhausted) {
		reason = "recovery_exhausted"
	}
	m.logger.Warn("recovery failed, terminating session",
		zap.String("session_id", id), zap.String("reason", reason), zap.Error(err))
	if terr := m.reg.TerminateWithReason(ctx, id, reason); terr != nil {
		m.logger.Warn("terminate after failed recovery", zap.String("session_id", id), zap.Error(terr))
	}
}

// recover respawns the session's shell within its recovery budget. One
// recovery runs per session at a time; a concurrent caller gets
// session.ErrSessionPaused. Unless force is set, a session whose
// process is alive again is left alone.
func (m *Manager) recover(ctx context.Context, id string, force bool) error {
	s, err := m.reg.Get(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	r := m.recoveries[id]
	if r == nil {
		r = &recovery{}
		m.recoveries[id] = r
	}
	if r.inProgress {
		m.mu.Unlock()
		return session.ErrSessionPaused
	}
	if !force && s.Alive() {
		m.mu.Unlock()
		return nil
	}
	now := m.now()
	if r.attempts > 0 && now.Sub(r.lastAt) >= m.recoveryWindow {
		r.attempts = 0
	}
	if r.attempts >= m.maxRecoveries {
		m.mu.Unlock()
		return ErrRecoveryExhausted
	}
	r.attempts++
	r.lastAt = now
	r.inProgress = true
	attempt := r.attempts
	m.mu.Unlock()

	err = m.reg.Respawn(ctx, id)

	m.mu.Lock()
	r.inProgress = false
	m.mu.Unlock()

	m.metrics.RecordRecovery(err == nil)
	if err != nil {
		return err
	}
	m.logger.Info("session recovered",
		zap.String("session_id", id),
		zap.Int("attempt", attempt),
		zap.Int("max", m.maxRecoveries))
	return nil
}

// Recoveries returns how many recoveries a session has used.
func (m *Manager) Recoveries(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.recoveries[id]; r != nil {
		return r.attempts
	}
	return 0
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.recoveries, id)
	m.mu.Unlock()
}
