package stream

import (
	"context"

	"go.uber.org/zap"
)

// Subscription is one consumer's cursor into a pipeline. It is not safe
// for concurrent use.
type Subscription struct {
	p        *Pipeline
	after    uint64
	backlog  []Chunk
	gapCount int
}

// Subscribe returns a cursor that yields every chunk with Sequence >
// after, oldest first. Chunks that have left the window are loaded from
// the store.
func (p *Pipeline) Subscribe(after uint64) *Subscription {
	p.mu.Lock()
	if after > p.seq {
		p.logger.Debug("subscriber ahead of stream, resetting cursor",
			zap.Uint64("after", after), zap.Uint64("sequence", p.seq))
		after = p.seq
	}
	p.mu.Unlock()
	return &Subscription{p: p, after: after}
}

// Position is the last sequence handed out by Next.
func (s *Subscription) Position() uint64 { return s.after }

// Gaps reports how many times the cursor had to skip chunks that were
// neither in the window nor in the store.
func (s *Subscription) Gaps() int { return s.gapCount }

// Next blocks until the next chunk is available, ctx is done or the
// pipeline is closed and drained.
func (s *Subscription) Next(ctx context.Context) (Chunk, error) {
	for {
		if len(s.backlog) > 0 {
			c := s.backlog[0]
			s.backlog = s.backlog[1:]
			if c.Sequence <= s.after {
				continue
			}
			s.after = c.Sequence
			return c, nil
		}

		p := s.p
		p.mu.Lock()
		if s.after < p.seq {
			if n := len(p.window); n > 0 && s.after+1 >= p.window[0].Sequence {
				c := p.window[s.after+1-p.window[0].Sequence]
				p.mu.Unlock()
				s.after = c.Sequence
				return c, nil
			}
			// Behind the window.
			var oldest uint64
			if len(p.window) > 0 {
				oldest = p.window[0].Sequence
			} else {
				oldest = p.seq + 1
			}
			p.mu.Unlock()
			if err := s.loadBacklog(ctx, oldest); err != nil {
				return Chunk{}, err
			}
			continue
		}
		if p.closed {
			p.mu.Unlock()
			return Chunk{}, ErrClosed
		}
		wait := p.notify
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
}

// loadBacklog fills the backlog from the store. When the store has
// nothing newer than the cursor the cursor jumps to just before oldest.
func (s *Subscription) loadBacklog(ctx context.Context, oldest uint64) error {
	p := s.p
	if p.store != nil {
		chunks, err := p.store.LoadOutputSince(ctx, p.sessionID, s.after)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("load persisted output failed", zap.Uint64("after", s.after), zap.Error(err))
		}
		for _, c := range chunks {
			if c.Sequence > s.after && c.Sequence < oldest {
				s.backlog = append(s.backlog, c)
			}
		}
		if len(s.backlog) > 0 {
			if first := s.backlog[0].Sequence; first != s.after+1 {
				s.noteGap(first - 1)
			}
			return nil
		}
	}
	s.noteGap(oldest - 1)
	return nil
}

func (s *Subscription) noteGap(to uint64) {
	s.gapCount++
	s.p.logger.Warn("output replay gap",
		zap.Uint64("from", s.after+1), zap.Uint64("to", to))
	s.after = to
}
