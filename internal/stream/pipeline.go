// Package stream turns raw shell output into ordered, sequence-numbered
// chunks, keeps a bounded window of them for live consumers and replay,
// and hands them to durable storage.
//
// Batches are flushed when the first of three things happens: the flush
// interval elapses since the oldest unflushed byte, the batch reaches
// the size threshold, or the reader finds no more output immediately
// available. Consumers pull chunks at their own pace through a
// [Subscription]; a slow consumer never blocks ingest. Chunks older than
// the in-memory window are read back from the [Store].
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by Subscription.Next once the pipeline is closed
// and every chunk has been delivered.
var ErrClosed = errors.New("stream closed")

// Defaults for Config fields left zero.
const (
	DefaultFlushInterval  = 8 * time.Millisecond
	DefaultMaxBatchBytes  = 32 * 1024
	DefaultWindowBytes    = 1024 * 1024
	DefaultWindowChunks   = 4096
	DefaultReadBufferSize = 32 * 1024

	readQueueDepth = 64
	persistBatch   = 256
)

// Config controls batching and retention.
type Config struct {
	FlushInterval  time.Duration
	MaxBatchBytes  int
	WindowBytes    int
	WindowChunks   int
	ReadBufferSize int
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if c.WindowBytes <= 0 {
		c.WindowBytes = DefaultWindowBytes
	}
	if c.WindowChunks <= 0 {
		c.WindowChunks = DefaultWindowChunks
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	return c
}

// Options wires a pipeline to its collaborators. Every field is optional.
type Options struct {
	Config   Config
	Redactor Redactor
	Store    Store
	Logger   *zap.Logger
	// StartSequence is the last sequence already used by this session,
	// for sessions restored from storage.
	StartSequence uint64
	// OnChunk is called after each chunk is appended, outside any lock.
	OnChunk func(Chunk)
}

// Pipeline is the output path of one session.
type Pipeline struct {
	sessionID string
	cfg       Config
	redactor  Redactor
	store     Store
	logger    *zap.Logger
	onChunk   func(Chunk)

	mu           sync.Mutex
	seq          uint64
	pending      []byte
	carry        []byte
	carryAt      time.Time
	window       []Chunk
	windowBytes  int
	persistedTo  uint64
	notify       chan struct{}
	closed       bool
	warnedDegrad bool

	persistWake chan struct{}
	stop        chan struct{}
	persistDone chan struct{}
	closeOnce   sync.Once
}

// New returns a pipeline for sessionID and starts its persister.
func New(sessionID string, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	redactor := opts.Redactor
	if redactor == nil {
		redactor = nopRedactor{}
	}
	p := &Pipeline{
		sessionID:   sessionID,
		cfg:         opts.Config.withDefaults(),
		redactor:    redactor,
		store:       opts.Store,
		logger:      logger.Named("stream").With(zap.String("session_id", sessionID)),
		onChunk:     opts.OnChunk,
		seq:         opts.StartSequence,
		persistedTo: opts.StartSequence,
		notify:      make(chan struct{}),
		persistWake: make(chan struct{}, 1),
		stop:        make(chan struct{}),
		persistDone: make(chan struct{}),
	}
	go p.persistLoop()
	return p
}

// Sequence returns the last sequence number assigned.
func (p *Pipeline) Sequence() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Ingest appends raw process output to the pending batch and flushes
// once the batch reaches the size threshold.
func (p *Pipeline) Ingest(raw []byte) {
	if len(raw) == 0 {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.pending = append(p.pending, raw...)
	full := len(p.pending)+len(p.carry) >= p.cfg.MaxBatchBytes
	p.mu.Unlock()

	if full {
		p.flush(false)
	}
}

// Flush emits everything pending, including incomplete trailing
// sequences.
func (p *Pipeline) Flush() {
	p.flush(true)
}

// flushTimed is the flush timer's flush: it keeps holding an incomplete
// trailing sequence until carryTimeout has passed.
func (p *Pipeline) flushTimed(now time.Time) {
	p.mu.Lock()
	expired := len(p.carry) > 0 && now.Sub(p.carryAt) >= carryTimeout
	p.mu.Unlock()
	p.flush(expired)
}

func (p *Pipeline) hasPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) > 0 || len(p.carry) > 0
}

func (p *Pipeline) flush(force bool) {
	p.mu.Lock()
	data := p.pending
	held := len(p.carry) > 0
	if held {
		data = append(p.carry, p.pending...)
	}
	p.pending = nil
	p.carry = nil
	if !force {
		complete, tail := splitIncomplete(data)
		if len(tail) > 0 {
			p.carry = append([]byte(nil), tail...)
			if !held {
				p.carryAt = time.Now()
			}
			data = complete
		}
	}
	if len(data) == 0 {
		p.mu.Unlock()
		return
	}
	filtered, matched := p.redactor.FilterBytes(data)
	c := p.appendLocked(Chunk{
		Kind:     ChunkOutput,
		Data:     filtered,
		Redacted: matched,
	})
	p.mu.Unlock()
	p.afterAppend(c)
}

// Emit flushes pending output and appends a synthetic chunk.
func (p *Pipeline) Emit(kind ChunkKind, data []byte, exitCode int) Chunk {
	p.flush(true)
	p.mu.Lock()
	c := p.appendLocked(Chunk{Kind: kind, Data: data, ExitCode: exitCode})
	p.mu.Unlock()
	p.afterAppend(c)
	return c
}

// appendLocked assigns the next sequence, stores the chunk in the window
// and wakes waiting subscribers.
func (p *Pipeline) appendLocked(c Chunk) Chunk {
	p.seq++
	c.Sequence = p.seq
	c.Timestamp = time.Now()
	p.window = append(p.window, c)
	p.windowBytes += len(c.Data)
	p.evictLocked()

	close(p.notify)
	p.notify = make(chan struct{})
	return c
}

func (p *Pipeline) afterAppend(c Chunk) {
	if p.store != nil {
		select {
		case p.persistWake <- struct{}{}:
		default:
		}
	}
	if p.onChunk != nil {
		p.onChunk(c)
	}
}

func (p *Pipeline) overLimit(factor int) bool {
	return p.windowBytes > factor*p.cfg.WindowBytes || len(p.window) > factor*p.cfg.WindowChunks
}

// evictLocked drops the oldest chunks while the window is over its
// bounds. Only persisted chunks are dropped, unless the window has grown
// to twice its bounds because persistence is failing.
func (p *Pipeline) evictLocked() {
	for len(p.window) > 1 && p.overLimit(1) {
		head := p.window[0]
		if p.store != nil && head.Sequence > p.persistedTo && !p.overLimit(2) {
			return
		}
		if p.store != nil && head.Sequence > p.persistedTo && !p.warnedDegrad {
			p.warnedDegrad = true
			p.logger.Warn("evicting unpersisted output; replay beyond the window will have gaps",
				zap.Uint64("sequence", head.Sequence))
		}
		p.window[0] = Chunk{}
		p.window = p.window[1:]
		p.windowBytes -= len(head.Data)
	}
}

// Run is the ingest loop. It reads r until EOF or ctx is done and
// flushes according to the batching policy. A clean EOF returns nil.
func (p *Pipeline) Run(ctx context.Context, r io.Reader) error {
	reads := make(chan []byte, readQueueDepth)
	readErr := make(chan error, 1)

	go func() {
		defer close(reads)
		for {
			buf := make([]byte, p.cfg.ReadBufferSize)
			n, err := r.Read(buf)
			if n > 0 {
				select {
				case reads <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	armed := false
	arm := func() {
		if !armed {
			timer.Reset(p.cfg.FlushInterval)
			armed = true
		}
	}
	defer timer.Stop()

	for {
		select {
		case b, ok := <-reads:
			if !ok {
				p.Flush()
				select {
				case err := <-readErr:
					if errors.Is(err, io.EOF) {
						return nil
					}
					return err
				default:
					return ctx.Err()
				}
			}
			p.Ingest(b)
			if len(reads) == 0 {
				p.flush(false)
			}
			if p.hasPending() {
				arm()
			}
		case <-timer.C:
			armed = false
			p.flushTimed(time.Now())
			if p.hasPending() {
				arm()
			}
		case <-ctx.Done():
			p.Flush()
			return ctx.Err()
		}
	}
}

// Close flushes, stops accepting output and persists what is left.
// Subscribers drain the remaining window and then get ErrClosed.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.Flush()
		p.mu.Lock()
		p.closed = true
		close(p.notify)
		p.notify = make(chan struct{})
		p.mu.Unlock()

		close(p.stop)
		<-p.persistDone
	})
}

func (p *Pipeline) persistLoop() {
	defer close(p.persistDone)
	if p.store == nil {
		<-p.stop
		return
	}
	for {
		select {
		case <-p.persistWake:
			p.persistPending(context.Background())
		case <-p.stop:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			p.persistPending(ctx)
			cancel()
			return
		}
	}
}

func (p *Pipeline) persistPending(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.window) > 0 && p.window[0].Sequence > p.persistedTo+1 {
			// Evicted before it could be saved.
			p.persistedTo = p.window[0].Sequence - 1
		}
		var batch []Chunk
		if n := len(p.window); n > 0 && p.window[n-1].Sequence > p.persistedTo {
			start := int(p.persistedTo + 1 - p.window[0].Sequence)
			end := start + persistBatch
			if end > n {
				end = n
			}
			batch = append(batch, p.window[start:end]...)
		}
		p.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		first, last := batch[0].Sequence, batch[len(batch)-1].Sequence
		if err := p.store.SaveOutputBatch(ctx, p.sessionID, first, last, batch); err != nil {
			p.logger.Warn("persist output batch failed",
				zap.Uint64("first", first), zap.Uint64("last", last), zap.Error(err))
			return
		}

		p.mu.Lock()
		if last > p.persistedTo {
			p.persistedTo = last
		}
		p.evictLocked()
		p.mu.Unlock()
	}
}
