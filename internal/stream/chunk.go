package stream

import (
	"context"
	"time"
)

// ChunkKind tells an output chunk apart from the synthetic lifecycle
// markers that share the sequence space.
type ChunkKind string

const (
	ChunkOutput           ChunkKind = "output"
	ChunkProcessEnded     ChunkKind = "process_ended"
	ChunkProcessRestarted ChunkKind = "process_restarted"
)

// Chunk is one sequence-numbered slice of session output. Chunks are
// shared between consumers and must not be modified.
type Chunk struct {
	Sequence  uint64
	Kind      ChunkKind
	Data      []byte
	Timestamp time.Time
	// Redacted is set when the security filter replaced part of Data.
	Redacted bool
	// ExitCode is set on ChunkProcessEnded.
	ExitCode int
}

// Store is the durable side of the pipeline.
type Store interface {
	SaveOutputBatch(ctx context.Context, sessionID string, first, last uint64, chunks []Chunk) error
	// LoadOutputSince returns the persisted chunks with Sequence > after,
	// in order.
	LoadOutputSince(ctx context.Context, sessionID string, after uint64) ([]Chunk, error)
}

// Redactor filters chunk bytes before they are delivered or stored.
type Redactor interface {
	FilterBytes(b []byte) ([]byte, bool)
}

type nopRedactor struct{}

func (nopRedactor) FilterBytes(b []byte) ([]byte, bool) { return b, false }
