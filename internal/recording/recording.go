// Package recording exports session output as asciicast v2 recordings.
package recording

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/claworc/shellrelay/internal/stream"
)

// DefaultMaxEvents caps a recording when the caller passes zero.
const DefaultMaxEvents = 100000

// Header is the first line of an asciicast v2 file.
type Header struct {
	Version   int               `json:"version"`
	Width     uint16            `json:"width"`
	Height    uint16            `json:"height"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one timed entry. Type is "o" for output and "m" for a marker.
type Event struct {
	Elapsed float64
	Type    string
	Data    string
}

// MarshalJSON encodes the event as the [time, type, data] triple
// asciicast players expect.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Elapsed, e.Type, e.Data})
}

// Recording accumulates events relative to a start time.
type Recording struct {
	mu        sync.Mutex
	header    Header
	start     time.Time
	last      float64
	events    []Event
	maxEvents int
	truncated bool
}

// New returns an empty recording. A zero start is taken from the first
// added chunk.
func New(title string, cols, rows uint16, start time.Time, maxEvents int) *Recording {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Recording{
		header:    Header{Version: 2, Width: cols, Height: rows, Title: title},
		start:     start,
		maxEvents: maxEvents,
	}
}

// Add appends the events for one chunk. Chunks past the cap are dropped.
func (r *Recording) Add(c stream.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.start.IsZero() {
		r.start = c.Timestamp
	}
	elapsed := c.Timestamp.Sub(r.start).Seconds()
	// Players require non-decreasing times.
	if elapsed < r.last {
		elapsed = r.last
	}

	switch c.Kind {
	case stream.ChunkOutput:
		r.appendLocked(Event{Elapsed: elapsed, Type: "o", Data: text(c.Data)})
	case stream.ChunkProcessEnded:
		r.appendLocked(Event{Elapsed: elapsed, Type: "m", Data: fmt.Sprintf("process ended (exit %d)", c.ExitCode)})
	case stream.ChunkProcessRestarted:
		r.appendLocked(Event{Elapsed: elapsed, Type: "m", Data: "process restarted"})
		if len(c.Data) > 0 {
			r.appendLocked(Event{Elapsed: elapsed, Type: "o", Data: text(c.Data)})
		}
	}
}

func (r *Recording) appendLocked(e Event) {
	if len(r.events) >= r.maxEvents {
		r.truncated = true
		return
	}
	r.last = e.Elapsed
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recording) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Truncated reports whether events were dropped at the cap.
func (r *Recording) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.truncated
}

// WriteTo writes the header and events as newline-delimited JSON.
func (r *Recording) WriteTo(w io.Writer) (int64, error) {
	r.mu.Lock()
	header := r.header
	if !r.start.IsZero() {
		header.Timestamp = r.start.Unix()
	}
	events := make([]Event, len(r.events))
	copy(events, r.events)
	r.mu.Unlock()

	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(header); err != nil {
		return cw.n, err
	}
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return cw.n, err
		}
	}
	err := bw.Flush()
	return cw.n, err
}

// Build turns stored chunks into a recording.
func Build(title string, cols, rows uint16, chunks []stream.Chunk, maxEvents int) *Recording {
	r := New(title, cols, rows, time.Time{}, maxEvents)
	for _, c := range chunks {
		r.Add(c)
	}
	return r
}

// text makes chunk bytes safe for a JSON string. Chunks end on rune
// boundaries, so replacement only hits genuinely invalid output.
func text(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
