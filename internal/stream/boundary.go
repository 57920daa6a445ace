package stream

import (
	"bytes"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// maxHold bounds how many trailing bytes a flush may hold back while
// waiting for an escape sequence to complete.
const maxHold = 256

// carryTimeout is how long the flush timer leaves an incomplete trailing
// sequence held before emitting it as is.
const carryTimeout = 500 * time.Millisecond

// splitIncomplete returns b split before a trailing escape sequence or
// UTF-8 rune that has not been fully received.
func splitIncomplete(b []byte) (complete, tail []byte) {
	if len(b) == 0 {
		return b, nil
	}

	from := len(b) - maxHold
	if from < 0 {
		from = 0
	}
	if i := bytes.LastIndexByte(b[from:], ansi.ESC); i >= 0 {
		start := from + i
		if !escapeTerminated(b[start:]) {
			return b[:start], b[start:]
		}
	}

	// Find the start of the last rune.
	start := len(b) - 1
	for start > 0 && start > len(b)-utf8.UTFMax && !utf8.RuneStart(b[start]) {
		start--
	}
	if !utf8.FullRune(b[start:]) {
		return b[:start], b[start:]
	}
	return b, nil
}

// escapeTerminated reports whether the escape sequence at the start of
// seq ends within seq. Anything after the sequence is ignored.
func escapeTerminated(seq []byte) bool {
	if len(seq) < 2 {
		return false
	}
	switch seq[1] {
	case '[':
		// CSI: parameter and intermediate bytes, then a final byte.
		for _, c := range seq[2:] {
			if c >= 0x40 && c <= 0x7e {
				return true
			}
			if c < 0x20 || c > 0x3f {
				return true // malformed; let it through
			}
		}
		return false
	case ']', 'P', 'X', '^', '_':
		// String sequences end with BEL or ST.
		body := seq[2:]
		if seq[1] == ']' && bytes.IndexByte(body, ansi.BEL) >= 0 {
			return true
		}
		return bytes.Contains(body, []byte{ansi.ESC, '\\'})
	default:
		// ESC followed by intermediates and a final byte.
		for _, c := range seq[1:] {
			if c < 0x20 || c > 0x2f {
				return true
			}
		}
		return false
	}
}
