// Package redact replaces secret-shaped substrings in terminal output
// with a fixed marker.
//
// Matching runs only on the printable text between escape sequences, so
// control sequences pass through byte-for-byte and are never cut.
package redact

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// Marker replaces every redacted substring.
const Marker = "[REDACTED]"

// secretGroup names the capture group that holds the secret part of a
// match. Patterns without it are replaced whole.
const secretGroup = "secret"

// Pattern is a named secret matcher.
type Pattern struct {
	Name string
	Re   *regexp.Regexp
}

// Compile builds a Pattern from an expression.
func Compile(name, expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("pattern %q: %w", name, err)
	}
	return Pattern{Name: name, Re: re}, nil
}

func mustCompile(name, expr string) Pattern {
	p, err := Compile(name, expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Builtin is the pattern set every filter starts with.
var Builtin = []Pattern{
	mustCompile("credential_assignment",
		`(?i)\b(?:password|passwd|pwd|secret|token|api[_-]?key|access[_-]?key|secret[_-]?key|client[_-]?secret)\s*[=:]\s*(?P<secret>"[^"\r\n]+"|'[^'\r\n]+'|[^\s"',;]+)`),
	mustCompile("bearer_token", `(?i)\bbearer\s+(?P<secret>[A-Za-z0-9\-._~+/]{16,}=*)`),
	mustCompile("aws_access_key_id", `\b(?P<secret>(?:AKIA|ASIA)[0-9A-Z]{16})\b`),
	mustCompile("github_token", `\b(?P<secret>gh[pousr]_[A-Za-z0-9]{36,})\b`),
	mustCompile("slack_token", `\b(?P<secret>xox[abprs]-[A-Za-z0-9-]{10,})\b`),
	mustCompile("jwt", `\b(?P<secret>eyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,})`),
	mustCompile("private_key_header", `-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

// Filter applies a pattern set. It is safe for concurrent use and the
// custom patterns can be swapped at runtime.
type Filter struct {
	mu       sync.RWMutex
	patterns []Pattern
}

// New returns a filter with the built-in patterns plus custom.
func New(custom ...Pattern) *Filter {
	f := &Filter{}
	f.SetCustom(custom)
	return f
}

// SetCustom replaces the custom patterns. Built-ins always stay.
func (f *Filter) SetCustom(custom []Pattern) {
	all := make([]Pattern, 0, len(Builtin)+len(custom))
	all = append(all, Builtin...)
	all = append(all, custom...)
	f.mu.Lock()
	f.patterns = all
	f.mu.Unlock()
}

// Patterns returns the names of the active patterns.
func (f *Filter) Patterns() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, len(f.patterns))
	for i, p := range f.patterns {
		names[i] = p.Name
	}
	return names
}

// Filter returns text with every match replaced by Marker, and whether
// anything matched.
func (f *Filter) Filter(text string) (string, bool) {
	if text == "" {
		return text, false
	}
	f.mu.RLock()
	patterns := f.patterns
	f.mu.RUnlock()

	var out strings.Builder
	out.Grow(len(text))
	matched := false

	var state byte
	runStart := 0
	pos := 0
	for pos < len(text) {
		seq, width, n, newState := ansi.DecodeSequence(text[pos:], state, nil)
		state = newState
		if n <= 0 {
			n = 1
		}
		if width == 0 && isEscape(seq) {
			red, m := apply(patterns, text[runStart:pos])
			out.WriteString(red)
			matched = matched || m
			out.WriteString(text[pos : pos+n])
			runStart = pos + n
		}
		pos += n
	}
	red, m := apply(patterns, text[runStart:])
	out.WriteString(red)
	matched = matched || m

	if !matched {
		return text, false
	}
	return out.String(), true
}

// FilterBytes is Filter for byte slices. The input is returned unchanged
// when nothing matched.
func (f *Filter) FilterBytes(b []byte) ([]byte, bool) {
	out, matched := f.Filter(string(b))
	if !matched {
		return b, false
	}
	return []byte(out), true
}

func isEscape(seq string) bool {
	if seq == "" {
		return false
	}
	c := seq[0]
	return c == 0x1b || (c >= 0x80 && c <= 0x9f && len(seq) > 1)
}

func apply(patterns []Pattern, s string) (string, bool) {
	if s == "" {
		return s, false
	}
	matched := false
	for _, p := range patterns {
		idx := p.Re.SubexpIndex(secretGroup)
		locs := p.Re.FindAllStringSubmatchIndex(s, -1)
		if len(locs) == 0 {
			continue
		}
		matched = true
		var b strings.Builder
		last := 0
		for _, loc := range locs {
			start, end := loc[0], loc[1]
			if idx > 0 && loc[2*idx] >= 0 {
				start, end = loc[2*idx], loc[2*idx+1]
			}
			b.WriteString(s[last:start])
			b.WriteString(Marker)
			last = end
		}
		b.WriteString(s[last:])
		s = b.String()
	}
	return s, matched
}
