// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"bytes"
	"sync"
)

// maxPartial bounds a line that never sees a newline.
const maxPartial = 4096

// LineRing is a thread-safe ring buffer for capturing the last N lines of
// process output. Partial writes are joined until a newline arrives.
type LineRing struct {
	mu      sync.RWMutex
	lines   []string
	head    int
	count   int
	partial bytes.Buffer
}

// NewLineRing creates a LineRing with the specified capacity.
func NewLineRing(capacity int) *LineRing {
	if capacity < 1 {
		capacity = 50
	}
	return &LineRing{lines: make([]string, capacity)}
}

// Write implements io.Writer.
func (r *LineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rest := p
	for len(rest) > 0 {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			r.partial.Write(rest)
			if r.partial.Len() > maxPartial {
				r.push(r.partial.String())
				r.partial.Reset()
			}
			break
		}
		r.partial.Write(rest[:i])
		r.push(r.partial.String())
		r.partial.Reset()
		rest = rest[i+1:]
	}
	return len(p), nil
}

func (r *LineRing) push(line string) {
	line = string(bytes.TrimRight([]byte(line), "\r"))
	if line == "" {
		return
	}
	r.lines[r.head] = line
	r.head = (r.head + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
}

// LastN returns up to n of the newest lines in chronological order.
func (r *LineRing) LastN(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	out := make([]string, 0, n)
	start := (r.head - n + len(r.lines)) % len(r.lines)
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}
