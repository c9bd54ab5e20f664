// Package console holds the per-session scrollback buffer and command
// history. Both are bounded and owned by the session that created them;
// callers outside the owning session must not mutate them directly.
package console

import (
	"sync"
	"time"
)

// LineKind distinguishes what produced an output line.
type LineKind string

const (
	KindOutput  LineKind = "output"
	KindError   LineKind = "error"
	KindCommand LineKind = "command"
	KindSystem  LineKind = "system"
)

// Line is a single rendered line of session output. Immutable once
// appended.
type Line struct {
	Content   string    `json:"content"`
	Kind      LineKind  `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultBufferCap is the hard cap used when no capacity is given.
const DefaultBufferCap = 1000

// evictFraction is the share of oldest lines dropped in one bulk eviction
// when the buffer hits its cap. Bulk eviction avoids shifting the slice on
// every append once full.
const evictFraction = 4

// Buffer is a bounded, append-only ordered log of output lines.
type Buffer struct {
	mu    sync.Mutex
	lines []Line
	cap   int
}

// NewBuffer creates a buffer with the given hard cap. Non-positive caps
// fall back to DefaultBufferCap.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCap
	}
	return &Buffer{cap: capacity}
}

// Append adds a line, evicting the oldest quarter of the buffer first if
// the append would exceed the cap.
func (b *Buffer) Append(content string, kind LineKind) Line {
	line := Line{Content: content, Kind: kind, Timestamp: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.lines) >= b.cap {
		drop := b.cap / evictFraction
		if drop < 1 {
			drop = 1
		}
		b.lines = append(b.lines[:0], b.lines[drop:]...)
	}
	b.lines = append(b.lines, line)
	return line
}

// Lines returns a copy of the buffered lines in append order.
func (b *Buffer) Lines() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Line, len(b.lines))
	copy(out, b.lines)
	return out
}

// Len returns the number of buffered lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Cap returns the hard cap.
func (b *Buffer) Cap() int {
	return b.cap
}

// Clear drops every buffered line.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = b.lines[:0]
}

// ClearKinds drops lines of the given kinds, keeping everything else in
// order. Used on reconnect to strip transient status noise while keeping
// the command/output record intact.
func (b *Buffer) ClearKinds(kinds ...LineKind) {
	drop := make(map[LineKind]bool, len(kinds))
	for _, k := range kinds {
		drop[k] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.lines[:0]
	for _, line := range b.lines {
		if !drop[line.Kind] {
			kept = append(kept, line)
		}
	}
	b.lines = kept
}
