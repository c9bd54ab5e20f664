package console

import "sync"

// DefaultHistoryCap is the hard cap used when no capacity is given.
const DefaultHistoryCap = 500

// History is a bounded ordered list of previously submitted commands with
// cursor-based navigation. The cursor sits "past the end" (at Len) when no
// navigation is in progress; Prev moves toward older entries, Next toward
// newer ones, and stepping past the newest entry returns to the empty
// input state.
type History struct {
	mu      sync.Mutex
	entries []string
	cursor  int
	cap     int
}

// NewHistory creates a history with the given hard cap. Non-positive caps
// fall back to DefaultHistoryCap.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	return &History{cap: capacity}
}

// Add appends a submitted command and resets the cursor past the end.
// A command identical to the immediately preceding entry is not
// re-appended; older duplicates are allowed.
func (h *History) Add(command string) {
	if command == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.entries); n == 0 || h.entries[n-1] != command {
		if len(h.entries) >= h.cap {
			h.entries = append(h.entries[:0], h.entries[1:]...)
		}
		h.entries = append(h.entries, command)
	}
	h.cursor = len(h.entries)
}

// Prev moves the cursor one entry older and returns it. The second return
// is false when there is no older entry; the cursor does not move past the
// oldest entry.
func (h *History) Prev() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) == 0 || h.cursor == 0 {
		return "", false
	}
	h.cursor--
	return h.entries[h.cursor], true
}

// Next moves the cursor one entry newer and returns it. Stepping past the
// newest entry parks the cursor past the end and returns ("", false),
// restoring the empty input state.
func (h *History) Next() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cursor >= len(h.entries) {
		return "", false
	}
	h.cursor++
	if h.cursor == len(h.entries) {
		return "", false
	}
	return h.entries[h.cursor], true
}

// ResetCursor parks the cursor past the end without touching entries.
func (h *History) ResetCursor() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cursor = len(h.entries)
}

// Len returns the number of stored entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Entries returns a copy of the stored commands, oldest first.
func (h *History) Entries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, len(h.entries))
	copy(out, h.entries)
	return out
}
