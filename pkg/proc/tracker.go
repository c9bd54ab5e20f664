// Package proc tracks processes the session believes it has started and
// provides targeted interrupt and bulk emergency termination.
//
// Tracking is heuristic: whether a command starts a long-running process
// is guessed from its syntax, not confirmed by the transport. Completion
// notifications from the transport, when they arrive, are authoritative
// and evict tracked entries; heuristic-only tracking is the fallback.
package proc

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/shellgate/pkg/console"
	sgerrors "github.com/odvcencio/shellgate/pkg/errors"
	"github.com/odvcencio/shellgate/pkg/logging"
)

// Signal kinds passed to the transport adapter.
const (
	SignalInterrupt = "interrupt"
	SignalKill      = "kill"
)

// SignalFunc delivers a signal to a process. An empty pid targets the
// foreground process.
type SignalFunc func(kind, pid string) error

// Process is a tracked process entry.
type Process struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"startedAt"`
}

// KillSummary reports the outcome of an emergency kill.
type KillSummary struct {
	Attempted int
	Failed    int
}

// Long-running command shapes. Matching any of these marks a submitted
// command as process-starting.
var trackedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(vim?|nvim|nano|emacs|pico)\b`),         // editors
	regexp.MustCompile(`(?i)^\s*(less|more|man)\b`),                     // pagers
	regexp.MustCompile(`&\s*$`),                                         // backgrounded
	regexp.MustCompile(`(?i)^\s*(python3?|node|irb|ruby|ipython)\s*$`),  // bare interpreters
	regexp.MustCompile(`(?i)^\s*(ssh|telnet|mosh)\b`),                   // remote shells
	regexp.MustCompile(`(?i)^\s*(top|htop|btop|watch)\b`),               // monitors
	regexp.MustCompile(`(?i)^\s*tail\s+(-[a-z]*\s+)*-[a-z]*f`),          // follow
	regexp.MustCompile(`(?i)\|\s*(less|more|head\s+-n\s+\d+\s*-)\s*$`),  // piped pagers
	regexp.MustCompile(`(?i)^\s*(npm|yarn|pnpm)\s+(start|run\s+dev)\b`), // dev servers
}

// StartsTrackedProcess reports whether a command looks like it starts a
// long-running process.
func StartsTrackedProcess(command string) bool {
	for _, re := range trackedPatterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// Tracker is the single source of truth for active processes within one
// session. It is mutated by the session manager on spawn/complete events
// and cleared in bulk by emergency kill.
type Tracker struct {
	mu     sync.Mutex
	procs  []Process
	armed  bool
	signal SignalFunc
	buffer *console.Buffer
	logger *logging.Logger
}

// NewTracker creates a tracker that signals through fn and appends status
// lines to buf.
func NewTracker(fn SignalFunc, buf *console.Buffer, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Tracker{signal: fn, buffer: buf, logger: logger}
}

// Track records a process for the given command if it matches the
// long-running heuristic. Commands already tracked are not re-added, so
// the tracker never holds duplicate entries for the same command text.
func (t *Tracker) Track(command string) (Process, bool) {
	if !StartsTrackedProcess(command) {
		return Process{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.procs {
		if p.Command == command {
			return p, false
		}
	}

	proc := Process{
		ID:        ulid.Make().String(),
		Command:   command,
		StartedAt: time.Now(),
	}
	t.procs = append(t.procs, proc)

	t.logger.Debug(logging.CategoryProcess, "tracked", "process tracked", map[string]any{
		"id":      proc.ID,
		"command": proc.Command,
	})
	return proc, true
}

// Complete removes a tracked process by id, typically on an authoritative
// completion signal from the transport.
func (t *Tracker) Complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, p := range t.procs {
		if p.ID == id {
			t.procs = append(t.procs[:i], t.procs[i+1:]...)
			return true
		}
	}
	return false
}

// CompleteCommand removes the tracked process matching the command text.
func (t *Tracker) CompleteCommand(command string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, p := range t.procs {
		if p.Command == command {
			t.procs = append(t.procs[:i], t.procs[i+1:]...)
			return true
		}
	}
	return false
}

// List returns a copy of the tracked processes.
func (t *Tracker) List() []Process {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Process, len(t.procs))
	copy(out, t.procs)
	return out
}

// Len returns the number of tracked processes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// Interrupt sends a single interrupt to the foreground process. It is
// only valid while at least one process is tracked.
func (t *Tracker) Interrupt() error {
	t.mu.Lock()
	if len(t.procs) == 0 {
		t.mu.Unlock()
		return sgerrors.New(sgerrors.ErrCodeNoTrackedProcess, "no tracked process to interrupt").
			WithUserMessage("Nothing to interrupt.")
	}
	t.mu.Unlock()

	err := t.signal(SignalInterrupt, "")
	if err != nil {
		t.logger.Warn(logging.CategoryProcess, "interrupt_failed", "interrupt signal failed", map[string]any{
			"error": err.Error(),
		})
	}
	t.buffer.Append("^C sent to foreground process", console.KindSystem)
	return nil
}

// ArmKill is the first step of the destructive emergency kill. The next
// ConfirmKill call is only honored while armed.
func (t *Tracker) ArmKill() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.procs) == 0 {
		return sgerrors.New(sgerrors.ErrCodeNoTrackedProcess, "no tracked processes to kill").
			WithUserMessage("Nothing to kill.")
	}
	t.armed = true
	return nil
}

// DisarmKill cancels a pending emergency kill request.
func (t *Tracker) DisarmKill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = false
}

// Armed reports whether an emergency kill has been requested but not yet
// confirmed.
func (t *Tracker) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// ConfirmKill executes the armed emergency kill: repeated interrupts then
// an explicit kill for every tracked process, individually. Per-process
// failures are logged and skipped; the tracked set is always cleared and
// exactly one summary line is appended, whatever the failure count. When
// some terminations failed, the summary is still returned together with a
// TERMINATION_PARTIAL error.
func (t *Tracker) ConfirmKill() (KillSummary, error) {
	t.mu.Lock()
	if !t.armed {
		t.mu.Unlock()
		return KillSummary{}, sgerrors.New(sgerrors.ErrCodeKillNotArmed, "emergency kill not armed")
	}
	targets := make([]Process, len(t.procs))
	copy(targets, t.procs)
	t.armed = false
	t.mu.Unlock()

	summary := KillSummary{Attempted: len(targets)}
	for _, p := range targets {
		failed := false
		for i := 0; i < 2; i++ {
			if err := t.signal(SignalInterrupt, p.ID); err != nil {
				failed = true
				t.logger.Warn(logging.CategoryProcess, "interrupt_failed", "interrupt during emergency kill failed", map[string]any{
					"id":      p.ID,
					"command": p.Command,
					"error":   err.Error(),
				})
				break
			}
		}
		if err := t.signal(SignalKill, p.ID); err != nil {
			failed = true
			t.logger.Warn(logging.CategoryProcess, "kill_failed", "kill during emergency kill failed", map[string]any{
				"id":      p.ID,
				"command": p.Command,
				"error":   err.Error(),
			})
		}
		if failed {
			summary.Failed++
		}
	}

	t.mu.Lock()
	t.procs = nil
	t.mu.Unlock()

	msg := killSummaryLine(summary)
	t.buffer.Append(msg, console.KindSystem)
	t.logger.Info(logging.CategoryProcess, "emergency_kill", msg, map[string]any{
		"attempted": summary.Attempted,
		"failed":    summary.Failed,
	})
	if summary.Failed > 0 {
		return summary, sgerrors.New(sgerrors.ErrCodeTerminationPartial, msg).
			WithContext("attempted", summary.Attempted).
			WithContext("failed", summary.Failed)
	}
	return summary, nil
}

// Clear drops every tracked entry without signaling, for session teardown.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs = nil
	t.armed = false
}

func killSummaryLine(s KillSummary) string {
	noun := "processes"
	if s.Attempted == 1 {
		noun = "process"
	}
	if s.Failed == 0 {
		return fmt.Sprintf("emergency kill: %d %s terminated", s.Attempted, noun)
	}
	return fmt.Sprintf("emergency kill: %d %s terminated, %d failed", s.Attempted, noun, s.Failed)
}
