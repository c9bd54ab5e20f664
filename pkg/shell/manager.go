package shell

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/shellgate/pkg/bus"
	"github.com/odvcencio/shellgate/pkg/console"
	sgerrors "github.com/odvcencio/shellgate/pkg/errors"
	"github.com/odvcencio/shellgate/pkg/logging"
	"github.com/odvcencio/shellgate/pkg/proc"
	"github.com/odvcencio/shellgate/pkg/telemetry"
)

// Config configures a session manager.
type Config struct {
	// SessionID identifies the session. When empty a local id is
	// generated and the session runs in degraded mode (no server-side
	// affinity).
	SessionID string

	BufferCap  int
	HistoryCap int

	// ConnectTimeout bounds Connect and Reconnect.
	ConnectTimeout time.Duration

	// Estimated character cell size in pixels, used to derive rows and
	// columns from the rendering surface geometry. Zero values fall
	// back to a typical monospace cell.
	CellWidth  float64
	CellHeight float64
}

const (
	defaultConnectTimeout = 15 * time.Second
	defaultCellWidth      = 9.0
	defaultCellHeight     = 18.0
)

// Manager owns one session: its transport, connection state, scrollback,
// history, and tracked processes. All state transitions for a session are
// serialized behind its mutex; distinct sessions are fully independent.
type Manager struct {
	mu sync.Mutex

	cfg      Config
	id       string
	degraded bool

	state    ConnectionState
	stateMsg string
	prompt   string
	// closed marks a session torn down by Close, as opposed to one that
	// merely lost its transport. Connect reopens it.
	closed    bool
	transport Transport
	// generation increments on every (re)connect so a stale event pump
	// cannot mutate state owned by its successor.
	generation int

	dial    DialFunc
	buffer  *console.Buffer
	history *console.History
	tracker *proc.Tracker
	events  bus.Bus
	logger  *logging.Logger

	pumpCancel context.CancelFunc
}

// NewManager creates a session manager. The dial function is required;
// events and logger may be nil.
func NewManager(cfg Config, dial DialFunc, events bus.Bus, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	id := cfg.SessionID
	degraded := false
	if id == "" {
		// Fail fast with a locally generated id rather than blocking on
		// an id we cannot obtain.
		id = "local-" + uuid.NewString()
		degraded = true
		logger.Warn(logging.CategorySession, "degraded_id", "no session id available, generated local id", map[string]any{
			"session_id": id,
		})
	}

	m := &Manager{
		cfg:      cfg,
		id:       id,
		degraded: degraded,
		state:    StateDisconnected,
		dial:     dial,
		buffer:   console.NewBuffer(cfg.BufferCap),
		history:  console.NewHistory(cfg.HistoryCap),
		events:   events,
		logger:   logger,
	}
	m.tracker = proc.NewTracker(m.signalAdapter, m.buffer, logger)
	return m
}

// SessionID returns the session identifier.
func (m *Manager) SessionID() string { return m.id }

// Degraded reports whether the session runs on a locally generated id.
func (m *Manager) Degraded() bool { return m.degraded }

// Buffer returns the session's output buffer.
func (m *Manager) Buffer() *console.Buffer { return m.buffer }

// History returns the session's command history.
func (m *Manager) History() *console.History { return m.history }

// Tracker returns the session's process tracker.
func (m *Manager) Tracker() *proc.Tracker { return m.tracker }

// State returns the current connection state and its human-readable
// detail message, if any.
func (m *Manager) State() (ConnectionState, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.stateMsg
}

// Prompt returns the last prompt string reported by the transport.
func (m *Manager) Prompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompt
}

// Connect dials the transport and starts the event pump. Valid from
// disconnected or error states.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return sgerrors.New(sgerrors.ErrCodeInvalidState, "connect while "+string(m.state))
	}
	m.state = StateConnecting
	m.stateMsg = ""
	m.closed = false
	m.mu.Unlock()
	m.publishStatus()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	transport, err := m.dial(dialCtx, m.id)
	if err != nil {
		m.mu.Lock()
		m.state = StateError
		m.stateMsg = err.Error()
		m.mu.Unlock()
		m.publishStatus()

		m.logger.Error(logging.CategorySession, "connect_failed", "transport dial failed", map[string]any{
			"error": err.Error(),
		})
		if dialCtx.Err() == context.DeadlineExceeded {
			return sgerrors.Wrap(err, sgerrors.ErrCodeConnectTimeout, "connect timed out").WithRetryable(true)
		}
		return sgerrors.Wrap(err, sgerrors.ErrCodeTransportDropped, "connect failed").WithRetryable(true)
	}

	pumpCtx, pumpCancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.transport = transport
	m.state = StateConnected
	m.stateMsg = ""
	m.generation++
	gen := m.generation
	m.pumpCancel = pumpCancel
	m.mu.Unlock()
	m.publishStatus()

	telemetry.SessionsActive.Inc()
	m.logger.Info(logging.CategorySession, "connected", "session connected", map[string]any{
		"session_id": m.id,
	})

	go m.pump(pumpCtx, transport, gen)
	return nil
}

// Reconnect tears down the current transport and dials again with the
// same session id. Transient status noise is cleared from the buffer;
// command history is preserved.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.teardownTransport()

	m.buffer.ClearKinds(console.KindSystem, console.KindError)

	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()

	m.logger.Info(logging.CategorySession, "reconnect", "reconnecting session", map[string]any{
		"session_id": m.id,
	})
	telemetry.SessionReconnects.Inc()
	return m.Connect(ctx)
}

// Execute runs an admitted command: it echoes the command into the
// buffer, forwards the exact text to the transport, records it in the
// history, and tracks it if it looks long-running.
//
// The echo is appended synchronously before the send so buffer ordering
// matches causal ordering even when the transport is slow.
func (m *Manager) Execute(command string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return sgerrors.New(sgerrors.ErrCodeSessionClosed, "execute on closed session").
			WithUserMessage("Session is closed.")
	}
	if m.state != StateConnected {
		state := m.state
		m.mu.Unlock()
		return sgerrors.New(sgerrors.ErrCodeNotConnected, "execute in state "+string(state)).
			WithUserMessage("Not connected. Reconnect to run commands.")
	}
	transport := m.transport
	m.mu.Unlock()

	m.buffer.Append(command, console.KindCommand)
	m.publishLine(command, console.KindCommand)

	// Execute submits a complete line; Send carries raw keystrokes.
	if err := transport.Send(command + "\n"); err != nil {
		m.logger.Error(logging.CategoryTransport, "send_failed", "send failed", map[string]any{
			"error": err.Error(),
		})
		return sgerrors.Wrap(err, sgerrors.ErrCodeTransportDropped, "send failed").WithRetryable(true)
	}

	m.history.Add(command)
	if p, tracked := m.tracker.Track(command); tracked {
		m.publishProcess(p)
	}
	return nil
}

// Send forwards raw input (keystrokes, control sequences) without
// echoing or history. Only valid while connected.
func (m *Manager) Send(text string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return sgerrors.New(sgerrors.ErrCodeSessionClosed, "send on closed session")
	}
	if m.state != StateConnected {
		state := m.state
		m.mu.Unlock()
		return sgerrors.New(sgerrors.ErrCodeNotConnected, "send in state "+string(state))
	}
	transport := m.transport
	m.mu.Unlock()

	return transport.Send(text)
}

// Resize propagates terminal dimensions. Best-effort: failures are
// logged, not returned, unless the session is not connected.
func (m *Manager) Resize(rows, cols int) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return sgerrors.New(sgerrors.ErrCodeSessionClosed, "resize on closed session")
	}
	if m.state != StateConnected {
		state := m.state
		m.mu.Unlock()
		return sgerrors.New(sgerrors.ErrCodeNotConnected, "resize in state "+string(state))
	}
	transport := m.transport
	m.mu.Unlock()

	if err := transport.Resize(rows, cols); err != nil {
		m.logger.Warn(logging.CategoryTransport, "resize_failed", "resize failed", map[string]any{
			"error": err.Error(),
		})
	}
	return nil
}

// ResizeFromPixels derives rows and columns from the rendering surface's
// pixel dimensions using the estimated character cell size.
func (m *Manager) ResizeFromPixels(width, height float64) error {
	cw := m.cfg.CellWidth
	if cw <= 0 {
		cw = defaultCellWidth
	}
	ch := m.cfg.CellHeight
	if ch <= 0 {
		ch = defaultCellHeight
	}

	cols := int(width / cw)
	rows := int(height / ch)
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	return m.Resize(rows, cols)
}

// Close tears down the session. The transport close is requested
// synchronously so it lands before page unload.
func (m *Manager) Close() error {
	m.teardownTransport()

	m.mu.Lock()
	m.state = StateDisconnected
	m.stateMsg = ""
	m.closed = true
	m.mu.Unlock()

	m.tracker.Clear()
	m.logger.Info(logging.CategorySession, "closed", "session closed", map[string]any{
		"session_id": m.id,
	})
	return nil
}

// HasRunningProcesses reports whether tracked processes are still alive;
// the UI warns before closing when true.
func (m *Manager) HasRunningProcesses() bool {
	return m.tracker.Len() > 0
}

// signalAdapter lets the tracker deliver signals through whatever
// transport is current.
func (m *Manager) signalAdapter(kind, pid string) error {
	m.mu.Lock()
	transport := m.transport
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || transport == nil {
		return sgerrors.New(sgerrors.ErrCodeNotConnected, "signal in state "+string(state))
	}
	return transport.Signal(SignalKind(kind), pid)
}

// teardownTransport stops the pump and closes the transport, if any.
func (m *Manager) teardownTransport() {
	m.mu.Lock()
	cancel := m.pumpCancel
	transport := m.transport
	m.pumpCancel = nil
	m.transport = nil
	wasConnected := m.state == StateConnected
	m.generation++
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if transport != nil {
		_ = transport.Close()
	}
	if wasConnected {
		telemetry.SessionsActive.Dec()
	}
}

// pump forwards transport events into session state until the transport
// drops or the pump is cancelled. Only the pump of the current
// generation may mutate state.
func (m *Manager) pump(ctx context.Context, transport Transport, gen int) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-transport.Events():
			if !ok {
				m.handleDrop(gen)
				return
			}
			m.handleEvent(event, gen)
		}
	}
}

func (m *Manager) current(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == gen
}

func (m *Manager) handleEvent(event Event, gen int) {
	if !m.current(gen) {
		return
	}

	switch event.Type {
	case EventOutput:
		m.buffer.Append(event.Data, console.KindOutput)
		m.publishLine(event.Data, console.KindOutput)
	case EventError:
		m.buffer.Append(event.Data, console.KindError)
		m.publishLine(event.Data, console.KindError)
	case EventPrompt:
		m.mu.Lock()
		m.prompt = event.Data
		m.mu.Unlock()
		m.publish(bus.EventPrompt, map[string]any{"prompt": event.Data})
	case EventStatus:
		m.logger.Debug(logging.CategoryTransport, "status", event.Data, nil)
	case EventProcessExit:
		// Authoritative completion from the transport wins over the
		// heuristic that created the entry.
		if m.tracker.CompleteCommand(event.Data) {
			m.publish(bus.EventProcess, map[string]any{
				"command": event.Data,
				"state":   "exited",
			})
		}
	}
}

// handleDrop handles an unexpected transport drop: the session becomes
// disconnected (not error) and the UI surfaces a reconnect affordance.
func (m *Manager) handleDrop(gen int) {
	m.mu.Lock()
	if m.generation != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.stateMsg = "connection lost"
	m.transport = nil
	m.generation++
	m.mu.Unlock()

	telemetry.SessionsActive.Dec()
	m.buffer.Append("connection lost - reconnect to continue", console.KindSystem)
	m.publishStatus()
	m.logger.Warn(logging.CategoryTransport, "dropped", "transport dropped", map[string]any{
		"session_id": m.id,
	})
}

func (m *Manager) publishStatus() {
	state, msg := m.State()
	m.publish(bus.EventStatus, map[string]any{
		"state":   string(state),
		"message": msg,
	})
}

func (m *Manager) publishLine(content string, kind console.LineKind) {
	m.publish(bus.EventOutput, map[string]any{
		"content": content,
		"kind":    string(kind),
	})
}

func (m *Manager) publishProcess(p proc.Process) {
	m.publish(bus.EventProcess, map[string]any{
		"id":      p.ID,
		"command": p.Command,
		"state":   "started",
	})
}

func (m *Manager) publish(event string, payload map[string]any) {
	if m.events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = m.events.Publish(context.Background(), bus.SessionSubject(m.id, event), data)
}
