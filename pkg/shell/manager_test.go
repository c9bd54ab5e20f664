package shell

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/shellgate/pkg/console"
	sgerrors "github.com/odvcencio/shellgate/pkg/errors"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	signals []string
	resizes [][2]int
	events  chan Event
	onSend  func(text string) error
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16)}
}

func (f *fakeTransport) Send(text string) error {
	f.mu.Lock()
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		if err := hook(text); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) Resize(rows, cols int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]int{rows, cols})
	return nil
}

func (f *fakeTransport) Signal(kind SignalKind, pid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, string(kind)+":"+pid)
	return nil
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) drop() {
	f.Close()
}

func (f *fakeTransport) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newConnectedManager(t *testing.T) (*Manager, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	dial := func(ctx context.Context, sessionID string) (Transport, error) {
		return transport, nil
	}
	m := NewManager(Config{SessionID: "sess-1"}, dial, nil, nil)
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m, transport
}

func bufferContents(buffer *console.Buffer) []string {
	var out []string
	for _, line := range buffer.Lines() {
		out = append(out, line.Content)
	}
	return out
}

func TestConnectTransitionsToConnected(t *testing.T) {
	m, _ := newConnectedManager(t)

	state, msg := m.State()
	assert.Equal(t, StateConnected, state)
	assert.Empty(t, msg)
}

func TestConnectWhileConnectedRejected(t *testing.T) {
	m, _ := newConnectedManager(t)

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.ErrCodeInvalidState))
}

func TestDialFailureYieldsErrorState(t *testing.T) {
	dial := func(ctx context.Context, sessionID string) (Transport, error) {
		return nil, errors.New("no route to host")
	}
	m := NewManager(Config{SessionID: "sess-1"}, dial, nil, nil)

	err := m.Connect(context.Background())
	require.Error(t, err)

	state, msg := m.State()
	assert.Equal(t, StateError, state)
	assert.Contains(t, msg, "no route to host")
}

func TestExecuteRequiresConnection(t *testing.T) {
	m := NewManager(Config{SessionID: "sess-1"}, func(ctx context.Context, sessionID string) (Transport, error) {
		return newFakeTransport(), nil
	}, nil, nil)

	err := m.Execute("ls")
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.ErrCodeNotConnected))
}

func TestClosedSessionRejectsIO(t *testing.T) {
	dial := func(ctx context.Context, sessionID string) (Transport, error) {
		return newFakeTransport(), nil
	}
	m := NewManager(Config{SessionID: "sess-1"}, dial, nil, nil)
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Close())

	err := m.Execute("ls")
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.ErrCodeSessionClosed))

	err = m.Send("x")
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.ErrCodeSessionClosed))

	err = m.Resize(24, 80)
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.ErrCodeSessionClosed))

	// Connect reopens the session.
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Execute("ls"))
}

func TestExecuteEchoesBeforeSend(t *testing.T) {
	transport := newFakeTransport()
	dial := func(ctx context.Context, sessionID string) (Transport, error) {
		return transport, nil
	}
	m := NewManager(Config{SessionID: "sess-1"}, dial, nil, nil)

	var echoedAtSend bool
	transport.onSend = func(text string) error {
		for _, line := range m.Buffer().Lines() {
			if line.Kind == console.KindCommand && line.Content == "ls -la" {
				echoedAtSend = true
			}
		}
		return nil
	}

	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	require.NoError(t, m.Execute("ls -la"))
	assert.True(t, echoedAtSend, "command echo must land in the buffer before the send")
	assert.Equal(t, []string{"ls -la\n"}, transport.sentTexts())
	got, ok := m.History().Prev()
	require.True(t, ok)
	assert.Equal(t, "ls -la", got)
}

func TestSendFailureDoesNotRecordHistory(t *testing.T) {
	m, transport := newConnectedManager(t)
	transport.onSend = func(string) error { return errors.New("broken pipe") }

	err := m.Execute("echo hi")
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.ErrCodeTransportDropped))

	// The echo is already visible, but nothing entered the history.
	_, ok := m.History().Prev()
	assert.False(t, ok)
}

func TestOutputEventsLandInBuffer(t *testing.T) {
	m, transport := newConnectedManager(t)

	transport.events <- Event{Type: EventOutput, Data: "hello"}
	transport.events <- Event{Type: EventError, Data: "oops"}

	require.Eventually(t, func() bool {
		return m.Buffer().Len() == 2
	}, 2*time.Second, 5*time.Millisecond)

	lines := m.Buffer().Lines()
	assert.Equal(t, console.KindOutput, lines[0].Kind)
	assert.Equal(t, "hello", lines[0].Content)
	assert.Equal(t, console.KindError, lines[1].Kind)
}

func TestPromptEventUpdatesPrompt(t *testing.T) {
	m, transport := newConnectedManager(t)

	transport.events <- Event{Type: EventPrompt, Data: "user@host:~$ "}
	require.Eventually(t, func() bool {
		return m.Prompt() == "user@host:~$ "
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTransportDropDisconnectsWithNotice(t *testing.T) {
	m, transport := newConnectedManager(t)

	transport.drop()

	require.Eventually(t, func() bool {
		state, _ := m.State()
		return state == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	contents := bufferContents(m.Buffer())
	assert.Contains(t, contents, "connection lost - reconnect to continue")
}

func TestReconnectClearsNoiseKeepsHistory(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	transports := []*fakeTransport{first, second}
	var dialCount int
	dial := func(ctx context.Context, sessionID string) (Transport, error) {
		tr := transports[dialCount]
		dialCount++
		return tr, nil
	}
	m := NewManager(Config{SessionID: "sess-1"}, dial, nil, nil)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	require.NoError(t, m.Execute("echo before"))
	first.events <- Event{Type: EventOutput, Data: "before"}
	require.Eventually(t, func() bool { return m.Buffer().Len() >= 2 }, 2*time.Second, 5*time.Millisecond)

	first.drop()
	require.Eventually(t, func() bool {
		state, _ := m.State()
		return state == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Reconnect(context.Background()))

	state, _ := m.State()
	assert.Equal(t, StateConnected, state)
	assert.Equal(t, 2, dialCount, "reconnect must dial with the same id")

	// System noise is gone; command echo, output, and history survive.
	contents := bufferContents(m.Buffer())
	assert.NotContains(t, contents, "connection lost - reconnect to continue")
	assert.Contains(t, contents, "echo before")
	assert.Contains(t, contents, "before")
	got, ok := m.History().Prev()
	require.True(t, ok)
	assert.Equal(t, "echo before", got)
}

func TestDegradedModeGeneratesLocalID(t *testing.T) {
	m := NewManager(Config{}, func(ctx context.Context, sessionID string) (Transport, error) {
		return newFakeTransport(), nil
	}, nil, nil)

	assert.True(t, m.Degraded())
	assert.True(t, strings.HasPrefix(m.SessionID(), "local-"))
	assert.NotEqual(t, "local-", m.SessionID())
}

func TestProcessExitCompletesTrackedCommand(t *testing.T) {
	m, transport := newConnectedManager(t)

	require.NoError(t, m.Execute("tail -f /var/log/syslog"))
	assert.True(t, m.HasRunningProcesses())

	transport.events <- Event{Type: EventProcessExit, Data: "tail -f /var/log/syslog"}
	require.Eventually(t, func() bool {
		return !m.HasRunningProcesses()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestResizeFromPixelsUsesCellEstimate(t *testing.T) {
	m, transport := newConnectedManager(t)

	require.NoError(t, m.ResizeFromPixels(900, 540))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.resizes, 1)
	assert.Equal(t, [2]int{30, 100}, transport.resizes[0])
}
