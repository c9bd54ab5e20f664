// Package shell keeps an interactive terminal session alive across a
// bidirectional transport and owns the session's connection lifecycle.
package shell

import "context"

// ConnectionState is the lifecycle state of a session.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// SignalKind identifies a signal deliverable to the remote process.
type SignalKind string

const (
	SignalInterrupt SignalKind = "interrupt"
	SignalKill      SignalKind = "kill"
)

// EventType classifies inbound transport events.
type EventType string

const (
	EventOutput      EventType = "output"
	EventError       EventType = "error"
	EventPrompt      EventType = "prompt"
	EventStatus      EventType = "status"
	EventProcessExit EventType = "exit"
)

// Event is a single inbound transport event. For EventOutput and
// EventError, Data is the rendered text. For EventPrompt it is the new
// prompt string. For EventStatus it is a transport status word. For
// EventProcessExit it is the command whose process completed.
type Event struct {
	Type EventType
	Data string
}

// Transport is a bidirectional ordered stream to a shell process. The
// Events channel is closed when the transport drops, whatever the cause.
type Transport interface {
	Send(text string) error
	Resize(rows, cols int) error
	Signal(kind SignalKind, pid string) error
	Events() <-chan Event
	Close() error
}

// DialFunc establishes a transport for a session. The manager calls it on
// connect and again on every reconnect.
type DialFunc func(ctx context.Context, sessionID string) (Transport, error)
