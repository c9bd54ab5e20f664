// Package bus provides the event fanout between sessions and their
// observers. A session publishes output, status, prompt, and process
// events on per-session subjects; UI panes and dashboards subscribe
// without touching session internals.
//
// Two implementations exist: an in-memory bus for the common single
// process case, and a NATS-backed bus for streaming session events to
// out-of-process consumers.
package bus

import (
	"context"
	"errors"
	"fmt"
)

// Subject families. Session events use the session id as the wildcardable
// middle token: shellgate.session.<id>.<event>.
const (
	SubjectPrefix = "shellgate.session"

	EventOutput  = "output"
	EventStatus  = "status"
	EventPrompt  = "prompt"
	EventProcess = "process"
)

// SessionSubject builds the subject for one event type of one session.
func SessionSubject(sessionID, event string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, sessionID, event)
}

// Message is a published event.
type Message struct {
	Subject string
	Data    []byte
}

// Handler processes a received message.
type Handler func(msg *Message)

// Subscription is an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Bus is a publish/subscribe event bus with NATS-style subject wildcards
// ("*" one token, ">" remaining tokens).
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)
	Close() error
}

var (
	// ErrClosed is returned for operations on a closed bus.
	ErrClosed = errors.New("bus: closed")
)
