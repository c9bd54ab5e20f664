package shell

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	sgerrors "github.com/odvcencio/shellgate/pkg/errors"
	"github.com/odvcencio/shellgate/pkg/logging"
)

// wsMessage is the wire format of the terminal stream. Data is base64
// for input and output so control bytes survive JSON.
type wsMessage struct {
	Type   string `json:"type"`
	Data   string `json:"data,omitempty"`
	Rows   int    `json:"rows,omitempty"`
	Cols   int    `json:"cols,omitempty"`
	Signal string `json:"signal,omitempty"`
	PID    string `json:"pid,omitempty"`
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongWait     = 90 * time.Second
	wsReadLimit    = 1 << 20
)

// WebSocketConfig configures the websocket dialer.
type WebSocketConfig struct {
	// BaseURL is the server root, e.g. "wss://host:8080".
	BaseURL string
	// Token, when set, is sent as a bearer Authorization header.
	Token string
	// Headers are extra headers merged into the handshake.
	Headers http.Header
}

// NewWebSocketDialer returns a DialFunc that opens the session's
// terminal stream at {BaseURL}/sessions/{id}/terminal.
func NewWebSocketDialer(cfg WebSocketConfig, logger *logging.Logger) DialFunc {
	if logger == nil {
		logger = logging.Discard()
	}
	return func(ctx context.Context, sessionID string) (Transport, error) {
		u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
		if err != nil {
			return nil, sgerrors.Wrap(err, sgerrors.ErrCodeInvalidInput, "invalid server url")
		}
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		case "ws", "wss":
		default:
			return nil, sgerrors.New(sgerrors.ErrCodeInvalidInput, "unsupported scheme "+u.Scheme)
		}
		u.Path = strings.TrimSuffix(u.Path, "/") + "/sessions/" + url.PathEscape(sessionID) + "/terminal"

		header := http.Header{}
		for k, v := range cfg.Headers {
			header[k] = v
		}
		if cfg.Token != "" {
			header.Set("Authorization", "Bearer "+cfg.Token)
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
		if err != nil {
			if resp != nil {
				return nil, sgerrors.Wrap(err, sgerrors.ErrCodeTransportDropped, "handshake rejected: "+resp.Status).WithRetryable(true)
			}
			return nil, sgerrors.Wrap(err, sgerrors.ErrCodeTransportDropped, "dial failed").WithRetryable(true)
		}
		conn.SetReadLimit(wsReadLimit)

		t := &wsTransport{
			conn:   conn,
			events: make(chan Event, 64),
			done:   make(chan struct{}),
			logger: logger,
		}
		go t.readPump()
		go t.pingLoop()
		return t, nil
	}
}

// wsTransport adapts a websocket connection to the Transport interface.
// Writes are serialized; the connection allows only one writer.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	logger    *logging.Logger
}

func (t *wsTransport) Send(text string) error {
	return t.write(wsMessage{
		Type: "input",
		Data: base64.StdEncoding.EncodeToString([]byte(text)),
	})
}

func (t *wsTransport) Resize(rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return sgerrors.New(sgerrors.ErrCodeInvalidInput, "non-positive terminal size")
	}
	return t.write(wsMessage{Type: "resize", Rows: rows, Cols: cols})
}

func (t *wsTransport) Signal(kind SignalKind, pid string) error {
	return t.write(wsMessage{Type: "signal", Signal: string(kind), PID: pid})
}

func (t *wsTransport) Events() <-chan Event { return t.events }

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(wsWriteTimeout))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) write(msg wsMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return sgerrors.Wrap(err, sgerrors.ErrCodeInternal, "marshal message")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return sgerrors.Wrap(err, sgerrors.ErrCodeTransportDropped, "write failed").WithRetryable(true)
	}
	return nil
}

// readPump decodes inbound frames into events until the connection
// drops, then closes the events channel.
func (t *wsTransport) readPump() {
	defer close(t.events)

	_ = t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.logger.Debug(logging.CategoryTransport, "read_closed", err.Error(), nil)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		event, ok := t.toEvent(msg)
		if !ok {
			continue
		}
		select {
		case t.events <- event:
		case <-t.done:
			return
		}
	}
}

func (t *wsTransport) toEvent(msg wsMessage) (Event, bool) {
	switch msg.Type {
	case "data":
		decoded, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return Event{}, false
		}
		return Event{Type: EventOutput, Data: string(decoded)}, true
	case "stderr":
		decoded, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return Event{}, false
		}
		return Event{Type: EventError, Data: string(decoded)}, true
	case "error":
		return Event{Type: EventError, Data: msg.Data}, true
	case "prompt":
		return Event{Type: EventPrompt, Data: msg.Data}, true
	case "status":
		return Event{Type: EventStatus, Data: msg.Data}, true
	case "exit":
		return Event{Type: EventProcessExit, Data: msg.Data}, true
	}
	return Event{}, false
}

func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
