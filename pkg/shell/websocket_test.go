package shell

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsEchoServer accepts one terminal stream and records inbound frames.
type wsEchoServer struct {
	mu       sync.Mutex
	inbound  []wsMessage
	conn     *websocket.Conn
	connSet  chan struct{}
	lastPath string
	lastAuth string
}

func newWSEchoServer() *wsEchoServer {
	return &wsEchoServer{connSet: make(chan struct{})}
}

func (s *wsEchoServer) handler() http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.lastPath = r.URL.Path
		s.lastAuth = r.Header.Get("Authorization")
		s.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		close(s.connSet)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg wsMessage
			if json.Unmarshal(data, &msg) == nil {
				s.mu.Lock()
				s.inbound = append(s.inbound, msg)
				s.mu.Unlock()
			}
		}
	})
}

func (s *wsEchoServer) push(t *testing.T, msg wsMessage) {
	t.Helper()
	select {
	case <-s.connSet:
	case <-time.After(2 * time.Second):
		t.Fatal("no connection established")
	}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, s.conn.WriteMessage(websocket.TextMessage, payload))
}

func (s *wsEchoServer) frames() []wsMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wsMessage(nil), s.inbound...)
}

func dialTestTransport(t *testing.T, srv *wsEchoServer) Transport {
	t.Helper()
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	dial := NewWebSocketDialer(WebSocketConfig{
		BaseURL: ts.URL,
		Token:   "stream-token",
	}, nil)
	transport, err := dial(context.Background(), "sess-ws")
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })
	return transport
}

func TestWebSocketDialTargetsSessionPath(t *testing.T) {
	srv := newWSEchoServer()
	dialTestTransport(t, srv)

	<-srv.connSet
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, "/sessions/sess-ws/terminal", srv.lastPath)
	assert.Equal(t, "Bearer stream-token", srv.lastAuth)
}

func TestWebSocketSendEncodesInput(t *testing.T) {
	srv := newWSEchoServer()
	transport := dialTestTransport(t, srv)

	require.NoError(t, transport.Send("echo hi\n"))
	require.NoError(t, transport.Resize(24, 80))
	require.NoError(t, transport.Signal(SignalInterrupt, "p-1"))

	require.Eventually(t, func() bool {
		return len(srv.frames()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	frames := srv.frames()
	assert.Equal(t, "input", frames[0].Type)
	decoded, err := base64.StdEncoding.DecodeString(frames[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", string(decoded))

	assert.Equal(t, "resize", frames[1].Type)
	assert.Equal(t, 24, frames[1].Rows)
	assert.Equal(t, 80, frames[1].Cols)

	assert.Equal(t, "signal", frames[2].Type)
	assert.Equal(t, "interrupt", frames[2].Signal)
	assert.Equal(t, "p-1", frames[2].PID)
}

func TestWebSocketInboundFramesBecomeEvents(t *testing.T) {
	srv := newWSEchoServer()
	transport := dialTestTransport(t, srv)

	srv.push(t, wsMessage{Type: "data", Data: base64.StdEncoding.EncodeToString([]byte("hello\n"))})
	srv.push(t, wsMessage{Type: "prompt", Data: "$ "})
	srv.push(t, wsMessage{Type: "error", Data: "permission denied"})
	srv.push(t, wsMessage{Type: "exit", Data: "sleep 100"})
	srv.push(t, wsMessage{Type: "bogus", Data: "ignored"})
	srv.push(t, wsMessage{Type: "status", Data: "attached"})

	var events []Event
	timeout := time.After(2 * time.Second)
	for len(events) < 5 {
		select {
		case e, ok := <-transport.Events():
			require.True(t, ok, "events channel closed early")
			events = append(events, e)
		case <-timeout:
			t.Fatalf("only %d events arrived", len(events))
		}
	}

	assert.Equal(t, Event{Type: EventOutput, Data: "hello\n"}, events[0])
	assert.Equal(t, Event{Type: EventPrompt, Data: "$ "}, events[1])
	assert.Equal(t, Event{Type: EventError, Data: "permission denied"}, events[2])
	assert.Equal(t, Event{Type: EventProcessExit, Data: "sleep 100"}, events[3])
	// The bogus frame is dropped; status follows exit.
	assert.Equal(t, Event{Type: EventStatus, Data: "attached"}, events[4])
}

func TestWebSocketServerCloseClosesEvents(t *testing.T) {
	srv := newWSEchoServer()
	transport := dialTestTransport(t, srv)

	<-srv.connSet
	srv.mu.Lock()
	conn := srv.conn
	srv.mu.Unlock()
	require.NoError(t, conn.Close())

	select {
	case _, ok := <-transport.Events():
		assert.False(t, ok, "events channel must close when the server drops")
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close")
	}
}

func TestWebSocketDialRejectsBadScheme(t *testing.T) {
	dial := NewWebSocketDialer(WebSocketConfig{BaseURL: "ftp://example.com"}, nil)
	_, err := dial(context.Background(), "sess-1")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "scheme"))
}
