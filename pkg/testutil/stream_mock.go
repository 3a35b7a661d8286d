package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"waterworks/pkg/api/stream"
	"waterworks/pkg/logging"

	"github.com/gorilla/websocket"
)

// MockStreamServer is a fake tenant event stream endpoint. Tests point an
// event transport at URL(), push events with SendEvent, and force failure
// modes by rejecting the handshake or closing live connections with a
// chosen close code.
type MockStreamServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu         sync.Mutex
	conns      []*websocket.Conn
	dialCount  int
	rejectAuth bool
	rejectDial bool

	controls chan stream.ControlMessage
}

// NewMockStreamServer starts a mock stream endpoint.
func NewMockStreamServer() *MockStreamServer {
	m := &MockStreamServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   logging.NewLogger(),
		controls: make(chan stream.ControlMessage, 32),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the ws:// base URL of the mock server.
func (m *MockStreamServer) URL() string {
	return strings.Replace(m.server.URL, "http://", "ws://", 1)
}

// Close shuts the server down and drops all connections.
func (m *MockStreamServer) Close() {
	m.CloseConnections(websocket.CloseNormalClosure)
	m.server.Close()
}

// DialCount reports how many WebSocket handshakes completed.
func (m *MockStreamServer) DialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dialCount
}

// SetRejectAuth makes handshakes fail with 401 before upgrading. Safe to flip
// while reconnects are in flight.
func (m *MockStreamServer) SetRejectAuth(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectAuth = reject
}

// SetRejectDial makes handshakes fail with 503 before upgrading.
func (m *MockStreamServer) SetRejectDial(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectDial = reject
}

// Controls returns the channel of control messages received from clients.
func (m *MockStreamServer) Controls() <-chan stream.ControlMessage {
	return m.controls
}

// SendEvent delivers an event to every live connection.
func (m *MockStreamServer) SendEvent(event stream.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, conn := range m.conns {
		if err := conn.WriteJSON(event); err != nil {
			m.logger.WithError(err).Warn("Mock stream write failed")
		}
	}
}

// SendRaw delivers a raw text frame, for malformed-payload tests.
func (m *MockStreamServer) SendRaw(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, conn := range m.conns {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

// CloseConnections closes every live connection with the given close code.
// Pass stream.CloseAuthFailure to simulate a mid-session credential
// rejection.
func (m *MockStreamServer) CloseConnections(code int) {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, "")
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func (m *MockStreamServer) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	rejectAuth, rejectDial := m.rejectAuth, m.rejectDial
	m.mu.Unlock()

	if rejectAuth {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if rejectDial {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.WithError(err).Error("Mock stream upgrade failed")
		return
	}

	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.dialCount++
	m.mu.Unlock()

	go m.readPump(conn)
}

func (m *MockStreamServer) readPump(conn *websocket.Conn) {
	defer func() {
		m.mu.Lock()
		for i, c := range m.conns {
			if c == conn {
				m.conns = append(m.conns[:i], m.conns[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var msg stream.ControlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		select {
		case m.controls <- msg:
		default:
		}

		var confirm string
		switch msg.Action {
		case stream.ActionSubscribe:
			confirm = stream.TypeSubscriptionConfirmed
		case stream.ActionUnsubscribe:
			confirm = stream.TypeUnsubscriptionConfirmed
		default:
			continue
		}

		// Writes share the lock with SendEvent; the connection is not safe
		// for concurrent writers.
		m.mu.Lock()
		_ = conn.WriteJSON(stream.Event{
			EventID:   "ctl-" + msg.Action,
			EventType: confirm,
			Timestamp: time.Now().UTC(),
		})
		m.mu.Unlock()
	}
}
