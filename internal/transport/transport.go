package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"waterworks/pkg/api/stream"
	"waterworks/pkg/logging"

	"github.com/gorilla/websocket"
)

// State is the connection state of the event stream. It is owned exclusively
// by the transport; callers observe it through State() or the state callback.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

var (
	// ErrAuthenticationFailed is fatal to the session: credentials are presumed
	// invalid and no reconnect is scheduled until Reconnect() is called with
	// fresh ones.
	ErrAuthenticationFailed = errors.New("stream authentication rejected")

	// ErrMaxRetriesExceeded is terminal: the caller must Reconnect() manually.
	ErrMaxRetriesExceeded = errors.New("max reconnect attempts exceeded")

	// ErrMissingCredentials means connect was refused before dialing.
	ErrMissingCredentials = errors.New("auth token and tenant id are required")
)

// StateHandler observes connection state transitions. err is non-nil for
// Error states and for disconnects that carry a cause.
type StateHandler func(state State, err error)

// Config represents the configuration for the stream transport
type Config struct {
	BaseURL     string
	Token       string
	TenantID    string
	EventTypes  []string   // optional server-side event-type filter
	ReplaySince *time.Time // optional replay of missed events across a gap

	AutoReconnect        bool
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration

	Logger        logging.Logger
	OnStateChange StateHandler
}

// Transport owns one physical stream connection per tenant session: it
// connects, authenticates, heartbeats, and recovers from transient failures
// with exponential backoff without caller intervention. Received non-heartbeat
// frames are delivered on Events() in arrival order.
type Transport struct {
	cfg Config

	mu             sync.Mutex
	writeMu        sync.Mutex
	state          State
	conn           *websocket.Conn
	gen            int // connection generation; stale pump callbacks are ignored
	attempts       int
	reconnectTimer *time.Timer
	lastErr        error

	events chan stream.Event
}

// New creates a stream transport. It does not connect.
func New(cfg Config) *Transport {
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = 1 * time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}

	return &Transport{
		cfg:    cfg,
		state:  StateDisconnected,
		events: make(chan stream.Event, 256),
	}
}

// Events returns the channel of received events. Frames arrive in delivery
// order; heartbeat acknowledgments are filtered out.
func (t *Transport) Events() <-chan stream.Event {
	return t.events
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Attempts returns the current reconnect attempt counter.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// LastError returns the error associated with the most recent failure state.
func (t *Transport) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Connect establishes the stream connection. Idempotent: an existing
// connection is closed before a new one opens.
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectLocked()
}

// Reconnect resets the attempt counter and clears a terminal error state
// before connecting. This is the manual retry path after auth failure or
// exhausted reconnects.
func (t *Transport) Reconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts = 0
	t.lastErr = nil
	return t.connectLocked()
}

// Disconnect closes the connection and cancels the heartbeat and any pending
// reconnect before returning, so a fresh Connect cannot race a stale retry.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelReconnectLocked()
	t.closeConnLocked()
	t.attempts = 0
	t.setStateLocked(StateDisconnected, nil)
}

// SetToken replaces the session credentials used on the next connect.
func (t *Transport) SetToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.Token = token
}

// Send writes a control message on the open channel. Not being connected is
// not an error: the message is silently dropped.
func (t *Transport) Send(msg stream.ControlMessage) {
	t.mu.Lock()
	conn := t.conn
	connected := t.state == StateConnected
	t.mu.Unlock()

	if !connected || conn == nil {
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		t.cfg.Logger.WithError(err).Warn("Failed to send control message")
	}
}

// Subscribe adds event-type subscriptions on the open channel.
func (t *Transport) Subscribe(eventTypes []string) {
	t.Send(stream.ControlMessage{
		Action:     stream.ActionSubscribe,
		EventTypes: eventTypes,
		TenantID:   t.cfg.TenantID,
	})
}

// Unsubscribe removes event-type subscriptions on the open channel.
func (t *Transport) Unsubscribe(eventTypes []string) {
	t.Send(stream.ControlMessage{
		Action:     stream.ActionUnsubscribe,
		EventTypes: eventTypes,
		TenantID:   t.cfg.TenantID,
	})
}

func (t *Transport) connectLocked() error {
	if t.cfg.Token == "" || t.cfg.TenantID == "" {
		t.cfg.Logger.Warn("Stream connect refused: missing token or tenant id")
		return ErrMissingCredentials
	}

	t.cancelReconnectLocked()
	t.closeConnLocked()
	t.setStateLocked(StateConnecting, nil)

	wsURL, err := t.buildStreamURL()
	if err != nil {
		t.setStateLocked(StateError, err)
		return err
	}

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+t.cfg.Token)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = t.cfg.HandshakeTimeout

	conn, resp, err := dialer.Dial(wsURL, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			t.setStateLocked(StateError, ErrAuthenticationFailed)
			return fmt.Errorf("%w (status %d)", ErrAuthenticationFailed, resp.StatusCode)
		}
		t.scheduleReconnectLocked(err)
		return fmt.Errorf("failed to connect to stream: %w", err)
	}

	t.conn = conn
	t.gen++
	t.attempts = 0
	t.setStateLocked(StateConnected, nil)

	go t.readPump(conn, t.gen)
	go t.heartbeatPump(conn, t.gen)

	t.cfg.Logger.WithFields(logging.Fields{
		"tenant_id": t.cfg.TenantID,
	}).Info("Connected to tenant event stream")

	if len(t.cfg.EventTypes) > 0 {
		go t.Subscribe(t.cfg.EventTypes)
	}
	return nil
}

// buildStreamURL builds the tenant-scoped stream address. The token travels
// in the Authorization header; filters and replay-since as query parameters.
func (t *Transport) buildStreamURL() (string, error) {
	u, err := url.Parse(t.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid stream base URL: %w", err)
	}

	scheme := "ws"
	if u.Scheme == "https" || u.Scheme == "wss" {
		scheme = "wss"
	}

	q := url.Values{}
	if len(t.cfg.EventTypes) > 0 {
		q.Set("types", strings.Join(t.cfg.EventTypes, ","))
	}
	if t.cfg.ReplaySince != nil {
		q.Set("replay_since", t.cfg.ReplaySince.UTC().Format(time.RFC3339))
	}

	wsURL := &url.URL{
		Scheme:   scheme,
		Host:     u.Host,
		Path:     fmt.Sprintf("/api/tenants/%s/events/stream", url.PathEscape(t.cfg.TenantID)),
		RawQuery: q.Encode(),
	}
	return wsURL.String(), nil
}

// backoffDelay computes the reconnect delay for the given attempt:
// base * 1.5^attempt, capped at MaxDelay.
func (t *Transport) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(float64(t.cfg.BaseDelay) * math.Pow(1.5, float64(attempt)))
	if delay > t.cfg.MaxDelay {
		delay = t.cfg.MaxDelay
	}
	return delay
}

func (t *Transport) scheduleReconnectLocked(cause error) {
	if !t.cfg.AutoReconnect {
		t.setStateLocked(StateDisconnected, cause)
		return
	}
	if t.attempts >= t.cfg.MaxReconnectAttempts {
		t.cfg.Logger.WithFields(logging.Fields{
			"attempts": t.attempts,
		}).Error("Stream reconnect attempts exhausted")
		t.setStateLocked(StateError, ErrMaxRetriesExceeded)
		return
	}

	delay := t.backoffDelay(t.attempts)
	t.attempts++
	t.setStateLocked(StateDisconnected, cause)

	t.cfg.Logger.WithFields(logging.Fields{
		"attempt": t.attempts,
		"delay":   delay.String(),
	}).Info("Scheduling stream reconnect")

	// Disconnect and every new connect bump gen, so a timer that already
	// fired and is waiting on the mutex cannot revive a cancelled session.
	gen := t.gen
	t.reconnectTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if gen != t.gen || t.state != StateDisconnected {
			return
		}
		if err := t.connectLocked(); err != nil {
			t.cfg.Logger.WithError(err).Debug("Reconnect attempt failed")
		}
	})
}

func (t *Transport) cancelReconnectLocked() {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
}

func (t *Transport) closeConnLocked() {
	if t.conn != nil {
		_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = t.conn.Close()
		t.conn = nil
	}
	t.gen++ // invalidate running pumps
}

func (t *Transport) setStateLocked(state State, err error) {
	t.state = state
	t.lastErr = err
	if t.cfg.OnStateChange != nil {
		t.cfg.OnStateChange(state, err)
	}
}

// readPump reads frames until the connection drops, then classifies the close
// and hands recovery back to the state machine.
func (t *Transport) readPump(conn *websocket.Conn, gen int) {
	conn.SetReadLimit(512 * 1024)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.handleReadError(gen, err)
			return
		}

		var event stream.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			// Malformed frames are skipped, not fatal.
			t.cfg.Logger.WithError(err).Warn("Skipping malformed stream frame")
			continue
		}
		if event.EventType == stream.TypeHeartbeat {
			continue
		}

		select {
		case t.events <- event:
		default:
			t.cfg.Logger.Warn("Event channel full, dropping event")
		}
	}
}

func (t *Transport) handleReadError(gen int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen {
		// Pump belongs to a connection we already replaced or closed.
		return
	}
	t.conn = nil
	t.gen++

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == stream.CloseAuthFailure {
		t.cfg.Logger.Error("Stream closed: authentication failure")
		t.setStateLocked(StateError, ErrAuthenticationFailed)
		return
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
		t.cfg.Logger.WithError(err).Error("Stream read error")
	}
	t.scheduleReconnectLocked(err)
}

// heartbeatPump emits a heartbeat control message on a fixed interval while
// the connection is live. Server acknowledgments are filtered by the read
// pump and never reach consumers.
func (t *Transport) heartbeatPump(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		t.mu.Lock()
		live := gen == t.gen && t.conn == conn
		t.mu.Unlock()
		if !live {
			return
		}

		t.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := conn.WriteJSON(stream.ControlMessage{Action: stream.ActionHeartbeat, TenantID: t.cfg.TenantID})
		t.writeMu.Unlock()
		if err != nil {
			t.cfg.Logger.WithError(err).Warn("Failed to send heartbeat")
			return
		}
	}
}
