package transport

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"waterworks/pkg/api/stream"
	"waterworks/pkg/logging"
	"waterworks/pkg/testutil"
)

func testConfig(serverURL string) Config {
	return Config{
		BaseURL:              serverURL,
		Token:                "test-token",
		TenantID:             "tenant-1",
		AutoReconnect:        true,
		BaseDelay:            10 * time.Millisecond,
		MaxDelay:             50 * time.Millisecond,
		MaxReconnectAttempts: 5,
		Logger:               logging.NewLogger(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestConnectAndReceiveEvents(t *testing.T) {
	server := testutil.NewMockStreamServer()
	defer server.Close()

	tr := New(testConfig(server.URL()))
	if err := tr.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tr.Disconnect()

	if tr.State() != StateConnected {
		t.Fatalf("expected connected state, got %s", tr.State())
	}

	// Heartbeat frames are filtered; the leak event must come through.
	server.SendEvent(stream.Event{EventID: "hb-1", EventType: stream.TypeHeartbeat})
	payload, _ := json.Marshal(stream.LeakPayload{LeakID: "leak-1", Location: "DMA-2"})
	server.SendEvent(stream.Event{EventID: "evt-1", EventType: stream.TypeLeakDetected, Payload: payload})

	select {
	case event := <-tr.Events():
		if event.EventID != "evt-1" {
			t.Fatalf("expected evt-1, got %s", event.EventID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestMalformedFramesAreSkipped(t *testing.T) {
	server := testutil.NewMockStreamServer()
	defer server.Close()

	tr := New(testConfig(server.URL()))
	if err := tr.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tr.Disconnect()

	server.SendRaw([]byte("{not json"))
	server.SendEvent(stream.Event{EventID: "evt-2", EventType: stream.TypeSensorOffline})

	select {
	case event := <-tr.Events():
		if event.EventID != "evt-2" {
			t.Fatalf("expected evt-2 after malformed frame, got %s", event.EventID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("malformed frame should not kill the connection")
	}
	if tr.State() != StateConnected {
		t.Fatalf("expected connected state after malformed frame, got %s", tr.State())
	}
}

func TestDialAuthFailureDoesNotRetry(t *testing.T) {
	server := testutil.NewMockStreamServer()
	defer server.Close()
	server.SetRejectAuth(true)

	tr := New(testConfig(server.URL()))
	err := tr.Connect()
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if tr.State() != StateError {
		t.Fatalf("expected error state, got %s", tr.State())
	}

	// No background retry may fire against bad credentials.
	time.Sleep(100 * time.Millisecond)
	if server.DialCount() != 0 {
		t.Fatalf("auth failure must not be retried, saw %d dials", server.DialCount())
	}
}

func TestAuthFailureCloseCodeIsTerminal(t *testing.T) {
	server := testutil.NewMockStreamServer()
	defer server.Close()

	tr := New(testConfig(server.URL()))
	if err := tr.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tr.Disconnect()

	server.CloseConnections(stream.CloseAuthFailure)

	waitFor(t, 2*time.Second, func() bool { return tr.State() == StateError }, "error state after 4401")
	if !errors.Is(tr.LastError(), ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", tr.LastError())
	}

	time.Sleep(100 * time.Millisecond)
	if server.DialCount() != 1 {
		t.Fatalf("4401 close must not trigger reconnects, saw %d dials", server.DialCount())
	}
}

func TestTransientCloseReconnects(t *testing.T) {
	server := testutil.NewMockStreamServer()
	defer server.Close()

	tr := New(testConfig(server.URL()))
	if err := tr.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tr.Disconnect()

	server.CloseConnections(websocket.CloseGoingAway)

	waitFor(t, 2*time.Second, func() bool {
		return server.DialCount() >= 2 && tr.State() == StateConnected
	}, "automatic reconnect after transient close")

	// The stream works again after recovery.
	server.SendEvent(stream.Event{EventID: "evt-after", EventType: stream.TypeLeakResolved})
	select {
	case event := <-tr.Events():
		if event.EventID != "evt-after" {
			t.Fatalf("expected evt-after, got %s", event.EventID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for post-reconnect event")
	}
}

func TestReconnectAttemptsExhaust(t *testing.T) {
	server := testutil.NewMockStreamServer()
	defer server.Close()
	server.SetRejectDial(true)

	cfg := testConfig(server.URL())
	cfg.MaxReconnectAttempts = 2
	tr := New(cfg)

	if err := tr.Connect(); err == nil {
		t.Fatalf("connect against a rejecting server should fail")
	}

	waitFor(t, 2*time.Second, func() bool {
		return errors.Is(tr.LastError(), ErrMaxRetriesExceeded)
	}, "retry exhaustion")
	if tr.State() != StateError {
		t.Fatalf("expected error state, got %s", tr.State())
	}

	// Manual reconnect resets the counter and recovers once the endpoint is back.
	server.SetRejectDial(false)
	if err := tr.Reconnect(); err != nil {
		t.Fatalf("manual reconnect failed: %v", err)
	}
	defer tr.Disconnect()
	if tr.State() != StateConnected {
		t.Fatalf("expected connected after manual reconnect, got %s", tr.State())
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	server := testutil.NewMockStreamServer()
	defer server.Close()
	server.SetRejectDial(true)

	cfg := testConfig(server.URL())
	cfg.BaseDelay = 20 * time.Millisecond
	cfg.MaxDelay = 20 * time.Millisecond
	tr := New(cfg)

	if err := tr.Connect(); err == nil {
		t.Fatalf("connect against a rejecting server should fail")
	}

	// Hold the state lock across the disconnect sequence so the retry timer
	// fires first and blocks on the mutex. Stop() misses an already-fired
	// timer; the generation check is what must keep it from reconnecting.
	tr.mu.Lock()
	time.Sleep(60 * time.Millisecond)
	tr.cancelReconnectLocked()
	tr.closeConnLocked()
	tr.attempts = 0
	tr.setStateLocked(StateDisconnected, nil)
	tr.mu.Unlock()

	server.SetRejectDial(false)
	time.Sleep(100 * time.Millisecond)

	if n := server.DialCount(); n != 0 {
		t.Fatalf("retry fired after disconnect, saw %d dials", n)
	}
	if tr.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", tr.State())
	}
}

func TestInitialDialFailureRecoversInBackground(t *testing.T) {
	server := testutil.NewMockStreamServer()
	defer server.Close()
	server.SetRejectDial(true)

	tr := New(testConfig(server.URL()))
	err := tr.Connect()
	if err == nil {
		t.Fatalf("connect should fail while the endpoint is down")
	}
	if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("transient dial failure misclassified as terminal: %v", err)
	}
	defer tr.Disconnect()

	// No caller intervention: the scheduled retries recover on their own
	// once the endpoint comes back.
	server.SetRejectDial(false)
	waitFor(t, 2*time.Second, func() bool {
		return tr.State() == StateConnected && server.DialCount() >= 1
	}, "background recovery after failed initial dial")
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	tr := New(Config{
		BaseURL:   "ws://localhost",
		Token:     "x",
		TenantID:  "t",
		BaseDelay: time.Second,
		MaxDelay:  10 * time.Second,
		Logger:    logging.NewLogger(),
	})

	var prev time.Duration
	for attempt := 0; attempt < 10; attempt++ {
		delay := tr.backoffDelay(attempt)
		if delay < prev {
			t.Fatalf("delay shrank at attempt %d: %v < %v", attempt, delay, prev)
		}
		if delay > 10*time.Second {
			t.Fatalf("delay exceeded cap at attempt %d: %v", attempt, delay)
		}
		prev = delay
	}
	if tr.backoffDelay(0) != time.Second {
		t.Fatalf("first delay should equal the base delay")
	}
	if tr.backoffDelay(9) != 10*time.Second {
		t.Fatalf("late delays should hit the cap, got %v", tr.backoffDelay(9))
	}
}

func TestSendWhileDisconnectedIsNoOp(t *testing.T) {
	tr := New(testConfig("ws://localhost:1"))

	// Must not panic or block.
	tr.Send(stream.ControlMessage{Action: stream.ActionHeartbeat})
	tr.Subscribe([]string{stream.TypeLeakDetected})
}

func TestConnectRequiresCredentials(t *testing.T) {
	cfg := testConfig("ws://localhost:1")
	cfg.Token = ""
	tr := New(cfg)

	if err := tr.Connect(); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestSubscribeOnConnect(t *testing.T) {
	server := testutil.NewMockStreamServer()
	defer server.Close()

	cfg := testConfig(server.URL())
	cfg.EventTypes = []string{stream.TypeLeakDetected, stream.TypeAlertRaised}
	tr := New(cfg)
	if err := tr.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tr.Disconnect()

	select {
	case msg := <-server.Controls():
		if msg.Action != stream.ActionSubscribe {
			t.Fatalf("expected subscribe control, got %s", msg.Action)
		}
		if len(msg.EventTypes) != 2 {
			t.Fatalf("expected 2 event types, got %v", msg.EventTypes)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for subscribe control message")
	}
}
