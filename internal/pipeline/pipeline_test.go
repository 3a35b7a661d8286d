package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"waterworks/internal/dedup"
	"waterworks/internal/escalation"
	"waterworks/internal/rules"
	"waterworks/internal/store"
	"waterworks/pkg/api/backend"
	"waterworks/pkg/api/stream"
	"waterworks/pkg/logging"
	"waterworks/pkg/models"
)

type fakeTransport struct {
	ch chan stream.Event
}

func (f *fakeTransport) Events() <-chan stream.Event { return f.ch }

type fakeBackend struct {
	page        *backend.NotificationPage
	unread      int
	escalations []models.EscalationRecord
	rules       []models.NotificationRule
	err         error
}

func (f *fakeBackend) ListNotifications(_ context.Context, _ backend.ListNotificationsRequest) (*backend.NotificationPage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.page, nil
}

func (f *fakeBackend) GetUnreadCount(_ context.Context) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.unread, nil
}

func (f *fakeBackend) ListEscalations(_ context.Context) ([]models.EscalationRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.escalations, nil
}

func (f *fakeBackend) ListNotificationRules(_ context.Context) ([]models.NotificationRule, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rules, nil
}

func newTestPipeline(be *fakeBackend) (*Pipeline, *store.Store, *escalation.Tracker) {
	logger := logging.NewLogger()
	notificationStore := store.New(store.Config{Logger: logger})
	tracker := escalation.New(escalation.Config{Logger: logger})
	p := New(Config{
		Transport: &fakeTransport{ch: make(chan stream.Event, 8)},
		Dedup:     dedup.New(0, 0),
		Store:     notificationStore,
		Tracker:   tracker,
		Rules:     rules.New(rules.Config{Source: be, Logger: logger}),
		Backend:   be,
		Logger:    logger,
	})
	return p, notificationStore, tracker
}

func leakEvent(id string) stream.Event {
	payload, _ := json.Marshal(stream.LeakPayload{LeakID: "leak-1", Location: "DMA-2"})
	return stream.Event{EventID: id, EventType: stream.TypeLeakDetected, Payload: payload}
}

func alertEvent(id, eventType, alertID string) stream.Event {
	payload, _ := json.Marshal(stream.AlertPayload{AlertID: alertID, Subject: "sensor-9", Title: "Pressure drop", Severity: "critical"})
	return stream.Event{EventID: id, EventType: eventType, Payload: payload}
}

func TestHandleEventIngestsOnce(t *testing.T) {
	p, s, _ := newTestPipeline(&fakeBackend{})
	ctx := context.Background()

	p.HandleEvent(ctx, leakEvent("evt-1"))
	p.HandleEvent(ctx, leakEvent("evt-1"))

	if s.Len() != 1 {
		t.Fatalf("replayed frame should not ingest twice, got %d", s.Len())
	}
	if s.Unread() != 1 {
		t.Fatalf("expected unread 1, got %d", s.Unread())
	}
}

func TestAlertLifecycleOpensAndResolvesEscalation(t *testing.T) {
	be := &fakeBackend{rules: []models.NotificationRule{{
		ID:        "rule-1",
		EventType: stream.TypeAlertRaised,
		Active:    true,
		Escalation: &models.EscalationPolicy{
			Enabled: true,
			Levels:  []models.EscalationLevel{{DelayMinutes: 5}},
		},
	}}}
	p, s, tracker := newTestPipeline(be)
	ctx := context.Background()

	p.HandleEvent(ctx, alertEvent("evt-1", stream.TypeAlertRaised, "al-1"))

	record, ok := tracker.GetByAlert("al-1")
	if !ok {
		t.Fatalf("alert.raised should open an escalation tracker")
	}
	if record.CurrentLevel != 0 || record.NextEscalationAt == nil {
		t.Fatalf("unexpected tracker state: %+v", record)
	}
	if s.Len() != 1 {
		t.Fatalf("alert should also produce a notification")
	}

	p.HandleEvent(ctx, alertEvent("evt-2", stream.TypeAlertCleared, "al-1"))

	record, _ = tracker.GetByAlert("al-1")
	if !record.Resolved {
		t.Fatalf("alert.cleared should resolve the tracker")
	}
}

func TestAlertWithoutRuleDoesNotEscalate(t *testing.T) {
	p, s, tracker := newTestPipeline(&fakeBackend{})
	ctx := context.Background()

	p.HandleEvent(ctx, alertEvent("evt-1", stream.TypeAlertRaised, "al-1"))

	if _, ok := tracker.GetByAlert("al-1"); ok {
		t.Fatalf("no rule means no escalation tracker")
	}
	if s.Len() != 1 {
		t.Fatalf("the notification itself is still ingested")
	}
}

func TestClearWithoutTrackerIsQuiet(t *testing.T) {
	p, _, _ := newTestPipeline(&fakeBackend{})

	// Must not panic, error, or open anything.
	p.HandleEvent(context.Background(), alertEvent("evt-1", stream.TypeAlertCleared, "al-unknown"))
}

func TestReconcileMergesBackendState(t *testing.T) {
	be := &fakeBackend{
		page: &backend.NotificationPage{
			Notifications: []models.Notification{{ID: "ntf_a", Title: "Fetched"}},
			Total:         12,
			UnreadCount:   4,
			Page:          1,
		},
		// The dedicated unread endpoint wins over the page snapshot.
		unread:      3,
		escalations: []models.EscalationRecord{{ID: "esc-1", AlertID: "al-1", CurrentLevel: 2, MaxLevel: 3}},
	}
	p, s, tracker := newTestPipeline(be)

	p.Reconcile(context.Background())

	if s.Total() != 12 || s.Unread() != 3 {
		t.Fatalf("fetch counts should be authoritative: total=%d unread=%d", s.Total(), s.Unread())
	}
	record, ok := tracker.GetByAlert("al-1")
	if !ok || record.CurrentLevel != 2 {
		t.Fatalf("backend escalation should be adopted, got %+v", record)
	}
}

func TestReconcileToleratesBackendFailure(t *testing.T) {
	p, s, _ := newTestPipeline(&fakeBackend{err: errors.New("backend down")})

	p.HandleEvent(context.Background(), leakEvent("evt-1"))
	p.Reconcile(context.Background())

	// Local state survives a failed reconcile.
	if s.Len() != 1 {
		t.Fatalf("failed reconcile must not clear local state")
	}
}
