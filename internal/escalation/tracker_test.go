package escalation

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"waterworks/pkg/api/stream"
	"waterworks/pkg/clock"
	"waterworks/pkg/logging"
	"waterworks/pkg/models"
)

type recordingNotifier struct {
	levels []int
}

func (n *recordingNotifier) Notify(record *models.EscalationRecord, _ models.EscalationLevel) error {
	n.levels = append(n.levels, record.CurrentLevel)
	return nil
}

func testRule(cooldownMinutes int) *models.NotificationRule {
	return &models.NotificationRule{
		ID:              "rule-1",
		EventType:       stream.TypeAlertRaised,
		CooldownMinutes: cooldownMinutes,
		Active:          true,
		Escalation: &models.EscalationPolicy{
			Enabled: true,
			Levels: []models.EscalationLevel{
				{DelayMinutes: 5, TargetRoles: []string{"operator"}},
				{DelayMinutes: 15, TargetRoles: []string{"supervisor"}},
				{DelayMinutes: 30, TargetRoles: []string{"manager"}},
			},
		},
	}
}

func newTestTracker(t *testing.T) (*Tracker, *clock.Manual, *recordingNotifier) {
	t.Helper()
	manual := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	notifier := &recordingNotifier{}
	tracker := New(Config{
		Clock:    manual,
		Notifier: notifier,
		Logger:   logging.NewLogger(),
	})
	return tracker, manual, notifier
}

func TestEscalationLadder(t *testing.T) {
	tracker, manual, notifier := newTestTracker(t)
	t0 := manual.Now()

	record, err := tracker.Open(stream.AlertPayload{AlertID: "al-1", Subject: "sensor-9"}, testRule(0))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if record.CurrentLevel != 0 {
		t.Fatalf("new tracker should start at level 0, got %d", record.CurrentLevel)
	}
	if !record.NextEscalationAt.Equal(t0.Add(5 * time.Minute)) {
		t.Fatalf("first deadline should be t0+5m, got %v", record.NextEscalationAt)
	}

	// Before the deadline nothing advances.
	manual.Advance(4 * time.Minute)
	if n := tracker.Sweep(); n != 0 {
		t.Fatalf("sweep before deadline advanced %d records", n)
	}

	// At t0+5m the tracker reaches level 1 and schedules t0+5m+15m.
	manual.Advance(1 * time.Minute)
	if n := tracker.Sweep(); n != 1 {
		t.Fatalf("expected one advance, got %d", n)
	}
	got, _ := tracker.Get(record.ID)
	if got.CurrentLevel != 1 {
		t.Fatalf("expected level 1, got %d", got.CurrentLevel)
	}
	if !got.NextEscalationAt.Equal(t0.Add(20 * time.Minute)) {
		t.Fatalf("second deadline should be t0+20m, got %v", got.NextEscalationAt)
	}
	if len(notifier.levels) != 1 || notifier.levels[0] != 1 {
		t.Fatalf("level 1 should have notified, got %v", notifier.levels)
	}

	// Walk to max level; the deadline clears there.
	manual.Advance(15 * time.Minute)
	tracker.Sweep()
	manual.Advance(30 * time.Minute)
	tracker.Sweep()

	got, _ = tracker.Get(record.ID)
	if got.CurrentLevel != 3 {
		t.Fatalf("expected max level 3, got %d", got.CurrentLevel)
	}
	if got.NextEscalationAt != nil {
		t.Fatalf("deadline should clear at max level, got %v", got.NextEscalationAt)
	}
	manual.Advance(time.Hour)
	if n := tracker.Sweep(); n != 0 {
		t.Fatalf("tracker at max level must not advance further")
	}
}

func TestAcknowledgeHaltsAdvancement(t *testing.T) {
	tracker, manual, notifier := newTestTracker(t)

	record, err := tracker.Open(stream.AlertPayload{AlertID: "al-1"}, testRule(0))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := tracker.Acknowledge(record.ID, "operator-7"); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}

	// The deadline stays in place but the sweep skips acknowledged trackers.
	got, _ := tracker.Get(record.ID)
	if got.NextEscalationAt == nil {
		t.Fatalf("acknowledge must not clear the pending deadline")
	}

	manual.Advance(time.Hour)
	if n := tracker.Sweep(); n != 0 {
		t.Fatalf("acknowledged tracker advanced %d times", n)
	}
	if len(notifier.levels) != 0 {
		t.Fatalf("no notifications expected, got %v", notifier.levels)
	}
}

func TestResolveIsTerminal(t *testing.T) {
	tracker, manual, _ := newTestTracker(t)

	record, err := tracker.Open(stream.AlertPayload{AlertID: "al-1"}, testRule(0))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := tracker.Resolve(record.ID); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if err := tracker.Resolve(record.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("second resolve should be rejected, got %v", err)
	}
	if err := tracker.Acknowledge(record.ID, "late"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("acknowledging a resolved tracker should be rejected, got %v", err)
	}

	got, _ := tracker.Get(record.ID)
	if got.NextEscalationAt != nil {
		t.Fatalf("resolve should clear the deadline")
	}
	manual.Advance(time.Hour)
	if n := tracker.Sweep(); n != 0 {
		t.Fatalf("resolved tracker advanced %d times", n)
	}
}

func TestResolveByAlert(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	if err := tracker.ResolveByAlert("al-unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	record, _ := tracker.Open(stream.AlertPayload{AlertID: "al-1"}, testRule(0))
	if err := tracker.ResolveByAlert("al-1"); err != nil {
		t.Fatalf("resolve by alert failed: %v", err)
	}
	got, _ := tracker.Get(record.ID)
	if !got.Resolved {
		t.Fatalf("record should be resolved")
	}
}

func TestCooldownSuppressesReopen(t *testing.T) {
	tracker, manual, _ := newTestTracker(t)
	rule := testRule(10)

	if _, err := tracker.Open(stream.AlertPayload{AlertID: "al-1", Subject: "sensor-9"}, rule); err != nil {
		t.Fatalf("first open failed: %v", err)
	}

	_, err := tracker.Open(stream.AlertPayload{AlertID: "al-2", Subject: "sensor-9"}, rule)
	if !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected cooldown rejection, got %v", err)
	}

	// A different subject is a different alert condition.
	if _, err := tracker.Open(stream.AlertPayload{AlertID: "al-3", Subject: "sensor-4"}, rule); err != nil {
		t.Fatalf("different subject should not share the cooldown: %v", err)
	}

	manual.Advance(11 * time.Minute)
	if _, err := tracker.Open(stream.AlertPayload{AlertID: "al-4", Subject: "sensor-9"}, rule); err != nil {
		t.Fatalf("open after cooldown expiry failed: %v", err)
	}
}

func TestSweepPrunesTerminatedRecords(t *testing.T) {
	tracker, manual, _ := newTestTracker(t)

	record, err := tracker.Open(stream.AlertPayload{AlertID: "al-1", Subject: "sensor-9"}, testRule(10))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := tracker.Resolve(record.ID); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	// Inside the retention window resolved records stay queryable.
	manual.Advance(30 * time.Minute)
	tracker.Sweep()
	if _, ok := tracker.Get(record.ID); !ok {
		t.Fatalf("resolved record pruned before retention elapsed")
	}

	manual.Advance(DefaultRetention)
	tracker.Sweep()
	if _, ok := tracker.Get(record.ID); ok {
		t.Fatalf("resolved record should be pruned after retention")
	}
	if _, ok := tracker.GetByAlert("al-1"); ok {
		t.Fatalf("alert index should be pruned with the record")
	}
	if len(tracker.cooldownUntil) != 0 {
		t.Fatalf("expired cooldown entries should be pruned, %d left", len(tracker.cooldownUntil))
	}
}

func TestCounterNotifierCountsAdvances(t *testing.T) {
	manual := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "advances_total"}, []string{"rule_id"})
	inner := &recordingNotifier{}
	tracker := New(Config{
		Clock:    manual,
		Notifier: CounterNotifier{Next: inner, Counter: counter},
		Logger:   logging.NewLogger(),
	})

	if _, err := tracker.Open(stream.AlertPayload{AlertID: "al-1"}, testRule(0)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	manual.Advance(6 * time.Minute)
	tracker.Sweep()
	manual.Advance(20 * time.Minute)
	tracker.Sweep()

	if got := promtestutil.ToFloat64(counter.WithLabelValues("rule-1")); got != 2 {
		t.Fatalf("expected 2 advances counted, got %v", got)
	}
	if len(inner.levels) != 2 {
		t.Fatalf("delegate should still be notified, got %v", inner.levels)
	}
}

func TestOpenWithoutPolicy(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	record, err := tracker.Open(stream.AlertPayload{AlertID: "al-1"}, nil)
	if err != nil || record != nil {
		t.Fatalf("nil rule should open nothing, got %v/%v", record, err)
	}

	rule := testRule(0)
	rule.Escalation.Enabled = false
	record, err = tracker.Open(stream.AlertPayload{AlertID: "al-1"}, rule)
	if err != nil || record != nil {
		t.Fatalf("disabled policy should open nothing, got %v/%v", record, err)
	}
}

func TestReconcileNeverMovesBackwards(t *testing.T) {
	tracker, manual, _ := newTestTracker(t)

	record, _ := tracker.Open(stream.AlertPayload{AlertID: "al-1"}, testRule(0))
	manual.Advance(6 * time.Minute)
	tracker.Sweep()

	// A stale backend record at level 0 must not regress the local level.
	tracker.Reconcile([]models.EscalationRecord{{
		ID: record.ID, AlertID: "al-1", CurrentLevel: 0, MaxLevel: 3,
	}})
	got, _ := tracker.Get(record.ID)
	if got.CurrentLevel != 1 {
		t.Fatalf("reconcile regressed level to %d", got.CurrentLevel)
	}

	// A remote resolution wins.
	now := manual.Now()
	tracker.Reconcile([]models.EscalationRecord{{
		ID: record.ID, AlertID: "al-1", CurrentLevel: 1, MaxLevel: 3, Resolved: true, ResolvedAt: &now,
	}})
	got, _ = tracker.Get(record.ID)
	if !got.Resolved || got.NextEscalationAt != nil {
		t.Fatalf("remote resolution should apply locally")
	}

	// Unknown remote records are adopted.
	tracker.Reconcile([]models.EscalationRecord{{
		ID: "esc-remote", AlertID: "al-9", CurrentLevel: 2, MaxLevel: 3,
	}})
	if _, ok := tracker.GetByAlert("al-9"); !ok {
		t.Fatalf("unknown remote record should be adopted")
	}
}
