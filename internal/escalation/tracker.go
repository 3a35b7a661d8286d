package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"waterworks/pkg/api/stream"
	"waterworks/pkg/clock"
	"waterworks/pkg/logging"
	"waterworks/pkg/models"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrInvalidStateTransition is returned for operations on a resolved
	// tracker: resolved is terminal and violations are rejected, not ignored.
	ErrInvalidStateTransition = errors.New("invalid escalation state transition")

	// ErrNotFound is returned when no tracker exists for the id.
	ErrNotFound = errors.New("escalation record not found")

	// ErrCooldownActive is returned when a rule refuses to open a second
	// tracker for the same alert condition within its cooldown window.
	ErrCooldownActive = errors.New("escalation cooldown active")
)

// DefaultSweepInterval is how often the scheduler looks for due trackers.
const DefaultSweepInterval = 30 * time.Second

// DefaultRetention is how long resolved records stay queryable before the
// sweep drops them.
const DefaultRetention = time.Hour

// Notifier delivers one escalation level's notification to its target roles
// over its channels. The default implementation logs.
type Notifier interface {
	Notify(record *models.EscalationRecord, level models.EscalationLevel) error
}

// LogNotifier logs escalation notifications instead of delivering them.
type LogNotifier struct {
	Logger logging.Logger
}

// Notify logs the escalation advance.
func (n LogNotifier) Notify(record *models.EscalationRecord, level models.EscalationLevel) error {
	n.Logger.WithFields(logging.Fields{
		"alert_id":     record.AlertID,
		"level":        record.CurrentLevel,
		"target_roles": level.TargetRoles,
		"channels":     level.Channels,
	}).Warn("Escalation advanced")
	return nil
}

// CounterNotifier counts advances per rule before delegating delivery.
type CounterNotifier struct {
	Next    Notifier
	Counter *prometheus.CounterVec // rule_id
}

// Notify increments the counter and passes the notification on.
func (n CounterNotifier) Notify(record *models.EscalationRecord, level models.EscalationLevel) error {
	n.Counter.WithLabelValues(record.RuleID).Inc()
	return n.Next.Notify(record, level)
}

// Tracker drives multi-level escalation of unresolved critical alerts. Each
// record's CurrentLevel only ever grows until the record is resolved;
// acknowledgment halts advancement through an explicit scheduler guard, not
// by clearing the timer field.
type Tracker struct {
	mu       sync.RWMutex
	records  map[string]*models.EscalationRecord
	byAlert  map[string]string // alert id -> record id
	policies map[string]*models.NotificationRule

	// cooldownUntil holds the expiry of each rule's cooldown window per
	// alert condition, keyed by rule id + subject. Expired entries are
	// dropped by the sweep.
	cooldownUntil map[string]time.Time

	clock         clock.Clock
	notifier      Notifier
	logger        logging.Logger
	sweepInterval time.Duration
	retention     time.Duration

	opened   uint64
	advanced uint64
}

// Config represents the configuration for the escalation tracker
type Config struct {
	Clock         clock.Clock
	Notifier      Notifier
	Logger        logging.Logger
	SweepInterval time.Duration
	Retention     time.Duration // how long resolved records linger
}

// New creates an escalation tracker.
func New(cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{Logger: cfg.Logger}
	}
	return &Tracker{
		records:       make(map[string]*models.EscalationRecord),
		byAlert:       make(map[string]string),
		policies:      make(map[string]*models.NotificationRule),
		cooldownUntil: make(map[string]time.Time),
		clock:         cfg.Clock,
		notifier:      cfg.Notifier,
		logger:        cfg.Logger,
		sweepInterval: cfg.SweepInterval,
		retention:     cfg.Retention,
	}
}

// Open creates a tracker for a qualifying alert event under the given rule.
// Rules without an enabled escalation policy never open trackers; a rule in
// its cooldown window for the same alert condition refuses with
// ErrCooldownActive, which prevents escalation storms from flapping sensors.
func (t *Tracker) Open(alert stream.AlertPayload, rule *models.NotificationRule) (*models.EscalationRecord, error) {
	if rule == nil || rule.Escalation == nil || !rule.Escalation.Enabled || len(rule.Escalation.Levels) == 0 {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	key := cooldownKey(rule.ID, alert.Subject)
	if until, ok := t.cooldownUntil[key]; ok && now.Before(until) {
		return nil, fmt.Errorf("%w: rule %s, subject %q", ErrCooldownActive, rule.ID, alert.Subject)
	}

	next := now.Add(time.Duration(rule.Escalation.Levels[0].DelayMinutes) * time.Minute)
	record := &models.EscalationRecord{
		ID:               uuid.New().String(),
		AlertID:          alert.AlertID,
		RuleID:           rule.ID,
		CurrentLevel:     0,
		MaxLevel:         len(rule.Escalation.Levels),
		NextEscalationAt: &next,
		CreatedAt:        now,
	}

	t.records[record.ID] = record
	t.byAlert[record.AlertID] = record.ID
	t.policies[record.ID] = rule
	if rule.CooldownMinutes > 0 {
		t.cooldownUntil[key] = now.Add(rule.Cooldown())
	}
	t.opened++

	t.logger.WithFields(logging.Fields{
		"alert_id": record.AlertID,
		"rule_id":  rule.ID,
		"next_at":  next,
	}).Info("Escalation tracker opened")
	return record, nil
}

// Acknowledge marks the tracker acknowledged by an actor. The pending
// NextEscalationAt is left in place; the sweep checks the acknowledged flag
// before advancing, so the halt is an explicit guard rather than a side
// effect of this write.
func (t *Tracker) Acknowledge(id, by string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[id]
	if !ok {
		return ErrNotFound
	}
	if record.Resolved {
		return fmt.Errorf("%w: cannot acknowledge resolved escalation %s", ErrInvalidStateTransition, id)
	}

	now := t.clock.Now()
	record.Acknowledged = true
	record.AcknowledgedBy = by
	record.AcknowledgedAt = &now
	return nil
}

// Resolve terminates the tracker. Resolving twice is rejected.
func (t *Tracker) Resolve(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[id]
	if !ok {
		return ErrNotFound
	}
	if record.Resolved {
		return fmt.Errorf("%w: escalation %s already resolved", ErrInvalidStateTransition, id)
	}

	now := t.clock.Now()
	record.Resolved = true
	record.ResolvedAt = &now
	record.NextEscalationAt = nil
	return nil
}

// ResolveByAlert resolves the tracker opened for the given alert id, if any.
func (t *Tracker) ResolveByAlert(alertID string) error {
	t.mu.RLock()
	id, ok := t.byAlert[alertID]
	t.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return t.Resolve(id)
}

// Sweep advances every tracker whose NextEscalationAt has elapsed and which
// is neither acknowledged nor resolved. Advancing to level n notifies the
// ladder entry that scheduled it and sets the next deadline from the
// following entry, or clears it at max level. The sweep also drops resolved
// records older than the retention window and expired cooldown entries, so
// the maps stay bounded over a long-lived session.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	advanced := 0
	for _, record := range t.records {
		if record.Resolved || record.Acknowledged {
			continue
		}
		if record.NextEscalationAt == nil || now.Before(*record.NextEscalationAt) {
			continue
		}
		t.advanceLocked(record, now)
		advanced++
	}
	t.pruneLocked(now)
	return advanced
}

func (t *Tracker) pruneLocked(now time.Time) {
	for key, until := range t.cooldownUntil {
		if !now.Before(until) {
			delete(t.cooldownUntil, key)
		}
	}
	for id, record := range t.records {
		if !record.Resolved {
			continue
		}
		resolvedAt := record.CreatedAt
		if record.ResolvedAt != nil {
			resolvedAt = *record.ResolvedAt
		}
		if now.Sub(resolvedAt) < t.retention {
			continue
		}
		delete(t.records, id)
		delete(t.policies, id)
		if t.byAlert[record.AlertID] == id {
			delete(t.byAlert, record.AlertID)
		}
	}
}

func (t *Tracker) advanceLocked(record *models.EscalationRecord, now time.Time) {
	rule := t.policies[record.ID]
	if rule == nil || rule.Escalation == nil {
		record.NextEscalationAt = nil
		return
	}
	levels := rule.Escalation.Levels

	record.CurrentLevel++
	t.advanced++

	reached := levels[record.CurrentLevel-1]
	if err := t.notifier.Notify(record, reached); err != nil {
		t.logger.WithError(err).WithField("alert_id", record.AlertID).Error("Escalation notification failed")
	}

	if record.CurrentLevel >= record.MaxLevel {
		record.NextEscalationAt = nil
		return
	}
	next := now.Add(time.Duration(levels[record.CurrentLevel].DelayMinutes) * time.Minute)
	record.NextEscalationAt = &next
}

// Run sweeps periodically until the context is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				t.logger.WithField("advanced", n).Debug("Escalation sweep")
			}
		}
	}
}

// Reconcile merges backend escalation records. The backend may deliver
// records out of order relative to the stream, so merging never moves a
// local record backwards: levels only grow, resolved stays resolved.
func (t *Tracker) Reconcile(records []models.EscalationRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range records {
		remote := records[i]
		local, ok := t.records[remote.ID]
		if !ok {
			copied := remote
			t.records[copied.ID] = &copied
			t.byAlert[copied.AlertID] = copied.ID
			continue
		}

		if remote.CurrentLevel > local.CurrentLevel {
			local.CurrentLevel = remote.CurrentLevel
			local.NextEscalationAt = remote.NextEscalationAt
		}
		if remote.Acknowledged && !local.Acknowledged {
			local.Acknowledged = true
			local.AcknowledgedBy = remote.AcknowledgedBy
			local.AcknowledgedAt = remote.AcknowledgedAt
		}
		if remote.Resolved && !local.Resolved {
			local.Resolved = true
			local.ResolvedAt = remote.ResolvedAt
			local.NextEscalationAt = nil
		}
	}
}

// Get returns a copy of the record with the given id.
func (t *Tracker) Get(id string) (models.EscalationRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if record, ok := t.records[id]; ok {
		return *record, true
	}
	return models.EscalationRecord{}, false
}

// GetByAlert returns a copy of the record tracking the given alert.
func (t *Tracker) GetByAlert(alertID string) (models.EscalationRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id, ok := t.byAlert[alertID]; ok {
		if record, ok := t.records[id]; ok {
			return *record, true
		}
	}
	return models.EscalationRecord{}, false
}

// Stats returns counters for the status endpoint.
func (t *Tracker) Stats() (active int, opened, advanced uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, record := range t.records {
		if !record.Resolved {
			active++
		}
	}
	return active, t.opened, t.advanced
}

func cooldownKey(ruleID, subject string) string {
	return ruleID + "|" + subject
}
