package models

import "time"

// NotificationRule is backend-owned configuration describing how an event type
// becomes a notification and whether unacknowledged alerts escalate. The
// client caches rules read-only.
type NotificationRule struct {
	ID              string            `json:"id"`
	EventType       string            `json:"event_type"`
	Severity        Severity          `json:"severity"`
	TargetRoles     []string          `json:"target_roles"`
	Channels        []string          `json:"channels"`
	Escalation      *EscalationPolicy `json:"escalation,omitempty"`
	Conditions      map[string]string `json:"conditions,omitempty"`
	CooldownMinutes int               `json:"cooldown_minutes"`
	Active          bool              `json:"active"`
}

// EscalationPolicy configures the escalation ladder for a rule.
type EscalationPolicy struct {
	Enabled bool              `json:"enabled"`
	Levels  []EscalationLevel `json:"levels"`
}

// EscalationLevel is one rung of the ladder: after DelayMinutes without an
// acknowledgment, the listed roles are notified via the listed channels.
type EscalationLevel struct {
	DelayMinutes  int      `json:"delay_minutes"`
	TargetRoles   []string `json:"target_roles"`
	Channels      []string `json:"channels"`
	MessageSuffix string   `json:"message_suffix,omitempty"`
}

// Cooldown returns the rule's cooldown window as a duration.
func (r *NotificationRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// EscalationRecord tracks one alert through the escalation ladder.
// CurrentLevel is monotonically non-decreasing until Resolved; level 0 means
// the alert has not escalated yet. NextEscalationAt is nil iff the record is
// resolved or at max level.
type EscalationRecord struct {
	ID               string     `json:"id"`
	AlertID          string     `json:"alert_id"`
	RuleID           string     `json:"rule_id,omitempty"`
	CurrentLevel     int        `json:"current_level"`
	MaxLevel         int        `json:"max_level"`
	Acknowledged     bool       `json:"acknowledged"`
	AcknowledgedBy   string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
	Resolved         bool       `json:"resolved"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	NextEscalationAt *time.Time `json:"next_escalation_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}
