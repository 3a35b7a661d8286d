package stream

import (
	"encoding/json"
	"time"
)

// Event is one frame delivered on the tenant event stream. Payload stays raw
// until the consumer decodes it against the event type; DecodePayload gives
// the typed union.
type Event struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	TenantID  string          `json:"tenant_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source,omitempty"`
}

// ControlMessage is a client-to-server frame: subscription management and
// heartbeats share the same envelope.
type ControlMessage struct {
	Action     string   `json:"action"`
	EventTypes []string `json:"event_types,omitempty"`
	TenantID   string   `json:"tenant_id,omitempty"`
}

// Control actions
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionHeartbeat   = "heartbeat"
)

// Event types carried on the stream. TypeHeartbeat frames are transport
// keepalives and are never surfaced to consumers.
const (
	TypeHeartbeat = "heartbeat"

	TypeLeakDetected = "leak.detected"
	TypeLeakResolved = "leak.resolved"

	TypeSensorOnline     = "sensor.online"
	TypeSensorOffline    = "sensor.offline"
	TypeSensorLowBattery = "sensor.low_battery"

	TypeWorkOrderCreated   = "workorder.created"
	TypeWorkOrderAssigned  = "workorder.assigned"
	TypeWorkOrderCompleted = "workorder.completed"

	TypeAlertRaised        = "alert.raised"
	TypeAlertCleared       = "alert.cleared"
	TypeEscalationAdvanced = "escalation.advanced"

	TypeSubscriptionConfirmed   = "subscription_confirmed"
	TypeUnsubscriptionConfirmed = "unsubscription_confirmed"
)

// Close codes on the stream endpoint. CloseAuthFailure is the distinguished
// code for rejected credentials; every other code is treated as transient.
const (
	CloseAuthFailure = 4401
)

// LeakPayload is the payload for leak.detected / leak.resolved events.
type LeakPayload struct {
	LeakID     string  `json:"leak_id"`
	Location   string  `json:"location"`
	DMA        string  `json:"dma,omitempty"`
	Confidence float64 `json:"confidence"`
	FlowRate   float64 `json:"flow_rate_lps,omitempty"`
}

// SensorPayload is the payload for sensor state change events.
type SensorPayload struct {
	SensorID     string  `json:"sensor_id"`
	Location     string  `json:"location"`
	DMA          string  `json:"dma,omitempty"`
	BatteryLevel float64 `json:"battery_level,omitempty"`
}

// WorkOrderPayload is the payload for work-order lifecycle events.
type WorkOrderPayload struct {
	WorkOrderID string `json:"work_order_id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	AssignedTo  string `json:"assigned_to,omitempty"`
	Location    string `json:"location,omitempty"`
}

// AlertPayload is the payload for alert lifecycle and escalation events.
type AlertPayload struct {
	AlertID  string `json:"alert_id"`
	RuleID   string `json:"rule_id,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Severity string `json:"severity,omitempty"`
	Title    string `json:"title,omitempty"`
	Message  string `json:"message,omitempty"`
	Level    int    `json:"level,omitempty"`
}

// Payload is the typed union of stream payloads. DecodePayload returns
// exactly one concrete type per event category.
type Payload interface {
	isPayload()
}

func (LeakPayload) isPayload()      {}
func (SensorPayload) isPayload()    {}
func (WorkOrderPayload) isPayload() {}
func (AlertPayload) isPayload()     {}

// DecodePayload decodes an event's raw payload into its typed form. Unknown
// event types return (nil, false); malformed payloads decode to zero-valued
// fields rather than failing, so mappers can substitute placeholder text.
func (e *Event) DecodePayload() (Payload, bool) {
	switch e.EventType {
	case TypeLeakDetected, TypeLeakResolved:
		var p LeakPayload
		_ = json.Unmarshal(e.Payload, &p)
		return p, true
	case TypeSensorOnline, TypeSensorOffline, TypeSensorLowBattery:
		var p SensorPayload
		_ = json.Unmarshal(e.Payload, &p)
		return p, true
	case TypeWorkOrderCreated, TypeWorkOrderAssigned, TypeWorkOrderCompleted:
		var p WorkOrderPayload
		_ = json.Unmarshal(e.Payload, &p)
		return p, true
	case TypeAlertRaised, TypeAlertCleared, TypeEscalationAdvanced:
		var p AlertPayload
		_ = json.Unmarshal(e.Payload, &p)
		return p, true
	default:
		return nil, false
	}
}
