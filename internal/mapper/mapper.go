package mapper

import (
	"fmt"
	"time"

	"waterworks/pkg/api/stream"
	"waterworks/pkg/models"
)

// Placeholder text substituted when a payload field is missing or malformed.
// Mapping must never fail on a bad payload.
const (
	unknownLocation = "unknown location"
	unknownSensor   = "unknown sensor"
	unknownOrder    = "unknown work order"
	unknownAlert    = "unknown alert"
)

// NotificationID derives the notification id for a stream event. Backend
// notifications for the same event carry the same derived id, which is what
// lets the store reconcile live and fetched copies of one event.
func NotificationID(eventID string) string {
	return "ntf_" + eventID
}

// Map translates a tenant event into a notification draft, or nil when the
// event type is not notification-worthy (heartbeats, subscription
// confirmations, connection lifecycle). Stateless and side-effect free.
func Map(event stream.Event) *models.Notification {
	payload, known := event.DecodePayload()
	if !known {
		return nil
	}

	createdAt := event.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	n := &models.Notification{
		ID:        NotificationID(event.EventID),
		Source:    event.Source,
		CreatedAt: createdAt,
	}

	switch p := payload.(type) {
	case stream.LeakPayload:
		mapLeak(n, event.EventType, p)
	case stream.SensorPayload:
		mapSensor(n, event.EventType, p)
	case stream.WorkOrderPayload:
		mapWorkOrder(n, event.EventType, p)
	case stream.AlertPayload:
		mapAlert(n, event.EventType, p)
	}

	if n.Title == "" {
		return nil
	}
	return n
}

func mapLeak(n *models.Notification, eventType string, p stream.LeakPayload) {
	location := p.Location
	if location == "" {
		location = unknownLocation
	}

	n.Category = models.CategoryLeak
	switch eventType {
	case stream.TypeLeakDetected:
		n.Severity = models.SeverityCritical
		n.Priority = models.PriorityHigh
		n.Title = "Leak detected"
		if p.Confidence > 0 {
			n.Message = fmt.Sprintf("Possible leak at %s (confidence %.0f%%)", location, p.Confidence*100)
		} else {
			n.Message = fmt.Sprintf("Possible leak at %s", location)
		}
		n.ActionReference = "/leaks/" + p.LeakID
	case stream.TypeLeakResolved:
		n.Severity = models.SeveritySuccess
		n.Priority = models.PriorityMedium
		n.Title = "Leak resolved"
		n.Message = fmt.Sprintf("Leak at %s marked resolved", location)
		n.ActionReference = "/leaks/" + p.LeakID
	}
}

func mapSensor(n *models.Notification, eventType string, p stream.SensorPayload) {
	sensor := p.SensorID
	if sensor == "" {
		sensor = unknownSensor
	}
	location := p.Location
	if location == "" {
		location = unknownLocation
	}

	n.Category = models.CategorySensor
	n.ActionReference = "/sensors/" + p.SensorID
	switch eventType {
	case stream.TypeSensorOnline:
		n.Severity = models.SeveritySuccess
		n.Priority = models.PriorityLow
		n.Title = "Sensor online"
		n.Message = fmt.Sprintf("Sensor %s at %s is back online", sensor, location)
	case stream.TypeSensorOffline:
		n.Severity = models.SeverityWarning
		n.Priority = models.PriorityMedium
		n.Title = "Sensor offline"
		n.Message = fmt.Sprintf("Sensor %s at %s stopped reporting", sensor, location)
	case stream.TypeSensorLowBattery:
		n.Severity = models.SeverityWarning
		n.Priority = models.PriorityLow
		n.Title = "Sensor battery low"
		if p.BatteryLevel > 0 {
			n.Message = fmt.Sprintf("Sensor %s at %s battery at %.0f%%", sensor, location, p.BatteryLevel)
		} else {
			n.Message = fmt.Sprintf("Sensor %s at %s battery low", sensor, location)
		}
	}
}

func mapWorkOrder(n *models.Notification, eventType string, p stream.WorkOrderPayload) {
	title := p.Title
	if title == "" {
		title = unknownOrder
	}

	n.Category = models.CategoryWorkOrder
	n.ActionReference = "/work-orders/" + p.WorkOrderID
	switch eventType {
	case stream.TypeWorkOrderCreated:
		n.Severity = models.SeverityInfo
		n.Priority = models.PriorityMedium
		n.Title = "Work order created"
		n.Message = title
	case stream.TypeWorkOrderAssigned:
		n.Severity = models.SeverityInfo
		n.Priority = models.PriorityMedium
		n.Title = "Work order assigned"
		if p.AssignedTo != "" {
			n.Message = fmt.Sprintf("%s assigned to %s", title, p.AssignedTo)
		} else {
			n.Message = title
		}
	case stream.TypeWorkOrderCompleted:
		n.Severity = models.SeveritySuccess
		n.Priority = models.PriorityLow
		n.Title = "Work order completed"
		n.Message = title
	}
}

func mapAlert(n *models.Notification, eventType string, p stream.AlertPayload) {
	title := p.Title
	if title == "" {
		title = unknownAlert
	}

	n.Category = models.CategoryAlert
	n.ActionReference = "/alerts/" + p.AlertID
	switch eventType {
	case stream.TypeAlertRaised:
		n.Severity = alertSeverity(p.Severity)
		n.Priority = models.PriorityHigh
		n.Title = "Alert: " + title
		n.Message = p.Message
		if n.Message == "" {
			n.Message = title
		}
	case stream.TypeAlertCleared:
		n.Severity = models.SeveritySuccess
		n.Priority = models.PriorityMedium
		n.Title = "Alert cleared: " + title
		n.Message = fmt.Sprintf("%s is no longer active", title)
	case stream.TypeEscalationAdvanced:
		n.Severity = models.SeverityCritical
		n.Priority = models.PriorityHigh
		n.Title = "Alert escalated: " + title
		n.Message = fmt.Sprintf("%s escalated to level %d without acknowledgment", title, p.Level)
	}
}

func alertSeverity(s string) models.Severity {
	switch models.Severity(s) {
	case models.SeverityCritical, models.SeverityWarning, models.SeverityInfo, models.SeveritySuccess:
		return models.Severity(s)
	default:
		return models.SeverityWarning
	}
}
