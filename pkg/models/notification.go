package models

import "time"

// Severity classifies how serious a notification is, driving sink selection
// and UI treatment.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
	SeveritySuccess  Severity = "success"
)

// Priority orders notifications within a severity class.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Notification categories
const (
	CategoryLeak      = "leak"
	CategorySensor    = "sensor"
	CategoryWorkOrder = "work_order"
	CategoryAlert     = "alert"
	CategorySystem    = "system"
)

// Notification is a user-facing notification. Created by the mapper from a
// stream event or fetched from the backend; mutated only through the store's
// read-state operations. The backend remains the source of truth for the full
// history, the client keeps a bounded recent window.
type Notification struct {
	ID              string    `json:"id"`
	Severity        Severity  `json:"severity"`
	Priority        Priority  `json:"priority"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	Category        string    `json:"category"`
	Source          string    `json:"source,omitempty"`
	ActionReference string    `json:"action_reference,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Read            bool      `json:"read"`
}
