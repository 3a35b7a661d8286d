package backend

import (
	"waterworks/pkg/models"
)

// NotificationPage is one page of the backend notification list.
type NotificationPage struct {
	Notifications []models.Notification `json:"notifications"`
	Total         int                   `json:"total"`
	UnreadCount   int                   `json:"unread_count"`
	Page          int                   `json:"page"`
	PageSize      int                   `json:"page_size"`
	HasMore       bool                  `json:"has_more"`
}

// ListNotificationsRequest parameterizes the notification list fetch.
type ListNotificationsRequest struct {
	Page       int
	PageSize   int
	UnreadOnly bool
}

// UnreadCountResponse is the unread-count endpoint response.
type UnreadCountResponse struct {
	UnreadCount int `json:"unread_count"`
}

// RuleListResponse is the notification-rule list response.
type RuleListResponse struct {
	Rules []models.NotificationRule `json:"rules"`
}

// EscalationListResponse is the escalation list response.
type EscalationListResponse struct {
	Escalations []models.EscalationRecord `json:"escalations"`
}

// AcknowledgeEscalationRequest carries the acknowledging actor.
type AcknowledgeEscalationRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}
