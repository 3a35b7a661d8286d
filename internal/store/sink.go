package store

import (
	"waterworks/pkg/logging"
	"waterworks/pkg/models"
)

// Sink receives an audible-alert side effect for each newly ingested stream
// notification, keyed by severity. Implementations must be cheap and
// non-blocking; a no-op sink is valid.
type Sink interface {
	Alert(severity models.Severity)
}

// NopSink discards all alerts.
type NopSink struct{}

// Alert does nothing.
func (NopSink) Alert(models.Severity) {}

// LogSink logs alerts instead of playing a sound; the default in headless
// deployments.
type LogSink struct {
	Logger logging.Logger
}

// Alert logs the alert severity.
func (s LogSink) Alert(severity models.Severity) {
	s.Logger.WithField("severity", string(severity)).Debug("Notification alert")
}
