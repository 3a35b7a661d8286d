package pipeline

import (
	"context"
	"errors"
	"time"

	"waterworks/internal/dedup"
	"waterworks/internal/escalation"
	"waterworks/internal/mapper"
	"waterworks/internal/metrics"
	"waterworks/internal/rules"
	"waterworks/internal/store"
	"waterworks/pkg/api/backend"
	"waterworks/pkg/api/stream"
	"waterworks/pkg/logging"
	"waterworks/pkg/models"
)

// DefaultReconcileInterval is how often backend state is re-fetched to
// reconcile the store and tracker against ground truth.
const DefaultReconcileInterval = 60 * time.Second

// DefaultPageSize is the reconcile fetch page size.
const DefaultPageSize = 50

// Backend is the REST surface the pipeline reconciles from.
type Backend interface {
	ListNotifications(ctx context.Context, req backend.ListNotificationsRequest) (*backend.NotificationPage, error)
	GetUnreadCount(ctx context.Context) (int, error)
	ListEscalations(ctx context.Context) ([]models.EscalationRecord, error)
}

// Events is the stream side of the pipeline.
type Events interface {
	Events() <-chan stream.Event
}

// Pipeline wires the event stages into one synchronous chain:
// transport → dedup → mapper → store → tracker. All stages run on the single
// consumer goroutine, which is the ordering guarantee that keeps the store
// and escalation map lock-light. REST fetch responses may race live events
// for the same id; id-level dedup in the store resolves that.
type Pipeline struct {
	transport Events
	dedup     *dedup.Deduplicator
	store     *store.Store
	tracker   *escalation.Tracker
	rules     *rules.Cache
	backend   Backend
	logger    logging.Logger
	metrics   *metrics.Metrics

	reconcileInterval time.Duration
	pageSize          int
}

// Config represents the configuration for the pipeline
type Config struct {
	Transport Events
	Dedup     *dedup.Deduplicator
	Store     *store.Store
	Tracker   *escalation.Tracker
	Rules     *rules.Cache
	Backend   Backend
	Logger    logging.Logger
	Metrics   *metrics.Metrics

	ReconcileInterval time.Duration
	PageSize          int
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Pipeline{
		transport:         cfg.Transport,
		dedup:             cfg.Dedup,
		store:             cfg.Store,
		tracker:           cfg.Tracker,
		rules:             cfg.Rules,
		backend:           cfg.Backend,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		reconcileInterval: cfg.ReconcileInterval,
		pageSize:          cfg.PageSize,
	}
}

// Run consumes the stream until the context is cancelled. The escalation
// sweep and the reconcile loop run as background companions; event handling
// itself stays on this single goroutine.
func (p *Pipeline) Run(ctx context.Context) {
	go p.tracker.Run(ctx)
	go p.reconcileLoop(ctx)

	// Seed state from the backend before consuming live events.
	p.Reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.transport.Events():
			if !ok {
				return
			}
			p.HandleEvent(ctx, event)
		}
	}
}

// HandleEvent runs one event through every stage synchronously.
func (p *Pipeline) HandleEvent(ctx context.Context, event stream.Event) {
	if p.metrics != nil {
		p.metrics.EventsReceived.WithLabelValues(event.EventType).Inc()
	}

	if !p.dedup.Accept(event) {
		if p.metrics != nil {
			p.metrics.EventsDeduplicated.WithLabelValues(event.EventType).Inc()
		}
		p.logger.WithField("event_id", event.EventID).Debug("Duplicate event dropped")
		return
	}

	if draft := mapper.Map(event); draft != nil {
		if p.store.IngestFromStream(draft) && p.metrics != nil {
			p.metrics.NotificationsIngested.WithLabelValues(string(draft.Severity), "stream").Inc()
		}
	}

	switch event.EventType {
	case stream.TypeAlertRaised:
		p.openEscalation(ctx, event)
	case stream.TypeAlertCleared:
		p.clearEscalation(event)
	}
}

func (p *Pipeline) openEscalation(ctx context.Context, event stream.Event) {
	payload, ok := event.DecodePayload()
	if !ok {
		return
	}
	alert, ok := payload.(stream.AlertPayload)
	if !ok {
		return
	}

	rule, err := p.rules.FirstForEventType(ctx, event.EventType)
	if err != nil {
		p.logger.WithError(err).Warn("Rule lookup failed; alert will not escalate")
		return
	}

	record, err := p.tracker.Open(alert, rule)
	if err != nil {
		if errors.Is(err, escalation.ErrCooldownActive) {
			p.logger.WithField("alert_id", alert.AlertID).Debug("Escalation suppressed by cooldown")
			return
		}
		p.logger.WithError(err).WithField("alert_id", alert.AlertID).Error("Failed to open escalation")
		return
	}
	if record != nil && p.metrics != nil {
		p.metrics.EscalationsOpened.WithLabelValues(record.RuleID).Inc()
	}
}

func (p *Pipeline) clearEscalation(event stream.Event) {
	payload, ok := event.DecodePayload()
	if !ok {
		return
	}
	alert, ok := payload.(stream.AlertPayload)
	if !ok {
		return
	}

	if err := p.tracker.ResolveByAlert(alert.AlertID); err != nil {
		if errors.Is(err, escalation.ErrNotFound) || errors.Is(err, escalation.ErrInvalidStateTransition) {
			return
		}
		p.logger.WithError(err).WithField("alert_id", alert.AlertID).Warn("Failed to resolve escalation")
	}
}

// Reconcile fetches backend ground truth once: notification page 1, the
// unread counter, and the escalation list. The dedicated unread endpoint wins
// over the page's snapshot because optimistic mark-reads may have raced the
// page fetch.
func (p *Pipeline) Reconcile(ctx context.Context) {
	page, err := p.backend.ListNotifications(ctx, backend.ListNotificationsRequest{Page: 1, PageSize: p.pageSize})
	if err != nil {
		p.logger.WithError(err).Warn("Notification reconcile fetch failed")
	} else {
		p.store.IngestFromFetch(page)
	}

	unread, err := p.backend.GetUnreadCount(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("Unread count reconcile fetch failed")
	} else {
		p.store.SetUnread(unread)
	}

	escalations, err := p.backend.ListEscalations(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("Escalation reconcile fetch failed")
		return
	}
	p.tracker.Reconcile(escalations)
}

func (p *Pipeline) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Reconcile(ctx)
		}
	}
}
