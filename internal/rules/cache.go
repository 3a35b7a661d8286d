package rules

import (
	"context"
	"sync"
	"time"

	"waterworks/pkg/clock"
	"waterworks/pkg/logging"
	"waterworks/pkg/models"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a fetched rule set stays fresh.
const DefaultTTL = 5 * time.Minute

// Source is the backend surface the cache loads from.
type Source interface {
	ListNotificationRules(ctx context.Context) ([]models.NotificationRule, error)
}

// Cache is the client-side read-through cache of the tenant's notification
// rules. Rules are backend-owned configuration; the cache refreshes on TTL
// expiry and collapses concurrent refreshes through singleflight. Only active
// rules are served to lookups.
type Cache struct {
	source Source
	ttl    time.Duration
	clock  clock.Clock
	logger logging.Logger
	sf     singleflight.Group

	mu        sync.RWMutex
	rules     []models.NotificationRule
	byType    map[string][]*models.NotificationRule
	fetchedAt time.Time
}

// Config represents the configuration for the rule cache
type Config struct {
	Source Source
	TTL    time.Duration
	Clock  clock.Clock
	Logger logging.Logger
}

// New creates a rule cache.
func New(cfg Config) *Cache {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Cache{
		source: cfg.Source,
		ttl:    cfg.TTL,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		byType: make(map[string][]*models.NotificationRule),
	}
}

// ForEventType returns the active rules matching the event type, refreshing
// the cache first if stale. A refresh failure with a previously loaded rule
// set degrades to serving the stale set.
func (c *Cache) ForEventType(ctx context.Context, eventType string) ([]*models.NotificationRule, error) {
	if err := c.ensureFresh(ctx); err != nil {
		c.mu.RLock()
		loaded := !c.fetchedAt.IsZero()
		c.mu.RUnlock()
		if !loaded {
			return nil, err
		}
		c.logger.WithError(err).Warn("Rule refresh failed; serving stale rules")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*models.NotificationRule(nil), c.byType[eventType]...), nil
}

// FirstForEventType returns the first active rule for the event type, or nil.
func (c *Cache) FirstForEventType(ctx context.Context, eventType string) (*models.NotificationRule, error) {
	matches, err := c.ForEventType(ctx, eventType)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

// All returns a copy of every cached rule, refreshing first if stale.
func (c *Cache) All(ctx context.Context) ([]models.NotificationRule, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.NotificationRule(nil), c.rules...), nil
}

// Invalidate forces the next lookup to refresh.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
}

func (c *Cache) ensureFresh(ctx context.Context) error {
	c.mu.RLock()
	fresh := !c.fetchedAt.IsZero() && c.clock.Now().Sub(c.fetchedAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	_, err, _ := c.sf.Do("rules", func() (interface{}, error) {
		fetched, err := c.source.ListNotificationRules(ctx)
		if err != nil {
			return nil, err
		}

		byType := make(map[string][]*models.NotificationRule)
		for i := range fetched {
			rule := &fetched[i]
			if !rule.Active {
				continue
			}
			byType[rule.EventType] = append(byType[rule.EventType], rule)
		}

		c.mu.Lock()
		c.rules = fetched
		c.byType = byType
		c.fetchedAt = c.clock.Now()
		c.mu.Unlock()
		return nil, nil
	})
	return err
}
