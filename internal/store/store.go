package store

import (
	"context"
	"sync"

	"waterworks/pkg/api/backend"
	"waterworks/pkg/logging"
	"waterworks/pkg/models"
)

// DefaultWindowSize bounds the in-memory notification window. The backend
// keeps full history; the client keeps the most recent N.
const DefaultWindowSize = 200

// ReadMarker is the backend surface the store needs for read-state writes.
type ReadMarker interface {
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Store is the single in-memory source of notification state. It reconciles
// two inputs, paginated REST fetches and live mapped events, without
// duplication: fetch responses are ground truth, stream-derived items are
// provisional until the next fetch.
//
// Read-state mutations are optimistic: local state changes immediately, the
// backend call follows, and a backend failure surfaces as an error without
// reverting local state (eventual consistency, reconciled on next fetch).
type Store struct {
	mu     sync.RWMutex
	items  []*models.Notification
	index  map[string]*models.Notification
	unread int
	total  int

	windowSize int
	sink       Sink
	marker     ReadMarker
	logger     logging.Logger
}

// Config represents the configuration for the notification store
type Config struct {
	WindowSize int
	Sink       Sink
	Marker     ReadMarker
	Logger     logging.Logger
}

// New creates a notification store.
func New(cfg Config) *Store {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	return &Store{
		index:      make(map[string]*models.Notification),
		windowSize: cfg.WindowSize,
		sink:       cfg.Sink,
		marker:     cfg.Marker,
		logger:     cfg.Logger,
	}
}

// IngestFromStream merges a live mapped notification. Idempotent by id: a
// notification already present (from an earlier frame or a fetch) is ignored
// with no side effects.
func (s *Store) IngestFromStream(n *models.Notification) bool {
	s.mu.Lock()
	if _, exists := s.index[n.ID]; exists {
		s.mu.Unlock()
		return false
	}

	copied := *n
	s.items = append([]*models.Notification{&copied}, s.items...)
	s.index[copied.ID] = &copied
	if !copied.Read {
		s.unread++
	}
	s.total++
	s.evictLocked()
	severity := copied.Severity
	s.mu.Unlock()

	s.sink.Alert(severity)
	return true
}

// IngestFromFetch reconciles a backend page. Page 1 replaces the visible
// window; later pages append. Total and unread counts always take the
// authoritative values from the response.
func (s *Store) IngestFromFetch(page *backend.NotificationPage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if page.Page <= 1 {
		s.items = s.items[:0]
		s.index = make(map[string]*models.Notification, len(page.Notifications))
	}

	for i := range page.Notifications {
		n := page.Notifications[i]
		if _, exists := s.index[n.ID]; exists {
			continue
		}
		copied := n
		s.items = append(s.items, &copied)
		s.index[copied.ID] = &copied
	}

	s.total = page.Total
	s.unread = page.UnreadCount
	if s.unread < 0 {
		s.unread = 0
	}
	s.evictLocked()
}

// MarkRead marks a notification read locally, then on the backend. A backend
// failure is returned but local state stays; double marking is a no-op.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	s.mu.Lock()
	n, ok := s.index[id]
	if ok && !n.Read {
		n.Read = true
		s.unread--
		if s.unread < 0 {
			s.unread = 0
		}
	}
	s.mu.Unlock()

	if !ok || s.marker == nil {
		return nil
	}
	if err := s.marker.MarkNotificationRead(ctx, id); err != nil {
		s.logger.WithError(err).Warn("Backend mark-read failed; keeping optimistic state")
		return err
	}
	return nil
}

// MarkAllRead marks everything read locally, then on the backend.
func (s *Store) MarkAllRead(ctx context.Context) error {
	s.mu.Lock()
	for _, n := range s.items {
		n.Read = true
	}
	s.unread = 0
	s.mu.Unlock()

	if s.marker == nil {
		return nil
	}
	if err := s.marker.MarkAllNotificationsRead(ctx); err != nil {
		s.logger.WithError(err).Warn("Backend mark-all-read failed; keeping optimistic state")
		return err
	}
	return nil
}

// Get returns a copy of the notification with the given id.
func (s *Store) Get(id string) (models.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.index[id]; ok {
		return *n, true
	}
	return models.Notification{}, false
}

// Snapshot returns a copy of the visible window, newest first.
func (s *Store) Snapshot() []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Notification, 0, len(s.items))
	for _, n := range s.items {
		out = append(out, *n)
	}
	return out
}

// SetUnread applies an authoritative unread count from the backend. It wins
// over local optimistic adjustments.
func (s *Store) SetUnread(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if count < 0 {
		count = 0
	}
	s.unread = count
}

// Unread returns the unread count; never negative.
func (s *Store) Unread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// Total returns the authoritative total from the last fetch, adjusted for
// stream arrivals since.
func (s *Store) Total() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// Len returns the size of the visible window.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) evictLocked() {
	if len(s.items) <= s.windowSize {
		return
	}
	for _, evicted := range s.items[s.windowSize:] {
		delete(s.index, evicted.ID)
	}
	s.items = s.items[:s.windowSize]
}
