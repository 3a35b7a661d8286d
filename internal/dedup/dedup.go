package dedup

import (
	"sync"

	"waterworks/pkg/api/stream"
)

const (
	// DefaultBufferSize is how many full events are retained for inspection.
	DefaultBufferSize = 100

	// DefaultHighWater is the seen-id count that triggers compaction. Only the
	// most recent half survives; event ids are not reused within any realistic
	// reconnect window, so losing older history is acceptable.
	DefaultHighWater = 1000
)

// Deduplicator guarantees each event id is processed at most once per
// session, across live delivery and replay. Memory stays bounded via the
// high-water compaction of the seen set and the capped event buffer.
type Deduplicator struct {
	mu        sync.Mutex
	seen      map[string]struct{}
	order     []string // seen ids in arrival order, for compaction
	buffer    []stream.Event
	bufSize   int
	highWater int

	accepted uint64
	rejected uint64
}

// New creates a deduplicator with the given buffer size and high-water mark.
// Zero values select the defaults.
func New(bufferSize, highWater int) *Deduplicator {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	return &Deduplicator{
		seen:      make(map[string]struct{}, highWater),
		order:     make([]string, 0, highWater),
		buffer:    make([]stream.Event, 0, bufferSize),
		bufSize:   bufferSize,
		highWater: highWater,
	}
}

// Accept records the event id and returns true the first time it is seen;
// replays return false and must produce no downstream side effects.
func (d *Deduplicator) Accept(event stream.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, dup := d.seen[event.EventID]; dup {
		d.rejected++
		return false
	}

	d.seen[event.EventID] = struct{}{}
	d.order = append(d.order, event.EventID)
	d.accepted++

	d.buffer = append(d.buffer, event)
	if len(d.buffer) > d.bufSize {
		d.buffer = d.buffer[len(d.buffer)-d.bufSize:]
	}

	if len(d.seen) > d.highWater {
		d.compactLocked()
	}
	return true
}

// compactLocked retains only the most recent half of the seen set.
func (d *Deduplicator) compactLocked() {
	keep := d.order[len(d.order)/2:]
	seen := make(map[string]struct{}, d.highWater)
	for _, id := range keep {
		seen[id] = struct{}{}
	}
	d.seen = seen
	d.order = append(make([]string, 0, d.highWater), keep...)
}

// Recent returns a copy of the buffered events, oldest first.
func (d *Deduplicator) Recent() []stream.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]stream.Event(nil), d.buffer...)
}

// Stats returns accepted/rejected counts and the current seen-set size.
func (d *Deduplicator) Stats() (accepted, rejected uint64, tracked int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepted, d.rejected, len(d.seen)
}
