// Package eventlog holds the bounded in-memory event ring the
// recovery engine appends to and the admin API reads a snapshot of.
package eventlog

import (
	"sync"
	"time"

	"streamsupervisor/internal/domain"
)

const capacityLimit = 100

// Ring is a FIFO ring of at most 100 entries. Written only by the
// engine; read concurrently by the admin HTTP layer via Snapshot,
// which returns a defensive copy (spec.md §5).
type Ring struct {
	mu      sync.Mutex
	entries []domain.EventLogEntry
}

// New returns an empty ring.
func New() *Ring {
	return &Ring{entries: make([]domain.EventLogEntry, 0, capacityLimit)}
}

// Append adds message with the current time, evicting the oldest
// entry once the ring is at capacity.
func (r *Ring) Append(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, domain.EventLogEntry{Timestamp: time.Now(), Message: message})
	if len(r.entries) > capacityLimit {
		r.entries = r.entries[len(r.entries)-capacityLimit:]
	}
}

// Snapshot returns a defensive copy of the current ring contents,
// oldest first.
func (r *Ring) Snapshot() []domain.EventLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.EventLogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
