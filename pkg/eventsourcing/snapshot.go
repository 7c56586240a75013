package eventsourcing

import (
	"sync"
	"time"
)

// SnapshotCache is a keyed memento store shared across processing rounds.
// A freshly refreshed entry lets the event store skip the event-tail read;
// a stale entry forces it. Correctness never depends on the cache: the
// store re-verifies versions at commit.
type SnapshotCache struct {
	mu      sync.Mutex
	entries map[snapshotKey]snapshotEntry
}

type snapshotKey struct {
	sourceType string
	id         string
}

type snapshotEntry struct {
	memento     *Memento
	refreshedAt time.Time
}

// NewSnapshotCache creates an empty snapshot cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{entries: make(map[snapshotKey]snapshotEntry)}
}

// Get returns the memento and its last refresh time. A zero refresh time
// means the entry was marked stale.
func (c *SnapshotCache) Get(sourceType, id string) (*Memento, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[snapshotKey{sourceType, id}]
	if !ok {
		return nil, time.Time{}, false
	}
	return entry.memento, entry.refreshedAt, true
}

// Set stores a memento with its refresh time.
func (c *SnapshotCache) Set(sourceType, id string, m *Memento, refreshedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[snapshotKey{sourceType, id}] = snapshotEntry{memento: m, refreshedAt: refreshedAt}
}

// MarkStale resets the refresh time to "never" so the next load reads the
// event tail. Called after any failed save.
func (c *SnapshotCache) MarkStale(sourceType, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := snapshotKey{sourceType, id}
	if entry, ok := c.entries[key]; ok {
		entry.refreshedAt = time.Time{}
		c.entries[key] = entry
	}
}
