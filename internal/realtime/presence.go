package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PresenceEntry is the last known presence of a user. LastSeen is only set
// for offline users and always comes from the server.
type PresenceEntry struct {
	UserID   uuid.UUID  `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// PresenceCache is a read-through cache of user presence, written only by the
// inbound presence.update handler. Lookups never block and never touch the
// network; staleness is bounded by the heartbeat interval. Entries are never
// evicted: the population is the set of users this client has ever observed,
// which is acceptable for a client-side cache.
type PresenceCache struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]PresenceEntry
}

// NewPresenceCache creates an empty cache.
func NewPresenceCache() *PresenceCache {
	return &PresenceCache{entries: make(map[uuid.UUID]PresenceEntry)}
}

// Get returns the last known presence of a user, or ok=false for a user never
// observed.
func (c *PresenceCache) Get(userID uuid.UUID) (PresenceEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[userID]
	return entry, ok
}

// GetMulti returns the known entries for the given users; users never
// observed are absent from the result.
func (c *PresenceCache) GetMulti(userIDs []uuid.UUID) map[uuid.UUID]PresenceEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[uuid.UUID]PresenceEntry, len(userIDs))
	for _, id := range userIDs {
		if entry, ok := c.entries[id]; ok {
			out[id] = entry
		}
	}
	return out
}

// set records a presence update, last-writer-wins. Package-private: the
// inbound event handler is the sole writer.
func (c *PresenceCache) set(entry PresenceEntry) {
	c.mu.Lock()
	c.entries[entry.UserID] = entry
	c.mu.Unlock()
}
