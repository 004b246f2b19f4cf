package peerstore

import (
	"sync"
	"time"

	"github.com/omerta-mesh/core/pkg/identity"
)

// DefaultCacheExpiration is how long an in-memory cache entry survives
// without being refreshed before it is evicted.
const DefaultCacheExpiration = 30 * time.Minute

// Cache is a thread-safe, purely in-memory, process-lifetime peer cache.
// It is independent of the on-disk Store: Store's lookups do not consult
// it. Grounded on wgmesh's
// `PeerStore` locking and snapshot idiom in `pkg/daemon/peerstore.go`.
type Cache struct {
	mu         sync.RWMutex
	entries    map[identity.PeerID]*StoredPeer
	expiration time.Duration
}

// NewCache creates an empty in-memory cache with the given expiration.
func NewCache(expiration time.Duration) *Cache {
	if expiration <= 0 {
		expiration = DefaultCacheExpiration
	}
	return &Cache{
		entries:    make(map[identity.PeerID]*StoredPeer),
		expiration: expiration,
	}
}

// Insert adds or replaces a cache entry, stamping LastUpdatedAt to now.
func (c *Cache) Insert(now time.Time, sp StoredPeer) {
	sp.LastUpdatedAt = now
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sp.Announcement.PeerID] = &sp
}

// Get returns the cached entry for a peer id, if present and not expired.
func (c *Cache) Get(now time.Time, id identity.PeerID) (StoredPeer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sp, ok := c.entries[id]
	if !ok || sp.IsStale(now, c.expiration) {
		return StoredPeer{}, false
	}
	return *sp, true
}

// AllAnnouncements returns every non-expired announcement currently cached.
func (c *Cache) AllAnnouncements(now time.Time) []PeerAnnouncement {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]PeerAnnouncement, 0, len(c.entries))
	for _, sp := range c.entries {
		if sp.IsStale(now, c.expiration) {
			continue
		}
		out = append(out, sp.Announcement)
	}
	return out
}

// EvictExpired removes every entry stale as of now and returns how many
// were removed.
func (c *Cache) EvictExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, sp := range c.entries {
		if sp.IsStale(now, c.expiration) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Remove deletes a single cache entry, if present.
func (c *Cache) Remove(id identity.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Count returns the number of entries currently cached, including any that
// have since expired but not yet been evicted.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
