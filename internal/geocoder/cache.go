package geocoder

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/alert-dispatch/internal/models"
)

// addressCache is a tiny in-memory TTL cache for reverse-geocode lookups
// keyed by coordinate. Pings cluster tightly, so hits are frequent.
type addressCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	a  *Address
	ts time.Time
}

func newAddressCache(ttl time.Duration) *addressCache {
	return &addressCache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lon, c.Lat)
}

func (c *addressCache) get(coord models.Coord) (*Address, bool) {
	k := keyFor(coord)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return nil, false
	}
	return e.a, true
}

func (c *addressCache) set(coord models.Coord, a *Address) {
	k := keyFor(coord)
	c.mu.Lock()
	c.store[k] = cacheEntry{a: a, ts: time.Now()}
	c.mu.Unlock()
}
