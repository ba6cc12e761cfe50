package defaults

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type endpointEntry struct {
	endpoint string
	expires  time.Time
}

// LRUEndpointCache is a bounded in-memory user-endpoint cache with
// per-entry TTL. Entries past their TTL read as misses and are evicted
// on access.
type LRUEndpointCache struct {
	cache *lru.Cache
	now   func() time.Time
}

// NewLRUEndpointCache builds a cache holding at most size entries.
func NewLRUEndpointCache(size int) (*LRUEndpointCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &LRUEndpointCache{cache: cache, now: time.Now}, nil
}

// Get returns the cached endpoint for username, or ok=false on a miss
// or an expired entry.
func (c *LRUEndpointCache) Get(username string) (string, bool) {
	v, ok := c.cache.Get(username)
	if !ok {
		return "", false
	}
	e := v.(endpointEntry)
	if c.now().After(e.expires) {
		c.cache.Remove(username)
		return "", false
	}
	return e.endpoint, true
}

// Set records username's endpoint for ttl, replacing any previous
// entry.
func (c *LRUEndpointCache) Set(username, endpoint string, ttl time.Duration) {
	c.cache.Add(username, endpointEntry{endpoint: endpoint, expires: c.now().Add(ttl)})
}
