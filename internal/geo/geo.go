package geo

import (
	"sync"
	"time"
)

// Location holds the resolved geography for a network address. A zero
// Location means the address could not be resolved; callers treat that
// as "unknown" and keep serving.
type Location struct {
	CountryCode string // ISO 3166-1 alpha-2, empty when unknown
	Region      string
	City        string
}

// Unknown reports whether no country could be resolved.
func (l Location) Unknown() bool {
	return l.CountryCode == ""
}

// Resolver maps a client IP to a Location. Implementations must never
// block the serving path on lookup failure: they return a zero Location
// instead of an error.
type Resolver interface {
	Resolve(ip string) Location
	Close() error
}

// StaticResolver resolves from a fixed map. Used in tests and as the
// fallback when no GeoIP database is available.
type StaticResolver struct {
	mu   sync.RWMutex
	data map[string]Location
}

// NewStaticResolver creates an empty static resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{data: make(map[string]Location)}
}

// Add registers a fixed lookup result for an IP.
func (s *StaticResolver) Add(ip string, loc Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[ip] = loc
}

// Resolve returns the registered Location, or a zero Location.
func (s *StaticResolver) Resolve(ip string) Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[ip]
}

// Close implements Resolver.
func (s *StaticResolver) Close() error { return nil }

// lookupCache caches resolved locations with a TTL and a bounded size.
type lookupCache struct {
	mu      sync.RWMutex
	data    map[string]cacheEntry
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	loc       Location
	expiresAt time.Time
}

func newLookupCache(maxSize int, ttl time.Duration) *lookupCache {
	return &lookupCache{
		data:    make(map[string]cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func (c *lookupCache) get(ip string) (Location, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[ip]
	if !ok || time.Now().After(entry.expiresAt) {
		return Location{}, false
	}
	return entry.loc, true
}

func (c *lookupCache) set(ip string, loc Location) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Evict if at capacity (simple FIFO)
	if len(c.data) >= c.maxSize {
		for k := range c.data {
			delete(c.data, k)
			break
		}
	}

	c.data[ip] = cacheEntry{
		loc:       loc,
		expiresAt: time.Now().Add(c.ttl),
	}
}
