package geo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver()
	r.Add("203.0.113.7", Location{CountryCode: "CA", Region: "ON"})

	loc := r.Resolve("203.0.113.7")
	assert.Equal(t, "CA", loc.CountryCode)
	assert.Equal(t, "ON", loc.Region)
	assert.False(t, loc.Unknown())

	// Unregistered addresses resolve as unknown, never as an error.
	loc = r.Resolve("198.51.100.1")
	assert.True(t, loc.Unknown())
	assert.Empty(t, loc.CountryCode)
}

func TestMaxMindResolverMissingDatabase(t *testing.T) {
	_, err := NewMaxMindResolver("/nonexistent/GeoLite2-City.mmdb", true, 100, time.Hour, zap.NewNop())
	require.Error(t, err, "a missing database file must surface at startup, not per lookup")
}

func TestLookupCache(t *testing.T) {
	c := newLookupCache(2, time.Hour)

	_, ok := c.get("1.1.1.1")
	assert.False(t, ok)

	c.set("1.1.1.1", Location{CountryCode: "US"})
	loc, ok := c.get("1.1.1.1")
	assert.True(t, ok)
	assert.Equal(t, "US", loc.CountryCode)

	// Filling past capacity evicts something yet stays functional.
	c.set("2.2.2.2", Location{CountryCode: "DE"})
	c.set("3.3.3.3", Location{CountryCode: "FR"})

	found := 0
	for _, ip := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		if _, ok := c.get(ip); ok {
			found++
		}
	}
	assert.Equal(t, 2, found)
}

func TestLookupCacheTTL(t *testing.T) {
	c := newLookupCache(10, -time.Second)

	c.set("1.1.1.1", Location{CountryCode: "US"})
	_, ok := c.get("1.1.1.1")
	assert.False(t, ok, "entries past their TTL must miss")
}
