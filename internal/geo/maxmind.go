package geo

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"
)

// MaxMindResolver resolves IPs against a MaxMind GeoLite2 database.
// The reader is swapped atomically on reload so concurrent lookups
// never observe a half-updated database.
type MaxMindResolver struct {
	reader  atomic.Pointer[geoip2.Reader]
	dbPath  string
	cache   *lookupCache
	logger  *zap.Logger
	city    bool // city database vs country-only
	stop    chan struct{}
	stopped atomic.Bool
}

// NewMaxMindResolver opens the database at dbPath. The city flag
// selects the City lookup; otherwise only Country records are read.
func NewMaxMindResolver(dbPath string, city bool, cacheSize int, cacheTTL time.Duration, logger *zap.Logger) (*MaxMindResolver, error) {
	reader, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}

	r := &MaxMindResolver{
		dbPath: dbPath,
		cache:  newLookupCache(cacheSize, cacheTTL),
		logger: logger,
		city:   city,
		stop:   make(chan struct{}),
	}
	r.reader.Store(reader)
	return r, nil
}

// Resolve looks up the IP. Lookup failures are soft: they are logged at
// debug level and a zero Location is returned.
func (r *MaxMindResolver) Resolve(ip string) Location {
	if loc, ok := r.cache.get(ip); ok {
		return loc
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{}
	}

	reader := r.reader.Load()
	if reader == nil {
		return Location{}
	}

	var loc Location
	if r.city {
		record, err := reader.City(parsed)
		if err != nil {
			r.logger.Debug("geo lookup miss", zap.String("ip", ip), zap.Error(err))
			return Location{}
		}
		loc.CountryCode = record.Country.IsoCode
		loc.City = record.City.Names["en"]
		if len(record.Subdivisions) > 0 {
			loc.Region = record.Subdivisions[0].Names["en"]
		}
	} else {
		record, err := reader.Country(parsed)
		if err != nil {
			r.logger.Debug("geo lookup miss", zap.String("ip", ip), zap.Error(err))
			return Location{}
		}
		loc.CountryCode = record.Country.IsoCode
	}

	r.cache.set(ip, loc)
	return loc
}

// Reload opens a fresh reader off the hot path and swaps it in. The old
// reader is closed only after the swap, so in-flight lookups finish
// against the copy they started with.
func (r *MaxMindResolver) Reload() error {
	fresh, err := geoip2.Open(r.dbPath)
	if err != nil {
		return fmt.Errorf("failed to reload GeoIP database: %w", err)
	}

	old := r.reader.Swap(fresh)
	if old != nil {
		_ = old.Close()
	}

	r.logger.Info("GeoIP database reloaded", zap.String("path", r.dbPath))
	return nil
}

// RunReloader reloads the database on the given interval until the
// context is cancelled or Close is called.
func (r *MaxMindResolver) RunReloader(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.Reload(); err != nil {
				r.logger.Warn("GeoIP reload failed, keeping current database", zap.Error(err))
			}
		}
	}
}

// Close stops the reloader and closes the current reader.
func (r *MaxMindResolver) Close() error {
	if r.stopped.CompareAndSwap(false, true) {
		close(r.stop)
	}
	if reader := r.reader.Swap(nil); reader != nil {
		return reader.Close()
	}
	return nil
}
