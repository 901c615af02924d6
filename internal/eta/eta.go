package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is the interface used by the matcher to get driver-to-pickup ETAs.
type Client interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// Router returns road distance and duration between two points. OSRM and
// Google Maps both implement it.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (meters, seconds float64, err error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Lookup tries the cache, then the client, then the straight-line estimate.
func Lookup(from, to models.Coord, client Client, cache *Cache, speedMps float64) float64 {
	if cache != nil {
		if v, ok := cache.Get(from, to); ok {
			return v
		}
	}
	if client != nil {
		if v, err := client.EstimateSeconds(from, to); err == nil {
			if cache != nil {
				cache.Set(from, to, v)
			}
			return v
		}
	}
	return EstimateSeconds(from, to, speedMps)
}

// Naive ETA: distance / speed_mps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return DistanceMeters(from, to) / speedMps
}

// ~28.8 km/h city speed
const DefaultSpeedMps = 8.0

// DistanceMeters is the great-circle distance between a and b.
func DistanceMeters(a, b models.Coord) float64 { return geo.Distance(a, b) }
