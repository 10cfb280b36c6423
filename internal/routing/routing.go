package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Estimator is the route/ETA collaborator contract.
type Estimator interface {
	EstimateRoute(ctx context.Context, from, to models.GeoPoint) (models.Route, error)
}

// Fallback is the straight-line estimate used when the route provider is down
// or slow. Routes built this way carry Degraded=true so downstream pricing can
// flag the quote.
func Fallback(from, to models.GeoPoint, speedMps float64) models.Route {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return models.Route{DistanceMeters: d, DurationSeconds: d / speedMps, Degraded: true}
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	r  models.Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.GeoPoint) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.GeoPoint) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns the cached route and true if present and not expired.
func (c *Cache) Get(a, b models.GeoPoint) (models.Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return models.Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return models.Route{}, false
	}
	return e.r, true
}

// Set stores a route in the cache.
func (c *Cache) Set(a, b models.GeoPoint, r models.Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{r: r, ts: time.Now()}
	c.mu.Unlock()
}

// Resilient wraps an Estimator with a cache and the straight-line fallback.
// EstimateRoute never returns an error: a provider failure degrades the
// estimate instead of failing the request.
type Resilient struct {
	Inner    Estimator // optional
	Cache    *Cache    // optional
	SpeedMps float64
}

func (r *Resilient) EstimateRoute(ctx context.Context, from, to models.GeoPoint) (models.Route, error) {
	if r.Cache != nil {
		if v, ok := r.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	if r.Inner != nil {
		if v, err := r.Inner.EstimateRoute(ctx, from, to); err == nil {
			if r.Cache != nil {
				r.Cache.Set(from, to, v)
			}
			return v, nil
		}
	}
	return Fallback(from, to, r.SpeedMps), nil
}
