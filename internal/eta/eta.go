// Package eta estimates driver travel time so en-route status entries can
// carry a pickup ETA hint for the rider's UI.
package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-escrow/internal/geo"
	"github.com/example/ride-escrow/internal/models"
)

// Client is the interface used to fetch ETAs from a routing engine.
type Client interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// EstimateSeconds is the naive fallback: haversine distance over speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return d / speedMps
}

// Cache is a tiny TTL cache for route lookups keyed by coordinate pair.
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
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}

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

// Estimator combines an optional routing client with the naive fallback.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
}

// PickupETA returns seconds from the driver's position to the pickup.
func (e *Estimator) PickupETA(driver, pickup models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(driver, pickup); ok {
			return v
		}
	}
	if e.Client != nil {
		if v, err := e.Client.EstimateSeconds(driver, pickup); err == nil {
			if e.Cache != nil {
				e.Cache.Set(driver, pickup, v)
			}
			return v
		}
	}
	return EstimateSeconds(driver, pickup, e.SpeedMps)
}
