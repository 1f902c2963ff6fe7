package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
)

// Client is a routing engine that can estimate a driving time.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
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

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lng)
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

// Estimator answers quote ETAs in minutes from a routing engine, falling back
// to the straight-line estimate when the engine is unset or fails.
type Estimator struct {
	Client Client
	Cache  *Cache
	Logger *slog.Logger
}

func (e *Estimator) Minutes(ctx context.Context, from, to models.Coord) float64 {
	if e == nil || e.Client == nil {
		return geo.ETA(geo.Distance(from, to))
	}
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	secs, err := e.Client.EstimateSeconds(ctx, from, to)
	if err != nil {
		if e.Logger != nil {
			e.Logger.Warn("routed_eta_failed", "err", err)
		}
		return geo.ETA(geo.Distance(from, to))
	}
	mins := secs / 60
	if e.Cache != nil {
		e.Cache.Set(from, to, mins)
	}
	return mins
}
