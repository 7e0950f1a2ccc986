package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
)

const (
	// DefaultSpeedMps is roughly 29 km/h of city driving.
	DefaultSpeedMps = 8.0
	metersPerMile   = 1609.344
)

// Client returns a travel time estimate between two points.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is an in-memory TTL cache for ETA lookups keyed by coordinates.
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

// keyFor rounds to four decimals (about 11 m) so a driver creeping along
// a street keeps hitting the same entry.
func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f->%.4f,%.4f", a.Lat, a.Lon, b.Lat, b.Lon)
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

// EstimateSeconds is the naive distance / speed estimate.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.HaversineMiles(from, to) * metersPerMile / speedMps
}

// Estimator answers from the cache, then the routing client, then the naive
// estimate. Client and Cache are optional.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
	Log      zerolog.Logger
}

func (e *Estimator) Seconds(ctx context.Context, from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	v := 0.0
	if e.Client != nil {
		secs, err := e.Client.EstimateSeconds(ctx, from, to)
		if err != nil {
			e.Log.Debug().Err(err).Msg("routing eta failed, using naive estimate")
		} else {
			v = secs
		}
	}
	if v == 0 {
		v = EstimateSeconds(from, to, e.SpeedMps)
	}
	if e.Cache != nil {
		e.Cache.Set(from, to, v)
	}
	return v
}
