package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

// EarthRadiusMiles is the mean Earth radius used by HaversineMiles.
const EarthRadiusMiles = 3958.7613

var ErrUnknownDriver = errors.New("geo: unknown driver")

// Geo is the driver position/session index used by the matcher and the engine.
type Geo interface {
	Upsert(ctx context.Context, d models.Driver) error
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error
	SetStatus(ctx context.Context, driverID string, online, available bool) error
	Get(ctx context.Context, driverID string) (models.Driver, bool, error)
	Nearby(ctx context.Context, p models.Coord, radiusMiles float64) ([]models.Candidate, error)
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) UpdateLocation(_ context.Context, driverID string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	d.Loc = loc
	d.Updated = time.Now()
	g.drivers[driverID] = d
	return nil
}

func (g *Index) SetStatus(_ context.Context, driverID string, online, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	d.Online = online
	d.Available = online && available
	d.Updated = time.Now()
	g.drivers[driverID] = d
	return nil
}

func (g *Index) Get(_ context.Context, driverID string) (models.Driver, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	return d, ok, nil
}

// Nearby scans every driver; results are online, available and sorted closest first.
func (g *Index) Nearby(_ context.Context, p models.Coord, radiusMiles float64) ([]models.Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Candidate, 0)
	for _, d := range g.drivers {
		if !d.Online || !d.Available {
			continue
		}
		dist := HaversineMiles(p, d.Loc)
		if dist > radiusMiles {
			continue
		}
		out = append(out, models.Candidate{DriverID: d.ID, Loc: d.Loc, DistanceMiles: dist})
	}
	sortCandidates(out)
	return out, nil
}

func sortCandidates(c []models.Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].DistanceMiles == c[j].DistanceMiles {
			return c[i].DriverID < c[j].DriverID
		}
		return c[i].DistanceMiles < c[j].DistanceMiles
	})
}

// HaversineMiles is the great-circle distance between a and b in miles.
func HaversineMiles(a, b models.Coord) float64 {
	const degToRad = math.Pi / 180
	dLat := (b.Lat - a.Lat) * degToRad
	dLon := (b.Lon - a.Lon) * degToRad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*degToRad)*math.Cos(b.Lat*degToRad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMiles * c
}
