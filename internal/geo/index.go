package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-coordinator/internal/models"
)

// Index tracks positions of online drivers for proximity queries.
type Index interface {
	Upsert(ctx context.Context, loc models.Location) error
	Remove(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, c models.Coord, radiusKm float64, limit int) ([]Nearby, error)
}

type Nearby struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
}

// precision 4 cells are 19.5km tall and 39.1km*cos(lat) wide, so a cell plus
// its neighbours covers any radius up to cellCoverKm(lat).
const (
	cellPrecision = 4
	cellHeightKm  = 19.5
	cellWidthKm   = 39.1
	// slack for the cell's own extent and the radius, in degrees of latitude
	cellSlackDeg = 0.5
)

func cellCoverKm(lat float64) float64 {
	w := cellWidthKm * math.Cos((math.Abs(lat)+cellSlackDeg)*math.Pi/180)
	return math.Min(cellHeightKm, w)
}

// MemoryIndex buckets drivers by geohash cell.
type MemoryIndex struct {
	mu    sync.RWMutex
	locs  map[string]models.Location
	cells map[string]map[string]struct{}
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		locs:  make(map[string]models.Location),
		cells: make(map[string]map[string]struct{}),
	}
}

func cellOf(lat, lng float64) string {
	return geohash.EncodeWithPrecision(lat, lng, cellPrecision)
}

func (g *MemoryIndex) Upsert(_ context.Context, loc models.Location) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.locs[loc.DriverID]; ok {
		g.unlink(cellOf(prev.Lat, prev.Lng), loc.DriverID)
	}
	g.locs[loc.DriverID] = loc
	cell := cellOf(loc.Lat, loc.Lng)
	if g.cells[cell] == nil {
		g.cells[cell] = make(map[string]struct{})
	}
	g.cells[cell][loc.DriverID] = struct{}{}
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.locs[driverID]; ok {
		g.unlink(cellOf(prev.Lat, prev.Lng), driverID)
		delete(g.locs, driverID)
	}
	return nil
}

func (g *MemoryIndex) unlink(cell, driverID string) {
	if set, ok := g.cells[cell]; ok {
		delete(set, driverID)
		if len(set) == 0 {
			delete(g.cells, cell)
		}
	}
}

func (g *MemoryIndex) Nearby(_ context.Context, c models.Coord, radiusKm float64, limit int) ([]Nearby, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var candidates []string
	if radiusKm > 0 && radiusKm <= cellCoverKm(c.Lat) {
		center := cellOf(c.Lat, c.Lng)
		for _, cell := range append(geohash.Neighbors(center), center) {
			for id := range g.cells[cell] {
				candidates = append(candidates, id)
			}
		}
	} else {
		for id := range g.locs {
			candidates = append(candidates, id)
		}
	}

	out := make([]Nearby, 0, len(candidates))
	for _, id := range candidates {
		loc := g.locs[id]
		d := Distance(c, loc.Coord())
		if radiusKm > 0 && d > radiusKm {
			continue
		}
		out = append(out, Nearby{DriverID: id, DistanceKm: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
