package geo

import (
	"context"
	"math"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-coordinator/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceNonNegativeAndSymmetric(t *testing.T) {
	pairs := [][2]models.Coord{
		{{Lat: 34.02, Lng: -6.83}, {Lat: 34.05, Lng: -6.90}},
		{{Lat: -33.9, Lng: 18.4}, {Lat: 51.5, Lng: -0.12}},
		{{Lat: 10, Lng: 10}, {Lat: 10, Lng: 10}},
	}
	for _, p := range pairs {
		ab := Distance(p[0], p[1])
		ba := Distance(p[1], p[0])
		if ab < 0 {
			t.Fatalf("negative distance %f", ab)
		}
		if math.Abs(ab-ba) > 1e-9 {
			t.Fatalf("asymmetric distance %f vs %f", ab, ba)
		}
	}
}

func TestPriceLinearAndMonotonic(t *testing.T) {
	if Price(0) != BasePrice {
		t.Fatalf("expected base price at 0km, got %f", Price(0))
	}
	prev := Price(0)
	for d := 0.5; d < 50; d += 0.5 {
		p := Price(d)
		if p <= prev {
			t.Fatalf("price not increasing at %f", d)
		}
		if math.Abs(p-(2.5+1.2*d)) > 1e-9 {
			t.Fatalf("unexpected price %f for %fkm", p, d)
		}
		prev = p
	}
}

func TestETA(t *testing.T) {
	if got := ETA(15); got != 30 {
		t.Fatalf("expected 30 minutes, got %f", got)
	}
}

func TestInterpolateEndpointsAndMidpoint(t *testing.T) {
	a := models.Coord{Lat: 34.02, Lng: -6.83}
	b := models.Coord{Lat: 34.05, Lng: -6.90}
	if Interpolate(a, b, 0) != a {
		t.Fatalf("fraction 0 should be a")
	}
	if Interpolate(a, b, 1) != b {
		t.Fatalf("fraction 1 should be b")
	}
	m := Interpolate(a, b, 0.25)
	if math.Abs(m.Lat-(a.Lat+0.25*(b.Lat-a.Lat))) > 1e-12 || math.Abs(m.Lng-(a.Lng+0.25*(b.Lng-a.Lng))) > 1e-12 {
		t.Fatalf("not linear: %+v", m)
	}
}

func TestSmoothPath(t *testing.T) {
	a := models.Coord{Lat: 0, Lng: 0}
	b := models.Coord{Lat: 1, Lng: 2}
	path := SmoothPath(a, b, SmoothSteps)
	if len(path) != SmoothSteps {
		t.Fatalf("expected %d steps, got %d", SmoothSteps, len(path))
	}
	if path[len(path)-1] != b {
		t.Fatalf("last step should land on b, got %+v", path[len(path)-1])
	}
	if math.Abs(path[9].Lat-0.5) > 1e-12 || math.Abs(path[9].Lng-1) > 1e-12 {
		t.Fatalf("midpoint off: %+v", path[9])
	}
}

func TestSmoothCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var n int
	err := Smooth(ctx, models.Coord{}, models.Coord{Lat: 1}, SmoothSteps, SmoothInterval, func(models.Coord) { n++ })
	if err == nil {
		t.Fatalf("expected context error")
	}
	if n != 0 {
		t.Fatalf("expected no emissions, got %d", n)
	}
}

func TestSmoothNoInterval(t *testing.T) {
	var got []models.Coord
	if err := Smooth(context.Background(), models.Coord{}, models.Coord{Lat: 1}, 4, 0, func(c models.Coord) { got = append(got, c) }); err != nil {
		t.Fatalf("smooth: %v", err)
	}
	if len(got) != 4 || got[3].Lat != 1 {
		t.Fatalf("unexpected path %+v", got)
	}
}

func TestMemoryIndexNearby(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	_ = idx.Upsert(ctx, models.Location{DriverID: "near", Lat: 34.021, Lng: -6.831})
	_ = idx.Upsert(ctx, models.Location{DriverID: "mid", Lat: 34.05, Lng: -6.85})
	_ = idx.Upsert(ctx, models.Location{DriverID: "far", Lat: 35.5, Lng: -5.8})

	got, err := idx.Nearby(ctx, models.Coord{Lat: 34.02, Lng: -6.83}, 5, 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 2 || got[0].DriverID != "near" || got[1].DriverID != "mid" {
		t.Fatalf("unexpected result %+v", got)
	}

	// moving a driver must drop it from its old cell
	_ = idx.Upsert(ctx, models.Location{DriverID: "near", Lat: 35.5, Lng: -5.8})
	got, _ = idx.Nearby(ctx, models.Coord{Lat: 34.02, Lng: -6.83}, 5, 10)
	if len(got) != 1 || got[0].DriverID != "mid" {
		t.Fatalf("unexpected result after move %+v", got)
	}

	_ = idx.Remove(ctx, "mid")
	got, _ = idx.Nearby(ctx, models.Coord{Lat: 34.02, Lng: -6.83}, 5, 10)
	if len(got) != 0 {
		t.Fatalf("expected empty, got %+v", got)
	}

	all, _ := idx.Nearby(ctx, models.Coord{Lat: 34.02, Lng: -6.83}, 0, 1)
	if len(all) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(all))
	}
}

func TestMemoryIndexNearbyHighLatitude(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	// ~18km east of the query point; cells here are under 7km wide
	_ = idx.Upsert(ctx, models.Location{DriverID: "east", Lat: 80, Lng: 10.931})

	c := models.Coord{Lat: 80, Lng: 10}
	got, err := idx.Nearby(ctx, c, 19, 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 1 || got[0].DriverID != "east" {
		t.Fatalf("expected east driver, got %+v", got)
	}
	if cellCoverKm(80) >= 19 {
		t.Fatalf("cover at 80deg should shrink, got %v", cellCoverKm(80))
	}
	if cellCoverKm(89.9) > 0 {
		t.Fatalf("cover near the pole should force a full scan, got %v", cellCoverKm(89.9))
	}
}

func TestRedisGeo(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	ctx := context.Background()
	g := NewRedisGeo(client, "")
	if err := g.Upsert(ctx, models.Location{DriverID: "d1", Lat: 34.021, Lng: -6.831, Speed: 3}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := g.Upsert(ctx, models.Location{DriverID: "d2", Lat: 36, Lng: -5}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if s.HGet(MetaKey("d1"), "speed") != "3" {
		t.Fatalf("expected meta hash to be written")
	}
	if ok, _ := s.SIsMember(OnlineKey("drivers_geo"), "d1"); !ok {
		t.Fatalf("expected d1 in the online set")
	}

	got, err := g.Nearby(ctx, models.Coord{Lat: 34.02, Lng: -6.83}, 5, 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 1 || got[0].DriverID != "d1" {
		t.Fatalf("unexpected result %+v", got)
	}

	if err := g.Remove(ctx, "d1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, _ = g.Nearby(ctx, models.Coord{Lat: 34.02, Lng: -6.83}, 5, 10)
	if len(got) != 0 {
		t.Fatalf("expected empty after remove, got %+v", got)
	}
	if ok, _ := s.SIsMember(OnlineKey("drivers_geo"), "d1"); ok {
		t.Fatalf("expected d1 removed from the online set")
	}
}
