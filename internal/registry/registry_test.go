package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/ride-coordinator/internal/coordinator"
	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
	"github.com/example/ride-coordinator/internal/storage"
)

type fakePublisher struct {
	mu   sync.Mutex
	sent []models.Location
}

func (f *fakePublisher) Publish(_ context.Context, loc models.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, loc)
	return nil
}

func newTestRegistry(t *testing.T) (*Service, *storage.MemoryStore, *geo.MemoryIndex, *fakePublisher) {
	t.Helper()
	store := storage.NewMemoryStore()
	idx := geo.NewMemoryIndex()
	pub := &fakePublisher{}
	return NewService(store, idx, pub, nil), store, idx, pub
}

func TestRegisterIsIdempotentPerUser(t *testing.T) {
	s, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	d1, err := s.Register(ctx, "u1", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if d1.CarModel != "Not set" || d1.Plate != "Not set" {
		t.Fatalf("expected defaults, got %+v", d1)
	}
	d2, err := s.Register(ctx, "u1", "Dacia Logan", "white", "12345-A-1")
	if err != nil {
		t.Fatal(err)
	}
	if d2.ID != d1.ID || d2.CarModel != "Dacia Logan" {
		t.Fatalf("expected same driver updated, got %+v", d2)
	}
	got, err := s.ByUser(ctx, "u1")
	if err != nil || got.ID != d1.ID {
		t.Fatalf("ByUser: %+v %v", got, err)
	}
	if _, err := s.ByUser(ctx, "nobody"); !errors.Is(err, coordinator.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSetOnlinePublishesLastPosition(t *testing.T) {
	s, store, idx, pub := newTestRegistry(t)
	ctx := context.Background()
	d, _ := s.Register(ctx, "u1", "", "", "")
	_ = store.UpsertLocation(ctx, models.Location{DriverID: d.ID, Lat: 34.02, Lng: -6.83, UpdatedAt: time.Now()})

	if err := s.SetOnline(ctx, d.ID, true); err != nil {
		t.Fatal(err)
	}
	if len(pub.sent) != 1 || pub.sent[0].DriverID != d.ID {
		t.Fatalf("expected last position republished, got %+v", pub.sent)
	}
	online, _ := s.ListOnline(ctx)
	if len(online) != 1 || online[0].ID != d.ID {
		t.Fatalf("unexpected online set %+v", online)
	}

	_ = idx.Upsert(ctx, models.Location{DriverID: d.ID, Lat: 34.02, Lng: -6.83})
	if err := s.SetOnline(ctx, d.ID, false); err != nil {
		t.Fatal(err)
	}
	n, _ := s.CountNearby(ctx, models.Coord{Lat: 34.02, Lng: -6.83}, 5)
	if n != 0 {
		t.Fatalf("offline driver still indexed")
	}
	if online, _ := s.ListOnline(ctx); len(online) != 0 {
		t.Fatalf("expected empty online set, got %+v", online)
	}
}

func TestSetOnlineWithoutPositionDoesNotPublish(t *testing.T) {
	s, _, _, pub := newTestRegistry(t)
	ctx := context.Background()
	d, _ := s.Register(ctx, "u1", "", "", "")
	if err := s.SetOnline(ctx, d.ID, true); err != nil {
		t.Fatal(err)
	}
	if len(pub.sent) != 0 {
		t.Fatalf("unexpected publish %+v", pub.sent)
	}
	if err := s.SetOnline(ctx, "ghost", true); !errors.Is(err, coordinator.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCountNearby(t *testing.T) {
	s, _, idx, _ := newTestRegistry(t)
	ctx := context.Background()
	_ = idx.Upsert(ctx, models.Location{DriverID: "near", Lat: 34.021, Lng: -6.831})
	_ = idx.Upsert(ctx, models.Location{DriverID: "far", Lat: 33.57, Lng: -7.59})

	n, err := s.CountNearby(ctx, models.Coord{Lat: 34.02, Lng: -6.83}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 nearby driver, got %d", n)
	}
	if _, err := s.CountNearby(ctx, models.Coord{Lat: 91}, 5); !errors.Is(err, coordinator.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func seedCompletedRide(t *testing.T, store *storage.MemoryStore, driverID, rideID, tripID string, price float64, start time.Time) {
	t.Helper()
	ctx := context.Background()
	r := &models.RideRequest{ID: rideID, PassengerID: "p1", Status: models.StatusPending, CreatedAt: start, UpdatedAt: start, DestAddress: "x"}
	if err := store.CreateRide(ctx, r); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimRide(ctx, rideID, driverID, start); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TransitionRide(ctx, rideID, []models.RideStatus{models.StatusAccepted}, models.StatusDriverArrived, driverID, start); err != nil {
		t.Fatal(err)
	}
	trip := &models.Trip{ID: tripID, RideRequestID: rideID, DriverID: driverID, PassengerID: "p1", Price: price, Status: models.TripActive, StartTime: start}
	if _, err := store.StartRide(ctx, rideID, driverID, trip, start); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.CompleteRide(ctx, rideID, driverID, start.Add(20*time.Minute)); err != nil {
		t.Fatal(err)
	}
}

func TestRecordTripCompletionIsIdempotent(t *testing.T) {
	s, store, _, _ := newTestRegistry(t)
	ctx := context.Background()
	d, _ := s.Register(ctx, "u1", "", "", "")
	start := time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)
	seedCompletedRide(t, store, d.ID, "r1", "t1", 10, start)

	before, _ := s.Get(ctx, d.ID)
	counted, err := s.RecordTripCompletion(ctx, d.ID, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if counted {
		t.Fatal("already closed trip must not be counted again")
	}
	after, _ := s.Get(ctx, d.ID)
	if after.TotalTrips != before.TotalTrips {
		t.Fatalf("total_trips changed %d -> %d", before.TotalTrips, after.TotalTrips)
	}
	if _, err := s.RecordTripCompletion(ctx, "other", "r1"); !errors.Is(err, coordinator.ErrNotFound) {
		t.Fatalf("expected NotFound for foreign driver, got %v", err)
	}
}

func TestRateTrip(t *testing.T) {
	s, store, _, _ := newTestRegistry(t)
	ctx := context.Background()
	d, _ := s.Register(ctx, "u1", "", "", "")
	seedCompletedRide(t, store, d.ID, "r1", "t1", 10, time.Now())
	p1 := models.Actor{ID: "p1", Role: models.RolePassenger}

	if _, err := s.RateTrip(ctx, "t1", p1, 6, ""); !errors.Is(err, coordinator.ErrValidation) {
		t.Fatalf("expected validation error for score 6, got %v", err)
	}
	if _, err := s.RateTrip(ctx, "t1", models.Actor{ID: "p2", Role: models.RolePassenger}, 5, ""); !errors.Is(err, coordinator.ErrNotFound) {
		t.Fatalf("stranger rating: expected NotFound, got %v", err)
	}
	r, err := s.RateTrip(ctx, "t1", p1, 4, " smooth ride ")
	if err != nil {
		t.Fatal(err)
	}
	if r.RatedID != d.ID || r.Comment != "smooth ride" {
		t.Fatalf("unexpected rating %+v", r)
	}
	if _, err := s.RateTrip(ctx, "t1", p1, 5, ""); !errors.Is(err, coordinator.ErrValidation) {
		t.Fatalf("second rating: expected validation error, got %v", err)
	}
	got, _ := s.Get(ctx, d.ID)
	if got.Rating != 4 || got.RatingsN != 1 {
		t.Fatalf("unexpected driver rating %+v", got)
	}
}

func TestEarningsWindows(t *testing.T) {
	s, store, _, _ := newTestRegistry(t)
	ctx := context.Background()
	d, _ := s.Register(ctx, "u1", "", "", "")

	// Wednesday 2025-03-12.
	now := time.Date(2025, 3, 12, 18, 0, 0, 0, time.UTC)
	seedCompletedRide(t, store, d.ID, "today", "t1", 10, time.Date(2025, 3, 12, 8, 0, 0, 0, time.UTC))
	seedCompletedRide(t, store, d.ID, "monday", "t2", 20, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))
	seedCompletedRide(t, store, d.ID, "lastweek", "t3", 30, time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC))
	seedCompletedRide(t, store, d.ID, "february", "t4", 40, time.Date(2025, 2, 20, 8, 0, 0, 0, time.UTC))

	e, err := s.Earnings(ctx, d.ID, now)
	if err != nil {
		t.Fatal(err)
	}
	if e.Today != 10 || e.ThisWeek != 30 || e.ThisMonth != 60 || e.AllTime != 100 || e.TripsCount != 4 {
		t.Fatalf("unexpected earnings %+v", e)
	}
	if len(e.Recent) != 4 || e.Recent[0].ID != "t1" {
		t.Fatalf("unexpected recent trips %+v", e.Recent)
	}
}

func TestSyncOnlineGaugeSeedsFromStore(t *testing.T) {
	s, store, _, _ := newTestRegistry(t)
	ctx := context.Background()

	// drivers already online before this process started
	for _, id := range []string{"d1", "d2"} {
		if err := store.UpsertDriver(ctx, &models.Driver{ID: id, UserID: "u-" + id, Online: true}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.UpsertDriver(ctx, &models.Driver{ID: "d3", UserID: "u-d3"}); err != nil {
		t.Fatal(err)
	}
	observability.DriversOnline.Set(0)

	if err := s.SyncOnlineGauge(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := testutil.ToFloat64(observability.DriversOnline); got != 2 {
		t.Fatalf("expected gauge 2, got %v", got)
	}

	if err := s.SetOnline(ctx, "d1", false); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(observability.DriversOnline); got != 1 {
		t.Fatalf("expected gauge 1 after going offline, got %v", got)
	}
}
