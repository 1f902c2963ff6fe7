package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-coordinator/internal/coordinator"
	"github.com/example/ride-coordinator/internal/events"
	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/storage"
)

type fakeSink struct {
	mu   sync.Mutex
	locs []models.Location
}

func (f *fakeSink) PublishLocation(_ context.Context, loc models.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locs = append(f.locs, loc)
	return nil
}

type fixture struct {
	svc   *Service
	store *storage.MemoryStore
	index *geo.MemoryIndex
	bus   *events.Bus
	sink  *fakeSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	ctx := context.Background()
	_ = store.UpsertDriver(ctx, &models.Driver{ID: "d1", UserID: "u1"})
	_ = store.SetOnline(ctx, "d1", true)
	_ = store.UpsertDriver(ctx, &models.Driver{ID: "d2", UserID: "u2"})

	f := &fixture{store: store, index: geo.NewMemoryIndex(), bus: events.NewBus(nil, nil), sink: &fakeSink{}}
	f.svc = &Service{Locations: store, Drivers: store, Rides: store, Index: f.index, Bus: f.bus, Sink: f.sink}
	return f
}

func (f *fixture) assignRide(t *testing.T, rideID, passengerID, driverID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	r := &models.RideRequest{ID: rideID, PassengerID: passengerID, DestAddress: "x", Status: models.StatusPending, CreatedAt: now, UpdatedAt: now}
	if err := f.store.CreateRide(ctx, r); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.ClaimRide(ctx, rideID, driverID, now); err != nil {
		t.Fatal(err)
	}
}

func next(t *testing.T, ch <-chan models.Location) models.Location {
	t.Helper()
	select {
	case loc, ok := <-ch:
		if !ok {
			t.Fatal("stream closed")
		}
		return loc
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for location")
	}
	return models.Location{}
}

func TestReportPositionUpsertsAndIndexesOnlineDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.ReportPosition(ctx, "d1", models.Coord{Lat: 34.02, Lng: -6.83}, 90, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ReportPosition(ctx, "d1", models.Coord{Lat: 34.03, Lng: -6.84}, 95, 11); err != nil {
		t.Fatal(err)
	}
	loc, err := f.store.GetLocation(ctx, "d1")
	if err != nil || loc.Lat != 34.03 || loc.Heading != 95 {
		t.Fatalf("expected latest sample stored, got %+v err=%v", loc, err)
	}
	near, _ := f.index.Nearby(ctx, models.Coord{Lat: 34.03, Lng: -6.84}, 1, 0)
	if len(near) != 1 || near[0].DriverID != "d1" {
		t.Fatalf("online driver not indexed: %+v", near)
	}
	if len(f.sink.locs) != 2 {
		t.Fatalf("expected 2 sink writes, got %d", len(f.sink.locs))
	}
}

func TestReportPositionOfflineDriverNotIndexed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.ReportPosition(ctx, "d2", models.Coord{Lat: 34.02, Lng: -6.83}, 0, 0); err != nil {
		t.Fatal(err)
	}
	if near, _ := f.index.Nearby(ctx, models.Coord{Lat: 34.02, Lng: -6.83}, 5, 0); len(near) != 0 {
		t.Fatalf("offline driver indexed: %+v", near)
	}
	if len(f.sink.locs) != 0 {
		t.Fatalf("offline sample reached the sink: %+v", f.sink.locs)
	}
	if _, err := f.store.GetLocation(ctx, "d2"); err != nil {
		t.Fatalf("offline sample not stored: %v", err)
	}
}

func TestOfflineDriverOnActiveRideStillStreamsButIsNotSunk(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.assignRide(t, "r1", "p1", "d2")
	sub := f.bus.Subscribe(ctx, events.RideTopic("r1"))
	defer sub.Close()

	if _, err := f.svc.ReportPosition(ctx, "d2", models.Coord{Lat: 34.02, Lng: -6.83}, 0, 0); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-sub.C:
		if ev.Location == nil || ev.Location.DriverID != "d2" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("ride subscribers did not get the position")
	}
	if len(f.sink.locs) != 0 {
		t.Fatalf("offline sample reached the sink")
	}
}

func TestReportPositionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.ReportPosition(ctx, "d1", models.Coord{Lat: 95}, 0, 0); !errors.Is(err, coordinator.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.svc.ReportPosition(ctx, "ghost", models.Coord{Lat: 1, Lng: 1}, 0, 0); !errors.Is(err, coordinator.ErrNotFound) {
		t.Fatalf("expected NotFound for unknown driver, got %v", err)
	}
}

func TestCounterpartStreamFollowsRideAndEnds(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.assignRide(t, "r1", "p1", "d1")
	_, _ = f.svc.ReportPosition(ctx, "d1", models.Coord{Lat: 34.00, Lng: -6.80}, 0, 0)

	stream, err := f.svc.Subscribe(ctx, Filter{Actor: models.Actor{ID: "p1", Role: models.RolePassenger}})
	if err != nil {
		t.Fatal(err)
	}
	if loc := next(t, stream); loc.Lat != 34.00 {
		t.Fatalf("expected last known position first, got %+v", loc)
	}

	_, _ = f.svc.ReportPosition(ctx, "d1", models.Coord{Lat: 34.01, Lng: -6.81}, 0, 0)
	if loc := next(t, stream); loc.Lat != 34.01 {
		t.Fatalf("unexpected position %+v", loc)
	}

	done := models.RideRequest{ID: "r1", Status: models.StatusCompleted}
	_ = f.bus.Publish(ctx, events.RideTopic("r1"), events.Event{Type: events.RideStatus, RideID: "r1", Ride: &done})
	waitClosed(t, stream)
}

// endingRides cancels the ride right after it is looked up, before the
// stream has subscribed.
type endingRides struct {
	*storage.MemoryStore
	t *testing.T
}

func (e *endingRides) ActiveForPassenger(ctx context.Context, passengerID string) (*models.RideRequest, error) {
	r, err := e.MemoryStore.ActiveForPassenger(ctx, passengerID)
	if err == nil {
		cancelRide(e.t, e.MemoryStore, r.ID)
	}
	return r, err
}

func cancelRide(t *testing.T, store *storage.MemoryStore, rideID string) {
	t.Helper()
	from := []models.RideStatus{models.StatusAccepted, models.StatusDriverArrived, models.StatusInProgress}
	if _, err := store.TransitionRide(context.Background(), rideID, from, models.StatusCancelled, "", time.Now().UTC()); err != nil {
		t.Fatalf("cancel ride: %v", err)
	}
}

func TestCounterpartStreamEndsWhenRideEndedBeforeSubscribe(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.assignRide(t, "r1", "p1", "d1")
	f.svc.Rides = &endingRides{MemoryStore: f.store, t: t}
	f.svc.RideCheck = time.Hour

	stream, err := f.svc.Subscribe(ctx, Filter{Actor: models.Actor{ID: "p1", Role: models.RolePassenger}})
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, stream)
}

func TestCounterpartStreamEndsWithoutStatusEvent(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.assignRide(t, "r1", "p1", "d1")
	f.svc.RideCheck = 10 * time.Millisecond

	stream, err := f.svc.Subscribe(ctx, Filter{Actor: models.Actor{ID: "p1", Role: models.RolePassenger}})
	if err != nil {
		t.Fatal(err)
	}
	// The terminal status is committed but its event is never delivered.
	cancelRide(t, f.store, "r1")
	waitClosed(t, stream)
}

func TestCounterpartStreamRequiresAssignedRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Subscribe(ctx, Filter{Actor: models.Actor{ID: "p9", Role: models.RolePassenger}})
	if !errors.Is(err, coordinator.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	_, err = f.svc.Subscribe(ctx, Filter{Actor: models.Actor{ID: "u1", Role: models.RoleDriver, DriverID: "d1"}})
	if !errors.Is(err, coordinator.ErrValidation) {
		t.Fatalf("expected validation error for driver counterpart, got %v", err)
	}
}

func TestDriverStreamEndsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := f.svc.Subscribe(ctx, Filter{DriverID: "d1"})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.svc.ReportPosition(context.Background(), "d1", models.Coord{Lat: 1, Lng: 1}, 0, 0)
	if loc := next(t, stream); loc.DriverID != "d1" {
		t.Fatalf("unexpected %+v", loc)
	}
	cancel()
	waitClosed(t, stream)
}

func waitClosed(t *testing.T, stream <-chan models.Location) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream not torn down")
		}
	}
}
