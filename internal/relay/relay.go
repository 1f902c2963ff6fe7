package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-coordinator/internal/coordinator"
	"github.com/example/ride-coordinator/internal/events"
	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
	"github.com/example/ride-coordinator/internal/storage"
)

// LocationSink receives every accepted sample, e.g. a Kafka producer.
type LocationSink interface {
	PublishLocation(ctx context.Context, loc models.Location) error
}

type Bus interface {
	events.Publisher
	Subscribe(ctx context.Context, topics ...string) *events.Subscription
}

// Service keeps the latest position per driver and pushes it to whoever is
// watching. Only the latest sample is kept.
type Service struct {
	Locations storage.LocationStore
	Drivers   storage.DriverStore
	Rides     storage.RideStore
	Index     geo.Index
	Bus       Bus
	Sink      LocationSink
	Logger    *slog.Logger
	Now       func() time.Time
	// RideCheck is how often a counterpart stream re-reads its ride, so a
	// missed terminal event still ends it. Defaults to 5s.
	RideCheck time.Duration
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ReportPosition replaces the driver's stored position and fans it out.
func (s *Service) ReportPosition(ctx context.Context, driverID string, c models.Coord, heading, speed float64) (*models.Location, error) {
	if !geo.ValidCoord(c) {
		return nil, &coordinator.ValidationError{Field: "coord", Reason: "coordinates out of range"}
	}
	if speed < 0 {
		return nil, &coordinator.ValidationError{Field: "speed", Reason: "must be >= 0"}
	}
	loc := models.Location{
		DriverID:  driverID,
		Lat:       c.Lat,
		Lng:       c.Lng,
		Heading:   heading,
		Speed:     speed,
		UpdatedAt: s.now(),
	}
	if err := s.Locations.UpsertLocation(ctx, loc); err != nil {
		return nil, fmt.Errorf("upsert location: %w", err)
	}
	observability.LocationReports.Inc()

	if err := s.Publish(ctx, loc); err != nil {
		return &loc, err
	}
	return &loc, nil
}

// Publish pushes loc to the nearby index and the sink while the driver is
// online, to driver-scoped subscribers, and to the driver's active ride if any.
func (s *Service) Publish(ctx context.Context, loc models.Location) error {
	d, err := s.Drivers.GetDriver(ctx, loc.DriverID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &coordinator.NotFoundError{Kind: "driver", ID: loc.DriverID}
		}
		return err
	}
	// Only online samples feed the nearby index, directly and through the sink.
	if d.Online {
		if s.Index != nil {
			if err := s.Index.Upsert(ctx, loc); err != nil {
				s.logger().Warn("index_upsert_failed", "driver_id", loc.DriverID, "err", err)
			}
		}
		if s.Sink != nil {
			if err := s.Sink.PublishLocation(ctx, loc); err != nil {
				s.logger().Warn("location_sink_failed", "driver_id", loc.DriverID, "err", err)
			}
		}
	}
	if s.Bus == nil {
		return nil
	}

	ev := events.Event{Type: events.LocationUpdate, Location: &loc, At: loc.UpdatedAt}
	if err := s.Bus.Publish(ctx, events.DriverLocationTopic(loc.DriverID), ev); err != nil {
		s.logger().Warn("location_publish_failed", "driver_id", loc.DriverID, "err", err)
	}
	ride, err := s.Rides.ActiveForDriver(ctx, loc.DriverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("active ride: %w", err)
	}
	ev.RideID = ride.ID
	if err := s.Bus.Publish(ctx, events.RideTopic(ride.ID), ev); err != nil {
		s.logger().Warn("location_publish_failed", "ride_id", ride.ID, "err", err)
	}
	return nil
}

// Filter selects a position stream. A DriverID follows that driver until the
// context ends. Otherwise the stream follows the Actor's ride counterpart and
// ends with the ride.
type Filter struct {
	DriverID string
	Actor    models.Actor
}

const streamBuffer = 16

// Subscribe returns a stream of positions matching f. The channel is closed
// when ctx ends or, for counterpart streams, when the ride reaches a
// terminal status.
func (s *Service) Subscribe(ctx context.Context, f Filter) (<-chan models.Location, error) {
	if f.DriverID != "" {
		sub := s.Bus.Subscribe(ctx, events.DriverLocationTopic(f.DriverID))
		return s.stream(ctx, sub, f.DriverID, ""), nil
	}

	if f.Actor.Role != models.RolePassenger {
		return nil, &coordinator.ValidationError{Field: "filter", Reason: "only a passenger can follow a counterpart"}
	}
	ride, err := s.Rides.ActiveForPassenger(ctx, f.Actor.ID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && ride.DriverID == "") {
		return nil, &coordinator.NotFoundError{Kind: "ride", ID: "active"}
	}
	if err != nil {
		return nil, err
	}
	sub := s.Bus.Subscribe(ctx, events.RideTopic(ride.ID))
	return s.stream(ctx, sub, ride.DriverID, ride.ID), nil
}

func (s *Service) stream(ctx context.Context, sub *events.Subscription, driverID, rideID string) <-chan models.Location {
	out := make(chan models.Location, streamBuffer)
	go func() {
		defer close(out)
		defer sub.Close()

		var check <-chan time.Time
		if rideID != "" {
			// The ride may have ended before the subscription existed.
			if s.rideEnded(ctx, rideID) {
				return
			}
			interval := s.RideCheck
			if interval <= 0 {
				interval = 5 * time.Second
			}
			t := time.NewTicker(interval)
			defer t.Stop()
			check = t.C
		}

		if last, err := s.Locations.GetLocation(ctx, driverID); err == nil {
			select {
			case out <- *last:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-check:
				if s.rideEnded(ctx, rideID) {
					return
				}
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				switch ev.Type {
				case events.LocationUpdate:
					if ev.Location == nil || ev.Location.DriverID != driverID {
						continue
					}
					select {
					case out <- *ev.Location:
					case <-ctx.Done():
						return
					}
				case events.RideStatus:
					if rideID != "" && ev.Ride != nil && ev.Ride.Status.Terminal() {
						return
					}
				}
			}
		}
	}()
	return out
}

// rideEnded reports whether the ride is terminal or gone. Read errors keep
// the stream open; the next check retries.
func (s *Service) rideEnded(ctx context.Context, rideID string) bool {
	ride, err := s.Rides.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return true
	}
	if err != nil {
		if ctx.Err() == nil {
			s.logger().Warn("ride_check_failed", "ride_id", rideID, "err", err)
		}
		return false
	}
	return ride.Status.Terminal()
}
