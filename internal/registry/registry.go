package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-coordinator/internal/coordinator"
	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
	"github.com/example/ride-coordinator/internal/storage"
)

const notSet = "Not set"

// Store is what the registry needs from persistence.
type Store interface {
	storage.DriverStore
	storage.LocationStore
	storage.TripStore
}

// PositionPublisher pushes a known position out to subscribers and the
// nearby index. The location relay implements it.
type PositionPublisher interface {
	Publish(ctx context.Context, loc models.Location) error
}

type Service struct {
	Store     Store
	Index     geo.Index
	Positions PositionPublisher
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

func NewService(store Store, index geo.Index, positions PositionPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:     store,
		Index:     index,
		Positions: positions,
		Logger:    logger,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     uuid.NewString,
	}
}

// Register creates the driver profile for userID, or updates the car details
// of the existing one. Empty fields default to "Not set".
func (s *Service) Register(ctx context.Context, userID, carModel, carColor, plate string) (*models.Driver, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &coordinator.ValidationError{Field: "user_id", Reason: "is required"}
	}
	d := &models.Driver{
		ID:        s.NewID(),
		UserID:    userID,
		CarModel:  orNotSet(carModel),
		CarColor:  orNotSet(carColor),
		Plate:     orNotSet(plate),
		CreatedAt: s.Now(),
	}
	if err := s.Store.UpsertDriver(ctx, d); err != nil {
		return nil, fmt.Errorf("register driver: %w", err)
	}
	s.Logger.Info("driver_registered", "driver_id", d.ID, "user_id", userID)
	return d, nil
}

func orNotSet(v string) string {
	if v = strings.TrimSpace(v); v == "" {
		return notSet
	}
	return v
}

func (s *Service) ByUser(ctx context.Context, userID string) (*models.Driver, error) {
	d, err := s.Store.DriverByUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &coordinator.NotFoundError{Kind: "driver", ID: userID}
	}
	return d, err
}

func (s *Service) Get(ctx context.Context, driverID string) (*models.Driver, error) {
	d, err := s.Store.GetDriver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &coordinator.NotFoundError{Kind: "driver", ID: driverID}
	}
	return d, err
}

// SetOnline toggles the driver's availability. Going online with a known
// position republishes it at once; going offline drops the driver from the
// nearby index.
func (s *Service) SetOnline(ctx context.Context, driverID string, online bool) error {
	d, err := s.Get(ctx, driverID)
	if err != nil {
		return err
	}
	if err := s.Store.SetOnline(ctx, driverID, online); err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	switch {
	case online && !d.Online:
		observability.DriversOnline.Inc()
	case !online && d.Online:
		observability.DriversOnline.Dec()
	}
	s.Logger.Info("driver_availability", "driver_id", driverID, "online", online)

	if !online {
		if s.Index != nil {
			if err := s.Index.Remove(ctx, driverID); err != nil {
				s.Logger.Warn("index_remove_failed", "driver_id", driverID, "err", err)
			}
		}
		return nil
	}
	loc, err := s.Store.GetLocation(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("last location: %w", err)
	}
	if s.Positions != nil {
		return s.Positions.Publish(ctx, *loc)
	}
	return nil
}

func (s *Service) ListOnline(ctx context.Context) ([]models.Driver, error) {
	return s.Store.ListOnline(ctx)
}

// SyncOnlineGauge sets the online-drivers gauge from the store. SetOnline only
// moves the gauge on toggles, so it must be seeded once at startup.
func (s *Service) SyncOnlineGauge(ctx context.Context) error {
	drivers, err := s.Store.ListOnline(ctx)
	if err != nil {
		return fmt.Errorf("list online: %w", err)
	}
	observability.DriversOnline.Set(float64(len(drivers)))
	return nil
}

// CountNearby counts online drivers within radiusKm of c.
func (s *Service) CountNearby(ctx context.Context, c models.Coord, radiusKm float64) (int, error) {
	if !geo.ValidCoord(c) {
		return 0, &coordinator.ValidationError{Field: "coord", Reason: "coordinates out of range"}
	}
	if s.Index == nil {
		return 0, nil
	}
	near, err := s.Index.Nearby(ctx, c, radiusKm, 0)
	if err != nil {
		return 0, err
	}
	return len(near), nil
}

// RecordTripCompletion closes the ride's trip and counts it for driverID.
// It reports false, without counting, when the trip was already closed, so
// repeated completion signals are harmless.
func (s *Service) RecordTripCompletion(ctx context.Context, driverID, rideID string) (bool, error) {
	trip, err := s.Store.TripByRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, &coordinator.NotFoundError{Kind: "trip", ID: rideID}
	}
	if err != nil {
		return false, err
	}
	if trip.DriverID != driverID {
		return false, &coordinator.NotFoundError{Kind: "trip", ID: rideID}
	}
	counted, err := s.Store.CloseTrip(ctx, rideID, s.Now())
	if err != nil {
		return false, fmt.Errorf("close trip: %w", err)
	}
	if counted {
		s.Logger.Info("trip_completion_recorded", "ride_id", rideID, "driver_id", driverID)
	}
	return counted, nil
}

// RateTrip stores the passenger's rating of the driver for a completed trip.
func (s *Service) RateTrip(ctx context.Context, tripID string, rater models.Actor, score int, comment string) (*models.Rating, error) {
	if score < 1 || score > 5 {
		return nil, &coordinator.ValidationError{Field: "rating", Reason: "must be between 1 and 5"}
	}
	trip, err := s.Store.GetTrip(ctx, tripID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &coordinator.NotFoundError{Kind: "trip", ID: tripID}
	}
	if err != nil {
		return nil, err
	}
	if rater.Role != models.RolePassenger || trip.PassengerID != rater.ID {
		return nil, &coordinator.NotFoundError{Kind: "trip", ID: tripID}
	}
	if trip.Status != models.TripCompleted {
		return nil, &coordinator.ValidationError{Field: "trip", Reason: "trip is not completed"}
	}
	r := &models.Rating{
		ID:        s.NewID(),
		TripID:    tripID,
		RaterID:   rater.ID,
		RatedID:   trip.DriverID,
		Score:     score,
		Comment:   strings.TrimSpace(comment),
		CreatedAt: s.Now(),
	}
	if err := s.Store.AddRating(ctx, r); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, &coordinator.ValidationError{Field: "trip", Reason: "already rated"}
		}
		return nil, fmt.Errorf("add rating: %w", err)
	}
	s.Logger.Info("trip_rated", "trip_id", tripID, "driver_id", trip.DriverID, "rating", score)
	return r, nil
}

const recentTrips = 10

// Earnings sums completed trip prices by end time. Weeks start on Monday,
// all windows in now's location.
func (s *Service) Earnings(ctx context.Context, driverID string, now time.Time) (*models.Earnings, error) {
	trips, err := s.Store.ListTrips(ctx, driverID, models.TripCompleted)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	week := day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	e := &models.Earnings{Recent: []models.Trip{}}
	for _, t := range trips {
		end := t.StartTime
		if t.EndTime != nil {
			end = *t.EndTime
		}
		e.AllTime += t.Price
		e.TripsCount++
		if !end.Before(month) {
			e.ThisMonth += t.Price
		}
		if !end.Before(week) {
			e.ThisWeek += t.Price
		}
		if !end.Before(day) {
			e.Today += t.Price
		}
		if len(e.Recent) < recentTrips {
			e.Recent = append(e.Recent, t)
		}
	}
	return e, nil
}
