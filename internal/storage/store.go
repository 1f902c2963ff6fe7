package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-coordinator/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrStatusMismatch means a conditional update matched no row: the record
	// is missing, in another status, or assigned to someone else.
	ErrStatusMismatch = errors.New("storage: status mismatch")
	ErrDuplicate      = errors.New("storage: duplicate")
)

// RideStore persists ride requests. Every status change is a conditional
// update on the current status.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.RideRequest) error
	GetRide(ctx context.Context, id string) (*models.RideRequest, error)
	// ClaimRide assigns driverID and moves the ride to accepted only while it
	// is still pending.
	ClaimRide(ctx context.Context, id, driverID string, at time.Time) (*models.RideRequest, error)
	// TransitionRide moves the ride to `to` if its status is one of `from`.
	// A non-empty driverID additionally requires it to be the assignee.
	TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, driverID string, at time.Time) (*models.RideRequest, error)
	// StartRide moves driver_arrived -> in_progress and inserts the trip in one transaction.
	StartRide(ctx context.Context, id, driverID string, trip *models.Trip, at time.Time) (*models.RideRequest, error)
	// CompleteRide moves in_progress -> completed and closes the trip in one
	// transaction. total_trips is incremented only if the trip was still active.
	CompleteRide(ctx context.Context, id, driverID string, at time.Time) (*models.RideRequest, bool, error)
	// ListPending returns pending rides newest first, minus those dismissed by excludeDriverID.
	ListPending(ctx context.Context, excludeDriverID string, limit int) ([]models.RideRequest, error)
	ActiveForPassenger(ctx context.Context, passengerID string) (*models.RideRequest, error)
	ActiveForDriver(ctx context.Context, driverID string) (*models.RideRequest, error)
	History(ctx context.Context, partyID string, limit int) ([]models.RideRequest, error)
	Dismiss(ctx context.Context, rideID, driverID string) error
	// ExpirePending cancels pending rides created before cutoff and returns them.
	ExpirePending(ctx context.Context, cutoff, at time.Time) ([]models.RideRequest, error)
}

type DriverStore interface {
	// UpsertDriver creates the driver for d.UserID or updates the car details
	// of the existing one. d is refreshed from the stored row.
	UpsertDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	DriverByUser(ctx context.Context, userID string) (*models.Driver, error)
	SetOnline(ctx context.Context, id string, online bool) error
	ListOnline(ctx context.Context) ([]models.Driver, error)
}

type LocationStore interface {
	// UpsertLocation replaces the driver's row unless a newer sample is stored.
	UpsertLocation(ctx context.Context, loc models.Location) error
	GetLocation(ctx context.Context, driverID string) (*models.Location, error)
}

type TripStore interface {
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	TripByRide(ctx context.Context, rideID string) (*models.Trip, error)
	// CloseTrip completes the active trip of rideID and increments the
	// driver's total_trips. It reports false when there was no active trip.
	CloseTrip(ctx context.Context, rideID string, at time.Time) (bool, error)
	ListTrips(ctx context.Context, driverID string, status models.TripStatus) ([]models.Trip, error)
	// StaleTrips lists rides already completed whose trip is still active.
	StaleTrips(ctx context.Context) ([]string, error)
	// AddRating stores a rating once per (trip, rater) and folds it into the
	// rated driver's running average.
	AddRating(ctx context.Context, r *models.Rating) error
}

type Store interface {
	RideStore
	DriverStore
	LocationStore
	TripStore
	Ping(ctx context.Context) error
}

func statusIn(s models.RideStatus, set []models.RideStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func statusStrings(set []models.RideStatus) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}
