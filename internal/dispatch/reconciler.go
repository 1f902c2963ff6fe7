package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
	"github.com/example/ride-coordinator/internal/storage"
)

// TripCompleter closes a completed ride's trip at most once.
type TripCompleter interface {
	RecordTripCompletion(ctx context.Context, driverID, rideID string) (bool, error)
}

type StaleTrips interface {
	StaleTrips(ctx context.Context) ([]string, error)
}

// Reconciler is the periodic consistency sweep behind the push path: it
// resends pending rides to online drivers, expires old pending rides and
// closes trips left active by an interrupted completion.
type Reconciler struct {
	Rides      storage.RideStore
	Drivers    OnlineDrivers
	Trips      StaleTrips
	Completer  TripCompleter
	Notifier   *Notifier
	Interval   time.Duration
	PendingTTL time.Duration
	Limit      int
	Logger     *slog.Logger
	Now        func() time.Time
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run sweeps every Interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger().Warn("reconcile_failed", "err", err)
			}
		}
	}
}

// Sweep runs one pass. Each step is attempted even if an earlier one
// failed; the errors are joined.
func (r *Reconciler) Sweep(ctx context.Context) error {
	observability.ReconcileRuns.Inc()
	return errors.Join(r.expirePending(ctx), r.resendPending(ctx), r.repairTrips(ctx))
}

func (r *Reconciler) expirePending(ctx context.Context) error {
	if r.PendingTTL <= 0 {
		return nil
	}
	now := r.now()
	expired, err := r.Rides.ExpirePending(ctx, now.Add(-r.PendingTTL), now)
	if err != nil {
		return err
	}
	for _, ride := range expired {
		observability.PendingExpired.Inc()
		r.logger().Info("ride_expired", "ride_id", ride.ID, "passenger_id", ride.PassengerID)
		r.Notifier.RideChanged(ctx, ride, models.StatusPending)
	}
	return nil
}

func (r *Reconciler) resendPending(ctx context.Context) error {
	drivers, err := r.Drivers.ListOnline(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range drivers {
		rides, err := r.Rides.ListPending(ctx, d.ID, r.Limit)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.Notifier.Resend(ctx, d.ID, rides)
	}
	return errors.Join(errs...)
}

func (r *Reconciler) repairTrips(ctx context.Context) error {
	if r.Trips == nil || r.Completer == nil {
		return nil
	}
	rideIDs, err := r.Trips.StaleTrips(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range rideIDs {
		ride, err := r.Rides.GetRide(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		counted, err := r.Completer.RecordTripCompletion(ctx, ride.DriverID, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if counted {
			observability.TripsRepaired.Inc()
			r.logger().Info("trip_repaired", "ride_id", id, "driver_id", ride.DriverID)
		}
	}
	return errors.Join(errs...)
}
