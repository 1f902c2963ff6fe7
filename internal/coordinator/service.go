package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
	"github.com/example/ride-coordinator/internal/storage"
)

// Notifier receives committed ride changes. Implementations must not block
// for long and own their delivery errors.
type Notifier interface {
	RideCreated(ctx context.Context, ride models.RideRequest)
	RideChanged(ctx context.Context, ride models.RideRequest, from models.RideStatus)
	RideDismissed(ctx context.Context, rideID, driverID string)
}

type nopNotifier struct{}

func (nopNotifier) RideCreated(context.Context, models.RideRequest)                    {}
func (nopNotifier) RideChanged(context.Context, models.RideRequest, models.RideStatus) {}
func (nopNotifier) RideDismissed(context.Context, string, string)                      {}

// Service is the ride lifecycle coordinator. It performs no retries of its
// own: a failed write is returned to the caller untouched.
// DriverLookup resolves a driver's availability.
type DriverLookup interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
}

type Service struct {
	Store    storage.RideStore
	Drivers  DriverLookup
	Notifier Notifier
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string

	validate *validator.Validate
}

func NewService(store storage.RideStore, drivers DriverLookup, notifier Notifier, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:    store,
		Drivers:  drivers,
		Notifier: notifier,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    uuid.NewString,
		validate: newValidator(),
	}
}

// CreateInput carries a passenger's request. Distance and SuggestedPrice are
// derived from the coordinates when left zero.
type CreateInput struct {
	Pickup         *models.Coord `json:"pickup" validate:"required"`
	Destination    *models.Coord `json:"destination" validate:"required"`
	PickupAddress  string        `json:"pickup_address" validate:"max=512"`
	DestAddress    string        `json:"dest_address" validate:"required,max=512"`
	Distance       float64       `json:"distance" validate:"gte=0"`
	SuggestedPrice float64       `json:"suggested_price" validate:"gte=0"`
	PassengerPrice *float64      `json:"passenger_price,omitempty" validate:"omitempty,gt=0"`
}

func (s *Service) CreateRequest(ctx context.Context, actor models.Actor, in CreateInput) (*models.RideRequest, error) {
	if actor.Role != models.RolePassenger || actor.ID == "" {
		return nil, ErrForbidden
	}
	in.DestAddress = strings.TrimSpace(in.DestAddress)
	in.PickupAddress = strings.TrimSpace(in.PickupAddress)
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	if !geo.ValidCoord(*in.Pickup) {
		return nil, &ValidationError{Field: "pickup", Reason: "coordinates out of range"}
	}
	if !geo.ValidCoord(*in.Destination) {
		return nil, &ValidationError{Field: "destination", Reason: "coordinates out of range"}
	}

	distance := in.Distance
	if distance == 0 {
		distance = geo.Distance(*in.Pickup, *in.Destination)
	}
	price := in.SuggestedPrice
	if price == 0 {
		price = geo.Price(distance)
	}
	now := s.Now()
	ride := &models.RideRequest{
		ID:             s.NewID(),
		PassengerID:    actor.ID,
		Pickup:         *in.Pickup,
		PickupAddress:  in.PickupAddress,
		Destination:    *in.Destination,
		DestAddress:    in.DestAddress,
		Distance:       distance,
		SuggestedPrice: price,
		PassengerPrice: in.PassengerPrice,
		Status:         models.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Store.CreateRide(ctx, ride); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesCreated.Inc()
	s.Logger.Info("ride_created", "ride_id", ride.ID, "passenger_id", ride.PassengerID,
		"distance_km", ride.Distance, "suggested_price", ride.SuggestedPrice)
	s.Notifier.RideCreated(ctx, *ride)
	return ride, nil
}

// AcceptRequest claims a pending ride for the calling driver. Of several
// concurrent callers exactly one wins; the rest get a ConflictError.
func (s *Service) AcceptRequest(ctx context.Context, rideID string, actor models.Actor) (*models.RideRequest, error) {
	driverID, err := requireDriver(actor)
	if err != nil {
		return nil, err
	}
	online, err := s.driverOnline(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !online {
		return nil, &ValidationError{Field: "online_status", Reason: "driver must be online to accept rides"}
	}
	ride, err := s.Store.ClaimRide(ctx, rideID, driverID, s.Now())
	if err == nil {
		observability.RideTransitions.WithLabelValues(string(models.StatusAccepted)).Inc()
		observability.AcceptLatency.Observe(ride.UpdatedAt.Sub(ride.CreatedAt).Seconds())
		s.Logger.Info("ride_accepted", "ride_id", rideID, "driver_id", driverID)
		s.Notifier.RideChanged(ctx, *ride, models.StatusPending)
		return ride, nil
	}
	if !errors.Is(err, storage.ErrStatusMismatch) {
		return nil, fmt.Errorf("accept ride %s: %w", rideID, err)
	}

	current, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, s.readError(rideID, err)
	}
	observability.AcceptConflicts.Inc()
	s.Logger.Info("accept_conflict", "ride_id", rideID, "driver_id", driverID,
		"status", current.Status, "winner", current.DriverID)
	return nil, &ConflictError{RideID: rideID}
}

// RejectRequest is a driver's pass on a pending ride. It cancels the ride
// for everyone; DismissRequest hides it from one driver only.
func (s *Service) RejectRequest(ctx context.Context, rideID string, actor models.Actor) error {
	driverID, err := requireDriver(actor)
	if err != nil {
		return err
	}
	ride, err := s.Store.TransitionRide(ctx, rideID, []models.RideStatus{models.StatusPending}, models.StatusCancelled, "", s.Now())
	if err != nil {
		return s.transitionError(ctx, rideID, models.StatusCancelled, err)
	}
	observability.RideTransitions.WithLabelValues(string(models.StatusCancelled)).Inc()
	s.Logger.Info("ride_rejected", "ride_id", rideID, "driver_id", driverID)
	s.Notifier.RideChanged(ctx, *ride, models.StatusPending)
	return nil
}

func (s *Service) DismissRequest(ctx context.Context, rideID string, actor models.Actor) error {
	driverID, err := requireDriver(actor)
	if err != nil {
		return err
	}
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return s.readError(rideID, err)
	}
	if ride.Status != models.StatusPending {
		return &IllegalTransitionError{RideID: rideID, From: ride.Status, To: models.StatusPending}
	}
	if err := s.Store.Dismiss(ctx, rideID, driverID); err != nil {
		return s.readError(rideID, err)
	}
	s.Logger.Debug("ride_dismissed", "ride_id", rideID, "driver_id", driverID)
	s.Notifier.RideDismissed(ctx, rideID, driverID)
	return nil
}

// AdvanceStatus moves an assigned ride along arrival, start and completion.
// Starting creates the trip and completing closes it, each atomically with
// the status change.
func (s *Service) AdvanceStatus(ctx context.Context, rideID string, next models.RideStatus, actor models.Actor) (*models.RideRequest, error) {
	driverID, err := requireDriver(actor)
	if err != nil {
		return nil, err
	}
	if !next.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", next)}
	}
	current, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, s.readError(rideID, err)
	}
	if current.DriverID != driverID {
		return nil, &NotFoundError{Kind: "ride", ID: rideID}
	}
	if !driverAdvance(next) || !CanTransition(current.Status, next) {
		observability.IllegalTransitions.Inc()
		return nil, &IllegalTransitionError{RideID: rideID, From: current.Status, To: next}
	}

	now := s.Now()
	var ride *models.RideRequest
	switch next {
	case models.StatusInProgress:
		trip := &models.Trip{
			ID:            s.NewID(),
			RideRequestID: rideID,
			DriverID:      driverID,
			PassengerID:   current.PassengerID,
			Distance:      current.Distance,
			Price:         current.AgreedPrice(),
			Status:        models.TripActive,
			StartTime:     now,
		}
		ride, err = s.Store.StartRide(ctx, rideID, driverID, trip, now)
	case models.StatusCompleted:
		var counted bool
		ride, counted, err = s.Store.CompleteRide(ctx, rideID, driverID, now)
		if err == nil && !counted {
			s.Logger.Warn("trip_not_active_on_completion", "ride_id", rideID, "driver_id", driverID)
		}
	default:
		ride, err = s.Store.TransitionRide(ctx, rideID, []models.RideStatus{current.Status}, next, driverID, now)
	}
	if err != nil {
		return nil, s.transitionError(ctx, rideID, next, err)
	}

	observability.RideTransitions.WithLabelValues(string(next)).Inc()
	s.Logger.Info("ride_status_changed", "ride_id", rideID, "driver_id", driverID, "from", current.Status, "to", next)
	s.Notifier.RideChanged(ctx, *ride, current.Status)
	return ride, nil
}

// CancelRequest cancels a non-terminal ride on behalf of either party.
func (s *Service) CancelRequest(ctx context.Context, rideID string, actor models.Actor) error {
	current, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return s.readError(rideID, err)
	}
	if !participant(current, actor) {
		return &NotFoundError{Kind: "ride", ID: rideID}
	}
	if current.Status.Terminal() {
		return &IllegalTransitionError{RideID: rideID, From: current.Status, To: models.StatusCancelled}
	}
	ride, err := s.Store.TransitionRide(ctx, rideID, cancellable, models.StatusCancelled, "", s.Now())
	if err != nil {
		return s.transitionError(ctx, rideID, models.StatusCancelled, err)
	}
	observability.RideTransitions.WithLabelValues(string(models.StatusCancelled)).Inc()
	s.Logger.Info("ride_cancelled", "ride_id", rideID, "actor_id", actor.ID, "role", actor.Role, "from", current.Status)
	s.Notifier.RideChanged(ctx, *ride, current.Status)
	return nil
}

// PendingFor lists pending rides newest first, without those the driver
// dismissed. An offline driver sees none.
func (s *Service) PendingFor(ctx context.Context, actor models.Actor, limit int) ([]models.RideRequest, error) {
	driverID, err := requireDriver(actor)
	if err != nil {
		return nil, err
	}
	online, err := s.driverOnline(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !online {
		return []models.RideRequest{}, nil
	}
	rides, err := s.Store.ListPending(ctx, driverID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return rides, nil
}

// ActiveFor returns the actor's current ride. A passenger may have at most
// one current ride: the most recent non-terminal one.
func (s *Service) ActiveFor(ctx context.Context, actor models.Actor) (*models.RideRequest, error) {
	var (
		ride *models.RideRequest
		err  error
	)
	switch actor.Role {
	case models.RolePassenger:
		ride, err = s.Store.ActiveForPassenger(ctx, actor.ID)
	case models.RoleDriver:
		if actor.DriverID == "" {
			return nil, &NotFoundError{Kind: "ride", ID: "active"}
		}
		ride, err = s.Store.ActiveForDriver(ctx, actor.DriverID)
	default:
		return nil, ErrForbidden
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &NotFoundError{Kind: "ride", ID: "active"}
	}
	return ride, err
}

func (s *Service) History(ctx context.Context, actor models.Actor, limit int) ([]models.RideRequest, error) {
	party := actor.PartyID()
	if party == "" {
		return nil, nil
	}
	return s.Store.History(ctx, party, limit)
}

// Get returns a ride visible to the actor: its parties, or any driver while
// it is still pending.
func (s *Service) Get(ctx context.Context, rideID string, actor models.Actor) (*models.RideRequest, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, s.readError(rideID, err)
	}
	if participant(ride, actor) || (actor.Role == models.RoleDriver && ride.Status == models.StatusPending) {
		return ride, nil
	}
	return nil, &NotFoundError{Kind: "ride", ID: rideID}
}

// transitionError turns a failed conditional update into a typed error
// using a fresh read of the ride.
func (s *Service) transitionError(ctx context.Context, rideID string, to models.RideStatus, err error) error {
	if !errors.Is(err, storage.ErrStatusMismatch) {
		return fmt.Errorf("ride %s -> %s: %w", rideID, to, err)
	}
	current, rerr := s.Store.GetRide(ctx, rideID)
	if rerr != nil {
		return s.readError(rideID, rerr)
	}
	observability.IllegalTransitions.Inc()
	return &IllegalTransitionError{RideID: rideID, From: current.Status, To: to}
}

func (s *Service) readError(rideID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &NotFoundError{Kind: "ride", ID: rideID}
	}
	return fmt.Errorf("read ride %s: %w", rideID, err)
}

func (s *Service) driverOnline(ctx context.Context, driverID string) (bool, error) {
	if s.Drivers == nil {
		return true, nil
	}
	d, err := s.Drivers.GetDriver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, &NotFoundError{Kind: "driver", ID: driverID}
	}
	if err != nil {
		return false, fmt.Errorf("get driver %s: %w", driverID, err)
	}
	return d.Online, nil
}

func requireDriver(actor models.Actor) (string, error) {
	if actor.Role != models.RoleDriver {
		return "", ErrForbidden
	}
	if actor.DriverID == "" {
		return "", &NotFoundError{Kind: "driver", ID: actor.ID}
	}
	return actor.DriverID, nil
}

func participant(r *models.RideRequest, actor models.Actor) bool {
	switch actor.Role {
	case models.RolePassenger:
		return r.PassengerID == actor.ID
	case models.RoleDriver:
		return actor.DriverID != "" && r.DriverID == actor.DriverID
	}
	return false
}
