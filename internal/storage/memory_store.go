package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-coordinator/internal/models"
)

// MemoryStore is a Store held in process memory. A single lock makes every
// multi-row operation atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	rides     map[string]*models.RideRequest
	drivers   map[string]*models.Driver
	locations map[string]models.Location
	trips     map[string]*models.Trip
	ratings   map[string]*models.Rating
	dismissed map[string]map[string]struct{} // ride id -> driver ids
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:     make(map[string]*models.RideRequest),
		drivers:   make(map[string]*models.Driver),
		locations: make(map[string]models.Location),
		trips:     make(map[string]*models.Trip),
		ratings:   make(map[string]*models.Rating),
		dismissed: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateRide(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrDuplicate
	}
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ClaimRide(_ context.Context, id, driverID string, at time.Time) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok || r.Status != models.StatusPending {
		return nil, ErrStatusMismatch
	}
	r.DriverID = driverID
	r.Status = models.StatusAccepted
	r.UpdatedAt = at
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) transitionLocked(id string, from []models.RideStatus, to models.RideStatus, driverID string, at time.Time) (*models.RideRequest, error) {
	r, ok := m.rides[id]
	if !ok || !statusIn(r.Status, from) {
		return nil, ErrStatusMismatch
	}
	if driverID != "" && r.DriverID != driverID {
		return nil, ErrStatusMismatch
	}
	r.Status = to
	r.UpdatedAt = at
	return r, nil
}

func (m *MemoryStore) TransitionRide(_ context.Context, id string, from []models.RideStatus, to models.RideStatus, driverID string, at time.Time) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.transitionLocked(id, from, to, driverID, at)
	if err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) StartRide(_ context.Context, id, driverID string, trip *models.Trip, at time.Time) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.transitionLocked(id, []models.RideStatus{models.StatusDriverArrived}, models.StatusInProgress, driverID, at)
	if err != nil {
		return nil, err
	}
	if m.tripByRideLocked(id) == nil {
		cp := *trip
		m.trips[trip.ID] = &cp
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CompleteRide(_ context.Context, id, driverID string, at time.Time) (*models.RideRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.transitionLocked(id, []models.RideStatus{models.StatusInProgress}, models.StatusCompleted, driverID, at)
	if err != nil {
		return nil, false, err
	}
	counted := m.closeTripLocked(id, at)
	cp := *r
	return &cp, counted, nil
}

func (m *MemoryStore) ListPending(_ context.Context, excludeDriverID string, limit int) ([]models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RideRequest
	for _, r := range m.rides {
		if r.Status != models.StatusPending {
			continue
		}
		if excludeDriverID != "" {
			if _, ok := m.dismissed[r.ID][excludeDriverID]; ok {
				continue
			}
		}
		out = append(out, *r)
	}
	sortNewestFirst(out)
	return truncate(out, limit), nil
}

func (m *MemoryStore) latest(match func(*models.RideRequest) bool) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.RideRequest
	for _, r := range m.rides {
		if !match(r) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) ActiveForPassenger(_ context.Context, passengerID string) (*models.RideRequest, error) {
	return m.latest(func(r *models.RideRequest) bool {
		return r.PassengerID == passengerID && statusIn(r.Status, models.PassengerActiveStatuses)
	})
}

func (m *MemoryStore) ActiveForDriver(_ context.Context, driverID string) (*models.RideRequest, error) {
	return m.latest(func(r *models.RideRequest) bool {
		return r.DriverID == driverID && statusIn(r.Status, models.DriverActiveStatuses)
	})
}

func (m *MemoryStore) History(_ context.Context, partyID string, limit int) ([]models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RideRequest
	for _, r := range m.rides {
		if (r.PassengerID == partyID || r.DriverID == partyID) && r.Status.Terminal() {
			out = append(out, *r)
		}
	}
	sortNewestFirst(out)
	return truncate(out, limit), nil
}

func (m *MemoryStore) Dismiss(_ context.Context, rideID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[rideID]; !ok {
		return ErrNotFound
	}
	if m.dismissed[rideID] == nil {
		m.dismissed[rideID] = make(map[string]struct{})
	}
	m.dismissed[rideID][driverID] = struct{}{}
	return nil
}

func (m *MemoryStore) ExpirePending(_ context.Context, cutoff, at time.Time) ([]models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RideRequest
	for _, r := range m.rides {
		if r.Status == models.StatusPending && r.CreatedAt.Before(cutoff) {
			r.Status = models.StatusCancelled
			r.UpdatedAt = at
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.drivers {
		if existing.UserID == d.UserID {
			existing.CarModel, existing.CarColor, existing.Plate = d.CarModel, d.CarColor, d.Plate
			*d = *existing
			return nil
		}
	}
	cp := *d
	m.drivers[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) DriverByUser(_ context.Context, userID string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.drivers {
		if d.UserID == userID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) SetOnline(_ context.Context, id string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Online = online
	return nil
}

func (m *MemoryStore) ListOnline(context.Context) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Driver
	for _, d := range m.drivers {
		if d.Online {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertLocation(_ context.Context, loc models.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.locations[loc.DriverID]; ok && prev.UpdatedAt.After(loc.UpdatedAt) {
		return nil
	}
	m.locations[loc.DriverID] = loc
	return nil
}

func (m *MemoryStore) GetLocation(_ context.Context, driverID string) (*models.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	return &loc, nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) tripByRideLocked(rideID string) *models.Trip {
	for _, t := range m.trips {
		if t.RideRequestID == rideID {
			return t
		}
	}
	return nil
}

func (m *MemoryStore) TripByRide(_ context.Context, rideID string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tripByRideLocked(rideID)
	if t == nil {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) closeTripLocked(rideID string, at time.Time) bool {
	t := m.tripByRideLocked(rideID)
	if t == nil || t.Status != models.TripActive {
		return false
	}
	end := at
	t.Status = models.TripCompleted
	t.EndTime = &end
	if d, ok := m.drivers[t.DriverID]; ok {
		d.TotalTrips++
	}
	return true
}

func (m *MemoryStore) CloseTrip(_ context.Context, rideID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeTripLocked(rideID, at), nil
}

func (m *MemoryStore) ListTrips(_ context.Context, driverID string, status models.TripStatus) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trip
	for _, t := range m.trips {
		if t.DriverID == driverID && (status == "" || t.Status == status) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

func (m *MemoryStore) StaleTrips(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, t := range m.trips {
		if r, ok := m.rides[t.RideRequestID]; ok && t.Status == models.TripActive && r.Status == models.StatusCompleted {
			out = append(out, t.RideRequestID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) AddRating(_ context.Context, r *models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.ratings {
		if existing.TripID == r.TripID && existing.RaterID == r.RaterID {
			return ErrDuplicate
		}
	}
	cp := *r
	m.ratings[r.ID] = &cp
	if d, ok := m.drivers[r.RatedID]; ok {
		d.Rating = (d.Rating*float64(d.RatingsN) + float64(r.Score)) / float64(d.RatingsN+1)
		d.RatingsN++
	}
	return nil
}

func sortNewestFirst(rs []models.RideRequest) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].CreatedAt.After(rs[j].CreatedAt) })
}

func truncate(rs []models.RideRequest, limit int) []models.RideRequest {
	if limit > 0 && len(rs) > limit {
		return rs[:limit]
	}
	return rs
}
