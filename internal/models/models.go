package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

// Actor is the authenticated caller as supplied by the identity provider.
// DriverID is resolved from the driver profile owned by ID, if any.
type Actor struct {
	ID       string `json:"id"`
	Role     Role   `json:"role"`
	DriverID string `json:"driver_id,omitempty"`
}

// PartyID is the id the actor appears under on a ride.
func (a Actor) PartyID() string {
	if a.Role == RoleDriver {
		return a.DriverID
	}
	return a.ID
}

type RideStatus string

const (
	StatusPending       RideStatus = "pending"
	StatusAccepted      RideStatus = "accepted"
	StatusRejected      RideStatus = "rejected"
	StatusDriverArrived RideStatus = "driver_arrived"
	StatusInProgress    RideStatus = "in_progress"
	StatusCompleted     RideStatus = "completed"
	StatusCancelled     RideStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s RideStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

func (s RideStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusDriverArrived,
		StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

var (
	PassengerActiveStatuses = []RideStatus{StatusPending, StatusAccepted, StatusDriverArrived, StatusInProgress}
	DriverActiveStatuses    = []RideStatus{StatusAccepted, StatusDriverArrived, StatusInProgress}
	TerminalStatuses        = []RideStatus{StatusCompleted, StatusRejected, StatusCancelled}
)

type RideRequest struct {
	ID             string     `json:"id"`
	PassengerID    string     `json:"passenger_id"`
	DriverID       string     `json:"driver_id,omitempty"`
	Pickup         Coord      `json:"pickup"`
	PickupAddress  string     `json:"pickup_address"`
	Destination    Coord      `json:"destination"`
	DestAddress    string     `json:"dest_address"`
	Distance       float64    `json:"distance"`
	SuggestedPrice float64    `json:"suggested_price"`
	PassengerPrice *float64   `json:"passenger_price,omitempty"`
	DriverPrice    *float64   `json:"driver_price,omitempty"`
	Status         RideStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AgreedPrice is the price snapshotted into a Trip when the ride starts.
func (r *RideRequest) AgreedPrice() float64 {
	if r.PassengerPrice != nil {
		return *r.PassengerPrice
	}
	return r.SuggestedPrice
}

// Counterpart returns the other party of the ride as seen by actorID.
func (r *RideRequest) Counterpart(actorID string) string {
	if actorID == r.PassengerID {
		return r.DriverID
	}
	return r.PassengerID
}

type Driver struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	CarModel   string    `json:"car_model"`
	CarColor   string    `json:"car_color"`
	Plate      string    `json:"plate"`
	Online     bool      `json:"online_status"`
	Rating     float64   `json:"rating"` // 0..5
	RatingsN   int       `json:"ratings_count"`
	TotalTrips int       `json:"total_trips"`
	CreatedAt  time.Time `json:"created_at"`
}

// Location is the latest known position of a driver. One per driver.
type Location struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   float64   `json:"heading"`
	Speed     float64   `json:"speed"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (l Location) Coord() Coord { return Coord{Lat: l.Lat, Lng: l.Lng} }

type TripStatus string

const (
	TripActive    TripStatus = "active"
	TripCompleted TripStatus = "completed"
)

type Trip struct {
	ID            string     `json:"id"`
	RideRequestID string     `json:"ride_request_id"`
	DriverID      string     `json:"driver_id"`
	PassengerID   string     `json:"passenger_id"`
	Distance      float64    `json:"distance"`
	Price         float64    `json:"price"`
	Status        TripStatus `json:"status"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
}

type Rating struct {
	ID        string    `json:"id"`
	TripID    string    `json:"trip_id"`
	RaterID   string    `json:"rater_id"`
	RatedID   string    `json:"rated_id"`
	Score     int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Earnings struct {
	Today      float64 `json:"today"`
	ThisWeek   float64 `json:"this_week"`
	ThisMonth  float64 `json:"this_month"`
	AllTime    float64 `json:"all_time"`
	TripsCount int     `json:"trips_count"`
	Recent     []Trip  `json:"recent"`
}

type Quote struct {
	DistanceKm     float64 `json:"distance_km"`
	SuggestedPrice float64 `json:"suggested_price"`
	ETAMinutes     float64 `json:"eta_minutes"`
}
