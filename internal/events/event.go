package events

import (
	"time"

	"github.com/example/ride-coordinator/internal/models"
)

type Type string

const (
	// RidePending announces a new or re-broadcast entry in the pending set.
	RidePending Type = "ride.pending"
	RideStatus  Type = "ride.status"
	// RideRemoved tells drivers a ride left the pending set.
	RideRemoved    Type = "ride.removed"
	LocationUpdate Type = "location.update"
)

// Event is the envelope pushed to subscribers. Delivery is at-least-once.
type Event struct {
	Type     Type                `json:"type"`
	RideID   string              `json:"ride_id,omitempty"`
	Ride     *models.RideRequest `json:"ride,omitempty"`
	Location *models.Location    `json:"location,omitempty"`
	At       time.Time           `json:"at"`
}

const PendingTopic = "rides:pending"

func RideTopic(rideID string) string { return "ride:" + rideID }

func UserTopic(userID string) string { return "user:" + userID }

func DriverLocationTopic(driverID string) string { return "driver:" + driverID + ":location" }
