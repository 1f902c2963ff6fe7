package coordinator

import "github.com/example/ride-coordinator/internal/models"

var transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusPending:       {models.StatusAccepted, models.StatusRejected, models.StatusCancelled},
	models.StatusAccepted:      {models.StatusDriverArrived, models.StatusCancelled},
	models.StatusDriverArrived: {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress:    {models.StatusCompleted, models.StatusCancelled},
}

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to models.RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// cancellable lists every status from which a ride may still be cancelled.
var cancellable = []models.RideStatus{
	models.StatusPending, models.StatusAccepted, models.StatusDriverArrived, models.StatusInProgress,
}

// driverAdvance reports the targets reachable through AdvanceStatus. Accept,
// reject and cancel have their own operations.
func driverAdvance(to models.RideStatus) bool {
	switch to {
	case models.StatusDriverArrived, models.StatusInProgress, models.StatusCompleted:
		return true
	}
	return false
}
