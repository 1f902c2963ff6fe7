package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-coordinator/internal/events"
	"github.com/example/ride-coordinator/internal/models"
)

type OnlineDrivers interface {
	ListOnline(ctx context.Context) ([]models.Driver, error)
}

// RideEventSink receives a copy of every ride event, e.g. a Kafka producer.
type RideEventSink interface {
	PublishRideEvent(ctx context.Context, ev events.Event) error
}

// Notifier turns committed ride changes into bus events. New pending rides
// go to each online driver; status changes go to the ride and both parties.
type Notifier struct {
	Bus     events.Publisher
	Drivers OnlineDrivers
	Sink    RideEventSink
	Logger  *slog.Logger
	Now     func() time.Time
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now().UTC()
}

func (n *Notifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

func (n *Notifier) publish(ctx context.Context, topic string, ev events.Event) {
	if err := n.Bus.Publish(ctx, topic, ev); err != nil {
		n.logger().Warn("event_publish_failed", "topic", topic, "type", ev.Type, "ride_id", ev.RideID, "err", err)
	}
}

func (n *Notifier) sink(ctx context.Context, ev events.Event) {
	if n.Sink == nil {
		return
	}
	if err := n.Sink.PublishRideEvent(ctx, ev); err != nil {
		n.logger().Warn("ride_event_sink_failed", "ride_id", ev.RideID, "type", ev.Type, "err", err)
	}
}

func (n *Notifier) RideCreated(ctx context.Context, ride models.RideRequest) {
	ev := events.Event{Type: events.RidePending, RideID: ride.ID, Ride: &ride, At: n.now()}
	drivers, err := n.Drivers.ListOnline(ctx)
	if err != nil {
		// The next resync sweep delivers it.
		n.logger().Warn("pending_fanout_failed", "ride_id", ride.ID, "err", err)
	}
	for _, d := range drivers {
		n.publish(ctx, events.UserTopic(d.ID), ev)
	}
	n.logger().Debug("pending_fanout", "ride_id", ride.ID, "drivers", len(drivers))
	n.sink(ctx, ev)
}

func (n *Notifier) RideChanged(ctx context.Context, ride models.RideRequest, from models.RideStatus) {
	at := n.now()
	ev := events.Event{Type: events.RideStatus, RideID: ride.ID, Ride: &ride, At: at}
	n.publish(ctx, events.RideTopic(ride.ID), ev)
	n.publish(ctx, events.UserTopic(ride.PassengerID), ev)
	if ride.DriverID != "" {
		n.publish(ctx, events.UserTopic(ride.DriverID), ev)
	}
	if from == models.StatusPending && ride.Status != models.StatusPending {
		n.publish(ctx, events.PendingTopic, events.Event{Type: events.RideRemoved, RideID: ride.ID, At: at})
	}
	n.sink(ctx, ev)
}

func (n *Notifier) RideDismissed(ctx context.Context, rideID, driverID string) {
	n.publish(ctx, events.UserTopic(driverID), events.Event{Type: events.RideRemoved, RideID: rideID, At: n.now()})
}

// Resend republishes rides still pending for one driver.
func (n *Notifier) Resend(ctx context.Context, driverID string, rides []models.RideRequest) {
	at := n.now()
	for i := range rides {
		r := rides[i]
		n.publish(ctx, events.UserTopic(driverID), events.Event{Type: events.RidePending, RideID: r.ID, Ride: &r, At: at})
	}
}
