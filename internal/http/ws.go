package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-coordinator/internal/coordinator"
	"github.com/example/ride-coordinator/internal/events"
	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/relay"
)

const wsWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsSession serialises writes; gorilla connections allow one concurrent writer.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(v)
}

type wsError struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func subscriberTopics(actor models.Actor) []string {
	if actor.Role == models.RoleDriver {
		if actor.DriverID == "" {
			return nil
		}
		return []string{events.UserTopic(actor.DriverID), events.PendingTopic}
	}
	return []string{events.UserTopic(actor.ID)}
}

// handleWS streams the caller's events. Passengers may add follow=counterpart
// to receive their driver's position, and smooth=true to have it interpolated.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	topics := subscriberTopics(actor)
	if topics == nil {
		s.writeError(w, r, &coordinator.NotFoundError{Kind: "driver", ID: actor.ID})
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before the handshake completes so nothing published after it
	// is missed.
	sub := s.Bus.Subscribe(ctx, topics...)
	defer sub.Close()

	var (
		positions <-chan models.Location
		followErr error
	)
	q := r.URL.Query()
	if q.Get("follow") == "counterpart" {
		positions, followErr = s.Relay.Subscribe(ctx, relay.Filter{Actor: actor})
	}
	smooth := q.Get("smooth") == "true"

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "err", err)
		return
	}
	defer conn.Close()
	sess := &wsSession{conn: conn}

	// Reads only detect the peer going away; a peer that stops answering
	// pings hits the read deadline.
	pongWait := s.PongWait
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	ping := time.NewTicker(pongWait / 2)
	defer ping.Stop()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if followErr != nil {
		sess.Send(wsError{Type: "error", Code: "follow_unavailable", Error: followErr.Error()})
	}

	s.logger.Info("ws_connected", "user_id", actor.ID, "role", actor.Role, "topics", topics)
	defer s.logger.Info("ws_disconnected", "user_id", actor.ID)

	var last *models.Coord
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := sess.Send(ev); err != nil {
				return
			}
		case loc, ok := <-positions:
			if !ok {
				positions = nil
				continue
			}
			if err := s.sendPosition(ctx, sess, loc, last, smooth); err != nil {
				return
			}
			c := loc.Coord()
			last = &c
		}
	}
}

func (s *Server) sendPosition(ctx context.Context, sess *wsSession, loc models.Location, last *models.Coord, smooth bool) error {
	if !smooth || last == nil {
		return sess.Send(locationEvent(loc))
	}
	var sendErr error
	err := geo.Smooth(ctx, *last, loc.Coord(), geo.SmoothSteps, geo.SmoothInterval, func(c models.Coord) {
		if sendErr != nil {
			return
		}
		step := loc
		step.Lat, step.Lng = c.Lat, c.Lng
		sendErr = sess.Send(locationEvent(step))
	})
	if sendErr != nil {
		return sendErr
	}
	return err
}

func locationEvent(loc models.Location) events.Event {
	return events.Event{Type: events.LocationUpdate, Location: &loc, At: loc.UpdatedAt}
}

