package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-coordinator/internal/auth"
	"github.com/example/ride-coordinator/internal/coordinator"
	"github.com/example/ride-coordinator/internal/eta"
	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/registry"
	"github.com/example/ride-coordinator/internal/relay"
)

type Server struct {
	Coordinator    *coordinator.Service
	Registry       *registry.Service
	Relay          *relay.Service
	Bus            relay.Bus
	Auth           *auth.Verifier
	ETA            *eta.Estimator
	Ready          func(ctx context.Context) error
	NearbyRadiusKm float64
	PongWait       time.Duration

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires routes and middleware onto s.
func NewServer(s *Server, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if s.NearbyRadiusKm <= 0 {
		s.NearbyRadiusKm = 5
	}
	if s.PongWait <= 0 {
		s.PongWait = 60 * time.Second
	}
	s.logger = logger
	s.mux = mux.NewRouter()
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.Handle("/ws", s.authenticate(http.HandlerFunc(s.handleWS)))

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/quotes", s.handleQuote).Methods("POST")

	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/pending", s.handlePending).Methods("GET")
	api.HandleFunc("/rides/active", s.handleActive).Methods("GET")
	api.HandleFunc("/rides/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/rides/{id}/reject", s.rideAction(s.Coordinator.RejectRequest)).Methods("POST")
	api.HandleFunc("/rides/{id}/dismiss", s.rideAction(s.Coordinator.DismissRequest)).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.rideAction(s.Coordinator.CancelRequest)).Methods("POST")
	api.HandleFunc("/rides/{id}/status", s.handleAdvance).Methods("POST")

	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods("POST")
	api.HandleFunc("/drivers/me/online", s.handleSetOnline).Methods("PUT")
	api.HandleFunc("/drivers/me/location", s.handleReportLocation).Methods("POST")
	api.HandleFunc("/drivers/me/earnings", s.handleEarnings).Methods("GET")
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods("GET")

	api.HandleFunc("/trips/{id}/rating", s.handleRateTrip).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ready(ctx); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

type quoteRequest struct {
	Pickup      models.Coord `json:"pickup"`
	Destination models.Coord `json:"destination"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !geo.ValidCoord(req.Pickup) || !geo.ValidCoord(req.Destination) {
		s.writeError(w, r, &coordinator.ValidationError{Field: "coord", Reason: "coordinates out of range"})
		return
	}
	q := geo.Quote(req.Pickup, req.Destination)
	if s.ETA != nil {
		q.ETAMinutes = s.ETA.Minutes(r.Context(), req.Pickup, req.Destination)
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in coordinator.CreateInput
	if !s.decode(w, r, &in) {
		return
	}
	ride, err := s.Coordinator.CreateRequest(r.Context(), actorFrom(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	rides, err := s.Coordinator.PendingFor(r.Context(), actorFrom(r.Context()), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rides))
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Coordinator.ActiveFor(r.Context(), actorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rides, err := s.Coordinator.History(r.Context(), actorFrom(r.Context()), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rides))
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Coordinator.Get(r.Context(), mux.Vars(r)["id"], actorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Coordinator.AcceptRequest(r.Context(), mux.Vars(r)["id"], actorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) rideAction(op func(context.Context, string, models.Actor) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context(), mux.Vars(r)["id"], actorFrom(r.Context())); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type advanceRequest struct {
	Status models.RideStatus `json:"status"`
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	ride, err := s.Coordinator.AdvanceStatus(r.Context(), mux.Vars(r)["id"], req.Status, actorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type registerDriverRequest struct {
	CarModel string `json:"car_model"`
	CarColor string `json:"car_color"`
	Plate    string `json:"plate"`
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if actor.Role != models.RoleDriver {
		s.writeError(w, r, coordinator.ErrForbidden)
		return
	}
	var req registerDriverRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.Registry.Register(r.Context(), actor.ID, req.CarModel, req.CarColor, req.Plate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

type onlineRequest struct {
	Online bool `json:"online"`
}

func (s *Server) handleSetOnline(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireDriver(w, r)
	if !ok {
		return
	}
	var req onlineRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.Registry.SetOnline(r.Context(), driverID, req.Online); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type locationRequest struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Heading float64 `json:"heading"`
	Speed   float64 `json:"speed"`
}

func (s *Server) handleReportLocation(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireDriver(w, r)
	if !ok {
		return
	}
	var req locationRequest
	if !s.decode(w, r, &req) {
		return
	}
	loc, err := s.Relay.ReportPosition(r.Context(), driverID, models.Coord{Lat: req.Lat, Lng: req.Lng}, req.Heading, req.Speed)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireDriver(w, r)
	if !ok {
		return
	}
	e, err := s.Registry.Earnings(r.Context(), driverID, time.Now().UTC())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		s.writeError(w, r, &coordinator.ValidationError{Field: "lat/lng", Reason: "must be numbers"})
		return
	}
	radius := s.NearbyRadiusKm
	if v, err := strconv.ParseFloat(q.Get("radius_km"), 64); err == nil && v > 0 {
		radius = v
	}
	n, err := s.Registry.CountNearby(r.Context(), models.Coord{Lat: lat, Lng: lng}, radius)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": n, "radius_km": radius})
}

type ratingRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (s *Server) handleRateTrip(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if !s.decode(w, r, &req) {
		return
	}
	rating, err := s.Registry.RateTrip(r.Context(), mux.Vars(r)["id"], actorFrom(r.Context()), req.Rating, req.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

func (s *Server) requireDriver(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := actorFrom(r.Context())
	if actor.Role != models.RoleDriver {
		s.writeError(w, r, coordinator.ErrForbidden)
		return "", false
	}
	if actor.DriverID == "" {
		s.writeError(w, r, &coordinator.NotFoundError{Kind: "driver", ID: actor.ID})
		return "", false
	}
	return actor.DriverID, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, &coordinator.ValidationError{Field: "body", Reason: err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, coordinator.ErrValidation):
		status, code = http.StatusBadRequest, "validation"
	case errors.Is(err, coordinator.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, coordinator.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, coordinator.ErrIllegalTransition):
		status, code = http.StatusConflict, "illegal_transition"
	case errors.Is(err, auth.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, coordinator.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed", "route", routeTemplate(r), "err", err, "request_id", requestIDFromContext(r.Context()))
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Code: code, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func nonNil(rides []models.RideRequest) []models.RideRequest {
	if rides == nil {
		return []models.RideRequest{}
	}
	return rides
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
