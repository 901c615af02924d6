package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

const idempotencyHeader = "Idempotency-Key"

// Pinger is anything /ready should check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Matcher *matcher.Service
	Hub     *Hub
	Checks  map[string]Pinger

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the routes. The hub's inbound messages go to m.
func NewServer(m *matcher.Service, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{Matcher: m, Hub: hub, Checks: map[string]Pinger{}, logger: logger, mux: mux.NewRouter()}
	hub.SetMessageHandler(s.handleMessage)
	hub.OnClose(s.handleClose)
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.Hub.ServeWS)

	rides := s.mux.PathPrefix("/rides").Subrouter()
	rides.Use(s.authMiddleware)
	rides.HandleFunc("/request", s.handleRideRequest).Methods(http.MethodPost)
	rides.HandleFunc("/current", s.handleCurrentRide).Methods(http.MethodGet)
	rides.HandleFunc("/estimate", s.handleEstimate).Methods(http.MethodGet)
	rides.HandleFunc("/{id}", s.handleGetRide).Methods(http.MethodGet)
	rides.HandleFunc("/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type rideResponse struct {
	Ride *models.Ride `json:"ride"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var rr models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&rr); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := rr.Validate(); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	ride, created, err := s.Matcher.Request(r.Context(), userFromContext(r.Context()), rr, r.Header.Get(idempotencyHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, rideResponse{Ride: ride})
}

func (s *Server) handleCurrentRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Matcher.CurrentRide(r.Context(), userFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rideResponse{Ride: ride})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Matcher.RideFor(r.Context(), userFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rideResponse{Ride: ride})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	user := userFromContext(r.Context())
	ride, err := s.Matcher.RideFor(r.Context(), user, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	by := models.CancelledByRider
	if ride.RiderID != user {
		by = models.CancelledByDriver
	}
	if _, err := s.Matcher.Cancel(r.Context(), ride.ID, by, user, body.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var vals [4]float64
	for i, name := range []string{"pickupLat", "pickupLng", "destLat", "destLng"} {
		v, err := strconv.ParseFloat(q.Get(name), 64)
		if err != nil {
			http.Error(w, "bad or missing "+name, 400)
			return
		}
		vals[i] = v
	}
	from := models.Coord{Lat: vals[0], Lon: vals[1]}
	to := models.Coord{Lat: vals[2], Lon: vals[3]}
	writeJSON(w, http.StatusOK, map[string]any{"estimates": s.Matcher.Estimate(r.Context(), from, to)})
}

// handleDriverLocation takes position pushes from driver backends that do not
// hold a websocket.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if d.ID == "" {
		http.Error(w, "missing driver id", 400)
		return
	}
	at := d.Updated
	if at.IsZero() {
		at = time.Now()
	}
	loc := d.Loc
	d.Loc, d.Updated = models.Coord{}, time.Time{}
	s.Matcher.DriverOnline(d)
	s.Matcher.DriverLocation(r.Context(), d.ID, models.LocationSample{Latitude: loc.Lat, Longitude: loc.Lon, CapturedAt: at})
	w.WriteHeader(204)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, p := range s.Checks {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", name, "error", err)
			http.Error(w, name+" unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, matcher.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, matcher.ErrRideActive), errors.Is(err, matcher.ErrInvalidState):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "error", err)
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
