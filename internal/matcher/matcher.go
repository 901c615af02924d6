// Package matcher is the server half of dispatch: it creates rides, offers
// them to nearby drivers one at a time, and moves each ride through its
// lifecycle as riders and drivers report in.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrInvalidState = errors.New("ride state does not allow this")
	ErrRideActive   = errors.New("rider already has an active ride")
	ErrNoOffer      = errors.New("no outstanding offer for this driver")
	ErrForbidden    = errors.New("not a participant in this ride")
)

const (
	DefaultOfferTimeout    = 15 * time.Second
	DefaultCancellationFee = 5.0
	noDriversReason        = "no drivers available nearby"
)

type Geo interface {
	Nearby(lat, lon float64, limit int) []models.Driver
	Upsert(d models.Driver)
}

// Notifier pushes a named event to everyone in a room.
type Notifier interface {
	Notify(room, event string, payload any) error
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

type Service struct {
	Geo             Geo
	Notify          Notifier
	Store           storage.TripStore
	Fares           *eta.Estimator
	Payments        payments.Processor // optional
	Locations       LocationPublisher  // optional
	DefaultSpeedMps float64
	TopN            int
	ETAClient       eta.Client // optional OSRM or Google Maps client
	ETACache        *eta.Cache // optional ETA cache
	OfferTimeout    time.Duration
	CancellationFee float64
	Currency        string
	Clock           clock.Clock
	Logger          *slog.Logger

	once     sync.Once
	mu       sync.Mutex
	searches map[string]*search
	busy     map[string]string // driver id -> ride id
	holds    map[string]string // ride id -> payment hold id
	drivers  map[string]models.Driver
}

type search struct {
	offeredTo string
	replies   chan bool
	stop      chan struct{}
}

type candidate struct {
	d      models.Driver
	etaSec float64
	cost   float64
}

func (s *Service) init() {
	s.once.Do(func() {
		if s.TopN <= 0 {
			s.TopN = 10
		}
		if s.OfferTimeout <= 0 {
			s.OfferTimeout = DefaultOfferTimeout
		}
		if s.CancellationFee == 0 {
			s.CancellationFee = DefaultCancellationFee
		}
		if s.Currency == "" {
			s.Currency = "usd"
		}
		if s.Clock == nil {
			s.Clock = clock.Real()
		}
		if s.Logger == nil {
			s.Logger = slog.New(slog.DiscardHandler)
		}
		if s.Fares == nil {
			s.Fares = &eta.Estimator{SpeedMps: s.DefaultSpeedMps}
		}
		s.searches = make(map[string]*search)
		s.busy = make(map[string]string)
		s.holds = make(map[string]string)
		s.drivers = make(map[string]models.Driver)
	})
}

// Request creates a ride for riderID and starts dispatching it. A repeated
// idempotency key returns the ride the first request created.
func (s *Service) Request(ctx context.Context, riderID string, req models.RideRequest, key string) (*models.Ride, bool, error) {
	s.init()
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	if key != "" {
		existing, err := s.Store.RideByKey(ctx, key)
		if err == nil {
			if existing.RiderID != riderID {
				return nil, false, ErrForbidden
			}
			return existing, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, false, err
		}
	}
	cur, err := s.Store.CurrentRide(ctx, riderID)
	if err != nil {
		return nil, false, err
	}
	if cur != nil {
		return nil, false, ErrRideActive
	}

	est := s.Fares.EstimateClass(ctx, req.VehicleClass, req.Pickup.Coord, req.Destination.Coord)
	ride := &models.Ride{
		ID:              uuid.NewString(),
		RiderID:         riderID,
		State:           models.StateSearching,
		Pickup:          req.Pickup,
		Destination:     req.Destination,
		VehicleClass:    req.VehicleClass,
		PaymentMethodID: req.PaymentMethodID,
		Preferences:     req.Preferences,
		EstimatedFare:   est.Fare,
		CreatedAt:       s.Clock.Now(),
	}
	got, created, err := s.Store.CreateRide(ctx, ride, key)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.Logger.Info("ride requested", "ride_id", got.ID, "rider_id", riderID, "vehicle_class", got.VehicleClass, "fare", got.EstimatedFare)
		s.hold(ctx, got)
		go s.Dispatch(context.Background(), got.ID)
	}
	return got, created, nil
}

// Dispatch offers the ride to the best-ranked free driver, waits up to
// OfferTimeout for an answer, and moves down the list on decline or silence.
// It returns when a driver accepts, the list runs out, or the ride leaves
// searching.
func (s *Service) Dispatch(ctx context.Context, rideID string) {
	s.init()
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		s.Logger.Error("dispatch: load ride", "ride_id", rideID, "error", err)
		return
	}
	if ride.State != models.StateSearching {
		return
	}
	sr := s.startSearch(rideID)
	defer s.endSearch(rideID)

	riderRoom := events.Room(events.UserRider, ride.RiderID)
	s.push(riderRoom, events.NameFindingDriver, events.FindingDriver{RideID: rideID, Message: "Finding your driver"})

	tried := make(map[string]bool)
	for {
		if cur, err := s.Store.GetRide(ctx, rideID); err != nil || cur.State != models.StateSearching {
			return
		}
		cands := s.rank(ride.Pickup.Coord, tried)
		if len(cands) == 0 {
			break
		}
		c := cands[0]
		tried[c.d.ID] = true
		if !s.reserve(c.d.ID, rideID) {
			continue
		}
		offer := models.MatchOffer{
			RideID:      rideID,
			DriverID:    c.d.ID,
			ETA:         c.etaSec,
			Cost:        c.cost,
			Pickup:      ride.Pickup,
			Destination: ride.Destination,
			Fare:        ride.EstimatedFare,
		}
		s.setOffer(sr, c.d.ID)
		if err := s.Notify.Notify(events.Room(events.UserDriver, c.d.ID), events.NameRideOffer, offer); err != nil {
			observability.OffersTotal.WithLabelValues("undeliverable").Inc()
			s.Logger.Warn("offer not delivered", "ride_id", rideID, "driver_id", c.d.ID, "error", err)
			s.setOffer(sr, "")
			s.release(c.d.ID, rideID)
			continue
		}
		s.Logger.Info("ride offered", "ride_id", rideID, "driver_id", c.d.ID, "eta_seconds", c.etaSec)

		switch s.await(ctx, sr) {
		case outcomeAccepted:
			observability.OffersTotal.WithLabelValues("accepted").Inc()
			if !s.assign(ctx, ride, c) {
				s.release(c.d.ID, rideID)
			}
			return
		case outcomeDeclined:
			observability.OffersTotal.WithLabelValues("declined").Inc()
			s.release(c.d.ID, rideID)
		case outcomeExpired:
			observability.OffersTotal.WithLabelValues("expired").Inc()
			s.Logger.Info("offer expired", "ride_id", rideID, "driver_id", c.d.ID)
			s.release(c.d.ID, rideID)
		default:
			s.release(c.d.ID, rideID)
			return
		}
	}

	now := s.Clock.Now()
	updated, err := s.Store.UpdateRide(ctx, rideID, func(r *models.Ride) error {
		if r.State != models.StateSearching {
			return ErrInvalidState
		}
		refund := r.EstimatedFare
		r.State = models.StateNoDrivers
		r.NoDriversReason = noDriversReason
		r.Cancellation = &models.Cancellation{CancelledBy: models.CancelledBySystem, Reason: noDriversReason, RefundAmount: &refund}
		r.CancelledAt = &now
		return nil
	})
	if err != nil {
		return
	}
	observability.NoDriversTotal.Inc()
	s.Logger.Info("no drivers for ride", "ride_id", rideID)
	s.releaseHold(ctx, updated, 0)
	s.push(riderRoom, events.NameNoDriversAvailable, events.NoDriversAvailable{RideID: rideID, Reason: noDriversReason})
}

// Accept answers the outstanding offer for rideID. Late answers, after the
// offer expired or moved on, get ErrNoOffer.
func (s *Service) Accept(_ context.Context, driverID, rideID string) error {
	return s.answer(driverID, rideID, true)
}

func (s *Service) Decline(_ context.Context, driverID, rideID string) error {
	return s.answer(driverID, rideID, false)
}

// replies has room for one answer and offeredTo is cleared when it is
// taken, so the send under mu never blocks.
func (s *Service) answer(driverID, rideID string, accept bool) error {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.searches[rideID]
	if !ok || sr.offeredTo != driverID {
		return ErrNoOffer
	}
	sr.offeredTo = ""
	sr.replies <- accept
	return nil
}

type outcome int

const (
	outcomeAccepted outcome = iota
	outcomeDeclined
	outcomeExpired
	outcomeStopped
)

func (s *Service) await(ctx context.Context, sr *search) outcome {
	select {
	case ok := <-sr.replies:
		return replyOutcome(ok)
	case <-s.Clock.After(s.OfferTimeout):
		s.mu.Lock()
		defer s.mu.Unlock()
		if sr.offeredTo == "" {
			// answered just as the offer expired
			return replyOutcome(<-sr.replies)
		}
		sr.offeredTo = ""
		return outcomeExpired
	case <-sr.stop:
		return outcomeStopped
	case <-ctx.Done():
		return outcomeStopped
	}
}

func replyOutcome(accepted bool) outcome {
	if accepted {
		return outcomeAccepted
	}
	return outcomeDeclined
}

func (s *Service) assign(ctx context.Context, ride *models.Ride, c candidate) bool {
	now := s.Clock.Now()
	updated, err := s.Store.UpdateRide(ctx, ride.ID, func(r *models.Ride) error {
		if r.State != models.StateSearching {
			return ErrInvalidState
		}
		r.State = models.StateAssigned
		r.AssignedDriver = c.d.Snapshot()
		r.AcceptedAt = &now
		return nil
	})
	if err != nil {
		s.Logger.Warn("assign failed", "ride_id", ride.ID, "driver_id", c.d.ID, "error", err)
		return false
	}
	observability.MatchesTotal.Inc()
	observability.MatchLatency.Observe(now.Sub(ride.CreatedAt).Seconds())
	s.Logger.Info("ride assigned", "ride_id", ride.ID, "driver_id", c.d.ID)

	ev := events.RideAccepted{
		RideID:      ride.ID,
		Driver:      *updated.AssignedDriver,
		ETASeconds:  c.etaSec,
		Pickup:      updated.Pickup,
		Destination: updated.Destination,
	}
	s.push(events.Room(events.UserRider, updated.RiderID), events.NameRideAccepted, ev)
	s.push(events.Room(events.UserDriver, c.d.ID), events.NameRideAccepted, ev)
	return true
}

// rank scores nearby drivers not yet tried: cost = eta + 30·(5 − rating).
func (s *Service) rank(pickup models.Coord, exclude map[string]bool) []candidate {
	cands := s.Geo.Nearby(pickup.Lat, pickup.Lon, s.TopN)
	out := make([]candidate, 0, len(cands))
	for _, d := range cands {
		if exclude[d.ID] || !d.Online {
			continue
		}
		etaSec := eta.Lookup(d.Loc, pickup, s.ETAClient, s.ETACache, s.DefaultSpeedMps)
		cost := etaSec + 30.0*(5.0-d.Rating)
		out = append(out, candidate{d, etaSec, cost})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cost < out[j].cost })
	return out
}

func (s *Service) startSearch(rideID string) *search {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr := &search{replies: make(chan bool, 1), stop: make(chan struct{})}
	s.searches[rideID] = sr
	return sr
}

func (s *Service) endSearch(rideID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.searches, rideID)
}

// stopSearch ends an in-flight Dispatch for rideID, if any.
func (s *Service) stopSearch(rideID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.searches[rideID]; ok {
		delete(s.searches, rideID)
		close(sr.stop)
	}
}

func (s *Service) setOffer(sr *search, driverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr.offeredTo = driverID
}

// reserve marks the driver busy with rideID unless another ride holds them.
func (s *Service) reserve(driverID, rideID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.busy[driverID]; ok && cur != rideID {
		return false
	}
	s.busy[driverID] = rideID
	return true
}

func (s *Service) release(driverID, rideID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[driverID] == rideID {
		delete(s.busy, driverID)
	}
}

// ActiveRide returns the ride a driver is reserved for.
func (s *Service) ActiveRide(driverID string) (string, bool) {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.busy[driverID]
	return id, ok
}

func (s *Service) push(room, event string, payload any) {
	if err := s.Notify.Notify(room, event, payload); err != nil {
		s.Logger.Debug("push not delivered", "room", room, "event", event, "error", err)
	}
}

func (s *Service) hold(ctx context.Context, r *models.Ride) {
	if s.Payments == nil {
		return
	}
	id, err := s.Payments.Hold(ctx, payments.Cents(r.EstimatedFare), s.Currency, r.PaymentMethodID)
	if err != nil {
		s.Logger.Warn("payment hold failed", "ride_id", r.ID, "error", err)
		return
	}
	s.mu.Lock()
	s.holds[r.ID] = id
	s.mu.Unlock()
}

// releaseHold captures charge (in currency units) from the hold, or cancels
// it when charge is zero.
func (s *Service) releaseHold(ctx context.Context, r *models.Ride, charge float64) {
	if s.Payments == nil {
		return
	}
	s.mu.Lock()
	id, ok := s.holds[r.ID]
	delete(s.holds, r.ID)
	s.mu.Unlock()
	if !ok {
		return
	}
	var err error
	if charge > 0 {
		err = s.Payments.Capture(ctx, id, payments.Cents(charge))
	} else {
		err = s.Payments.Cancel(ctx, id)
	}
	if err != nil {
		s.Logger.Warn("payment settle failed", "ride_id", r.ID, "charge", charge, "error", err)
	}
}
