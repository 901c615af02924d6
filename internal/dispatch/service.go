// Package dispatch is the REST half of the dispatch protocol: it creates and
// cancels rides and fetches the server's view of the current ride.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

const IdempotencyHeader = "Idempotency-Key"

// TokenSource hands out the caller's bearer token. Authentication itself is
// an external collaborator; implementations may refresh under the hood.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// APIError is a non-2xx response from the dispatch server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dispatch api: %d %s", e.Status, e.Message)
}

type Service struct {
	baseURL string
	client  *http.Client
	tokens  TokenSource
	logger  *slog.Logger
}

func NewService(baseURL string, tokens TokenSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		tokens:  tokens,
		logger:  logger.With("component", "dispatch"),
	}
}

// WithHTTPClient swaps the transport, mostly for tests.
func (s *Service) WithHTTPClient(c *http.Client) *Service {
	s.client = c
	return s
}

// NewIdempotencyKey returns a key for one ride request. A resend of that
// request with the same key gets the same ride back; the machine's Retry is a
// new request and mints a new key.
func NewIdempotencyKey() string { return uuid.NewString() }

type requestBody struct {
	Pickup          models.Place        `json:"pickup"`
	Destination     models.Place        `json:"destination"`
	VehicleClass    models.VehicleClass `json:"vehicleClass"`
	PaymentMethodID string              `json:"paymentMethodId,omitempty"`
	Preferences     []string            `json:"preferences"`
}

type rideEnvelope struct {
	Ride *models.Ride `json:"ride"`
}

// RequestRide issues POST /rides/request exactly once. The caller must not
// resubmit while it is outstanding.
func (s *Service) RequestRide(ctx context.Context, req models.RideRequest, idempotencyKey string) (models.Ride, error) {
	body := requestBody{
		Pickup:          req.Pickup,
		Destination:     req.Destination,
		VehicleClass:    req.VehicleClass,
		PaymentMethodID: req.PaymentMethodID,
		Preferences:     req.Preferences,
	}
	if body.Preferences == nil {
		body.Preferences = []string{}
	}
	var out rideEnvelope
	hdr := http.Header{}
	if idempotencyKey != "" {
		hdr.Set(IdempotencyHeader, idempotencyKey)
	}
	if err := s.do(ctx, http.MethodPost, "/rides/request", hdr, body, &out); err != nil {
		return models.Ride{}, err
	}
	if out.Ride == nil || out.Ride.ID == "" {
		return models.Ride{}, fmt.Errorf("request ride: response carried no ride id")
	}
	return *out.Ride, nil
}

// CancelRide forwards the reason; the server decides any fee and reports the
// refund through the ride-cancelled event, not here.
func (s *Service) CancelRide(ctx context.Context, rideID, reason string) error {
	path := "/rides/" + url.PathEscape(rideID) + "/cancel"
	return s.do(ctx, http.MethodPost, path, nil, map[string]string{"reason": reason}, nil)
}

// CurrentRide returns the server's active ride for the caller, or nil.
func (s *Service) CurrentRide(ctx context.Context) (*models.Ride, error) {
	var out rideEnvelope
	if err := s.do(ctx, http.MethodGet, "/rides/current", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Ride, nil
}

// GetRide fetches one ride by id. Resync uses it to learn how a ride that is
// no longer current ended.
func (s *Service) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	var out rideEnvelope
	if err := s.do(ctx, http.MethodGet, "/rides/"+url.PathEscape(rideID), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Ride, nil
}

func (s *Service) Estimate(ctx context.Context, pickup, destination models.Coord) ([]models.Estimate, error) {
	q := url.Values{}
	q.Set("pickupLat", strconv.FormatFloat(pickup.Lat, 'f', 6, 64))
	q.Set("pickupLng", strconv.FormatFloat(pickup.Lon, 'f', 6, 64))
	q.Set("destLat", strconv.FormatFloat(destination.Lat, 'f', 6, 64))
	q.Set("destLng", strconv.FormatFloat(destination.Lon, 'f', 6, 64))
	var out struct {
		Estimates []models.Estimate `json:"estimates"`
	}
	if err := s.do(ctx, http.MethodGet, "/rides/estimate?"+q.Encode(), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Estimates, nil
}

func (s *Service) do(ctx context.Context, method, path string, hdr http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.tokens != nil {
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error("dispatch request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	s.logger.Debug("dispatch request", "method", method, "path", path, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
