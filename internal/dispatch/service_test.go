package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/models"
)

func TestRequestRideSendsKeyAndToken(t *testing.T) {
	var gotKey, gotAuth string
	var gotBody requestBody
	r := mux.NewRouter()
	r.HandleFunc("/rides/request", func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(IdempotencyHeader)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"ride": models.Ride{ID: "r1", State: models.StateSearching, EstimatedFare: 12.5}})
	}).Methods(http.MethodPost)
	srv := httptest.NewServer(r)
	defer srv.Close()

	s := NewService(srv.URL, StaticToken("rider-1"), nil)
	req := models.RideRequest{
		Pickup:       models.Place{Coord: models.Coord{Lat: 36.10, Lon: -94.15}},
		Destination:  models.Place{Coord: models.Coord{Lat: 36.37, Lon: -94.20}},
		VehicleClass: models.VehicleStandard,
	}
	ride, err := s.RequestRide(context.Background(), req, "key-1")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if ride.ID != "r1" || ride.EstimatedFare != 12.5 {
		t.Fatalf("unexpected ride %+v", ride)
	}
	if gotKey != "key-1" || gotAuth != "Bearer rider-1" {
		t.Fatalf("headers not forwarded: key=%q auth=%q", gotKey, gotAuth)
	}
	if gotBody.VehicleClass != models.VehicleStandard || gotBody.Preferences == nil {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestCancelRideSurfacesAPIError(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/rides/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["id"] != "r1" {
			t.Errorf("unexpected id %q", mux.Vars(r)["id"])
		}
		http.Error(w, "cannot cancel, trip underway", http.StatusConflict)
	}).Methods(http.MethodPost)
	srv := httptest.NewServer(r)
	defer srv.Close()

	err := NewService(srv.URL, nil, nil).CancelRide(context.Background(), "r1", "changed plans")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("expected 409 APIError, got %v", err)
	}
}

func TestCurrentRideNull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ride":null}`))
	}))
	defer srv.Close()

	ride, err := NewService(srv.URL, nil, nil).CurrentRide(context.Background())
	if err != nil || ride != nil {
		t.Fatalf("expected nil ride, got %+v err=%v", ride, err)
	}
}

func TestEstimate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pickupLat") != "36.100000" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"estimates":[{"vehicleClass":"economy","fare":9.5}]}`))
	}))
	defer srv.Close()

	est, err := NewService(srv.URL, nil, nil).Estimate(context.Background(), models.Coord{Lat: 36.1, Lon: -94.15}, models.Coord{Lat: 36.37, Lon: -94.2})
	if err != nil || len(est) != 1 || est[0].VehicleClass != models.VehicleEconomy {
		t.Fatalf("unexpected estimates %+v err=%v", est, err)
	}
}

func TestIdempotencyKeysAreUnique(t *testing.T) {
	if NewIdempotencyKey() == NewIdempotencyKey() {
		t.Fatalf("keys must differ per logical request")
	}
}
