package eta

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/models"
)

// GoogleMapsClient routes through the Directions API. It stands in for OSRM
// when an API key is configured.
type GoogleMapsClient struct {
	client  *maps.Client
	timeout time.Duration
}

func NewGoogleMapsClient(apiKey string) (*GoogleMapsClient, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleMapsClient{client: client, timeout: 3 * time.Second}, nil
}

func (g *GoogleMapsClient) EstimateSeconds(from, to models.Coord) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	_, secs, err := g.Route(ctx, from, to)
	return secs, err
}

func (g *GoogleMapsClient) Route(ctx context.Context, from, to models.Coord) (float64, float64, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return 0, 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, 0, fmt.Errorf("no route found")
	}
	leg := routes[0].Legs[0]
	return float64(leg.Distance.Meters), leg.Duration.Seconds(), nil
}

func latLng(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}
