package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient performs route/eta lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (o *OSRMClient) EstimateSeconds(from, to models.Coord) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.Client.Timeout)
	defer cancel()
	_, secs, err := o.Route(ctx, from, to)
	return secs, err
}

// Route queries /route/v1/driving/{lon1},{lat1};{lon2},{lat2}.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (float64, float64, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, 0, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, 0, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return out.Routes[0].Distance, out.Routes[0].Duration, nil
}
