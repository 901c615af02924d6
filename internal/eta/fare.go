package eta

import (
	"context"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// Rate prices one vehicle class. Fare = (Base + km·PerKm + min·PerMinute),
// never below Minimum.
type Rate struct {
	Base      float64
	PerKm     float64
	PerMinute float64
	Minimum   float64
}

var DefaultRates = map[models.VehicleClass]Rate{
	models.VehicleEconomy:  {Base: 2.00, PerKm: 0.95, PerMinute: 0.22, Minimum: 5},
	models.VehicleStandard: {Base: 2.50, PerKm: 1.20, PerMinute: 0.30, Minimum: 6},
	models.VehicleXL:       {Base: 3.50, PerKm: 1.80, PerMinute: 0.40, Minimum: 9},
	models.VehiclePremium:  {Base: 5.00, PerKm: 2.60, PerMinute: 0.55, Minimum: 14},
}

// Estimator prices a trip for every vehicle class. With no Router it falls
// back to straight-line distance at SpeedMps.
type Estimator struct {
	Router   Router
	SpeedMps float64
	Rates    map[models.VehicleClass]Rate
}

func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) []models.Estimate {
	meters, secs := e.route(ctx, from, to)
	out := make([]models.Estimate, 0, len(models.VehicleClasses))
	for _, vc := range models.VehicleClasses {
		out = append(out, models.Estimate{
			VehicleClass:    vc,
			Fare:            e.Fare(vc, meters, secs),
			DistanceMeters:  meters,
			DurationSeconds: secs,
		})
	}
	return out
}

// EstimateClass prices one class.
func (e *Estimator) EstimateClass(ctx context.Context, vc models.VehicleClass, from, to models.Coord) models.Estimate {
	meters, secs := e.route(ctx, from, to)
	return models.Estimate{VehicleClass: vc, Fare: e.Fare(vc, meters, secs), DistanceMeters: meters, DurationSeconds: secs}
}

func (e *Estimator) Fare(vc models.VehicleClass, meters, secs float64) float64 {
	rates := e.Rates
	if rates == nil {
		rates = DefaultRates
	}
	r, ok := rates[vc]
	if !ok {
		r = rates[models.VehicleStandard]
	}
	fare := r.Base + meters/1000*r.PerKm + secs/60*r.PerMinute
	if fare < r.Minimum {
		fare = r.Minimum
	}
	return math.Round(fare*100) / 100
}

func (e *Estimator) route(ctx context.Context, from, to models.Coord) (float64, float64) {
	if e.Router != nil {
		if m, s, err := e.Router.Route(ctx, from, to); err == nil {
			return m, s
		}
	}
	return DistanceMeters(from, to), EstimateSeconds(from, to, e.SpeedMps)
}
