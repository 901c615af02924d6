package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Geo is the driver index the matcher searches and the hub keeps current.
type Geo interface {
	Nearby(lat, lon float64, limit int) []models.Driver
	Upsert(d models.Driver)
}

// Index is the in-process Geo used when no Redis is configured. Radius bounds
// the search like GEORADIUS does; zero means unbounded.
type Index struct {
	Radius float64

	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(d models.Driver) {
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	g.mu.Lock()
	g.drivers[d.ID] = d
	g.mu.Unlock()
}

// Nearby returns up to limit online drivers, closest first.
func (g *Index) Nearby(lat, lon float64, limit int) []models.Driver {
	from := models.Coord{Lat: lat, Lon: lon}
	type hit struct {
		d    models.Driver
		dist float64
	}
	g.mu.RLock()
	hits := make([]hit, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		dist := Distance(from, d.Loc)
		if g.Radius > 0 && dist > g.Radius {
			continue
		}
		hits = append(hits, hit{d, dist})
	}
	g.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].d.ID < hits[j].d.ID
	})
	if limit >= 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]models.Driver, len(hits))
	for i, h := range hits {
		out[i] = h.d
	}
	return out
}

const earthRadiusMeters = 6371000.0

// Distance is the great-circle distance between a and b in meters.
func Distance(a, b models.Coord) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
