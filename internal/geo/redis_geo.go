package geo

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// DefaultRadiusMeters bounds the GEORADIUS search for candidate drivers.
const DefaultRadiusMeters = 5000

// RedisGeo implements Geo using Redis GEO commands, with driver metadata in a
// hash per driver. The consumer binary writes the same keys.
type RedisGeo struct {
	client *redis.Client
	key    string
	radius float64
	logger *slog.Logger
}

func NewRedisGeo(addr, password, key string, logger *slog.Logger) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisGeo{client: c, key: key, radius: DefaultRadiusMeters, logger: logger}
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func (r *RedisGeo) Upsert(d models.Driver) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Err(); err != nil {
		r.logger.Warn("redis geoadd failed", "driver_id", d.ID, "error", err)
		return
	}
	if err := r.client.HSet(ctx, MetaKey(d.ID), MetaFields(d)).Err(); err != nil {
		r.logger.Warn("redis hset failed", "driver_id", d.ID, "error", err)
	}
}

func (r *RedisGeo) Nearby(lat, lon float64, limit int) []models.Driver {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: r.radius, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		r.logger.Warn("redis georadius failed", "error", err)
		return nil
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		applyMeta(&d, m)
		if !d.Online {
			continue
		}
		out = append(out, d)
	}
	return out
}

func MetaKey(id string) string { return "driver:meta:" + id }

// MetaFields is the hash stored next to each driver's position.
func MetaFields(d models.Driver) map[string]interface{} {
	updated := d.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	return map[string]interface{}{
		"rating":  strconv.FormatFloat(d.Rating, 'f', 2, 64),
		"online":  strconv.FormatBool(d.Online),
		"name":    d.DisplayName,
		"vehicle": d.Vehicle,
		"updated": updated.Format(time.RFC3339Nano),
	}
}

func applyMeta(d *models.Driver, m map[string]string) {
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	d.Online = m["online"] == "true"
	d.DisplayName = m["name"]
	d.Vehicle = m["vehicle"]
	if t, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		d.Updated = t
	}
}
