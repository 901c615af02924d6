package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisHistory keeps history in two hashes per user: finished rides and
// scheduled requests, each field keyed by id and holding the JSON document.
type RedisHistory struct {
	client       *redis.Client
	ridesKey     string
	scheduledKey string
}

func NewRedisHistory(addr, password, userID string) *RedisHistory {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisHistoryWithClient(c, userID)
}

func NewRedisHistoryWithClient(c *redis.Client, userID string) *RedisHistory {
	return &RedisHistory{
		client:       c,
		ridesKey:     "history:" + userID + ":rides",
		scheduledKey: "history:" + userID + ":scheduled",
	}
}

func (r *RedisHistory) SaveRide(ctx context.Context, ride *models.Ride) error {
	b, err := json.Marshal(ride)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.ridesKey, ride.ID, b).Err()
}

func (r *RedisHistory) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	v, err := r.client.HGet(ctx, r.ridesKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ride models.Ride
	if err := json.Unmarshal([]byte(v), &ride); err != nil {
		return nil, fmt.Errorf("decode ride %s: %w", id, err)
	}
	return &ride, nil
}

func (r *RedisHistory) ListRides(ctx context.Context) ([]*models.Ride, error) {
	all, err := r.client.HGetAll(ctx, r.ridesKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*models.Ride, 0, len(all))
	for id, v := range all {
		var ride models.Ride
		if err := json.Unmarshal([]byte(v), &ride); err != nil {
			return nil, fmt.Errorf("decode ride %s: %w", id, err)
		}
		out = append(out, &ride)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *RedisHistory) SaveScheduled(ctx context.Context, s models.ScheduledRide) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.scheduledKey, s.ID, b).Err()
}

func (r *RedisHistory) ListScheduled(ctx context.Context) ([]models.ScheduledRide, error) {
	all, err := r.client.HGetAll(ctx, r.scheduledKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.ScheduledRide, 0, len(all))
	for id, v := range all {
		var s models.ScheduledRide
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			return nil, fmt.Errorf("decode scheduled ride %s: %w", id, err)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (r *RedisHistory) DeleteScheduled(ctx context.Context, id string) error {
	n, err := r.client.HDel(ctx, r.scheduledKey, id).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisHistory) Close() error { return r.client.Close() }
