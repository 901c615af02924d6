package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// HistoryStore is the client's durable storage: finished rides and rides
// scheduled for later, keyed by id. In-flight state never lands here.
type HistoryStore interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRides(ctx context.Context) ([]*models.Ride, error)

	SaveScheduled(ctx context.Context, s models.ScheduledRide) error
	ListScheduled(ctx context.Context) ([]models.ScheduledRide, error)
	DeleteScheduled(ctx context.Context, id string) error
}

type MemoryHistory struct {
	mu        sync.RWMutex
	rides     map[string]*models.Ride
	scheduled map[string]models.ScheduledRide
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{rides: make(map[string]*models.Ride), scheduled: make(map[string]models.ScheduledRide)}
}

func (m *MemoryHistory) SaveRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryHistory) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryHistory) ListRides(_ context.Context) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0, len(m.rides))
	for _, r := range m.rides {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryHistory) SaveScheduled(_ context.Context, s models.ScheduledRide) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled[s.ID] = s
	return nil
}

func (m *MemoryHistory) ListScheduled(_ context.Context) ([]models.ScheduledRide, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ScheduledRide, 0, len(m.scheduled))
	for _, s := range m.scheduled {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (m *MemoryHistory) DeleteScheduled(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scheduled[id]; !ok {
		return ErrNotFound
	}
	delete(m.scheduled, id)
	return nil
}
