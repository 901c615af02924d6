package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// TripStore is the matching server's ride persistence.
type TripStore interface {
	// CreateRide inserts r unless a ride with the same idempotency key exists,
	// in which case that ride is returned and created is false.
	CreateRide(ctx context.Context, r *models.Ride, idempotencyKey string) (ride *models.Ride, created bool, err error)
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	RideByKey(ctx context.Context, idempotencyKey string) (*models.Ride, error)
	// CurrentRide returns the rider's newest non-terminal ride, or nil.
	CurrentRide(ctx context.Context, riderID string) (*models.Ride, error)
	// UpdateRide applies fn atomically. If fn fails nothing is written.
	UpdateRide(ctx context.Context, id string, fn func(r *models.Ride) error) (*models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
	keys  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride), keys: make(map[string]string)}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride, key string) (*models.Ride, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key != "" {
		if id, ok := m.keys[key]; ok {
			return m.rides[id].Clone(), false, nil
		}
		m.keys[key] = r.ID
	}
	m.rides[r.ID] = r.Clone()
	return r.Clone(), true, nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) RideByKey(_ context.Context, key string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keys[key]
	if !ok {
		return nil, ErrNotFound
	}
	return m.rides[id].Clone(), nil
}

func (m *MemoryStore) CurrentRide(_ context.Context, riderID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var active []*models.Ride
	for _, r := range m.rides {
		if r.RiderID == riderID && !r.State.Terminal() {
			active = append(active, r)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.After(active[j].CreatedAt) })
	return active[0].Clone(), nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, id string, fn func(r *models.Ride) error) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	m.rides[id] = next
	return next.Clone(), nil
}
