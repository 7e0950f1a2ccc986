package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/delivery-dispatch/internal/models"
)

var (
	ErrNotFound        = errors.New("storage: order not found")
	ErrVersionConflict = errors.New("storage: version conflict")
	ErrDuplicate       = errors.New("storage: order already exists")
)

// OrderStore defines persistence operations for orders. SaveOrder must only
// succeed when the stored version equals expectedVersion.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *models.Order) error
	LoadOrder(ctx context.Context, id string) (*models.Order, error)
	SaveOrder(ctx context.Context, o *models.Order, expectedVersion int64) error
	ListByDriver(ctx context.Context, driverID string, statuses ...models.Status) ([]*models.Order, error)
	ListByStatus(ctx context.Context, status models.Status) ([]*models.Order, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*models.Order)}
}

func (m *MemoryStore) CreateOrder(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrDuplicate
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) LoadOrder(_ context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) SaveOrder(_ context.Context, o *models.Order, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) ListByDriver(_ context.Context, driverID string, statuses ...models.Status) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.Driver() != driverID || !statusIn(o.Status, statuses) {
			continue
		}
		out = append(out, o.Clone())
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status models.Status) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.Status == status {
			out = append(out, o.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func statusIn(s models.Status, set []models.Status) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func sortByCreated(orders []*models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
