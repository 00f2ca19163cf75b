package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*models.Order), now: time.Now}
}

func clone(o *models.Order) *models.Order {
	c := *o
	if o.DriverID != nil {
		d := *o.DriverID
		c.DriverID = &d
	}
	return &c
}

func (m *MemoryStore) CreatePending(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("create order %s: %w", o.ID, ErrDuplicateOrder)
	}
	now := m.now().UTC()
	o.Status = models.StatusPending
	o.DriverID = nil
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	m.orders[o.ID] = clone(o)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(o), nil
}

func (m *MemoryStore) ConditionalAccept(_ context.Context, orderID, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != models.StatusPending || o.DriverID != nil {
		return false, nil
	}
	for _, other := range m.orders {
		if other.Status == models.StatusAccepted && other.Driver() == driverID {
			return false, ErrDriverBusy
		}
	}
	d := driverID
	o.DriverID = &d
	o.Status = models.StatusAccepted
	o.UpdatedAt = m.now().UTC()
	return true, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, orderID string, status models.OrderStatus) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	if !models.CanTransition(o.Status, status) {
		return nil, fmt.Errorf("%s -> %s: %w", o.Status, status, ErrInvalidTransition)
	}
	prior := clone(o)
	o.Status = status
	if status == models.StatusCancelled {
		o.DriverID = nil
	}
	o.UpdatedAt = m.now().UTC()
	return prior, nil
}

func (m *MemoryStore) FindPendingOrders(_ context.Context) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.Status == models.StatusPending {
			out = append(out, *clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) FindAcceptedByDriver(_ context.Context, driverID string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.Status == models.StatusAccepted && o.Driver() == driverID {
			return clone(o), nil
		}
	}
	return nil, ErrNotFound
}
