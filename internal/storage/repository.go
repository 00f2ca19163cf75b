package storage

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrDuplicateOrder    = errors.New("order already exists")
	// ErrDriverBusy is returned by ConditionalAccept when the driver already
	// holds another accepted order.
	ErrDriverBusy = errors.New("driver already has an accepted order")
)

// OrderRepository persists orders. The only write that can move an order
// out of pending towards a driver is ConditionalAccept, and it must be a
// single atomic compare-and-set.
type OrderRepository interface {
	CreatePending(ctx context.Context, o *models.Order) error
	Get(ctx context.Context, id string) (*models.Order, error)
	// ConditionalAccept assigns driverID iff the order is still pending with
	// no driver. It reports false, nil when another writer got there first,
	// the order left pending, or the order does not exist.
	ConditionalAccept(ctx context.Context, orderID, driverID string) (bool, error)
	// SetStatus moves the order to status when models.CanTransition allows
	// it and returns the order as it was before the write. Cancelling clears
	// the driver assignment.
	SetStatus(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error)
	FindPendingOrders(ctx context.Context) ([]models.Order, error)
	FindAcceptedByDriver(ctx context.Context, driverID string) (*models.Order, error)
}
