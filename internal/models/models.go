package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Role string

const (
	RoleDriver   Role = "driver"
	RoleCustomer Role = "customer"
)

func (r Role) Valid() bool { return r == RoleDriver || r == RoleCustomer }

// Identity is what the gateway knows about a caller once its credential
// has been verified.
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusAccepted  OrderStatus = "accepted"
	StatusCancelled OrderStatus = "cancelled"
	StatusCompleted OrderStatus = "completed"
)

// allowedTransitions excludes pending->accepted on purpose: that edge is
// only ever taken through the repository's conditional accept.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:  {StatusCancelled},
	StatusAccepted: {StatusCancelled, StatusCompleted},
}

// CanTransition reports whether a plain status write from -> to is legal.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Predecessors lists the statuses a plain status write to `to` may start from.
func Predecessors(to OrderStatus) []OrderStatus {
	var out []OrderStatus
	for _, from := range []OrderStatus{StatusPending, StatusAccepted, StatusCancelled, StatusCompleted} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

type Pickup struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

type Order struct {
	ID            string      `json:"id"`
	CustomerID    string      `json:"customer_id"`
	DriverID      *string     `json:"driver_id"`
	DestinationID string      `json:"destination_id"`
	Pickup        Pickup      `json:"pickup_location"`
	Status        OrderStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Driver returns the assigned driver id or "" when unassigned.
func (o *Order) Driver() string {
	if o == nil || o.DriverID == nil {
		return ""
	}
	return *o.DriverID
}

// Involves reports whether userID is the order's customer or assigned driver.
func (o *Order) Involves(userID string) bool {
	return userID != "" && (o.CustomerID == userID || o.Driver() == userID)
}

// LocationSample is the canonical location payload on both driver location
// channels and on the wire to clients.
type LocationSample struct {
	DriverID  string    `json:"driver_id"`
	OrderID   string    `json:"order_id,omitempty"`
	Latitude  float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Heading   float64   `json:"heading"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

// Active reports whether the sample is tagged to an accepted order.
func (s LocationSample) Active() bool { return s.OrderID != "" }

// StatusChange is published whenever an order leaves pending.
type StatusChange struct {
	OrderID  string      `json:"order_id"`
	Status   OrderStatus `json:"status"`
	DriverID string      `json:"driver_id,omitempty"`
	At       time.Time   `json:"at"`
}
