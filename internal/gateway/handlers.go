package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/locationcache"
	"github.com/example/ride-dispatch/internal/models"
)

type orderRequest struct {
	OrderID string `json:"order_id" validate:"required"`
}

type topicRequest struct {
	Topic string `json:"topic" validate:"required"`
}

// locationRequest keeps coordinates as pointers so a missing field is
// told apart from 0.
type locationRequest struct {
	Latitude  *float64   `json:"latitude" validate:"required"`
	Longitude *float64   `json:"longitude" validate:"required"`
	Heading   float64    `json:"heading"`
	Speed     float64    `json:"speed"`
	Timestamp *time.Time `json:"timestamp"`
}

type roomAck struct {
	OrderID  string                 `json:"order_id"`
	Status   models.OrderStatus     `json:"status"`
	DriverID string                 `json:"driver_id,omitempty"`
	Location *models.LocationSample `json:"location,omitempty"`
}

func (g *Gateway) onAcceptOrder(ctx context.Context, c *Conn, data json.RawMessage) (string, any, error) {
	var req orderRequest
	if err := g.decode(data, &req); err != nil {
		return "", nil, err
	}
	order, err := g.dispatcher.AcceptOrder(ctx, req.OrderID, c.Identity)
	if err != nil {
		return "", nil, err
	}
	g.registry.Join(c, OrderTopic(order.ID))
	g.registry.Leave(c, TopicDriverAvailable)
	return "order accepted", order, nil
}

func (g *Gateway) onCancelOrder(ctx context.Context, c *Conn, data json.RawMessage) (string, any, error) {
	var req orderRequest
	if err := g.decode(data, &req); err != nil {
		return "", nil, err
	}
	order, err := g.dispatcher.CancelOrder(ctx, req.OrderID, c.Identity)
	if err != nil {
		return "", nil, err
	}
	return "order cancelled", order, nil
}

func (g *Gateway) onCompleteOrder(ctx context.Context, c *Conn, data json.RawMessage) (string, any, error) {
	var req orderRequest
	if err := g.decode(data, &req); err != nil {
		return "", nil, err
	}
	order, err := g.dispatcher.CompleteOrder(ctx, req.OrderID, c.Identity)
	if err != nil {
		return "", nil, err
	}
	return "order completed", order, nil
}

func (g *Gateway) onUpdateDriverLocation(ctx context.Context, c *Conn, data json.RawMessage) (string, any, error) {
	if c.Identity.Role != models.RoleDriver {
		return "", nil, fmt.Errorf("%w: only drivers report location", dispatch.ErrNotDriver)
	}
	var req locationRequest
	if err := g.decode(data, &req); err != nil {
		return "", nil, err
	}
	sample := models.LocationSample{
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		Heading:   req.Heading,
		Speed:     req.Speed,
	}
	if req.Timestamp != nil {
		sample.Timestamp = req.Timestamp.UTC()
	}

	out, err := g.ingest.Ingest(ctx, c.Identity.UserID, sample)
	if err != nil {
		return "", nil, err
	}
	c.setPosition(out.Latitude, out.Longitude)
	if out.Active() {
		g.registry.Leave(c, TopicDriverAvailable)
		g.registry.Join(c, OrderTopic(out.OrderID))
	} else {
		g.registry.Join(c, TopicDriverAvailable)
	}
	return "location updated", out, nil
}

// onJoinOrderRoom admits only the order's customer and its assigned
// driver. For an accepted order the ack carries the driver's last active
// location so a late watcher has something to draw.
func (g *Gateway) onJoinOrderRoom(ctx context.Context, c *Conn, data json.RawMessage) (string, any, error) {
	var req orderRequest
	if err := g.decode(data, &req); err != nil {
		return "", nil, err
	}
	return g.joinOrderRoom(ctx, c, req.OrderID)
}

func (g *Gateway) joinOrderRoom(ctx context.Context, c *Conn, orderID string) (string, any, error) {
	order, err := g.orders.Get(ctx, orderID)
	if err != nil {
		return "", nil, err
	}
	if !order.Involves(c.Identity.UserID) {
		return "", nil, fmt.Errorf("%w: not a party to order %s", dispatch.ErrForbidden, orderID)
	}
	g.registry.Join(c, OrderTopic(order.ID))

	ack := roomAck{OrderID: order.ID, Status: order.Status, DriverID: order.Driver()}
	if order.Status == models.StatusAccepted && g.locations != nil {
		loc, err := g.locations.Active(ctx, order.Driver())
		switch {
		case err == nil && loc.OrderID == order.ID:
			ack.Location = &loc
		case err != nil && !errors.Is(err, locationcache.ErrMiss):
			c.logger.Warn("read cached location for room join", "order_id", order.ID, "error", err)
		}
	}
	return "joined order room", ack, nil
}

func (g *Gateway) onLeaveOrderRoom(c *Conn, data json.RawMessage) (string, any, error) {
	var req orderRequest
	if err := g.decode(data, &req); err != nil {
		return "", nil, err
	}
	left := g.registry.Leave(c, OrderTopic(req.OrderID))
	return "left order room", map[string]any{"order_id": req.OrderID, "left": left}, nil
}

func (g *Gateway) onJoinTopic(ctx context.Context, c *Conn, data json.RawMessage) (string, any, error) {
	var req topicRequest
	if err := g.decode(data, &req); err != nil {
		return "", nil, err
	}
	switch {
	case req.Topic == TopicDriverAvailable:
	case strings.HasPrefix(req.Topic, "driver:") && len(req.Topic) > len("driver:"):
		// the feed only repeats driver.available, but one driver must not
		// single out another
		if c.Identity.Role == models.RoleDriver && req.Topic != DriverTopic(c.Identity.UserID) {
			return "", nil, fmt.Errorf("%w: %s", errForeignFeed, req.Topic)
		}
	case strings.HasPrefix(req.Topic, "order:") && len(req.Topic) > len("order:"):
		return g.joinOrderRoom(ctx, c, strings.TrimPrefix(req.Topic, "order:"))
	default:
		return "", nil, fmt.Errorf("%w: unknown topic %q", errInvalidPayload, req.Topic)
	}
	joined := g.registry.Join(c, req.Topic)
	return "joined topic", map[string]any{"topic": req.Topic, "joined": joined}, nil
}

func (g *Gateway) onLeaveTopic(c *Conn, data json.RawMessage) (string, any, error) {
	var req topicRequest
	if err := g.decode(data, &req); err != nil {
		return "", nil, err
	}
	left := g.registry.Leave(c, req.Topic)
	return "left topic", map[string]any{"topic": req.Topic, "left": left}, nil
}
