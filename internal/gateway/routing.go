package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Attach subscribes the gateway to every channel it relays to clients.
// The returned func removes all of those subscriptions.
func (g *Gateway) Attach(b bus.Bus) (func(), error) {
	routes := []struct {
		channel string
		handler bus.Handler
	}{
		{bus.ChannelDriverLocationActive, g.routeActiveLocation},
		{bus.ChannelDriverLocationAvailable, g.routeAvailableLocation},
		{bus.ChannelOrderAvailable, g.routeOrderAvailable},
		{bus.ChannelOrderStatus, g.routeOrderStatus},
	}

	var unsubs []func()
	detach := func() {
		for _, u := range unsubs {
			u()
		}
	}
	for _, r := range routes {
		unsub, err := b.Subscribe(r.channel, r.handler)
		if err != nil {
			detach()
			return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
		}
		unsubs = append(unsubs, unsub)
	}
	return detach, nil
}

// routeActiveLocation delivers a trip sample to the watchers of its order
// and nobody else.
func (g *Gateway) routeActiveLocation(_ context.Context, msg bus.Message) {
	var s models.LocationSample
	if err := json.Unmarshal(msg.Payload, &s); err != nil || s.OrderID == "" {
		g.logger.Warn("dropping malformed active location", "error", err)
		return
	}
	g.fanOut(PushDriverLocation, msg.Payload, g.registry.Subscribers(OrderTopic(s.OrderID)), "")
}

func (g *Gateway) routeAvailableLocation(_ context.Context, msg bus.Message) {
	var s models.LocationSample
	if err := json.Unmarshal(msg.Payload, &s); err != nil || s.DriverID == "" {
		g.logger.Warn("dropping malformed available location", "error", err)
		return
	}
	targets := append(g.registry.Subscribers(TopicDriverAvailable), g.registry.Subscribers(DriverTopic(s.DriverID))...)
	g.fanOut(PushDriverLocation, msg.Payload, targets, s.DriverID)
}

// routeOrderAvailable offers an order to drivers. With a radius set,
// drivers whose last position is farther from the pickup are skipped;
// drivers that never reported a position still get the offer.
func (g *Gateway) routeOrderAvailable(_ context.Context, msg bus.Message) {
	var o models.Order
	if err := json.Unmarshal(msg.Payload, &o); err != nil || o.ID == "" {
		g.logger.Warn("dropping malformed order.available", "error", err)
		return
	}
	drivers := g.registry.ByRole(models.RoleDriver)
	if g.opts.RadiusKm > 0 {
		radiusM := g.opts.RadiusKm * 1000
		kept := drivers[:0]
		for _, c := range drivers {
			pos, ok := c.Position()
			if !ok || geo.Haversine(pos.Lat, pos.Lon, o.Pickup.Lat, o.Pickup.Lon) <= radiusM {
				kept = append(kept, c)
			}
		}
		drivers = kept
	}
	g.fanOut(PushOrderAvailable, msg.Payload, drivers, "")
}

func (g *Gateway) routeOrderStatus(_ context.Context, msg bus.Message) {
	var change models.StatusChange
	if err := json.Unmarshal(msg.Payload, &change); err != nil || change.OrderID == "" {
		g.logger.Warn("dropping malformed order.status", "error", err)
		return
	}
	targets := g.registry.Subscribers(OrderTopic(change.OrderID))
	if leftPending(change) {
		targets = append(targets, g.registry.ByRole(models.RoleDriver)...)
	}
	g.fanOut(PushOrderStatus, msg.Payload, targets, "")
}

// leftPending reports whether change takes an order out of the open list
// drivers were offered: an accept, or a cancel before anyone accepted.
func leftPending(change models.StatusChange) bool {
	switch change.Status {
	case models.StatusAccepted:
		return true
	case models.StatusCancelled:
		return change.DriverID == ""
	}
	return false
}

// fanOut encodes the push once and queues it on each distinct target.
// Connections owned by skipUser are left out.
func (g *Gateway) fanOut(event string, payload []byte, targets []*Conn, skipUser string) {
	if len(targets) == 0 {
		return
	}
	b, err := json.Marshal(Push{Event: event, Data: payload})
	if err != nil {
		g.logger.Error("encode push", "event", event, "error", err)
		return
	}
	seen := make(map[string]struct{}, len(targets))
	for _, c := range targets {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		if skipUser != "" && c.Identity.UserID == skipUser {
			continue
		}
		c.push(b)
	}
}
