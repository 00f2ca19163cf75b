package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

func testConn(id string, identity models.Identity, buffer int) *Conn {
	return newConn(id, identity, nil, buffer, logging.Discard())
}

func drainPushes(c *Conn) []Push {
	var out []Push
	for {
		select {
		case b := <-c.send:
			var p Push
			if json.Unmarshal(b, &p) == nil {
				out = append(out, p)
			}
		default:
			return out
		}
	}
}

func TestRegistryJoinLeave(t *testing.T) {
	r := NewRegistry()
	c := testConn("c1", models.Identity{UserID: "u1", Role: models.RoleCustomer}, 1)
	r.Add(c)

	assert.True(t, r.Join(c, OrderTopic("1")))
	assert.False(t, r.Join(c, OrderTopic("1")))
	assert.Len(t, r.Subscribers(OrderTopic("1")), 1)
	assert.ElementsMatch(t, []string{"order:1"}, r.Topics(c))

	assert.True(t, r.Leave(c, OrderTopic("1")))
	assert.False(t, r.Leave(c, OrderTopic("1")))
	assert.Empty(t, r.Subscribers(OrderTopic("1")))
}

func TestRegistryJoinRequiresAdd(t *testing.T) {
	r := NewRegistry()
	c := testConn("c1", models.Identity{UserID: "u1", Role: models.RoleCustomer}, 1)
	assert.False(t, r.Join(c, TopicDriverAvailable))
	assert.Empty(t, r.Subscribers(TopicDriverAvailable))
}

func TestRegistryRemoveDropsEverySubscription(t *testing.T) {
	r := NewRegistry()
	a := testConn("a", models.Identity{UserID: "d1", Role: models.RoleDriver}, 1)
	b := testConn("b", models.Identity{UserID: "c1", Role: models.RoleCustomer}, 1)
	r.Add(a)
	r.Add(b)
	r.Join(a, TopicDriverAvailable)
	r.Join(a, OrderTopic("7"))
	r.Join(b, OrderTopic("7"))

	r.Remove(a)

	assert.Equal(t, 1, r.Len())
	assert.Empty(t, r.Subscribers(TopicDriverAvailable))
	subs := r.Subscribers(OrderTopic("7"))
	require.Len(t, subs, 1)
	assert.Equal(t, "b", subs[0].ID)
	assert.Empty(t, r.ByRole(models.RoleDriver))
}

func TestConnPushDropsWhenQueueFull(t *testing.T) {
	c := testConn("c1", models.Identity{UserID: "u1", Role: models.RoleCustomer}, 1)
	assert.True(t, c.push([]byte("one")))
	assert.False(t, c.push([]byte("two")))

	c.close()
	<-c.send
	assert.False(t, c.push([]byte("three")))
}

func routingGateway(radiusKm float64) *Gateway {
	return New(nil, nil, nil, nil, nil, Options{RadiusKm: radiusKm}, nil)
}

func TestRouteOrderAvailableHonoursRadius(t *testing.T) {
	g := routingGateway(5)
	near := testConn("near", models.Identity{UserID: "d-near", Role: models.RoleDriver}, 4)
	far := testConn("far", models.Identity{UserID: "d-far", Role: models.RoleDriver}, 4)
	unknown := testConn("unknown", models.Identity{UserID: "d-new", Role: models.RoleDriver}, 4)
	rider := testConn("rider", models.Identity{UserID: "c-1", Role: models.RoleCustomer}, 4)
	for _, c := range []*Conn{near, far, unknown, rider} {
		g.registry.Add(c)
	}
	near.setPosition(-6.21, 106.85)
	far.setPosition(-6.90, 107.60)

	payload, err := json.Marshal(models.Order{ID: "o-1", Status: models.StatusPending, Pickup: models.Pickup{Lat: -6.2088, Lon: 106.8456}})
	require.NoError(t, err)
	g.routeOrderAvailable(context.Background(), bus.Message{Channel: bus.ChannelOrderAvailable, Payload: payload})

	assert.Len(t, drainPushes(near), 1)
	assert.Len(t, drainPushes(unknown), 1)
	assert.Empty(t, drainPushes(far))
	assert.Empty(t, drainPushes(rider))
}

func TestRouteAvailableLocationSkipsSender(t *testing.T) {
	g := routingGateway(0)
	sender := testConn("s", models.Identity{UserID: "d-1", Role: models.RoleDriver}, 4)
	watcher := testConn("w", models.Identity{UserID: "c-1", Role: models.RoleCustomer}, 4)
	g.registry.Add(sender)
	g.registry.Add(watcher)
	g.registry.Join(sender, TopicDriverAvailable)
	g.registry.Join(watcher, TopicDriverAvailable)
	g.registry.Join(watcher, DriverTopic("d-1"))

	payload, err := json.Marshal(models.LocationSample{DriverID: "d-1", Latitude: 1, Longitude: 2})
	require.NoError(t, err)
	g.routeAvailableLocation(context.Background(), bus.Message{Payload: payload})

	assert.Empty(t, drainPushes(sender))
	pushes := drainPushes(watcher)
	require.Len(t, pushes, 1, "watcher on two matching topics gets one copy")
	assert.Equal(t, PushDriverLocation, pushes[0].Event)
}

func TestRouteOrderStatusReachesRoomAndDrivers(t *testing.T) {
	g := routingGateway(0)
	rider := testConn("r", models.Identity{UserID: "c-1", Role: models.RoleCustomer}, 4)
	other := testConn("o", models.Identity{UserID: "c-2", Role: models.RoleCustomer}, 4)
	drv := testConn("d", models.Identity{UserID: "d-1", Role: models.RoleDriver}, 4)
	idle := testConn("i", models.Identity{UserID: "d-2", Role: models.RoleDriver}, 4)
	for _, c := range []*Conn{rider, other, drv, idle} {
		g.registry.Add(c)
	}
	g.registry.Join(rider, OrderTopic("5"))
	g.registry.Join(drv, OrderTopic("5"))

	payload, err := json.Marshal(models.StatusChange{OrderID: "5", Status: models.StatusAccepted, DriverID: "d-1"})
	require.NoError(t, err)
	g.routeOrderStatus(context.Background(), bus.Message{Payload: payload})

	assert.Len(t, drainPushes(rider), 1)
	assert.Len(t, drainPushes(drv), 1)
	assert.Len(t, drainPushes(idle), 1, "taken orders leave every driver's list")
	assert.Empty(t, drainPushes(other))
}

func TestRouteOrderStatusKeepsTripChangesInRoom(t *testing.T) {
	g := routingGateway(0)
	rider := testConn("r", models.Identity{UserID: "c-1", Role: models.RoleCustomer}, 4)
	assigned := testConn("d", models.Identity{UserID: "d-1", Role: models.RoleDriver}, 4)
	bystander := testConn("b", models.Identity{UserID: "d-2", Role: models.RoleDriver}, 4)
	for _, c := range []*Conn{rider, assigned, bystander} {
		g.registry.Add(c)
	}
	g.registry.Join(rider, OrderTopic("5"))
	g.registry.Join(assigned, OrderTopic("5"))

	for _, change := range []models.StatusChange{
		{OrderID: "5", Status: models.StatusCancelled, DriverID: "d-1"},
		{OrderID: "5", Status: models.StatusCompleted, DriverID: "d-1"},
	} {
		payload, err := json.Marshal(change)
		require.NoError(t, err)
		g.routeOrderStatus(context.Background(), bus.Message{Payload: payload})

		assert.Len(t, drainPushes(rider), 1, change.Status)
		assert.Len(t, drainPushes(assigned), 1, change.Status)
		assert.Empty(t, drainPushes(bystander), change.Status)
	}
}

func TestRouteOrderStatusPendingCancelReachesDrivers(t *testing.T) {
	g := routingGateway(0)
	rider := testConn("r", models.Identity{UserID: "c-1", Role: models.RoleCustomer}, 4)
	drv := testConn("d", models.Identity{UserID: "d-2", Role: models.RoleDriver}, 4)
	g.registry.Add(rider)
	g.registry.Add(drv)
	g.registry.Join(rider, OrderTopic("6"))

	payload, err := json.Marshal(models.StatusChange{OrderID: "6", Status: models.StatusCancelled})
	require.NoError(t, err)
	g.routeOrderStatus(context.Background(), bus.Message{Payload: payload})

	assert.Len(t, drainPushes(rider), 1)
	assert.Len(t, drainPushes(drv), 1, "drivers drop the withdrawn offer")
}

func TestAttachRoutesBusTraffic(t *testing.T) {
	b := bus.NewMemory(16, nil)
	defer b.Close()
	g := routingGateway(0)
	detach, err := g.Attach(b)
	require.NoError(t, err)

	watcher := testConn("w", models.Identity{UserID: "c-1", Role: models.RoleCustomer}, 4)
	g.registry.Add(watcher)
	g.registry.Join(watcher, OrderTopic("42"))

	require.NoError(t, bus.PublishJSON(context.Background(), b, bus.ChannelDriverLocationActive,
		models.LocationSample{DriverID: "d-1", OrderID: "43", Latitude: 1, Longitude: 1}))
	require.NoError(t, bus.PublishJSON(context.Background(), b, bus.ChannelDriverLocationActive,
		models.LocationSample{DriverID: "d-2", OrderID: "42", Latitude: 2, Longitude: 2}))

	select {
	case raw := <-watcher.send:
		var p Push
		require.NoError(t, json.Unmarshal(raw, &p))
		var s models.LocationSample
		require.NoError(t, json.Unmarshal(p.Data, &s))
		assert.Equal(t, "42", s.OrderID)
	case <-time.After(time.Second):
		t.Fatal("no push for order 42")
	}

	detach()
	assert.Equal(t, 0, b.Subscribers(bus.ChannelDriverLocationActive))
}
