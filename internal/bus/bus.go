// Package bus is the publish/subscribe layer between the producers of
// dispatch and location events and the websocket gateway. Delivery is
// at-most-once and best effort: nothing is persisted and a slow subscriber
// misses messages rather than slowing the publisher down.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	ChannelOrderAvailable          = "order.available"
	ChannelOrderCreated            = "order.created"
	ChannelOrderStatus             = "order.status"
	ChannelDriverLocationActive    = "driver.location.active"
	ChannelDriverLocationAvailable = "driver.location.available"
)

var (
	// ErrTransient wraps any publish or subscribe failure of the backing transport.
	ErrTransient = errors.New("bus: transient failure")
	ErrClosed    = errors.New("bus: closed")
)

type Message struct {
	Channel string
	Payload []byte
}

type Handler func(ctx context.Context, msg Message)

type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers h for channel. The returned func removes the
	// subscription and is safe to call more than once.
	Subscribe(channel string, h Handler) (unsubscribe func(), err error)
	Close() error
}

// PublishJSON marshals v and publishes it on channel.
func PublishJSON(ctx context.Context, b Bus, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	return b.Publish(ctx, channel, payload)
}
