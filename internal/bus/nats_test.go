package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNatsServer *server.Server

func TestMain(m *testing.M) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	testNatsServer = natsserver.RunServer(&opts)
	code := m.Run()
	testNatsServer.Shutdown()
	os.Exit(code)
}

func TestNATSPublishSubscribe(t *testing.T) {
	b, err := DialNATS(testNatsServer.ClientURL(), nil)
	require.NoError(t, err)
	defer b.Close()

	got := make(chan Message, 1)
	unsubscribe, err := b.Subscribe(ChannelDriverLocationActive, func(_ context.Context, msg Message) {
		got <- msg
	})
	require.NoError(t, err)
	defer unsubscribe()
	require.NoError(t, b.Flush())

	require.NoError(t, b.Publish(context.Background(), ChannelDriverLocationActive, []byte(`{"order_id":"42"}`)))

	select {
	case msg := <-got:
		assert.Equal(t, ChannelDriverLocationActive, msg.Channel)
		assert.JSONEq(t, `{"order_id":"42"}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestNATSUnsubscribeStopsDelivery(t *testing.T) {
	b, err := DialNATS(testNatsServer.ClientURL(), nil)
	require.NoError(t, err)
	defer b.Close()

	got := make(chan Message, 4)
	unsubscribe, err := b.Subscribe("order.available", func(_ context.Context, msg Message) { got <- msg })
	require.NoError(t, err)
	unsubscribe()
	unsubscribe()
	require.NoError(t, b.Flush())

	require.NoError(t, b.Publish(context.Background(), "order.available", []byte("x")))
	require.NoError(t, b.Flush())

	select {
	case <-got:
		t.Fatal("unsubscribed handler received a message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATSPublishAfterClose(t *testing.T) {
	b, err := DialNATS(testNatsServer.ClientURL(), nil)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), "c", nil), ErrClosed)
}

func TestDialNATSUnreachable(t *testing.T) {
	_, err := DialNATS("nats://127.0.0.1:1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestNewNATSSharesConnection(t *testing.T) {
	nc, err := nats.Connect(testNatsServer.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	b := NewNATS(nc, nil)
	got := make(chan Message, 1)
	unsubscribe, err := b.Subscribe(ChannelOrderStatus, func(_ context.Context, msg Message) { got <- msg })
	require.NoError(t, err)
	defer unsubscribe()
	require.NoError(t, b.Flush())

	require.NoError(t, PublishJSON(context.Background(), b, ChannelOrderStatus, map[string]string{"order_id": "7"}))
	select {
	case msg := <-got:
		assert.JSONEq(t, `{"order_id":"7"}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	require.NoError(t, b.Close())
	assert.False(t, nc.IsClosed(), "a borrowed connection outlives the bus")
	require.NoError(t, b.Publish(context.Background(), ChannelOrderStatus, []byte(`{}`)))
}
