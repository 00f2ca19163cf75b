package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeGeo implements geo.Geo for tests
type fakeGeo struct {
	failUpsert  int // number of times to fail Upsert before succeeding
	failRemove  int
	upsertCalls int
	removeCalls int
	last        geo.Position
}

func (f *fakeGeo) Upsert(_ context.Context, p geo.Position) error {
	f.upsertCalls++
	if f.upsertCalls <= f.failUpsert {
		return errors.New("geoadd fail")
	}
	f.last = p
	return nil
}

func (f *fakeGeo) Remove(_ context.Context, _ string) error {
	f.removeCalls++
	if f.removeCalls <= f.failRemove {
		return errors.New("zrem fail")
	}
	return nil
}

func (f *fakeGeo) Nearby(context.Context, float64, float64, float64, int) ([]geo.Position, error) {
	return nil, nil
}

func sample(orderID string) models.LocationSample {
	return models.LocationSample{DriverID: "d1", OrderID: orderID, Latitude: 1, Longitude: 2, Timestamp: time.Now()}
}

func TestUpdateGeoWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeGeo{failUpsert: 2}
	start := time.Now()
	require.NoError(t, updateGeoWithRetry(context.Background(), f, sample(""), 3, 10*time.Millisecond))
	assert.Equal(t, 3, f.upsertCalls)
	assert.Equal(t, "d1", f.last.DriverID)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "expected backoff between attempts")
}

func TestUpdateGeoWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeGeo{failRemove: 5}
	err := updateGeoWithRetry(context.Background(), f, sample("o-1"), 3, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, f.removeCalls)
	assert.Zero(t, f.upsertCalls)
}

func TestUpdateGeoWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeGeo{failUpsert: 10}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := updateGeoWithRetry(ctx, f, sample(""), 5, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.upsertCalls)
}

func TestHandleMessage(t *testing.T) {
	f := &fakeGeo{}
	value, err := json.Marshal(sample("o-1"))
	require.NoError(t, err)

	require.NoError(t, handleMessage(context.Background(), f, kafka.Message{Value: value}, 1, 0))
	assert.Equal(t, 1, f.removeCalls, "active sample removes the driver")

	msg := kafka.Message{Value: value, Headers: []kafka.Header{{Key: ingest.HeaderChannel, Value: []byte(bus.ChannelDriverLocationAvailable)}}}
	require.NoError(t, handleMessage(context.Background(), f, msg, 1, 0))
	assert.Equal(t, 1, f.upsertCalls)

	err = handleMessage(context.Background(), f, kafka.Message{Value: []byte("nope")}, 1, 0)
	assert.ErrorIs(t, err, errInvalidMessage)
}
