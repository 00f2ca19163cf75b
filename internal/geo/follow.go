package geo

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

// Apply updates g for one location sample: available drivers are indexed,
// drivers on a trip are removed.
func Apply(ctx context.Context, g Geo, s models.LocationSample) error {
	if s.Active() {
		return g.Remove(ctx, s.DriverID)
	}
	return g.Upsert(ctx, Position{
		DriverID:  s.DriverID,
		Lat:       s.Latitude,
		Lon:       s.Longitude,
		Heading:   s.Heading,
		Speed:     s.Speed,
		UpdatedAt: s.Timestamp,
	})
}

// Follow keeps g in step with both driver location channels. It is used
// when no out-of-band indexer consumes the location mirror.
func Follow(b bus.Bus, g Geo, logger *slog.Logger) (func(), error) {
	lg := logging.OrDiscard(logger).With("component", "geo.follow")
	handle := func(ctx context.Context, msg bus.Message) {
		var s models.LocationSample
		if err := json.Unmarshal(msg.Payload, &s); err != nil {
			lg.Warn("undecodable location sample", "channel", msg.Channel, "error", err)
			return
		}
		if err := Apply(ctx, g, s); err != nil {
			lg.Error("geo index update failed", "driver_id", s.DriverID, "error", err)
		}
	}
	unsubAvailable, err := b.Subscribe(bus.ChannelDriverLocationAvailable, handle)
	if err != nil {
		return nil, err
	}
	unsubActive, err := b.Subscribe(bus.ChannelDriverLocationActive, handle)
	if err != nil {
		unsubAvailable()
		return nil, err
	}
	return func() {
		unsubAvailable()
		unsubActive()
	}, nil
}
