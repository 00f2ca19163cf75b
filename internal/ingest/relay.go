// Package ingest validates driver location samples, decides whether they
// belong to a trip, and fans them out over the bus.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/locationcache"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrThrottled         = errors.New("location sample arrived too soon")
)

const DefaultMinInterval = time.Second

// OrderLookup is the slice of the order repository the relay reads.
type OrderLookup interface {
	FindAcceptedByDriver(ctx context.Context, driverID string) (*models.Order, error)
}

// Mirror receives a copy of every published sample.
type Mirror interface {
	Mirror(ctx context.Context, channel string, s models.LocationSample) error
}

type Options struct {
	MinInterval time.Duration
	Mirror      Mirror
}

type Relay struct {
	bus      bus.Bus
	orders   OrderLookup
	cache    *locationcache.Cache
	mirror   Mirror
	validate *validator.Validate
	logger   *slog.Logger

	minInterval time.Duration
	now         func() time.Time

	mu   sync.Mutex
	last map[string]time.Time

	wg sync.WaitGroup
}

func NewRelay(b bus.Bus, orders OrderLookup, cache *locationcache.Cache, opts Options, logger *slog.Logger) *Relay {
	if opts.MinInterval < 0 {
		opts.MinInterval = 0
	}
	return &Relay{
		bus:         b,
		orders:      orders,
		cache:       cache,
		mirror:      opts.Mirror,
		validate:    validator.New(),
		logger:      logging.OrDiscard(logger).With("component", "ingest"),
		minInterval: opts.MinInterval,
		now:         time.Now,
		last:        make(map[string]time.Time),
	}
}

// Ingest publishes one sample for driverID. The returned sample is what
// subscribers received. The driver id in s is ignored.
func (r *Relay) Ingest(ctx context.Context, driverID string, s models.LocationSample) (models.LocationSample, error) {
	s.DriverID = driverID
	s.OrderID = ""
	if err := r.check(s); err != nil {
		observability.SamplesRejected.WithLabelValues("invalid_coordinate").Inc()
		return s, err
	}

	now := r.now()
	prev, ok := r.reserve(driverID, now)
	if !ok {
		observability.SamplesRejected.WithLabelValues("throttled").Inc()
		return s, ErrThrottled
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = now.UTC()
	}

	out, err := r.publish(ctx, s)
	if err != nil {
		r.release(driverID, now, prev)
		return s, err
	}
	return out, nil
}

func (r *Relay) publish(ctx context.Context, s models.LocationSample) (models.LocationSample, error) {
	channel := bus.ChannelDriverLocationAvailable
	// taken before the lookup so an accept or cancel landing in between
	// invalidates this sample's cache write
	gen := r.cache.Generation(s.DriverID)
	order, err := r.orders.FindAcceptedByDriver(ctx, s.DriverID)
	switch {
	case err == nil:
		s.OrderID = order.ID
		channel = bus.ChannelDriverLocationActive
	case errors.Is(err, storage.ErrNotFound):
	default:
		return s, fmt.Errorf("look up accepted order for %s: %w", s.DriverID, err)
	}

	if err := bus.PublishJSON(ctx, r.bus, channel, s); err != nil {
		return s, fmt.Errorf("publish %s: %w", channel, err)
	}
	observability.SamplesIngested.WithLabelValues(channel).Inc()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		written, err := r.cache.PutIfCurrent(cctx, s, gen)
		if err != nil {
			observability.CacheWriteErrors.Inc()
			r.logger.Error("cache write failed", "driver_id", s.DriverID, "error", err)
			return
		}
		if !written {
			r.logger.Debug("stale sample not cached", "driver_id", s.DriverID, "order_id", s.OrderID)
		}
	}()

	if r.mirror != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.mirror.Mirror(context.Background(), channel, s); err != nil {
				observability.MirrorErrors.Inc()
				r.logger.Warn("location mirror write failed", "driver_id", s.DriverID, "error", err)
			}
		}()
	}
	return s, nil
}

func (r *Relay) check(s models.LocationSample) error {
	for _, f := range []float64{s.Latitude, s.Longitude} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: not a finite number", ErrInvalidCoordinate)
		}
	}
	if err := r.validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCoordinate, err)
	}
	return nil
}

// reserve claims the driver's throttle slot at now.
func (r *Relay) reserve(driverID string, now time.Time) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, seen := r.last[driverID]
	if seen && r.minInterval > 0 && now.Sub(prev) < r.minInterval {
		return prev, false
	}
	r.last[driverID] = now
	return prev, true
}

func (r *Relay) release(driverID string, claimed, prev time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.last[driverID].Equal(claimed) {
		return
	}
	if prev.IsZero() {
		delete(r.last, driverID)
		return
	}
	r.last[driverID] = prev
}

// Forget drops throttle state for a driver whose connection closed.
func (r *Relay) Forget(driverID string) {
	r.mu.Lock()
	delete(r.last, driverID)
	r.mu.Unlock()
}

// Flush waits for outstanding cache and mirror writes.
func (r *Relay) Flush() {
	r.wg.Wait()
}
