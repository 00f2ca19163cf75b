package locationcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const DefaultTTL = 60 * time.Second

func ActiveKey(driverID string) string    { return "driver:location:active:" + driverID }
func AvailableKey(driverID string) string { return "driver:location:available:" + driverID }

// Cache stores LocationSamples under the active key while the driver is on
// an accepted order and under the available key otherwise. A driver has at
// most one of the two keys set at a time.
//
// Writes for one driver are serialized. Promote and Untag bump the driver's
// generation so a sample classified before an order change can be dropped
// with PutIfCurrent instead of resurrecting the old tag.
type Cache struct {
	store Store
	ttl   time.Duration

	mu      sync.Mutex
	drivers map[string]*driverSlot
}

type driverSlot struct {
	mu  sync.Mutex
	gen uint64
}

func New(store Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: store, ttl: ttl, drivers: make(map[string]*driverSlot)}
}

func (c *Cache) slot(driverID string) *driverSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds, ok := c.drivers[driverID]
	if !ok {
		ds = &driverSlot{}
		c.drivers[driverID] = ds
	}
	return ds
}

// Generation returns the driver's order-change counter.
func (c *Cache) Generation(driverID string) uint64 {
	ds := c.slot(driverID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.gen
}

// Put overwrites the driver's entry with s and expires it after the TTL.
func (c *Cache) Put(ctx context.Context, s models.LocationSample) error {
	ds := c.slot(s.DriverID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return c.put(ctx, s)
}

// PutIfCurrent writes s only while the driver's generation is still gen.
// It reports whether the write happened.
func (c *Cache) PutIfCurrent(ctx context.Context, s models.LocationSample, gen uint64) (bool, error) {
	ds := c.slot(s.DriverID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.gen != gen {
		return false, nil
	}
	return true, c.put(ctx, s)
}

func (c *Cache) put(ctx context.Context, s models.LocationSample) error {
	set, stale := AvailableKey(s.DriverID), ActiveKey(s.DriverID)
	if s.Active() {
		set, stale = stale, set
	}
	if err := c.write(ctx, set, s); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, stale); err != nil {
		return fmt.Errorf("clear %s: %w", stale, err)
	}
	return nil
}

// Active returns the driver's on-trip sample.
func (c *Cache) Active(ctx context.Context, driverID string) (models.LocationSample, error) {
	return c.read(ctx, ActiveKey(driverID))
}

// Last returns the newest sample for the driver, preferring the on-trip key.
func (c *Cache) Last(ctx context.Context, driverID string) (models.LocationSample, error) {
	s, err := c.read(ctx, ActiveKey(driverID))
	if errors.Is(err, ErrMiss) {
		return c.read(ctx, AvailableKey(driverID))
	}
	return s, err
}

// Promote moves the driver's available entry to the active key tagged with
// orderID. Having nothing cached is not an error.
func (c *Cache) Promote(ctx context.Context, driverID, orderID string) error {
	ds := c.slot(driverID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.gen++

	s, err := c.read(ctx, AvailableKey(driverID))
	if errors.Is(err, ErrMiss) {
		return nil
	}
	if err != nil {
		return err
	}
	s.OrderID = orderID
	return c.put(ctx, s)
}

// Untag moves the driver's active entry back to the available key without
// its order id.
func (c *Cache) Untag(ctx context.Context, driverID string) error {
	ds := c.slot(driverID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.gen++

	s, err := c.read(ctx, ActiveKey(driverID))
	if errors.Is(err, ErrMiss) {
		return nil
	}
	if err != nil {
		return err
	}
	s.OrderID = ""
	return c.put(ctx, s)
}

func (c *Cache) write(ctx context.Context, key string, s models.LocationSample) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	if err := c.store.Set(ctx, key, b, c.ttl); err != nil {
		return fmt.Errorf("cache %s: %w", key, err)
	}
	return nil
}

func (c *Cache) read(ctx context.Context, key string) (models.LocationSample, error) {
	var s models.LocationSample
	b, err := c.store.Get(ctx, key)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("decode %s: %w", key, err)
	}
	return s, nil
}
