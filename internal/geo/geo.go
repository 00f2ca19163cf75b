package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// Position is an available driver's place in the geo index.
type Position struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Heading   float64   `json:"heading"`
	Speed     float64   `json:"speed"`
	DistanceM float64   `json:"distance_m,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Geo indexes drivers that are waiting for an order.
type Geo interface {
	Upsert(ctx context.Context, p Position) error
	Remove(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]Position, error)
}

// Index is the in-process Geo. Entries older than maxAge are treated as
// gone, matching the location cache TTL.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]Position
	maxAge  time.Duration
	now     func() time.Time
}

func NewIndex(maxAge time.Duration) *Index {
	return &Index{drivers: make(map[string]Position), maxAge: maxAge, now: time.Now}
}

func (g *Index) Upsert(_ context.Context, p Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p.UpdatedAt = g.now()
	p.DistanceM = 0
	g.drivers[p.DriverID] = p
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// naive scan; fine for a single city's worth of drivers
func (g *Index) Nearby(_ context.Context, lat, lon, radiusM float64, limit int) ([]Position, error) {
	now := g.now()
	g.mu.RLock()
	arr := make([]Position, 0, len(g.drivers))
	for _, p := range g.drivers {
		if g.maxAge > 0 && now.Sub(p.UpdatedAt) > g.maxAge {
			continue
		}
		p.DistanceM = Haversine(lat, lon, p.Lat, p.Lon)
		if radiusM > 0 && p.DistanceM > radiusM {
			continue
		}
		arr = append(arr, p)
	}
	g.mu.RUnlock()

	sort.Slice(arr, func(i, j int) bool { return arr[i].DistanceM < arr[j].DistanceM })
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	return arr, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
