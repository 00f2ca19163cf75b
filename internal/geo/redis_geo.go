package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGeo implements Geo using Redis GEO commands plus a metadata hash
// per driver.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, p Position) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Lon, Latitude: p.Lat, Name: p.DriverID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", p.DriverID, err)
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	err := r.client.HSet(ctx, metaKey(p.DriverID), map[string]interface{}{
		"heading": strconv.FormatFloat(p.Heading, 'f', -1, 64),
		"speed":   strconv.FormatFloat(p.Speed, 'f', -1, 64),
		"updated": updated.UTC().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return fmt.Errorf("hset meta %s: %w", p.DriverID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", driverID, err)
	}
	if err := r.client.Del(ctx, metaKey(driverID)).Err(); err != nil {
		return fmt.Errorf("del meta %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]Position, error) {
	if radiusM <= 0 {
		radiusM = 5000
	}
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]Position, 0, len(res))
	for _, g := range res {
		p := Position{DriverID: g.Name, Lat: g.Latitude, Lon: g.Longitude, DistanceM: g.Dist}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			p.Heading, _ = strconv.ParseFloat(m["heading"], 64)
			p.Speed, _ = strconv.ParseFloat(m["speed"], 64)
			p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m["updated"])
		}
		out = append(out, p)
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
