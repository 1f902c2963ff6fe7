package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-coordinator/internal/models"
)

// RedisGeo implements Index using Redis GEO commands. Metadata for each driver
// lives in a hash next to the geo set, and OnlineKey holds the members that
// other writers may refresh.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	if key == "" {
		key = "drivers_geo"
	}
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, loc models.Location) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lng, Latitude: loc.Lat, Name: loc.DriverID})
	pipe.SAdd(ctx, OnlineKey(r.key), loc.DriverID)
	pipe.HSet(ctx, MetaKey(loc.DriverID), map[string]interface{}{
		"heading": strconv.FormatFloat(loc.Heading, 'f', -1, 64),
		"speed":   strconv.FormatFloat(loc.Speed, 'f', -1, 64),
		"updated": loc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.SRem(ctx, OnlineKey(r.key), driverID)
	pipe.Del(ctx, MetaKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Nearby(ctx context.Context, c models.Coord, radiusKm float64, limit int) ([]Nearby, error) {
	if radiusKm <= 0 {
		radiusKm = 20000
	}
	q := &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithDist: true, Count: limit, Sort: "ASC"}
	res, err := r.client.GeoRadius(ctx, r.key, c.Lng, c.Lat, q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Nearby, 0, len(res))
	for _, g := range res {
		out = append(out, Nearby{DriverID: g.Name, DistanceKm: g.Dist})
	}
	return out, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }

// OnlineKey is the set of drivers currently in the geo set key.
func OnlineKey(key string) string { return key + ":online" }
