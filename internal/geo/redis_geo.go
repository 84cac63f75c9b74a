package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/alert-dispatch/internal/models"
)

// RedisIndex implements Index on Redis GEO commands. The consumer pipeline
// keeps it fed from responder pings.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key}
}

// NewRedisIndexFromClient wraps an existing client, for processes that share
// one connection.
func NewRedisIndexFromClient(c *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: c, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, id string, c models.Coord) error {
	_, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: c.Lon,
		Latitude:  c.Lat,
		Name:      id,
	}).Result()
	return err
}

func (r *RedisIndex) Remove(ctx context.Context, id string) error {
	return r.client.ZRem(ctx, r.key, id).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, center models.Coord, radiusM float64, limit int) ([]Point, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusM,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Point, 0, len(res))
	for _, g := range res {
		out = append(out, Point{
			ID:        g.Name,
			Coord:     models.Coord{Lon: g.Longitude, Lat: g.Latitude},
			DistanceM: g.Dist,
		})
	}
	return out, nil
}
