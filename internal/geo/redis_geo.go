package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/fleet-allocation/internal/models"
)

// RedisIndex keeps driver positions in a Redis GEO set so every service
// instance sees the same picture.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID string, fix models.GPSFix) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: fix.Coord.Lon,
		Latitude:  fix.Coord.Lat,
		Name:      driverID,
	}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, fixKey(driverID), map[string]interface{}{
		"accuracy_m": strconv.FormatFloat(fix.AccuracyM, 'f', -1, 64),
		"speed_mps":  strconv.FormatFloat(fix.SpeedMps, 'f', -1, 64),
		"updated":    fix.LastUpdated.Format(time.RFC3339),
	}).Err()
}

// Nearby returns driver ids within radiusM of the point, nearest first.
func (r *RedisIndex) Nearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]string, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: radiusM,
		Unit:   "m",
		Count:  limit,
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res))
	for _, g := range res {
		out = append(out, g.Name)
	}
	return out, nil
}

func fixKey(driverID string) string { return "driver:fix:" + driverID }
